package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayemish/kindnessconnect/internal/client"
	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/hub"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/inbox"
	"github.com/ayemish/kindnessconnect/internal/lookup"
	"github.com/ayemish/kindnessconnect/internal/room"
	"github.com/ayemish/kindnessconnect/internal/store/memory"
	"github.com/ayemish/kindnessconnect/pkg/middleware"
	"github.com/ayemish/kindnessconnect/pkg/response"
)

type fakeSessions struct {
	mu        sync.Mutex
	users     map[string]identity.User
	loggedOut []string
}

func (f *fakeSessions) Resolve(ctx context.Context, token string) (identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[token]
	if !ok {
		return identity.Session{}, identity.ErrUnauthenticated
	}
	return identity.Authenticated(u), nil
}

func (f *fakeSessions) ValidateToken(ctx context.Context, token string) (*middleware.Identity, error) {
	s, err := f.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Identity{UserID: s.User.UID, Email: s.User.Email, Username: s.User.FullName, Roles: []string{string(s.User.Role)}}, nil
}

func (f *fakeSessions) Logout(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = append(f.loggedOut, uid)
	for token, u := range f.users {
		if u.UID == uid {
			delete(f.users, token)
		}
	}
}

type fakeAPI struct {
	requests  map[string]domain.Request
	initiated []string
}

func (f *fakeAPI) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, &client.APIError{Method: http.MethodGet, Path: "/requests/" + id, Status: http.StatusNotFound}
	}
	return &r, nil
}

func (f *fakeAPI) GetProfile(ctx context.Context, token string) (*domain.UserProfile, error) {
	return nil, errors.New("not used")
}

func (f *fakeAPI) InitiateChat(ctx context.Context, token, requestID, uid string) (string, error) {
	f.initiated = append(f.initiated, requestID+"/"+uid)
	return "chat-" + requestID, nil
}

type env struct {
	engine   *gin.Engine
	store    *memory.Store
	sessions *fakeSessions
	api      *fakeAPI
	hub      *hub.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := memory.New()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, domain.UserProfile{UID: "D", FullName: "Dana"}))
	for _, r := range []domain.ChatRoom{
		{ID: "R1", RequesterUID: "U", DonorUID: "D", RequestID: "Q1"},
		{ID: "R2", RequesterUID: "X", DonorUID: "Y", RequestID: "Q1"},
	} {
		_, err := s.CreateRoom(ctx, r)
		require.NoError(t, err)
	}

	api := &fakeAPI{requests: map[string]domain.Request{
		"Q1": {ID: "Q1", Title: "Help Grandma", RequesterUID: "U"},
		"Q2": {ID: "Q2", Title: "School Fees", RequesterUID: "X"},
	}}
	sessions := &fakeSessions{users: map[string]identity.User{
		"token-u": {UID: "U", FullName: "Uma", Email: "u@example.com", Role: identity.RoleDonor},
	}}

	h := hub.NewHub()
	go h.Run()
	t.Cleanup(h.Shutdown)

	resolver := lookup.NewResolver(api, s, nil, time.Minute)
	agg := inbox.NewAggregator(s, resolver, 4)
	rooms := room.NewService(s, s, resolver)

	engine := gin.New()
	NewHandler(agg, rooms, api, sessions, h, middleware.NewAuthMiddleware(sessions)).RegisterRoutes(engine)
	NewWSHandler(h, agg, rooms, sessions, config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       5 * time.Second,
		WriteWait:      time.Second,
		AuthTimeout:    5 * time.Second,
		MaxMessageSize: 4096,
	}).RegisterRoutes(engine)

	return &env{engine: engine, store: s, sessions: sessions, api: api, hub: h}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var resp response.Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decode[T any](t *testing.T, data any) T {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnauthenticatedRedirectsToLogin(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodGet, "/api/v1/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "/login", resp.Error.Redirect)

	w, _ = e.do(t, http.MethodGet, "/api/v1/chats", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListChats(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodGet, "/api/v1/chats", "token-u", nil)
	require.Equal(t, http.StatusOK, w.Code)

	st := decode[inbox.State](t, resp.Data)
	assert.Equal(t, inbox.StatusReady, st.Status)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, domain.InboxEntry{
		ChatID: "R1", RequesterUID: "U", DonorUID: "D", RequestID: "Q1",
		RequestTitle: "Help Grandma", OtherUserName: "Dana", ConversationRole: domain.RoleRequester,
	}, st.Entries[0])
}

func TestSendAndReadMessages(t *testing.T) {
	e := newEnv(t)

	w, _ := e.do(t, http.MethodPost, "/api/v1/chats/R1/messages", "token-u", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := e.do(t, http.MethodPost, "/api/v1/chats/R1/messages", "token-u", map[string]string{"text": " hi Dana "})
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decode[domain.ChatMessage](t, resp.Data)
	assert.Equal(t, "hi Dana", msg.Text)
	assert.Equal(t, "Uma", msg.SenderName)

	w, resp = e.do(t, http.MethodGet, "/api/v1/chats/R1/messages?tz=Asia/Tokyo", "token-u", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tr := decode[room.Transcript](t, resp.Data)
	assert.Equal(t, "Help Grandma", tr.Title)
	require.Len(t, tr.Bubbles, 1)
	assert.Equal(t, room.LabelSelf, tr.Bubbles[0].Label)
	assert.Equal(t, msg.Timestamp.In(viewerLocation("Asia/Tokyo")).Format(room.TimeLayout), tr.Bubbles[0].Time)
	assert.Equal(t, msg.ID, tr.ScrollTo)
}

func TestSendFailureIsBadGateway(t *testing.T) {
	e := newEnv(t)
	e.store.InjectFaults(memory.Faults{Append: errors.New("unavailable")})

	w, resp := e.do(t, http.MethodPost, "/api/v1/chats/R1/messages", "token-u", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, room.SendFailedText, resp.Error.Message)
}

func TestForeignRoomIsUnavailable(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodGet, "/api/v1/chats/R2/messages", "token-u", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, room.UnavailableText, resp.Error.Message)

	w, _ = e.do(t, http.MethodPost, "/api/v1/chats/R2/messages", "token-u", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInitiateChat(t *testing.T) {
	e := newEnv(t)

	w, resp := e.do(t, http.MethodPost, "/api/v1/requests/Q1/chat", "token-u", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, OwnRequestText, resp.Error.Message)

	w, _ = e.do(t, http.MethodPost, "/api/v1/requests/missing/chat", "token-u", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = e.do(t, http.MethodPost, "/api/v1/requests/Q2/chat", "token-u", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, map[string]any{"chat_id": "chat-Q2"}, resp.Data)
	assert.Equal(t, []string{"Q2/U"}, e.api.initiated)
}

func TestViewerLocation(t *testing.T) {
	assert.Equal(t, time.UTC, viewerLocation(""))
	assert.Equal(t, time.UTC, viewerLocation("Not/AZone"))
	assert.Equal(t, "Europe/Berlin", viewerLocation("Europe/Berlin").String())
}

// ws helpers

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	To      string          `json:"to"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	State   json.RawMessage `json:"state"`
	Draft   *domain.MessageDraft
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func TestWSInboxView(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dial(t, srv, "/ws/inbox")
	require.NoError(t, conn.WriteJSON(domain.AuthMessage{Type: domain.MsgTypeAuth, Token: "token-u"}))

	auth := readUntil(t, conn, ofType(domain.MsgTypeAuthResult))
	assert.True(t, auth.Success)

	var st inbox.State
	readUntil(t, conn, func(f frame) bool {
		if f.Type != domain.MsgTypeInboxState {
			return false
		}
		require.NoError(t, json.Unmarshal(f.State, &st))
		return st.Status == inbox.StatusReady
	})
	require.Len(t, st.Entries, 1)
	assert.Equal(t, "Dana", st.Entries[0].OtherUserName)

	// A room created later shows up on the same connection.
	_, err := e.store.CreateRoom(context.Background(), domain.ChatRoom{ID: "R3", RequesterUID: "X", DonorUID: "U", RequestID: "Q2"})
	require.NoError(t, err)
	readUntil(t, conn, func(f frame) bool {
		if f.Type != domain.MsgTypeInboxState {
			return false
		}
		require.NoError(t, json.Unmarshal(f.State, &st))
		return st.Status == inbox.StatusReady && len(st.Entries) == 2
	})
	assert.Equal(t, "School Fees", st.Entries[1].RequestTitle)
	assert.Equal(t, domain.RoleDonor, st.Entries[1].ConversationRole)
}

func TestWSRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dial(t, srv, "/ws/inbox")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgTypeSendMessage, "text": "hi"}))
	f := readUntil(t, conn, ofType(domain.MsgTypeError))
	assert.Equal(t, domain.ErrCodeUnauthorized, f.Code)

	require.NoError(t, conn.WriteJSON(domain.AuthMessage{Type: domain.MsgTypeAuth, Token: "bogus"}))
	f = readUntil(t, conn, ofType(domain.MsgTypeRedirect))
	assert.Equal(t, "/login", f.To)
}

func TestWSRoomViewSendAndLogout(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dial(t, srv, "/ws/chats/R1")
	require.NoError(t, conn.WriteJSON(domain.AuthMessage{Type: domain.MsgTypeAuth, Token: "token-u"}))

	var tr room.Transcript
	transcript := func(cond func(room.Transcript) bool) func(frame) bool {
		return func(f frame) bool {
			if f.Type != domain.MsgTypeTranscript {
				return false
			}
			require.NoError(t, json.Unmarshal(f.State, &tr))
			return cond(tr)
		}
	}
	readUntil(t, conn, transcript(func(tr room.Transcript) bool { return !tr.Loading && tr.EmptyText != "" }))
	assert.Equal(t, room.EmptyText, tr.EmptyText)

	require.NoError(t, conn.WriteJSON(domain.SendMessageWS{Type: domain.MsgTypeSendMessage, Text: "hello"}))
	readUntil(t, conn, transcript(func(tr room.Transcript) bool { return len(tr.Bubbles) == 1 }))
	assert.Equal(t, "hello", tr.Bubbles[0].Text)
	assert.True(t, tr.Bubbles[0].Mine)

	e.store.InjectFaults(memory.Faults{Append: errors.New("unavailable")})
	require.NoError(t, conn.WriteJSON(domain.SendMessageWS{Type: domain.MsgTypeSendMessage, Text: "again"}))
	alert := readUntil(t, conn, ofType(domain.MsgTypeAlert))
	assert.Equal(t, room.SendFailedText, alert.Message)
	require.NotNil(t, alert.Draft)
	assert.Equal(t, "again", alert.Draft.Text)

	e.store.InjectFaults(memory.Faults{})
	require.NoError(t, conn.WriteJSON(domain.SendMessageWS{Type: domain.MsgTypeSendMessage, Text: "again", DraftID: alert.Draft.ID}))
	readUntil(t, conn, transcript(func(tr room.Transcript) bool { return len(tr.Bubbles) == 2 }))
	assert.Equal(t, alert.Draft.ID, tr.ScrollTo)

	require.NoError(t, conn.WriteJSON(domain.SwitchRoomMessage{Type: domain.MsgTypeSwitchRoom, RoomID: "R2"}))
	readUntil(t, conn, transcript(func(tr room.Transcript) bool { return tr.RoomID == "R2" }))
	assert.Equal(t, room.UnavailableText, tr.Error)

	w, _ := e.do(t, http.MethodPost, "/api/v1/session/logout", "token-u", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f := readUntil(t, conn, ofType(domain.MsgTypeRedirect))
	assert.Equal(t, "/login", f.To)
	assert.Equal(t, []string{"U"}, e.sessions.loggedOut)
}
