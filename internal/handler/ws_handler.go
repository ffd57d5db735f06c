package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayemish/kindnessconnect/internal/audit"
	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/hub"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/inbox"
	"github.com/ayemish/kindnessconnect/internal/room"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

type viewKind int

const (
	inboxView viewKind = iota
	roomView
)

// viewTarget is what a connection mounts once authenticated.
type viewTarget struct {
	kind   viewKind
	roomID string
	loc    *time.Location
}

// WSHandler serves the live inbox and room views.
type WSHandler struct {
	hub      *hub.Hub
	inbox    *inbox.Aggregator
	rooms    *room.Service
	sessions SessionResolver
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, agg *inbox.Aggregator, rooms *room.Service, sessions SessionResolver, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:      h,
		inbox:    agg,
		rooms:    rooms,
		sessions: sessions,
		wsCfg:    wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(wsCfg.AllowedOrigins),
		},
	}
}

// checkOrigin allows every origin when none are configured.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	ws := r.Group("/ws")
	{
		ws.GET("/inbox", func(c *gin.Context) {
			h.serve(c, viewTarget{kind: inboxView})
		})
		ws.GET("/chats/:id", func(c *gin.Context) {
			h.serve(c, viewTarget{kind: roomView, roomID: c.Param("id"), loc: viewerLocation(c.Query("tz"))})
		})
	}
}

func (h *WSHandler) serve(c *gin.Context, target viewTarget) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	h.hub.Register(client)

	if h.wsCfg.AuthTimeout > 0 {
		time.AfterFunc(h.wsCfg.AuthTimeout, func() {
			if client.UserID() == "" {
				client.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "authentication timed out"))
				h.hub.Unregister(client)
			}
		})
	}

	go client.WritePump()
	go client.ReadPump(func(cl *hub.Client, message []byte) {
		h.handleMessage(cl, target, message)
	})
}

func (h *WSHandler) handleMessage(client *hub.Client, target viewTarget, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	logger := log.L().With().Str(log.FieldClientID, client.ID).Logger()
	ctx := log.WithLogger(context.Background(), logger)

	if base.Type != domain.MsgTypeAuth && base.Type != domain.MsgTypePing && client.UserID() == "" {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "authenticate first"))
		return
	}

	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid auth message"))
			return
		}
		h.handleAuth(ctx, client, target, msg.Token)

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid send_message"))
			return
		}
		h.handleSend(ctx, client, msg)

	case domain.MsgTypeSwitchRoom:
		var msg domain.SwitchRoomMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid switch_room"))
			return
		}
		v, ok := client.View().(*room.View)
		if !ok {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeNotMounted, "no room view mounted"))
			return
		}
		if err := v.Switch(ctx, msg.RoomID); err != nil && !errors.Is(err, room.ErrRoomUnavailable) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("switch room failed")
		}

	case domain.MsgTypePing:
		client.SendMessage(map[string]string{"type": domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}

func (h *WSHandler) handleAuth(ctx context.Context, client *hub.Client, target viewTarget, token string) {
	l := log.Ctx(ctx)

	if client.UserID() != "" {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "already authenticated"))
		return
	}

	sess, err := h.sessions.Resolve(ctx, token)
	if err == nil {
		if d := identity.Guard(sess, identity.CapChat); d != identity.Allow {
			err = identity.ErrAuthRequired
		}
	}
	if err != nil {
		l.Info().Err(err).Msg("websocket auth rejected")
		audit.Log(ctx, audit.ActionAuthFailed, "", client.ID, "websocket auth rejected")
		client.SendMessage(&domain.AuthResultMessage{Type: domain.MsgTypeAuthResult, Success: false, Message: "authentication failed"})
		client.SendMessage(domain.NewRedirectMessage(identity.LoginPath))
		h.hub.Unregister(client)
		return
	}

	user := sess.User
	if !h.hub.Authenticate(client, user.UID) {
		l.Info().Str(log.FieldUserID, user.UID).Msg("client dropped before auth completed")
		return
	}
	client.SendMessage(&domain.AuthResultMessage{
		Type:     domain.MsgTypeAuthResult,
		Success:  true,
		UserID:   user.UID,
		Username: user.DisplayName(),
	})

	ctx = log.WithFields(ctx, log.FieldUserID, user.UID)
	switch target.kind {
	case inboxView:
		v, err := h.inbox.Mount(ctx, sess, func(s inbox.State) {
			client.SendMessage(&domain.StateMessage{Type: domain.MsgTypeInboxState, State: s})
		})
		if err != nil {
			// The error state has already been published.
			l.Error().Err(err).Msg("failed to mount inbox")
			return
		}
		client.SetView(v)

	case roomView:
		v, err := h.rooms.Mount(ctx, sess, target.loc, func(t room.Transcript) {
			client.SendMessage(&domain.StateMessage{Type: domain.MsgTypeTranscript, State: t})
		})
		if err != nil {
			l.Error().Err(err).Msg("failed to mount room view")
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, room.LoadErrorText))
			return
		}
		client.SetView(v)
		if err := v.Switch(ctx, target.roomID); err != nil && !errors.Is(err, room.ErrRoomUnavailable) {
			l.Warn().Err(err).Str(log.FieldRoomID, target.roomID).Msg("failed to open room")
		}
	}
}

func (h *WSHandler) handleSend(ctx context.Context, client *hub.Client, msg domain.SendMessageWS) {
	v, ok := client.View().(*room.View)
	if !ok {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeNotMounted, "no room view mounted"))
		return
	}

	var err error
	if msg.DraftID != "" {
		_, err = v.Resend(ctx, domain.MessageDraft{ID: msg.DraftID, Text: msg.Text})
	} else {
		_, err = v.Send(ctx, msg.Text)
	}

	var sendErr *room.SendError
	switch {
	case err == nil, errors.Is(err, room.ErrBlankMessage):
	case errors.As(err, &sendErr):
		draft := sendErr.Draft
		client.SendMessage(&domain.AlertMessage{Type: domain.MsgTypeAlert, Message: room.SendFailedText, Draft: &draft})
	case errors.Is(err, room.ErrRoomUnavailable):
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeRoomUnavailable, room.UnavailableText))
	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, room.SendFailedText))
	}
}
