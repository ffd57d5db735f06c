package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayemish/kindnessconnect/internal/audit"
	"github.com/ayemish/kindnessconnect/internal/client"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/inbox"
	"github.com/ayemish/kindnessconnect/internal/room"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/middleware"
	"github.com/ayemish/kindnessconnect/pkg/response"
)

const OwnRequestText = "You cannot start a chat on your own request."

// SessionResolver turns bearer tokens into sessions and ends them.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (identity.Session, error)
	Logout(uid string)
}

// UserDisconnector drops a user's live connections.
type UserDisconnector interface {
	CloseUser(uid string) int
}

// Handler serves the chat REST API.
type Handler struct {
	inbox          *inbox.Aggregator
	rooms          *room.Service
	api            client.APIClient
	sessions       SessionResolver
	conns          UserDisconnector
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(
	agg *inbox.Aggregator,
	rooms *room.Service,
	api client.APIClient,
	sessions SessionResolver,
	conns UserDisconnector,
	authMiddleware *middleware.AuthMiddleware,
) *Handler {
	return &Handler{
		inbox:          agg,
		rooms:          rooms,
		api:            api,
		sessions:       sessions,
		conns:          conns,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	api.Use(h.authMiddleware.RequireAuth(), requireCapability(identity.CapChat))
	{
		chats := api.Group("/chats")
		{
			chats.GET("", h.ListChats)
			chats.GET("/:id/messages", h.GetMessages)
			chats.POST("/:id/messages", h.SendMessage)
		}
		api.POST("/requests/:id/chat", h.InitiateChat)
		api.POST("/session/logout", h.Logout)
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionFrom rebuilds the session the auth middleware resolved.
func sessionFrom(c *gin.Context) identity.Session {
	return identity.FromIdentity(&middleware.Identity{
		UserID:   middleware.GetUserID(c),
		Email:    middleware.GetEmail(c),
		Username: middleware.GetUsername(c),
		Roles:    middleware.GetRoles(c),
	})
}

func requireCapability(caps ...identity.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := identity.Guard(sessionFrom(c), caps...)
		switch d {
		case identity.Allow:
			c.Next()
		case identity.DenyForbidden:
			response.Redirect(c, http.StatusForbidden, "FORBIDDEN", "insufficient role", d.RedirectTo())
		default:
			response.Redirect(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required", identity.LoginPath)
		}
	}
}

// viewerLocation parses the tz query parameter, defaulting to UTC.
func viewerLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ListChats returns the caller's inbox.
func (h *Handler) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	state, err := h.inbox.Load(ctx, sessionFrom(c))
	if err != nil {
		if identity.IsAuthError(err) {
			response.Redirect(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required", identity.LoginPath)
			return
		}
		l.Error().Err(err).Msg("failed to load inbox")
		response.InternalError(c, inbox.LoadErrorText)
		return
	}

	response.Success(c, state)
}

// GetMessages returns a rendered transcript of one room.
func (h *Handler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := c.Param("id")

	tr, err := h.rooms.Transcript(ctx, sessionFrom(c), roomID, viewerLocation(c.Query("tz")))
	if err != nil {
		if errors.Is(err, room.ErrRoomUnavailable) {
			response.NotFound(c, room.UnavailableText)
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load transcript")
		response.InternalError(c, room.LoadErrorText)
		return
	}

	response.Success(c, tr)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage writes a message into a room.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send message request")
		response.BadRequest(c, err.Error())
		return
	}

	msg, err := h.rooms.Send(ctx, sessionFrom(c), roomID, req.Text)
	if err != nil {
		var sendErr *room.SendError
		switch {
		case errors.Is(err, room.ErrBlankMessage):
			response.BadRequest(c, "message text is required")
		case errors.Is(err, room.ErrRoomUnavailable):
			response.NotFound(c, room.UnavailableText)
		case errors.As(err, &sendErr):
			response.BadGateway(c, room.SendFailedText)
		default:
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to send message")
			response.InternalError(c, room.SendFailedText)
		}
		return
	}

	response.Created(c, msg)
}

// InitiateChat opens (or reuses) the caller's room on a request.
func (h *Handler) InitiateChat(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	requestID := c.Param("id")
	uid := middleware.GetUserID(c)

	req, err := h.api.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			response.NotFound(c, "request not found")
			return
		}
		l.Error().Err(err).Str("request_id", requestID).Msg("failed to get request")
		response.BadGateway(c, "failed to load request")
		return
	}
	if req.RequesterUID == uid {
		response.Error(c, http.StatusForbidden, "OWN_REQUEST", OwnRequestText)
		return
	}

	token, _ := middleware.BearerToken(c.GetHeader(middleware.AuthHeaderKey))
	chatID, err := h.api.InitiateChat(ctx, token, requestID, uid)
	if err != nil {
		l.Error().Err(err).Str("request_id", requestID).Msg("failed to initiate chat")
		response.BadGateway(c, "failed to start chat")
		return
	}

	audit.Log(ctx, audit.ActionInitiateChat, uid, chatID, "chat initiated")
	response.Created(c, gin.H{"chat_id": chatID})
}

// Logout revokes the caller's tokens and drops their live views.
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.GetUserID(c)

	h.sessions.Logout(uid)
	closed := h.conns.CloseUser(uid)

	audit.Log(ctx, audit.ActionLogout, uid, uid, "session ended")
	response.Success(c, gin.H{"closed_connections": closed})
}
