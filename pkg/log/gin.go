package log

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// quietRoutes complete at debug level; probes hit them constantly.
var quietRoutes = map[string]struct{}{
	"/health": {},
}

// GinMiddleware tags each request with an X-Request-ID (reusing the
// caller's), puts a request-scoped logger in the request context and
// logs one completion line keyed by the matched route. The room ID, if
// any, is logged as its own field. 4xx completes at warn, 5xx at error.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		child := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, c.Request.Method).
			Str(FieldRoute, route).
			Logger()

		c.Header(headerRequestID, reqID)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		c.Next()

		status := c.Writer.Status()
		evt := completionEvent(&child, route, status).
			Int(FieldStatus, status).
			Int64(FieldLatency, time.Since(start).Milliseconds()).
			Str(FieldClientIP, c.ClientIP())

		// Set by the auth middleware during c.Next().
		if userID := c.GetString(FieldUserID); userID != "" {
			evt = evt.Str(FieldUserID, userID)
		}
		if roomID := c.Param("id"); roomID != "" {
			evt = evt.Str(FieldRoomID, roomID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		evt.Msg("request completed")
	}
}

func completionEvent(l *zerolog.Logger, route string, status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return l.Error()
	case status >= http.StatusBadRequest:
		return l.Warn()
	}
	if _, ok := quietRoutes[route]; ok {
		return l.Debug()
	}
	return l.Info()
}
