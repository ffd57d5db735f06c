package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayemish/kindnessconnect/pkg/response"
)

type staticValidator map[string]*Identity

func (v staticValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return nil, errors.New("invalid token")
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Basic abc", "Bearer ", "Bearer    "} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrMissingToken, h)
	}
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewAuthMiddleware(staticValidator{
		"good": {UserID: "U", Email: "u@example.com", Username: "Uma", Roles: []string{"donor"}},
	})

	r := gin.New()
	r.GET("/me", m.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uid":   GetUserID(c),
			"email": GetEmail(c),
			"name":  GetUsername(c),
			"roles": GetRoles(c),
		})
	})

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set(AuthHeaderKey, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := call("Bearer good")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "U", body["uid"])
	assert.Equal(t, "Uma", body["name"])
	assert.Equal(t, []any{"donor"}, body["roles"])

	for _, h := range []string{"", "Bearer bad"} {
		w := call(h)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		var resp response.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, LoginPath, resp.Error.Redirect)
	}
}
