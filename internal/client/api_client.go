package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// APIError is a non-2xx answer from the platform API.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Status)
}

// Is makes a 404 match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// APIClient talks to the platform REST API.
type APIClient interface {
	GetRequest(ctx context.Context, requestID string) (*domain.Request, error)
	GetProfile(ctx context.Context, token string) (*domain.UserProfile, error)
	InitiateChat(ctx context.Context, token, requestID, uid string) (string, error)
}

type restAPIClient struct {
	http *resty.Client
}

// NewAPIClient creates a REST client for the platform API.
func NewAPIClient(cfg config.APIConfig) APIClient {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only idempotent reads are retried, and only on transport or 5xx errors.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	return &restAPIClient{http: c}
}

func (c *restAPIClient) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	var req domain.Request
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", requestID).
		SetResult(&req).
		Get("/requests/{id}")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", requestID, err)
	}
	if req.ID == "" {
		req.ID = requestID
	}
	return &req, nil
}

func (c *restAPIClient) GetProfile(ctx context.Context, token string) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&profile).
		Get("/users/profile")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

type initiateChatResponse struct {
	ChatID string `json:"chat_id"`
}

func (c *restAPIClient) InitiateChat(ctx context.Context, token, requestID, uid string) (string, error) {
	var out initiateChatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParams(map[string]string{"id": requestID, "uid": uid}).
		SetResult(&out).
		Post("/requests/{id}/chat/{uid}")
	if err := check(resp, err); err != nil {
		return "", fmt.Errorf("failed to initiate chat on %s: %w", requestID, err)
	}
	if out.ChatID == "" {
		return "", errors.New("initiate chat: response has no chat_id")
	}
	return out.ChatID, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &APIError{
			Method: resp.Request.Method,
			Path:   resp.Request.URL,
			Status: resp.StatusCode(),
			Body:   truncate(resp.String(), 256),
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
