package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/switchboard/internal/reliability"
)

// Client talks to the conversational backend's REST API. Every request
// passes through the client's circuit breaker: a breaker that is open
// rejects the call before any network I/O, and every outcome feeds the
// breaker's accounting.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	breaker    *reliability.Breaker

	retryAttempts  int
	retryBaseDelay time.Duration
}

type Config struct {
	BaseURL        string
	Token          string
	BreakerTrips   int
	BreakerReset   time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func New(cfg Config) *Client {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:          strings.TrimSpace(cfg.Token),
		breaker:        reliability.NewBreaker(cfg.BreakerTrips, cfg.BreakerReset),
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *reliability.Breaker { return c.breaker }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &reliability.TransportError{Op: method + " " + path, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusUnauthorized {
		return &reliability.AuthError{Message: "permission denied"}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.breaker.RecordFailure()
		return &reliability.APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	c.breaker.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// OpenSession creates a backend session for a new call leg.
func (c *Client) OpenSession(ctx context.Context, convID, caller string) (OpenSessionResult, error) {
	body := map[string]any{
		"user_id":         convID,
		"name":            caller,
		"type":            "twilio",
		"conversation_id": convID,
		"args":            []string{},
		"kwargs":          map[string]any{},
	}
	var res OpenSessionResult
	if err := c.do(ctx, http.MethodPost, "/session", body, &res); err != nil {
		return OpenSessionResult{}, err
	}
	return res, nil
}

// Run sends a finalized utterance and blocks on the generated reply.
func (c *Client) Run(ctx context.Context, sessionID, message string) (RunResult, error) {
	body := map[string]any{
		"message": message,
		"kwargs":  map[string]any{},
	}
	var res RunResult
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/run", body, &res); err != nil {
		return RunResult{}, err
	}
	return res, nil
}

// RunWithRetry is Run wrapped in the resilience layer's retry policy.
func (c *Client) RunWithRetry(ctx context.Context, sessionID, message string) (RunResult, error) {
	var res RunResult
	err := reliability.Retry(ctx, c.retryAttempts, c.retryBaseDelay, func(ctx context.Context) error {
		var opErr error
		res, opErr = c.Run(ctx, sessionID, message)
		return opErr
	})
	return res, err
}

// Start kicks off speculative generation for a not-yet-final transcript.
// The caller does not wait on the generated output; it arrives over the
// streaming bridge.
func (c *Client) Start(ctx context.Context, sessionID, message string) error {
	body := map[string]any{
		"message": message,
		"kwargs":  map[string]any{},
	}
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/start", body, nil)
}

// Commit finalizes an in-flight speculative start.
func (c *Client) Commit(ctx context.Context, sessionID string) (RunResult, error) {
	var res RunResult
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/commit", map[string]any{}, &res); err != nil {
		return RunResult{}, err
	}
	return res, nil
}

// Rollback discards an in-flight speculative start.
func (c *Client) Rollback(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/rollback", map[string]any{}, nil)
}

// UpdateSession attaches or replaces the carrier conversation id on an
// existing backend session.
func (c *Client) UpdateSession(ctx context.Context, sessionID, convID string) error {
	body := map[string]any{}
	if convID != "" {
		body["conversation_id"] = convID
	}
	return c.do(ctx, http.MethodPut, "/session/"+url.PathEscape(sessionID), body, nil)
}

// CloseSession tears down the backend session; status conveys why the
// call ended (completed, busy, failed...).
func (c *Client) CloseSession(ctx context.Context, sessionID, status string) error {
	path := "/session/" + url.PathEscape(sessionID)
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CloseSessionWithRetry is CloseSession wrapped in the retry policy.
func (c *Client) CloseSessionWithRetry(ctx context.Context, sessionID, status string) error {
	return reliability.Retry(ctx, c.retryAttempts, c.retryBaseDelay, func(ctx context.Context) error {
		return c.CloseSession(ctx, sessionID, status)
	})
}

// RunCommand invokes a named backend command. With an empty session id the
// command targets the backend itself (used for health probes).
func (c *Client) RunCommand(ctx context.Context, sessionID, command string, args []string) error {
	if args == nil {
		args = []string{}
	}
	body := map[string]any{
		"command": command,
		"args":    args,
	}
	path := "/command"
	if sessionID != "" {
		path = "/session/" + url.PathEscape(sessionID) + "/command"
	}
	return c.do(ctx, http.MethodPost, path, body, nil)
}
