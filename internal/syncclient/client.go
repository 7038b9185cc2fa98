// Package syncclient is the blocksync-server client. Client implements
// remote.Store over HTTP for reads and writes and websockets for listeners.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/marcus/blocksync/internal/remote"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the blocksync server.
type Client struct {
	BaseURL  string
	Token    string
	DeviceID string
	HTTP     *http.Client

	// Reconnect backoff for watch streams.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// New creates a new sync client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		DeviceID:   deviceID,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

var _ remote.Store = (*Client)(nil)

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// TimeResponse is the response from GET /v1/time.
type TimeResponse struct {
	Now int64 `json:"now"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServerTime returns the server clock in milliseconds since the epoch.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var resp TimeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/time", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Now, nil
}

// Available reports whether the client is configured to reach a server.
func (c *Client) Available() bool {
	return c.BaseURL != "" && c.Token != ""
}

// Get returns the JSON value at path, or nil when none exists.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, dataPath(path), nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return nil, nil
	}
	return body, nil
}

// Set writes value at path. A nil value removes the node.
func (c *Client) Set(ctx context.Context, path string, value []byte) error {
	if value == nil {
		value = []byte("null")
	}
	_, err := c.do(ctx, http.MethodPut, dataPath(path), value)
	return err
}

func dataPath(path string) string {
	segs := strings.Split(remote.Join(path), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/v1/data/" + strings.Join(segs, "/")
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		raw = data
	}
	respBody, err := c.do(ctx, method, path, raw)
	if err != nil {
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (c *Client) authorize(h http.Header) {
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.DeviceID != "" {
		h.Set("X-Device-ID", c.DeviceID)
	}
}

func statusError(status int, body []byte) error {
	var er errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error.Code != "" {
		msg = er.Error.Message
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	if er.Error.Code != "" {
		return &er.Error
	}
	return fmt.Errorf("HTTP %d: %s", status, msg)
}

// TokenInfo is what a bearer token claims, read without verifying it.
type TokenInfo struct {
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
}

// InspectToken decodes the claims of a server-issued token. The signature is
// not checked; the server does that on every request.
func InspectToken(token string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("parse token: %w", err)
	}
	var info TokenInfo
	info.UserID, _ = claims.GetSubject()
	if did, ok := claims["did"].(string); ok {
		info.DeviceID = did
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	if info.UserID == "" {
		return info, errors.New("token has no subject")
	}
	return info, nil
}
