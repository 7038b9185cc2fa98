package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/blocksync/internal/serverdb"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

// TestHarness wraps a full Server with a real HTTP listener for integration tests.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.SQLite
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

// newTestHarness creates a TestHarness with a real HTTP server on a random port.
func newTestHarness(t *testing.T, opts ...func(*Config)) *TestHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	store.SetClock(func() time.Time { return testNow })

	cfg := Config{
		ListenAddr:     ":0",
		ServerDBPath:   dbPath,
		JWTSecret:      testSecret,
		RateLimitRead:  100000,
		RateLimitWrite: 100000,
		MaxBodyBytes:   1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	srv.now = func() time.Time { return testNow }

	httpSrv := httptest.NewServer(srv.Handler())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   store,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}

	t.Cleanup(func() {
		srv.hub.Close()
		httpSrv.Close()
		store.Close()
	})

	return h
}

// Token mints a non-expiring token for userID on deviceID.
func (h *TestHarness) Token(userID, deviceID string) string {
	h.t.Helper()
	tok, err := IssueToken([]byte(testSecret), userID, deviceID, 0, testNow)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

// Do sends an HTTP request and returns the response. A []byte body is sent
// as-is; anything else is JSON encoded.
// Caller must close resp.Body unless using assertion helpers (AssertStatus,
// AssertErrorResponse, ReadJSON) which close it automatically.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = &buf
	}

	req, err := http.NewRequest(method, h.BaseURL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

// AssertStatus checks the response status code and closes the body.
func (h *TestHarness) AssertStatus(resp *http.Response, want int) {
	h.t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// AssertErrorResponse checks status and error code in a structured error response.
func (h *TestHarness) AssertErrorResponse(resp *http.Response, wantStatus int, wantCode string) {
	h.t.Helper()
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		h.t.Fatalf("expected status %d, got %d: %s", wantStatus, resp.StatusCode, body)
	}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		h.t.Fatalf("decode error response: %v (body: %s)", err, body)
	}
	if er.Error.Code != wantCode {
		h.t.Fatalf("expected error code %q, got %q (message: %s)", wantCode, er.Error.Code, er.Error.Message)
	}
}

// ReadJSON decodes the response body into out and closes it.
func (h *TestHarness) ReadJSON(resp *http.Response, out any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// ReadBody returns the raw response body and closes it.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	return body
}
