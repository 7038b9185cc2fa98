package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/marcus/blocksync/internal/remote"
)

// WatchMessage is one frame on a /v1/watch stream (mirrors the server's
// type, independently defined).
type WatchMessage struct {
	Type  string          `json:"type"` // "value" or "child"
	Kind  string          `json:"kind,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// OnValue streams the value at path until unsubscribed.
func (c *Client) OnValue(path string, cb func([]byte)) remote.Unsubscribe {
	return c.watch(remote.ModeValue, path, "", func(m WatchMessage) {
		if m.Type == "value" {
			cb(valueBytes(m.Value))
		}
	})
}

// OnChild streams events for the direct children of path.
func (c *Client) OnChild(path string, cb func(remote.ChildEvent)) remote.Unsubscribe {
	return c.watch(remote.ModeChild, path, "", childHandler(cb))
}

// OnChildKeyRange streams child events for keys >= startAt.
func (c *Client) OnChildKeyRange(path, startAt string, cb func(remote.ChildEvent)) remote.Unsubscribe {
	return c.watch(remote.ModeChildRange, path, startAt, childHandler(cb))
}

func childHandler(cb func(remote.ChildEvent)) func(WatchMessage) {
	return func(m WatchMessage) {
		if m.Type != "child" {
			return
		}
		cb(remote.ChildEvent{Kind: remote.EventKind(m.Kind), Key: m.Key, Value: valueBytes(m.Value)})
	}
}

func valueBytes(v json.RawMessage) []byte {
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return []byte(v)
}

// watch runs a reconnecting stream in the background until the returned
// function is called.
func (c *Client) watch(mode remote.ListenerMode, path, startAt string, handle func(WatchMessage)) remote.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	u := c.watchURL(mode, path, startAt)
	go c.watchLoop(ctx, u, handle)

	var once gosync.Once
	return func() { once.Do(cancel) }
}

func (c *Client) watchURL(mode remote.ListenerMode, path, startAt string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("path", remote.Join(path))
	q.Set("mode", string(mode))
	if startAt != "" {
		q.Set("start_at", startAt)
	}
	return base + "/v1/watch?" + q.Encode()
}

func (c *Client) watchLoop(ctx context.Context, u string, handle func(WatchMessage)) {
	minBackoff := c.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	backoff := minBackoff
	for {
		connected, err := c.stream(ctx, u, handle)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			slog.Warn("watch: giving up", "url", u, "err", err)
			return
		}
		slog.Debug("watch: reconnecting", "url", u, "in", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.MaxBackoff)
	}
}

const defaultMinBackoff = 500 * time.Millisecond

// nextBackoff doubles d, capped at max when max is set.
func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if max > 0 && d > max {
		return max
	}
	return d
}

// stream holds one websocket connection. It reports whether the dial
// succeeded so the caller can reset its backoff.
func (c *Client) stream(ctx context.Context, u string, handle func(WatchMessage)) (bool, error) {
	h := http.Header{}
	c.authorize(h)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, statusError(resp.StatusCode, nil)
		}
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var m WatchMessage
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("watch: bad frame", "err", err)
			continue
		}
		handle(m)
	}
}
