package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/marcus/blocksync/internal/remote"
)

const watchWriteTimeout = 10 * time.Second

// handleWatch handles GET /v1/watch?path=...&mode=value|child|child_range&start_at=...
// It upgrades to a websocket, sends the current state, then streams changes.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	q := r.URL.Query()

	mode := remote.ListenerMode(q.Get("mode"))
	if mode == "" {
		mode = remote.ModeValue
	}
	switch mode {
	case remote.ModeValue, remote.ModeChild, remote.ModeChildRange:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "mode must be value, child or child_range")
		return
	}
	startAt := q.Get("start_at")
	if mode != remote.ModeChildRange {
		startAt = ""
	}
	path, status, msg := cleanPath(q.Get("path"), user.UserID, 1)
	if status != 0 {
		writeError(w, status, codeFor(status), msg)
		return
	}

	// Long-lived stream: lift the server's per-request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logFor(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := logFor(r.Context()).With("watch", path, "mode", mode)
	watcher, unsubscribe := s.hub.subscribe(path, mode, startAt)
	defer unsubscribe()
	log.Debug("watch attached")

	// We never read client frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(context.Background())

	snapshot, err := s.snapshot(ctx, path, mode, startAt)
	if err != nil {
		log.Error("watch snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	for _, m := range snapshot {
		if err := writeFrame(ctx, conn, m); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch detached")
			return
		case <-watcher.done:
			conn.Close(websocket.StatusGoingAway, "stream closed")
			return
		case m := <-watcher.send:
			if err := writeFrame(ctx, conn, m); err != nil {
				log.Debug("watch write failed", "err", err)
				return
			}
		}
	}
}

// snapshot returns the frames that bring a fresh watcher up to date.
func (s *Server) snapshot(ctx context.Context, path string, mode remote.ListenerMode, startAt string) ([]WatchMessage, error) {
	if mode == remote.ModeValue {
		node, err := s.store.GetNode(ctx, path)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []WatchMessage{{Type: "value", Value: json.RawMessage(node.Value)}}, nil
	}
	nodes, err := s.store.ListChildren(ctx, path, startAt)
	if err != nil {
		return nil, err
	}
	out := make([]WatchMessage, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, WatchMessage{
			Type:  "child",
			Kind:  string(remote.ChildAdded),
			Key:   n.Key,
			Value: json.RawMessage(n.Value),
		})
	}
	return out, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, m WatchMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
