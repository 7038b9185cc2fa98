package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/marcus/blocksync/internal/serverdb"
)

// TimeResponse is the body of GET /v1/time.
type TimeResponse struct {
	Now int64 `json:"now"`
}

// handleTime returns the server clock in milliseconds. Clients calibrate
// their write timestamps against it.
func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TimeResponse{Now: s.now().UnixMilli()})
}

// cleanPath validates a request path and checks it lies inside the caller's
// tree (users/{uid}/...). minDepth counts segments below the user root.
func cleanPath(raw, userID string, minDepth int) (string, int, string) {
	path := strings.Trim(raw, "/")
	if path == "" {
		return "", http.StatusBadRequest, "path is required"
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return "", http.StatusBadRequest, "invalid path segment"
		}
	}
	if len(segs) < 2 || segs[0] != "users" || segs[1] != userID {
		return "", http.StatusForbidden, "path outside your data"
	}
	if len(segs)-2 < minDepth {
		return "", http.StatusBadRequest, "path must name a collection"
	}
	return path, 0, ""
}

// handleGetData handles GET /v1/data/{path...}.
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	path, status, msg := cleanPath(r.PathValue("path"), user.UserID, 1)
	if status != 0 {
		writeError(w, status, codeFor(status), msg)
		return
	}

	node, err := s.store.GetNode(r.Context(), path)
	if isNotFound(err) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no value at path")
		return
	}
	if err != nil {
		logFor(r.Context()).Error("get node", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read value")
		return
	}
	s.metrics.RecordRead()
	writeRaw(w, http.StatusOK, node.Value)
}

// envelopeHeader is the part of a stored value the server checks.
type envelopeHeader struct {
	UpdatedAt *int64          `json:"updatedAt"`
	DeviceID  *string         `json:"deviceId"`
	Data      json.RawMessage `json:"data"`
}

// handlePutData handles PUT /v1/data/{path...}. The body is an envelope
// {data, updatedAt, deviceId}; a literal null removes the node.
func (s *Server) handlePutData(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	path, status, msg := cleanPath(r.PathValue("path"), user.UserID, 1)
	if status != 0 {
		writeError(w, status, codeFor(status), msg)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "value too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "failed to read body")
		return
	}
	body = bytes.TrimSpace(body)

	var value []byte
	deviceID := user.DeviceID
	if !bytes.Equal(body, []byte("null")) {
		var env envelopeHeader
		if err := json.Unmarshal(body, &env); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, "body must be a JSON object")
			return
		}
		if env.UpdatedAt == nil || env.DeviceID == nil || *env.DeviceID == "" {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, "envelope requires updatedAt and deviceId")
			return
		}
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidValue, "envelope requires data")
			return
		}
		if user.DeviceID != "" && *env.DeviceID != user.DeviceID {
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "deviceId does not match token")
			return
		}
		value = body
		deviceID = *env.DeviceID
	}

	existed, err := s.store.SetNode(r.Context(), path, value)
	if err != nil {
		logFor(r.Context()).Error("set node", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to store value")
		return
	}
	s.metrics.RecordWrite()
	s.hub.Publish(path, value, existed)

	if deviceID != "" {
		if err := s.store.TouchDevice(r.Context(), user.UserID, deviceID); err != nil {
			logFor(r.Context()).Warn("touch device", "device", deviceID, "err", err)
		}
	}
	logFor(r.Context()).Debug("stored", "path", path, "bytes", len(value), "device", deviceID)
	w.WriteHeader(http.StatusNoContent)
}

// DeviceResponse is one entry of GET /v1/devices.
type DeviceResponse struct {
	DeviceID    string `json:"device_id"`
	FirstSeenAt int64  `json:"first_seen_at"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

// handleListDevices handles GET /v1/devices for the calling user.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	devices, err := s.store.ListDevices(r.Context(), user.UserID)
	if err != nil {
		logFor(r.Context()).Error("list devices", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list devices")
		return
	}
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceResponse{
			DeviceID:    d.DeviceID,
			FirstSeenAt: d.FirstSeenAt.UnixMilli(),
			LastSeenAt:  d.LastSeenAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func isNotFound(err error) bool {
	return errors.Is(err, serverdb.ErrNotFound)
}

func codeFor(status int) string {
	switch status {
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	default:
		return ErrCodeBadRequest
	}
}
