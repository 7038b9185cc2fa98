package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	rateLimited  atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	broadcasts   atomic.Int64
	dropped      atomic.Int64
	watchers     atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	RateLimited     int64   `json:"rate_limited"`
	Reads           int64   `json:"reads"`
	Writes          int64   `json:"writes"`
	Broadcasts      int64   `json:"broadcasts"`
	DroppedWatchers int64   `json:"dropped_watchers"`
	ActiveWatchers  int64   `json:"active_watchers"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// RecordRead counts a data read.
func (m *Metrics) RecordRead() {
	m.reads.Add(1)
}

// RecordWrite counts an accepted data write.
func (m *Metrics) RecordWrite() {
	m.writes.Add(1)
}

// RecordBroadcast adds n delivered watch frames.
func (m *Metrics) RecordBroadcast(n int64) {
	m.broadcasts.Add(n)
}

// RecordDropped counts a watcher cut off for falling behind.
func (m *Metrics) RecordDropped() {
	m.dropped.Add(1)
}

// WatcherDelta adjusts the active watcher gauge.
func (m *Metrics) WatcherDelta(n int64) {
	m.watchers.Add(n)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		RateLimited:     m.rateLimited.Load(),
		Reads:           m.reads.Load(),
		Writes:          m.writes.Load(),
		Broadcasts:      m.broadcasts.Load(),
		DroppedWatchers: m.dropped.Load(),
		ActiveWatchers:  m.watchers.Load(),
	}
}
