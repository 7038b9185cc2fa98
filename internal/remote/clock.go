package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ServerClock yields server-derived millisecond timestamps: the local clock
// corrected by the offset measured at the last Calibrate.
type ServerClock struct {
	now    func() time.Time
	offset atomic.Int64
	last   atomic.Int64
}

// NewServerClock returns a clock with zero offset. A nil now uses time.Now.
func NewServerClock(now func() time.Time) *ServerClock {
	if now == nil {
		now = time.Now
	}
	return &ServerClock{now: now}
}

// Offset returns the current server minus local offset.
func (c *ServerClock) Offset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Millisecond
}

// NowMillis returns the estimated server time in milliseconds. Values never
// go backwards for a single clock even if the offset shrinks.
func (c *ServerClock) NowMillis() int64 {
	ts := c.now().UnixMilli() + c.offset.Load()
	for {
		prev := c.last.Load()
		if ts <= prev {
			return prev
		}
		if c.last.CompareAndSwap(prev, ts) {
			return ts
		}
	}
}

// Calibrate measures the offset using fetch, which must return the server
// time in milliseconds. The round trip midpoint is used as the local
// reference.
func (c *ServerClock) Calibrate(ctx context.Context, fetch func(context.Context) (int64, error)) error {
	start := c.now()
	serverMS, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch server time: %w", err)
	}
	end := c.now()
	mid := start.Add(end.Sub(start) / 2).UnixMilli()
	c.offset.Store(serverMS - mid)
	slog.Debug("server clock calibrated", "offset_ms", serverMS-mid, "rtt", end.Sub(start))
	return nil
}
