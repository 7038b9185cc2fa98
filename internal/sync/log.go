package sync

import (
	"context"
	"log/slog"
)

// Level is the severity of a sync log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Log channels used by the engine.
const (
	ChannelPush   = "push"
	ChannelFetch  = "fetch"
	ChannelListen = "listen"
	ChannelRetry  = "retry"
)

// LogSink receives sync log entries.
type LogSink interface {
	AddSyncLog(channel string, level Level, msg string, meta map[string]any, err error)
}

// SlogLevel maps a sync level onto slog.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogSink writes entries to the default slog logger.
type slogSink struct{}

func (slogSink) AddSyncLog(channel string, level Level, msg string, meta map[string]any, err error) {
	attrs := make([]any, 0, 2*len(meta)+4)
	attrs = append(attrs, "channel", channel)
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	slog.Log(context.Background(), level.SlogLevel(), msg, attrs...)
}
