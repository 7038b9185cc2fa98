package watch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcus/blocksync/internal/sync"
)

// Event is one remote update seen by a listener.
type Event struct {
	At         time.Time
	Collection string
	Key        string
	Data       json.RawMessage
	Err        error // set when the local apply failed
}

// Feed is a sync.Applier that forwards updates to the next applier and
// publishes each one as an Event. Events are dropped when nobody keeps up.
type Feed struct {
	next   sync.Applier
	now    func() time.Time
	events chan Event
}

var _ sync.Applier = (*Feed)(nil)

// NewFeed wraps next. A nil next only records events.
func NewFeed(next sync.Applier, buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{next: next, now: time.Now, events: make(chan Event, buffer)}
}

// Events returns the stream of published updates.
func (f *Feed) Events() <-chan Event {
	return f.events
}

// ApplyRemoteUpdate implements sync.Applier.
func (f *Feed) ApplyRemoteUpdate(ctx context.Context, s sync.Strategy, key string, data json.RawMessage) error {
	var err error
	if f.next != nil {
		err = f.next.ApplyRemoteUpdate(ctx, s, key, data)
	}
	ev := Event{At: f.now(), Collection: s.Collection, Key: key, Data: data, Err: err}
	select {
	case f.events <- ev:
	default:
	}
	return err
}
