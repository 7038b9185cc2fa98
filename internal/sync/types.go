package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/blocksync/internal/datekey"
	"github.com/marcus/blocksync/internal/remote"
)

// Programming errors. These are the only errors the engine returns to callers.
var (
	ErrInvalidStrategy = errors.New("invalid sync strategy")
	ErrMissingKey      = errors.New("key required for keyed collection")
	ErrUnexpectedKey   = errors.New("key not allowed for single-node collection")
	ErrInvalidKey      = errors.New("invalid key")
)

// Envelope is the wrapper persisted at every remote path.
type Envelope[T any] struct {
	Data      T      `json:"data"`
	UpdatedAt int64  `json:"updatedAt"`
	DeviceID  string `json:"deviceId"`
}

// RawEnvelope is an envelope whose payload has not been decoded.
type RawEnvelope = Envelope[json.RawMessage]

// DecodeEnvelope parses a stored envelope. A missing data field is an error.
func DecodeEnvelope(b []byte) (RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return env, errors.New("decode envelope: missing data")
	}
	return env, nil
}

func decodeTyped[T any](env RawEnvelope) (Envelope[T], error) {
	out := Envelope[T]{UpdatedAt: env.UpdatedAt, DeviceID: env.DeviceID}
	if err := json.Unmarshal(env.Data, &out.Data); err != nil {
		return out, fmt.Errorf("decode %T: %w", out.Data, err)
	}
	return out, nil
}

func encodeTyped[T any](env Envelope[T]) (RawEnvelope, error) {
	b, err := json.Marshal(env.Data)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("encode %T: %w", env.Data, err)
	}
	return RawEnvelope{Data: b, UpdatedAt: env.UpdatedAt, DeviceID: env.DeviceID}, nil
}

// MergeKind selects the conflict resolution applied to a collection.
type MergeKind int

const (
	KindLWW MergeKind = iota + 1
	KindGameState
	KindTaskArray
)

func (k MergeKind) String() string {
	switch k {
	case KindLWW:
		return "lww"
	case KindGameState:
		return "game_state"
	case KindTaskArray:
		return "task_array"
	default:
		return fmt.Sprintf("merge(%d)", int(k))
	}
}

// Shape describes how a collection is laid out remotely, which decides how
// listeners attach to it.
type Shape int

const (
	// ShapeNode is a single small node at users/{uid}/{collection}.
	ShapeNode Shape = iota + 1
	// ShapeDateKeyed is partitioned by YYYY-MM-DD child keys.
	ShapeDateKeyed
	// ShapeChildList is a set of id-keyed children.
	ShapeChildList
)

func (s Shape) String() string {
	switch s {
	case ShapeNode:
		return "node"
	case ShapeDateKeyed:
		return "date_keyed"
	case ShapeChildList:
		return "child_list"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Strategy binds a collection name to its merge kind and layout.
type Strategy struct {
	Collection string
	Kind       MergeKind
	Shape      Shape
}

// Predefined strategies for the planner's collections.
var (
	GameState      = Strategy{Collection: "gameState", Kind: KindGameState, Shape: ShapeNode}
	Settings       = Strategy{Collection: "settings", Kind: KindLWW, Shape: ShapeNode}
	DailyData      = Strategy{Collection: "dailyData", Kind: KindLWW, Shape: ShapeDateKeyed}
	CompletedInbox = Strategy{Collection: "completedInbox", Kind: KindTaskArray, Shape: ShapeDateKeyed}
	TokenUsage     = Strategy{Collection: "tokenUsage", Kind: KindLWW, Shape: ShapeDateKeyed}
	Templates      = Strategy{Collection: "templates", Kind: KindLWW, Shape: ShapeChildList}
	ShopItems      = Strategy{Collection: "shopItems", Kind: KindLWW, Shape: ShapeChildList}
	GlobalInbox    = Strategy{Collection: "globalInbox", Kind: KindLWW, Shape: ShapeChildList}
)

// Strategies lists every predefined strategy in attach order.
func Strategies() []Strategy {
	return []Strategy{GameState, Settings, DailyData, CompletedInbox, TokenUsage, Templates, ShopItems, GlobalInbox}
}

// Lookup returns the predefined strategy for a collection name.
func Lookup(collection string) (Strategy, bool) {
	for _, s := range Strategies() {
		if s.Collection == collection {
			return s, true
		}
	}
	return Strategy{}, false
}

func (s Strategy) String() string {
	return s.Collection
}

// Validate reports malformed strategies.
func (s Strategy) Validate() error {
	if s.Collection == "" || strings.Contains(s.Collection, "/") {
		return fmt.Errorf("%w: collection %q", ErrInvalidStrategy, s.Collection)
	}
	switch s.Kind {
	case KindLWW, KindGameState, KindTaskArray:
	default:
		return fmt.Errorf("%w: %s has merge kind %s", ErrInvalidStrategy, s.Collection, s.Kind)
	}
	switch s.Shape {
	case ShapeNode, ShapeDateKeyed, ShapeChildList:
	default:
		return fmt.Errorf("%w: %s has shape %s", ErrInvalidStrategy, s.Collection, s.Shape)
	}
	return nil
}

// Keyed reports whether operations on the collection address a child key.
func (s Strategy) Keyed() bool {
	return s.Shape == ShapeDateKeyed || s.Shape == ShapeChildList
}

// CheckKey validates the strategy and the key used with it.
func (s Strategy) CheckKey(key string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.Keyed() {
		if key != "" {
			return fmt.Errorf("%w: %s", ErrUnexpectedKey, s.Collection)
		}
		return nil
	}
	if key == "" {
		return fmt.Errorf("%w: %s", ErrMissingKey, s.Collection)
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if s.Shape == ShapeDateKeyed && !datekey.IsKey(key) {
		return fmt.Errorf("%w: %q is not a YYYY-MM-DD key", ErrInvalidKey, key)
	}
	return nil
}

// Path returns the remote path for this strategy and key.
func (s Strategy) Path(userID, key string) string {
	return remote.UserPath(userID, s.Collection, key)
}
