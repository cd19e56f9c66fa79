// Package transport defines the push-channel primitives the subscription
// router consumes: the change-event model, the server-side filter shape, and
// the Subscriber capability for opening scoped channels. Concrete transports
// live in subpackages.
package transport

import (
	"context"
	"fmt"
	"time"
)

// EventType classifies a change event.
type EventType string

const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

// ChangeEvent is one raw backend change delivered on a channel.
type ChangeEvent struct {
	Type       EventType
	Category   string
	RecordID   string
	Before     map[string]any
	After      map[string]any
	OccurredAt time.Time
}

// FilterSpec scopes a channel server-side. A channel is always scoped to an
// explicit record-ID list or a single user; an unfiltered table-wide spec is
// expressed by the Global flag and reserved for the low-frequency critical
// system events shared by all users.
type FilterSpec struct {
	Category  string
	RecordIDs []string
	UserID    string
	Global    bool
}

// Validate rejects the one shape this layer must never produce: a non-global
// filter with no scope at all.
func (f FilterSpec) Validate() error {
	if f.Category == "" {
		return fmt.Errorf("filter has no category")
	}
	if !f.Global && len(f.RecordIDs) == 0 && f.UserID == "" {
		return fmt.Errorf("filter for %s has no scope", f.Category)
	}
	return nil
}

// Handler receives raw change events for one channel.
type Handler func(ChangeEvent)

// Handle is the disposable capability returned by Subscribe. Stop must be
// safe to call more than once and must prevent further Handler calls from
// being observable after it returns.
type Handle interface {
	Stop()
}

// Subscriber opens scoped push channels. Implementations own reconnection;
// this layer only classifies delivery errors and tears channels down.
type Subscriber interface {
	Subscribe(ctx context.Context, spec FilterSpec, fn Handler) (Handle, error)
}

// HandleFunc adapts a plain function to Handle.
type HandleFunc func()

func (f HandleFunc) Stop() { f() }
