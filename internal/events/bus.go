// Package events carries the coalesced change notifications from the
// subscription layer to whatever UI refresh logic consumes them.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CategoryAll subscribes a listener to every category.
const CategoryAll = "*"

// Notification is one coalesced change dispatch for a logical category. It
// always covers every raw event that contributed to it, in order.
type Notification struct {
	ID        string
	Category  string
	Count     int
	RecordIDs []string
	Kinds     []string
	From      time.Time
	To        time.Time
}

// Bus is a process-wide fan-out of Notifications by category. Delivery is
// synchronous and best-effort; handlers must be fast and must not block.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]map[int]func(Notification)
	nextID    int

	log *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[string]map[int]func(Notification)),
		log:       log,
	}
}

// Subscribe registers a handler for a category (or CategoryAll). The returned
// function unregisters it and must be called exactly once.
func (b *Bus) Subscribe(category string, fn func(Notification)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.listeners[category] == nil {
		b.listeners[category] = make(map[int]func(Notification))
	}
	b.listeners[category][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[category], id)
	}
}

// Publish delivers n to every listener of its category and of CategoryAll.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	fns := make([]func(Notification), 0, 4)
	for _, fn := range b.listeners[n.Category] {
		fns = append(fns, fn)
	}
	if n.Category != CategoryAll {
		for _, fn := range b.listeners[CategoryAll] {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	b.log.Debug("publishing change notification",
		zap.String("category", n.Category),
		zap.Int("count", n.Count),
		zap.Int("listeners", len(fns)))

	for _, fn := range fns {
		fn(n)
	}
}
