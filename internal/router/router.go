// Package router maintains the per-user scoped push subscriptions: it
// computes the user's relevant record scope, opens one narrow channel per
// category, coalesces event bursts through per-category debounce windows, and
// retires channels that go idle.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davlens/bidsync/internal/cache"
	"github.com/davlens/bidsync/internal/clock"
	"github.com/davlens/bidsync/internal/config"
	"github.com/davlens/bidsync/internal/events"
	"github.com/davlens/bidsync/internal/transport"
)

// Logical event categories. Channels and debounce windows are keyed by these,
// never by raw backend table names.
const (
	CategoryProjects      = "projects"
	CategoryVendors       = "vendors"
	CategoryNotifications = "notifications"
	CategoryCritical      = "critical"
)

// Configuration errors.
var (
	ErrNotInitialized     = errors.New("router not initialized")
	ErrAlreadyInitialized = errors.New("router already initialized")
)

// UserContext is the user's synchronization scope, recomputed from the
// backend on Initialize and Refresh, never persisted.
type UserContext struct {
	UserID              string
	Role                string
	ProjectIDs          []string
	VendorAssignmentIDs []string
}

// ScopeResolver computes a user's scope from the backend. Implementations are
// supplied by the application; the router only bounds and consumes the result.
type ScopeResolver interface {
	Resolve(ctx context.Context, userID string) (UserContext, error)
}

// ChannelInfo describes one open channel for diagnostics.
type ChannelInfo struct {
	Name           string
	Category       string
	LastActivityAt time.Time
}

type channel struct {
	name           string
	category       string
	spec           transport.FilterSpec
	handle         transport.Handle
	lastActivityAt time.Time
}

type debounceState struct {
	timer     clock.Timer
	firstAt   time.Time
	lastAt    time.Time
	count     int
	recordIDs []string
	seenIDs   map[string]struct{}
	kinds     []string
	seenKinds map[transport.EventType]struct{}
}

// Router owns the channel arena and debounce timers. One instance per
// session; Cleanup must be called exactly once at session teardown
// (double-call is a no-op).
type Router struct {
	mu          sync.Mutex
	channels    map[string]*channel
	debounces   map[string]*debounceState
	userCtx     UserContext
	initialized bool
	sweep       clock.Timer

	resolver ScopeResolver
	sub      transport.Subscriber
	bus      *events.Bus
	store    *cache.Store
	cfg      config.Subscriptions
	clk      clock.Clock
	log      *zap.Logger
}

// New wires a Router. The cache store is used for transport-error recovery:
// a broken channel invalidates its category's entries so the next read
// refetches. store may be nil.
func New(resolver ScopeResolver, sub transport.Subscriber, bus *events.Bus, store *cache.Store, cfg config.Subscriptions, clk clock.Clock, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		channels:  make(map[string]*channel),
		debounces: make(map[string]*debounceState),
		resolver:  resolver,
		sub:       sub,
		bus:       bus,
		store:     store,
		cfg:       cfg,
		clk:       clk,
		log:       log,
	}
}

// Initialize computes the user's scope and opens one channel per category
// with a non-empty scope, plus the critical-events channel shared by all
// users. Double initialization without an intervening Cleanup is a
// configuration error.
func (r *Router) Initialize(ctx context.Context, userID string) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", userID, ErrAlreadyInitialized)
	}
	r.mu.Unlock()

	userCtx, err := r.resolveScope(ctx, userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.userCtx = userCtx
	r.initialized = true
	r.mu.Unlock()

	if err := r.openChannels(ctx); err != nil {
		r.teardownAll()
		r.mu.Lock()
		r.initialized = false
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	if r.sweep == nil && r.cfg.SweepInterval() > 0 {
		r.sweep = r.clk.AfterFunc(r.cfg.SweepInterval(), r.sweepTick)
	}
	r.mu.Unlock()

	r.log.Info("subscription router initialized",
		zap.String("user_id", userID),
		zap.String("role", userCtx.Role),
		zap.Int("projects", len(userCtx.ProjectIDs)),
		zap.Int("vendor_assignments", len(userCtx.VendorAssignmentIDs)))
	return nil
}

// resolveScope queries the backend and bounds the result so channel
// cardinality stays fixed no matter how much a user is assigned to.
func (r *Router) resolveScope(ctx context.Context, userID string) (UserContext, error) {
	userCtx, err := r.resolver.Resolve(ctx, userID)
	if err != nil {
		return UserContext{}, fmt.Errorf("resolve scope for %s: %w", userID, err)
	}
	if max := r.cfg.MaxProjects; max > 0 && len(userCtx.ProjectIDs) > max {
		r.log.Warn("project scope truncated",
			zap.String("user_id", userID),
			zap.Int("assigned", len(userCtx.ProjectIDs)),
			zap.Int("max", max))
		userCtx.ProjectIDs = userCtx.ProjectIDs[:max]
	}
	if max := r.cfg.MaxVendorAssignments; max > 0 && len(userCtx.VendorAssignmentIDs) > max {
		r.log.Warn("vendor assignment scope truncated",
			zap.String("user_id", userID),
			zap.Int("assigned", len(userCtx.VendorAssignmentIDs)),
			zap.Int("max", max))
		userCtx.VendorAssignmentIDs = userCtx.VendorAssignmentIDs[:max]
	}
	return userCtx, nil
}

// openChannels opens every channel the current scope calls for. An empty
// scope for a category means that channel is simply not opened.
func (r *Router) openChannels(ctx context.Context) error {
	r.mu.Lock()
	userCtx := r.userCtx
	r.mu.Unlock()

	specs := []transport.FilterSpec{
		{Category: CategoryCritical, Global: true},
		{Category: CategoryNotifications, UserID: userCtx.UserID},
	}
	if len(userCtx.ProjectIDs) > 0 {
		specs = append(specs, transport.FilterSpec{
			Category:  CategoryProjects,
			RecordIDs: userCtx.ProjectIDs,
		})
	}
	if len(userCtx.VendorAssignmentIDs) > 0 {
		specs = append(specs, transport.FilterSpec{
			Category:  CategoryVendors,
			RecordIDs: userCtx.VendorAssignmentIDs,
		})
	}

	for _, spec := range specs {
		if err := r.openChannel(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) openChannel(ctx context.Context, spec transport.FilterSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	name := spec.Category
	if !spec.Global {
		r.mu.Lock()
		name = fmt.Sprintf("%s:%s", spec.Category, r.userCtx.UserID)
		r.mu.Unlock()
	}

	handle, err := r.sub.Subscribe(ctx, spec, func(ev transport.ChangeEvent) {
		r.onEvent(name, ev)
	})
	if err != nil {
		return fmt.Errorf("open channel %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = &channel{
		name:           name,
		category:       spec.Category,
		spec:           spec,
		handle:         handle,
		lastActivityAt: r.clk.Now(),
	}
	r.log.Debug("channel opened",
		zap.String("channel", name),
		zap.Int("scope_size", len(spec.RecordIDs)))
	return nil
}

// onEvent is invoked by the push transport for every raw event. Events are
// never dispatched directly: the first event of a category arms a fixed
// debounce window and later events only accumulate, so one burst becomes one
// notification and order within the category is preserved.
func (r *Router) onEvent(channelName string, ev transport.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return
	}

	now := r.clk.Now()
	ch, ok := r.channels[channelName]
	if !ok {
		// Late delivery on a torn-down channel; the handle raced us.
		return
	}
	ch.lastActivityAt = now

	category := ev.Category
	if category == "" {
		category = ch.category
	}

	d, ok := r.debounces[category]
	if !ok {
		d = &debounceState{
			firstAt:   now,
			seenIDs:   make(map[string]struct{}),
			seenKinds: make(map[transport.EventType]struct{}),
		}
		d.timer = r.clk.AfterFunc(r.cfg.Debounce(), func() { r.dispatch(category) })
		r.debounces[category] = d
	}
	d.count++
	d.lastAt = now
	if ev.RecordID != "" {
		if _, seen := d.seenIDs[ev.RecordID]; !seen {
			d.seenIDs[ev.RecordID] = struct{}{}
			d.recordIDs = append(d.recordIDs, ev.RecordID)
		}
	}
	if _, seen := d.seenKinds[ev.Type]; !seen {
		d.seenKinds[ev.Type] = struct{}{}
		d.kinds = append(d.kinds, string(ev.Type))
	}
}

// dispatch fires when a debounce window closes: one coalesced notification
// per category, strictly after every raw event that contributed to it.
func (r *Router) dispatch(category string) {
	r.mu.Lock()
	d, ok := r.debounces[category]
	if !ok || !r.initialized {
		r.mu.Unlock()
		return
	}
	delete(r.debounces, category)

	now := r.clk.Now()
	for _, ch := range r.channels {
		if ch.category == category {
			ch.lastActivityAt = now
		}
	}

	n := events.Notification{
		ID:        uuid.NewString(),
		Category:  category,
		Count:     d.count,
		RecordIDs: d.recordIDs,
		Kinds:     d.kinds,
		From:      d.firstAt,
		To:        d.lastAt,
	}
	r.mu.Unlock()

	r.bus.Publish(n)
}

// MarkActive resets the idle clock of a category's channel without an inbound
// event, so a channel the user is actively relying on survives the sweep even
// when the backend is quiet.
func (r *Router) MarkActive(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	for _, ch := range r.channels {
		if ch.category == category {
			ch.lastActivityAt = now
		}
	}
}

// OnTransportError is the recovery path for a failing push channel: affected
// cache entries are invalidated so the next read refetches, and the failure
// is logged. Reconnection is the transport's own business.
func (r *Router) OnTransportError(category string, err error) {
	if r.store != nil {
		r.store.InvalidateAll(category + ":")
	}
	r.log.Warn("subscription transport error",
		zap.String("category", category),
		zap.Bool("transient", transport.IsTransient(err)),
		zap.Error(err))
}

// Refresh tears down every channel and rebuilds the scope from the backend.
// Use it when the user's role or assignments change.
func (r *Router) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	userID := r.userCtx.UserID
	r.mu.Unlock()

	r.teardownAll()

	userCtx, err := r.resolveScope(ctx, userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.userCtx = userCtx
	r.mu.Unlock()

	if err := r.openChannels(ctx); err != nil {
		r.teardownAll()
		return err
	}
	r.log.Info("subscription router refreshed", zap.String("user_id", userID))
	return nil
}

// Cleanup unsubscribes every channel, cancels all timers and forgets the
// session. Safe to call more than once; a later Initialize starts a new
// session.
func (r *Router) Cleanup() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = false
	if r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
	}
	r.mu.Unlock()

	r.teardownAll()
	r.log.Info("subscription router cleaned up")
}

// teardownAll closes every channel and cancels every debounce timer. Handles
// are stopped synchronously so no callback lands after it returns.
func (r *Router) teardownAll() {
	r.mu.Lock()
	channels := r.channels
	debounces := r.debounces
	r.channels = make(map[string]*channel)
	r.debounces = make(map[string]*debounceState)
	r.mu.Unlock()

	for _, d := range debounces {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	for _, ch := range channels {
		ch.handle.Stop()
		r.log.Debug("channel closed", zap.String("channel", ch.name))
	}
}

// ActiveChannels enumerates the open channels, for diagnostics.
func (r *Router) ActiveChannels() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ChannelInfo{
			Name:           ch.name,
			Category:       ch.category,
			LastActivityAt: ch.lastActivityAt,
		})
	}
	return out
}

// ActiveFilterSpecs returns the filter specs of the open channels, for
// verifying backend subscriptions against what the session expects.
func (r *Router) ActiveFilterSpecs() []transport.FilterSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.FilterSpec, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.spec)
	}
	return out
}

// sweepTick retires channels idle past the timeout. A swept channel is not
// reopened automatically; the next Refresh rebuilds it.
func (r *Router) sweepTick() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}

	now := r.clk.Now()
	var idle []*channel
	for name, ch := range r.channels {
		if now.Sub(ch.lastActivityAt) > r.cfg.IdleTimeout() {
			delete(r.channels, name)
			idle = append(idle, ch)
		}
	}
	r.sweep = r.clk.AfterFunc(r.cfg.SweepInterval(), r.sweepTick)
	r.mu.Unlock()

	for _, ch := range idle {
		ch.handle.Stop()
		r.log.Info("idle channel retired",
			zap.String("channel", ch.name),
			zap.Duration("idle", now.Sub(ch.lastActivityAt)))
	}
}
