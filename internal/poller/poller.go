// Package poller runs one adaptive-interval refresh loop per named topic.
// Loops back off on failure, snap back to their base interval on success,
// stretch while the user is idle, and pause entirely while the environment is
// ineligible for synchronization.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davlens/bidsync/internal/activity"
	"github.com/davlens/bidsync/internal/clock"
	"github.com/davlens/bidsync/internal/config"
	"github.com/davlens/bidsync/internal/transport"
)

// Configuration errors: wiring bugs surfaced to the caller, never retried.
var (
	ErrUnknownTopic = errors.New("topic not present in polling configuration")
	ErrTopicActive  = errors.New("topic already has an active polling loop")
	ErrClosed       = errors.New("scheduler is closed")
)

// Tick-skip reasons recorded in Stats for diagnostics.
const (
	reasonOK          = "ok"
	reasonBackoff     = "refresh-failed"
	reasonNotEligible = "not-eligible"
	reasonRateBudget  = "rate-budget"
)

// backoffCap bounds how many consecutive failures keep compounding the
// interval; past this many the interval holds steady (MaxInterval clamps it
// regardless).
const backoffCap = 5

// inactiveStretch multiplies the interval while the user is idle but the page
// is still foregrounded.
const inactiveStretch = 3

// RefreshFunc is the caller-supplied query for one topic. The scheduler never
// knows the query's shape, only whether it succeeded.
type RefreshFunc func(ctx context.Context) error

type topicState struct {
	topic             string
	refresh           RefreshFunc
	cfg               config.Topic
	ctx               context.Context
	currentInterval   time.Duration
	consecutiveErrors int
	lastSuccessAt     time.Time
	lastReason        string
	timer             clock.Timer
	active            bool
	refreshing        bool
}

// TopicStats is a read-only snapshot of one loop, diagnostic only.
type TopicStats struct {
	Topic             string
	Active            bool
	CurrentInterval   time.Duration
	EffectiveInterval time.Duration
	ConsecutiveErrors int
	LastSuccessAt     time.Time
	LastReason        string
}

// Scheduler owns the topic arena. One instance per application; construct
// with New and release with Close.
type Scheduler struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool

	table   map[string]config.Topic
	monitor activity.Monitor
	limiter *rate.Limiter
	clk     clock.Clock
	log     *zap.Logger

	unsubActivity func()
}

// New creates a Scheduler over a known-topic table. limiter bounds the
// aggregate refresh rate across all topics and may be nil. The scheduler
// subscribes to the monitor so a user returning from idle resumes polling
// immediately instead of waiting out the stretched interval.
func New(table map[string]config.Topic, monitor activity.Monitor, limiter *rate.Limiter, clk clock.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		topics:  make(map[string]*topicState),
		table:   table,
		monitor: monitor,
		limiter: limiter,
		clk:     clk,
		log:     log,
	}
	s.unsubActivity = monitor.OnChange(s.onActivityChange)
	return s
}

// Start begins the polling loop for topic. The first refresh is scheduled
// immediately. Unknown topics and double starts are configuration errors.
func (s *Scheduler) Start(ctx context.Context, topic string, refresh RefreshFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("start %s: %w", topic, ErrClosed)
	}
	cfg, ok := s.table[topic]
	if !ok {
		return fmt.Errorf("start %s: %w", topic, ErrUnknownTopic)
	}
	if _, ok := s.topics[topic]; ok {
		return fmt.Errorf("start %s: %w", topic, ErrTopicActive)
	}

	st := &topicState{
		topic:           topic,
		refresh:         refresh,
		cfg:             cfg,
		ctx:             ctx,
		currentInterval: cfg.Base(),
		lastReason:      reasonOK,
		active:          true,
	}
	s.topics[topic] = st
	st.timer = s.clk.AfterFunc(0, func() { s.tick(topic, false) })

	s.log.Info("polling started",
		zap.String("topic", topic),
		zap.Duration("base_interval", cfg.Base()))
	return nil
}

// Stop cancels the loop for topic and removes its state. Idempotent: stopping
// an unknown or already-stopped topic is a no-op.
func (s *Scheduler) Stop(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(topic)
}

func (s *Scheduler) stopLocked(topic string) {
	st, ok := s.topics[topic]
	if !ok {
		return
	}
	st.active = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	delete(s.topics, topic)
	s.log.Info("polling stopped", zap.String("topic", topic))
}

// ForceRefresh cancels any pending wakeup for topic and refreshes right now,
// bypassing the eligibility gate; normal scheduling resumes from the result.
// No-op if the topic is not currently polling.
func (s *Scheduler) ForceRefresh(topic string) {
	s.mu.Lock()
	st, ok := s.topics[topic]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	s.mu.Unlock()

	s.tick(topic, true)
}

// Stats snapshots every topic. The result is a copy; nothing in the control
// flow reads it.
func (s *Scheduler) Stats() []TopicStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.monitor.State()
	out := make([]TopicStats, 0, len(s.topics))
	for _, st := range s.topics {
		out = append(out, TopicStats{
			Topic:             st.topic,
			Active:            st.active,
			CurrentInterval:   st.currentInterval,
			EffectiveInterval: nextInterval(st.currentInterval, state, st.cfg),
			ConsecutiveErrors: st.consecutiveErrors,
			LastSuccessAt:     st.lastSuccessAt,
			LastReason:        st.lastReason,
		})
	}
	return out
}

// Close stops every topic and detaches from the activity monitor.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for topic := range s.topics {
		s.stopLocked(topic)
	}
	s.mu.Unlock()

	if s.unsubActivity != nil {
		s.unsubActivity()
	}
}

// tick executes one scheduling round for topic. Ticks are strictly
// sequential within a topic: the next wakeup is only armed after this one's
// refresh settles.
func (s *Scheduler) tick(topic string, forced bool) {
	s.mu.Lock()
	st, ok := s.topics[topic]
	if !ok || s.closed || !st.active {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	if st.refreshing {
		// A forced refresh is already in flight; it will reschedule.
		s.mu.Unlock()
		return
	}

	state := s.monitor.State()
	if !forced && !state.Eligible() {
		// Skip the refresh but keep the loop alive.
		st.lastReason = reasonNotEligible
		s.rescheduleLocked(st, state)
		s.mu.Unlock()
		return
	}

	st.refreshing = true
	refresh := st.refresh
	ctx := st.ctx
	s.mu.Unlock()

	err := s.runRefresh(ctx, refresh)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The topic may have been stopped (or stopped and restarted) while the
	// refresh was in flight; its result must not resurrect the old loop.
	cur, ok := s.topics[topic]
	if !ok || cur != st || s.closed || !st.active {
		return
	}
	st.refreshing = false

	if err == nil {
		st.consecutiveErrors = 0
		st.currentInterval = st.cfg.Base()
		st.lastSuccessAt = s.clk.Now()
		st.lastReason = reasonOK
	} else {
		st.consecutiveErrors++
		if st.consecutiveErrors <= backoffCap {
			st.currentInterval = clamp(
				time.Duration(float64(st.currentInterval)*st.cfg.BackoffMultiplier),
				st.cfg.Min(), st.cfg.Max())
		}
		st.lastReason = reasonBackoff
		s.log.Warn("refresh failed, backing off",
			zap.String("topic", topic),
			zap.Int("consecutive_errors", st.consecutiveErrors),
			zap.Duration("next_interval", st.currentInterval),
			zap.Bool("transient", transport.IsTransient(err)),
			zap.Error(err))
	}

	s.rescheduleLocked(st, s.monitor.State())
}

// runRefresh spends shared rate budget, then invokes the refresh. The limiter
// only fails when the context is done; that still counts as a failed tick.
func (s *Scheduler) runRefresh(ctx context.Context, refresh RefreshFunc) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", reasonRateBudget, err)
		}
	}
	return refresh(ctx)
}

func (s *Scheduler) rescheduleLocked(st *topicState, state activity.State) {
	d := nextInterval(st.currentInterval, state, st.cfg)
	topic := st.topic
	st.timer = s.clk.AfterFunc(d, func() { s.tick(topic, false) })
}

// onActivityChange pauses every loop the moment the environment stops being
// eligible and resumes them all immediately when it becomes eligible again.
func (s *Scheduler) onActivityChange(state activity.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch {
	case state.Eligible():
		for topic, st := range s.topics {
			if st.timer != nil {
				st.timer.Stop()
			}
			t := topic
			st.timer = s.clk.AfterFunc(0, func() { s.tick(t, false) })
		}
	case !state.Foreground:
		// Backgrounded: cancel pending wakeups outright instead of letting
		// them fire into the eligibility gate. The next foreground edge
		// re-arms everything.
		for _, st := range s.topics {
			if st.timer != nil {
				st.timer.Stop()
				st.timer = nil
			}
		}
	default:
		// Foregrounded with an idle user: loops keep ticking, stretched.
		for _, st := range s.topics {
			if st.timer == nil && !st.refreshing {
				s.rescheduleLocked(st, state)
			}
		}
	}
}

// nextInterval is the scheduling formula, kept pure so it can be exercised
// without timers: stretch the raw interval for an idle-but-foregrounded user,
// then clamp to the topic's bounds.
func nextInterval(current time.Duration, state activity.State, cfg config.Topic) time.Duration {
	raw := current
	if state.Foreground && !state.UserActive {
		raw *= inactiveStretch
	}
	return clamp(raw, cfg.Min(), cfg.Max())
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
