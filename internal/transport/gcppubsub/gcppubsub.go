// Package gcppubsub implements the push transport over Google Cloud Pub/Sub.
// Each scoped channel maps to one pre-provisioned subscription named
// bidsync-<category>[-<user>]; record and user scoping beyond the
// subscription split is enforced by attribute matching before an event is
// handed to the router.
package gcppubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"

	"github.com/davlens/bidsync/internal/transport"
)

// Message attribute keys the backend publisher sets on every change event.
const (
	attrCategory   = "category"
	attrType       = "type"
	attrRecordID   = "record_id"
	attrUserID     = "user_id"
	attrOccurredAt = "occurred_at"
)

// ErrorFunc is invoked when a receive stream fails for reasons other than
// the channel being closed. Recovery (cache invalidation, logging) belongs
// to the caller; reconnection belongs to the Pub/Sub client itself.
type ErrorFunc func(category string, err error)

// Transport opens Pub/Sub-backed channels. One instance per process; it
// caches one client per project.
type Transport struct {
	mu      sync.RWMutex
	clients map[string]*pubsub.Client

	project string
	onError ErrorFunc
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a Transport for the given project. adminRPS bounds the admin
// listing rate; onError may be nil.
func New(project string, adminRPS float64, onError ErrorFunc, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Transport{
		clients: make(map[string]*pubsub.Client),
		project: project,
		onError: onError,
		limiter: rate.NewLimiter(rate.Limit(adminRPS), int(adminRPS*2)),
		log:     log,
	}
}

// client returns the cached client for the project, or creates one. Client
// creation does I/O and happens outside the lock; when two goroutines race,
// the loser's client is closed and the winner's kept.
func (t *Transport) client(ctx context.Context, projectID string) (*pubsub.Client, error) {
	t.mu.RLock()
	client, exists := t.clients[projectID]
	t.mu.RUnlock()
	if exists {
		return client, nil
	}

	newClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client for project %s: %w", projectID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, exists := t.clients[projectID]; exists {
		_ = newClient.Close()
		return existing, nil
	}
	t.clients[projectID] = newClient
	return newClient, nil
}

// SubscriptionID maps a filter to the provisioned subscription name.
func SubscriptionID(spec transport.FilterSpec) string {
	if spec.Global || spec.UserID == "" {
		return fmt.Sprintf("bidsync-%s", spec.Category)
	}
	return fmt.Sprintf("bidsync-%s-%s", spec.Category, spec.UserID)
}

// Subscribe opens a receive loop on the subscription matching spec and feeds
// matching events to fn. The returned handle cancels the loop and waits for
// it to drain, so no event lands after Stop returns.
func (t *Transport) Subscribe(ctx context.Context, spec transport.FilterSpec, fn transport.Handler) (transport.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	client, err := t.client(ctx, t.project)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(spec.RecordIDs))
	for _, id := range spec.RecordIDs {
		allowed[id] = struct{}{}
	}

	subID := SubscriptionID(spec)
	sub := client.Subscriber(subID)

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := sub.Receive(rctx, func(_ context.Context, m *pubsub.Message) {
			ev, ok := decode(m, spec, allowed)
			m.Ack()
			if ok {
				fn(ev)
			}
		})
		if err != nil && rctx.Err() == nil {
			t.log.Warn("receive loop ended",
				zap.String("subscription", subID),
				zap.Error(err))
			t.onError(spec.Category, err)
		}
	}()

	t.log.Debug("subscribed",
		zap.String("subscription", subID),
		zap.Int("scope_size", len(spec.RecordIDs)))

	var once sync.Once
	return transport.HandleFunc(func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}), nil
}

// decode turns a raw message into a ChangeEvent, rejecting anything outside
// the channel's scope. Out-of-scope messages are acked and dropped; the
// subscription split already keeps them rare.
func decode(m *pubsub.Message, spec transport.FilterSpec, allowed map[string]struct{}) (transport.ChangeEvent, bool) {
	recordID := m.Attributes[attrRecordID]
	if len(allowed) > 0 {
		if _, ok := allowed[recordID]; !ok {
			return transport.ChangeEvent{}, false
		}
	}
	if spec.UserID != "" && m.Attributes[attrUserID] != spec.UserID {
		return transport.ChangeEvent{}, false
	}

	ev := transport.ChangeEvent{
		Type:     transport.EventType(m.Attributes[attrType]),
		Category: m.Attributes[attrCategory],
		RecordID: recordID,
	}
	if ev.Category == "" {
		ev.Category = spec.Category
	}
	if ts, err := time.Parse(time.RFC3339, m.Attributes[attrOccurredAt]); err == nil {
		ev.OccurredAt = ts
	}

	if len(m.Data) > 0 {
		var body struct {
			Before map[string]any `json:"before"`
			After  map[string]any `json:"after"`
		}
		if err := json.Unmarshal(m.Data, &body); err == nil {
			ev.Before = body.Before
			ev.After = body.After
		}
	}
	return ev, true
}

// VerifySubscriptions lists the project's subscriptions and reports the
// expected bidsync ones that are missing. Used at startup to catch
// provisioning gaps before the first channel silently receives nothing.
func (t *Transport) VerifySubscriptions(ctx context.Context, specs []transport.FilterSpec) error {
	client, err := t.client(ctx, t.project)
	if err != nil {
		return err
	}

	existing := make(map[string]struct{})
	req := &pubsubpb.ListSubscriptionsRequest{
		Project: fmt.Sprintf("projects/%s", t.project),
	}
	it := client.SubscriptionAdminClient.ListSubscriptions(ctx, req)
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var sub *pubsubpb.Subscription
		err := retryTransient(ctx, func() error {
			var iterErr error
			sub, iterErr = it.Next()
			return iterErr
		})
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		existing[shortName(sub.Name)] = struct{}{}
	}

	var missing []string
	for _, spec := range specs {
		id := SubscriptionID(spec)
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("subscriptions not provisioned: %v", missing)
	}
	return nil
}

// shortName extracts the subscription ID from
// "projects/{project}/subscriptions/{id}".
func shortName(full string) string {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			return full[i+1:]
		}
	}
	return full
}

// retryTransient retries fn with exponential backoff while the error is a
// passing backend condition, respecting context cancellation during sleeps.
func retryTransient(ctx context.Context, fn func() error) error {
	backoff := 1 * time.Second
	const maxRetries = 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if err == iterator.Done || !transport.IsTransient(err) {
			return err
		}

		if i < maxRetries-1 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("max retries (%d) exceeded, last error: %w", maxRetries, lastErr)
}

// Close releases every cached client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for project, client := range t.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client for %s: %w", project, err)
		}
		delete(t.clients, project)
	}
	return firstErr
}
