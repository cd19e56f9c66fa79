package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/davlens/bidsync/internal/activity"
	"github.com/davlens/bidsync/internal/cache"
	"github.com/davlens/bidsync/internal/clock"
	"github.com/davlens/bidsync/internal/config"
	"github.com/davlens/bidsync/internal/events"
	"github.com/davlens/bidsync/internal/poller"
	"github.com/davlens/bidsync/internal/router"
	"github.com/davlens/bidsync/internal/transport/gcppubsub"
)

// version is set at build time via -ldflags.
var version = "dev"

const statsLogInterval = time.Minute

// staticResolver serves the scope handed over on the command line. Real
// deployments implement router.ScopeResolver against their own backend API.
type staticResolver struct {
	role     string
	projects []string
	vendors  []string
}

func (s staticResolver) Resolve(_ context.Context, userID string) (router.UserContext, error) {
	return router.UserContext{
		UserID:              userID,
		Role:                s.role,
		ProjectIDs:          slices.Clone(s.projects),
		VendorAssignmentIDs: slices.Clone(s.vendors),
	}, nil
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx := cli.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cli.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	clk := clock.Real{}
	store := cache.New(clk, cfg.Cache.SweepInterval(), log)
	defer store.Close()

	tracker := activity.NewTracker(clk, cfg.Activity.InactivityThreshold(), log)
	defer tracker.Close()

	bus := events.NewBus(log)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimits.RequestsPerSecond), cfg.RateLimits.Burst)
	scheduler := poller.New(cfg.Polling, tracker, limiter, clk, log)
	defer scheduler.Close()

	resolver := staticResolver{role: c.Role, projects: c.Projects, vendors: c.VendorAssignments}

	// The transport reports channel failures to the router, which recovers
	// by invalidating the affected cache entries.
	var rt *router.Router
	transport := gcppubsub.New(c.GCPProject, cfg.RateLimits.RequestsPerSecond,
		func(category string, err error) { rt.OnTransportError(category, err) }, log)
	defer func() { _ = transport.Close() }()

	rt = router.New(resolver, transport, bus, store, cfg.Subscriptions, clk, log)
	if err := rt.Initialize(ctx, c.User); err != nil {
		return fmt.Errorf("initialize subscriptions: %w", err)
	}
	defer rt.Cleanup()

	if !c.SkipVerify {
		if err := verifySubscriptions(ctx, transport, rt); err != nil {
			log.Warn("subscription verification failed", zap.Error(err))
		}
	}

	// Coalesced change notifications drive cache invalidation and an
	// immediate re-poll of the topic backing the category.
	unsub := bus.Subscribe(events.CategoryAll, func(n events.Notification) {
		store.InvalidateAll(n.Category + ":")
		if topic, ok := topicForCategory[n.Category]; ok {
			scheduler.ForceRefresh(topic)
		}
	})
	defer unsub()

	if err := startPolling(ctx, cfg, scheduler, rt, resolver, c.User, c.Projects, c.VendorAssignments); err != nil {
		return err
	}

	log.Info("bidsync running",
		zap.String("user_id", c.User),
		zap.String("gcp_project", c.GCPProject),
		zap.Int("polling_topics", len(cfg.Polling)))

	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			logStats(log, store, scheduler, rt)
		}
	}
}

// Polling topics and push-channel categories are distinct namespaces; this
// map ties a notification back to the topic whose data it invalidates.
var topicForCategory = map[string]string{
	router.CategoryProjects:      "bids",
	router.CategoryVendors:       "vendors",
	router.CategoryNotifications: "notes",
}

var categoryForTopic = func() map[string]string {
	m := make(map[string]string, len(topicForCategory))
	for cat, topic := range topicForCategory {
		m[topic] = cat
	}
	return m
}()

// startPolling arms every configured topic. The vendors topic doubles as the
// scope watchdog: when the user's assignments change server-side, the push
// subscriptions are rebuilt to match. Every other topic keeps its category's
// channel marked active so the idle sweep spares channels the user still
// polls for.
func startPolling(ctx context.Context, cfg *config.Config, scheduler *poller.Scheduler, rt *router.Router, resolver router.ScopeResolver, userID string, projects, vendors []string) error {
	for name := range cfg.Polling {
		var refresh poller.RefreshFunc
		switch name {
		case "vendors":
			lastScope := append(slices.Clone(projects), vendors...)
			refresh = func(ctx context.Context) error {
				userCtx, err := resolver.Resolve(ctx, userID)
				if err != nil {
					return err
				}
				scope := append(slices.Clone(userCtx.ProjectIDs), userCtx.VendorAssignmentIDs...)
				if slices.Equal(scope, lastScope) {
					rt.MarkActive(router.CategoryVendors)
					return nil
				}
				lastScope = scope
				return rt.Refresh(ctx)
			}
		default:
			category := categoryForTopic[name]
			refresh = func(context.Context) error {
				if category != "" {
					rt.MarkActive(category)
				}
				return nil
			}
		}
		if err := scheduler.Start(ctx, name, refresh); err != nil {
			return err
		}
	}
	return nil
}

func verifySubscriptions(ctx context.Context, t *gcppubsub.Transport, rt *router.Router) error {
	specs := rt.ActiveFilterSpecs()
	return t.VerifySubscriptions(ctx, specs)
}

func logStats(log *zap.Logger, store *cache.Store, scheduler *poller.Scheduler, rt *router.Router) {
	m := store.Snapshot()
	log.Info("sync diagnostics",
		zap.Int("cache_entries", store.Len()),
		zap.Int64("cache_hits", m.Hits),
		zap.Int64("cache_misses", m.Misses),
		zap.Int64("cache_stale_serves", m.StaleServes),
		zap.Int("open_channels", len(rt.ActiveChannels())),
		zap.Any("topics", scheduler.Stats()))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (c *ConfigInitCmd) Run(cli *CLI) error {
	cfg := config.Default()
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", config.ConfigPath())
	return nil
}

func (c *ConfigShowCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("bidsync version: %s\n", version)
	return nil
}
