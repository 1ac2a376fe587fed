package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andybalholm/cascadia"
)

// Config for a Controller. Zero fields take defaults.
type Config struct {
	Requests      []MountRequest // default: DefaultRequests()
	Timeout       time.Duration  // default: DefaultTimeout
	BadgeInterval time.Duration  // default: DefaultBadgeInterval
	BadgeSelector string         // default: DefaultBadgeSelector
	NoBadgeStrip  bool
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.Requests == nil {
		c.Requests = DefaultRequests()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BadgeInterval <= 0 {
		c.BadgeInterval = DefaultBadgeInterval
	}
	if c.BadgeSelector == "" {
		c.BadgeSelector = DefaultBadgeSelector
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller claims the configured regions of one page. It is single use.
type Controller struct {
	doc     Document
	mounter Mounter
	cfg     Config
	logger  *slog.Logger
	started atomic.Bool

	// Owned by the Run goroutine.
	state   State
	claimed map[string]bool
	out     Outcome
}

type event int

const (
	evScan event = iota
	evMutation
	evBadgeTick
	evTimeout
	evCancel
)

func (e event) String() string {
	return [...]string{"scan", "mutation", "badge_tick", "timeout", "cancel"}[e]
}

// New validates cfg and returns a Controller. Every selector must parse as
// CSS; request ids must be non-empty and unique. m may be nil.
func New(doc Document, m Mounter, cfg Config) (*Controller, error) {
	if doc == nil {
		return nil, fmt.Errorf("inject: nil document")
	}
	cfg.defaults()

	ids := make(map[string]bool, len(cfg.Requests))
	for _, r := range cfg.Requests {
		if r.ID == "" {
			return nil, fmt.Errorf("inject: request with selector %q has no id", r.Selector)
		}
		if ids[r.ID] {
			return nil, fmt.Errorf("inject: duplicate request id %q", r.ID)
		}
		ids[r.ID] = true
		if _, err := cascadia.ParseGroup(r.Selector); err != nil {
			return nil, fmt.Errorf("inject: request %s: selector %q: %w", r.ID, r.Selector, err)
		}
	}
	if !cfg.NoBadgeStrip {
		if _, err := cascadia.ParseGroup(cfg.BadgeSelector); err != nil {
			return nil, fmt.Errorf("inject: badge selector %q: %w", cfg.BadgeSelector, err)
		}
	}

	return &Controller{
		doc:     doc,
		mounter: m,
		cfg:     cfg,
		logger:  cfg.Logger,
		claimed: make(map[string]bool, len(cfg.Requests)),
	}, nil
}

// Run drives the controller to a terminal state and returns the outcome.
// All Document calls happen on the calling goroutine and none happen after
// Run returns. A partial outcome at the ceiling is not an error; err is
// non-nil only when observation cannot start.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	if !c.started.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyRun
	}
	c.state = Scanning

	// The 1-slot channel coalesces bursts of notifications into one pending
	// mutation event.
	notify := make(chan struct{}, 1)
	stopWatch, err := c.doc.Observe(ctx, func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		c.state = Cancelled
		return c.outcome(), fmt.Errorf("inject: observe: %w", err)
	}
	ticker := time.NewTicker(c.cfg.BadgeInterval)
	timer := time.NewTimer(c.cfg.Timeout)
	defer func() {
		stopWatch()
		ticker.Stop()
		timer.Stop()
	}()

	c.step(ctx, evScan)
	for !c.state.Terminal() {
		select {
		case <-ctx.Done():
			c.step(ctx, evCancel)
		case <-notify:
			c.step(ctx, evMutation)
		case <-ticker.C:
			c.step(ctx, evBadgeTick)
		case <-timer.C:
			c.step(ctx, evTimeout)
		}
	}
	return c.outcome(), nil
}

// step is the single transition function.
func (c *Controller) step(ctx context.Context, ev event) {
	if c.state.Terminal() {
		return
	}
	// Cancellation wins over any event that raced it.
	if ev != evCancel && ctx.Err() != nil {
		ev = evCancel
	}

	switch ev {
	case evScan, evMutation:
		c.stripBadges(ctx)
		c.claimPending(ctx)
		switch {
		case len(c.out.Results) == len(c.cfg.Requests):
			c.state = Satisfied
			c.logger.Debug("inject: all regions claimed", "event", ev.String(), "count", len(c.out.Results))
		case c.state == Scanning:
			c.state = Observing
		}
	case evBadgeTick:
		c.stripBadges(ctx)
	case evTimeout:
		c.state = TimedOut
		if pending := c.pending(); len(pending) > 0 {
			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			c.logger.Info("inject: ceiling reached with unclaimed regions",
				"timeout", c.cfg.Timeout, "claimed", len(c.out.Results), "pending", ids)
		}
	case evCancel:
		c.state = Cancelled
	}
}

func (c *Controller) claimPending(ctx context.Context) {
	for _, r := range c.cfg.Requests {
		if c.claimed[r.ID] {
			continue
		}
		res, ok, err := c.claim(ctx, r)
		if err != nil {
			c.logger.Debug("inject: claim failed, retrying on next mutation", "id", r.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		c.claimed[r.ID] = true
		c.out.Results = append(c.out.Results, res)
		c.logger.Debug("inject: region claimed", "id", r.ID, "selector", r.Selector)

		if c.mounter != nil {
			if err := c.mounter.Mount(ctx, res); err != nil {
				c.logger.Warn("inject: mount failed", "id", r.ID, "error", err)
			}
		}
	}
}

// claim runs the claim algorithm for one request. ok is false when the
// target is not on the page yet.
func (c *Controller) claim(ctx context.Context, r MountRequest) (MountResult, bool, error) {
	target, found, err := c.doc.Query(ctx, r.Selector)
	if err != nil {
		return MountResult{}, false, fmt.Errorf("query: %w", err)
	}
	if !found {
		return MountResult{}, false, nil
	}

	var original Node
	if r.PreserveOriginal {
		original, err = c.doc.Clone(ctx, target)
		if err != nil {
			return MountResult{}, false, fmt.Errorf("clone: %w", err)
		}
	}
	mount, err := c.doc.CreateMount(ctx, r.ID)
	if err != nil {
		return MountResult{}, false, fmt.Errorf("create mount: %w", err)
	}
	if err := c.doc.Replace(ctx, target, mount); err != nil {
		return MountResult{}, false, fmt.Errorf("replace: %w", err)
	}
	return MountResult{Request: r, Found: true, Original: original, Owned: mount}, true, nil
}

func (c *Controller) stripBadges(ctx context.Context) {
	if c.cfg.NoBadgeStrip {
		return
	}
	n, err := c.doc.RemoveAll(ctx, c.cfg.BadgeSelector)
	if err != nil {
		c.logger.Debug("inject: badge strip failed", "error", err)
		return
	}
	c.out.BadgesRemoved += n
}

func (c *Controller) pending() []MountRequest {
	var out []MountRequest
	for _, r := range c.cfg.Requests {
		if !c.claimed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func (c *Controller) outcome() Outcome {
	out := c.out
	out.State = c.state
	out.Pending = c.pending()
	return out
}

// State returns the current state. It is only meaningful after Run
// returns, or from a Mounter.
func (c *Controller) State() State { return c.state }
