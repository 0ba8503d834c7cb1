// Package poller drives incremental collection from cloud activity sources.
// Each source is polled on a cron cadence with cursor-scoped queries so a
// poll never replays history it has already handed to the pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guardline/dlp/internal/cursor"
	"github.com/guardline/dlp/internal/models"
)

// ErrAuth marks provider failures that a credential refresh may fix.
// Refresh is attempted at most once per poll cycle.
var ErrAuth = errors.New("authentication failed")

// Provider fetches activity from one external source. Fetch must only
// return activity strictly newer than since; the poller still enforces the
// filter defensively because some providers return overlapping pages.
type Provider interface {
	SourceID() string
	Fetch(ctx context.Context, since time.Time, pageSize int) ([]*models.Event, error)
	Refresh(ctx context.Context) error
}

// Sink receives normalized events for pipeline processing.
type Sink interface {
	Submit(ctx context.Context, ev *models.Event) error
}

type Config struct {
	Schedule string
	PageSize int
}

type Poller struct {
	cfg     Config
	cursors cursor.Store
	sink    Sink
	logger  *slog.Logger
	cron    *cron.Cron

	mu        sync.Mutex
	providers []Provider
	inFlight  map[string]bool
}

func New(cfg Config, cursors cursor.Store, sink Sink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Poller{
		cfg:      cfg,
		cursors:  cursors,
		sink:     sink,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Register adds a provider to the polling rotation.
func (p *Poller) Register(provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers = append(p.providers, provider)
}

// Start schedules the poll cycle. The context cancels polling between
// sources, never mid-poll.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		p.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.cfg.Schedule, err)
	}
	p.cron.Start()
	p.logger.Info("poller started", "schedule", p.cfg.Schedule)
	return nil
}

func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// RunCycle polls every registered source once. Sources are independent; a
// failure on one is logged and the cycle moves on.
func (p *Poller) RunCycle(ctx context.Context) {
	p.mu.Lock()
	providers := make([]Provider, len(p.providers))
	copy(providers, p.providers)
	p.mu.Unlock()

	for _, provider := range providers {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollSource(ctx, provider); err != nil {
			p.logger.Error("poll failed",
				"source_id", provider.SourceID(),
				"error", err)
		}
	}
}

// pollSource runs one cursor-scoped poll. The cursor only advances after
// the batch has been handed to the sink; a failed poll leaves it untouched
// so the next cycle retries the same window.
func (p *Poller) pollSource(ctx context.Context, provider Provider) error {
	sourceID := provider.SourceID()

	p.mu.Lock()
	if p.inFlight[sourceID] {
		p.mu.Unlock()
		return nil
	}
	p.inFlight[sourceID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, sourceID)
		p.mu.Unlock()
	}()

	cur, err := p.cursors.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	events, err := p.fetch(ctx, provider, cur.LastSeen)
	if err != nil {
		return err
	}

	// First successful poll records the baseline without emitting events,
	// so connecting a source never replays its whole history.
	if cur.State == models.CursorUninitialized {
		baseline := maxTimestamp(events, cur.LastSeen)
		if _, err := p.cursors.Advance(ctx, sourceID, baseline); err != nil {
			return fmt.Errorf("recording baseline: %w", err)
		}
		p.logger.Info("source baseline recorded",
			"source_id", sourceID,
			"baseline", baseline,
			"skipped", len(events))
		return nil
	}

	submitted := 0
	for _, ev := range events {
		// Strictly-greater filter, enforced even if the provider ignored it.
		if !ev.Timestamp.After(cur.LastSeen) {
			continue
		}
		if err := p.sink.Submit(ctx, ev); err != nil {
			return fmt.Errorf("submitting event %s: %w", ev.ID, err)
		}
		submitted++
	}

	if len(events) > 0 {
		if _, err := p.cursors.Advance(ctx, sourceID, maxTimestamp(events, cur.LastSeen)); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
	}

	if submitted > 0 {
		p.logger.Info("poll cycle complete",
			"source_id", sourceID,
			"fetched", len(events),
			"submitted", submitted)
	}
	return nil
}

// fetch retries exactly once after a credential refresh on auth failure.
func (p *Poller) fetch(ctx context.Context, provider Provider, since time.Time) ([]*models.Event, error) {
	events, err := provider.Fetch(ctx, since, p.cfg.PageSize)
	if err == nil {
		return events, nil
	}
	if !errors.Is(err, ErrAuth) {
		return nil, err
	}

	p.logger.Warn("refreshing source credentials", "source_id", provider.SourceID())
	if rerr := provider.Refresh(ctx); rerr != nil {
		return nil, fmt.Errorf("refresh failed: %w", rerr)
	}
	return provider.Fetch(ctx, since, p.cfg.PageSize)
}

func maxTimestamp(events []*models.Event, floor time.Time) time.Time {
	max := floor
	for _, ev := range events {
		if ev.Timestamp.After(max) {
			max = ev.Timestamp
		}
	}
	return max
}
