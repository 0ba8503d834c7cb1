// Package pipeline wires Normalize -> dedup -> Classify -> Policy -> Actions
// -> persistence. A bounded worker pool carries each event start-to-finish;
// the policy snapshot is swapped atomically so evaluations in flight keep
// the snapshot they started with.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guardline/dlp/internal/actions"
	"github.com/guardline/dlp/internal/classifier"
	"github.com/guardline/dlp/internal/cursor"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/policy"
)

// Store persists processed events and their execution summaries.
type Store interface {
	SaveEvent(ctx context.Context, ev *models.Event) error
	SaveSummary(ctx context.Context, summary *models.ExecutionSummary) error
}

type Config struct {
	Workers    int
	QueueDepth int
}

type Pipeline struct {
	cfg        Config
	classifier *classifier.Classifier
	executor   *actions.Executor
	cursors    cursor.Store
	store      Store
	logger     *slog.Logger

	snapshot atomic.Pointer[policy.Snapshot]

	queue   chan *models.Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool

	// Unix nanos of the last persistence failure, 0 when healthy. While
	// set, Submit rejects intake so upstream cursors stop advancing.
	storeFailedAt atomic.Int64
}

// storeRetryAfter is how long intake stays halted after a persistence
// failure before the next event is allowed to retry the store.
const storeRetryAfter = 15 * time.Second

func New(cfg Config, cls *classifier.Classifier, exec *actions.Executor, cursors cursor.Store, store Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	p := &Pipeline{
		cfg:        cfg,
		classifier: cls,
		executor:   exec,
		cursors:    cursors,
		store:      store,
		logger:     logger,
		queue:      make(chan *models.Event, cfg.QueueDepth),
	}
	p.snapshot.Store(policy.Build(nil, logger))
	return p
}

// UpdatePolicies publishes a new snapshot. In-flight evaluations keep the
// one they loaded.
func (p *Pipeline) UpdatePolicies(snap *policy.Snapshot) {
	if snap == nil {
		return
	}
	old := p.snapshot.Swap(snap)
	p.logger.Info("policy snapshot published",
		"version", snap.Version,
		"policies", snap.Len(),
		"previous", old.Version)
}

// Snapshot returns the snapshot new evaluations will use.
func (p *Pipeline) Snapshot() *policy.Snapshot {
	return p.snapshot.Load()
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range p.queue {
				p.process(ctx, ev)
			}
		}()
	}
}

// Shutdown stops intake and waits for in-flight action chains to finish.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Submit queues one event for processing. It implements the poller's Sink.
// The read lock is held across the send so Shutdown cannot close the queue
// between the closed check and the send.
func (p *Pipeline) Submit(ctx context.Context, ev *models.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if p.storeDown() {
		return fmt.Errorf("intake halted: event store unavailable")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("pipeline is shut down")
	}

	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) storeDown() bool {
	failedAt := p.storeFailedAt.Load()
	if failedAt == 0 {
		return false
	}
	if time.Since(time.Unix(0, failedAt)) < storeRetryAfter {
		return true
	}
	// The halt window has passed; let the next event retry the store.
	return false
}

// ProcessSync runs one event through the pipeline on the caller's
// goroutine. The API uses it for synchronous submissions.
func (p *Pipeline) ProcessSync(ctx context.Context, ev *models.Event) (*models.ExecutionSummary, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("event missing id")
	}
	return p.run(ctx, ev)
}

func (p *Pipeline) process(ctx context.Context, ev *models.Event) {
	if _, err := p.run(ctx, ev); err != nil {
		p.logger.Error("event processing failed", "event_id", ev.ID, "error", err)
	}
}

func (p *Pipeline) run(ctx context.Context, ev *models.Event) (*models.ExecutionSummary, error) {
	seen, err := p.cursors.Seen(ctx, dedupeScope(ev), ev.ID)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		// Duplicate delivery is expected from overlapping polls; drop it.
		p.logger.Debug("duplicate event dropped", "event_id", ev.ID)
		return nil, nil
	}

	cls := p.classify(ev)
	ev.Truncated = ev.Truncated || cls.Truncated

	var matches []policy.Match
	if !ev.FlaggedForReview {
		matches = p.snapshot.Load().Evaluate(ev, cls)
	}

	summary := p.executor.Execute(ctx, ev, cls, matches)

	if ev.Status == models.EventStatusNew {
		ev.Status = models.EventStatusProcessed
	}

	if err := p.store.SaveEvent(ctx, ev); err != nil {
		p.persistFailed(ctx, ev)
		return summary, fmt.Errorf("persisting event: %w", err)
	}
	if err := p.store.SaveSummary(ctx, summary); err != nil {
		p.persistFailed(ctx, ev)
		return summary, fmt.Errorf("persisting summary: %w", err)
	}
	p.storeFailedAt.Store(0)

	return summary, nil
}

// persistFailed evicts the event's id from the seen window so a redelivery
// is not dropped as a duplicate, and halts intake until the store recovers.
func (p *Pipeline) persistFailed(ctx context.Context, ev *models.Event) {
	if err := p.cursors.Forget(ctx, dedupeScope(ev), ev.ID); err != nil {
		p.logger.Error("failed to evict unpersisted event from dedup window",
			"event_id", ev.ID, "error", err)
	}
	p.storeFailedAt.Store(time.Now().UnixNano())
}

// classify never fails; an internal panic degrades to a flagged-for-review
// event rather than a dropped one.
func (p *Pipeline) classify(ev *models.Event) (result *models.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("classification panicked", "event_id", ev.ID, "panic", r)
			ev.FlaggedForReview = true
			ev.ReviewReason = "classification failed"
			ev.Status = models.EventStatusReview
			result = &models.ClassificationResult{}
		}
	}()
	return p.classifier.Classify(ev.Content)
}

// dedupeScope keys the seen-id window. Cloud events dedupe per connection,
// agent events per agent.
func dedupeScope(ev *models.Event) string {
	if ev.ConnectionID != "" {
		return "conn:" + ev.ConnectionID
	}
	if ev.AgentID != "" {
		return "agent:" + ev.AgentID
	}
	return "source:" + string(ev.SourceType)
}
