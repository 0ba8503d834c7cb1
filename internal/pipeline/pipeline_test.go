package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guardline/dlp/internal/actions"
	"github.com/guardline/dlp/internal/classifier"
	"github.com/guardline/dlp/internal/cursor"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/policy"
)

type memStore struct {
	mu        sync.Mutex
	events    map[string]*models.Event
	summaries []*models.ExecutionSummary
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string]*models.Event)}
}

func (m *memStore) SaveEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return nil
}

func (m *memStore) SaveSummary(_ context.Context, s *models.ExecutionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

type nullAlerts struct{}

func (nullAlerts) CreateAlert(context.Context, *models.Alert) error { return nil }

type nullAuditor struct{}

func (nullAuditor) Record(context.Context, *models.AuditRecord) error { return nil }

type nullNotifier struct{}

func (nullNotifier) Dispatch(context.Context, *models.NotifyRequest) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(t *testing.T, store Store) *Pipeline {
	t.Helper()
	cipher, err := actions.NewCipher(actions.AlgAESGCM, "k", "secret")
	if err != nil {
		t.Fatal(err)
	}
	exec := actions.NewExecutor(nullAlerts{}, nullAuditor{}, nullNotifier{}, cipher, time.Second, testLogger())
	return New(Config{Workers: 4, QueueDepth: 16},
		classifier.New(classifier.DefaultConfig()),
		exec,
		cursor.NewMemoryStore(0),
		store,
		testLogger())
}

func ssnPolicy() *models.Policy {
	return &models.Policy{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte("ssn-policy")),
		Name:     "ssn-policy",
		Enabled:  true,
		Priority: 10,
		Severity: models.SeverityCritical,
		Rules: []models.Rule{{
			ID: "r1",
			Conditions: []models.Condition{{
				Field:    "classification.type",
				Operator: models.OpEquals,
				Value:    "ssn",
			}},
		}},
		Actions: []models.ActionSpec{
			{Type: models.ActionAlert, Parameters: models.JSONB{"severity": "critical"}},
			{Type: models.ActionRedact, Parameters: models.JSONB{"method": "FULL"}},
		},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	store := newMemStore()
	p := testPipeline(t, store)
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))

	ev := &models.Event{
		ID:         "e1",
		SourceType: models.SourceFile,
		AgentID:    "agent-1",
		Content:    "My SSN is 123-45-6789",
		Status:     models.EventStatusNew,
	}

	summary, err := p.ProcessSync(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}

	if summary.SuccessfulActions != 2 {
		t.Fatalf("successful_actions = %d, errors = %v", summary.SuccessfulActions, summary.Errors)
	}
	if ev.Content != "[REDACTED]" {
		t.Errorf("content = %q", ev.Content)
	}

	stored := store.events["e1"]
	if stored == nil || stored.Status != models.EventStatusProcessed {
		t.Errorf("stored = %+v", stored)
	}
	if len(store.summaries) != 1 {
		t.Errorf("summaries = %d", len(store.summaries))
	}
}

func TestPipeline_DedupIdempotence(t *testing.T) {
	store := newMemStore()
	p := testPipeline(t, store)
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))

	for i := 0; i < 5; i++ {
		ev := &models.Event{
			ID:         "same-logical-event",
			SourceType: models.SourceCloudActivity,
			AgentID:    "agent-1",
			Content:    "SSN 123-45-6789",
		}
		if _, err := p.ProcessSync(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	if len(store.events) != 1 {
		t.Errorf("persisted %d events, want 1", len(store.events))
	}
	if len(store.summaries) != 1 {
		t.Errorf("persisted %d summaries, want 1", len(store.summaries))
	}
}

func TestPipeline_CleanContentNoActions(t *testing.T) {
	store := newMemStore()
	p := testPipeline(t, store)
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))

	ev := &models.Event{ID: "clean", SourceType: models.SourceFile, AgentID: "a", Content: "weather report"}
	summary, err := p.ProcessSync(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalActions != 0 {
		t.Errorf("clean content triggered actions: %+v", summary)
	}
	if store.events["clean"] == nil {
		t.Error("clean event not persisted")
	}
}

func TestPipeline_SnapshotSwap(t *testing.T) {
	store := newMemStore()
	p := testPipeline(t, store)

	before := p.Snapshot()
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))
	after := p.Snapshot()

	if before == after {
		t.Fatal("snapshot not swapped")
	}
	if before.Len() != 0 || after.Len() != 1 {
		t.Errorf("before=%d after=%d", before.Len(), after.Len())
	}
}

func TestPipeline_WorkerPool(t *testing.T) {
	store := newMemStore()
	p := testPipeline(t, store)
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))

	ctx := context.Background()
	p.Start(ctx)

	for i := 0; i < 50; i++ {
		ev := &models.Event{
			ID:         uuid.NewString(),
			SourceType: models.SourceClipboard,
			AgentID:    "agent-1",
			Content:    "clipboard text 123-45-6789",
		}
		if err := p.Submit(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	p.Shutdown()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 50 {
		t.Errorf("processed %d events, want 50", len(store.events))
	}
}

func TestPipeline_SubmitAfterShutdown(t *testing.T) {
	p := testPipeline(t, newMemStore())
	p.Start(context.Background())
	p.Shutdown()

	err := p.Submit(context.Background(), &models.Event{ID: "late", SourceType: models.SourceFile})
	if err == nil {
		t.Fatal("submit accepted after shutdown")
	}
}

// failStore fails persistence on demand to exercise store-outage handling.
type failStore struct {
	*memStore
	mu   sync.Mutex
	fail bool
}

func newFailStore() *failStore {
	return &failStore{memStore: newMemStore()}
}

func (f *failStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failStore) SaveEvent(ctx context.Context, ev *models.Event) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	return f.memStore.SaveEvent(ctx, ev)
}

func TestPipeline_ConcurrentSubmitDuringShutdown(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := testPipeline(t, newMemStore())
		p.Start(context.Background())

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					ev := &models.Event{
						ID:         uuid.NewString(),
						SourceType: models.SourceFile,
						AgentID:    "agent-1",
					}
					if err := p.Submit(context.Background(), ev); err != nil {
						return
					}
				}
			}()
		}

		p.Shutdown()
		wg.Wait()
	}
}

func TestPipeline_PersistFailureAllowsRedelivery(t *testing.T) {
	store := newFailStore()
	p := testPipeline(t, store)
	p.UpdatePolicies(policy.Build([]*models.Policy{ssnPolicy()}, testLogger()))

	store.setFail(true)
	ev := &models.Event{
		ID:         "flaky",
		SourceType: models.SourceFile,
		AgentID:    "agent-1",
		Content:    "SSN 123-45-6789",
	}
	if _, err := p.ProcessSync(context.Background(), ev); err == nil {
		t.Fatal("expected persistence error")
	}

	// The store recovers; the same id must not be rejected as a duplicate.
	store.setFail(false)
	redelivery := &models.Event{
		ID:         "flaky",
		SourceType: models.SourceFile,
		AgentID:    "agent-1",
		Content:    "SSN 123-45-6789",
	}
	if _, err := p.ProcessSync(context.Background(), redelivery); err != nil {
		t.Fatalf("redelivery after recovery: %v", err)
	}
	if store.events["flaky"] == nil {
		t.Error("redelivered event not persisted")
	}
	if len(store.summaries) != 1 {
		t.Errorf("summaries = %d, want 1", len(store.summaries))
	}
}

func TestPipeline_StoreFailureHaltsIntake(t *testing.T) {
	store := newFailStore()
	p := testPipeline(t, store)

	store.setFail(true)
	ev := &models.Event{ID: "down", SourceType: models.SourceFile, AgentID: "a", Content: "x"}
	if _, err := p.ProcessSync(context.Background(), ev); err == nil {
		t.Fatal("expected persistence error")
	}

	err := p.Submit(context.Background(), &models.Event{ID: "next", SourceType: models.SourceFile})
	if err == nil {
		t.Fatal("intake accepted while store is down")
	}

	// After the halt window intake resumes and the store is retried.
	p.storeFailedAt.Store(time.Now().Add(-2 * storeRetryAfter).UnixNano())
	if err := p.Submit(context.Background(), &models.Event{ID: "retry", SourceType: models.SourceFile}); err != nil {
		t.Fatalf("intake still halted after window: %v", err)
	}
}

func TestPipeline_MissingIDRejected(t *testing.T) {
	p := testPipeline(t, newMemStore())
	if err := p.Submit(context.Background(), &models.Event{}); err == nil {
		t.Error("event without id accepted")
	}
	if _, err := p.ProcessSync(context.Background(), nil); err == nil {
		t.Error("nil event accepted")
	}
}
