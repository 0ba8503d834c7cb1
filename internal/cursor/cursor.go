// Package cursor tracks per-source incremental polling state. A cursor only
// moves forward, and a bounded seen-id window rejects exact re-deliveries
// independent of the timestamp.
package cursor

import (
	"context"
	"sync"
	"time"

	"github.com/guardline/dlp/internal/models"
)

// DefaultSeenWindow bounds the per-source seen-id index.
const DefaultSeenWindow = 4096

// Store persists per-source cursors. Implementations must serialize updates
// per source; the pipeline relies on a single in-flight poll per source.
type Store interface {
	// Get returns the cursor for sourceID, state UNINITIALIZED when the
	// source has never completed a poll.
	Get(ctx context.Context, sourceID string) (*models.SourceCursor, error)

	// Advance moves the cursor to ts if ts is later than the stored value
	// and transitions UNINITIALIZED sources to ACTIVE. It reports the
	// timestamp actually stored.
	Advance(ctx context.Context, sourceID string, ts time.Time) (time.Time, error)

	// Seen records id in the source's bounded window and reports whether it
	// was already present.
	Seen(ctx context.Context, sourceID, id string) (bool, error)

	// Forget evicts id from the window so a redelivery is accepted again.
	// The pipeline uses it when an event failed to persist after its id
	// was recorded.
	Forget(ctx context.Context, sourceID, id string) error
}

// seenWindow is a FIFO set with a fixed capacity.
type seenWindow struct {
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenWindow(capacity int) *seenWindow {
	if capacity <= 0 {
		capacity = DefaultSeenWindow
	}
	return &seenWindow{ids: make(map[string]struct{}), cap: capacity}
}

// add records id and reports whether it was already present. The oldest id
// is evicted once the window is full.
func (w *seenWindow) add(id string) bool {
	if _, ok := w.ids[id]; ok {
		return true
	}
	w.ids[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.cap {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.ids, oldest)
	}
	return false
}

// remove evicts id, keeping the FIFO order consistent.
func (w *seenWindow) remove(id string) {
	if _, ok := w.ids[id]; !ok {
		return
	}
	delete(w.ids, id)
	for i, candidate := range w.order {
		if candidate == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

type sourceState struct {
	mu     sync.Mutex
	cursor models.SourceCursor
	seen   *seenWindow
}

// MemoryStore keeps cursors in process memory. Suitable for single-node
// deployments and tests; the Redis store survives restarts.
type MemoryStore struct {
	mu         sync.Mutex
	sources    map[string]*sourceState
	seenWindow int
}

func NewMemoryStore(seenWindow int) *MemoryStore {
	if seenWindow <= 0 {
		seenWindow = DefaultSeenWindow
	}
	return &MemoryStore{
		sources:    make(map[string]*sourceState),
		seenWindow: seenWindow,
	}
}

func (m *MemoryStore) state(sourceID string) *sourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[sourceID]
	if !ok {
		st = &sourceState{
			cursor: models.SourceCursor{SourceID: sourceID, State: models.CursorUninitialized},
			seen:   newSeenWindow(m.seenWindow),
		}
		m.sources[sourceID] = st
	}
	return st
}

func (m *MemoryStore) Get(_ context.Context, sourceID string) (*models.SourceCursor, error) {
	st := m.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	c := st.cursor
	return &c, nil
}

func (m *MemoryStore) Advance(_ context.Context, sourceID string, ts time.Time) (time.Time, error) {
	st := m.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if ts.After(st.cursor.LastSeen) {
		st.cursor.LastSeen = ts
	}
	st.cursor.State = models.CursorActive
	return st.cursor.LastSeen, nil
}

func (m *MemoryStore) Seen(_ context.Context, sourceID, id string) (bool, error) {
	st := m.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seen.add(id), nil
}

func (m *MemoryStore) Forget(_ context.Context, sourceID, id string) error {
	st := m.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seen.remove(id)
	return nil
}
