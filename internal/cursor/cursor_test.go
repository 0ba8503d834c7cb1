package cursor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guardline/dlp/internal/models"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	c, err := s.Get(ctx, "gdrive-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.State != models.CursorUninitialized {
		t.Fatalf("fresh cursor state = %s", c.State)
	}

	baseline := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.Advance(ctx, "gdrive-1", baseline); err != nil {
		t.Fatal(err)
	}

	c, _ = s.Get(ctx, "gdrive-1")
	if c.State != models.CursorActive {
		t.Errorf("state after first advance = %s", c.State)
	}
	if !c.LastSeen.Equal(baseline) {
		t.Errorf("last_seen = %v", c.LastSeen)
	}
}

func TestMemoryStore_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	later := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	s.Advance(ctx, "src", later)
	got, err := s.Advance(ctx, "src", earlier)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(later) {
		t.Errorf("cursor moved backward to %v", got)
	}

	c, _ := s.Get(ctx, "src")
	if !c.LastSeen.Equal(later) {
		t.Errorf("stored cursor = %v", c.LastSeen)
	}
}

func TestMemoryStore_SeenWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	if seen, _ := s.Seen(ctx, "src", "a"); seen {
		t.Error("first sighting reported as seen")
	}
	if seen, _ := s.Seen(ctx, "src", "a"); !seen {
		t.Error("repeat not detected")
	}

	// Push the window past capacity; "a" should be evicted.
	s.Seen(ctx, "src", "b")
	s.Seen(ctx, "src", "c")
	s.Seen(ctx, "src", "d")

	if seen, _ := s.Seen(ctx, "src", "a"); seen {
		t.Error("evicted id still reported as seen")
	}
	if seen, _ := s.Seen(ctx, "src", "d"); !seen {
		t.Error("recent id lost from window")
	}
}

func TestMemoryStore_Forget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	s.Seen(ctx, "src", "a")
	s.Seen(ctx, "src", "b")
	if err := s.Forget(ctx, "src", "a"); err != nil {
		t.Fatal(err)
	}

	if seen, _ := s.Seen(ctx, "src", "a"); seen {
		t.Error("forgotten id still reported as seen")
	}
	if seen, _ := s.Seen(ctx, "src", "b"); !seen {
		t.Error("unrelated id lost from window")
	}

	// Forget frees a slot; the window should hold b, a, c without
	// evicting b early.
	s.Seen(ctx, "src", "c")
	if seen, _ := s.Seen(ctx, "src", "b"); !seen {
		t.Error("window evicted early after forget")
	}

	// Forgetting an unknown id or source is a no-op.
	if err := s.Forget(ctx, "src", "nope"); err != nil {
		t.Fatal(err)
	}
	if err := s.Forget(ctx, "other", "a"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_SourcesIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	ts := time.Now().UTC()
	s.Advance(ctx, "one", ts)

	c, _ := s.Get(ctx, "two")
	if c.State != models.CursorUninitialized {
		t.Error("sources share state")
	}

	s.Seen(ctx, "one", "x")
	if seen, _ := s.Seen(ctx, "two", "x"); seen {
		t.Error("seen window shared across sources")
	}
}

func TestMemoryStore_ConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Advance(ctx, "src", base.Add(time.Duration(n)*time.Second))
		}(i)
	}
	wg.Wait()

	c, _ := s.Get(ctx, "src")
	if !c.LastSeen.Equal(base.Add(49 * time.Second)) {
		t.Errorf("cursor = %v, want max of all writes", c.LastSeen)
	}
}

func TestMemoryStore_ConcurrentSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(128)

	var wg sync.WaitGroup
	dupes := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			seen, _ := s.Seen(ctx, "src", fmt.Sprintf("id-%d", n%10))
			dupes <- seen
		}(i)
	}
	wg.Wait()
	close(dupes)

	fresh := 0
	for seen := range dupes {
		if !seen {
			fresh++
		}
	}
	// 10 distinct ids, each must be fresh exactly once.
	if fresh != 10 {
		t.Errorf("fresh sightings = %d, want 10", fresh)
	}
}
