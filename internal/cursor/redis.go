package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardline/dlp/internal/models"
)

const (
	cursorKeyPrefix = "dlp:cursor:"
	seenKeyPrefix   = "dlp:seen:"
)

// RedisStore persists cursors in Redis so polling state survives restarts.
// Per-source serialization still happens in process; Redis is the durable
// copy, not the lock.
type RedisStore struct {
	client     *redis.Client
	seenWindow int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRedisStore(client *redis.Client, seenWindow int) *RedisStore {
	if seenWindow <= 0 {
		seenWindow = DefaultSeenWindow
	}
	return &RedisStore{
		client:     client,
		seenWindow: seenWindow,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (r *RedisStore) lock(sourceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sourceID] = l
	}
	return l
}

func (r *RedisStore) Get(ctx context.Context, sourceID string) (*models.SourceCursor, error) {
	val, err := r.client.Get(ctx, cursorKeyPrefix+sourceID).Result()
	if err == redis.Nil {
		return &models.SourceCursor{SourceID: sourceID, State: models.CursorUninitialized}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cursor for %s: %w", sourceID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("corrupt cursor for %s: %w", sourceID, err)
	}

	return &models.SourceCursor{
		SourceID: sourceID,
		State:    models.CursorActive,
		LastSeen: ts,
	}, nil
}

func (r *RedisStore) Advance(ctx context.Context, sourceID string, ts time.Time) (time.Time, error) {
	l := r.lock(sourceID)
	l.Lock()
	defer l.Unlock()

	current, err := r.Get(ctx, sourceID)
	if err != nil {
		return time.Time{}, err
	}

	stored := current.LastSeen
	if ts.After(stored) {
		stored = ts
		if err := r.client.Set(ctx, cursorKeyPrefix+sourceID, stored.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
			return time.Time{}, fmt.Errorf("advancing cursor for %s: %w", sourceID, err)
		}
	} else if current.State == models.CursorUninitialized {
		// First successful poll records the baseline even when ts is zero.
		if err := r.client.Set(ctx, cursorKeyPrefix+sourceID, stored.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
			return time.Time{}, fmt.Errorf("initializing cursor for %s: %w", sourceID, err)
		}
	}

	return stored, nil
}

// Seen uses a capped Redis list plus set membership per source.
func (r *RedisStore) Seen(ctx context.Context, sourceID, id string) (bool, error) {
	setKey := seenKeyPrefix + sourceID + ":set"
	listKey := seenKeyPrefix + sourceID + ":order"

	added, err := r.client.SAdd(ctx, setKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("recording seen id for %s: %w", sourceID, err)
	}
	if added == 0 {
		return true, nil
	}

	if err := r.client.RPush(ctx, listKey, id).Err(); err != nil {
		return false, fmt.Errorf("recording seen order for %s: %w", sourceID, err)
	}

	length, err := r.client.LLen(ctx, listKey).Result()
	if err != nil {
		return false, err
	}
	for length > int64(r.seenWindow) {
		oldest, err := r.client.LPop(ctx, listKey).Result()
		if err != nil {
			break
		}
		r.client.SRem(ctx, setKey, oldest)
		length--
	}

	return false, nil
}

func (r *RedisStore) Forget(ctx context.Context, sourceID, id string) error {
	setKey := seenKeyPrefix + sourceID + ":set"
	listKey := seenKeyPrefix + sourceID + ":order"

	if err := r.client.SRem(ctx, setKey, id).Err(); err != nil {
		return fmt.Errorf("forgetting seen id for %s: %w", sourceID, err)
	}
	if err := r.client.LRem(ctx, listKey, 1, id).Err(); err != nil {
		return fmt.Errorf("forgetting seen order for %s: %w", sourceID, err)
	}
	return nil
}
