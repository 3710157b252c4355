package recovery

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// FailureWindow counts failures per key inside a trailing window. Attempt
// bounding reads the count including the current failure.
type FailureWindow interface {
	// Add records one failure at the given instant and returns how many
	// failures the window now holds for the key.
	Add(ctx context.Context, key string, at time.Time) (int, error)
	Count(ctx context.Context, key string, now time.Time) (int, error)
	Reset(ctx context.Context, key string) error
}

type memoryWindow struct {
	span time.Duration
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryWindow keeps failure timestamps in process memory.
func NewMemoryWindow(span time.Duration) FailureWindow {
	if span <= 0 {
		span = time.Hour
	}
	return &memoryWindow{span: span, hits: make(map[string][]time.Time)}
}

func (w *memoryWindow) Add(ctx context.Context, key string, at time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.prune(key, at)
	kept = append(kept, at)
	w.hits[key] = kept
	return len(kept), nil
}

func (w *memoryWindow) Count(ctx context.Context, key string, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.prune(key, now)
	w.hits[key] = kept
	return len(kept), nil
}

func (w *memoryWindow) Reset(ctx context.Context, key string) error {
	w.mu.Lock()
	delete(w.hits, key)
	w.mu.Unlock()
	return nil
}

func (w *memoryWindow) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.span)
	var kept []time.Time
	for _, at := range w.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

type redisWindow struct {
	client redis.UniversalClient
	span   time.Duration
	prefix string
}

// NewRedisWindow keeps failure timestamps in a redis sorted set per key, so
// attempt bounding survives coordinator restarts and is shared between
// replicas.
func NewRedisWindow(client redis.UniversalClient, span time.Duration) FailureWindow {
	if span <= 0 {
		span = time.Hour
	}
	return &redisWindow{client: client, span: span, prefix: "recovery:window:"}
}

func (w *redisWindow) Add(ctx context.Context, key string, at time.Time) (int, error) {
	rkey := w.prefix + key
	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(at.Add(-w.span).UnixMilli(), 10))
	card := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, w.span)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, coorderr.Wrap(err, coorderr.CategoryDatabase, coorderr.CodeInternal, "record failure for "+key)
	}
	return int(card.Val()), nil
}

func (w *redisWindow) Count(ctx context.Context, key string, now time.Time) (int, error) {
	rkey := w.prefix + key
	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(now.Add(-w.span).UnixMilli(), 10))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, coorderr.Wrap(err, coorderr.CategoryDatabase, coorderr.CodeInternal, "count failures for "+key)
	}
	return int(card.Val()), nil
}

func (w *redisWindow) Reset(ctx context.Context, key string) error {
	if err := w.client.Del(ctx, w.prefix+key).Err(); err != nil {
		return coorderr.Wrap(err, coorderr.CategoryDatabase, coorderr.CodeInternal, "reset failures for "+key)
	}
	return nil
}
