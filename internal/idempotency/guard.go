package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/support"
)

// ErrConflict is returned when an idempotency key is reused with a different
// request hash.
var ErrConflict = errors.New("idempotency key conflict: request hash mismatch")

// Replay is a stored response returned instead of recomputing.
type Replay struct {
	RunID       string
	RequestHash string
	ResultJSON  json.RawMessage
}

// Store is the slice of the supportability port the guard needs.
type Store interface {
	GetIdempotencyByKey(ctx context.Context, key string) (*support.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, rec *support.IdempotencyRecord) error
	AppendIdempotencyHistory(ctx context.Context, rec *support.IdempotencyRecord) error
	GetRun(ctx context.Context, runID string) (*support.RunRecord, error)
}

// Guard combines the LRU cache with the persistent mapping. With replay
// disabled it still appends history but never short-circuits a request and
// never raises conflicts.
type Guard struct {
	cache         *Cache
	store         Store
	replayEnabled bool
	log           zerolog.Logger
}

// NewGuard wires the guard. cacheSize <= 0 uses DefaultMaxSize.
func NewGuard(store Store, cacheSize int, replayEnabled bool, log zerolog.Logger) *Guard {
	return &Guard{
		cache:         NewCache(cacheSize),
		store:         store,
		replayEnabled: replayEnabled,
		log:           log.With().Str("service", "idempotency").Logger(),
	}
}

// ReplayEnabled reports the guard's configured default.
func (g *Guard) ReplayEnabled() bool { return g.replayEnabled }

// Lookup checks key against the cache and the store. It returns a Replay when
// the same request was already answered, ErrConflict when the key is bound to
// a different request hash, and (nil, nil) when the request should compute.
func (g *Guard) Lookup(ctx context.Context, key, requestHash string) (*Replay, error) {
	return g.LookupWithReplay(ctx, key, requestHash, g.replayEnabled)
}

// LookupWithReplay is Lookup with a per-request replay setting, used when a
// policy pack overrides the configured default.
func (g *Guard) LookupWithReplay(ctx context.Context, key, requestHash string, replayEnabled bool) (*Replay, error) {
	if key == "" || !replayEnabled {
		return nil, nil
	}

	if entry, ok := g.cache.Get(key); ok {
		if entry.RequestHash != requestHash {
			return nil, fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		g.log.Debug().Str("idempotency_key", key).Str("run_id", entry.RunID).Msg("idempotency replay from cache")
		return &Replay{RunID: entry.RunID, RequestHash: entry.RequestHash, ResultJSON: entry.ResultJSON}, nil
	}

	rec, err := g.store.GetIdempotencyByKey(ctx, key)
	if errors.Is(err, support.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.RequestHash != requestHash {
		return nil, fmt.Errorf("%w: key %s", ErrConflict, key)
	}

	run, err := g.store.GetRun(ctx, rec.RunID)
	if errors.Is(err, support.ErrNotFound) {
		// Mapping survived a run purge; recompute.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency replay load: %w", err)
	}

	g.cache.Put(&Entry{Key: key, RequestHash: rec.RequestHash, RunID: rec.RunID, ResultJSON: run.ResultJSON})
	g.log.Debug().Str("idempotency_key", key).Str("run_id", rec.RunID).Msg("idempotency replay from store")
	return &Replay{RunID: rec.RunID, RequestHash: rec.RequestHash, ResultJSON: run.ResultJSON}, nil
}

// Record persists the key → run mapping after a computed response: current
// mapping upsert, history append, cache fill. History is written even when
// replay is disabled.
func (g *Guard) Record(ctx context.Context, key, requestHash, runID string, resultJSON json.RawMessage) error {
	if key == "" {
		return nil
	}
	rec := &support.IdempotencyRecord{Key: key, RequestHash: requestHash, RunID: runID}
	if err := g.store.SaveIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("save idempotency mapping: %w", err)
	}
	if err := g.store.AppendIdempotencyHistory(ctx, rec); err != nil {
		return fmt.Errorf("append idempotency history: %w", err)
	}
	if g.replayEnabled {
		g.cache.Put(&Entry{Key: key, RequestHash: requestHash, RunID: runID, ResultJSON: resultJSON})
	}
	return nil
}
