// Package inference decides whether a scan means check-in or check-out. The
// decision is a pure function over the recent-history cache, which keeps the
// last known action per (qr code, event) pair within the lookback window.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/example/checkin-scanner/internal/persistence"
)

// HistoryStore is the durable backing for the cache. The SQLite history
// repository satisfies it.
type HistoryStore interface {
	UpsertHistory(ctx context.Context, entry persistence.HistoryEntry) (persistence.HistoryEntry, error)
	LatestHistory(ctx context.Context, qrCodeID, eventID string) (persistence.HistoryEntry, error)
	HistorySince(ctx context.Context, cutoff time.Time) ([]persistence.HistoryEntry, error)
	DeleteHistoryEntry(ctx context.Context, qrCodeID, eventID, recordID string) error
}

type pairKey struct {
	QRCodeID string
	EventID  string
}

// HistoryCache is the shared recent-history structure: a bounded in-memory
// read layer over the durable store. Inference reads it, the scan session
// writes optimistic entries, and the sync coordinator overwrites them with
// server-confirmed ones. All writes merge through the last-writer-wins rule.
type HistoryCache struct {
	mu      sync.Mutex
	entries *expirable.LRU[pairKey, persistence.HistoryEntry]
	store   HistoryStore
}

// NewHistoryCache builds a cache holding at most capacity pairs, each expiring
// ttl after the last write. store may be nil for a purely in-memory cache.
func NewHistoryCache(store HistoryStore, capacity int, ttl time.Duration) *HistoryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &HistoryCache{
		entries: expirable.NewLRU[pairKey, persistence.HistoryEntry](capacity, nil, ttl),
		store:   store,
	}
}

// Record merges an entry into the cache and the durable store, returning the
// entry that won the merge.
func (c *HistoryCache) Record(ctx context.Context, entry persistence.HistoryEntry) (persistence.HistoryEntry, error) {
	winner := entry

	if c.store != nil {
		stored, err := c.store.UpsertHistory(ctx, entry)
		if err != nil {
			return persistence.HistoryEntry{}, fmt.Errorf("failed to persist history entry: %w", err)
		}
		winner = stored
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{QRCodeID: winner.QRCodeID, EventID: winner.EventID}
	if current, ok := c.entries.Get(key); ok && c.store == nil {
		if !persistence.Supersedes(entry, current) {
			return current, nil
		}
	}
	c.entries.Add(key, winner)

	return winner, nil
}

// Invalidate withdraws the optimistic entry a record wrote, in memory and in
// the durable store. The entry survives if the server already confirmed it or
// a later scan of the pair replaced it, so only the failed record's own write
// is undone.
func (c *HistoryCache) Invalidate(ctx context.Context, qrCodeID, eventID, recordID string) error {
	if c.store != nil {
		if err := c.store.DeleteHistoryEntry(ctx, qrCodeID, eventID, recordID); err != nil {
			return fmt.Errorf("failed to invalidate history entry: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{QRCodeID: qrCodeID, EventID: eventID}
	if entry, ok := c.entries.Get(key); ok &&
		entry.RecordID == recordID && entry.Source == persistence.SourceOptimistic {
		c.entries.Remove(key)
	}
	return nil
}

// Latest returns the most recent entry for a pair. It falls back to the
// durable store on a miss so a restart does not blind the inference engine.
func (c *HistoryCache) Latest(ctx context.Context, qrCodeID, eventID string) (persistence.HistoryEntry, bool, error) {
	key := pairKey{QRCodeID: qrCodeID, EventID: eventID}

	c.mu.Lock()
	entry, ok := c.entries.Get(key)
	c.mu.Unlock()
	if ok {
		return entry, true, nil
	}

	if c.store == nil {
		return persistence.HistoryEntry{}, false, nil
	}

	entry, err := c.store.LatestHistory(ctx, qrCodeID, eventID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.HistoryEntry{}, false, nil
		}
		return persistence.HistoryEntry{}, false, fmt.Errorf("failed to read history: %w", err)
	}

	c.mu.Lock()
	c.entries.Add(key, entry)
	c.mu.Unlock()

	return entry, true, nil
}

// Warm preloads the in-memory layer from the durable store.
func (c *HistoryCache) Warm(ctx context.Context, cutoff time.Time) error {
	if c.store == nil {
		return nil
	}

	entries, err := c.store.HistorySince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to warm history cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		c.entries.Add(pairKey{QRCodeID: entry.QRCodeID, EventID: entry.EventID}, entry)
	}

	return nil
}

// Len reports the number of pairs currently held in memory.
func (c *HistoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
