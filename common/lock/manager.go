package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/medialens/tweet-harvest-service/common/daterange"
)

const (
	// keyPrefix namespaces every range lock in the shared cache.
	keyPrefix = "LOCK_"
)

// Store is the key-value surface the manager needs from the remote
// cache. Satisfied by redis.RedisClient.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	DeleteAll(ctx context.Context, prefix string) (int64, error)
}

// lockValue is the opaque blob stored under a range key.
type lockValue struct {
	Timestamp int64 `json:"timestamp"`
}

// Manager provides date-range mutual exclusion on top of the store.
// It holds no state of its own; every lock lives remotely so that
// concurrent supervisors arbitrate through the same keys.
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager creates a range-lock manager with the given TTL. The TTL
// caps how long a crashed worker can hold a range hostage; it must
// exceed the worst-case crawl duration of a single sub-range.
func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		ttl:   ttl,
	}
}

// Key encodes (keyword, range) into the canonical lock key.
func Key(keyword string, r daterange.Range) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, keyword, r.StartString(), r.EndString())
}

// keywordPrefix returns the scan prefix covering every lock of keyword.
func keywordPrefix(keyword string) string {
	return keyPrefix + keyword + ":"
}

// decodeKey reads a range back out of a lock key. The keyword itself
// may contain colons, so the two date segments are taken from the
// right.
func decodeKey(key string) (daterange.Range, error) {
	trimmed := strings.TrimPrefix(key, keyPrefix)
	endIdx := strings.LastIndex(trimmed, ":")
	if endIdx < 0 {
		return daterange.Range{}, fmt.Errorf("malformed lock key %q", key)
	}
	startIdx := strings.LastIndex(trimmed[:endIdx], ":")
	if startIdx < 0 {
		return daterange.Range{}, fmt.Errorf("malformed lock key %q", key)
	}
	return daterange.Parse(trimmed[startIdx+1:endIdx], trimmed[endIdx+1:])
}

// Acquire takes the lock for (keyword, r). Returns false when another
// holder already owns a live lock for exactly this range.
func (m *Manager) Acquire(ctx context.Context, keyword string, r daterange.Range) (bool, error) {
	value, err := json.Marshal(lockValue{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return false, fmt.Errorf("encoding lock value: %w", err)
	}

	key := Key(keyword, r)
	ok, err := m.store.SetNX(ctx, key, value, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if ok {
		log.Debug().Str("key", key).Dur("ttl", m.ttl).Msg("Range lock acquired")
	}
	return ok, nil
}

// Release drops the lock for (keyword, r). Returns false when no live
// lock existed, which is not an error: TTL expiry races are expected.
func (m *Manager) Release(ctx context.Context, keyword string, r daterange.Range) (bool, error) {
	key := Key(keyword, r)
	ok, err := m.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", key, err)
	}
	log.Debug().Str("key", key).Bool("existed", ok).Msg("Range lock released")
	return ok, nil
}

// IsLocked reports whether a live lock exists for exactly (keyword, r).
func (m *Manager) IsLocked(ctx context.Context, keyword string, r daterange.Range) (bool, error) {
	ok, err := m.store.Exists(ctx, Key(keyword, r))
	if err != nil {
		return false, fmt.Errorf("checking lock for %s: %w", keyword, err)
	}
	return ok, nil
}

// Ranges enumerates every live locked range for the keyword, merged
// into a sorted, disjoint, non-adjacent set. Malformed keys are
// skipped with a warning rather than failing the enumeration.
func (m *Manager) Ranges(ctx context.Context, keyword string) ([]daterange.Range, error) {
	keys, err := m.store.ScanPrefix(ctx, keywordPrefix(keyword))
	if err != nil {
		return nil, fmt.Errorf("scanning locks for %q: %w", keyword, err)
	}

	ranges := lo.FilterMap(keys, func(key string, _ int) (daterange.Range, bool) {
		r, err := decodeKey(key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable lock key")
			return daterange.Range{}, false
		}
		return r, true
	})

	return daterange.Merge(ranges), nil
}

// Overlap intersects the live locked ranges of keyword with req and
// returns the clamped intersections, sorted ascending. An empty result
// means no locked range touches the requested window.
func (m *Manager) Overlap(ctx context.Context, keyword string, req daterange.Range) ([]daterange.Range, error) {
	merged, err := m.Ranges(ctx, keyword)
	if err != nil {
		return nil, err
	}

	var overlaps []daterange.Range
	for _, r := range merged {
		if clamped, ok := r.Clamp(req); ok {
			overlaps = append(overlaps, clamped)
		}
	}
	return overlaps, nil
}

// ReleaseAll atomically drops every lock held for the keyword and
// returns how many were removed.
func (m *Manager) ReleaseAll(ctx context.Context, keyword string) (int64, error) {
	n, err := m.store.DeleteAll(ctx, keywordPrefix(keyword))
	if err != nil {
		return 0, fmt.Errorf("releasing all locks for %q: %w", keyword, err)
	}
	if n > 0 {
		log.Info().Str("keyword", keyword).Int64("released", n).Msg("Released all range locks")
	}
	return n, nil
}

// TTL exposes the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
