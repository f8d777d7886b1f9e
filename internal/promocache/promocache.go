// Package promocache wraps a promotion repository with a read-through TTL
// cache and an optional bloom filter of known codes. The bloom filter lets
// the hot calculate path reject made-up codes without touching the database;
// it is built offline by cmd/promo-ingest.
package promocache

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"

	"github.com/shoply/promo-engine/internal/promotion"
)

type cacheEntry struct {
	promo     *promotion.Promotion
	found     bool
	expiresAt time.Time
}

// CachedRepository decorates a promotion.Repository with TTL-cached code and
// ID lookups. Misses are cached too (negative caching), bounded by the same
// TTL. ListByProduct is passed through uncached because its result set is
// usability-sensitive.
//
// Cached rules can be stale for up to the TTL after an admin edit; the usage
// cap is unaffected because cap counts always come from the ledger.
type CachedRepository struct {
	inner  promotion.Repository
	ttl    time.Duration
	filter *bloom.BloomFilter // nil disables the code filter

	mu     sync.RWMutex
	byID   map[string]cacheEntry
	byCode map[string]cacheEntry

	now func() time.Time
}

var _ promotion.Repository = (*CachedRepository)(nil)

// New creates a CachedRepository around inner. A non-positive ttl disables
// expiry checks in practice by caching for a nanosecond only.
func New(inner promotion.Repository, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return &CachedRepository{
		inner:  inner,
		ttl:    ttl,
		byID:   make(map[string]cacheEntry),
		byCode: make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// WithFilter attaches a bloom filter of known promotion codes. Codes the
// filter rejects are reported as absent without consulting the inner
// repository. False positives fall through to a normal lookup.
func (r *CachedRepository) WithFilter(filter *bloom.BloomFilter) *CachedRepository {
	r.filter = filter
	return r
}

// LoadFilter reads a bloom filter previously written by cmd/promo-ingest.
func LoadFilter(path string) (*bloom.BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open filter file")
	}
	defer f.Close()

	var filter bloom.BloomFilter
	if _, err := filter.ReadFrom(f); err != nil {
		return nil, errors.Wrap(err, "read filter")
	}
	return &filter, nil
}

// FindByID looks up a promotion by ID, serving from cache when fresh.
func (r *CachedRepository) FindByID(ctx context.Context, id string) (*promotion.Promotion, bool, error) {
	if p, found, ok := r.cached(r.byID, id); ok {
		return p, found, nil
	}

	p, found, err := r.inner.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	r.store(r.byID, id, p, found)
	return p, found, nil
}

// FindByCode looks up a promotion by code. Codes are normalized to upper case
// for both the cache key and the bloom filter, matching the repository's
// case-insensitive lookup.
func (r *CachedRepository) FindByCode(ctx context.Context, code string) (*promotion.Promotion, bool, error) {
	key := strings.ToUpper(code)

	if r.filter != nil && !r.filter.TestString(key) {
		return nil, false, nil
	}
	if p, found, ok := r.cached(r.byCode, key); ok {
		return p, found, nil
	}

	p, found, err := r.inner.FindByCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	r.store(r.byCode, key, p, found)
	return p, found, nil
}

// ListByProduct delegates to the inner repository.
func (r *CachedRepository) ListByProduct(ctx context.Context, productID string) ([]promotion.Promotion, error) {
	return r.inner.ListByProduct(ctx, productID)
}

func (r *CachedRepository) cached(m map[string]cacheEntry, key string) (*promotion.Promotion, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := m[key]
	if !ok || r.now().After(e.expiresAt) {
		return nil, false, false
	}
	return e.promo, e.found, true
}

func (r *CachedRepository) store(m map[string]cacheEntry, key string, p *promotion.Promotion, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m[key] = cacheEntry{
		promo:     p,
		found:     found,
		expiresAt: r.now().Add(r.ttl),
	}
}
