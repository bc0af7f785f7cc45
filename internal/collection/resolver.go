// Package collection resolves collection identifiers to their member
// NFTs. The mapping is provided by external collaborators and cached in
// a shared TTL+LRU structure; the resolver is the only component that
// knows collection membership, so the algorithms above it only ever see
// wanters-per-NFT.
package collection

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Source supplies collection membership on cache misses. Implementations
// are external collaborators (an indexer, a marketplace API, a static
// table).
type Source interface {
	// ResolveCollection returns the NFT ids belonging to the collection.
	ResolveCollection(ctx context.Context, collectionID string) ([]string, error)
}

// StaticSource is an in-memory Source for tests and for tenants that
// push membership explicitly.
type StaticSource struct {
	mu   sync.RWMutex
	byID map[string][]string
}

func NewStaticSource() *StaticSource {
	return &StaticSource{byID: make(map[string][]string)}
}

// Set replaces the membership of one collection.
func (s *StaticSource) Set(collectionID string, nftIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[collectionID] = append([]string(nil), nftIDs...)
}

func (s *StaticSource) ResolveCollection(_ context.Context, collectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byID[collectionID]...), nil
}

// Resolver is the shared, read-mostly collection cache. One instance
// serves every tenant; entries are tenant-opaque collection→NFT lists.
type Resolver struct {
	source Source
	cache  *lru.LRU[string, []string]
	group  singleflight.Group

	mu      sync.RWMutex
	enabled bool
}

// NewResolver builds a resolver with an LRU of maxEntries entries, each
// expiring after ttl.
func NewResolver(source Source, maxEntries int, ttl time.Duration) *Resolver {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Resolver{
		source:  source,
		cache:   lru.NewLRU[string, []string](maxEntries, nil, ttl),
		enabled: true,
	}
}

// SetEnabled flips the collection-want feature. When disabled, NFTs
// resolves to nothing and collection paths short-circuit.
func (r *Resolver) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Enabled reports the feature flag.
func (r *Resolver) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// NFTs returns the members of a collection, serving from cache when
// fresh. Concurrent misses for the same collection collapse into one
// source call.
func (r *Resolver) NFTs(ctx context.Context, collectionID string) ([]string, error) {
	if !r.Enabled() {
		return nil, nil
	}
	if members, ok := r.cache.Get(collectionID); ok {
		return members, nil
	}

	v, err, _ := r.group.Do(collectionID, func() (interface{}, error) {
		if members, ok := r.cache.Get(collectionID); ok {
			return members, nil
		}
		members, err := r.source.ResolveCollection(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		r.cache.Add(collectionID, members)
		return members, nil
	})
	if err != nil {
		log.Printf("[collection] resolve %s failed: %v", collectionID, err)
		return nil, err
	}
	return v.([]string), nil
}

// Invalidate drops one collection from the cache, e.g. after the
// external collaborator updates membership.
func (r *Resolver) Invalidate(collectionID string) {
	r.cache.Remove(collectionID)
}
