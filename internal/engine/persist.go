package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"barterengine/internal/domain"
	"barterengine/internal/persistence"
)

// SerializeTenant captures the tenant's graph, configuration and active
// loop cache as versioned bytes. The worker is allowed to drain first
// so the snapshot is quiescent.
func (e *Engine) SerializeTenant(ctx context.Context, tenantID string) ([]byte, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, rt.tn.Config.DiscoveryTimeout)
	rt.waitIdle(waitCtx)
	cancel()

	snap := rt.graph.Snapshot()
	s := &persistence.TenantSnapshot{
		TenantID:   tenantID,
		Config:     rt.tn.Config,
		Generation: snap.Generation,
		TakenAt:    time.Now(),
		Loops:      rt.cache.Top(0),
	}

	walletIDs := make([]string, 0, len(snap.Wallets))
	for id := range snap.Wallets {
		walletIDs = append(walletIDs, id)
	}
	sort.Strings(walletIDs)
	for _, id := range walletIDs {
		s.Wallets = append(s.Wallets, snap.Wallets[id])
	}

	nftIDs := make([]string, 0, len(snap.NFTs))
	for id := range snap.NFTs {
		nftIDs = append(nftIDs, id)
	}
	sort.Strings(nftIDs)
	for _, id := range nftIDs {
		s.NFTs = append(s.NFTs, snap.NFTs[id])
	}

	return persistence.Encode(s)
}

// RestoreTenant rebuilds a tenant from serialized bytes: registry
// entry, graph contents, and cached loops, without recomputing
// discovery. Returns the tenant id and its freshly issued API key (the
// original key is not recoverable from a snapshot; only hashes are ever
// stored).
func (e *Engine) RestoreTenant(ctx context.Context, data []byte) (string, string, error) {
	s, err := persistence.Decode(data)
	if err != nil {
		return "", "", err
	}

	tn, apiKey, err := e.registry.Create(s.Config)
	if err != nil {
		return "", "", err
	}

	rt := e.newRuntime(tn)

	wallets := make(map[string]*domain.Wallet, len(s.Wallets))
	for _, w := range s.Wallets {
		wallets[w.ID] = w
	}
	nfts := make(map[string]*domain.NFT, len(s.NFTs))
	for _, n := range s.NFTs {
		nfts[n.ID] = n
	}
	rt.graph.Restore(s.Generation, wallets, nfts)
	rt.processed.Store(s.Generation)

	for _, l := range s.Loops {
		rt.cache.Insert(l)
	}

	e.mu.Lock()
	e.runtimes[tn.ID()] = rt
	e.mu.Unlock()
	rt.start()

	log.Printf("[engine] tenant %s restored (generation=%d, loops=%d)", tn.ID(), s.Generation, len(s.Loops))
	return tn.ID(), apiKey, nil
}

// SaveTenant serializes the tenant into the configured snapshot store.
func (e *Engine) SaveTenant(ctx context.Context, tenantID string) error {
	if e.snapshots == nil {
		return domain.Errf(domain.KindInvalidInput, "no snapshot store configured")
	}
	data, err := e.SerializeTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return e.snapshots.Save(ctx, tenantID, data)
}

// RestoreTenantFromStore lazily loads a tenant's persisted snapshot.
// The load runs at most once per tenant id for the engine's lifetime,
// no matter how many callers race here.
func (e *Engine) RestoreTenantFromStore(ctx context.Context, tenantID string) error {
	if e.snapshots == nil {
		return domain.Errf(domain.KindInvalidInput, "no snapshot store configured")
	}

	e.restoreMu.Lock()
	once, ok := e.restoreOnce[tenantID]
	if !ok {
		once = &sync.Once{}
		e.restoreOnce[tenantID] = once
	}
	e.restoreMu.Unlock()

	var restoreErr error
	once.Do(func() {
		data, err := e.snapshots.Load(ctx, tenantID)
		if err != nil {
			restoreErr = err
			return
		}
		_, _, restoreErr = e.RestoreTenant(ctx, data)
	})
	return restoreErr
}
