// Package graph holds the authoritative living graph for one tenant:
// wallets, NFTs, specific and collection wants. Mutations are atomic,
// increment the tenant generation, and emit events on a bounded
// per-tenant channel consumed by the discovery pipeline.
package graph

import (
	"bytes"
	"sync"
	"time"

	"barterengine/internal/domain"
	"barterengine/internal/eventbus"
)

// Want names either one NFT or one collection. Exactly one field is set.
type Want struct {
	NFTID        string
	CollectionID string
}

// Graph is one tenant's mutable state. A single RWMutex guards the
// maps; wallet and NFT records are copy-on-write so a snapshot taken
// earlier is never mutated underneath its readers.
type Graph struct {
	tenantID string

	mu      sync.RWMutex
	gen     uint64
	wallets map[string]*domain.Wallet
	nfts    map[string]*domain.NFT
	// specificWanters: NFT id → wallets that want it by name.
	specificWanters map[string]map[string]struct{}
	// collectionWanters: collection id → wallets that want any of it.
	collectionWanters map[string]map[string]struct{}

	events chan eventbus.Event
}

// New creates an empty graph. queueSize bounds the event channel; a
// mutation that would not fit returns TenantBusy without touching state.
func New(tenantID string, queueSize int) *Graph {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Graph{
		tenantID:          tenantID,
		wallets:           make(map[string]*domain.Wallet),
		nfts:              make(map[string]*domain.NFT),
		specificWanters:   make(map[string]map[string]struct{}),
		collectionWanters: make(map[string]map[string]struct{}),
		events:            make(chan eventbus.Event, queueSize),
	}
}

// Events is the bounded per-tenant mutation feed.
func (g *Graph) Events() <-chan eventbus.Event { return g.events }

// Generation returns the tenant's monotonic mutation counter.
func (g *Graph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gen
}

// Counts reports wallet, NFT and want-edge totals for status queries.
func (g *Graph) Counts() (wallets, nfts, wants int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, w := range g.wallets {
		wants += len(w.WantedNFTs) + len(w.WantedCollections)
	}
	return len(g.wallets), len(g.nfts), wants
}

// AddNFT inserts or re-homes an NFT. When the NFT already exists under
// a different owner, the later submission wins: an implicit nft.removed
// for the prior owner is emitted first, then the nft.added carrying the
// prior owner. Returns the prior owner id ("" if none).
func (g *Graph) AddNFT(n domain.NFT) (string, error) {
	if n.ID == "" {
		return "", domain.Errf(domain.KindInvalidInput, "nft id is empty")
	}
	if n.OwnerID == "" {
		return "", domain.Errf(domain.KindInvalidInput, "nft %s has no owner", n.ID)
	}
	if n.Valuation != nil && n.Valuation.Amount < 0 {
		return "", domain.Errf(domain.KindInvalidInput, "nft %s has negative valuation", n.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	priorOwner := ""
	if prev, ok := g.nfts[n.ID]; ok {
		priorOwner = prev.OwnerID
		// Identical resubmission is a pure no-op: no event, no
		// generation bump, no duplicate notifications downstream.
		if prev.OwnerID == n.OwnerID && prev.CollectionID == n.CollectionID &&
			equalValuation(prev.Valuation, n.Valuation) &&
			bytes.Equal(prev.Metadata, n.Metadata) &&
			bytes.Equal(prev.PlatformData, n.PlatformData) {
			return priorOwner, nil
		}
	}
	needed := 1
	if priorOwner != "" && priorOwner != n.OwnerID {
		needed = 2
	}
	if err := g.roomLocked(needed); err != nil {
		return "", err
	}

	now := time.Now()
	n.UpdatedAt = now
	if n.Valuation != nil {
		v := *n.Valuation
		if v.Confidence < 0 {
			v.Confidence = 0
		}
		if v.Confidence > 1 {
			v.Confidence = 1
		}
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = now
		}
		n.Valuation = &v
	}

	if priorOwner != "" && priorOwner != n.OwnerID {
		g.detachOwnerLocked(priorOwner, n.ID, now)
	}

	owner := g.walletForWriteLocked(n.OwnerID, now)
	owner.OwnedNFTs[n.ID] = struct{}{}
	// Owning an NFT prunes any standing specific want for it.
	if _, wanted := owner.WantedNFTs[n.ID]; wanted {
		delete(owner.WantedNFTs, n.ID)
		g.removeWanterLocked(g.specificWanters, n.ID, owner.ID)
	}
	stored := n
	g.nfts[n.ID] = &stored

	if priorOwner != "" && priorOwner != n.OwnerID {
		g.emitLocked(eventbus.Event{
			Kind: eventbus.KindNFTRemoved, NFTID: n.ID, WalletID: priorOwner, CollectionID: n.CollectionID,
		})
	}
	g.emitLocked(eventbus.Event{
		Kind: eventbus.KindNFTAdded, NFTID: n.ID, WalletID: n.OwnerID, CollectionID: n.CollectionID, PriorOwner: priorOwner,
	})
	return priorOwner, nil
}

// RemoveNFT deletes an NFT. Unknown ids are a successful no-op. Want
// edges pointing at the NFT are retained; they may become satisfiable
// again later.
func (g *Graph) RemoveNFT(id string) error {
	if id == "" {
		return domain.Errf(domain.KindInvalidInput, "nft id is empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nfts[id]
	if !ok {
		return nil
	}
	if err := g.roomLocked(1); err != nil {
		return err
	}

	now := time.Now()
	g.detachOwnerLocked(n.OwnerID, id, now)
	delete(g.nfts, id)

	g.emitLocked(eventbus.Event{
		Kind: eventbus.KindNFTRemoved, NFTID: id, WalletID: n.OwnerID, CollectionID: n.CollectionID,
	})
	return nil
}

// AddWant records a specific or collection want. Wanting an NFT the
// wallet already owns is invalid input; a want the wallet already has
// is a silent no-op so resubmissions do not produce duplicate events.
func (g *Graph) AddWant(walletID string, w Want) error {
	if walletID == "" {
		return domain.Errf(domain.KindInvalidInput, "wallet id is empty")
	}
	if (w.NFTID == "") == (w.CollectionID == "") {
		return domain.Errf(domain.KindInvalidInput, "want must name exactly one of nft or collection")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if w.NFTID != "" {
		if n, ok := g.nfts[w.NFTID]; ok && n.OwnerID == walletID {
			return domain.Errf(domain.KindInvalidInput, "wallet %s already owns nft %s", walletID, w.NFTID)
		}
		if existing, ok := g.wallets[walletID]; ok {
			if _, dup := existing.WantedNFTs[w.NFTID]; dup {
				return nil
			}
		}
	} else {
		if existing, ok := g.wallets[walletID]; ok {
			if _, dup := existing.WantedCollections[w.CollectionID]; dup {
				return nil
			}
		}
	}
	if err := g.roomLocked(1); err != nil {
		return err
	}

	now := time.Now()
	wallet := g.walletForWriteLocked(walletID, now)
	if w.NFTID != "" {
		wallet.WantedNFTs[w.NFTID] = struct{}{}
		g.addWanterLocked(g.specificWanters, w.NFTID, walletID)
	} else {
		wallet.WantedCollections[w.CollectionID] = struct{}{}
		g.addWanterLocked(g.collectionWanters, w.CollectionID, walletID)
	}

	g.emitLocked(eventbus.Event{
		Kind: eventbus.KindWantAdded, WalletID: walletID, NFTID: w.NFTID, CollectionID: w.CollectionID,
	})
	return nil
}

// RemoveWant deletes a want edge. Absent wants are a successful no-op.
func (g *Graph) RemoveWant(walletID string, w Want) error {
	if walletID == "" {
		return domain.Errf(domain.KindInvalidInput, "wallet id is empty")
	}
	if (w.NFTID == "") == (w.CollectionID == "") {
		return domain.Errf(domain.KindInvalidInput, "want must name exactly one of nft or collection")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.wallets[walletID]
	if !ok {
		return nil
	}
	if w.NFTID != "" {
		if _, has := existing.WantedNFTs[w.NFTID]; !has {
			return nil
		}
	} else {
		if _, has := existing.WantedCollections[w.CollectionID]; !has {
			return nil
		}
	}
	if err := g.roomLocked(1); err != nil {
		return err
	}

	now := time.Now()
	wallet := g.walletForWriteLocked(walletID, now)
	if w.NFTID != "" {
		delete(wallet.WantedNFTs, w.NFTID)
		g.removeWanterLocked(g.specificWanters, w.NFTID, walletID)
	} else {
		delete(wallet.WantedCollections, w.CollectionID)
		g.removeWanterLocked(g.collectionWanters, w.CollectionID, walletID)
	}
	g.pruneWalletLocked(walletID)

	g.emitLocked(eventbus.Event{
		Kind: eventbus.KindWantRemoved, WalletID: walletID, NFTID: w.NFTID, CollectionID: w.CollectionID,
	})
	return nil
}

// RemoveWallet cascades through the wallet's wants and ownerships and
// deletes it. Unknown wallets are a successful no-op.
func (g *Graph) RemoveWallet(walletID string) error {
	if walletID == "" {
		return domain.Errf(domain.KindInvalidInput, "wallet id is empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	wallet, ok := g.wallets[walletID]
	if !ok {
		return nil
	}
	needed := len(wallet.OwnedNFTs) + len(wallet.WantedNFTs) + len(wallet.WantedCollections)
	if needed == 0 {
		needed = 1
	}
	if err := g.roomLocked(needed); err != nil {
		return err
	}

	for nftID := range wallet.WantedNFTs {
		g.removeWanterLocked(g.specificWanters, nftID, walletID)
		g.emitLocked(eventbus.Event{Kind: eventbus.KindWantRemoved, WalletID: walletID, NFTID: nftID})
	}
	for colID := range wallet.WantedCollections {
		g.removeWanterLocked(g.collectionWanters, colID, walletID)
		g.emitLocked(eventbus.Event{Kind: eventbus.KindWantRemoved, WalletID: walletID, CollectionID: colID})
	}
	for nftID := range wallet.OwnedNFTs {
		var colID string
		if n, ok := g.nfts[nftID]; ok {
			colID = n.CollectionID
		}
		delete(g.nfts, nftID)
		g.emitLocked(eventbus.Event{Kind: eventbus.KindNFTRemoved, WalletID: walletID, NFTID: nftID, CollectionID: colID})
	}
	delete(g.wallets, walletID)
	return nil
}

// EnqueueRediscover pushes an internal rediscovery event for the given
// wallets, used after stale-generation drops and panic recovery.
func (g *Graph) EnqueueRediscover(wallets []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.roomLocked(1); err != nil {
		return err
	}
	g.emitLocked(eventbus.Event{Kind: eventbus.KindRediscover, Data: wallets})
	return nil
}

// Backlog reports how many emitted events are waiting to be consumed.
func (g *Graph) Backlog() int { return len(g.events) }

// --- snapshot ---

// Snapshot is a point-in-time immutable view. The maps are copied; the
// referenced wallet and NFT records are copy-on-write and safe to share.
type Snapshot struct {
	Tenant            string
	Generation        uint64
	Wallets           map[string]*domain.Wallet
	NFTs              map[string]*domain.NFT
	SpecificWanters   map[string]map[string]struct{}
	CollectionWanters map[string]map[string]struct{}
}

// Snapshot captures the current graph state. The reader lock is held
// only long enough to copy the top-level index maps.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		Tenant:            g.tenantID,
		Generation:        g.gen,
		Wallets:           make(map[string]*domain.Wallet, len(g.wallets)),
		NFTs:              make(map[string]*domain.NFT, len(g.nfts)),
		SpecificWanters:   make(map[string]map[string]struct{}, len(g.specificWanters)),
		CollectionWanters: make(map[string]map[string]struct{}, len(g.collectionWanters)),
	}
	for id, w := range g.wallets {
		s.Wallets[id] = w
	}
	for id, n := range g.nfts {
		s.NFTs[id] = n
	}
	for id, set := range g.specificWanters {
		s.SpecificWanters[id] = set
	}
	for id, set := range g.collectionWanters {
		s.CollectionWanters[id] = set
	}
	return s
}

// Restore replaces the graph contents wholesale, used by persistence
// restore. No events are emitted and no rediscovery is scheduled.
func (g *Graph) Restore(gen uint64, wallets map[string]*domain.Wallet, nfts map[string]*domain.NFT) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen = gen
	g.wallets = wallets
	g.nfts = nfts
	g.specificWanters = make(map[string]map[string]struct{})
	g.collectionWanters = make(map[string]map[string]struct{})
	for id, w := range wallets {
		for nftID := range w.WantedNFTs {
			g.addWanterLocked(g.specificWanters, nftID, id)
		}
		for colID := range w.WantedCollections {
			g.addWanterLocked(g.collectionWanters, colID, id)
		}
	}
}

// --- internals (callers hold g.mu in write mode) ---

// roomLocked checks channel capacity before a mutation so the engine
// never applies state it cannot announce.
func (g *Graph) roomLocked(needed int) error {
	if cap(g.events)-len(g.events) < needed {
		return domain.Errf(domain.KindTenantBusy, "tenant %s event queue is full", g.tenantID)
	}
	return nil
}

// emitLocked advances the generation and publishes an event stamped
// with it. Every event carries a unique generation, so a consumer that
// has processed generation N has seen everything up to N. roomLocked
// reserved the space; senders are serialized by g.mu, so the send
// cannot block.
func (g *Graph) emitLocked(evt eventbus.Event) {
	g.gen++
	evt.Tenant = g.tenantID
	evt.Generation = g.gen
	evt.Timestamp = time.Now()
	g.events <- evt
}

// walletForWriteLocked returns a fresh clone of the wallet (creating it
// on first reference), installed in the map so in-flight snapshots keep
// the old record.
func (g *Graph) walletForWriteLocked(id string, now time.Time) *domain.Wallet {
	w, ok := g.wallets[id]
	if !ok {
		w = &domain.Wallet{
			ID:                id,
			OwnedNFTs:         make(map[string]struct{}),
			WantedNFTs:        make(map[string]struct{}),
			WantedCollections: make(map[string]struct{}),
		}
	} else {
		w = w.Clone()
	}
	w.LastActive = now
	g.wallets[id] = w
	return w
}

func (g *Graph) detachOwnerLocked(ownerID, nftID string, now time.Time) {
	if _, ok := g.wallets[ownerID]; !ok {
		return
	}
	w := g.walletForWriteLocked(ownerID, now)
	delete(w.OwnedNFTs, nftID)
	g.pruneWalletLocked(ownerID)
}

func (g *Graph) pruneWalletLocked(id string) {
	if w, ok := g.wallets[id]; ok && w.Empty() {
		delete(g.wallets, id)
	}
}

// addWanterLocked clone-and-replaces the wanter set so snapshots can
// share the old one.
func (g *Graph) addWanterLocked(index map[string]map[string]struct{}, key, walletID string) {
	next := make(map[string]struct{}, len(index[key])+1)
	for w := range index[key] {
		next[w] = struct{}{}
	}
	next[walletID] = struct{}{}
	index[key] = next
}

func equalValuation(a, b *domain.Valuation) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Amount == b.Amount && a.Currency == b.Currency && a.Confidence == b.Confidence
}

func (g *Graph) removeWanterLocked(index map[string]map[string]struct{}, key, walletID string) {
	old, ok := index[key]
	if !ok {
		return
	}
	next := make(map[string]struct{}, len(old))
	for w := range old {
		if w != walletID {
			next[w] = struct{}{}
		}
	}
	if len(next) == 0 {
		delete(index, key)
	} else {
		index[key] = next
	}
}
