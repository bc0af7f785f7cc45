// Package delta turns one graph event into the affected community: the
// bounded subgraph whose loops could have changed. Discovery only
// re-examines that community; everything else keeps its cached loops.
package delta

import (
	"context"
	"sync/atomic"

	"barterengine/internal/eventbus"
	"barterengine/internal/unifiedview"
)

// Affected is the community around one event.
type Affected struct {
	Wallets map[string]struct{}
	NFTs    map[string]struct{}
	// Broad marks that the closure exceeded the size limit and the
	// detector degraded to a full-graph pass.
	Broad bool
}

// Detector computes affected communities. One instance per tenant.
type Detector struct {
	maxDepth         int
	maxCommunitySize int
	broad            atomic.Int64
}

func New(maxDepth, maxCommunitySize int) *Detector {
	return &Detector{maxDepth: maxDepth, maxCommunitySize: maxCommunitySize}
}

// BroadInvalidations counts how often the detector fell back to a
// full-graph pass; surfaced by tenant status.
func (d *Detector) BroadInvalidations() int64 { return d.broad.Load() }

// Affected computes the community for evt against the snapshot view.
// adj is the trade adjacency already built for the same snapshot.
func (d *Detector) Affected(ctx context.Context, evt eventbus.Event, view *unifiedview.View, adj map[string][]string) Affected {
	out := Affected{
		Wallets: make(map[string]struct{}),
		NFTs:    make(map[string]struct{}),
	}

	seeds := d.seeds(ctx, evt, view)
	if evt.Kind == eventbus.KindRediscover && len(seeds) == 0 {
		// Full rediscovery requested.
		d.degrade(&out, view, adj)
		return out
	}

	// Bounded closure: BFS over the undirected trade adjacency.
	reverse := make(map[string][]string, len(adj))
	for from, tos := range adj {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}

	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, seen := out.Wallets[s]; !seen {
			out.Wallets[s] = struct{}{}
			frontier = append(frontier, s)
		}
	}
	for depth := 0; depth < d.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, w := range frontier {
			for _, n := range adj[w] {
				if _, seen := out.Wallets[n]; !seen {
					out.Wallets[n] = struct{}{}
					next = append(next, n)
				}
			}
			for _, n := range reverse[w] {
				if _, seen := out.Wallets[n]; !seen {
					out.Wallets[n] = struct{}{}
					next = append(next, n)
				}
			}
		}
		if d.maxCommunitySize > 0 && len(out.Wallets) > d.maxCommunitySize {
			d.broad.Add(1)
			d.degrade(&out, view, adj)
			return out
		}
		frontier = next
	}

	d.collectNFTs(&out, view, evt)
	return out
}

// seeds picks the starting wallets per the event kind.
func (d *Detector) seeds(ctx context.Context, evt eventbus.Event, view *unifiedview.View) []string {
	var seeds []string
	add := func(w string) {
		if w != "" {
			seeds = append(seeds, w)
		}
	}

	switch evt.Kind {
	case eventbus.KindNFTAdded, eventbus.KindNFTRemoved:
		add(evt.WalletID)
		add(evt.PriorOwner)
		if owner, ok := view.Owner(evt.NFTID); ok {
			add(owner)
		}
		for w := range view.Wanters(ctx, evt.NFTID) {
			add(w)
		}
	case eventbus.KindWantAdded, eventbus.KindWantRemoved:
		add(evt.WalletID)
		if evt.NFTID != "" {
			if owner, ok := view.Owner(evt.NFTID); ok {
				add(owner)
			}
		}
		if evt.CollectionID != "" {
			for _, nftID := range view.CollectionMembers(ctx, evt.CollectionID) {
				if owner, ok := view.Owner(nftID); ok {
					add(owner)
				}
			}
		}
	case eventbus.KindRediscover:
		if wallets, ok := evt.Data.([]string); ok {
			for _, w := range wallets {
				add(w)
			}
		}
	}
	return seeds
}

// degrade widens the community to the whole snapshot.
func (d *Detector) degrade(out *Affected, view *unifiedview.View, adj map[string][]string) {
	out.Broad = true
	for w := range adj {
		out.Wallets[w] = struct{}{}
		for _, to := range adj[w] {
			out.Wallets[to] = struct{}{}
		}
	}
	view.EachNFT(func(id string) {
		out.NFTs[id] = struct{}{}
	})
}

// collectNFTs includes the event's NFT plus everything the affected
// wallets hold; a superset is safe for invalidation.
func (d *Detector) collectNFTs(out *Affected, view *unifiedview.View, evt eventbus.Event) {
	if evt.NFTID != "" {
		out.NFTs[evt.NFTID] = struct{}{}
	}
	view.EachOwned(func(nftID, owner string) {
		if _, ok := out.Wallets[owner]; ok {
			out.NFTs[nftID] = struct{}{}
		}
	})
}
