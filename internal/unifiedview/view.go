// Package unifiedview projects a graph snapshot as a plain directed
// trade multigraph for the discovery algorithms. Collection wants are
// resolved here and nowhere else; everything downstream only sees
// owner-of and wanters-of relations.
package unifiedview

import (
	"context"
	"sort"

	"barterengine/internal/collection"
	"barterengine/internal/cycle"
	"barterengine/internal/graph"
)

// View is a read-only projection over one snapshot. It is used by
// exactly one discovery task, so the collection memo needs no locking
// and lives only as long as the view.
type View struct {
	snap     *graph.Snapshot
	resolver *collection.Resolver
	// collections gates the collection-want paths: the tenant flag AND
	// the resolver's own flag must both be on.
	collections bool

	// memoMembers caches resolver lookups per collection for the
	// lifetime of the view.
	memoMembers map[string]map[string]struct{}
}

// New builds a view. collectionsEnabled is the tenant's feature flag.
func New(snap *graph.Snapshot, resolver *collection.Resolver, collectionsEnabled bool) *View {
	return &View{
		snap:        snap,
		resolver:    resolver,
		collections: collectionsEnabled && resolver != nil && resolver.Enabled(),
		memoMembers: make(map[string]map[string]struct{}),
	}
}

// Generation is the snapshot's tenant generation.
func (v *View) Generation() uint64 { return v.snap.Generation }

// Owner returns the owning wallet of an NFT.
func (v *View) Owner(nftID string) (string, bool) {
	n, ok := v.snap.NFTs[nftID]
	if !ok || n.OwnerID == "" {
		return "", false
	}
	return n.OwnerID, true
}

// Wanters returns every wallet that wants the NFT, mapped to whether
// the want is specific (true) or via a collection (false). A wallet
// with both kinds counts as specific. The owner is never a wanter.
func (v *View) Wanters(ctx context.Context, nftID string) map[string]bool {
	owner, _ := v.Owner(nftID)
	out := make(map[string]bool)

	for w := range v.snap.SpecificWanters[nftID] {
		if w != owner {
			out[w] = true
		}
	}

	if v.collections {
		n := v.snap.NFTs[nftID]
		for colID, wallets := range v.snap.CollectionWanters {
			if !v.isMember(ctx, colID, nftID, n != nil && n.CollectionID == colID) {
				continue
			}
			for w := range wallets {
				if w == owner {
					continue
				}
				if _, exists := out[w]; !exists {
					out[w] = false
				}
			}
		}
	}
	return out
}

// IsWanted reports whether the wallet wants the NFT, specifically or
// via a collection want.
func (v *View) IsWanted(ctx context.Context, walletID, nftID string) bool {
	w, ok := v.snap.Wallets[walletID]
	if !ok {
		return false
	}
	if _, yes := w.WantedNFTs[nftID]; yes {
		return true
	}
	if !v.collections {
		return false
	}
	n := v.snap.NFTs[nftID]
	for colID := range w.WantedCollections {
		if v.isMember(ctx, colID, nftID, n != nil && n.CollectionID == colID) {
			return true
		}
	}
	return false
}

// TradeGraph materializes the directed trade multigraph and its plain
// adjacency: an edge owner→wanter exists for every NFT the owner holds
// and the wanter wants.
func (v *View) TradeGraph(ctx context.Context) (cycle.Multigraph, map[string][]string) {
	mg := make(cycle.Multigraph)
	adj := make(map[string][]string)

	nftIDs := make([]string, 0, len(v.snap.NFTs))
	for id := range v.snap.NFTs {
		nftIDs = append(nftIDs, id)
	}
	sort.Strings(nftIDs)

	for _, nftID := range nftIDs {
		owner, ok := v.Owner(nftID)
		if !ok {
			continue
		}
		for wanter, specific := range v.Wanters(ctx, nftID) {
			if mg[owner] == nil {
				mg[owner] = make(map[string][]cycle.Asset)
			}
			if len(mg[owner][wanter]) == 0 {
				adj[owner] = append(adj[owner], wanter)
			}
			mg[owner][wanter] = append(mg[owner][wanter], cycle.Asset{NFTID: nftID, Specific: specific})
		}
		if _, ok := adj[owner]; !ok {
			adj[owner] = nil
		}
	}

	// Keep asset lists sorted so enumeration order is stable.
	for _, tos := range mg {
		for _, assets := range tos {
			sort.Slice(assets, func(i, j int) bool { return assets[i].NFTID < assets[j].NFTID })
		}
	}
	for w := range adj {
		sort.Strings(adj[w])
	}
	return mg, adj
}

// EachNFT calls f for every NFT id in the snapshot.
func (v *View) EachNFT(f func(nftID string)) {
	for id := range v.snap.NFTs {
		f(id)
	}
}

// EachOwned calls f with every (NFT, owner) pair in the snapshot.
func (v *View) EachOwned(f func(nftID, owner string)) {
	for id, n := range v.snap.NFTs {
		if n.OwnerID != "" {
			f(id, n.OwnerID)
		}
	}
}

// CollectionMembers returns the member NFT ids of a collection that are
// present in this snapshot: every NFT tagged with the collection plus
// the resolver's membership list. Empty when the feature is off.
func (v *View) CollectionMembers(ctx context.Context, colID string) []string {
	if !v.collections {
		return nil
	}
	var out []string
	for id, n := range v.snap.NFTs {
		if n.CollectionID == colID {
			out = append(out, id)
		} else if v.isMember(ctx, colID, id, false) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// isMember checks collection membership: the NFT's own collection tag
// first, then the resolver's membership list, memoized per collection.
func (v *View) isMember(ctx context.Context, colID, nftID string, tagged bool) bool {
	if tagged {
		return true
	}
	members, ok := v.memoMembers[colID]
	if !ok {
		members = make(map[string]struct{})
		if list, err := v.resolver.NFTs(ctx, colID); err == nil {
			for _, id := range list {
				members[id] = struct{}{}
			}
		}
		v.memoMembers[colID] = members
	}
	_, yes := members[nftID]
	return yes
}
