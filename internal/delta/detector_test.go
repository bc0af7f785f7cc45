package delta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"barterengine/internal/collection"
	"barterengine/internal/domain"
	"barterengine/internal/eventbus"
	"barterengine/internal/graph"
	"barterengine/internal/unifiedview"
)

func newView(t *testing.T, g *graph.Graph) (*unifiedview.View, map[string][]string) {
	t.Helper()
	src := collection.NewStaticSource()
	resolver := collection.NewResolver(src, 16, time.Minute)
	v := unifiedview.New(g.Snapshot(), resolver, true)
	_, adj := v.TradeGraph(context.Background())
	return v, adj
}

// chainGraph builds w0→w1→…→wN−1 where wi owns ni and w(i−1) wants ni.
func chainGraph(t *testing.T, n int) *graph.Graph {
	t.Helper()
	g := graph.New("t1", 1024)
	for i := 0; i < n; i++ {
		if _, err := g.AddNFT(domain.NFT{ID: fmt.Sprintf("n%03d", i), OwnerID: fmt.Sprintf("w%03d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < n; i++ {
		if err := g.AddWant(fmt.Sprintf("w%03d", i-1), graph.Want{NFTID: fmt.Sprintf("n%03d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	return g
}

func TestAffected_NFTEventSeedsOwnerAndWanters(t *testing.T) {
	g := graph.New("t1", 64)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})
	g.AddWant("B", graph.Want{NFTID: "alpha"})
	g.AddWant("C", graph.Want{NFTID: "alpha"})
	v, adj := newView(t, g)

	d := New(5, 0)
	aff := d.Affected(context.Background(), eventbus.Event{
		Kind: eventbus.KindNFTAdded, NFTID: "alpha", WalletID: "A",
	}, v, adj)

	for _, w := range []string{"A", "B", "C"} {
		if _, ok := aff.Wallets[w]; !ok {
			t.Errorf("wallet %s missing from community", w)
		}
	}
	if _, ok := aff.NFTs["alpha"]; !ok {
		t.Error("event NFT missing from community")
	}
	if aff.Broad {
		t.Error("small community must not be broad")
	}
}

func TestAffected_BoundedByMaxDepth(t *testing.T) {
	g := chainGraph(t, 12)
	v, adj := newView(t, g)

	d := New(3, 0)
	aff := d.Affected(context.Background(), eventbus.Event{
		Kind: eventbus.KindNFTAdded, NFTID: "n000", WalletID: "w000",
	}, v, adj)

	if _, ok := aff.Wallets["w003"]; !ok {
		t.Error("closure should reach 3 hops")
	}
	if _, ok := aff.Wallets["w008"]; ok {
		t.Errorf("closure must stop at MaxDepth; got %d wallets", len(aff.Wallets))
	}
}

func TestAffected_DegradesToBroad(t *testing.T) {
	g := chainGraph(t, 30)
	v, adj := newView(t, g)

	d := New(25, 5)
	aff := d.Affected(context.Background(), eventbus.Event{
		Kind: eventbus.KindNFTAdded, NFTID: "n010", WalletID: "w010",
	}, v, adj)

	if !aff.Broad {
		t.Fatal("exceeding MaxCommunitySize must degrade to a broad pass")
	}
	if len(aff.Wallets) < 30 {
		t.Errorf("broad pass should span the graph, got %d wallets", len(aff.Wallets))
	}
	if d.BroadInvalidations() != 1 {
		t.Errorf("broad counter should be 1, got %d", d.BroadInvalidations())
	}
}

func TestAffected_WantEventSeedsOwner(t *testing.T) {
	g := graph.New("t1", 64)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})
	g.AddWant("B", graph.Want{NFTID: "alpha"})
	v, adj := newView(t, g)

	d := New(5, 0)
	aff := d.Affected(context.Background(), eventbus.Event{
		Kind: eventbus.KindWantAdded, WalletID: "B", NFTID: "alpha",
	}, v, adj)

	if _, ok := aff.Wallets["A"]; !ok {
		t.Error("owner of the wanted NFT must be in the community")
	}
	if _, ok := aff.Wallets["B"]; !ok {
		t.Error("the wanting wallet must be in the community")
	}
}

func TestAffected_CollectionWantSeedsMemberOwners(t *testing.T) {
	g := graph.New("t1", 64)
	g.AddNFT(domain.NFT{ID: "p1", OwnerID: "A", CollectionID: "punks"})
	g.AddNFT(domain.NFT{ID: "p2", OwnerID: "B", CollectionID: "punks"})
	g.AddNFT(domain.NFT{ID: "q1", OwnerID: "D"})
	v, adj := newView(t, g)

	d := New(5, 0)
	aff := d.Affected(context.Background(), eventbus.Event{
		Kind: eventbus.KindWantAdded, WalletID: "C", CollectionID: "punks",
	}, v, adj)

	for _, w := range []string{"A", "B", "C"} {
		if _, ok := aff.Wallets[w]; !ok {
			t.Errorf("wallet %s missing", w)
		}
	}
	if _, ok := aff.Wallets["D"]; ok {
		t.Error("owners outside the collection must not be seeded")
	}
}

func TestAffected_RediscoverFullGraph(t *testing.T) {
	g := chainGraph(t, 8)
	v, adj := newView(t, g)

	d := New(5, 100)
	aff := d.Affected(context.Background(), eventbus.Event{Kind: eventbus.KindRediscover}, v, adj)
	if !aff.Broad {
		t.Error("seedless rediscover must be a full pass")
	}
	if d.BroadInvalidations() != 0 {
		t.Error("an explicit full pass is not a degradation")
	}
}
