package graph

import (
	"testing"

	"barterengine/internal/domain"
	"barterengine/internal/eventbus"
)

func drain(g *Graph) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case evt := <-g.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestAddNFT_EmitsEvent(t *testing.T) {
	g := New("t1", 16)
	if _, err := g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"}); err != nil {
		t.Fatal(err)
	}

	events := drain(g)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Kind != eventbus.KindNFTAdded || evt.NFTID != "alpha" || evt.WalletID != "A" {
		t.Errorf("unexpected event: %+v", evt)
	}
	if evt.Tenant != "t1" || evt.Generation != 1 {
		t.Errorf("event not stamped: %+v", evt)
	}
}

func TestAddNFT_EmptyID(t *testing.T) {
	g := New("t1", 16)
	if _, err := g.AddNFT(domain.NFT{OwnerID: "A"}); domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestAddNFT_OwnershipTransfer(t *testing.T) {
	g := New("t1", 16)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})
	drain(g)

	prior, err := g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if prior != "A" {
		t.Errorf("expected prior owner A, got %q", prior)
	}

	events := drain(g)
	if len(events) != 2 {
		t.Fatalf("expected removal then addition, got %d events", len(events))
	}
	if events[0].Kind != eventbus.KindNFTRemoved || events[0].WalletID != "A" {
		t.Errorf("first event should remove from A: %+v", events[0])
	}
	if events[1].Kind != eventbus.KindNFTAdded || events[1].WalletID != "B" || events[1].PriorOwner != "A" {
		t.Errorf("second event should add to B with prior owner: %+v", events[1])
	}

	// Single owner invariant.
	snap := g.Snapshot()
	if snap.NFTs["alpha"].OwnerID != "B" {
		t.Error("NFT should belong to B")
	}
	if _, ok := snap.Wallets["A"]; ok {
		t.Error("emptied wallet A should be pruned")
	}
}

func TestAddWant_RejectsOwned(t *testing.T) {
	g := New("t1", 16)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})

	err := g.AddWant("A", Want{NFTID: "alpha"})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("wanting an owned NFT must be InvalidInput, got %v", err)
	}
}

func TestAddWant_DuplicateIsSilent(t *testing.T) {
	g := New("t1", 16)
	if err := g.AddWant("A", Want{NFTID: "beta"}); err != nil {
		t.Fatal(err)
	}
	drain(g)

	gen := g.Generation()
	if err := g.AddWant("A", Want{NFTID: "beta"}); err != nil {
		t.Fatal(err)
	}
	if g.Generation() != gen {
		t.Error("duplicate want must not advance the generation")
	}
	if events := drain(g); len(events) != 0 {
		t.Errorf("duplicate want must not emit events, got %d", len(events))
	}
}

func TestAddNFT_PrunesSatisfiedWant(t *testing.T) {
	g := New("t1", 16)
	g.AddWant("A", Want{NFTID: "alpha"})
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})

	snap := g.Snapshot()
	if _, ok := snap.Wallets["A"].WantedNFTs["alpha"]; ok {
		t.Error("acquiring an NFT must prune the standing want for it")
	}
	if _, ok := snap.SpecificWanters["alpha"]["A"]; ok {
		t.Error("wanter index must be pruned too")
	}
}

func TestRemoveNFT_RetainsWants(t *testing.T) {
	g := New("t1", 16)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})
	g.AddWant("B", Want{NFTID: "alpha"})
	drain(g)

	if err := g.RemoveNFT("alpha"); err != nil {
		t.Fatal(err)
	}
	snap := g.Snapshot()
	if _, ok := snap.NFTs["alpha"]; ok {
		t.Error("NFT should be gone")
	}
	if _, ok := snap.SpecificWanters["alpha"]["B"]; !ok {
		t.Error("want edges pointing at a removed NFT are retained")
	}

	// Unknown id: no-op success, no generation bump.
	gen := g.Generation()
	if err := g.RemoveNFT("missing"); err != nil {
		t.Fatal(err)
	}
	if g.Generation() != gen {
		t.Error("no-op removal must not advance generation")
	}
}

func TestGenerationMonotonic(t *testing.T) {
	g := New("t1", 64)
	prev := g.Generation()
	mutations := []func() error{
		func() error { _, err := g.AddNFT(domain.NFT{ID: "n1", OwnerID: "A"}); return err },
		func() error { return g.AddWant("B", Want{NFTID: "n1"}) },
		func() error { return g.AddWant("C", Want{CollectionID: "col"}) },
		func() error { return g.RemoveWant("B", Want{NFTID: "n1"}) },
		func() error { return g.RemoveNFT("n1") },
	}
	for i, m := range mutations {
		if err := m(); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		if g.Generation() != prev+1 {
			t.Fatalf("mutation %d: generation %d, want %d", i, g.Generation(), prev+1)
		}
		prev++
	}
}

func TestSnapshot_Isolation(t *testing.T) {
	g := New("t1", 64)
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "A"})
	g.AddWant("B", Want{NFTID: "alpha"})

	snap := g.Snapshot()
	g.AddNFT(domain.NFT{ID: "alpha", OwnerID: "C"})
	g.RemoveWant("B", Want{NFTID: "alpha"})

	if snap.NFTs["alpha"].OwnerID != "A" {
		t.Error("snapshot must keep the owner at capture time")
	}
	if _, ok := snap.SpecificWanters["alpha"]["B"]; !ok {
		t.Error("snapshot must keep the wanter set at capture time")
	}
	if _, ok := snap.Wallets["A"].OwnedNFTs["alpha"]; !ok {
		t.Error("snapshot wallet must keep its holdings at capture time")
	}
}

func TestBackpressure(t *testing.T) {
	g := New("t1", 2)
	g.AddNFT(domain.NFT{ID: "n1", OwnerID: "A"})
	g.AddNFT(domain.NFT{ID: "n2", OwnerID: "A"})

	// Queue full: next mutation is rejected without touching state.
	gen := g.Generation()
	_, err := g.AddNFT(domain.NFT{ID: "n3", OwnerID: "A"})
	if domain.KindOf(err) != domain.KindTenantBusy {
		t.Fatalf("expected TenantBusy, got %v", err)
	}
	if g.Generation() != gen {
		t.Error("rejected mutation must not advance generation")
	}
	if _, ok := g.Snapshot().NFTs["n3"]; ok {
		t.Error("rejected mutation must not apply")
	}

	drain(g)
	if _, err := g.AddNFT(domain.NFT{ID: "n3", OwnerID: "A"}); err != nil {
		t.Errorf("after drain the mutation should succeed: %v", err)
	}
}

func TestAddNFT_IdenticalResubmissionIsNoop(t *testing.T) {
	g := New("t1", 16)
	n := domain.NFT{ID: "alpha", OwnerID: "A", CollectionID: "punks",
		Valuation: &domain.Valuation{Amount: 10, Currency: "USD", Confidence: 0.8}}
	g.AddNFT(n)
	drain(g)

	gen := g.Generation()
	if _, err := g.AddNFT(n); err != nil {
		t.Fatal(err)
	}
	if g.Generation() != gen {
		t.Error("identical resubmission must not advance generation")
	}
	if events := drain(g); len(events) != 0 {
		t.Errorf("identical resubmission must not emit events, got %d", len(events))
	}

	// Changing the valuation is a real mutation again.
	n.Valuation = &domain.Valuation{Amount: 20, Currency: "USD", Confidence: 0.8}
	g.AddNFT(n)
	if g.Generation() == gen {
		t.Error("valuation change must advance generation")
	}
}

func TestRemoveWallet_Cascades(t *testing.T) {
	g := New("t1", 64)
	g.AddNFT(domain.NFT{ID: "n1", OwnerID: "A"})
	g.AddNFT(domain.NFT{ID: "n2", OwnerID: "A"})
	g.AddWant("A", Want{NFTID: "x"})
	g.AddWant("A", Want{CollectionID: "col"})
	drain(g)

	if err := g.RemoveWallet("A"); err != nil {
		t.Fatal(err)
	}
	snap := g.Snapshot()
	if _, ok := snap.Wallets["A"]; ok {
		t.Error("wallet should be gone")
	}
	if len(snap.NFTs) != 0 {
		t.Errorf("owned NFTs should cascade away, still have %d", len(snap.NFTs))
	}
	if len(snap.SpecificWanters) != 0 || len(snap.CollectionWanters) != 0 {
		t.Error("wanter indexes should be cleaned up")
	}

	events := drain(g)
	if len(events) != 4 {
		t.Errorf("expected 4 cascade events, got %d", len(events))
	}
}
