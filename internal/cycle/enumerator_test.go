package cycle

import (
	"testing"
	"time"

	"barterengine/internal/canonical"
)

func ring(wallets []string, nfts []string) Multigraph {
	g := make(Multigraph)
	for i, w := range wallets {
		next := wallets[(i+1)%len(wallets)]
		g[w] = map[string][]Asset{next: {{NFTID: nfts[i], Specific: true}}}
	}
	return g
}

func TestEnumerate_ThreeCycle(t *testing.T) {
	g := ring([]string{"A", "B", "C"}, []string{"alpha", "beta", "gamma"})
	res := New(10, time.Second).Enumerate(g, []string{"A", "B", "C"})

	if res.TimeBounded {
		t.Fatal("unexpected time bound")
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(res.Cycles))
	}
	c := res.Cycles[0]
	if len(c.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(c.Steps))
	}
	if c.ID != canonical.ID(c.Steps) {
		t.Error("candidate id must match its canonical id")
	}
}

func TestEnumerate_NoCycle(t *testing.T) {
	g := Multigraph{
		"A": {"B": {{NFTID: "alpha"}}},
		"B": {"C": {{NFTID: "beta"}}},
	}
	res := New(10, time.Second).Enumerate(g, []string{"A", "B", "C"})
	if len(res.Cycles) != 0 {
		t.Fatalf("expected no cycles, got %d", len(res.Cycles))
	}
}

func TestEnumerate_DepthBoundary(t *testing.T) {
	wallets := []string{"w1", "w2", "w3", "w4", "w5"}
	nfts := []string{"n1", "n2", "n3", "n4", "n5"}
	g := ring(wallets, nfts)

	// Exactly MaxDepth: found.
	res := New(5, time.Second).Enumerate(g, wallets)
	if len(res.Cycles) != 1 {
		t.Fatalf("cycle at exactly MaxDepth must be found, got %d", len(res.Cycles))
	}

	// MaxDepth + 1: not found.
	res = New(4, time.Second).Enumerate(g, wallets)
	if len(res.Cycles) != 0 {
		t.Fatalf("cycle beyond MaxDepth must not be found, got %d", len(res.Cycles))
	}
}

func TestEnumerate_EdgeMultiplicity(t *testing.T) {
	// A has two NFTs B wants; B has one A wants. Two distinct 2-cycles.
	g := Multigraph{
		"A": {"B": {{NFTID: "a1"}, {NFTID: "a2"}}},
		"B": {"A": {{NFTID: "b1"}}},
	}
	res := New(10, time.Second).Enumerate(g, []string{"A", "B"})
	if len(res.Cycles) != 2 {
		t.Fatalf("expected 2 cycles (one per NFT combination), got %d", len(res.Cycles))
	}
	if res.Cycles[0].ID == res.Cycles[1].ID {
		t.Error("distinct NFT combinations must have distinct canonical ids")
	}
	for _, c := range res.Cycles {
		for _, a := range c.Alternatives {
			if a < 0 {
				t.Errorf("negative alternative count: %v", c.Alternatives)
			}
		}
	}
}

func TestEnumerate_NoDuplicateViaRotation(t *testing.T) {
	// Both orderings of the unit slice must yield the same single cycle.
	g := ring([]string{"A", "B", "C"}, []string{"alpha", "beta", "gamma"})
	first := New(10, time.Second).Enumerate(g, []string{"A", "B", "C"})
	second := New(10, time.Second).Enumerate(g, []string{"C", "B", "A"})

	if len(first.Cycles) != 1 || len(second.Cycles) != 1 {
		t.Fatalf("expected 1 cycle each, got %d and %d", len(first.Cycles), len(second.Cycles))
	}
	if first.Cycles[0].ID != second.Cycles[0].ID {
		t.Error("enumeration order must not change canonical identity")
	}
}

func TestEnumerate_SeedCachedSuppresses(t *testing.T) {
	g := ring([]string{"A", "B", "C"}, []string{"alpha", "beta", "gamma"})

	plain := New(10, time.Second)
	res := plain.Enumerate(g, []string{"A", "B", "C"})
	if len(res.Cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(res.Cycles))
	}

	seeded := New(10, time.Second)
	seeded.SeedCached([]string{res.Cycles[0].ID})
	res = seeded.Enumerate(g, []string{"A", "B", "C"})
	if len(res.Cycles) != 0 {
		t.Fatalf("cached cycle should be suppressed, got %d", len(res.Cycles))
	}
}

func TestEnumerate_BudgetExhaustion(t *testing.T) {
	// Dense complete digraph so the search has real work to interrupt.
	wallets := make([]string, 12)
	for i := range wallets {
		wallets[i] = string(rune('a' + i))
	}
	g := make(Multigraph)
	for _, v := range wallets {
		g[v] = make(map[string][]Asset)
		for _, w := range wallets {
			if v != w {
				g[v][w] = []Asset{{NFTID: "n-" + v + w}}
			}
		}
	}

	res := New(12, 0).Enumerate(g, wallets)
	if !res.TimeBounded {
		t.Fatal("zero budget must report a time-bounded result")
	}
}

func TestEnumerate_StableOrder(t *testing.T) {
	g := Multigraph{
		"A": {"B": {{NFTID: "a1"}, {NFTID: "a2"}}},
		"B": {"A": {{NFTID: "b1"}}, "C": {{NFTID: "b2"}}},
		"C": {"A": {{NFTID: "c1"}}},
	}
	unit := []string{"A", "B", "C"}
	first := New(10, time.Second).Enumerate(g, unit)
	for i := 0; i < 5; i++ {
		again := New(10, time.Second).Enumerate(g, unit)
		if len(again.Cycles) != len(first.Cycles) {
			t.Fatalf("run %d: cycle count changed", i)
		}
		for j := range first.Cycles {
			if first.Cycles[j].ID != again.Cycles[j].ID {
				t.Fatalf("run %d: emission order changed at %d", i, j)
			}
		}
	}
}

func BenchmarkEnumerate_Ring10(b *testing.B) {
	wallets := make([]string, 10)
	nfts := make([]string, 10)
	for i := range wallets {
		wallets[i] = string(rune('a' + i))
		nfts[i] = "n" + string(rune('a'+i))
	}
	g := ring(wallets, nfts)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		New(10, time.Second).Enumerate(g, wallets)
	}
}
