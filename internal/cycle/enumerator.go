// Package cycle enumerates bounded elementary trade cycles inside one
// work unit. The search follows Johnson's start-vertex ordering: cycles
// are rooted at their minimum wallet id, so each elementary cycle is
// produced exactly once; the tenant's depth bound takes the place of
// the unblocking machinery as the dominant pruning mechanism.
package cycle

import (
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"barterengine/internal/canonical"
	"barterengine/internal/domain"
)

// Asset is one tradable edge payload between a wallet pair. A wallet
// pair with several candidate NFTs contributes one distinct edge per
// NFT.
type Asset struct {
	NFTID    string
	Specific bool
}

// Multigraph is the directed trade multigraph: from-wallet → to-wallet
// → assets the from-wallet could hand over. Built by the unified view.
type Multigraph map[string]map[string][]Asset

// Candidate is one enumerated cycle plus its canonical identity.
type Candidate struct {
	ID    string
	Steps []domain.LoopStep
	// Alternatives[i] is how many other NFTs could replace step i's NFT
	// between the same wallet pair; the scorer's edge-redundancy
	// dimension consumes it.
	Alternatives []int
}

// Result is the outcome of enumerating one work unit.
type Result struct {
	Cycles []Candidate
	// TimeBounded marks that the wall-clock budget ran out and Cycles
	// is a partial enumeration.
	TimeBounded bool
}

// bloomFalsePositiveRate keeps the cached-id filter under the required
// one-in-a-million false positive rate.
const bloomFalsePositiveRate = 1e-7

// budgetCheckInterval is how many DFS expansions happen between
// wall-clock checks.
const budgetCheckInterval = 256

// Enumerator runs bounded elementary-cycle searches. It is task-local:
// the duplicate filters are never shared across tenants or tasks.
type Enumerator struct {
	maxDepth int
	budget   time.Duration

	// seen holds canonical ids emitted by this task. Exact, so the
	// current run never emits a duplicate.
	seen map[string]struct{}
	// cached suppresses re-discovery of loops already in the active
	// cache. Probabilistic; nil when the tenant's bloom flag is off.
	cached *bloom.BloomFilter
}

// New creates an enumerator for one discovery task.
func New(maxDepth int, budget time.Duration) *Enumerator {
	return &Enumerator{
		maxDepth: maxDepth,
		budget:   budget,
		seen:     make(map[string]struct{}),
	}
}

// SeedCached loads canonical ids already present in the active loop
// cache into the probabilistic filter.
func (e *Enumerator) SeedCached(ids []string) {
	n := uint(len(ids))
	if n < 1024 {
		n = 1024
	}
	e.cached = bloom.NewWithEstimates(n, bloomFalsePositiveRate)
	for _, id := range ids {
		e.cached.AddString(id)
	}
}

// Enumerate finds elementary cycles of length 2..maxDepth among the
// unit's wallets. Neighbor expansion order is ascending wallet id, then
// ascending NFT id, so the pre-canonicalization sequence is stable
// across runs.
func (e *Enumerator) Enumerate(g Multigraph, unit []string) Result {
	inUnit := make(map[string]bool, len(unit))
	for _, w := range unit {
		inUnit[w] = true
	}
	order := append([]string(nil), unit...)
	sort.Strings(order)

	deadline := time.Now().Add(e.budget)
	var res Result
	expansions := 0

	type edge struct {
		to    string
		asset Asset
		alts  int
	}

	// sortedEdges returns v's usable outgoing edges, restricted to the
	// unit and to vertices not lexicographically below the root.
	sortedEdges := func(v, root string) []edge {
		tos := make([]string, 0, len(g[v]))
		for to := range g[v] {
			if inUnit[to] && to >= root {
				tos = append(tos, to)
			}
		}
		sort.Strings(tos)
		var out []edge
		for _, to := range tos {
			assets := g[v][to]
			for _, a := range assets {
				out = append(out, edge{to: to, asset: a, alts: len(assets) - 1})
			}
		}
		return out
	}

	for _, root := range order {
		if res.TimeBounded {
			break
		}

		type frame struct {
			v     string
			edges []edge
			i     int
		}
		onPath := map[string]bool{root: true}
		var path []domain.LoopStep
		var alts []int
		stack := []frame{{v: root, edges: sortedEdges(root, root)}}

		for len(stack) > 0 {
			expansions++
			if expansions%budgetCheckInterval == 0 && time.Now().After(deadline) {
				res.TimeBounded = true
				break
			}

			f := &stack[len(stack)-1]
			if f.i >= len(f.edges) {
				stack = stack[:len(stack)-1]
				if f.v != root {
					delete(onPath, f.v)
					path = path[:len(path)-1]
					alts = alts[:len(alts)-1]
				}
				continue
			}

			ed := f.edges[f.i]
			f.i++

			if ed.to == root {
				if len(path)+1 >= 2 {
					steps := append(append([]domain.LoopStep(nil), path...), domain.LoopStep{
						From: f.v, To: root, NFTID: ed.asset.NFTID, Specific: ed.asset.Specific,
					})
					stepAlts := append(append([]int(nil), alts...), ed.alts)
					e.emit(&res, steps, stepAlts)
				}
				continue
			}
			if onPath[ed.to] {
				continue
			}
			if len(path)+2 > e.maxDepth {
				// Extending here could only close at depth > maxDepth.
				continue
			}

			path = append(path, domain.LoopStep{From: f.v, To: ed.to, NFTID: ed.asset.NFTID, Specific: ed.asset.Specific})
			alts = append(alts, ed.alts)
			onPath[ed.to] = true
			stack = append(stack, frame{v: ed.to, edges: sortedEdges(ed.to, root)})
		}
	}

	return res
}

func (e *Enumerator) emit(res *Result, steps []domain.LoopStep, alts []int) {
	id := canonical.ID(steps)
	if _, dup := e.seen[id]; dup {
		return
	}
	if e.cached != nil && e.cached.TestString(id) {
		return
	}
	e.seen[id] = struct{}{}

	// Rotate the alternative counts in lockstep with the canonical form.
	norm := canonical.Normalize(steps)
	offset := 0
	for i, s := range steps {
		if s == norm[0] {
			offset = i
			break
		}
	}
	rotatedAlts := make([]int, len(alts))
	for i := range alts {
		rotatedAlts[i] = alts[(offset+i)%len(alts)]
	}
	res.Cycles = append(res.Cycles, Candidate{ID: id, Steps: norm, Alternatives: rotatedAlts})
}
