package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"barterengine/internal/cache"
	"barterengine/internal/cycle"
	"barterengine/internal/delta"
	"barterengine/internal/domain"
	"barterengine/internal/eventbus"
	"barterengine/internal/graph"
	"barterengine/internal/partition"
	"barterengine/internal/scoring"
	"barterengine/internal/tenant"
	"barterengine/internal/unifiedview"
)

// tenantRuntime is everything the engine runs for one tenant: the
// living graph, the active loop cache, the per-tenant event bus, and
// the discovery worker consuming the graph's event feed.
type tenantRuntime struct {
	engine *Engine
	tn     *tenant.Tenant

	graph    *graph.Graph
	cache    *cache.Cache
	bus      *eventbus.Bus
	detector *delta.Detector
	scorer   *scoring.Scorer

	// processed is the highest event generation whose discovery pass
	// has completed. processed == graph generation means quiescent.
	processed atomic.Uint64

	timeBounded atomic.Int64
	staleDrops  atomic.Int64
	lastErr     atomic.Value

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (e *Engine) newRuntime(tn *tenant.Tenant) *tenantRuntime {
	ctx, cancel := context.WithCancel(e.rootCtx)
	rt := &tenantRuntime{
		engine:   e,
		tn:       tn,
		graph:    graph.New(tn.ID(), tn.Config.EventQueueSize),
		cache:    cache.New(tn.ID()),
		bus:      eventbus.New(),
		detector: delta.New(tn.Config.MaxDepth, tn.Config.MaxCommunitySize),
		scorer:   scoring.New(tn.Config.Weights),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Cache changes feed the webhook pipeline and the tenant bus.
	rt.cache.OnChange(func(ch cache.Change) {
		e.notifier.Enqueue(ch)
		rt.bus.Publish(eventbus.Event{
			Tenant:     tn.ID(),
			Kind:       string(ch.Kind),
			Generation: rt.graph.Generation(),
			Timestamp:  time.Now(),
			Data:       ch.Loop,
		})
	})
	return rt
}

func (rt *tenantRuntime) start() {
	rt.wg.Add(1)
	go rt.run()
}

func (rt *tenantRuntime) stop() {
	rt.cancel()
	rt.wg.Wait()
	rt.bus.Close()
}

func (rt *tenantRuntime) processedGen() uint64 { return rt.processed.Load() }

// waitIdle blocks until the worker has processed every acknowledged
// mutation, or the context expires. Returns whether it caught up.
func (rt *tenantRuntime) waitIdle(ctx context.Context) bool {
	if rt.processed.Load() >= rt.graph.Generation() {
		return true
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return rt.processed.Load() >= rt.graph.Generation()
		case <-ticker.C:
			if rt.processed.Load() >= rt.graph.Generation() {
				return true
			}
		}
	}
}

// run is the discovery worker loop: consume the graph's event feed,
// coalescing whatever is queued into one pass per wakeup.
func (rt *tenantRuntime) run() {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case evt := <-rt.graph.Events():
			batch := []eventbus.Event{evt}
		drain:
			for {
				select {
				case more := <-rt.graph.Events():
					batch = append(batch, more)
				default:
					break drain
				}
			}
			rt.processBatch(batch)
		}
	}
}

// processBatch runs one discovery pass for a batch of events. A panic
// is contained to this tenant: it is logged, surfaced in status, and
// answered with a full rediscovery.
func (rt *tenantRuntime) processBatch(batch []eventbus.Event) {
	maxGen := batch[len(batch)-1].Generation
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("discovery panic: %v", r)
			log.Printf("[engine/%s] %s", rt.tn.ID(), msg)
			rt.lastErr.Store(msg)
			rt.processed.Store(maxGen)
			if err := rt.graph.EnqueueRediscover(nil); err != nil {
				log.Printf("[engine/%s] rediscovery enqueue failed: %v", rt.tn.ID(), err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(rt.ctx, rt.tn.Config.DiscoveryTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	snap := rt.graph.Snapshot()
	view := unifiedview.New(snap, rt.engine.resolver, rt.tn.Config.Flags.CollectionWants)
	mg, adj := view.TradeGraph(ctx)

	// Fan the raw events out to bus subscribers.
	for _, evt := range batch {
		rt.bus.Publish(evt)
	}

	// Union of each event's affected community.
	affected := delta.Affected{
		Wallets: make(map[string]struct{}),
		NFTs:    make(map[string]struct{}),
	}
	for _, evt := range batch {
		aff := rt.detector.Affected(ctx, evt, view, adj)
		for w := range aff.Wallets {
			affected.Wallets[w] = struct{}{}
		}
		for n := range aff.NFTs {
			affected.NFTs[n] = struct{}{}
		}
		if aff.Broad {
			affected.Broad = true
		}
	}

	// Invalidate every cached loop the community touches; discovery
	// below re-adds the ones that still hold.
	for w := range affected.Wallets {
		rt.cache.InvalidateByEntity(w)
	}
	for n := range affected.NFTs {
		rt.cache.InvalidateByEntity(n)
	}

	// Restrict enumeration to the community unless the pass is broad.
	sub := adj
	if !affected.Broad {
		sub = make(map[string][]string, len(affected.Wallets))
		for w := range affected.Wallets {
			for _, to := range adj[w] {
				if _, ok := affected.Wallets[to]; ok {
					sub[w] = append(sub[w], to)
				}
			}
		}
	}

	units := partition.Partition(sub, partition.Options{
		CommunityDetection: rt.tn.Config.Flags.CommunityDetection,
		CommunityThreshold: rt.tn.Config.CommunityThreshold,
	})

	var cachedIDs []string
	if rt.tn.Config.Flags.BloomDedup {
		cachedIDs = rt.cache.IDs()
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]*domain.Loop)
		timedOut bool
		stale    bool
	)
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.engine.cfg.WorkerPoolSize)
	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			// Yield point: newer mutations make this pass moot.
			if rt.graph.Generation() != snap.Generation {
				mu.Lock()
				stale = true
				mu.Unlock()
				return nil
			}
			if gctx.Err() != nil {
				mu.Lock()
				timedOut = true
				mu.Unlock()
				return nil
			}

			budget := time.Until(deadline)
			if budget <= 0 {
				mu.Lock()
				timedOut = true
				mu.Unlock()
				return nil
			}
			enum := cycle.New(rt.tn.Config.MaxDepth, budget)
			if cachedIDs != nil {
				enum.SeedCached(cachedIDs)
			}
			res := enum.Enumerate(mg, unit.Wallets)

			var loops []*domain.Loop
			for _, cand := range res.Cycles {
				if loop := rt.scoreCandidate(cand, snap, unit.Cohesion, now); loop != nil {
					loops = append(loops, loop)
				}
			}

			mu.Lock()
			if res.TimeBounded {
				timedOut = true
			}
			for _, l := range loops {
				// Cross-community passes can re-find a loop another
				// unit already produced; keep the first.
				if _, dup := found[l.ID]; !dup {
					found[l.ID] = l
				}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if timedOut {
		rt.timeBounded.Add(1)
		log.Printf("[engine/%s] discovery pass time-bounded (%d loops kept)", rt.tn.ID(), len(found))
	}

	// Install gate: results computed from generation g only land if the
	// tenant is still at g; otherwise drop and re-enqueue the community.
	// Partial results from a timed-out pass still land.
	if !stale && rt.graph.Generation() == snap.Generation {
		for _, l := range found {
			l.Generation = snap.Generation
			rt.cache.Insert(l)
		}
	} else {
		rt.staleDrops.Add(1)
		wallets := make([]string, 0, len(affected.Wallets))
		for w := range affected.Wallets {
			wallets = append(wallets, w)
		}
		if err := rt.graph.EnqueueRediscover(wallets); err != nil {
			log.Printf("[engine/%s] rediscovery enqueue failed: %v", rt.tn.ID(), err)
		}
	}

	rt.processed.Store(maxGen)
}

// scoreCandidate assembles the scoring input for one enumerated cycle
// and returns the loop, or nil when it falls below the tenant's score
// threshold.
func (rt *tenantRuntime) scoreCandidate(cand cycle.Candidate, snap *graph.Snapshot, cohesion float64, now time.Time) *domain.Loop {
	steps := make([]scoring.StepInput, len(cand.Steps))
	distinct := make(map[string]struct{}, len(cand.Steps))
	for i, st := range cand.Steps {
		distinct[st.From] = struct{}{}
		in := scoring.StepInput{
			Specific:     st.Specific,
			Alternatives: cand.Alternatives[i],
		}
		if n, ok := snap.NFTs[st.NFTID]; ok {
			in.OwnershipUpdatedAt = n.UpdatedAt
			if n.Valuation != nil {
				in.Value = n.Valuation.Amount
				in.HasValue = true
				in.Confidence = n.Valuation.Confidence
				in.Currency = n.Valuation.Currency
				in.ValuationUpdatedAt = n.Valuation.UpdatedAt
			}
		}
		if w, ok := snap.Wallets[st.From]; ok {
			in.GiverLastActive = w.LastActive
		}
		if w, ok := snap.Wallets[st.To]; ok {
			in.ReceiverLastActive = w.LastActive
			in.ReceiverMinTradeValue = w.MinTradeValue
			in.ReceiverMaxParticipants = w.MaxParticipants
		}
		steps[i] = in
	}

	vector, aggregate := rt.scorer.Score(scoring.Input{
		Steps:                steps,
		Cohesion:             cohesion,
		MaxDepth:             rt.tn.Config.MaxDepth,
		DistinctParticipants: len(distinct),
		Now:                  now,
	})
	if aggregate < rt.tn.Config.MinScore {
		return nil
	}

	return &domain.Loop{
		ID:           cand.ID,
		Participants: participantsOf(cand.Steps),
		Steps:        cand.Steps,
		Scores:       vector,
		Score:        aggregate,
		Status:       domain.StatusPending,
		Generation:   snap.Generation,
		CreatedAt:    now,
		VerifiedAt:   now,
	}
}

// SubscribeEvents registers a channel on the tenant's event bus for the
// given kind (graph nft.*/want.* events and cache loop.* events).
func (e *Engine) SubscribeEvents(tenantID, kind string, ch chan<- eventbus.Event) error {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return err
	}
	rt.bus.Subscribe(kind, ch)
	return nil
}

// UnsubscribeEvents removes a previously registered channel.
func (e *Engine) UnsubscribeEvents(tenantID, kind string, ch chan<- eventbus.Event) error {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return err
	}
	rt.bus.Unsubscribe(kind, ch)
	return nil
}

// Compact sweeps terminal loops past the tenant's retention out of the
// cache. Intended to be called periodically by the host.
func (e *Engine) Compact(ctx context.Context, tenantID string) (int, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return 0, err
	}
	return rt.cache.Compact(rt.tn.Config.LoopRetention), nil
}
