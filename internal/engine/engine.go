// Package engine is the library entry point: it owns the tenant
// registry, one runtime per tenant (graph, cache, discovery worker),
// the shared collection resolver, and the notification pipeline.
package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"barterengine/internal/canonical"
	"barterengine/internal/collection"
	"barterengine/internal/config"
	"barterengine/internal/domain"
	"barterengine/internal/graph"
	"barterengine/internal/notify"
	"barterengine/internal/persistence"
	"barterengine/internal/tenant"
)

// Engine is the multi-tenant trade-loop discovery engine.
type Engine struct {
	cfg      *config.Config
	registry *tenant.Registry
	resolver *collection.Resolver

	snapshots persistence.Store
	subs      *notify.Store
	notifier  *notify.Orchestrator

	mu       sync.RWMutex
	runtimes map[string]*tenantRuntime

	// restoreOnce guards the lazy first load of each tenant's persisted
	// snapshot.
	restoreMu   sync.Mutex
	restoreOnce map[string]*sync.Once

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New wires an engine. snapshots may be nil (no persistence); transport
// may be nil (callback subscribers only).
func New(cfg *config.Config, resolver *collection.Resolver, snapshots persistence.Store, transport notify.Transport) *Engine {
	cfg.ApplyDefaults()
	if transport == nil {
		transport = &notify.NoopTransport{}
	}
	subs := notify.NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		registry:    tenant.NewRegistry(cfg.JWTSecret),
		resolver:    resolver,
		snapshots:   snapshots,
		subs:        subs,
		notifier:    notify.NewOrchestrator(subs, transport),
		runtimes:    make(map[string]*tenantRuntime),
		restoreOnce: make(map[string]*sync.Once),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}
	go e.notifier.Run(ctx)
	return e
}

// Close stops every tenant worker and the notifier.
func (e *Engine) Close() {
	e.mu.Lock()
	runtimes := make([]*tenantRuntime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		runtimes = append(runtimes, rt)
	}
	e.runtimes = make(map[string]*tenantRuntime)
	e.mu.Unlock()

	for _, rt := range runtimes {
		rt.stop()
	}
	e.rootCancel()
}

// --- administration ---

// CreateTenant registers a tenant, allocates its runtime, and returns
// the tenant plus its API key (shown once).
func (e *Engine) CreateTenant(ctx context.Context, cfg tenant.Config) (*tenant.Tenant, string, error) {
	tn, apiKey, err := e.registry.Create(cfg)
	if err != nil {
		return nil, "", err
	}

	rt := e.newRuntime(tn)
	e.mu.Lock()
	e.runtimes[tn.ID()] = rt
	e.mu.Unlock()
	rt.start()

	log.Printf("[engine] tenant %s created (max_depth=%d)", tn.ID(), tn.Config.MaxDepth)
	return tn, apiKey, nil
}

// DeleteTenant destroys a tenant: its worker, graph, cache,
// subscriptions, and stored snapshot.
func (e *Engine) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := e.registry.Delete(tenantID); err != nil {
		return err
	}

	e.mu.Lock()
	rt := e.runtimes[tenantID]
	delete(e.runtimes, tenantID)
	e.mu.Unlock()

	if rt != nil {
		rt.stop()
	}
	e.subs.DeleteTenant(tenantID)
	if e.snapshots != nil {
		if err := e.snapshots.Delete(ctx, tenantID); err != nil {
			log.Printf("[engine] delete snapshot for %s: %v", tenantID, err)
		}
	}
	log.Printf("[engine] tenant %s deleted", tenantID)
	return nil
}

// Status is the operational summary returned by GetTenantStatus.
type Status struct {
	TenantID    string `json:"tenant_id"`
	Wallets     int    `json:"wallets"`
	NFTs        int    `json:"nfts"`
	Wants       int    `json:"wants"`
	CachedLoops int    `json:"cached_loops"`

	Generation          uint64 `json:"generation"`
	ProcessedGeneration uint64 `json:"processed_generation"`
	Backlog             int    `json:"backlog"`

	BroadInvalidations int64  `json:"broad_invalidations"`
	TimeBoundedRuns    int64  `json:"time_bounded_runs"`
	StaleDrops         int64  `json:"stale_drops"`
	LastError          string `json:"last_error,omitempty"`
}

// GetTenantStatus reports counts, generation and worker backlog.
func (e *Engine) GetTenantStatus(ctx context.Context, tenantID string) (*Status, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return nil, err
	}

	wallets, nfts, wants := rt.graph.Counts()
	s := &Status{
		TenantID:            tenantID,
		Wallets:             wallets,
		NFTs:                nfts,
		Wants:               wants,
		CachedLoops:         rt.cache.Len(),
		Generation:          rt.graph.Generation(),
		ProcessedGeneration: rt.processedGen(),
		Backlog:             rt.graph.Backlog(),
		BroadInvalidations:  rt.detector.BroadInvalidations(),
		TimeBoundedRuns:     rt.timeBounded.Load(),
		StaleDrops:          rt.staleDrops.Load(),
	}
	if v := rt.lastErr.Load(); v != nil {
		s.LastError = v.(string)
	}
	return s, nil
}

// Authenticate resolves a tenant from an API key or service token.
func (e *Engine) Authenticate(credential string) (*tenant.Tenant, error) {
	return e.registry.Authenticate(credential)
}

// --- ingestion ---

// InventoryItem is one submitted NFT.
type InventoryItem struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collection_id,omitempty"`
	Valuation    *domain.Valuation `json:"valuation,omitempty"`
	Metadata     []byte            `json:"metadata,omitempty"`
	PlatformData []byte            `json:"platform_data,omitempty"`
}

// ItemResult is the per-item outcome of an ingestion call.
type ItemResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// Warning is set when the submission was accepted but displaced
	// earlier state, e.g. an ownership transfer away from another wallet.
	Warning string `json:"warning,omitempty"`
}

// SubmitInventory records the wallet's NFTs. Later submissions win
// ownership conflicts; the displaced owner is detached with an explicit
// event and the result carries a warning.
func (e *Engine) SubmitInventory(ctx context.Context, tenantID, walletID string, items []InventoryItem) ([]ItemResult, error) {
	rt, err := e.runtimeForIngest(tenantID)
	if err != nil {
		return nil, err
	}
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, domain.Errf(domain.KindInvalidInput, "wallet id is empty")
	}

	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		res := ItemResult{ID: id}
		if id == "" {
			res.Reason = "empty nft id"
			results = append(results, res)
			continue
		}
		prior, err := rt.graph.AddNFT(domain.NFT{
			ID:           id,
			OwnerID:      walletID,
			CollectionID: strings.TrimSpace(item.CollectionID),
			Valuation:    item.Valuation,
			Metadata:     item.Metadata,
			PlatformData: item.PlatformData,
		})
		if err != nil {
			res.Reason = err.Error()
			if domain.KindOf(err) == domain.KindTenantBusy {
				results = append(results, res)
				return results, err
			}
		} else {
			res.Accepted = true
			if prior != "" && prior != walletID {
				res.Warning = "ownership transferred from " + prior
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// SubmitWants records the wallet's wants. With replace set, wants not
// present in the submission are removed first; otherwise the submission
// merges into the existing sets.
func (e *Engine) SubmitWants(ctx context.Context, tenantID, walletID string, nftIDs, collectionIDs []string, replace bool) ([]ItemResult, error) {
	rt, err := e.runtimeForIngest(tenantID)
	if err != nil {
		return nil, err
	}
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return nil, domain.Errf(domain.KindInvalidInput, "wallet id is empty")
	}

	if replace {
		if err := e.clearStaleWants(rt, walletID, nftIDs, collectionIDs); err != nil {
			return nil, err
		}
	}

	results := make([]ItemResult, 0, len(nftIDs)+len(collectionIDs))
	submit := func(w graph.Want, id string) error {
		res := ItemResult{ID: id}
		err := rt.graph.AddWant(walletID, w)
		if err == nil {
			res.Accepted = true
		} else {
			res.Reason = err.Error()
		}
		results = append(results, res)
		if domain.KindOf(err) == domain.KindTenantBusy {
			return err
		}
		return nil
	}
	for _, id := range nftIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			results = append(results, ItemResult{Reason: "empty nft id"})
			continue
		}
		if err := submit(graph.Want{NFTID: id}, id); err != nil {
			return results, err
		}
	}
	for _, id := range collectionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			results = append(results, ItemResult{Reason: "empty collection id"})
			continue
		}
		if err := submit(graph.Want{CollectionID: id}, id); err != nil {
			return results, err
		}
	}
	return results, nil
}

// clearStaleWants removes wants absent from the replacement submission.
func (e *Engine) clearStaleWants(rt *tenantRuntime, walletID string, nftIDs, collectionIDs []string) error {
	keepNFT := make(map[string]struct{}, len(nftIDs))
	for _, id := range nftIDs {
		keepNFT[strings.TrimSpace(id)] = struct{}{}
	}
	keepCol := make(map[string]struct{}, len(collectionIDs))
	for _, id := range collectionIDs {
		keepCol[strings.TrimSpace(id)] = struct{}{}
	}

	snap := rt.graph.Snapshot()
	w, ok := snap.Wallets[walletID]
	if !ok {
		return nil
	}
	for id := range w.WantedNFTs {
		if _, keep := keepNFT[id]; !keep {
			if err := rt.graph.RemoveWant(walletID, graph.Want{NFTID: id}); err != nil {
				return err
			}
		}
	}
	for id := range w.WantedCollections {
		if _, keep := keepCol[id]; !keep {
			if err := rt.graph.RemoveWant(walletID, graph.Want{CollectionID: id}); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveWant deletes one want edge.
func (e *Engine) RemoveWant(ctx context.Context, tenantID, walletID string, w graph.Want) error {
	rt, err := e.runtimeForIngest(tenantID)
	if err != nil {
		return err
	}
	return rt.graph.RemoveWant(walletID, w)
}

// RemoveNFT deletes one NFT.
func (e *Engine) RemoveNFT(ctx context.Context, tenantID, nftID string) error {
	rt, err := e.runtimeForIngest(tenantID)
	if err != nil {
		return err
	}
	return rt.graph.RemoveNFT(nftID)
}

// RemoveWallet cascades through the wallet's wants and ownerships.
func (e *Engine) RemoveWallet(ctx context.Context, tenantID, walletID string) error {
	rt, err := e.runtimeForIngest(tenantID)
	if err != nil {
		return err
	}
	return rt.graph.RemoveWallet(walletID)
}

// --- discovery ---

// DiscoverOptions narrows a Discover call. Zero values fall back to the
// tenant configuration.
type DiscoverOptions struct {
	// Wallet limits results to loops the wallet participates in; empty
	// returns the tenant's top loops.
	Wallet     string
	MaxResults int
	MaxDepth   int
	MinScore   float64
}

// DiscoverResult is a query answer plus its consistency tags.
type DiscoverResult struct {
	Loops []*domain.Loop `json:"loops"`
	// Generation is the processed generation the answer reflects.
	Generation uint64 `json:"generation"`
	// TimeBounded is set when discovery had not caught up with the
	// latest mutations within the query's patience and the answer may
	// be partial. It is not set when an enumeration run was cut by its
	// budget; such passes are counted in Status.TimeBoundedRuns.
	TimeBounded bool `json:"time_bounded"`
}

// Discover returns scored loops from the active cache. It waits for
// the discovery worker to catch up with acknowledged mutations, bounded
// by the context and the tenant's discovery timeout; on expiry the
// current cache contents are returned tagged TimeBounded.
func (e *Engine) Discover(ctx context.Context, tenantID string, opts DiscoverOptions) (*DiscoverResult, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, rt.tn.Config.DiscoveryTimeout)
	caughtUp := rt.waitIdle(waitCtx)
	cancel()

	maxResults := opts.MaxResults
	if maxResults <= 0 || maxResults > rt.tn.Config.MaxLoopsPerRequest {
		maxResults = rt.tn.Config.MaxLoopsPerRequest
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 || maxDepth > rt.tn.Config.MaxDepth {
		maxDepth = rt.tn.Config.MaxDepth
	}
	minScore := opts.MinScore
	if minScore < rt.tn.Config.MinScore {
		minScore = rt.tn.Config.MinScore
	}

	var loops []*domain.Loop
	if opts.Wallet != "" {
		loops = rt.cache.GetByWallet(opts.Wallet, 0)
	} else {
		loops = rt.cache.Top(0)
	}

	out := make([]*domain.Loop, 0, len(loops))
	for _, l := range loops {
		if len(l.Steps) > maxDepth || l.Score < minScore {
			continue
		}
		if l.Status != domain.StatusPending && l.Status != domain.StatusInProgress {
			continue
		}
		if opts.Wallet != "" {
			// Present the loop from the querying wallet's perspective.
			l.Steps = canonical.RotateToStart(l.Steps, opts.Wallet)
			l.Participants = participantsOf(l.Steps)
		}
		out = append(out, l)
		if len(out) == maxResults {
			break
		}
	}

	return &DiscoverResult{
		Loops:       out,
		Generation:  rt.processedGen(),
		TimeBounded: !caughtUp,
	}, nil
}

// Lookup returns one loop by canonical id, or nil.
func (e *Engine) Lookup(ctx context.Context, tenantID, canonicalID string) (*domain.Loop, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return nil, err
	}
	return rt.cache.Get(canonicalID), nil
}

// TransitionLoop moves a loop through its lifecycle on behalf of an
// external executor.
func (e *Engine) TransitionLoop(ctx context.Context, tenantID, canonicalID string, to domain.LoopStatus) error {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return err
	}
	return rt.cache.Transition(canonicalID, to)
}

// --- subscriptions ---

// Subscribe registers a change sink for the tenant's active loop
// cache. URL subscriptions are registered with the delivery transport
// first, so hosted endpoints exist before the first change fires.
func (e *Engine) Subscribe(ctx context.Context, sub notify.Subscription) (string, error) {
	if _, err := e.registry.Get(sub.Tenant); err != nil {
		return "", err
	}
	if err := e.notifier.Register(ctx, &sub); err != nil {
		return "", err
	}
	id, err := e.subs.Create(sub)
	if err != nil {
		e.notifier.Deregister(ctx, &sub)
		return "", err
	}
	return id, nil
}

// Unsubscribe removes a subscription and releases its transport state.
func (e *Engine) Unsubscribe(ctx context.Context, subscriptionID string) {
	if sub := e.subs.Get(subscriptionID); sub != nil {
		e.notifier.Deregister(ctx, sub)
	}
	e.subs.Delete(subscriptionID)
}

// --- helpers ---

func (e *Engine) runtime(tenantID string) (*tenantRuntime, error) {
	e.mu.RLock()
	rt, ok := e.runtimes[tenantID]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.Errf(domain.KindTenantUnknown, "tenant %s not found", tenantID)
	}
	return rt, nil
}

// runtimeForIngest resolves the runtime and applies the tenant's
// ingestion rate limit.
func (e *Engine) runtimeForIngest(tenantID string) (*tenantRuntime, error) {
	rt, err := e.runtime(tenantID)
	if err != nil {
		return nil, err
	}
	if retryAfter, ok := rt.tn.ReserveIngest(); !ok {
		return nil, domain.Errf(domain.KindTenantBusy, "tenant %s rate limited, retry after %s", tenantID, retryAfter.Round(time.Millisecond))
	}
	return rt, nil
}

func participantsOf(steps []domain.LoopStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.From
	}
	return out
}
