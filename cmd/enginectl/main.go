package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barterengine/internal/collection"
	"barterengine/internal/config"
	"barterengine/internal/engine"
	"barterengine/internal/notify"
	"barterengine/internal/persistence"
	"barterengine/internal/tenant"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	log.Printf("Initializing barter engine (commit %s)...", BuildCommit)

	// 1. Config
	cfg := &config.Config{}
	if path := os.Getenv("ENGINE_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", path, err)
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}

	// 2. Snapshot store
	var snapshots persistence.Store
	if cfg.SnapshotDatabaseURL != "" {
		pg, err := persistence.NewPostgresStore(cfg.SnapshotDatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to snapshot DB: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatalf("Snapshot migration failed: %v", err)
		}
		log.Println("Snapshot store: postgres")
		snapshots = pg
	} else {
		log.Println("Snapshot store: in-memory")
		snapshots = persistence.NewMemoryStore()
	}

	// 3. Webhook transport
	var transport notify.Transport
	direct := notify.NewDirectTransport()
	if cfg.SvixAuthToken != "" {
		svix, err := notify.NewSvixTransport(cfg.SvixAuthToken, cfg.SvixServerURL)
		if err != nil {
			log.Fatalf("Failed to create svix transport: %v", err)
		}
		transport = notify.NewHybridTransport(svix, direct)
		log.Println("Webhook transport: hybrid (svix + direct)")
	} else {
		transport = direct
		log.Println("Webhook transport: direct")
	}

	// 4. Engine
	resolver := collection.NewResolver(collection.NewStaticSource(), cfg.ResolverCacheSize, cfg.ResolverCacheTTL)
	eng := engine.New(cfg, resolver, snapshots, transport)
	defer eng.Close()

	if os.Getenv("ENGINE_DEMO") == "true" {
		runDemo(eng)
	}

	// 5. Wait for shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")
}

// runDemo seeds a three-party loop and prints what discovery finds.
func runDemo(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tn, apiKey, err := eng.CreateTenant(ctx, tenant.Config{Name: "demo"})
	if err != nil {
		log.Fatalf("demo: create tenant: %v", err)
	}
	log.Printf("demo: tenant %s (key prefix %s)", tn.ID(), tenant.APIKeyPrefix(apiKey))

	for wallet, nft := range map[string]string{"A": "alpha", "B": "beta", "C": "gamma"} {
		if _, err := eng.SubmitInventory(ctx, tn.ID(), wallet, []engine.InventoryItem{{ID: nft}}); err != nil {
			log.Fatalf("demo: inventory: %v", err)
		}
	}
	wants := map[string]string{"A": "beta", "B": "gamma", "C": "alpha"}
	for wallet, nft := range wants {
		if _, err := eng.SubmitWants(ctx, tn.ID(), wallet, []string{nft}, nil, false); err != nil {
			log.Fatalf("demo: wants: %v", err)
		}
	}

	res, err := eng.Discover(ctx, tn.ID(), engine.DiscoverOptions{Wallet: "A"})
	if err != nil {
		log.Fatalf("demo: discover: %v", err)
	}
	for _, l := range res.Loops {
		log.Printf("demo: loop %s score=%.3f participants=%v", l.ID, l.Score, l.Participants)
	}
	if len(res.Loops) == 0 {
		log.Println("demo: no loops found")
	}
}
