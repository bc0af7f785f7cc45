// Package tenant manages the registry of engine tenants: their
// configuration, credentials and ingestion rate limits. The registry is
// the only process-wide mutable state besides the collection resolver
// cache, and is guarded by a read-write lock.
package tenant

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"barterengine/internal/domain"
	"barterengine/internal/scoring"
)

// Flags are the per-tenant feature switches.
type Flags struct {
	CollectionWants    bool `json:"collection_wants" yaml:"collection_wants"`
	CommunityDetection bool `json:"community_detection" yaml:"community_detection"`
	BloomDedup         bool `json:"bloom_dedup" yaml:"bloom_dedup"`
}

// Config is one tenant's algorithm limits and switches.
type Config struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	MaxDepth           int     `json:"max_depth" yaml:"max_depth"`
	MinScore           float64 `json:"min_score" yaml:"min_score"`
	MaxLoopsPerRequest int     `json:"max_loops_per_request" yaml:"max_loops_per_request"`
	MaxCommunitySize   int     `json:"max_community_size" yaml:"max_community_size"`
	CommunityThreshold int     `json:"community_threshold" yaml:"community_threshold"`

	DiscoveryTimeout time.Duration `json:"discovery_timeout" yaml:"discovery_timeout"`
	LoopRetention    time.Duration `json:"loop_retention" yaml:"loop_retention"`
	EventQueueSize   int           `json:"event_queue_size" yaml:"event_queue_size"`

	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int     `json:"rate_burst" yaml:"rate_burst"`

	Flags   Flags           `json:"flags" yaml:"flags"`
	Weights scoring.Weights `json:"weights" yaml:"weights"`
}

// hardMaxDepth caps tenant-requested cycle depth.
const hardMaxDepth = 20

// ApplyDefaults fills zero fields with engine defaults.
func (c *Config) ApplyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 8
	}
	if c.MaxLoopsPerRequest == 0 {
		c.MaxLoopsPerRequest = 100
	}
	if c.MaxCommunitySize == 0 {
		c.MaxCommunitySize = 2000
	}
	if c.CommunityThreshold == 0 {
		c.CommunityThreshold = 200
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.LoopRetention == 0 {
		c.LoopRetention = 24 * time.Hour
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 4096
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 200
	}
	if c.RateBurst == 0 {
		c.RateBurst = 500
	}
	var zero scoring.Weights
	if c.Weights == zero {
		c.Weights = scoring.DefaultWeights()
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.MaxDepth < 2 || c.MaxDepth > hardMaxDepth {
		return domain.Errf(domain.KindInvalidInput, "max_depth %d outside [2,%d]", c.MaxDepth, hardMaxDepth)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return domain.Errf(domain.KindInvalidInput, "min_score %g outside [0,1]", c.MinScore)
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	return nil
}

// Tenant is one registered tenant plus its runtime credential and
// limiter state.
type Tenant struct {
	Config     Config
	APIKeyHash string
	CreatedAt  time.Time

	limiter *rate.Limiter
}

// ID is shorthand for the configured identifier.
func (t *Tenant) ID() string { return t.Config.ID }

// ReserveIngest applies the tenant's ingestion rate limit. On rejection
// the returned duration is the retry-after hint.
func (t *Tenant) ReserveIngest() (time.Duration, bool) {
	r := t.limiter.Reserve()
	if !r.OK() {
		return 0, false
	}
	delay := r.Delay()
	if delay > 0 {
		// Over budget right now: hand the hint back and give up the
		// reservation instead of sleeping.
		r.Cancel()
		return delay, false
	}
	return 0, true
}

// Registry maps tenant ids to tenants.
type Registry struct {
	mu        sync.RWMutex
	tenants   map[string]*Tenant
	jwtSecret []byte
}

// NewRegistry creates an empty registry. jwtSecret signs tenant service
// tokens.
func NewRegistry(jwtSecret string) *Registry {
	return &Registry{
		tenants:   make(map[string]*Tenant),
		jwtSecret: []byte(jwtSecret),
	}
}

// Create registers a tenant and returns it with a freshly issued API
// key (returned once, only its hash is retained).
func (r *Registry) Create(cfg Config) (*Tenant, string, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[cfg.ID]; exists {
		return nil, "", domain.Errf(domain.KindInvalidInput, "tenant %s already exists", cfg.ID)
	}

	apiKey := GenerateAPIKey()
	t := &Tenant{
		Config:     cfg,
		APIKeyHash: HashAPIKey(apiKey),
		CreatedAt:  time.Now(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
	r.tenants[cfg.ID] = t
	return t, apiKey, nil
}

// Get looks a tenant up by id.
func (r *Registry) Get(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, domain.Errf(domain.KindTenantUnknown, "tenant %s not found", id)
	}
	return t, nil
}

// Delete unregisters a tenant.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return domain.Errf(domain.KindTenantUnknown, "tenant %s not found", id)
	}
	delete(r.tenants, id)
	return nil
}

// IDs lists registered tenant ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		out = append(out, id)
	}
	return out
}

// Authenticate resolves a tenant from either its API key or a signed
// service token.
func (r *Registry) Authenticate(credential string) (*Tenant, error) {
	hash := HashAPIKey(credential)

	r.mu.RLock()
	for _, t := range r.tenants {
		if t.APIKeyHash == hash {
			r.mu.RUnlock()
			return t, nil
		}
	}
	r.mu.RUnlock()

	id, err := r.ValidateToken(credential)
	if err != nil {
		return nil, domain.Wrap(domain.KindTenantUnknown, err, "credential does not match any tenant")
	}
	return r.Get(id)
}
