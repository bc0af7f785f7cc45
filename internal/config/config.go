package config

import (
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine-wide deployment configuration. Per-tenant
// settings are supplied programmatically at tenant creation and do not
// live here.
type Config struct {
	// SnapshotDatabaseURL enables the Postgres snapshot store when set;
	// otherwise snapshots stay in memory.
	SnapshotDatabaseURL string `yaml:"snapshot_database_url"`

	JWTSecret string `yaml:"jwt_secret"`

	// WorkerPoolSize bounds concurrent cycle-enumeration tasks per
	// tenant. Zero means one worker per CPU core.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	ResolverCacheSize int           `yaml:"resolver_cache_size"`
	ResolverCacheTTL  time.Duration `yaml:"resolver_cache_ttl"`

	// Webhook delivery backends for loop change notifications.
	SvixAuthToken string `yaml:"svix_auth_token"`
	SvixServerURL string `yaml:"svix_server_url"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = runtime.NumCPU()
	}
	if c.ResolverCacheSize <= 0 {
		c.ResolverCacheSize = 4096
	}
	if c.ResolverCacheTTL <= 0 {
		c.ResolverCacheTTL = 10 * time.Minute
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("ENGINE_JWT_SECRET")
	}
}
