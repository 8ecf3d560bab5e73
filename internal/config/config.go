// Package config loads service configuration from layered TOML files with
// environment variable overrides.
//
// Files are read from the config directory in order: global.toml, then
// {environment}.toml, then {environment}-local.toml. Later files override
// earlier ones key by key; missing files are skipped. Credential fields may
// hold secret references (see internal/secrets) and are resolved after
// loading.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"go.triggerflow.dev/internal/secrets"
)

const defaultEnvironment = "dev"

// environmentSources are checked in order for the deployment environment
// name.
var environmentSources = []string{
	"TRIGGERFLOW_ENVIRONMENT",
	"TRIGGER_ENVIRONMENT",
}

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the full service configuration
type Config struct {
	Environment string `toml:"-"`

	HTTP    HTTPConfig   `toml:"http"`
	MongoDB MongoConfig  `toml:"mongodb"`
	Redis   RedisConfig  `toml:"redis"`
	Auth    AuthConfig   `toml:"auth"`
	Admin   AdminConfig  `toml:"admin"`
	Queues  QueuesConfig `toml:"queues"`
	Action  ActionConfig `toml:"action"`
	Poller  PollerConfig `toml:"poller"`
	Reaper  ReaperConfig `toml:"reaper"`
	Leader  LeaderConfig `toml:"leader"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// MongoConfig configures the trigger store
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// RedisConfig configures the optional Redis backend used by the scope cache
// and leader election
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// AuthConfig configures the Globus Auth client
type AuthConfig struct {
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`

	// AlternativeClientID, when set, is retried for token introspection if
	// the primary client cannot see the token. The secret falls back to
	// ClientSecret when unset.
	AlternativeClientID     string `toml:"alternative_client_id"`
	AlternativeClientSecret string `toml:"alternative_client_secret"`

	ManageTriggersScope string `toml:"manage_triggers_scope"`
	QueuesReceiveScope  string `toml:"queues_receive_scope"`

	ScopeCacheTTL  Duration `toml:"scope_cache_ttl"`
	ScopeCacheSize int      `toml:"scope_cache_size"`
}

// AdminConfig configures the operator surface. Both fields are optional;
// admin routes are disabled when neither is set.
type AdminConfig struct {
	// JWTSecret signs and verifies operator bearer tokens.
	JWTSecret string `toml:"jwt_secret"`
	// APIKeyHash is the bcrypt hash of the static operator API key.
	APIKeyHash string `toml:"api_key_hash"`
}

// QueuesConfig selects and tunes the queue backend
type QueuesConfig struct {
	// Backend is one of "globus", "sqs" or "embedded".
	Backend string `toml:"backend"`

	GlobusBaseURL string  `toml:"globus_base_url"`
	RateLimit     float64 `toml:"rate_limit"`
	RateBurst     int     `toml:"rate_burst"`

	// SQSRegion is the AWS region for the sqs backend.
	SQSRegion string `toml:"sqs_region"`
	// SQSEndpoint overrides the AWS endpoint, for localstack.
	SQSEndpoint string `toml:"sqs_endpoint"`

	// EmbeddedPort is the port of the in-process NATS server used by the
	// embedded dev backend.
	EmbeddedPort int `toml:"embedded_port"`
}

// ActionConfig tunes calls to action providers
type ActionConfig struct {
	Timeout            Duration `toml:"timeout"`
	MaxRetries         int      `toml:"max_retries"`
	BreakerMaxRequests uint32   `toml:"breaker_max_requests"`
	BreakerInterval    Duration `toml:"breaker_interval"`
	BreakerTimeout     Duration `toml:"breaker_timeout"`
}

// PollerConfig tunes per-trigger queue pollers
type PollerConfig struct {
	InitialInterval   Duration `toml:"initial_interval"`
	MinInterval       Duration `toml:"min_interval"`
	MaxInterval       Duration `toml:"max_interval"`
	MaxMessages       int      `toml:"max_messages"`
	StatusHistory     int      `toml:"status_history"`
	ExpressionTimeout Duration `toml:"expression_timeout"`
}

// ReaperConfig tunes poller finalization
type ReaperConfig struct {
	QueueCapacity int      `toml:"queue_capacity"`
	WaitInterval  Duration `toml:"wait_interval"`
}

// LeaderConfig configures optional Redis leader election for multi-replica
// deployments
type LeaderConfig struct {
	Enabled         bool     `toml:"enabled"`
	LockName        string   `toml:"lock_name"`
	LeaseDuration   Duration `toml:"lease_duration"`
	RefreshInterval Duration `toml:"refresh_interval"`

	// Reconcile tails the trigger collection's change stream while
	// leading, so enables and deletes handled by follower replicas take
	// effect without a re-election. Requires a MongoDB replica set.
	Reconcile bool `toml:"reconcile"`
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Environment: defaultEnvironment,
		HTTP: HTTPConfig{
			Port: 5001,
		},
		MongoDB: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "triggerflow",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			BaseURL:             "https://auth.globus.org",
			ManageTriggersScope: "https://auth.globus.org/scopes/5292be17-96f0-4ab6-957a-ecd516a1759e/manage_triggers",
			QueuesReceiveScope:  "https://auth.globus.org/scopes/3170bf0b-6789-4285-9aba-8b7875be7cbc/receive",
			ScopeCacheTTL:       Duration{12 * time.Hour},
			ScopeCacheSize:      100,
		},
		Queues: QueuesConfig{
			Backend:       "globus",
			GlobusBaseURL: "https://queues.api.globus.org",
			RateLimit:     10,
			RateBurst:     10,
			SQSRegion:     "us-east-1",
			EmbeddedPort:  4222,
		},
		Action: ActionConfig{
			Timeout:            Duration{30 * time.Second},
			MaxRetries:         2,
			BreakerMaxRequests: 3,
			BreakerInterval:    Duration{60 * time.Second},
			BreakerTimeout:     Duration{30 * time.Second},
		},
		Poller: PollerConfig{
			InitialInterval:   Duration{5 * time.Second},
			MinInterval:       Duration{1 * time.Second},
			MaxInterval:       Duration{30 * time.Second},
			MaxMessages:       10,
			StatusHistory:     100,
			ExpressionTimeout: Duration{1 * time.Second},
		},
		Reaper: ReaperConfig{
			QueueCapacity: 100,
			WaitInterval:  Duration{10 * time.Second},
		},
		Leader: LeaderConfig{
			LockName:        "triggerflow:leader",
			LeaseDuration:   Duration{15 * time.Second},
			RefreshInterval: Duration{5 * time.Second},
			Reconcile:       true,
		},
	}
}

// Load reads configuration from the directory named by
// TRIGGERFLOW_CONFIG_DIR (default "config").
func Load() (*Config, error) {
	return LoadDir(getEnv("TRIGGERFLOW_CONFIG_DIR", "config"))
}

// LoadDir reads the layered configuration files from dir.
func LoadDir(dir string) (*Config, error) {
	cfg := Default()
	cfg.Environment = environmentName()

	layers := []string{
		"global.toml",
		cfg.Environment + ".toml",
		cfg.Environment + "-local.toml",
	}
	for _, name := range layers {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveSecrets replaces secret references in credential fields with the
// values they point at.
func (c *Config) ResolveSecrets(ctx context.Context, r *secrets.Resolver) error {
	fields := map[string]*string{
		"mongodb.uri":                    &c.MongoDB.URI,
		"redis.password":                 &c.Redis.Password,
		"auth.client_secret":             &c.Auth.ClientSecret,
		"auth.alternative_client_secret": &c.Auth.AlternativeClientSecret,
		"admin.jwt_secret":               &c.Admin.JWTSecret,
		"admin.api_key_hash":             &c.Admin.APIKeyHash,
	}
	for name, field := range fields {
		if !secrets.IsReference(*field) {
			continue
		}
		v, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		*field = v
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.MongoDB.URI == "" {
		return fmt.Errorf("mongodb.uri is required")
	}
	switch c.Queues.Backend {
	case "globus", "sqs", "embedded":
	default:
		return fmt.Errorf("queues.backend %q is not one of globus, sqs, embedded", c.Queues.Backend)
	}
	if c.Poller.MinInterval.Duration > c.Poller.MaxInterval.Duration {
		return fmt.Errorf("poller.min_interval exceeds poller.max_interval")
	}
	if c.Poller.MaxMessages <= 0 {
		return fmt.Errorf("poller.max_messages must be positive")
	}
	if c.Reaper.QueueCapacity <= 0 {
		return fmt.Errorf("reaper.queue_capacity must be positive")
	}
	if c.Leader.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("leader election requires redis to be enabled")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.HTTP.Port = getEnvInt("TRIGGERFLOW_PORT", c.HTTP.Port)
	c.MongoDB.URI = getEnv("TRIGGERFLOW_MONGODB_URI", c.MongoDB.URI)
	c.MongoDB.Database = getEnv("TRIGGERFLOW_MONGODB_DATABASE", c.MongoDB.Database)
	c.Redis.Enabled = getEnvBool("TRIGGERFLOW_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("TRIGGERFLOW_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("TRIGGERFLOW_REDIS_PASSWORD", c.Redis.Password)
	c.Auth.ClientID = getEnv("TRIGGERFLOW_AUTH_CLIENT_ID", c.Auth.ClientID)
	c.Auth.ClientSecret = getEnv("TRIGGERFLOW_AUTH_CLIENT_SECRET", c.Auth.ClientSecret)
	c.Queues.Backend = getEnv("TRIGGERFLOW_QUEUES_BACKEND", c.Queues.Backend)
	c.Queues.SQSRegion = getEnv("TRIGGERFLOW_SQS_REGION", c.Queues.SQSRegion)
	c.Queues.SQSEndpoint = getEnv("TRIGGERFLOW_SQS_ENDPOINT", c.Queues.SQSEndpoint)
	c.Leader.Enabled = getEnvBool("TRIGGERFLOW_LEADER_ENABLED", c.Leader.Enabled)
	c.Leader.Reconcile = getEnvBool("TRIGGERFLOW_LEADER_RECONCILE", c.Leader.Reconcile)
}

func environmentName() string {
	for _, source := range environmentSources {
		if v := os.Getenv(source); v != "" {
			return v
		}
	}
	return defaultEnvironment
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
