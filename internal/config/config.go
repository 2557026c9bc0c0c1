// Package config provides hierarchical configuration loading for PlanLoom.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the PlanLoom service.
type Config struct {
	Server    Server    `yaml:"server"`
	Auth      Auth      `yaml:"auth"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	LiteLLM   LiteLLM   `yaml:"litellm"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Rate      Rate      `yaml:"rate"`
	Engine    Engine    `yaml:"engine"`
	Workspace Workspace `yaml:"workspace"`
	Cache     Cache     `yaml:"cache"`
	Telemetry Telemetry `yaml:"telemetry"`
	MCP       MCP       `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	BaseURL    string `yaml:"base_url"` // advertised in the agent card
}

// Auth holds API authentication configuration. The key hash is a bcrypt hash
// produced by `planloom admin hash-key`; the plaintext key never lives in
// config.
type Auth struct {
	Enabled    bool   `yaml:"enabled"`
	APIKeyHash string `yaml:"api_key_hash"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN selects
// the in-memory store: sessions are lost on restart.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. Disabling it turns off the event
// bus and the L2 snapshot cache.
type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

// LiteLLM holds the text-generation gateway configuration. The gateway
// bearer key is a secret and lives in the vault, not here.
type LiteLLM struct {
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	PlannerModel string        `yaml:"planner_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for the LLM gateway.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Engine holds plan-execution budgets. Every bound the state machine
// enforces is injected from here.
type Engine struct {
	MaxSessionSteps       int           `yaml:"max_session_steps"`       // component invocations per session before abort (default: 50)
	WorkerMaxAttempts     int           `yaml:"worker_max_attempts"`     // reasoning/tool round-trips per step (default: 5)
	WorkerTimeout         time.Duration `yaml:"worker_timeout"`          // wall clock per worker invocation (default: 2m)
	PlannerMaxAttempts    int           `yaml:"planner_max_attempts"`    // plan synthesis tries before fallback (default: 2)
	SkipReview            bool          `yaml:"skip_review"`             // bypass the review gate (non-interactive mode)
	MaxConcurrentSessions int64         `yaml:"max_concurrent_sessions"` // parallel session runs per process (default: 8)
	SnapshotTTL           time.Duration `yaml:"snapshot_ttl"`            // snapshot cache lifetime (default: 5m)
}

// Workspace holds filesystem tool configuration.
type Workspace struct {
	Root             string `yaml:"root"`
	MaxReadBytes     int    `yaml:"max_read_bytes"`
	MaxListEntries   int    `yaml:"max_list_entries"`
	MaxSearchResults int    `yaml:"max_search_results"`
}

// Cache holds snapshot cache sizing.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L1Expire    time.Duration `yaml:"l1_expire"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// MCP holds the Model Context Protocol inspection server configuration.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
			BaseURL:    "http://localhost:8080",
		},
		Auth: Auth{
			Enabled: false,
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Enabled: false,
			URL:     "nats://localhost:4222",
			Stream:  "SESSIONS",
		},
		LiteLLM: LiteLLM{
			URL:          "http://localhost:4000",
			Model:        "openai/gpt-4o",
			PlannerModel: "openai/gpt-4o-mini",
			MaxTokens:    4096,
			Timeout:      90 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "planloom",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
		},
		Engine: Engine{
			MaxSessionSteps:       50,
			WorkerMaxAttempts:     5,
			WorkerTimeout:         2 * time.Minute,
			PlannerMaxAttempts:    2,
			SkipReview:            false,
			MaxConcurrentSessions: 8,
			SnapshotTTL:           5 * time.Minute,
		},
		Workspace: Workspace{
			Root:             "./workspace",
			MaxReadBytes:     8000,
			MaxListEntries:   300,
			MaxSearchResults: 50,
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
			L1Expire:    time.Minute,
			L2Bucket:    "planloom-snapshots",
			L2TTL:       10 * time.Minute,
		},
		Telemetry: Telemetry{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1.0,
		},
		MCP: MCP{
			Enabled: false,
			Port:    "8090",
		},
	}
}
