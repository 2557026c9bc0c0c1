package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when
// PLANLOOM_CONFIG is unset.
const DefaultConfigFile = "planloom.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path comes from PLANLOOM_CONFIG, falling back to
// DefaultConfigFile; a missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("PLANLOOM_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PLANLOOM_PORT")
	setString(&cfg.Server.CORSOrigin, "PLANLOOM_CORS_ORIGIN")
	setString(&cfg.Server.BaseURL, "PLANLOOM_BASE_URL")

	setBool(&cfg.Auth.Enabled, "PLANLOOM_AUTH_ENABLED")
	setString(&cfg.Auth.APIKeyHash, "PLANLOOM_API_KEY_HASH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PLANLOOM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PLANLOOM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PLANLOOM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PLANLOOM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PLANLOOM_PG_HEALTH_CHECK")

	setBool(&cfg.NATS.Enabled, "PLANLOOM_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "PLANLOOM_NATS_STREAM")

	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.Model, "PLANLOOM_LLM_MODEL")
	setString(&cfg.LiteLLM.PlannerModel, "PLANLOOM_LLM_PLANNER_MODEL")
	setInt(&cfg.LiteLLM.MaxTokens, "PLANLOOM_LLM_MAX_TOKENS")
	setDuration(&cfg.LiteLLM.Timeout, "PLANLOOM_LLM_TIMEOUT")

	setString(&cfg.Logging.Level, "PLANLOOM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PLANLOOM_LOG_SERVICE")

	setInt(&cfg.Breaker.MaxFailures, "PLANLOOM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PLANLOOM_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "PLANLOOM_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PLANLOOM_RATE_BURST")

	setInt(&cfg.Engine.MaxSessionSteps, "PLANLOOM_ENGINE_MAX_STEPS")
	setInt(&cfg.Engine.WorkerMaxAttempts, "PLANLOOM_ENGINE_WORKER_ATTEMPTS")
	setDuration(&cfg.Engine.WorkerTimeout, "PLANLOOM_ENGINE_WORKER_TIMEOUT")
	setInt(&cfg.Engine.PlannerMaxAttempts, "PLANLOOM_ENGINE_PLANNER_ATTEMPTS")
	setBool(&cfg.Engine.SkipReview, "PLANLOOM_SKIP_REVIEW")
	setInt64(&cfg.Engine.MaxConcurrentSessions, "PLANLOOM_ENGINE_MAX_CONCURRENT")
	setDuration(&cfg.Engine.SnapshotTTL, "PLANLOOM_ENGINE_SNAPSHOT_TTL")

	setString(&cfg.Workspace.Root, "PLANLOOM_WORKSPACE_ROOT")
	setInt(&cfg.Workspace.MaxReadBytes, "PLANLOOM_WORKSPACE_MAX_READ_BYTES")
	setInt(&cfg.Workspace.MaxListEntries, "PLANLOOM_WORKSPACE_MAX_LIST_ENTRIES")
	setInt(&cfg.Workspace.MaxSearchResults, "PLANLOOM_WORKSPACE_MAX_SEARCH_RESULTS")

	setInt64(&cfg.Cache.L1MaxSizeMB, "PLANLOOM_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1Expire, "PLANLOOM_CACHE_L1_EXPIRE")
	setString(&cfg.Cache.L2Bucket, "PLANLOOM_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "PLANLOOM_CACHE_L2_TTL")

	setBool(&cfg.Telemetry.Enabled, "PLANLOOM_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "PLANLOOM_OTLP_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRatio, "PLANLOOM_TELEMETRY_SAMPLE_RATIO")

	setBool(&cfg.MCP.Enabled, "PLANLOOM_MCP_ENABLED")
	setString(&cfg.MCP.Port, "PLANLOOM_MCP_PORT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKeyHash == "" {
		return errors.New("auth.api_key_hash is required when auth is enabled")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if cfg.LiteLLM.URL == "" {
		return errors.New("litellm.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Engine.MaxSessionSteps < 1 {
		return errors.New("engine.max_session_steps must be >= 1")
	}
	if cfg.Engine.WorkerMaxAttempts < 1 {
		return errors.New("engine.worker_max_attempts must be >= 1")
	}
	if cfg.Engine.PlannerMaxAttempts < 1 {
		return errors.New("engine.planner_max_attempts must be >= 1")
	}
	if cfg.Engine.MaxConcurrentSessions < 1 {
		return errors.New("engine.max_concurrent_sessions must be >= 1")
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
