package persona

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline modes.
const (
	ModeConsolidated = "consolidated" // one backend call for core + all platforms
	ModeFanout       = "fanout"       // core call, then concurrent per-platform calls
)

// Backend providers.
const (
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Config holds the full plume configuration. Durations are plain ints with
// the unit in the field name; accessor methods convert. Secrets (the API
// key) come from the environment only, never from the file.
type Config struct {
	HTTPAddr      string              `yaml:"http_addr"`
	DBPath        string              `yaml:"db_path"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Cache         CacheConfig         `yaml:"cache"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Backend       BackendConfig       `yaml:"backend"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Observability ObservabilityConfig `yaml:"observability"`
	MCP           MCPConfig           `yaml:"mcp"`
}

// PipelineConfig tunes the orchestrator and dispatcher.
type PipelineConfig struct {
	Mode                    string `yaml:"mode"` // consolidated | fanout
	Workers                 int    `yaml:"workers"`
	CoreCallTimeoutSecs     int    `yaml:"core_call_timeout_secs"`
	PlatformCallTimeoutSecs int    `yaml:"platform_call_timeout_secs"`
	DedupeInflight          bool   `yaml:"dedupe_inflight"`
	MaxPending              int    `yaml:"max_pending"` // 0 = unlimited
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// TasksConfig tunes task retention.
type TasksConfig struct {
	RetentionHours    int `yaml:"retention_hours"`
	SweepIntervalMins int `yaml:"sweep_interval_mins"`
}

// BackendConfig selects and tunes the generation backend.
type BackendConfig struct {
	Provider string `yaml:"provider"` // openai | static
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// RateLimitConfig seeds the shield rate limiter for the create route.
type RateLimitConfig struct {
	CreatePerMinute int `yaml:"create_per_minute"`
}

// ObservabilityConfig tunes the monitoring database.
type ObservabilityConfig struct {
	DBPath        string `yaml:"db_path"` // "" means "<db_path>.obs"
	HeartbeatSecs int    `yaml:"heartbeat_secs"`
	RetentionDays int    `yaml:"retention_days"`
}

// MCPConfig gates the MCP transport.
type MCPConfig struct {
	Transport string `yaml:"transport"` // "" | "quic"
	QUICAddr  string `yaml:"quic_addr"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		DBPath:   "plume.db",
		Pipeline: PipelineConfig{
			Mode:                    ModeFanout,
			Workers:                 4,
			CoreCallTimeoutSecs:     60,
			PlatformCallTimeoutSecs: 45,
		},
		Cache: CacheConfig{TTLHours: 168},
		Tasks: TasksConfig{
			RetentionHours:    24,
			SweepIntervalMins: 10,
		},
		Backend: BackendConfig{
			Provider: ProviderOpenAI,
			Model:    "gpt-4o-mini",
		},
		RateLimit: RateLimitConfig{CreatePerMinute: 30},
		Observability: ObservabilityConfig{
			HeartbeatSecs: 15,
			RetentionDays: 30,
		},
		MCP: MCPConfig{QUICAddr: ":9444"},
	}
}

// LoadConfig reads and parses a YAML config file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// defaults fills zero fields on a partially-populated Config, so services
// constructed in code with a sparse struct behave like the file path.
func (c *Config) defaults() {
	d := DefaultConfig()
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Pipeline.Mode == "" {
		c.Pipeline.Mode = d.Pipeline.Mode
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = d.Pipeline.Workers
	}
	if c.Pipeline.CoreCallTimeoutSecs <= 0 {
		c.Pipeline.CoreCallTimeoutSecs = d.Pipeline.CoreCallTimeoutSecs
	}
	if c.Pipeline.PlatformCallTimeoutSecs <= 0 {
		c.Pipeline.PlatformCallTimeoutSecs = d.Pipeline.PlatformCallTimeoutSecs
	}
	if c.Cache.TTLHours <= 0 {
		c.Cache.TTLHours = d.Cache.TTLHours
	}
	if c.Tasks.RetentionHours <= 0 {
		c.Tasks.RetentionHours = d.Tasks.RetentionHours
	}
	if c.Tasks.SweepIntervalMins <= 0 {
		c.Tasks.SweepIntervalMins = d.Tasks.SweepIntervalMins
	}
	if c.Backend.Provider == "" {
		c.Backend.Provider = d.Backend.Provider
	}
	if c.Backend.Model == "" {
		c.Backend.Model = d.Backend.Model
	}
	if c.Observability.HeartbeatSecs <= 0 {
		c.Observability.HeartbeatSecs = d.Observability.HeartbeatSecs
	}
	if c.Observability.RetentionDays <= 0 {
		c.Observability.RetentionDays = d.Observability.RetentionDays
	}
	if c.MCP.QUICAddr == "" {
		c.MCP.QUICAddr = d.MCP.QUICAddr
	}
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case ModeConsolidated, ModeFanout:
	default:
		return fmt.Errorf("pipeline.mode: unsupported %q (use consolidated or fanout)", c.Pipeline.Mode)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxPending < 0 {
		return fmt.Errorf("pipeline.max_pending must be >= 0")
	}
	switch c.Backend.Provider {
	case ProviderOpenAI, ProviderStatic:
	default:
		return fmt.Errorf("backend.provider: unsupported %q (use openai or static)", c.Backend.Provider)
	}
	if c.RateLimit.CreatePerMinute < 0 {
		return fmt.Errorf("ratelimit.create_per_minute must be >= 0")
	}
	return nil
}

// ObsDBPath returns the observability database path, defaulting to the
// main path with an .obs suffix.
func (c *Config) ObsDBPath() string {
	if c.Observability.DBPath != "" {
		return c.Observability.DBPath
	}
	return c.DBPath + ".obs"
}

func (c *PipelineConfig) CoreCallTimeout() time.Duration {
	return time.Duration(c.CoreCallTimeoutSecs) * time.Second
}

func (c *PipelineConfig) PlatformCallTimeout() time.Duration {
	return time.Duration(c.PlatformCallTimeoutSecs) * time.Second
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c *TasksConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *TasksConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMins) * time.Minute
}

func (c *ObservabilityConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}
