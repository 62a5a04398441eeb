package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malwatch-project/malwatch/internal/core"
)

// Config holds the entire malwatch configuration.
type Config struct {
	Bus     BusConfig                `yaml:"bus"`
	Store   StoreConfig              `yaml:"store"`
	Queue   QueueConfig              `yaml:"queue"`
	Sandbox SandboxConfig            `yaml:"sandbox"`
	Rules   RulesConfig              `yaml:"rules"`
	Intel   IntelConfig              `yaml:"intel"`
	Scoring ScoringConfig            `yaml:"scoring"`
	Tenants map[string]TenantConfig  `yaml:"tenants"`
	Logging LoggingConfig            `yaml:"logging"`
}

// BusConfig holds NATS report/audit bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// StoreConfig holds fingerprint/dedup store settings.
type StoreConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// StageConfig holds per-stage queue limits and retry policy.
type StageConfig struct {
	MaxDepth     int           `yaml:"max_depth"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

// QueueConfig holds stage queue manager settings.
type QueueConfig struct {
	LeaseWait    time.Duration `yaml:"lease_wait"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	Triage       StageConfig   `yaml:"triage"`
	Static       StageConfig   `yaml:"static"`
	Dynamic      StageConfig   `yaml:"dynamic"`
	Reporting    StageConfig   `yaml:"reporting"`
}

// Stage returns the config block for a stage kind.
func (q QueueConfig) Stage(kind core.StageKind) StageConfig {
	switch kind {
	case core.StageStatic:
		return q.Static
	case core.StageDynamic:
		return q.Dynamic
	case core.StageReporting:
		return q.Reporting
	default:
		return q.Triage
	}
}

// SandboxConfig holds detonation lifecycle settings.
type SandboxConfig struct {
	GlobalMaxSessions int           `yaml:"global_max_sessions"`
	TenantMaxSessions int           `yaml:"tenant_max_sessions"`
	ProvisionTimeout  time.Duration `yaml:"provision_timeout"`
	ExecutionWindow   time.Duration `yaml:"execution_window"`
	Sequential        bool          `yaml:"sequential"` // run Dynamic only after Static
	EgressAllowlist   []string      `yaml:"egress_allowlist"`
}

// RulesConfig holds signature engine settings.
type RulesConfig struct {
	Paths         []string      `yaml:"paths"`
	CancelEvery   int           `yaml:"cancel_check_bytes"` // ctx check interval during Evaluate
	ReloadOnHUP   bool          `yaml:"reload_on_hup"`
	CompileBudget time.Duration `yaml:"compile_budget"`
}

// FeedConfig describes one threat-intel feed source.
type FeedConfig struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"` // "urlhaus_csv", "hash_list", "phone_list"
	Path       string  `yaml:"path"`
	Cron       string  `yaml:"cron"`
	Confidence float64 `yaml:"confidence"`
}

// IntelConfig holds IOC index and feed refresh settings.
type IntelConfig struct {
	Shards   int          `yaml:"shards"`
	Feeds    []FeedConfig `yaml:"feeds"`
	MaxFetch int          `yaml:"max_fetch"` // cap on records ingested per refresh, 0 = unlimited
}

// ScoringConfig holds the verdict scoring policy. Thresholds are deployment
// configuration, never hardcoded in scoring logic.
type ScoringConfig struct {
	SignatureWeight     float64 `yaml:"signature_weight"`
	IOCWeight           float64 `yaml:"ioc_weight"`
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`
	MaliciousThreshold  float64 `yaml:"malicious_threshold"`
	FailurePenalty      float64 `yaml:"failure_penalty"` // confidence multiplier per failed stage
	PackedSignal        float64 `yaml:"packed_signal"`   // severity-equivalent weight for high-entropy samples
}

// TenantConfig holds per-tenant quota and policy. AllowDynamic is a pointer
// so a tenant block that omits the key keeps the default (allowed) instead
// of silently disabling detonation.
type TenantConfig struct {
	MaxDetonations int   `yaml:"max_detonations"`
	MaxQueueDepth  int   `yaml:"max_queue_depth"`
	Priority       int   `yaml:"priority"`
	AllowDynamic   *bool `yaml:"allow_dynamic"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults, so running with no
// config file works out of the box.
func DefaultConfig() *Config {
	stage := func(depth, workers, attempts int) StageConfig {
		return StageConfig{
			MaxDepth:     depth,
			Workers:      workers,
			MaxAttempts:  attempts,
			LeaseTTL:     2 * time.Minute,
			RetryInitial: 500 * time.Millisecond,
			RetryMax:     30 * time.Second,
		}
	}
	dynamic := stage(64, 2, 1) // detonation is expensive, one attempt
	// The lease must outlive a detonation that legitimately uses its whole
	// budget (provision, execution window, teardown), or the reaper
	// dead-letters a session that is still running.
	dynamic.LeaseTTL = 5 * time.Minute
	return &Config{
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Store: StoreConfig{
			Path: "./data/malwatch.db",
		},
		Queue: QueueConfig{
			LeaseWait:    2 * time.Second,
			ReapInterval: time.Second,
			Triage:       stage(256, 2, 3),
			Static:       stage(256, 4, 3),
			Dynamic:      dynamic,
			Reporting:    stage(256, 2, 3),
		},
		Sandbox: SandboxConfig{
			GlobalMaxSessions: 8,
			TenantMaxSessions: 2,
			ProvisionTimeout:  30 * time.Second,
			ExecutionWindow:   2 * time.Minute,
			EgressAllowlist:   []string{"telemetry.sandbox.internal:4318"},
		},
		Rules: RulesConfig{
			Paths:       []string{"./rules"},
			CancelEvery: 1 << 20,
		},
		Intel: IntelConfig{
			Shards:   64,
			MaxFetch: 0,
		},
		Scoring: ScoringConfig{
			SignatureWeight:     0.6,
			IOCWeight:           0.4,
			SuspiciousThreshold: 0.35,
			MaliciousThreshold:  0.7,
			FailurePenalty:      0.8,
			PackedSignal:        0.3,
		},
		Tenants: map[string]TenantConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations with contradictory limits.
func (c *Config) Validate() error {
	if c.Scoring.MaliciousThreshold < c.Scoring.SuspiciousThreshold {
		return fmt.Errorf("scoring: malicious_threshold %.2f below suspicious_threshold %.2f",
			c.Scoring.MaliciousThreshold, c.Scoring.SuspiciousThreshold)
	}
	if c.Sandbox.GlobalMaxSessions < 1 {
		return fmt.Errorf("sandbox: global_max_sessions must be at least 1")
	}
	if c.Sandbox.TenantMaxSessions > c.Sandbox.GlobalMaxSessions {
		return fmt.Errorf("sandbox: tenant_max_sessions %d exceeds global_max_sessions %d",
			c.Sandbox.TenantMaxSessions, c.Sandbox.GlobalMaxSessions)
	}
	if ttl := c.Queue.Dynamic.LeaseTTL; ttl > 0 {
		budget := c.Sandbox.ProvisionTimeout + c.Sandbox.ExecutionWindow + c.Sandbox.ProvisionTimeout
		if ttl <= budget {
			return fmt.Errorf("queue: dynamic lease_ttl %s does not cover the detonation budget %s",
				ttl, budget)
		}
	}
	for name, f := range c.Intel.Feeds {
		if f.Name == "" {
			return fmt.Errorf("intel: feed %d has no name", name)
		}
	}
	return nil
}

// Tenant resolves a TenantContext for the given tenant ID, applying
// per-tenant overrides on top of global sandbox defaults. Unknown tenants
// get the defaults.
func (c *Config) Tenant(id string) core.TenantContext {
	t := core.TenantContext{
		ID:             id,
		MaxDetonations: c.Sandbox.TenantMaxSessions,
		MaxQueueDepth:  0,
		AllowDynamic:   true,
	}
	if tc, ok := c.Tenants[id]; ok {
		if tc.MaxDetonations > 0 {
			t.MaxDetonations = tc.MaxDetonations
		}
		t.MaxQueueDepth = tc.MaxQueueDepth
		t.Priority = tc.Priority
		if tc.AllowDynamic != nil {
			t.AllowDynamic = *tc.AllowDynamic
		}
	}
	return t
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
