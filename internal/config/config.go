// Package config loads and validates the mesh's runtime configuration.
// It follows gomind's core.Config three-layer priority — defaults, then
// environment variables, then functional options — grounded on
// core/config.go's DefaultConfig/LoadFromEnv/NewConfig pattern. Unlike
// core.Config it also loads YAML, completing the format core/config.go's
// LoadFromFile leaves as a TODO ("For YAML support, we'd need to import
// gopkg.in/yaml.v3").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the JSON-RPC HTTP front-end.
type ServerConfig struct {
	Address string `yaml:"address" env:"MESH_ADDRESS" default:"0.0.0.0"`
	Port    int    `yaml:"port" env:"MESH_PORT" default:"8090"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Dir            string `yaml:"dir" env:"MESH_AUDIT_DIR" default:"./var/audit"`
	RingSize       int    `yaml:"ring_size" env:"MESH_AUDIT_RING_SIZE" default:"1000"`
	FlushThreshold int    `yaml:"flush_threshold" env:"MESH_AUDIT_FLUSH_THRESHOLD" default:"100"`
}

// MemoryConfig configures the content store.
type MemoryConfig struct {
	Dir        string `yaml:"dir" env:"MESH_MEMORY_DIR" default:"./var/memory"`
	MaxEntries int    `yaml:"max_entries" env:"MESH_MEMORY_MAX_ENTRIES" default:"10000"`
}

// QueueConfig configures the command queue.
type QueueConfig struct {
	MaxQueueSize int    `yaml:"max_queue_size" env:"MESH_QUEUE_MAX_SIZE" default:"1000"`
	SnapshotPath string `yaml:"snapshot_path" env:"MESH_QUEUE_SNAPSHOT_PATH" default:"./var/queue/snapshot.json"`
	RedisURL     string `yaml:"redis_url" env:"MESH_QUEUE_REDIS_URL,REDIS_URL"`
}

// RateLimitConfig configures the mesh's per-endpoint request limiter.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm" env:"MESH_RATE_LIMIT_DEFAULT_RPM" default:"60"`
	Overrides  map[string]int `yaml:"overrides"`
}

// CircuitBreakerConfig configures the mesh's per-endpoint breaker registry.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"MESH_CB_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"MESH_CB_RECOVERY_TIMEOUT" default:"60s"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" env:"MESH_CB_HALF_OPEN_MAX_CALLS" default:"3"`
}

// CycleDetectConfig configures the per-trace call-chain tracker.
type CycleDetectConfig struct {
	MaxDepth int `yaml:"max_depth" env:"MESH_CYCLE_MAX_DEPTH" default:"10"`
}

// MeshConfig groups the guarded-call subsystem's tunables.
type MeshConfig struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	CycleDetect    CycleDetectConfig    `yaml:"cycle_detect"`
}

// ChainConfig configures the Cycle Engine and Chain Engine.
type ChainConfig struct {
	WorkspaceBase    string        `yaml:"workspace_base" env:"MESH_CHAIN_WORKSPACE" default:"./var/chains"`
	DefaultLead      string        `yaml:"default_lead" env:"MESH_CHAIN_DEFAULT_LEAD" default:"gemini"`
	MaxCycles        int           `yaml:"max_cycles" env:"MESH_CHAIN_MAX_CYCLES" default:"10"`
	MaxParallelTasks int           `yaml:"max_parallel_tasks" env:"MESH_CHAIN_MAX_PARALLEL_TASKS" default:"8"`
	CycleTimeout     time.Duration `yaml:"cycle_timeout" env:"MESH_CHAIN_CYCLE_TIMEOUT" default:"120s"`
}

// AnthropicConfig configures the transport used to reach the lead model.
type AnthropicConfig struct {
	APIKey  string `yaml:"-" env:"ANTHROPIC_API_KEY"`
	BaseURL string `yaml:"base_url" env:"MESH_ANTHROPIC_BASE_URL"`
}

// RBACConfig seeds the caller->role table. RolesFile, when set, is
// hot-reloaded by WatchRoles (see watch.go) so role grants can change without a
// restart.
type RBACConfig struct {
	CallerRoles map[string]string `yaml:"caller_roles"`
	RolesFile   string            `yaml:"roles_file" env:"MESH_RBAC_ROLES_FILE"`
}

// Config is the complete runtime configuration for one mesh process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audit      AuditConfig      `yaml:"audit"`
	Memory     MemoryConfig     `yaml:"memory"`
	Queue      QueueConfig      `yaml:"queue"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Chain      ChainConfig      `yaml:"chain"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	RBAC       RBACConfig       `yaml:"rbac"`
	LogLevel   string           `yaml:"log_level" env:"MESH_LOG_LEVEL" default:"info"`
	LogFormat  string           `yaml:"log_format" env:"MESH_LOG_FORMAT"`
}

// Option is a functional option applied after defaults and environment
// variables, mirroring core.Config's Option priority.
type Option func(*Config) error

// DefaultConfig returns a Config populated with the struct tag defaults
// above. Paths are relative to the process working directory.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Address: "0.0.0.0", Port: 8090},
		Audit: AuditConfig{
			Dir:            "./var/audit",
			RingSize:       1000,
			FlushThreshold: 100,
		},
		Memory: MemoryConfig{
			Dir:        "./var/memory",
			MaxEntries: 10000,
		},
		Queue: QueueConfig{
			MaxQueueSize: 1000,
			SnapshotPath: "./var/queue/snapshot.json",
		},
		Mesh: MeshConfig{
			RateLimit:      RateLimitConfig{DefaultRPM: 60},
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 3},
			CycleDetect:    CycleDetectConfig{MaxDepth: 10},
		},
		Chain: ChainConfig{
			WorkspaceBase:    "./var/chains",
			DefaultLead:      "gemini",
			MaxCycles:        10,
			MaxParallelTasks: 8,
			CycleTimeout:     120 * time.Second,
		},
		RBAC: RBACConfig{
			CallerRoles: map[string]string{
				"admin": string(meshtypes.RoleAdmin),
			},
		},
		LogLevel:  "info",
		LogFormat: "",
	}
}

// LoadFromEnv overlays environment variables onto c, matching the env
// tags declared above. Unset variables leave the current value in place.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MESH_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("MESH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("MESH_AUDIT_DIR"); v != "" {
		c.Audit.Dir = v
	}
	if v := os.Getenv("MESH_AUDIT_RING_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_AUDIT_RING_SIZE: %w", err)
		}
		c.Audit.RingSize = n
	}
	if v := os.Getenv("MESH_AUDIT_FLUSH_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_AUDIT_FLUSH_THRESHOLD: %w", err)
		}
		c.Audit.FlushThreshold = n
	}
	if v := os.Getenv("MESH_MEMORY_DIR"); v != "" {
		c.Memory.Dir = v
	}
	if v := os.Getenv("MESH_MEMORY_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_MEMORY_MAX_ENTRIES: %w", err)
		}
		c.Memory.MaxEntries = n
	}
	if v := os.Getenv("MESH_QUEUE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_QUEUE_MAX_SIZE: %w", err)
		}
		c.Queue.MaxQueueSize = n
	}
	if v := os.Getenv("MESH_QUEUE_SNAPSHOT_PATH"); v != "" {
		c.Queue.SnapshotPath = v
	}
	if v := os.Getenv("MESH_QUEUE_REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	}
	if v := os.Getenv("MESH_RATE_LIMIT_DEFAULT_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_RATE_LIMIT_DEFAULT_RPM: %w", err)
		}
		c.Mesh.RateLimit.DefaultRPM = n
	}
	if v := os.Getenv("MESH_CB_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CB_FAILURE_THRESHOLD: %w", err)
		}
		c.Mesh.CircuitBreaker.FailureThreshold = n
	}
	if v := os.Getenv("MESH_CB_RECOVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CB_RECOVERY_TIMEOUT: %w", err)
		}
		c.Mesh.CircuitBreaker.RecoveryTimeout = d
	}
	if v := os.Getenv("MESH_CB_HALF_OPEN_MAX_CALLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CB_HALF_OPEN_MAX_CALLS: %w", err)
		}
		c.Mesh.CircuitBreaker.HalfOpenMaxCalls = n
	}
	if v := os.Getenv("MESH_CYCLE_MAX_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CYCLE_MAX_DEPTH: %w", err)
		}
		c.Mesh.CycleDetect.MaxDepth = n
	}
	if v := os.Getenv("MESH_CHAIN_WORKSPACE"); v != "" {
		c.Chain.WorkspaceBase = v
	}
	if v := os.Getenv("MESH_CHAIN_DEFAULT_LEAD"); v != "" {
		c.Chain.DefaultLead = v
	}
	if v := os.Getenv("MESH_CHAIN_MAX_CYCLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CHAIN_MAX_CYCLES: %w", err)
		}
		c.Chain.MaxCycles = n
	}
	if v := os.Getenv("MESH_CHAIN_MAX_PARALLEL_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CHAIN_MAX_PARALLEL_TASKS: %w", err)
		}
		c.Chain.MaxParallelTasks = n
	}
	if v := os.Getenv("MESH_CHAIN_CYCLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MESH_CHAIN_CYCLE_TIMEOUT: %w", err)
		}
		c.Chain.CycleTimeout = d
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("MESH_ANTHROPIC_BASE_URL"); v != "" {
		c.Anthropic.BaseURL = v
	}
	if v := os.Getenv("MESH_RBAC_ROLES_FILE"); v != "" {
		c.RBAC.RolesFile = v
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MESH_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	return nil
}

// LoadFromFile overlays a YAML or JSON file onto c. Unlike
// core.Config.LoadFromFile, YAML is fully supported rather than rejected.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return fmt.Errorf("config: unsupported config file extension %s", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", cleanPath, err)
	}

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse yaml %s: %w", cleanPath, err)
		}
	case ".json":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse json %s: %w", cleanPath, err)
		}
	}
	return nil
}

// Validate reports the first configuration error found, if any.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("config: queue max_queue_size must be positive")
	}
	if c.Chain.MaxCycles < 1 {
		return fmt.Errorf("config: chain max_cycles must be positive")
	}
	if c.Chain.MaxParallelTasks < 1 {
		return fmt.Errorf("config: chain max_parallel_tasks must be positive")
	}
	for caller, role := range c.RBAC.CallerRoles {
		if !validRole(role) {
			return fmt.Errorf("config: caller_roles[%s]: unknown role %q", caller, role)
		}
	}
	return nil
}

func validRole(role string) bool {
	switch meshtypes.Role(role) {
	case meshtypes.RoleAdmin, meshtypes.RoleLead, meshtypes.RoleWorker, meshtypes.RoleReviewer, meshtypes.RoleReader:
		return true
	default:
		return false
	}
}

// RoleMap converts RBAC.CallerRoles to the typed map rbac.New expects.
func (c *Config) RoleMap() map[string]meshtypes.Role {
	out := make(map[string]meshtypes.Role, len(c.RBAC.CallerRoles))
	for caller, role := range c.RBAC.CallerRoles {
		out[caller] = meshtypes.Role(role)
	}
	return out
}

// WithConfigFile loads path before any other option runs, so later
// options can still override file settings.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithPort overrides the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		c.Server.Port = port
		return nil
	}
}

// WithAnthropicAPIKey overrides the transport's API key.
func WithAnthropicAPIKey(key string) Option {
	return func(c *Config) error {
		c.Anthropic.APIKey = key
		return nil
	}
}

// New builds a Config from defaults, then environment variables, then
// opts, validating the result. This is the standard entry point for
// cmd/meshd.
func New(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("config: apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
