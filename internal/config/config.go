// ABOUTME: Configuration loading and parsing for a coven-courier agent
// ABOUTME: Reads YAML or TOML (by extension) with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one agent process.
type Config struct {
	Agent      AgentConfig       `yaml:"agent" toml:"agent"`
	Storage    StorageConfig     `yaml:"storage" toml:"storage"`
	Auth       AuthConfig        `yaml:"auth" toml:"auth"`
	Delivery   DeliveryConfig    `yaml:"delivery" toml:"delivery"`
	Registry   RegistryConfig    `yaml:"registry" toml:"registry"`
	Delegation DelegationConfig  `yaml:"delegation" toml:"delegation"`
	Approval   ApprovalConfig    `yaml:"approval" toml:"approval"`
	Hierarchy  []HierarchyMember `yaml:"hierarchy" toml:"hierarchy"`
	Logging    LoggingConfig     `yaml:"logging" toml:"logging"`
	Tracing    TracingConfig     `yaml:"tracing" toml:"tracing"`
}

// AgentConfig identifies this agent and where it listens.
type AgentConfig struct {
	ID           string   `yaml:"id" toml:"id"`
	Role         string   `yaml:"role" toml:"role"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`
	KeyPath      string   `yaml:"key_path" toml:"key_path"`
	ListenAddr   string   `yaml:"listen_addr" toml:"listen_addr"`     // empty disables direct push
	AdvertiseURL string   `yaml:"advertise_url" toml:"advertise_url"` // defaults to listen_addr
	HealthAddr   string   `yaml:"health_addr" toml:"health_addr"`     // empty disables the health endpoint
}

// StorageConfig locates the shared workspace state.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir" toml:"data_dir"`
	DatabasePath string `yaml:"database_path" toml:"database_path"`
}

// InboxDir is where every agent's mailbox lives.
func (s StorageConfig) InboxDir() string {
	return filepath.Join(s.DataDir, "inbox")
}

// AttachmentDir is the shared attachment blob store.
func (s StorageConfig) AttachmentDir() string {
	return filepath.Join(s.DataDir, "attachments")
}

// AuthConfig holds the shared secret for push bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DeliveryConfig tunes the sender, poller, and push server.
type DeliveryConfig struct {
	PushTimeout     time.Duration `yaml:"-" toml:"-"`
	PollInterval    time.Duration `yaml:"-" toml:"-"`
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	InlineThreshold int           `yaml:"inline_threshold" toml:"inline_threshold"`
	RatePerMinute   int           `yaml:"rate_per_minute" toml:"rate_per_minute"`
	RateBurst       int           `yaml:"rate_burst" toml:"rate_burst"`

	// Raw string values for unmarshaling
	PushTimeoutRaw  string `yaml:"push_timeout" toml:"push_timeout"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// RegistryConfig tunes heartbeats, liveness, and log compaction.
type RegistryConfig struct {
	HeartbeatInterval  time.Duration `yaml:"-" toml:"-"`
	LivenessWindow     time.Duration `yaml:"-" toml:"-"`
	CompactionSchedule string        `yaml:"compaction_schedule" toml:"compaction_schedule"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	LivenessWindowRaw    string `yaml:"liveness_window" toml:"liveness_window"`
}

// DelegationConfig tunes candidate scoring and reply waits.
type DelegationConfig struct {
	ResponseTimeout time.Duration `yaml:"-" toml:"-"`
	LoadPenalty     float64       `yaml:"load_penalty" toml:"load_penalty"`
	PreferredWeight float64       `yaml:"preferred_weight" toml:"preferred_weight"`
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`

	ResponseTimeoutRaw string `yaml:"response_timeout" toml:"response_timeout"`
}

// Headless approval policies.
const (
	HeadlessDeny    = "deny"
	HeadlessApprove = "approve"
)

// ApprovalConfig tunes the approval chain.
type ApprovalConfig struct {
	SupervisorTimeout time.Duration `yaml:"-" toml:"-"`
	HeadlessPolicy    string        `yaml:"headless_policy" toml:"headless_policy"`
	Interactive       bool          `yaml:"interactive" toml:"interactive"`

	SupervisorTimeoutRaw string `yaml:"supervisor_timeout" toml:"supervisor_timeout"`
}

// HierarchyMember places an agent in the escalation chain.
type HierarchyMember struct {
	AgentID   string `yaml:"agent_id" toml:"agent_id"`
	ReportsTo string `yaml:"reports_to" toml:"reports_to"`
	Scope     string `yaml:"scope" toml:"scope"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
}

// Default values.
const (
	DefaultPushTimeout        = 3 * time.Second
	DefaultPollInterval       = 5 * time.Second
	DefaultMaxAttempts        = 5
	DefaultInlineThreshold    = 4 * 1024
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultLivenessWindow     = 120 * time.Second
	DefaultCompactionSchedule = "@hourly"
	DefaultResponseTimeout    = 10 * time.Minute
	DefaultLoadPenalty        = 1.0
	DefaultPreferredWeight    = 2.0
	DefaultSupervisorTimeout  = 5 * time.Minute
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Load reads a configuration file. Files ending in .toml are parsed as TOML,
// everything else as YAML. Environment variables in the form ${VAR_NAME}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the environment variable's
// value, or an empty string when unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	if c.Agent.Role == "" {
		c.Agent.Role = "worker"
	}
	if c.Agent.AdvertiseURL == "" {
		c.Agent.AdvertiseURL = c.Agent.ListenAddr
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = ".coven"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "courier.db")
	}
	if c.Agent.KeyPath == "" && c.Agent.ID != "" {
		c.Agent.KeyPath = filepath.Join(c.Storage.DataDir, "keys", c.Agent.ID+".key")
	}

	if c.Delivery.PushTimeout == 0 {
		c.Delivery.PushTimeout = DefaultPushTimeout
	}
	if c.Delivery.PollInterval == 0 {
		c.Delivery.PollInterval = DefaultPollInterval
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delivery.InlineThreshold == 0 {
		c.Delivery.InlineThreshold = DefaultInlineThreshold
	}

	if c.Registry.HeartbeatInterval == 0 {
		c.Registry.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Registry.LivenessWindow == 0 {
		c.Registry.LivenessWindow = DefaultLivenessWindow
	}
	if c.Registry.CompactionSchedule == "" {
		c.Registry.CompactionSchedule = DefaultCompactionSchedule
	}

	if c.Delegation.ResponseTimeout == 0 {
		c.Delegation.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Delegation.LoadPenalty == 0 {
		c.Delegation.LoadPenalty = DefaultLoadPenalty
	}
	if c.Delegation.PreferredWeight == 0 {
		c.Delegation.PreferredWeight = DefaultPreferredWeight
	}
	if c.Delegation.MaxAttempts == 0 {
		c.Delegation.MaxAttempts = DefaultMaxAttempts
	}

	if c.Approval.SupervisorTimeout == 0 {
		c.Approval.SupervisorTimeout = DefaultSupervisorTimeout
	}
	if c.Approval.HeadlessPolicy == "" {
		c.Approval.HeadlessPolicy = HeadlessDeny
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if !agentIDPattern.MatchString(c.Agent.ID) || c.Agent.ID == "all" {
		return fmt.Errorf("agent.id %q must match %s and must not be \"all\"", c.Agent.ID, agentIDPattern)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delegation.LoadPenalty < 0 || c.Delegation.PreferredWeight < 0 {
		return fmt.Errorf("delegation weights must not be negative")
	}
	switch c.Approval.HeadlessPolicy {
	case HeadlessDeny, HeadlessApprove:
	default:
		return fmt.Errorf("approval.headless_policy must be %q or %q, got %q", HeadlessDeny, HeadlessApprove, c.Approval.HeadlessPolicy)
	}
	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	return validateHierarchy(c.Hierarchy)
}

func validateHierarchy(members []HierarchyMember) error {
	boss := make(map[string]string, len(members))
	for _, m := range members {
		if m.AgentID == "" {
			return fmt.Errorf("hierarchy entry is missing agent_id")
		}
		if m.AgentID == m.ReportsTo {
			return fmt.Errorf("hierarchy: %s reports to itself", m.AgentID)
		}
		if _, dup := boss[m.AgentID]; dup {
			return fmt.Errorf("hierarchy: %s listed twice", m.AgentID)
		}
		boss[m.AgentID] = m.ReportsTo
	}
	for _, m := range members {
		seen := map[string]bool{m.AgentID: true}
		for cur := boss[m.AgentID]; cur != ""; cur = boss[cur] {
			if seen[cur] {
				return fmt.Errorf("hierarchy: reporting cycle through %s", cur)
			}
			seen[cur] = true
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.push_timeout", cfg.Delivery.PushTimeoutRaw, &cfg.Delivery.PushTimeout},
		{"delivery.poll_interval", cfg.Delivery.PollIntervalRaw, &cfg.Delivery.PollInterval},
		{"registry.heartbeat_interval", cfg.Registry.HeartbeatIntervalRaw, &cfg.Registry.HeartbeatInterval},
		{"registry.liveness_window", cfg.Registry.LivenessWindowRaw, &cfg.Registry.LivenessWindow},
		{"delegation.response_timeout", cfg.Delegation.ResponseTimeoutRaw, &cfg.Delegation.ResponseTimeout},
		{"approval.supervisor_timeout", cfg.Approval.SupervisorTimeoutRaw, &cfg.Approval.SupervisorTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
