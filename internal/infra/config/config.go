package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bridge file names looked up through the two-tier search.
const (
	ConfigFileName  = "config.yaml"
	RoutingFileName = "routing.yaml"
	LockFileName    = "bridge.lock"
	LogFileName     = "bridge.log"
	UsageDBFileName = "usage.db"
)

// Config is the top-level bridge configuration.
type Config struct {
	Hub          HubConfig          `yaml:"hub"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Paths        PathsConfig        `yaml:"paths"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
}

// HubConfig holds websocket hub settings.
type HubConfig struct {
	Addr              string        `yaml:"addr"`
	Token             string        `yaml:"token,omitempty"` // optional shared token; empty = local trust
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	SendQueue         int           `yaml:"send_queue"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	RateBurst         int           `yaml:"rate_burst"`
	APIRatePerMin     int           `yaml:"api_rate_per_min"` // per client IP on operation and usage routes; 0 = unlimited
	APIRateBurst      int           `yaml:"api_rate_burst"`
	ValidateFrames    bool          `yaml:"validate_frames"`
	EchoToSender      bool          `yaml:"echo_to_sender"` // deliver broadcasts back to their sender
}

// SupervisorConfig holds process supervision settings.
type SupervisorConfig struct {
	Binary         string        `yaml:"binary,omitempty"` // hub executable; empty = this binary
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthFailures int           `yaml:"health_failures"`
	AutoRestart    bool          `yaml:"auto_restart"`
}

// OrchestratorConfig holds routing, caching and accounting settings.
type OrchestratorConfig struct {
	TokenThreshold      int                  `yaml:"token_threshold"`
	ComplexityThreshold float64              `yaml:"complexity_threshold"`
	RemoteTimeout       time.Duration        `yaml:"remote_timeout"`
	DefaultTTL          time.Duration        `yaml:"default_ttl"`
	RemoteAgent         string               `yaml:"remote_agent"`
	Estimator           string               `yaml:"estimator"` // "heuristic" or "tiktoken"
	TiktokenEncoding    string               `yaml:"tiktoken_encoding"`
	UsageWindow         time.Duration        `yaml:"usage_window"`
	CacheSweep          string               `yaml:"cache_sweep"` // cron expression or duration; empty = lazy only
	Rules               []RoutingRuleConfig  `yaml:"rules,omitempty"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
	UsageStore          UsageStoreConfig     `yaml:"usage_store"`
}

// RoutingRuleConfig overrides the routing rule of a single operation.
type RoutingRuleConfig struct {
	Operation   string        `yaml:"operation"`
	Destination string        `yaml:"destination"`
	TTL         time.Duration `yaml:"ttl"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// CircuitBreakerConfig holds breaker settings for remote dispatch.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// UsageStoreConfig holds the persistent usage ledger settings.
type UsageStoreConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path,omitempty"` // empty = <runtime dir>/usage.db
	Retention time.Duration `yaml:"retention"`
	Prune     string        `yaml:"prune"` // cron expression or duration
}

// PathsConfig holds the two-tier installation layout.
type PathsConfig struct {
	LocalDir      string   `yaml:"local_dir"`
	GlobalDir     string   `yaml:"global_dir"`
	RequiredFiles []string `yaml:"required_files"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`               // noop, stdout, file
	File        string  `yaml:"file,omitempty"`         // file exporter target; relative to the runtime dir
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // 0 or 1 = sample everything
}

// DiscoveryConfig holds LAN advertisement settings.
// mDNS also requires a binary built with the "mdns" tag.
type DiscoveryConfig struct {
	MDNS     bool   `yaml:"mdns"`
	Instance string `yaml:"instance"`
}

// DefaultGlobalDir returns $HOME/.agentbridge, or ./.agentbridge-global if
// $HOME cannot be determined.
func DefaultGlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentbridge-global"
	}
	return filepath.Join(home, ".agentbridge")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Hub: HubConfig{
			Addr:              "127.0.0.1:7890",
			HeartbeatInterval: 15 * time.Second,
			LivenessTimeout:   30 * time.Second,
			SendQueue:         64,
			WriteTimeout:      5 * time.Second,
			MaxMessageBytes:   1 << 20,
			RatePerSecond:     50,
			RateBurst:         100,
			APIRatePerMin:     600,
			APIRateBurst:      60,
			ValidateFrames:    true,
		},
		Supervisor: SupervisorConfig{
			StartupTimeout: 10 * time.Second,
			StopGrace:      3 * time.Second,
			PollInterval:   200 * time.Millisecond,
			HealthInterval: 5 * time.Second,
			HealthFailures: 3,
			AutoRestart:    true,
		},
		Orchestrator: OrchestratorConfig{
			TokenThreshold:      800,
			ComplexityThreshold: 0.5,
			RemoteTimeout:       30 * time.Second,
			DefaultTTL:          10 * time.Second,
			RemoteAgent:         "reasoner",
			Estimator:           "heuristic",
			TiktokenEncoding:    "cl100k_base",
			UsageWindow:         time.Hour,
			CacheSweep:          "1m",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			UsageStore: UsageStoreConfig{
				Enabled:   false,
				Retention: 7 * 24 * time.Hour,
				Prune:     "@hourly",
			},
		},
		Paths: PathsConfig{
			LocalDir:      ".agentbridge",
			GlobalDir:     DefaultGlobalDir(),
			RequiredFiles: []string{ConfigFileName, RoutingFileName},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Discovery: DiscoveryConfig{
			MDNS:     false,
			Instance: "agentbridge",
		},
	}
}

// Load reads a YAML config from path, applies env overrides and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return LoadLayered(path)
}

// LoadLayered overlays each existing file in order onto the defaults, so a
// global config can be refined by a project-local one. Missing files are
// skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := Defaults()

	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := overlayFile(cfg, p); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// RoutingFile is the on-disk shape of routing.yaml.
type RoutingFile struct {
	Rules []RoutingRuleConfig `yaml:"rules"`
}

// LoadRoutingFile reads routing rules from path. Rules in the file are
// appended after cfg rules so that inline config wins on conflicts.
func LoadRoutingFile(path string) ([]RoutingRuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	var rf RoutingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	ve := &ValidationError{}
	for i, r := range rf.Rules {
		validateRule(fmt.Sprintf("%s rules[%d]", filepath.Base(path), i), r, ve)
	}
	if ve.HasErrors() {
		return nil, ve
	}
	return rf.Rules, nil
}

// ApplyEnvOverrides maps AGENTBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTBRIDGE_HUB_ADDR"); v != "" {
		cfg.Hub.Addr = v
	}
	if v := os.Getenv("AGENTBRIDGE_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOCAL_DIR"); v != "" {
		cfg.Paths.LocalDir = v
	}
	if v := os.Getenv("AGENTBRIDGE_GLOBAL_DIR"); v != "" {
		cfg.Paths.GlobalDir = v
	}
	if v := os.Getenv("AGENTBRIDGE_REMOTE_AGENT"); v != "" {
		cfg.Orchestrator.RemoteAgent = v
	}
	if v := os.Getenv("AGENTBRIDGE_ESTIMATOR"); v != "" {
		cfg.Orchestrator.Estimator = v
	}
	if v := os.Getenv("AGENTBRIDGE_TOKEN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.TokenThreshold = n
		}
	}
	if v := os.Getenv("AGENTBRIDGE_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.StartupTimeout = d
		}
	}
	if v := os.Getenv("AGENTBRIDGE_MDNS"); v != "" {
		cfg.Discovery.MDNS = strings.EqualFold(v, "true") || v == "1"
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// CheckPermissions exposes the permission check for diagnostics.
func CheckPermissions(path string) error { return validatePermissions(path) }
