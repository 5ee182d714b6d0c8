package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateHub(cfg, ve)
	validateSupervisor(cfg, ve)
	validateOrchestrator(cfg, ve)
	validatePaths(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateHub(cfg *Config, ve *ValidationError) {
	h := cfg.Hub
	if h.Addr == "" {
		ve.Add("hub.addr is required")
	} else if _, _, err := net.SplitHostPort(h.Addr); err != nil {
		ve.Add("hub.addr %q is not a valid host:port", h.Addr)
	}
	if h.HeartbeatInterval <= 0 {
		ve.Add("hub.heartbeat_interval must be > 0")
	}
	if h.LivenessTimeout > 0 && h.LivenessTimeout < h.HeartbeatInterval {
		ve.Add("hub.liveness_timeout (%s) must be >= hub.heartbeat_interval (%s)", h.LivenessTimeout, h.HeartbeatInterval)
	}
	if h.SendQueue <= 0 {
		ve.Add("hub.send_queue must be > 0")
	}
	if h.RatePerSecond < 0 {
		ve.Add("hub.rate_per_second must be >= 0")
	}
	if h.RatePerSecond > 0 && h.RateBurst <= 0 {
		ve.Add("hub.rate_burst must be > 0 when rate limiting is enabled")
	}
	if h.APIRatePerMin < 0 {
		ve.Add("hub.api_rate_per_min must be >= 0")
	}
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	s := cfg.Supervisor
	if s.StartupTimeout <= 0 {
		ve.Add("supervisor.startup_timeout must be > 0")
	}
	if s.StopGrace <= 0 {
		ve.Add("supervisor.stop_grace must be > 0")
	}
	if s.PollInterval <= 0 {
		ve.Add("supervisor.poll_interval must be > 0")
	}
	if s.HealthInterval <= 0 {
		ve.Add("supervisor.health_interval must be > 0")
	}
	if s.HealthFailures <= 0 {
		ve.Add("supervisor.health_failures must be > 0")
	}
}

var validDestinations = map[string]bool{"local": true, "remote": true, "auto": true}

var validEstimators = map[string]bool{"heuristic": true, "tiktoken": true, "": true}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.TokenThreshold <= 0 {
		ve.Add("orchestrator.token_threshold must be > 0")
	}
	if o.ComplexityThreshold <= 0 || o.ComplexityThreshold > 1 {
		ve.Add("orchestrator.complexity_threshold must be in (0, 1]")
	}
	if o.RemoteTimeout <= 0 {
		ve.Add("orchestrator.remote_timeout must be > 0")
	}
	if o.DefaultTTL < 0 {
		ve.Add("orchestrator.default_ttl must be >= 0")
	}
	if !validEstimators[o.Estimator] {
		ve.Add("orchestrator.estimator %q is invalid (want: heuristic, tiktoken)", o.Estimator)
	}
	if o.UsageWindow <= 0 {
		ve.Add("orchestrator.usage_window must be > 0")
	}
	for i, r := range o.Rules {
		validateRule(fmt.Sprintf("orchestrator.rules[%d]", i), r, ve)
	}
	if o.UsageStore.Enabled && o.UsageStore.Retention <= 0 {
		ve.Add("orchestrator.usage_store.retention must be > 0 when the usage store is enabled")
	}
}

func validateRule(prefix string, r RoutingRuleConfig, ve *ValidationError) {
	if r.Operation == "" {
		ve.Add("%s.operation must not be empty", prefix)
	}
	if !validDestinations[r.Destination] {
		ve.Add("%s.destination %q is invalid (want: local, remote, auto)", prefix, r.Destination)
	}
	if r.TTL < 0 {
		ve.Add("%s.ttl must be >= 0", prefix)
	}
}

func validatePaths(cfg *Config, ve *ValidationError) {
	if cfg.Paths.LocalDir == "" {
		ve.Add("paths.local_dir must not be empty")
	}
	if cfg.Paths.GlobalDir == "" {
		ve.Add("paths.global_dir must not be empty")
	}
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "file", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, file)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1], got %g", r)
	}
}
