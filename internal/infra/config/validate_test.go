package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateHubAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Hub.Addr = "not-an-addr"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `hub.addr "not-an-addr" is not a valid host:port`)
}

func TestValidateHubLivenessBelowHeartbeat(t *testing.T) {
	cfg := Defaults()
	cfg.Hub.HeartbeatInterval = 10 * time.Second
	cfg.Hub.LivenessTimeout = 5 * time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "hub.liveness_timeout")
}

func TestValidateSupervisorZeroes(t *testing.T) {
	cfg := Defaults()
	cfg.Supervisor.StartupTimeout = 0
	cfg.Supervisor.HealthFailures = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "supervisor.startup_timeout must be > 0")
	assertContains(t, err.Error(), "supervisor.health_failures must be > 0")
}

func TestValidateOrchestratorRules(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.Rules = []RoutingRuleConfig{
		{Operation: "", Destination: "local"},
		{Operation: "echo", Destination: "moon"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "orchestrator.rules[0].operation must not be empty")
	assertContains(t, err.Error(), `orchestrator.rules[1].destination "moon" is invalid`)
}

func TestValidateComplexityRange(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.ComplexityThreshold = 1.5
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "orchestrator.complexity_threshold must be in (0, 1]")
}

func TestValidateEstimator(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.Estimator = "magic"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), `orchestrator.estimator "magic" is invalid`)
}

func TestValidateAccumulatesAll(t *testing.T) {
	cfg := Defaults()
	cfg.Hub.Addr = ""
	cfg.Logger.Level = "loud"
	cfg.Tracer.Exporter = "jaeger"
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
