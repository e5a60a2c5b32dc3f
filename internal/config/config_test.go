package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig is the minimal configuration that passes validation.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Portal.BaseURL = "https://portal.example.com"
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want localhost default", cfg.Server.HTTPAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Pool.Capacity != 4 || cfg.Pool.BusyRetries != 3 {
		t.Errorf("pool defaults = %d/%d, want 4/3", cfg.Pool.Capacity, cfg.Pool.BusyRetries)
	}
	if cfg.Pool.BusyBackoff != "250ms" || cfg.Pool.ProbeTimeout != "5s" {
		t.Errorf("pool durations = %q/%q, want 250ms/5s", cfg.Pool.BusyBackoff, cfg.Pool.ProbeTimeout)
	}
	if cfg.Monitor.Interval != "1m" || cfg.Monitor.RefreshAfter != "5m" {
		t.Errorf("monitor defaults = %q/%q, want 1m/5m", cfg.Monitor.Interval, cfg.Monitor.RefreshAfter)
	}
	if cfg.Workflow.MaxRetries != 2 || cfg.Workflow.IdleTTL != "15m" {
		t.Errorf("workflow defaults = %d/%q, want 2/15m", cfg.Workflow.MaxRetries, cfg.Workflow.IdleTTL)
	}
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Pool.Capacity = 16
	cfg.Server.HTTPAddr = "0.0.0.0:9090"
	cfg.SetDefaults()

	if cfg.Pool.Capacity != 16 {
		t.Errorf("Capacity = %d, want explicit 16 preserved", cfg.Pool.Capacity)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("HTTPAddr = %q, want explicit value preserved", cfg.Server.HTTPAddr)
	}
}

func TestSetDevDefaults(t *testing.T) {
	cfg := &Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug in dev mode", cfg.Server.LogLevel)
	}
	if cfg.Portal.BaseURL != "http://localhost:3000" {
		t.Errorf("BaseURL = %q, want dev placeholder", cfg.Portal.BaseURL)
	}

	prod := &Config{}
	prod.SetDefaults()
	prod.SetDevDefaults()
	if prod.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want dev defaults skipped outside dev mode", prod.Server.LogLevel)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() error = %v, want defaults accepted", err)
	}
}

func TestValidateRequiresBaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "BaseURL") {
		t.Errorf("Validate() error = %v, want BaseURL required", err)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.BusyBackoff = "soon"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duration") {
		t.Errorf("Validate() error = %v, want duration failure", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() error = nil, want log level rejected")
	}
}

func TestValidateRejectsBadListenAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Server.HTTPAddr = "not a socket"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() error = nil, want host:port rejected")
	}
}

func TestValidateRejectsBadKeyHash(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.APIKeys = []APIKeyConfig{{Name: "ops", KeyHash: "plaintext-key"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sha256:") {
		t.Errorf("Validate() error = %v, want key_hash format failure", err)
	}
}

func TestValidateAcceptsHashedKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.APIKeys = []APIKeyConfig{
		{Name: "ops", KeyHash: "sha256:" + strings.Repeat("ab", 32)},
		{Name: "batch", KeyHash: "$argon2id$v=19$m=48128,t=1,p=1$c2FsdA$aGFzaA"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want both hash formats accepted", err)
	}
}

func TestValidateRejectsDuplicatePhases(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.Phases = []PhaseConfig{
		{ID: "lookup", Mandatory: []string{"service"}},
		{ID: "lookup"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate phase id") {
		t.Errorf("Validate() error = %v, want duplicate phase rejected", err)
	}
}

func TestValidateRejectsRuleForUnknownPhase(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.Phases = []PhaseConfig{{ID: "lookup", Mandatory: []string{"service"}}}
	cfg.Workflow.Rules = []RuleConfig{{Phase: "checkout", Field: "service", Expr: "true"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown phase") {
		t.Errorf("Validate() error = %v, want unknown phase rejected", err)
	}
}

func TestValidateRejectsRuleForNonMandatoryField(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.Phases = []PhaseConfig{{ID: "lookup", Mandatory: []string{"service"}}}
	cfg.Workflow.Rules = []RuleConfig{{Phase: "lookup", Field: "location", Expr: "true"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "not mandatory") {
		t.Errorf("Validate() error = %v, want non-mandatory field rejected", err)
	}
}

func TestValidateRequiresPageScriptPerPhase(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.Phases = []PhaseConfig{
		{ID: "lookup", Mandatory: []string{"service"}},
		{ID: "confirm", Mandatory: []string{"confirm"}},
	}
	cfg.Portal.Phases = map[string]PhaseScriptConfig{
		"lookup": {Submit: "#next"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "no portal page script") {
		t.Errorf("Validate() error = %v, want missing page script rejected", err)
	}

	cfg.Portal.Phases["confirm"] = PhaseScriptConfig{Submit: "#book"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want complete scripts accepted", err)
	}
}

func TestHeadlessEnabled(t *testing.T) {
	var portal PortalConfig
	if !portal.HeadlessEnabled() {
		t.Error("HeadlessEnabled() = false for unset, want true default")
	}
	off := false
	portal.Headless = &off
	if portal.HeadlessEnabled() {
		t.Error("HeadlessEnabled() = true, want explicit false honored")
	}
}

func TestDurationHelper(t *testing.T) {
	if got := Duration("30s", time.Minute); got != 30*time.Second {
		t.Errorf("Duration(30s) = %v, want 30s", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("Duration(empty) = %v, want fallback", got)
	}
	if got := Duration("garbage", time.Minute); got != time.Minute {
		t.Errorf("Duration(garbage) = %v, want fallback", got)
	}
}
