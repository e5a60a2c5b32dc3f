// Package config provides configuration types for FormBridge.
//
// Configuration is file-based (YAML) with environment variable overrides.
// Everything has a sensible default so a dev instance can run with nothing
// but a portal base URL.
package config

import "time"

// Config is the top-level configuration for FormBridge.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Pool configures the browser session pool.
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Monitor configures the background session health monitor.
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`

	// Workflow configures the phase engine: retries, timeouts, GC, the
	// phase sequence itself, and optional field validation rules.
	Workflow WorkflowConfig `yaml:"workflow" mapstructure:"workflow"`

	// Portal configures the target web portal and its page scripts.
	Portal PortalConfig `yaml:"portal" mapstructure:"portal"`

	// Auth configures API keys for the HTTP endpoints.
	// Optional: when empty, the API is open (localhost development).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// State configures durable workflow persistence.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// DevMode enables development features (debug logging, stdout traces).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	// Capacity is the maximum number of concurrent browser sessions.
	// Defaults to 4.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`

	// BusyRetries is how many times an acquire retries when the owner's
	// session is busy before giving up. Defaults to 3.
	BusyRetries int `yaml:"busy_retries" mapstructure:"busy_retries" validate:"omitempty,min=0"`

	// BusyBackoff is the wait between busy retries (e.g., "250ms").
	// Defaults to "250ms".
	BusyBackoff string `yaml:"busy_backoff" mapstructure:"busy_backoff" validate:"omitempty,duration"`

	// ProbeTimeout bounds the liveness probe run before reusing a session
	// (e.g., "5s"). Defaults to "5s".
	ProbeTimeout string `yaml:"probe_timeout" mapstructure:"probe_timeout" validate:"omitempty,duration"`
}

// MonitorConfig configures the background health monitor.
type MonitorConfig struct {
	// Interval is how often the monitor sweeps the pool (e.g., "1m").
	// Defaults to "1m".
	Interval string `yaml:"interval" mapstructure:"interval" validate:"omitempty,duration"`

	// RefreshAfter is the health-check staleness threshold: idle keep-alive
	// sessions unprobed for longer than this get probed (e.g., "5m").
	// Defaults to "5m".
	RefreshAfter string `yaml:"refresh_after" mapstructure:"refresh_after" validate:"omitempty,duration"`

	// ProbeTimeout bounds each monitor probe (e.g., "10s"). Defaults to "10s".
	ProbeTimeout string `yaml:"probe_timeout" mapstructure:"probe_timeout" validate:"omitempty,duration"`
}

// WorkflowConfig configures the phase engine.
type WorkflowConfig struct {
	// MaxRetries is how many times a failed phase submission is retried
	// before the workflow is marked failed. Defaults to 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`

	// PhaseTimeout bounds a single phase submission (e.g., "45s").
	// Defaults to "45s".
	PhaseTimeout string `yaml:"phase_timeout" mapstructure:"phase_timeout" validate:"omitempty,duration"`

	// IdleTTL is how long a suspended workflow may go without activity
	// before it is garbage collected (e.g., "15m"). Defaults to "15m".
	IdleTTL string `yaml:"idle_ttl" mapstructure:"idle_ttl" validate:"omitempty,duration"`

	// GCInterval is how often idle workflows are collected (e.g., "1m").
	// Defaults to "1m".
	GCInterval string `yaml:"gc_interval" mapstructure:"gc_interval" validate:"omitempty,duration"`

	// Phases defines the ordered phase sequence and the fields each phase
	// requires. When empty, the built-in lookup/details/confirm sequence
	// is used.
	Phases []PhaseConfig `yaml:"phases" mapstructure:"phases" validate:"omitempty,dive"`

	// Rules are optional CEL validation expressions applied to supplied
	// field values before a phase is submitted.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// PhaseConfig defines one workflow phase.
type PhaseConfig struct {
	// ID is the phase identifier (e.g., "lookup").
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Mandatory lists the field names that must be supplied before this
	// phase can be submitted.
	Mandatory []string `yaml:"mandatory" mapstructure:"mandatory"`
}

// RuleConfig defines a single CEL field validation rule.
type RuleConfig struct {
	// Phase is the phase the rule applies to.
	Phase string `yaml:"phase" mapstructure:"phase" validate:"required"`

	// Field is the field name the rule validates.
	Field string `yaml:"field" mapstructure:"field" validate:"required"`

	// Expr is a CEL expression over `value` (the field value) and `fields`
	// (all supplied fields). It must evaluate to a bool; false means the
	// value is rejected and re-requested from the caller.
	Expr string `yaml:"expr" mapstructure:"expr" validate:"required"`
}

// PortalConfig configures the target portal and browser automation.
type PortalConfig struct {
	// BaseURL is the portal's base URL (e.g., "https://portal.example.com").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// Headless runs browsers without a visible window. Defaults to true;
	// set headless: false to watch the automation during development.
	Headless *bool `yaml:"headless" mapstructure:"headless"`

	// InstallBrowsers downloads browser binaries on startup when missing.
	InstallBrowsers bool `yaml:"install_browsers" mapstructure:"install_browsers"`

	// AuthExpiredSelector is a CSS selector whose presence on the page
	// marks the session's login as expired (e.g., "form#login").
	AuthExpiredSelector string `yaml:"auth_expired_selector" mapstructure:"auth_expired_selector"`

	// Selectors maps workflow field names to the CSS selectors of the
	// inputs they fill.
	Selectors map[string]string `yaml:"selectors" mapstructure:"selectors"`

	// Phases maps phase IDs to their page scripts.
	Phases map[string]PhaseScriptConfig `yaml:"phases" mapstructure:"phases" validate:"omitempty,dive"`
}

// PhaseScriptConfig describes how one phase is driven on the portal.
type PhaseScriptConfig struct {
	// Path is the page path to navigate to before filling, relative to the
	// portal base URL. Empty means stay on the current page.
	Path string `yaml:"path" mapstructure:"path"`

	// Submit is the CSS selector of the submit control.
	Submit string `yaml:"submit" mapstructure:"submit" validate:"required"`

	// ErrorSelector matches per-field error markers after submission.
	// Each match's data-field attribute names the rejected field.
	ErrorSelector string `yaml:"error_selector" mapstructure:"error_selector"`

	// FatalSelector matches a page-level error that makes the workflow
	// unrecoverable (e.g., "no appointments available").
	FatalSelector string `yaml:"fatal_selector" mapstructure:"fatal_selector"`

	// Extract maps result keys to CSS selectors whose text is captured
	// after a successful submission.
	Extract map[string]string `yaml:"extract" mapstructure:"extract"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// APIKeys defines the keys accepted on the HTTP endpoints.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig defines one API key.
type APIKeyConfig struct {
	// Name identifies the caller in logs.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// KeyHash is the hash of the API key, prefixed with "sha256:" or in
	// argon2id PHC format ("$argon2id$..."). Generate with
	// `formbridge hash-key`.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// StateConfig configures workflow persistence.
type StateConfig struct {
	// DBPath is the SQLite database file for suspended workflows.
	// Empty means in-memory only: suspended workflows do not survive
	// a restart.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	// Users who need network access must explicitly set http_addr.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Pool.Capacity == 0 {
		c.Pool.Capacity = 4
	}
	if c.Pool.BusyRetries == 0 {
		c.Pool.BusyRetries = 3
	}
	if c.Pool.BusyBackoff == "" {
		c.Pool.BusyBackoff = "250ms"
	}
	if c.Pool.ProbeTimeout == "" {
		c.Pool.ProbeTimeout = "5s"
	}

	if c.Monitor.Interval == "" {
		c.Monitor.Interval = "1m"
	}
	if c.Monitor.RefreshAfter == "" {
		c.Monitor.RefreshAfter = "5m"
	}
	if c.Monitor.ProbeTimeout == "" {
		c.Monitor.ProbeTimeout = "10s"
	}

	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = 2
	}
	if c.Workflow.PhaseTimeout == "" {
		c.Workflow.PhaseTimeout = "45s"
	}
	if c.Workflow.IdleTTL == "" {
		c.Workflow.IdleTTL = "15m"
	}
	if c.Workflow.GCInterval == "" {
		c.Workflow.GCInterval = "1m"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// These are applied AFTER SetDefaults and before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// A dev instance pointed at nothing still needs a syntactically valid
	// base URL to pass validation.
	if c.Portal.BaseURL == "" {
		c.Portal.BaseURL = "http://localhost:3000"
	}
}

// HeadlessEnabled resolves the tri-state Headless field.
func (c *PortalConfig) HeadlessEnabled() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// Duration parses a duration config string that has already passed
// validation. The fallback covers the zero value.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
