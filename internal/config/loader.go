// Package config provides configuration loading for FormBridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for formbridge.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to avoid
// matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("formbridge")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: FORMBRIDGE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("FORMBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a formbridge config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".formbridge"),
		"/etc/formbridge",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for formbridge.yaml
// or .yml. Returns the full path of the first match, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "formbridge"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: FORMBRIDGE_POOL_CAPACITY overrides pool.capacity.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("pool.capacity")
	_ = viper.BindEnv("pool.busy_retries")
	_ = viper.BindEnv("pool.busy_backoff")
	_ = viper.BindEnv("pool.probe_timeout")

	_ = viper.BindEnv("monitor.interval")
	_ = viper.BindEnv("monitor.refresh_after")
	_ = viper.BindEnv("monitor.probe_timeout")

	_ = viper.BindEnv("workflow.max_retries")
	_ = viper.BindEnv("workflow.phase_timeout")
	_ = viper.BindEnv("workflow.idle_ttl")
	_ = viper.BindEnv("workflow.gc_interval")
	// Note: workflow.phases and workflow.rules are arrays, complex to
	// override via env. Use the config file for these.

	_ = viper.BindEnv("portal.base_url")
	_ = viper.BindEnv("portal.headless")
	_ = viper.BindEnv("portal.install_browsers")
	_ = viper.BindEnv("portal.auth_expired_selector")

	_ = viper.BindEnv("state.db_path")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: callers should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
