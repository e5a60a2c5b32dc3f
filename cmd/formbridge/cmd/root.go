// Package cmd provides the CLI commands for FormBridge.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/formbridge/formbridge/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "formbridge",
	Short: "FormBridge - web portal form automation service",
	Long: `FormBridge drives multi-phase forms on an authenticated web portal
through a pool of reusable browser sessions.

Clients submit fields over HTTP; FormBridge resolves a browser session for
the caller's portal identity, advances the form phase by phase, and suspends
the workflow whenever input is still missing so the caller can resume it
later with the same workflow id.

Quick start:
  1. Create a config file: formbridge.yaml (portal.base_url is required)
  2. Run: formbridge start

Configuration:
  Config is loaded from formbridge.yaml in the current directory,
  $HOME/.formbridge/, or /etc/formbridge/.

  Environment variables can override config values with the FORMBRIDGE_ prefix.
  Example: FORMBRIDGE_SERVER_HTTP_ADDR=:9090

Commands:
  start        Start the service
  hash-key     Generate a hash for an API key
  fingerprint  Derive the owner fingerprint for portal credentials
  config       Print the effective configuration
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./formbridge.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
