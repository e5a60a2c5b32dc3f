package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/formbridge/formbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after defaults and
environment variable overrides have been applied.

Key hashes are redacted. The output is valid formbridge.yaml content, so it
can bootstrap a config file:
  formbridge config > formbridge.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Never echo credentials material back out.
		for i, key := range cfg.Auth.APIKeys {
			if strings.HasPrefix(key.KeyHash, "$argon2id$") {
				cfg.Auth.APIKeys[i].KeyHash = "$argon2id$<redacted>"
			} else {
				cfg.Auth.APIKeys[i].KeyHash = "sha256:<redacted>"
			}
		}

		if file := config.ConfigFileUsed(); file != "" {
			fmt.Fprintf(os.Stderr, "# loaded from %s\n", file)
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
