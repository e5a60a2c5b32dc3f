package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/formbridge/formbridge/internal/domain/auth"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [username] [secret]",
	Short: "Derive the owner fingerprint for portal credentials",
	Long: `Derive the one-way owner fingerprint FormBridge keys session reuse on.

The fingerprint is what shows up in logs instead of the portal username, so
this command is useful when correlating log lines with a known account.

Security note: Both arguments will appear in shell history.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.Fingerprint(args[0], args[1]))
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
