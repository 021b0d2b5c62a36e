// Package commands implements the crmclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crmclaw",
		Short: "crmclaw - CRM platform assistant for your chat workspace",
		Long: `crmclaw connects your chat workspace to your CRM platform orgs.
Teammates ask questions or request changes in a channel; crmclaw resolves
the target org, runs an agent against its metadata and data, and replies
in the thread.

Examples:
  crmclaw serve
  crmclaw setup
  crmclaw chat "how many validation rules does the Invoice object have?"`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
