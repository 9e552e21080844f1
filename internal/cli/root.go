// Package cli provides the command-line interface for chatsync.
package cli

import (
	"fmt"

	"github.com/raphaelgruber/chatsync/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Gateway client, created for every command that talks to a server.
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime support conversation sync",
	Long: `Chatsync keeps support conversations between customers, a bot and
human agents in sync across every open client.

Run the gateway with 'chatsync serve', then follow or join tickets with
'chatsync tickets', 'chatsync watch' and 'chatsync chat'.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Serving needs no client; version and help need nothing at all.
		switch cmd.Name() {
		case "version", "help", "serve":
			return nil
		}
		apiClient = client.New(serverURL)
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", Version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "gateway URL (default $CHATSYNC_SERVER_URL or http://localhost:8080)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ticketsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}
