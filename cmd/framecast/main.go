// Framecast - multi-viewer frame streaming server.
//
// Framecast streams a simulated 2D scene to remote viewers over reliable
// UDP: a one-time compressed scene transfer, then per-viewer camera frames,
// terrain edits and effect events. The same binary carries a headless
// viewer and a capture replayer for testing deployments.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/framecast-project/framecast/internal/util"
)

const banner = `
  _____                                       _
 |  ___| __ __ _ _ __ ___   ___  ___ __ _ ___| |_
 | |_ | '__/ _' | '_ ' _ \ / _ \/ __/ _' / __| __|
 |  _|| | | (_| | | | | | |  __/ (_| (_| \__ \ |_
 |_|  |_|  \__,_|_| |_| |_|\___|\___\__,_|___/\__|
                                             v%s
 Multi-viewer frame streaming server
`

func main() {
	serve := serveCmd()

	rootCmd := &cobra.Command{
		Use:   "framecast",
		Short: "Multi-viewer frame streaming server",
		Long: `Framecast streams a 2D scene to remote viewers over UDP.

Run without a subcommand to start the server with default flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	rootCmd.AddCommand(
		serve,
		viewCmd(),
		replayCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "framecast %s\n", util.Version)
		},
	}
}
