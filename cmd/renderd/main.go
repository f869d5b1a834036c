// Renderd turns prompts into rendered, audited component trees.
//
// The serve subcommand runs the HTTP API. Every other subcommand is a thin
// client for a running server.
//
// Usage:
//
//	# Start the server with ~/.config/renderd/config.yaml
//	renderd serve
//
//	# Render a prompt against it
//	renderd render --prompt "Hello" --tenant acme
//
//	# Configure via environment
//	RENDERD_SERVER_PORT=9292 renderd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// serverURL is the base URL of the renderd HTTP server
	serverURL string
	// tenantID is sent as X-Tenant-ID on client requests
	tenantID string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "renderd",
		Short: "Prompt-to-UI render orchestrator",
		Long: `renderd turns natural-language prompts into versioned component plans,
checks them against a security policy, executes them and renders the result.

Run "renderd serve" to start the HTTP API. The remaining commands talk to a
running server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "renderd server URL")
	root.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id sent with client requests")

	root.AddCommand(
		newServeCmd(),
		newRenderCmd(),
		newPlansCmd(),
		newAuditsCmd(),
		newReplayCmd(),
		newEventCmd(),
		newRollbackCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd)
		},
	}
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "renderd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
