// Package main implements cortexctl, the operator CLI for cortexd.
//
// query and health talk to a running server; redact and ingest work locally
// against the configured DLP policy and vector index.
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

const defaultServerURL = "http://localhost:8088"

// options are the persistent flags shared by every subcommand.
type options struct {
	serverURL  string
	apiKey     string
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "cortexctl",
		Short: "CLI for cortexd operations",
		Long: `cortexctl is a command-line interface for cortexd.

It can query a running server, check its health, preview DLP redaction
locally and ingest a directory of documents into a tenant's index.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetVersionTemplate(versionString() + "\n")

	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("CORTEXCTL_SERVER", defaultServerURL), "cortexd server URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("CORTEXCTL_API_KEY"), "API key sent as X-API-Key")
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CORTEXD_CONFIG"), "cortexd config file for local commands")

	root.AddCommand(
		newQueryCmd(opts),
		newHealthCmd(opts),
		newRedactCmd(opts),
		newEvalCmd(opts),
		newIngestCmd(opts),
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
			cmd.Println(versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("cortexctl %s (commit %s, built %s)", version, gitCommit, buildDate)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
