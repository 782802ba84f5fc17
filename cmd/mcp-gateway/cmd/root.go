// Package cmd wires the mcp-gateway CLI: a root cobra.Command plus one file
// per subcommand, in the manner of the teacher's cmd/mcp-broker-router/main.go
// flags and giantswarm-muster's cmd/root.go command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes for the CLI.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "Run a local aggregating MCP gateway",
	Long: `mcp-gateway fronts a set of declared MCP providers (stdio subprocesses
or HTTP/SSE services) behind a single Streamable HTTP endpoint, merging their
tools, resources, and prompts into one namespaced catalog.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is called by main.main.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("mcp_gateway")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
