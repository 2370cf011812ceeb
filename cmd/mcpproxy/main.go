// Command mcpproxy runs the multiplexing reverse proxy for the Model
// Context Protocol: it fronts a set of MCP servers behind a single
// endpoint, aggregating their tools, resources, and prompts under a
// namespaced registry (this design).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-proxy/pkg/logger"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "mcpproxy",
	Short: "mcpproxy multiplexes MCP clients over a registry of backend MCP servers",
	Long: `mcpproxy is a reverse proxy for the Model Context Protocol. It speaks
MCP to one or more backend servers over stdio (or, contract-only, HTTP/SSE
and WebSocket), aggregates their tools/resources/prompts under a single
namespaced registry, and re-exposes the union to clients over JSON-RPC.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.InitializeWithDebug(viper.GetBool("debug"))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mcpproxy version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("mcpproxy " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding debug flag: %v\n", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}
}
