// Package app provides the gitsmith command line entry points.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitsmith-dev/gitsmith/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "gitsmith",
	DisableAutoGenTag: true,
	Short:             "Git operations MCP server",
	Long: `gitsmith exposes Git operations to automation clients over the
Model Context Protocol. Long-running operations (clone, push, pull,
fetch, merge, rebase) run asynchronously in isolated workspaces with
task-based status polling, cancellation, timeouts and retries.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return err
		}
		if format == "json" {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format version info: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("gitsmith %s (%s, %s, %s)\n", info.Version, info.Commit, info.GoVersion, info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
