// Package cli implements the fable command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fable",
	Short: "Fable ring ledger daemon and tools",
	Long: `Fable runs the ring token economy: an append-only ledger with
idempotent writes, anti-gaming guardrails, and a staged off/shadow/live
migration away from the legacy balance store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the fable TOML config file")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fable version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fable 0.1.0")
	},
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fable.toml"
	}
	return filepath.Join(home, ".fable", "config.toml")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
