// Package cli implements the warden command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardenlabs/warden/internal/session"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Workflow enforcement for AI coding agents",
	Long: `warden turns workflow definitions into enforced state machines for
AI coding agents.

Features:
  • Phase-gated workflows (PLAN, TDD, IMPL, REVIEW, VERIFY, ...)
  • Signed phase tokens that scope which tools an agent may call
  • Artifact schema validation and deterministic transition gates
  • Append-only audit trail of every tool invocation
  • Multi-agent coordination with dependency tracking

Quick start:
  warden init                 Initialize warden in current project
  warden serve                Start the enforcement API server
  warden validate flow.yaml   Check a workflow definition
  warden status               Show the current workflow state`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .warden/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in the .warden directory
		viper.AddConfigPath(session.WardenDir)
		viper.AddConfigPath("$HOME/" + session.WardenDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
