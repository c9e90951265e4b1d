// Package cmd provides the CLI commands for toolgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate - policy decision point for integrated tools",
	Long: `Toolgate is the policy decision and enforcement engine for a
multi-tool access-control platform.

Tool adapters and the API gateway call it with "may this principal do
this action on this resource" questions; toolgate evaluates the stored
policies with deny-overrides combination and answers with an auditable
decision.

Quick start:
  1. Create a config file: toolgate.yaml
  2. Run: toolgate serve

Configuration:
  Config is loaded from toolgate.yaml in the current directory,
  $HOME/.toolgate/, or /etc/toolgate/.

  Environment variables can override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the enforcement API server
  assess      Run one compliance assessment pass and print the results
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
