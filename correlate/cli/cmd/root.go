package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/internal/client"
	"github.com/telhawk-systems/chainhawk/correlate/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chainctl",
	Short: "ChainHawk correlation CLI",
	Long: `chainctl is the command-line interface for the ChainHawk correlation service.

Replay event files through a local engine, inspect engine state, manage the
pattern catalog, and triage incidents from your terminal.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.chainctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("server", "", "correlate service URL, overrides the profile")
	rootCmd.PersistentFlags().String("token", "", "bearer token, overrides the profile")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// apiClient builds a client from flags, environment and profile, in that order.
func apiClient(cmd *cobra.Command) *client.Client {
	if cfg == nil {
		cfg = config.Default()
	}
	profile, _ := cmd.Flags().GetString("profile")
	serverURL, token := cfg.Resolve(profile)

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		serverURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		token = v
	}
	return client.New(serverURL, token)
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}
