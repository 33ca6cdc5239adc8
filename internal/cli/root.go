// Package cli implements the admembers command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/isometry/admembers/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "admembers",
		Short:         "Active Directory group membership reporting",
		Long:          "Resolves the complete, deduplicated set of end-user members of Active Directory groups through arbitrarily nested group membership.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")

	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newWhoamiCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads the configuration file named by --config, defaulting to
// ADMEMBERS_CONFIG or no file at all, and applies the --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = os.Getenv("ADMEMBERS_CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel, _ := cmd.Root().PersistentFlags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so report output
// stays clean on stdout.
func newLogger(cfg *config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "admembers",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})
}
