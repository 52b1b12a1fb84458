// Command sessionstore operates the session and checkpoint store: it runs
// the retention scheduler and answers administrative queries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sessionstore/internal/stack"
	"github.com/aixgo-dev/sessionstore/pkg/config"
	"github.com/aixgo-dev/sessionstore/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "sessionstore",
	Short:         "Operate the session and checkpoint store",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", getEnv("SESSIONSTORE_CONFIG", "sessionstore.yaml"), "configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config. A missing default file
// falls back to the built-in defaults plus environment overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		return config.Parse(nil)
	}
	return config.LoadConfig(path)
}

// openStack loads the configuration, installs the logger and opens every
// backend. The caller closes the stack.
func openStack(ctx context.Context, cmd *cobra.Command) (*stack.Stack, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := stack.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	observability.SetVersion(Version)

	return stack.New(ctx, cfg, logger)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
