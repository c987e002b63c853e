package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/internal/config"
)

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "lodge",
	Short: "Lodge is the access control service for the lodge website",
	Long: `Password and TOTP sign-in, sessions, members-only document downloads
and a tamper-evident security event log for the lodge website.

Settings come from an optional TOML file (--config), an optional .env file,
LODGE_* environment variables and command line flags, in increasing order
of precedence.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LODGE_CONFIG"), "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or text")
}

// loadConfig reads the configuration, applies the global flags and then
// overrides, and validates the result.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.ParseLogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
