package main

import (
	"fmt"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig builds the process configuration from the global flags.
// It respects both --log-level and --verbose flags, with --log-level taking precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	// Default to panic level (essentially silent for normal operations)
	cfg.LogLevel = logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			cfg.LogLevel = logrus.DebugLevel
		case "info":
			cfg.LogLevel = logrus.InfoLevel
		case "warn":
			cfg.LogLevel = logrus.WarnLevel
		case "error":
			cfg.LogLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel
	}

	cfg.LogFile, _ = cmd.Flags().GetString("log-file")
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		cfg.OutputFormat = output
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates a logger with the appropriate log level based on flags.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	return cfg.NewLogger(), cfg, nil
}
