package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats understood by the CLI.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `json:"log_level"`
	// LogFile routes log output to a rotated file instead of stderr.
	LogFile       string `json:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days"`

	ConnectTimeout time.Duration `json:"connect_timeout"`
	StatusTimeout  time.Duration `json:"status_timeout"`
	DiscoverTime   time.Duration `json:"discover_time"`
	OutputFormat   string        `json:"output_format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       logrus.InfoLevel,
		LogMaxSizeMB:   10,
		LogMaxBackups:  3,
		LogMaxAgeDays:  28,
		ConnectTimeout: 30 * time.Second,
		StatusTimeout:  5 * time.Second,
		DiscoverTime:   5 * time.Second,
		OutputFormat:   FormatText,
	}
}

// Validate rejects output formats the CLI cannot render.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (must be %s or %s)", c.OutputFormat, FormatText, FormatJSON)
	}
}

// LogWriter returns where log output goes: a lumberjack rotated file when
// LogFile is set, stderr otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAgeDays,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetOutput(c.LogWriter())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   c.LogFile != "",
	})

	return logger
}
