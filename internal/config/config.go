// Package config loads RECALL_* settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/FocuswithJustin/RecallRecover/core/pipeline"
)

// DefaultEnvFile is loaded when no env file is named.
const DefaultEnvFile = ".env"

// Environment variable names.
const (
	EnvOutputDir = "RECALL_OUTPUT_DIR"
	EnvSQLite3   = "RECALL_SQLITE3"
	EnvMinID     = "RECALL_MIN_ID"
	EnvLogLevel  = "RECALL_LOG_LEVEL"
	EnvLogFormat = "RECALL_LOG_FORMAT"
	EnvAddr      = "RECALL_ADDR"
)

// Config holds the process-wide defaults. Command-line flags override it.
type Config struct {
	OutputDir    string
	SQLiteBinary string
	MinID        int64
	LogLevel     string
	LogFormat    string
	Addr         string
}

func env(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Load reads envFile (DefaultEnvFile when empty) into the environment and
// builds a Config. A missing default file is not an error; a missing named
// file is. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	name := envFile
	if name == "" {
		name = DefaultEnvFile
	}
	if err := godotenv.Load(name); err != nil {
		if envFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	cfg := &Config{
		OutputDir:    env(EnvOutputDir, pipeline.DefaultOutputDir),
		SQLiteBinary: env(EnvSQLite3, ""),
		MinID:        pipeline.DefaultMinIDThreshold,
		LogLevel:     env(EnvLogLevel, "info"),
		LogFormat:    env(EnvLogFormat, "json"),
		Addr:         env(EnvAddr, ":8787"),
	}
	if v := os.Getenv(EnvMinID); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMinID, err)
		}
		cfg.MinID = n
	}
	return cfg, nil
}

// Recovery returns a pipeline configuration for sourceDB seeded with the
// loaded defaults.
func (c *Config) Recovery(sourceDB string) pipeline.RecoveryConfig {
	return pipeline.RecoveryConfig{
		SourceDB:       sourceDB,
		OutputDir:      c.OutputDir,
		SQLiteBinary:   c.SQLiteBinary,
		MinIDThreshold: c.MinID,
	}
}
