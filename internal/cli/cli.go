// ============================================================================
// renderjob CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for creating, inspecting and serving render jobs
//
// Command Structure:
//   renderjob                       # Root command
//   ├── new                         # Create a data.json for a new job
//   ├── show <file>                 # Print a job summary
//   ├── verify <files...>           # Check documents parse and round-trip
//   ├── status <file> <status>      # Move a job (or --task) to a status
//   ├── add-task <file>             # Append an idle task
//   ├── atomize <file> --frames     # Split a frame range into tasks
//   ├── merge <file> <other>        # Fold another copy of the job in
//   ├── journal <path>              # Dump, validate and summarize a journal
//   ├── serve                       # Run the job store with gRPC + HTTP
//   └── --config, -c                # Config file (serve)
//
// Configuration:
//   YAML file (default: configs/default.yaml). An optional .env file is
//   loaded first; RENDERJOB_* environment variables override the file:
//     RENDERJOB_DATA_DIR, RENDERJOB_JOURNAL_PATH, RENDERJOB_NATS_URL,
//     RENDERJOB_GRPC_PORT, RENDERJOB_HTTP_PORT
//
// Remote mode:
//   show, status and atomize accept --server host:port; the argument is
//   then a job id and the command talks to `renderjob serve` over gRPC.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var log = slog.Default()

// Config represents the complete configuration of `renderjob serve`.
// Maps config file fields through YAML tags
type Config struct {
	Data struct {
		Dir                  string `yaml:"dir"`
		JournalPath          string `yaml:"journal_path"`
		SyncOnAppend         bool   `yaml:"sync_on_append"`
		FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
		Workers              int    `yaml:"workers"`
	} `yaml:"data"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	HTTP struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"http"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	// Metrics serves /metrics on its own port; 0 leaves it to the HTTP API
	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

// Environment variables that override the config file.
const (
	EnvDataDir     = "RENDERJOB_DATA_DIR"
	EnvJournalPath = "RENDERJOB_JOURNAL_PATH"
	EnvNATSURL     = "RENDERJOB_NATS_URL"
	EnvGRPCPort    = "RENDERJOB_GRPC_PORT"
	EnvHTTPPort    = "RENDERJOB_HTTP_PORT"
)

type app struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "renderjob",
		Short: "renderjob: durable render-farm job documents",
		Long: `renderjob manages render jobs stored as canonical data.json documents:
- strict idle -> queued -> running -> finished/errored/aborted lifecycle
- lossless, byte-stable serialization
- journaled changes with crash recovery
- gRPC, HTTP and NATS front ends`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildNewCommand())
	rootCmd.AddCommand(buildShowCommand())
	rootCmd.AddCommand(buildVerifyCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAddTaskCommand())
	rootCmd.AddCommand(buildAtomizeCommand())
	rootCmd.AddCommand(buildMergeCommand())
	rootCmd.AddCommand(buildJournalCommand())
	rootCmd.AddCommand(a.buildServeCommand())

	return rootCmd
}

// ============================================================================
// Configuration
// ============================================================================

func defaultConfig() Config {
	var cfg Config
	cfg.Data.Dir = "./data"
	cfg.Data.FlushIntervalSeconds = 5
	cfg.Data.Workers = 4
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50051
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 8080
	return cfg
}

// loadConfig reads the YAML file at path over the defaults and applies the
// environment overrides.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv(EnvJournalPath); v != "" {
		cfg.Data.JournalPath = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(EnvGRPCPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvGRPCPort, err)
		}
		cfg.GRPC.Port = port
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHTTPPort, err)
		}
		cfg.HTTP.Port = port
	}
	return nil
}
