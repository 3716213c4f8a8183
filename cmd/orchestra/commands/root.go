// Package commands implements the orchestra CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Snapshot backends register themselves via init()
	_ "github.com/openfroyo/orchestra/pkg/snapshot/azurerm"
	_ "github.com/openfroyo/orchestra/pkg/snapshot/gcs"
	_ "github.com/openfroyo/orchestra/pkg/snapshot/local"
	_ "github.com/openfroyo/orchestra/pkg/snapshot/s3"
)

// Configuration keys. Each can be set in the config file, as an
// ORCHESTRA_<KEY> environment variable or with the matching flag.
const (
	keyVerbose         = "verbose"
	keyJSON            = "json"
	keyDatabase        = "database"
	keyLogLevel        = "log_level"
	keyLogFormat       = "log_format"
	keyEvents          = "events"
	keyMetricsAddr     = "metrics_addr"
	keyTraceExporter   = "trace_exporter"
	keyTraceEndpoint   = "trace_endpoint"
	keySnapshotBackend = "snapshot_backend"
	keySnapshotConfig  = "snapshot_config"
	keyPolicies        = "policies"
	keyAWSRegion       = "aws.region"
	keyAWSProfile      = "aws.profile"
	keyAWSEndpoint     = "aws.endpoint"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	s := &settings{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "orchestra",
		Short: "Orchestra - infrastructure orchestration engine",
		Long: `Orchestra provisions infrastructure, configures it and runs workloads on it.

A model declares resources (provisioning), configuration steps and
execution steps. Each phase is a dependency graph run by a pool of
workers with retries; a failed phase aborts the orchestration and
reports every aborted task. Provisioned resources can be torn down again
in reverse dependency order, also from a later process.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&s.configFile, "config", "c", "", "config file (default is $HOME/.orchestra/config.yaml)")
	flags.BoolP("verbose", "v", false, "enable verbose output")
	flags.Bool("json", false, "output in JSON format")
	flags.String("database", "", "SQLite database for snapshots and events (default is $HOME/.orchestra/orchestra.db)")
	flags.String("log-format", "console", "engine log format (console, json)")
	flags.String("events", "", "write the JSON event stream to stdout, stderr or a file")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.String("trace-endpoint", "", "OTLP collector endpoint")
	flags.String("snapshot-backend", "", "also export snapshots to a backend (local, s3, gcs, azurerm)")
	flags.StringToString("snapshot-config", nil, "snapshot backend configuration (key=value)")
	flags.StringSlice("policy", nil, "additional policy files or directories")
	flags.String("aws-region", "", "AWS region")
	flags.String("aws-profile", "", "AWS shared config profile")
	flags.String("aws-endpoint", "", "AWS-compatible endpoint URL")

	for key, flag := range map[string]string{
		keyVerbose:         "verbose",
		keyJSON:            "json",
		keyDatabase:        "database",
		keyLogFormat:       "log-format",
		keyEvents:          "events",
		keyMetricsAddr:     "metrics-addr",
		keyTraceExporter:   "trace-exporter",
		keyTraceEndpoint:   "trace-endpoint",
		keySnapshotBackend: "snapshot-backend",
		keySnapshotConfig:  "snapshot-config",
		keyPolicies:        "policy",
		keyAWSRegion:       "aws-region",
		keyAWSProfile:      "aws-profile",
		keyAWSEndpoint:     "aws-endpoint",
	} {
		_ = s.v.BindPFlag(key, flags.Lookup(flag))
	}
	s.v.SetEnvPrefix("ORCHESTRA")
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	s.v.AutomaticEnv()
	s.v.SetDefault(keyLogLevel, "info")

	rootCmd.AddCommand(newRunCommand(s))
	rootCmd.AddCommand(newProvisionCommand(s))
	rootCmd.AddCommand(newDeprovisionCommand(s))
	rootCmd.AddCommand(newValidateCommand(s))
	rootCmd.AddCommand(newGraphCommand(s))
	rootCmd.AddCommand(newStatusCommand(s))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// settings resolves configuration from flags, environment and config file.
type settings struct {
	v          *viper.Viper
	configFile string
}

func (s *settings) load() error {
	if s.configFile != "" {
		s.v.SetConfigFile(s.configFile)
		if err := s.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", s.configFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	s.v.AddConfigPath(filepath.Join(home, ".orchestra"))
	s.v.SetConfigName("config")
	s.v.SetConfigType("yaml")

	if err := s.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// databasePath returns the configured database, defaulting to one in the
// user's orchestra directory.
func (s *settings) databasePath() (string, error) {
	if p := s.v.GetString(keyDatabase); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	dir := filepath.Join(home, ".orchestra")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return filepath.Join(dir, "orchestra.db"), nil
}
