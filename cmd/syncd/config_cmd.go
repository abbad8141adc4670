package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/syncd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage syncd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.syncd/" + syncd.DefaultConfigFileName
	if dir, err := syncd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, syncd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default syncd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := syncd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, syncd.DefaultConfigFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file without translation.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	ListenProto             string  `yaml:"listen-proto"`
	Store                   string  `yaml:"store"`
	MasterSecret            string  `yaml:"master-secret"`
	PoolSize                int     `yaml:"pool-size"`
	PoolTimeout             string  `yaml:"pool-timeout"`
	LockTimeout             string  `yaml:"lock-timeout"`
	AuthClockSkew           string  `yaml:"auth-clock-skew"`
	MaxRequestBytes         string  `yaml:"max-request-bytes"`
	RetryAfter              string  `yaml:"retry-after"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	PurgeInterval           string  `yaml:"purge-interval"`
	SQLiteMaxOpenConns      int     `yaml:"sqlite-max-open-conns"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	HTTPTracing             bool    `yaml:"http-tracing"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  syncd.DefaultListen,
		ListenProto:             syncd.DefaultListenProto,
		Store:                   syncd.DefaultStore,
		PoolSize:                syncd.DefaultPoolSize,
		PoolTimeout:             syncd.DefaultPoolTimeout.String(),
		LockTimeout:             syncd.DefaultLockTimeout.String(),
		AuthClockSkew:           syncd.DefaultAuthClockSkew.String(),
		MaxRequestBytes:         humanizeBytes(syncd.DefaultMaxRequestBytes),
		RetryAfter:              syncd.DefaultRetryAfter.String(),
		ShutdownTimeout:         syncd.DefaultShutdownTimeout.String(),
		PurgeInterval:           syncd.DefaultPurgeInterval.String(),
		SQLiteMaxOpenConns:      syncd.DefaultSQLiteMaxOpenConns,
		StorageRetryMaxAttempts: syncd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   syncd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    syncd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  syncd.DefaultStorageRetryMultiplier,
		MetricsListen:           syncd.DefaultMetricsListen,
		PprofListen:             syncd.DefaultPprofListen,
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
