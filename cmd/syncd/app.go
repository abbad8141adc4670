package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/syncd"
	"pkt.systems/syncd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SYNCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "syncd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server failures are logged; subcommand failures
// are printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if isSubcommandToken(root, arg) {
			return false
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := syncd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, syncd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "syncd is a transactional storage server for browser sync clients",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  SYNCD_MASTER_SECRET=$(openssl rand -hex 32) syncd --store mem://

  # SQLite file with Prometheus metrics
  syncd --store sqlite:///var/lib/syncd/sync.db --metrics-listen 127.0.0.1:9464

  # bbolt file behind a unix socket
  syncd --store bolt:///var/lib/syncd/sync.bolt --listen-proto unix --listen /run/syncd.sock
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to syncd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			server, err := syncd.NewServer(cfg, syncd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.syncd/"+syncd.DefaultConfigFileName+")")
	persistentFlags.String("master-secret", "", "master secret tokens are derived from (or SYNCD_MASTER_SECRET)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", syncd.DefaultListen, "listen address")
	flags.String("listen-proto", syncd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", syncd.DefaultStore, "storage backend URL (mem://, sqlite:///path, bolt:///path)")
	flags.Int("pool-size", syncd.DefaultPoolSize, "maximum concurrently open transactions")
	flags.Duration("pool-timeout", syncd.DefaultPoolTimeout, "maximum wait for a transaction slot")
	flags.Duration("lock-timeout", syncd.DefaultLockTimeout, "maximum wait for a collection lock")
	flags.Duration("auth-clock-skew", syncd.DefaultAuthClockSkew, "tolerated client clock skew for Hawk timestamps")
	flags.String("max-request-bytes", humanizeBytes(syncd.DefaultMaxRequestBytes), "maximum request body size")
	flags.Duration("retry-after", syncd.DefaultRetryAfter, "Retry-After advertised on 503 responses")
	flags.Duration("shutdown-timeout", syncd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Duration("purge-interval", syncd.DefaultPurgeInterval, "interval between purges of expired items (0 disables)")
	flags.Int("sqlite-max-open-conns", syncd.DefaultSQLiteMaxOpenConns, "maximum open sqlite connections")
	flags.Int("storage-retry-attempts", syncd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", syncd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", syncd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", syncd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("metrics-listen", syncd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", syncd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("http-tracing", false, "wrap API handlers with otelhttp server spans")

	bindFlag := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	}
	persistentFlags.VisitAll(bindFlag)
	flags.VisitAll(bindFlag)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newTokenCommand(v))
	cmd.AddCommand(newVerifyCommand(v, baseLogger))
	cmd.AddCommand(newPurgeCommand(v, baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper) (syncd.Config, error) {
	cfg, err := readConfig(v)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// readConfig maps viper keys onto syncd.Config without validating it.
func readConfig(v *viper.Viper) (syncd.Config, error) {
	cfg := syncd.Config{
		Listen:                  v.GetString("listen"),
		ListenProto:             v.GetString("listen-proto"),
		Store:                   v.GetString("store"),
		MasterSecret:            v.GetString("master-secret"),
		PoolSize:                v.GetInt("pool-size"),
		PoolTimeout:             v.GetDuration("pool-timeout"),
		LockTimeout:             v.GetDuration("lock-timeout"),
		AuthClockSkew:           v.GetDuration("auth-clock-skew"),
		RetryAfter:              v.GetDuration("retry-after"),
		ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
		PurgeInterval:           v.GetDuration("purge-interval"),
		SQLiteMaxOpenConns:      v.GetInt("sqlite-max-open-conns"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		HTTPTracing:             v.GetBool("http-tracing"),
	}
	if raw := strings.TrimSpace(v.GetString("max-request-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-request-bytes: %w", err)
		}
		cfg.MaxRequestBytes = int64(size)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
