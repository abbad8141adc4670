package syncd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8000"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultPoolSize caps how many transactions may be open at once.
	DefaultPoolSize = 32
	// DefaultPoolTimeout bounds how long a request waits for a pool slot.
	DefaultPoolTimeout = 5 * time.Second
	// DefaultLockTimeout bounds how long a request waits for its collection lock.
	DefaultLockTimeout = 10 * time.Second
	// DefaultAuthClockSkew is the tolerated distance between client and server clocks.
	DefaultAuthClockSkew = 60 * time.Second
	// DefaultMaxRequestBytes bounds request bodies.
	DefaultMaxRequestBytes = int64(2 << 20)
	// DefaultRetryAfter is advertised on 503 responses.
	DefaultRetryAfter = 2 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultSQLiteMaxOpenConns bounds the sqlite connection pool.
	DefaultSQLiteMaxOpenConns = 8
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultPurgeInterval is how often the CLI server purges expired items.
	DefaultPurgeInterval = time.Hour
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// minMasterSecretLen matches the shortest secret token derivation accepts.
	minMasterSecretLen = 16
)

// Config captures the tunables for a syncd.Server.
type Config struct {
	Listen      string
	ListenProto string
	// Store selects the backend: mem://, sqlite:///path/to.db or bolt:///path/to.db.
	Store        string
	MasterSecret string

	PoolSize        int
	PoolTimeout     time.Duration
	LockTimeout     time.Duration
	AuthClockSkew   time.Duration
	MaxRequestBytes int64
	RetryAfter      time.Duration
	ShutdownTimeout time.Duration

	SQLiteMaxOpenConns int
	// PurgeInterval schedules removal of expired items. Zero disables the
	// purge loop; expired items stay hidden from reads either way.
	PurgeInterval time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	HTTPTracing            bool
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if err := c.normalize(); err != nil {
		return err
	}
	if len(c.MasterSecret) < minMasterSecretLen {
		return fmt.Errorf("config: master secret must be at least %d bytes", minMasterSecretLen)
	}
	return nil
}

// normalize applies defaults and checks everything except the master
// secret, which only the API server needs.
func (c *Config) normalize() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("config: pool size must be >= 0")
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PoolTimeout < 0 {
		return fmt.Errorf("config: pool timeout must be >= 0")
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = DefaultPoolTimeout
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("config: lock timeout must be >= 0")
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.AuthClockSkew <= 0 {
		c.AuthClockSkew = DefaultAuthClockSkew
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PurgeInterval < 0 {
		return fmt.Errorf("config: purge interval must be >= 0")
	}
	if c.SQLiteMaxOpenConns <= 0 {
		c.SQLiteMaxOpenConns = DefaultSQLiteMaxOpenConns
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.syncd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SYNCD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".syncd"), nil
}
