package syncd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-root-tests"

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{MasterSecret: testSecret}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected listen proto default tcp, got %s", cfg.ListenProto)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.PoolSize != DefaultPoolSize || cfg.PoolTimeout != DefaultPoolTimeout {
		t.Fatalf("expected pool defaults, got %d %s", cfg.PoolSize, cfg.PoolTimeout)
	}
	if cfg.LockTimeout != DefaultLockTimeout {
		t.Fatalf("expected lock timeout default, got %s", cfg.LockTimeout)
	}
	if cfg.MaxRequestBytes != DefaultMaxRequestBytes || cfg.RetryAfter != DefaultRetryAfter {
		t.Fatalf("expected request defaults, got %d %s", cfg.MaxRequestBytes, cfg.RetryAfter)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"short secret", Config{MasterSecret: "short"}, "master secret"},
		{"listen proto", Config{MasterSecret: testSecret, ListenProto: "udp"}, "listen proto"},
		{"profiling without metrics", Config{MasterSecret: testSecret, EnableProfilingMetrics: true}, "metrics-listen"},
		{"negative pool", Config{MasterSecret: testSecret, PoolSize: -1}, "pool size"},
		{"negative lock timeout", Config{MasterSecret: testSecret, LockTimeout: -time.Second}, "lock timeout"},
		{"retry delays", Config{MasterSecret: testSecret, StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond}, "max delay"},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYNCD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
	t.Setenv("SYNCD_CONFIG_DIR", "relative/dir")
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("relative", "dir")) {
		t.Fatalf("expected absolute path, got %s", got)
	}
}
