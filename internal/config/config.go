// Package config loads process configuration from environment variables,
// with an optional YAML overlay file for non-secret tuning knobs. Required
// broker credentials are read verbatim from the environment; their absence
// is a fatal startup error. There is no module-level mutable configuration:
// Load returns a value and callers thread it through explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MissingEnvironmentVariables is returned by Load when one or more required
// broker environment variables are unset.
type MissingEnvironmentVariables struct {
	Names []string
}

func (e *MissingEnvironmentVariables) Error() string {
	return fmt.Sprintf("config: missing required environment variables: %s", strings.Join(e.Names, ", "))
}

// Config is the full set of tunables read at process startup. Broker is
// required; every other field has a sane default and may be overridden by
// an env var or the optional YAML overlay (overlay wins over defaults,
// env vars win over the overlay — see Load).
type Config struct {
	Broker BrokerConfig

	// RequestTimeout bounds how long the dispatcher waits for a worker
	// reply before raising TimeoutException.
	RequestTimeout time.Duration
	// SocketTimeout bounds worker socket connect/read/write operations.
	SocketTimeout time.Duration
	// MaxBulkWrite caps how many write records are flushed per persistence
	// cycle.
	MaxBulkWrite int
	// MaxQueueDepth is the hard cap on the persistence pipeline's in-memory
	// FIFO before records are dropped.
	MaxQueueDepth int
	// FlushInterval is how often the persistence pipeline wakes to drain
	// its queue.
	FlushInterval time.Duration
	// FuzzerMode suppresses endpoint-metadata insertion entirely, for
	// clients that generate high-cardinality throwaway URLs.
	FuzzerMode bool

	// LogDir is the base directory under which per-process log files are
	// written (proxy and worker each get their own subdirectory).
	LogDir string

	Storage StorageConfig
}

// StorageConfig selects and configures the relational backend the
// persistence pipeline's per-tenant connections are opened against.
// Backend defaults to "sqlite" so the proxy has a working store with zero
// required configuration; set UB_STORAGE_BACKEND=postgres in any
// environment with a real tenant Postgres cluster.
type StorageConfig struct {
	Backend     string
	PostgresDSN string
	SQLiteDir   string
}

// BrokerConfig carries the three required broker environment variables plus
// the fixed port/vhost the original system bakes in.
type BrokerConfig struct {
	Hostname string
	Username string
	Password string
	Port     int
	Vhost    string
}

// URL renders the broker connection target as a ws://host:port/vhost URL,
// consumed by broker.NewWebSocketTransport. The concrete transport in this
// repository speaks websockets to a broker gateway process rather than raw
// AMQP; the host comes from RABBIT_HOSTNAME, while port and vhost are the
// fixed defaults set by Load. The credentials are not part of the URL.
func (b BrokerConfig) URL() string {
	vhost := strings.TrimPrefix(b.Vhost, "/")
	return fmt.Sprintf("ws://%s:%d/%s", b.Hostname, b.Port, vhost)
}

// overlay is the optional YAML file's shape: every field optional, names
// matching the UB_* env vars they shadow.
type overlay struct {
	RequestTimeout *string `yaml:"request_timeout"`
	SocketTimeout  *string `yaml:"socket_timeout"`
	MaxBulkWrite   *int    `yaml:"max_bulk_write"`
	MaxQueueDepth  *int    `yaml:"max_queue_depth"`
	FlushInterval  *string `yaml:"flush_interval"`
	FuzzerMode     *bool   `yaml:"fuzzer_mode"`
	LogDir         *string `yaml:"log_dir"`
	StorageBackend *string `yaml:"storage_backend"`
	SQLiteDir      *string `yaml:"sqlite_dir"`
}

// Load reads the required RABBIT_HOSTNAME/RABBIT_USERNAME/RABBIT_PASSWORD
// environment variables (fatal if any is absent), applies defaults, layers
// in the optional YAML overlay named by UB_CONFIG_FILE if present, and
// finally lets the UB_* environment variables override both (file layers
// first, explicit env last).
func Load() (Config, error) {
	var missing []string
	get := func(name string) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	broker := BrokerConfig{
		Hostname: get("RABBIT_HOSTNAME"),
		Username: get("RABBIT_USERNAME"),
		Password: get("RABBIT_PASSWORD"),
		Port:     5672,
		Vhost:    "/",
	}
	if len(missing) > 0 {
		return Config{}, &MissingEnvironmentVariables{Names: missing}
	}

	cfg := Config{
		Broker:         broker,
		RequestTimeout: 15 * time.Second,
		SocketTimeout:  15 * time.Second,
		MaxBulkWrite:   100,
		MaxQueueDepth:  10_000,
		FlushInterval:  50 * time.Millisecond,
		LogDir:         "/var/log",
		Storage: StorageConfig{
			Backend:   "sqlite",
			SQLiteDir: "/var/lib/ub-httpproxy/tenants",
		},
	}

	if path := strings.TrimSpace(os.Getenv("UB_CONFIG_FILE")); path != "" {
		if err := applyOverlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyOverlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	if ov.RequestTimeout != nil {
		if d, err := time.ParseDuration(*ov.RequestTimeout); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if ov.SocketTimeout != nil {
		if d, err := time.ParseDuration(*ov.SocketTimeout); err == nil {
			cfg.SocketTimeout = d
		}
	}
	if ov.MaxBulkWrite != nil {
		cfg.MaxBulkWrite = *ov.MaxBulkWrite
	}
	if ov.MaxQueueDepth != nil {
		cfg.MaxQueueDepth = *ov.MaxQueueDepth
	}
	if ov.FlushInterval != nil {
		if d, err := time.ParseDuration(*ov.FlushInterval); err == nil {
			cfg.FlushInterval = d
		}
	}
	if ov.FuzzerMode != nil {
		cfg.FuzzerMode = *ov.FuzzerMode
	}
	if ov.LogDir != nil {
		cfg.LogDir = *ov.LogDir
	}
	if ov.StorageBackend != nil {
		cfg.Storage.Backend = strings.ToLower(*ov.StorageBackend)
	}
	if ov.SQLiteDir != nil {
		cfg.Storage.SQLiteDir = *ov.SQLiteDir
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := getenvDuration("UB_REQUEST_TIMEOUT", 0); v > 0 {
		cfg.RequestTimeout = v
	}
	if v := getenvDuration("UB_SOCKET_TIMEOUT", 0); v > 0 {
		cfg.SocketTimeout = v
	}
	if v := getenvInt("UB_MAX_BULK_WRITE", 0); v > 0 {
		cfg.MaxBulkWrite = v
	}
	if v := getenvInt("UB_MAX_QUEUE_DEPTH", 0); v > 0 {
		cfg.MaxQueueDepth = v
	}
	if v := getenvDuration("UB_FLUSH_INTERVAL", 0); v > 0 {
		cfg.FlushInterval = v
	}
	if v, ok := os.LookupEnv("UB_FUZZER_MODE"); ok {
		if b, ok2 := parseBoolLoose(v); ok2 {
			cfg.FuzzerMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("UB_LOG_DIR")); v != "" {
		cfg.LogDir = v
	}
	if v := strings.TrimSpace(os.Getenv("UB_STORAGE_BACKEND")); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("UB_POSTGRES_DSN")); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("UB_SQLITE_DIR")); v != "" {
		cfg.Storage.SQLiteDir = v
	}
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, true
	case "0", "f", "false", "n", "no", "off":
		return false, true
	default:
		return false, false
	}
}
