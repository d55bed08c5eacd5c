// Package config loads the YAML configuration that drives a memcached Pool
// and Client, with ${VAR_NAME} environment substitution and an fsnotify-
// backed hot-reload restricted to codec and observability settings — the
// server bucket list itself is immutable after Initialize (§3, SPEC_FULL.md
// component H).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file shape.
type Config struct {
	Pool        PoolConfig        `yaml:"pool"`
	Codec       CodecConfig       `yaml:"codec"`
	StatsServer StatsServerConfig `yaml:"stats_server"`
}

// ServerEntry pairs a host:port with its optional bucket weight.
type ServerEntry struct {
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// PoolConfig mirrors the memcached.PoolConfig fields that belong in the
// config file (§3's Configuration enumeration).
type PoolConfig struct {
	Servers []ServerEntry `yaml:"servers"`

	InitConn int `yaml:"init_conn"`
	MinConn  int `yaml:"min_conn"`
	MaxConn  int `yaml:"max_conn"`

	MaxIdleMs    int `yaml:"max_idle_ms"`
	MaxBusyMs    int `yaml:"max_busy_ms"`
	MaintSleepMs int `yaml:"maint_sleep_ms"`

	ReadTimeoutMs    int `yaml:"read_timeout_ms"`
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`

	Failover bool `yaml:"failover"`
	Nagle    bool `yaml:"nagle"`

	HashAlg string `yaml:"hash_alg"` // "native" | "old_compat" | "new_compat"
}

// CodecConfig is hot-reloadable: it governs the value codec's policy but
// never the server bucket list.
type CodecConfig struct {
	CompressEnable         bool   `yaml:"compress_enable"`
	CompressThresholdBytes int    `yaml:"compress_threshold_bytes"`
	PrimitiveAsString      bool   `yaml:"primitive_as_string"`
	DefaultTextEncoding    string `yaml:"default_text_encoding"`
}

// StatsServerConfig configures the optional HTTP /stats, /healthz, /metrics
// server (SPEC_FULL.md component J). Also hot-reloadable.
type StatsServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving the literal text in place when the variable is unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.InitConn == 0 {
		cfg.Pool.InitConn = 3
	}
	if cfg.Pool.MinConn == 0 {
		cfg.Pool.MinConn = 3
	}
	if cfg.Pool.MaxConn == 0 {
		cfg.Pool.MaxConn = 10
	}
	if cfg.Pool.MaxIdleMs == 0 {
		cfg.Pool.MaxIdleMs = 3 * 60 * 1000
	}
	if cfg.Pool.MaxBusyMs == 0 {
		cfg.Pool.MaxBusyMs = 5 * 60 * 1000
	}
	if cfg.Pool.MaintSleepMs == 0 {
		cfg.Pool.MaintSleepMs = 5000
	}
	if cfg.Pool.ReadTimeoutMs == 0 {
		cfg.Pool.ReadTimeoutMs = 10000
	}
	if cfg.Pool.HashAlg == "" {
		cfg.Pool.HashAlg = "native"
	}
	if cfg.Codec.CompressThresholdBytes == 0 {
		cfg.Codec.CompressThresholdBytes = 30720
	}
	if cfg.Codec.DefaultTextEncoding == "" {
		cfg.Codec.DefaultTextEncoding = "UTF-8"
	}
	if cfg.StatsServer.Bind == "" {
		cfg.StatsServer.Bind = "127.0.0.1"
	}
	if cfg.StatsServer.Port == 0 {
		cfg.StatsServer.Port = 11299
	}
}

func validate(cfg *Config) error {
	if len(cfg.Pool.Servers) == 0 {
		return fmt.Errorf("pool.servers: at least one server is required")
	}
	for _, s := range cfg.Pool.Servers {
		if s.Address == "" {
			return fmt.Errorf("pool.servers: address is required")
		}
		if s.Weight < 0 {
			return fmt.Errorf("pool.servers: %q: weight must not be negative", s.Address)
		}
	}
	switch cfg.Pool.HashAlg {
	case "", "native", "old_compat", "new_compat":
	default:
		return fmt.Errorf("pool.hash_alg: unsupported value %q", cfg.Pool.HashAlg)
	}
	return nil
}

// Watcher watches the config file for changes and invokes the callback with
// the reloaded Config, debounced by 500ms. Callers that care about the
// immutable pool/server section should ignore it in the callback — only
// Codec and StatsServer are meant to change at runtime.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	log      *slog.Logger
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
		log:      slog.Default().With("component", "config.Watcher"),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Warn("hot-reload failed", "path", cw.path, "err", err)
		return
	}

	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
