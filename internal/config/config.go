// Package config loads protocold configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// PROTOCOLD_* environment variables. Sections owned by other packages
// (logging, observability, secrets) are decoded on demand with Decode so
// this package stays a leaf.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config holds the protocold configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Engine    EngineConfig    `koanf:"engine"`
	NATS      NATSConfig      `koanf:"nats"`
	MCP       MCPConfig       `koanf:"mcp"`
	Graphs    GraphsConfig    `koanf:"graphs"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained requests per second per client. Zero
	// disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// StoreConfig selects and configures the state repository.
type StoreConfig struct {
	Backend     string `koanf:"backend"`
	Dir         string `koanf:"dir"`
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN Secret `koanf:"postgres_dsn"`
	MaxConns    int32  `koanf:"max_conns"`
	Bucket      string `koanf:"bucket"`
	// CacheBytes bounds the read-through cache. Zero disables it.
	CacheBytes int64    `koanf:"cache_bytes"`
	CacheTTL   Duration `koanf:"cache_ttl"`
}

// ArtifactsConfig locates phase artifacts.
type ArtifactsConfig struct {
	Root string `koanf:"root"`
	// Watch retries blocked advances when their artifact appears.
	Watch bool `koanf:"watch"`
}

// EngineConfig tunes the FSM engine.
type EngineConfig struct {
	Parallelism     int `koanf:"parallelism"`
	MaxContextBytes int `koanf:"max_context_bytes"`
	// BranchDeadline enables the branch sweeper when positive.
	BranchDeadline Duration `koanf:"branch_deadline"`
	SweepInterval  Duration `koanf:"sweep_interval"`
}

// NATSConfig configures directive publishing and the KV store.
type NATSConfig struct {
	URL string `koanf:"url"`
	// Embedded runs an in-process JetStream server instead of dialing URL.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
	Publish  bool   `koanf:"publish"`
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	Enabled bool `koanf:"enabled"`
}

// GraphsConfig lists extra graph definition files.
type GraphsConfig struct {
	Files []string `koanf:"files"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       50,
			RateBurst:       100,
		},
		Store: StoreConfig{
			Backend:  BackendFile,
			Dir:      "~/.local/share/protocold/state",
			MaxConns: 8,
			Bucket:   "protocol_states",
			CacheTTL: Duration(5 * time.Minute),
		},
		Artifacts: ArtifactsConfig{
			Root:  "artifacts",
			Watch: true,
		},
		Engine: EngineConfig{
			Parallelism:     4,
			MaxContextBytes: 16 * 1024,
			SweepInterval:   Duration(time.Minute),
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst < 1) {
		errs = append(errs, errors.New("server.rate_limit must be >= 0 with a positive rate_burst"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if !c.Store.PostgresDSN.IsSet() {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case BackendNATS:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the nats backend"))
		}
		if !c.NATS.Embedded && c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.CacheBytes < 0 {
		errs = append(errs, errors.New("store.cache_bytes must be >= 0"))
	}

	if c.Artifacts.Root == "" {
		errs = append(errs, errors.New("artifacts.root is required"))
	}
	if c.Engine.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("engine.parallelism must be >= 1, got %d", c.Engine.Parallelism))
	}
	if c.Engine.MaxContextBytes < 1 {
		errs = append(errs, errors.New("engine.max_context_bytes must be positive"))
	}
	if c.Engine.BranchDeadline > 0 && c.Engine.SweepInterval <= 0 {
		errs = append(errs, errors.New("engine.sweep_interval must be positive when branch_deadline is set"))
	}
	if c.NATS.Publish && !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required to publish directives"))
	}
	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.NATS.Publish || c.Store.Backend == BackendNATS
}

// Decode unmarshals the raw section at path into out, which should already
// hold its defaults. Keys absent from the file and environment keep their
// default values.
func (c *Config) Decode(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
