// Package config loads editbridge configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// config file (YAML, JSON or TOML), a .env file in the working directory and
// EDITBRIDGE_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
)

// EnvPrefix is the prefix for environment overrides (EDITBRIDGE_WORKER_MAX_INSTANCES, ...).
const EnvPrefix = "EDITBRIDGE"

// TimeoutPolicy selects how a worker's reclamation deadline is measured.
type TimeoutPolicy string

const (
	// PolicyIdle reclaims a worker after InstanceTimeout without a command.
	PolicyIdle TimeoutPolicy = "idle"
	// PolicyLifetime reclaims a worker InstanceTimeout after it was created.
	PolicyLifetime TimeoutPolicy = "lifetime"
)

// Config is the root configuration.
type Config struct {
	Router    RouterConfig    `mapstructure:"router"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
}

// RouterConfig tunes operation classification and batching.
type RouterConfig struct {
	SimpleOperationThreshold int64 `mapstructure:"simple_operation_threshold"`
	// ComplexityFactors is a weighting hook kept for future tuning.
	// The planning rules do not read it.
	ComplexityFactors map[string]float64 `mapstructure:"complexity_factors"`
	BatchThreshold    int                `mapstructure:"batch_threshold"`
	BatchSize         int                `mapstructure:"batch_size"`
}

// WorkerConfig describes the external editor worker pool.
type WorkerConfig struct {
	Command         string        `mapstructure:"command"`
	Args            []string      `mapstructure:"args"`
	MaxInstances    int           `mapstructure:"max_instances"`
	InstanceTimeout time.Duration `mapstructure:"instance_timeout"`
	TimeoutPolicy   TimeoutPolicy `mapstructure:"timeout_policy"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// JournalConfig controls the SQLite session journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// TransportConfig selects how wire messages reach the server.
type TransportConfig struct {
	Mode string `mapstructure:"mode"`
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Router: RouterConfig{
			SimpleOperationThreshold: 1 << 20,
			ComplexityFactors:        map[string]float64{},
			BatchThreshold:           100,
			BatchSize:                50,
		},
		Worker: WorkerConfig{
			Command:         "edit",
			Args:            []string{"--mcp-worker"},
			MaxInstances:    5,
			InstanceTimeout: 5 * time.Minute,
			TimeoutPolicy:   PolicyIdle,
			ShutdownGrace:   2 * time.Second,
		},
		Journal: JournalConfig{
			Enabled: true,
			DataDir: filepath.Join(home, ".editbridge"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Transport: TransportConfig{
			Mode: "stdio",
			Addr: "127.0.0.1:7420",
		},
	}
}

// Load reads configuration from path (optional) and the environment.
// An empty path searches for editbridge.{yaml,json,toml} in the working
// directory and in ~/.editbridge.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("editbridge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".editbridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("router.simple_operation_threshold", d.Router.SimpleOperationThreshold)
	v.SetDefault("router.complexity_factors", d.Router.ComplexityFactors)
	v.SetDefault("router.batch_threshold", d.Router.BatchThreshold)
	v.SetDefault("router.batch_size", d.Router.BatchSize)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.max_instances", d.Worker.MaxInstances)
	v.SetDefault("worker.instance_timeout", d.Worker.InstanceTimeout)
	v.SetDefault("worker.timeout_policy", string(d.Worker.TimeoutPolicy))
	v.SetDefault("worker.shutdown_grace", d.Worker.ShutdownGrace)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.data_dir", d.Journal.DataDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("transport.mode", d.Transport.Mode)
	v.SetDefault("transport.addr", d.Transport.Addr)
}

// Validate rejects configurations the router or pool cannot run with.
func (c *Config) Validate() error {
	if c.Router.SimpleOperationThreshold <= 0 {
		return errors.Errorf("router.simple_operation_threshold must be positive, got %d", c.Router.SimpleOperationThreshold)
	}
	if c.Router.BatchSize <= 0 {
		return errors.Errorf("router.batch_size must be positive, got %d", c.Router.BatchSize)
	}
	if c.Router.BatchThreshold < c.Router.BatchSize {
		return errors.Errorf("router.batch_threshold (%d) must be >= router.batch_size (%d)", c.Router.BatchThreshold, c.Router.BatchSize)
	}
	if c.Worker.MaxInstances <= 0 {
		return errors.Errorf("worker.max_instances must be positive, got %d", c.Worker.MaxInstances)
	}
	if c.Worker.InstanceTimeout <= 0 {
		return errors.Errorf("worker.instance_timeout must be positive, got %s", c.Worker.InstanceTimeout)
	}
	switch c.Worker.TimeoutPolicy {
	case PolicyIdle, PolicyLifetime:
	default:
		return errors.Errorf("worker.timeout_policy must be %q or %q, got %q", PolicyIdle, PolicyLifetime, c.Worker.TimeoutPolicy)
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		return errors.New("worker.command is required")
	}
	switch c.Transport.Mode {
	case "stdio", "websocket":
	default:
		return errors.Errorf("transport.mode must be stdio or websocket, got %q", c.Transport.Mode)
	}
	return nil
}
