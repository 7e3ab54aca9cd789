package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "pipelined.db"
	defaultDataDir      = "data"
	defaultPipelineDir  = "pipelines"
	defaultSyncInterval = 20 * time.Second

	// defaultLowWaterPercent sets the eviction target when only the maximum
	// cache size is configured.
	defaultLowWaterPercent = 80

	// EnvConfigFile names an optional YAML file read before the environment.
	EnvConfigFile = "PIPELINED_CONFIG"

	envListenAddr        = "PIPELINED_LISTEN_ADDR"
	envDBPath            = "PIPELINED_DB_PATH"
	envLogLevel          = "PIPELINED_LOG_LEVEL"
	envDataDir           = "PIPELINED_DATA_DIR"
	envPipelineDir       = "PIPELINED_PIPELINE_DIR"
	envSibling           = "PIPELINED_SIBLING"
	envSyncInterval      = "PIPELINED_SYNC_INTERVAL"
	envSyncSchedule      = "PIPELINED_SYNC_SCHEDULE"
	envSyncRetryInterval = "PIPELINED_SYNC_RETRY_INTERVAL"
	envCacheMaxSize      = "PIPELINED_CACHE_MAX_SIZE"
	envCacheLowWater     = "PIPELINED_CACHE_LOW_WATER"
	envDefaultTimeout    = "PIPELINED_DEFAULT_TIMEOUT"
	envMinTimeout        = "PIPELINED_MIN_TIMEOUT"
	envMaxTimeout        = "PIPELINED_MAX_TIMEOUT"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DataDir is the root of the shared dataset holding user data.
	DataDir     string
	PipelineDir string

	// Sibling is the remote dataset synchronized with. Empty disables sync.
	Sibling           string
	SyncInterval      time.Duration
	SyncSchedule      string
	SyncRetryInterval time.Duration

	// CacheMaxSize in bytes; zero disables eviction.
	CacheMaxSize  int64
	CacheLowWater int64

	// Execution timeouts in seconds; zero means unset.
	DefaultTimeoutS int
	MinTimeoutS     int
	MaxTimeoutS     int
}

// fileConfig is the YAML layout. Values are strings so that the file and
// the environment share one parser.
type fileConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	PipelineDir string `yaml:"pipeline_dir"`
	Sync        struct {
		Sibling       string `yaml:"sibling"`
		Interval      string `yaml:"interval"`
		Schedule      string `yaml:"schedule"`
		RetryInterval string `yaml:"retry_interval"`
	} `yaml:"sync"`
	Cache struct {
		MaxSize  string `yaml:"max_size"`
		LowWater string `yaml:"low_water"`
	} `yaml:"cache"`
	Timeouts struct {
		Default string `yaml:"default"`
		Min     string `yaml:"min"`
		Max     string `yaml:"max"`
	} `yaml:"timeouts"`
}

func (f fileConfig) values() map[string]string {
	return map[string]string{
		envListenAddr:        f.ListenAddr,
		envDBPath:            f.DBPath,
		envLogLevel:          f.LogLevel,
		envDataDir:           f.DataDir,
		envPipelineDir:       f.PipelineDir,
		envSibling:           f.Sync.Sibling,
		envSyncInterval:      f.Sync.Interval,
		envSyncSchedule:      f.Sync.Schedule,
		envSyncRetryInterval: f.Sync.RetryInterval,
		envCacheMaxSize:      f.Cache.MaxSize,
		envCacheLowWater:     f.Cache.LowWater,
		envDefaultTimeout:    f.Timeouts.Default,
		envMinTimeout:        f.Timeouts.Min,
		envMaxTimeout:        f.Timeouts.Max,
	}
}

// setters parse one option each, keyed by environment variable.
var setters = map[string]func(*Config, string) error{
	envListenAddr:        func(c *Config, v string) error { c.ListenAddr = v; return nil },
	envDBPath:            func(c *Config, v string) error { c.DBPath = v; return nil },
	envLogLevel:          func(c *Config, v string) error { c.LogLevel = parseLogLevel(v); return nil },
	envDataDir:           func(c *Config, v string) error { c.DataDir = v; return nil },
	envPipelineDir:       func(c *Config, v string) error { c.PipelineDir = v; return nil },
	envSibling:           func(c *Config, v string) error { c.Sibling = v; return nil },
	envSyncSchedule:      func(c *Config, v string) error { c.SyncSchedule = v; return nil },
	envSyncInterval:      durationSetter(func(c *Config) *time.Duration { return &c.SyncInterval }),
	envSyncRetryInterval: durationSetter(func(c *Config) *time.Duration { return &c.SyncRetryInterval }),
	envCacheMaxSize:      sizeSetter(func(c *Config) *int64 { return &c.CacheMaxSize }),
	envCacheLowWater:     sizeSetter(func(c *Config) *int64 { return &c.CacheLowWater }),
	envDefaultTimeout:    secondsSetter(func(c *Config) *int { return &c.DefaultTimeoutS }),
	envMinTimeout:        secondsSetter(func(c *Config) *int { return &c.MinTimeoutS }),
	envMaxTimeout:        secondsSetter(func(c *Config) *int { return &c.MaxTimeoutS }),
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// sizeSetter accepts plain byte counts and human sizes such as "10GiB".
func sizeSetter(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return err
		}
		*field(c) = int64(n)
		return nil
	}
}

func secondsSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		DataDir:      defaultDataDir,
		PipelineDir:  defaultPipelineDir,
		SyncInterval: defaultSyncInterval,
	}
}

// Load reads the file named by PIPELINED_CONFIG, if any, then the
// environment.
func Load() (Config, error) {
	return LoadFile(os.Getenv(EnvConfigFile))
}

// LoadFile reads configuration from the YAML file at path, when path is not
// empty, then overrides it with environment variables.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var f fileConfig
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := cfg.apply(f.values()); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	env := make(map[string]string, len(setters))
	for key := range setters {
		env[key] = os.Getenv(key)
	}
	if err := cfg.apply(env); err != nil {
		return Config{}, err
	}

	if cfg.CacheMaxSize > 0 && cfg.CacheLowWater == 0 {
		cfg.CacheLowWater = cfg.CacheMaxSize * defaultLowWaterPercent / 100
	}
	return cfg, nil
}

func (c *Config) apply(values map[string]string) error {
	var errs []error
	for key, v := range values {
		if v == "" {
			continue
		}
		if err := setters[key](c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports configuration that cannot be served.
func (c Config) Validate() error {
	var errs []error
	if c.MinTimeoutS < 0 || c.MaxTimeoutS < 0 || c.DefaultTimeoutS < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxTimeoutS != 0 && c.MinTimeoutS > c.MaxTimeoutS {
		errs = append(errs, fmt.Errorf("min timeout %ds exceeds max timeout %ds", c.MinTimeoutS, c.MaxTimeoutS))
	}
	if c.CacheMaxSize < 0 || c.CacheLowWater < 0 {
		errs = append(errs, errors.New("cache sizes must not be negative"))
	}
	for name, dir := range map[string]string{"data": c.DataDir, "pipeline": c.PipelineDir} {
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s directory: %w", name, err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s directory %s is not a directory", name, dir))
		}
	}
	return errors.Join(errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
