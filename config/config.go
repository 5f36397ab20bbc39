package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/db"
	"github.com/INLOpen/seriesdb/engine"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the table-multiplexing layer settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	TTLEnabled    bool   `yaml:"ttl_enabled"`
	TTL           string `yaml:"ttl"`
	CacheCapacity int    `yaml:"cache_capacity"`
}

// SSTableConfig holds sstable-specific configurations.
type SSTableConfig struct {
	BlockSize         string  `yaml:"block_size"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
	BlockCacheSize    string  `yaml:"block_cache_size"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode    string `yaml:"sync_mode"` // "always" or "none"
	SegmentSize string `yaml:"segment_size"`
	TTL         string `yaml:"ttl"`
	SizeLimit   string `yaml:"size_limit"`
}

// EngineConfig holds the KV engine tuning knobs.
type EngineConfig struct {
	WriteBufferSize             string        `yaml:"write_buffer_size"`
	MaxWriteBufferNumber        int           `yaml:"max_write_buffer_number"`
	MinWriteBufferNumberToMerge int           `yaml:"min_write_buffer_number_to_merge"`
	MaxBytesForLevelBase        string        `yaml:"max_bytes_for_level_base"`
	TargetFileSizeBase          string        `yaml:"target_file_size_base"`
	L0CompactionTrigger         int           `yaml:"l0_compaction_trigger"`
	MaxBackgroundJobs           int           `yaml:"max_background_jobs"`
	DisableAutoCompactions      bool          `yaml:"disable_auto_compactions"`
	SSTable                     SSTableConfig `yaml:"sstable"`
	WAL                         WALConfig     `yaml:"wal"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for OTLP span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig controls the HTTP endpoint serving expvar metrics, pprof and
// the runtime dashboard.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	EnabledProfiling bool   `yaml:"enabled_profiling"`
	EnabledMetrics   bool   `yaml:"enabled_metrics"`
	EnabledMonitorUI bool   `yaml:"enabled_monitor_ui"`
}

// Config is the top-level configuration struct.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	if durationStr == "0" {
		return 0
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
	{"T", 1 << 40}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
	{"B", 1},
}

// ParseSize parses a byte size such as "128MiB", "64KB" or "4096".
// Returns the default size if the string is empty or invalid.
func ParseSize(sizeStr string, defaultSize int64, logger *slog.Logger) int64 {
	s := strings.TrimSpace(sizeStr)
	if s == "" {
		return defaultSize
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		if logger != nil {
			logger.Warn("Invalid size format, using default", "input", sizeStr, "default", defaultSize, "error", err)
		}
		return defaultSize
	}
	return n * mult
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Path:          "./data",
			TTLEnabled:    false,
			TTL:           "",
			CacheCapacity: 1024,
		},
		Engine: EngineConfig{
			WriteBufferSize:             "128MiB",
			MaxWriteBufferNumber:        4,
			MinWriteBufferNumberToMerge: 2,
			MaxBytesForLevelBase:        "1GiB",
			TargetFileSizeBase:          "128MiB",
			L0CompactionTrigger:         4,
			MaxBackgroundJobs:           4,
			SSTable: SSTableConfig{
				BlockSize:         "4KiB",
				Compression:       "snappy",
				BloomFilterFPRate: 0.01,
				BlockCacheSize:    "8MiB",
			},
			WAL: WALConfig{
				SyncMode:    "none",
				SegmentSize: "64MiB",
				TTL:         "0",
				SizeLimit:   "0",
			},
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Output: "stdout",
			File:   "seriesdb.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "localhost:6060",
			EnabledMetrics:   true,
			EnabledMonitorUI: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// NewLogger builds the slog logger described by cfg. The returned closer is
// non-nil only when logging goes to a file.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

// EngineOptions converts the engine section into engine options rooted at dir.
func (c *Config) EngineOptions(dir string, logger *slog.Logger) (engine.Options, error) {
	defaults := engine.DefaultOptions(dir)
	e := c.Engine

	compression, ok := core.ParseCompressionType(strings.ToLower(e.SSTable.Compression))
	if !ok {
		return engine.Options{}, fmt.Errorf("invalid sstable compression: %q", e.SSTable.Compression)
	}
	var walSync bool
	switch strings.ToLower(e.WAL.SyncMode) {
	case "always":
		walSync = true
	case "none", "":
		walSync = false
	default:
		return engine.Options{}, fmt.Errorf("invalid wal sync mode: %q", e.WAL.SyncMode)
	}

	opts := defaults
	opts.WriteBufferSize = ParseSize(e.WriteBufferSize, defaults.WriteBufferSize, logger)
	opts.MaxWriteBufferNumber = intOr(e.MaxWriteBufferNumber, defaults.MaxWriteBufferNumber)
	opts.MinWriteBufferNumberToMerge = intOr(e.MinWriteBufferNumberToMerge, defaults.MinWriteBufferNumberToMerge)
	opts.MaxBytesForLevelBase = ParseSize(e.MaxBytesForLevelBase, defaults.MaxBytesForLevelBase, logger)
	opts.TargetFileSizeBase = ParseSize(e.TargetFileSizeBase, defaults.TargetFileSizeBase, logger)
	opts.L0CompactionTrigger = intOr(e.L0CompactionTrigger, defaults.L0CompactionTrigger)
	opts.MaxBackgroundJobs = intOr(e.MaxBackgroundJobs, defaults.MaxBackgroundJobs)
	opts.DisableAutoCompactions = e.DisableAutoCompactions
	opts.Compression = compression
	opts.BlockSize = int(ParseSize(e.SSTable.BlockSize, int64(defaults.BlockSize), logger))
	if e.SSTable.BloomFilterFPRate > 0 && e.SSTable.BloomFilterFPRate < 1 {
		opts.BloomFilterFPRate = e.SSTable.BloomFilterFPRate
	}
	opts.BlockCacheSize = ParseSize(e.SSTable.BlockCacheSize, defaults.BlockCacheSize, logger)
	opts.WALSync = walSync
	opts.WALSegmentSize = ParseSize(e.WAL.SegmentSize, defaults.WALSegmentSize, logger)
	opts.WALTTL = ParseDuration(e.WAL.TTL, defaults.WALTTL, logger)
	opts.WALSizeLimit = ParseSize(e.WAL.SizeLimit, defaults.WALSizeLimit, logger)
	opts.Logger = logger
	return opts, nil
}

// DBOptions converts the whole configuration into options for db.Open.
func (c *Config) DBOptions(logger *slog.Logger) (db.Options, error) {
	engineOpts, err := c.EngineOptions(c.Database.Path, logger)
	if err != nil {
		return db.Options{}, err
	}
	opts := db.DefaultOptions(c.Database.Path)
	opts.Engine = engineOpts
	opts.TTLEnabled = c.Database.TTLEnabled
	opts.TTL = ParseDuration(c.Database.TTL, 0, logger)
	opts.CacheCapacity = intOr(c.Database.CacheCapacity, opts.CacheCapacity)
	opts.Logger = logger
	if opts.TTLEnabled && opts.TTL < time.Second {
		return db.Options{}, fmt.Errorf("ttl_enabled requires a ttl of at least 1s, got %q", c.Database.TTL)
	}
	return opts, nil
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
