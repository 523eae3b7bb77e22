package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pmeta/internal/bytesize"
	"github.com/marmos91/pmeta/pkg/layout"
)

// Config is the pmetactl configuration.
//
// It covers the ambient concerns (logging, tracing, profiling, metrics) and
// the tunables a region is formatted and opened with. The tunables that are
// baked into the on-media layout (block size, CPU count, journal and attr
// log geometry, inode count) only matter to format; open reads them back
// from the superblock.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PMETA_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains the Prometheus endpoint configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Region selects the persistent-memory region and its geometry
	Region RegionConfig `mapstructure:"region" yaml:"region"`

	// Journal sizes the per-CPU transaction journal
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// AttrLog sizes the attribute log
	AttrLog AttrLogConfig `mapstructure:"attrlog" yaml:"attrlog"`

	// Index bounds the per-file linear index
	Index IndexConfig `mapstructure:"index" yaml:"index"`

	// Inodes sizes the inode table
	Inodes InodesConfig `mapstructure:"inodes" yaml:"inodes"`

	// Stress configures the stress workload
	Stress StressConfig `mapstructure:"stress" yaml:"stress"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, spans for journal transactions, recovery and file-system
// operations are exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Region backends.
const (
	BackendMmap   = "mmap"
	BackendMemory = "memory"
)

// RegionConfig selects the region. With the mmap backend the region is a
// shared file mapping at Path; the memory backend is volatile and only
// useful for stress runs.
type RegionConfig struct {
	// Backend is "mmap" or "memory"
	Backend string `mapstructure:"backend" validate:"required,oneof=mmap memory" yaml:"backend"`

	// Path is the file backing the region (mmap backend)
	Path string `mapstructure:"path" validate:"required_if=Backend mmap" yaml:"path"`

	// Size is the region size, e.g. "64Mi"
	Size bytesize.ByteSize `mapstructure:"size" validate:"required" yaml:"size" jsonschema:"oneof_type=string;integer"`

	// BlockSize is the data block size; a power of two of at least 512 bytes
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"required,pow2,min=512" yaml:"block_size" jsonschema:"oneof_type=string;integer"`

	// CPUs is the number of per-CPU allocation layouts and journal lanes
	CPUs int `mapstructure:"cpus" validate:"required,min=1,max=256" yaml:"cpus"`
}

// JournalConfig sizes the transaction journal.
type JournalConfig struct {
	// SlotsPerCPU is the number of transaction slots in each CPU lane
	SlotsPerCPU int `mapstructure:"slots_per_cpu" validate:"required,min=1" yaml:"slots_per_cpu"`

	// SlotSize is the size of one transaction slot, header included
	SlotSize bytesize.ByteSize `mapstructure:"slot_size" validate:"required,min=128" yaml:"slot_size" jsonschema:"oneof_type=string;integer"`

	// StartTimeout bounds how long a transaction waits for a free slot.
	// Zero waits for as long as the caller's context allows.
	StartTimeout time.Duration `mapstructure:"start_timeout" validate:"gte=0" yaml:"start_timeout"`
}

// AttrLogConfig sizes the attribute log.
type AttrLogConfig struct {
	// Slots is the number of attr log buckets
	Slots int `mapstructure:"slots" validate:"required,min=1" yaml:"slots"`
}

// IndexConfig bounds the per-file linear index.
type IndexConfig struct {
	// MinSlots is the capacity a new index starts with and never shrinks below
	MinSlots int `mapstructure:"min_slots" validate:"required,min=1" yaml:"min_slots"`

	// MaxSlots caps index growth; zero means unbounded
	MaxSlots int `mapstructure:"max_slots" validate:"omitempty,gtefield=MinSlots" yaml:"max_slots"`
}

// InodesConfig sizes the inode table.
type InodesConfig struct {
	// Max is the number of inode records, root included
	Max uint64 `mapstructure:"max" validate:"required,min=2" yaml:"max"`
}

// StressConfig configures the stress workload.
type StressConfig struct {
	// Workers is the number of concurrent workers
	Workers int `mapstructure:"workers" validate:"required,min=1" yaml:"workers"`

	// Duration is how long the workload runs
	Duration time.Duration `mapstructure:"duration" validate:"required,gt=0" yaml:"duration"`

	// FilesPerWorker is the number of files each worker cycles through
	FilesPerWorker int `mapstructure:"files_per_worker" validate:"required,min=1" yaml:"files_per_worker"`

	// BlocksPerFile is the largest file, in blocks, a worker writes
	BlocksPerFile int `mapstructure:"blocks_per_file" validate:"required,min=1" yaml:"blocks_per_file"`
}

// LayoutParams returns the format-time parameters described by cfg.
func (c *Config) LayoutParams() layout.Params {
	return layout.Params{
		BlockSize:          c.Region.BlockSize.Uint64(),
		CPUs:               c.Region.CPUs,
		JournalSlotsPerCPU: c.Journal.SlotsPerCPU,
		JournalSlotSize:    c.Journal.SlotSize.Uint64(),
		AttrLogSlots:       c.AttrLog.Slots,
		MaxInodes:          c.Inodes.Max,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PMETA_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location. A missing file yields the
// defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, failing with instructions when the file
// does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  pmetactl config init\n\n"+
				"Or specify a custom config file:\n"+
				"  pmetactl <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  pmetactl config init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PMETA_REGION_PATH=/mnt/pmem0/meta
	v.SetEnvPrefix("PMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/pmeta/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration fields.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings such as "64Mi" and plain numbers to
// bytesize.ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			if v < 0 {
				return nil, fmt.Errorf("negative byte size: %d", v)
			}
			return bytesize.ByteSize(v), nil
		case int64:
			if v < 0 {
				return nil, fmt.Errorf("negative byte size: %d", v)
			}
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			if v < 0 {
				return nil, fmt.Errorf("negative byte size: %v", v)
			}
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings such as "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/pmeta, ~/.config/pmeta, or the
// current directory when neither can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pmeta")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pmeta")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
