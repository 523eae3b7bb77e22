package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/marmos91/pmeta/internal/bytesize"
	"github.com/marmos91/pmeta/pkg/layout"
)

// Defaults for the region and stress sections.
const (
	DefaultRegionSize = 64 * bytesize.MiB
	DefaultRegionPath = "/tmp/pmeta/region.pm"
	DefaultMinSlots   = 16
	DefaultMetricPort = 9090
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyRegionDefaults(&cfg.Region)
	applyJournalDefaults(&cfg.Journal)
	applyAttrLogDefaults(&cfg.AttrLog)
	applyIndexDefaults(&cfg.Index)
	applyInodesDefaults(&cfg.Inodes)
	applyStressDefaults(&cfg.Stress)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
			"mutex_count",
			"mutex_duration",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = DefaultMetricPort
	}
}

// applyRegionDefaults fills in the region. CPUs defaults to the number of
// logical CPUs, capped at the layout default.
func applyRegionDefaults(cfg *RegionConfig) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMmap
	}
	cfg.Backend = strings.ToLower(cfg.Backend)

	if cfg.Size == 0 {
		cfg.Size = DefaultRegionSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = layout.DefaultBlockSize
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = min(runtime.NumCPU(), layout.DefaultCPUs)
	}
	// Path has no default here; GetDefaultConfig supplies one for generated files.
}

func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.SlotsPerCPU == 0 {
		cfg.SlotsPerCPU = layout.DefaultJournalSlotsPerCPU
	}
	if cfg.SlotSize == 0 {
		cfg.SlotSize = layout.DefaultJournalSlotSize
	}
}

func applyAttrLogDefaults(cfg *AttrLogConfig) {
	if cfg.Slots == 0 {
		cfg.Slots = layout.DefaultAttrLogSlots
	}
}

func applyIndexDefaults(cfg *IndexConfig) {
	if cfg.MinSlots == 0 {
		cfg.MinSlots = DefaultMinSlots
	}
}

func applyInodesDefaults(cfg *InodesConfig) {
	if cfg.Max == 0 {
		cfg.Max = layout.DefaultMaxInodes
	}
}

func applyStressDefaults(cfg *StressConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Duration == 0 {
		cfg.Duration = 10 * time.Second
	}
	if cfg.FilesPerWorker == 0 {
		cfg.FilesPerWorker = 8
	}
	if cfg.BlocksPerFile == 0 {
		cfg.BlocksPerFile = 16
	}
}

// GetDefaultConfig returns a Config with all default values applied.
// It is used to generate configuration files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Region: RegionConfig{
			Backend: BackendMmap,
			Path:    DefaultRegionPath,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
