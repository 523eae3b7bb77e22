package config

import (
	"strings"
	"testing"

	"github.com/marmos91/pmeta/internal/bytesize"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("Expected error to name the yaml key, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_MetricsPortOutOfRange(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_SampleRateOutOfRange(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.SampleRate = 1.5

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for sample rate above 1")
	}
}

func TestValidate_UnknownProfileType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.Profiling.ProfileTypes = []string{"cpu", "heap"}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown profile type")
	}
}

func TestValidate_Region(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Region.Backend = "dax" }, "oneof"},
		{"mmap without path", func(c *Config) { c.Region.Path = "" }, "required_if"},
		{"memory without path", func(c *Config) { c.Region.Backend = BackendMemory; c.Region.Path = "" }, ""},
		{"block size not a power of two", func(c *Config) { c.Region.BlockSize = 3000 }, "pow2"},
		{"block size too small", func(c *Config) { c.Region.BlockSize = 256 }, "min"},
		{"no cpus", func(c *Config) { c.Region.CPUs = 0 }, "required"},
		{"size not block aligned", func(c *Config) { c.Region.Size = 64*bytesize.MiB + 100 }, "multiple of block_size"},
		{"region too small for layout", func(c *Config) { c.Region.Size = 64 * bytesize.KiB }, "region"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_IndexBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Index.MinSlots = 64
	cfg.Index.MaxSlots = 32

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for max_slots below min_slots")
	}
	if !strings.Contains(err.Error(), "gtefield") {
		t.Errorf("Expected 'gtefield' validation error, got: %v", err)
	}

	cfg.Index.MaxSlots = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected unbounded index to be valid, got: %v", err)
	}
}

func TestValidate_JournalSlotTooSmall(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Journal.SlotSize = 64

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for journal slot below 128 bytes")
	}
}
