package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/pmeta/internal/bytesize"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_MinimalConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "debug"

region:
  path: "`+yamlSafePath(tmpDir)+`/region.pm"
  size: 32Mi
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected log level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Region.Backend != BackendMmap {
		t.Errorf("Expected default backend %q, got %q", BackendMmap, cfg.Region.Backend)
	}
	if cfg.Region.Size != 32*bytesize.MiB {
		t.Errorf("Expected region size 32Mi, got %s", cfg.Region.Size)
	}
	if cfg.Region.BlockSize != 4*bytesize.KiB {
		t.Errorf("Expected default block size 4Ki, got %s", cfg.Region.BlockSize)
	}
	if cfg.Journal.SlotsPerCPU == 0 || cfg.AttrLog.Slots == 0 || cfg.Inodes.Max == 0 {
		t.Errorf("Expected geometry defaults to be applied, got %+v %+v %+v", cfg.Journal, cfg.AttrLog, cfg.Inodes)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Region.Path != DefaultRegionPath {
		t.Errorf("Expected default region path %q, got %q", DefaultRegionPath, cfg.Region.Path)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_SizesAndDurations(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
region:
  path: "`+yamlSafePath(tmpDir)+`/region.pm"
  size: 16777216
  block_size: 8Ki
  cpus: 2

journal:
  slots_per_cpu: 4
  slot_size: 1Ki
  start_timeout: 250ms

stress:
  duration: 2m
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Region.Size != 16*bytesize.MiB {
		t.Errorf("Expected plain numeric size 16Mi, got %s", cfg.Region.Size)
	}
	if cfg.Region.BlockSize != 8*bytesize.KiB {
		t.Errorf("Expected block size 8Ki, got %s", cfg.Region.BlockSize)
	}
	if cfg.Journal.SlotSize != bytesize.KiB {
		t.Errorf("Expected slot size 1Ki, got %s", cfg.Journal.SlotSize)
	}
	if cfg.Journal.StartTimeout != 250*time.Millisecond {
		t.Errorf("Expected start timeout 250ms, got %v", cfg.Journal.StartTimeout)
	}
	if cfg.Stress.Duration != 2*time.Minute {
		t.Errorf("Expected stress duration 2m, got %v", cfg.Stress.Duration)
	}

	p := cfg.LayoutParams()
	if p.BlockSize != 8192 || p.CPUs != 2 || p.JournalSlotsPerCPU != 4 || p.JournalSlotSize != 1024 {
		t.Errorf("LayoutParams did not carry the configured geometry: %+v", p)
	}
}

func TestLoad_InvalidByteSize(t *testing.T) {
	configPath := writeConfig(t, `
region:
  path: /tmp/region.pm
  size: lots
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for unparseable region size")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
region:
  path: /tmp/region.pm
  block_size: 3000
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for a block size that is not a power of two")
	}
	if !strings.Contains(err.Error(), "pow2") {
		t.Errorf("Expected 'pow2' validation error, got: %v", err)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: INFO

region:
  path: "`+yamlSafePath(tmpDir)+`/region.pm"
`)

	t.Setenv("PMETA_LOGGING_LEVEL", "WARN")
	t.Setenv("PMETA_REGION_PATH", yamlSafePath(tmpDir)+"/other.pm")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected environment to override log level to WARN, got %q", cfg.Logging.Level)
	}
	if !strings.HasSuffix(cfg.Region.Path, "other.pm") {
		t.Errorf("Expected environment to override region path, got %q", cfg.Region.Path)
	}
}

func TestMustLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "pmetactl config init") {
		t.Errorf("Expected init instructions in error, got: %v", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Region.Size = 48 * bytesize.MiB
	cfg.Journal.StartTimeout = 3 * time.Second

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if !strings.Contains(string(content), "size: 48Mi") {
		t.Errorf("Expected exact byte size in saved config, got:\n%s", content)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Region.Size != cfg.Region.Size {
		t.Errorf("Expected region size %s after reload, got %s", cfg.Region.Size, loaded.Region.Size)
	}
	if loaded.Journal.StartTimeout != cfg.Journal.StartTimeout {
		t.Errorf("Expected start timeout %v after reload, got %v", cfg.Journal.StartTimeout, loaded.Journal.StartTimeout)
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if got := GetConfigDir(); got != filepath.Join(tmpDir, "pmeta") {
		t.Errorf("Expected config dir under XDG_CONFIG_HOME, got %q", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(tmpDir, "pmeta", "config.yaml") {
		t.Errorf("Unexpected default config path %q", got)
	}
	if DefaultConfigExists() {
		t.Error("Expected no default config in a fresh directory")
	}
}
