package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/cli/output"
	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/config"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmfs"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	NoColor    bool
	Verbose    bool
}

// loadConfig loads the configuration named by --config and initializes the
// logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(Flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if Flags.Verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initTelemetry starts tracing and profiling as configured and returns a
// function that stops both.
func initTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	telemetryShutdown, err := telemetry.Init(ctx, cfg.Tracing(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	profilingShutdown, err := telemetry.InitProfiling(cfg.Profiling(Version))
	if err != nil {
		_ = telemetryShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	}

	return func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}, nil
}

// openRegion maps the configured region. With create set a missing mmap file
// is created at the configured size; otherwise the file must exist and its
// own size is used. The memory backend only supports create.
func openRegion(cfg *config.Config, create bool) (*pmem.Region, error) {
	switch cfg.Region.Backend {
	case config.BackendMemory:
		if !create {
			return nil, fmt.Errorf("the memory backend holds no region to open; use the mmap backend")
		}
		return pmem.NewMemory(cfg.Region.Size.Uint64()), nil
	case config.BackendMmap:
		path := cfg.Region.Path
		if !create {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil, fmt.Errorf("region %s does not exist\n\n"+
					"Format it first with:\n"+
					"  pmetactl format", path)
			}
			return pmem.OpenMmap(path, 0)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create region directory: %w", err)
		}
		return pmem.OpenMmap(path, cfg.Region.Size.Uint64())
	default:
		return nil, fmt.Errorf("unknown region backend %q", cfg.Region.Backend)
	}
}

// fsOptions maps the runtime sections of cfg onto pmfs options.
func fsOptions(cfg *config.Config, m *metrics.Metrics) pmfs.Options {
	return pmfs.Options{
		Metrics:       m,
		IndexMinSlots: uint64(cfg.Index.MinSlots),
		IndexMaxSlots: uint64(cfg.Index.MaxSlots),
		TxTimeout:     cfg.Journal.StartTimeout,
	}
}

// openFS maps the configured region and opens it, running recovery, or,
// with inspect set, opens it read-only without touching it.
func openFS(ctx context.Context, cfg *config.Config, m *metrics.Metrics, inspect bool) (*pmfs.FS, *pmem.Region, error) {
	r, err := openRegion(cfg, false)
	if err != nil {
		return nil, nil, err
	}

	var fs *pmfs.FS
	if inspect {
		fs, err = pmfs.Inspect(ctx, r, fsOptions(cfg, m))
	} else {
		fs, err = pmfs.Open(ctx, r, fsOptions(cfg, m))
	}
	if err != nil {
		_ = r.Close()
		return nil, nil, fmt.Errorf("failed to open region %s: %w", cfg.Region.Path, err)
	}
	return fs, r, nil
}

// closeFS closes fs and then the region under it.
func closeFS(ctx context.Context, fs *pmfs.FS, r *pmem.Region) error {
	err := fs.Close(ctx)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return err
}

// newPrinter returns a printer for the --output format writing to the
// command's stdout.
func newPrinter(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(Flags.Output)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format, !Flags.NoColor), nil
}

// printResource prints data as JSON or YAML, or renders table in table mode.
func printResource(p *output.Printer, data any, table output.TableRenderer) error {
	switch p.Format() {
	case output.FormatJSON:
		return output.PrintJSON(p.Writer(), data)
	case output.FormatYAML:
		return output.PrintYAML(p.Writer(), data)
	default:
		return output.PrintTable(p.Writer(), table)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
