package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pmeta/internal/cli/output"
	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/api"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/config"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmfs"
)

var (
	stressWorkers  int
	stressDuration time.Duration
	stressFiles    int
	stressBlocks   int
	stressFormat   bool
	stressServe    bool
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a concurrent metadata workload",
	Long: `Run concurrent workers against the region, each cycling through its own
directory: create a temporary file, write blocks, rename it over a previous
version, truncate and set attributes. A consistency check runs at the end.

With metrics enabled (or --serve) the status server runs alongside, so the
workload can be watched on /metrics. Profiling follows telemetry.profiling.

The memory backend is always formatted first; an mmap region is formatted
only with --format.

Examples:
  # Run the configured workload
  pmetactl stress

  # Eight workers for a minute on a fresh region
  pmetactl stress --format --workers 8 --duration 1m`,
	RunE: runStress,
}

func init() {
	stressCmd.Flags().IntVar(&stressWorkers, "workers", 0, "Number of workers (default: stress.workers)")
	stressCmd.Flags().DurationVar(&stressDuration, "duration", 0, "Run time (default: stress.duration)")
	stressCmd.Flags().IntVar(&stressFiles, "files", 0, "Files per worker (default: stress.files_per_worker)")
	stressCmd.Flags().IntVar(&stressBlocks, "blocks", 0, "Largest file in blocks (default: stress.blocks_per_file)")
	stressCmd.Flags().BoolVar(&stressFormat, "format", false, "Format the region before running")
	stressCmd.Flags().BoolVar(&stressServe, "serve", false, "Serve status endpoints even when metrics are disabled")
}

// stressResult summarizes a stress run.
type stressResult struct {
	Workers    int               `json:"workers" yaml:"workers"`
	Elapsed    time.Duration     `json:"elapsed" yaml:"elapsed"`
	Operations uint64            `json:"operations" yaml:"operations"`
	Writes     uint64            `json:"block_writes" yaml:"block_writes"`
	OpsPerSec  float64           `json:"ops_per_sec" yaml:"ops_per_sec"`
	Check      *pmfs.CheckReport `json:"check" yaml:"check"`
	Stats      pmfs.Stats        `json:"stats" yaml:"stats"`
}

func (r *stressResult) Headers() []string { return []string{"METRIC", "VALUE"} }

func (r *stressResult) Rows() [][]string {
	return [][]string{
		{"workers", fmt.Sprintf("%d", r.Workers)},
		{"elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"operations", fmt.Sprintf("%d", r.Operations)},
		{"block writes", fmt.Sprintf("%d", r.Writes)},
		{"ops/s", fmt.Sprintf("%.0f", r.OpsPerSec)},
		{"inodes", fmt.Sprintf("%d", r.Stats.Inodes)},
		{"valid blocks", fmt.Sprintf("%d", r.Stats.Blocks.Valid)},
		{"flushed lines", fmt.Sprintf("%d", r.Stats.Flushes)},
		{"consistent", yesNo(r.Check.OK())},
	}
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyStressFlags(cfg)
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	if stressServe {
		cfg.Metrics.Enabled = true
		if cfg.Metrics.Port == 0 {
			cfg.Metrics.Port = config.DefaultMetricPort
		}
	}
	metricsResult := config.InitializeMetrics(cfg)

	fs, r, err := openStressFS(ctx, cfg, metricsResult.Metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFS(cmd.Context(), fs, r); err != nil {
			logger.Error("Failed to close region", "error", err)
		}
	}()

	srvCtx, stopServer := context.WithCancel(ctx)
	srvDone := make(chan error, 1)
	if metricsResult.Registry != nil {
		srv := api.NewServer(api.Config{Port: cfg.Metrics.Port}, fs, prometheus.Gatherer(metricsResult.Registry))
		go func() { srvDone <- srv.Start(srvCtx) }()
	} else {
		close(srvDone)
	}
	defer func() {
		stopServer()
		if err := <-srvDone; err != nil {
			logger.Error("Status server error", "error", err)
		}
	}()

	logger.Info("Stress run starting",
		"workers", cfg.Stress.Workers,
		"duration", cfg.Stress.Duration,
		"files_per_worker", cfg.Stress.FilesPerWorker,
		"blocks_per_file", cfg.Stress.BlocksPerFile)

	res, err := runWorkload(ctx, fs, cfg.Stress)
	if err != nil {
		return err
	}

	report, err := fs.Check(cmd.Context())
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	res.Check = report
	res.Stats = fs.Stats()

	if err := p.Print(res); err != nil {
		return err
	}
	if !report.OK() {
		p.Error(fmt.Sprintf("%d problem(s) found after the run", len(report.Problems)))
		return errProblems
	}
	p.Success("Stress run finished; region is consistent")
	return nil
}

func applyStressFlags(cfg *config.Config) {
	if stressWorkers > 0 {
		cfg.Stress.Workers = stressWorkers
	}
	if stressDuration > 0 {
		cfg.Stress.Duration = stressDuration
	}
	if stressFiles > 0 {
		cfg.Stress.FilesPerWorker = stressFiles
	}
	if stressBlocks > 0 {
		cfg.Stress.BlocksPerFile = stressBlocks
	}
}

func openStressFS(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*pmfs.FS, *pmem.Region, error) {
	if cfg.Region.Backend != config.BackendMemory && !stressFormat {
		return openFS(ctx, cfg, m, false)
	}
	r, err := openRegion(cfg, true)
	if err != nil {
		return nil, nil, err
	}
	fs, err := pmfs.Format(ctx, r, cfg.LayoutParams(), fsOptions(cfg, m))
	if err != nil {
		_ = r.Close()
		return nil, nil, fmt.Errorf("format failed: %w", err)
	}
	return fs, r, nil
}

// runWorkload runs cfg.Workers workers until cfg.Duration elapses or ctx is
// cancelled. The first unexpected error stops every worker.
func runWorkload(ctx context.Context, fs *pmfs.FS, cfg config.StressConfig) (*stressResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var ops, writes atomic.Uint64
	start := time.Now()

	eg, egCtx := errgroup.WithContext(runCtx)
	for w := 0; w < cfg.Workers; w++ {
		eg.Go(func() error {
			sw := &stressWorker{
				fs:     fs,
				id:     w,
				cfg:    cfg,
				rng:    rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano()))),
				ops:    &ops,
				writes: &writes,
			}
			err := sw.run(egCtx)
			if err != nil && egCtx.Err() != nil && errors.Is(err, egCtx.Err()) {
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("stress worker failed: %w", err)
	}

	elapsed := time.Since(start)
	res := &stressResult{
		Workers:    cfg.Workers,
		Elapsed:    elapsed,
		Operations: ops.Load(),
		Writes:     writes.Load(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.OpsPerSec = float64(res.Operations) / secs
	}
	return res, nil
}

type stressWorker struct {
	fs     *pmfs.FS
	id     int
	cfg    config.StressConfig
	rng    *rand.Rand
	ops    *atomic.Uint64
	writes *atomic.Uint64
}

func (w *stressWorker) run(ctx context.Context) error {
	owner := pmfs.Owner{UID: uint32(1000 + w.id), GID: 1000}
	dirName := fmt.Sprintf("worker-%d", w.id)

	dir, err := w.fs.Lookup(inode.RootIno, dirName)
	if errors.Is(err, pmfs.ErrNotFound) {
		dir, err = w.fs.Mkdir(ctx, inode.RootIno, dirName, 0o755, owner)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", dirName, err)
	}

	payload := w.fs.Geometry().BlockPayload()
	for i := 0; ctx.Err() == nil; i++ {
		if err := w.cycle(ctx, dir, i, payload, owner); err != nil {
			return fmt.Errorf("%s cycle %d: %w", dirName, i, err)
		}
	}
	return ctx.Err()
}

// cycle replaces one file of the worker with a freshly written version.
func (w *stressWorker) cycle(ctx context.Context, dir uint64, i int, payload uint64, owner pmfs.Owner) error {
	name := fmt.Sprintf("file-%d", i%w.cfg.FilesPerWorker)
	tmp := name + ".tmp"

	ino, err := w.fs.Create(ctx, dir, tmp, 0o644, owner)
	if err != nil {
		return err
	}
	w.ops.Add(1)

	blocks := 1 + w.rng.IntN(w.cfg.BlocksPerFile)
	data := bytes.Repeat([]byte{byte(i)}, int(payload))
	for b := 0; b < blocks; b++ {
		if err := w.fs.WriteBlock(ctx, ino, uint64(b), data); err != nil {
			return err
		}
		w.writes.Add(1)
	}
	w.ops.Add(1)

	if err := w.fs.Unlink(ctx, dir, name); err != nil && !errors.Is(err, pmfs.ErrNotFound) {
		return err
	}
	if err := w.fs.Rename(ctx, dir, tmp, dir, name); err != nil {
		return err
	}
	w.ops.Add(2)

	switch i % 4 {
	case 1:
		if err := w.fs.Truncate(ctx, ino, uint64(blocks/2)*payload); err != nil {
			return err
		}
		w.ops.Add(1)
	case 3:
		mode := uint16(0o600)
		if _, err := w.fs.SetAttr(ctx, ino, attrlog.SetAttr{Mode: &mode}); err != nil {
			return err
		}
		w.ops.Add(1)
	}
	return nil
}

var _ output.TableRenderer = (*stressResult)(nil)
