package pmfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/alloc"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/meta"
	"github.com/marmos91/pmeta/pkg/pmem"
)

// CheckReport is the outcome of a consistency check.
type CheckReport struct {
	ValidHeaders uint64   `json:"valid_headers" yaml:"valid_headers"`
	BadChecksums uint64   `json:"bad_checksums" yaml:"bad_checksums"`
	Chains       int      `json:"chains" yaml:"chains"`
	ChainBlocks  uint64   `json:"chain_blocks" yaml:"chain_blocks"`
	Unreachable  uint64   `json:"unreachable" yaml:"unreachable"`
	InDoubt      int      `json:"in_doubt" yaml:"in_doubt"`
	Problems     []string `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// OK reports whether the check found nothing wrong.
func (r *CheckReport) OK() bool {
	return r.BadChecksums == 0 && r.Unreachable == 0 && len(r.Problems) == 0
}

// Check scans every layout for valid headers in parallel, walks every
// chain and cross-checks the two: each valid header must be reachable from
// exactly the chain of its owner. Mutating operations wait while it runs.
// A broken chain latches the header area read-only, as it would during
// normal operation.
func (fs *FS) Check(ctx context.Context) (*CheckReport, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCheck)
	defer span.End()

	fs.quiesce.Lock()
	defer fs.quiesce.Unlock()

	var (
		mu     sync.Mutex
		report CheckReport
		valid  = make(map[pmem.Offset]uint64)
	)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, l := range fs.alloc.Layouts() {
		eg.Go(func() error {
			local := make(map[pmem.Offset]uint64)
			var bad []string
			err := fs.meta.ScanValid(l.Start, l.End, func(blk uint64, h meta.Header) error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				addr := fs.g.BlockOffset(blk)
				if meta.Checksum(h) != h.CRC {
					bad = append(bad, fmt.Sprintf("block %d: header checksum mismatch", blk))
					return nil
				}
				local[addr] = h.Ino
				return nil
			})
			if err != nil {
				return err
			}

			mu.Lock()
			for a, ino := range local {
				valid[a] = ino
			}
			report.ValidHeaders += uint64(len(local) + len(bad))
			report.BadChecksums += uint64(len(bad))
			report.Problems = append(report.Problems, bad...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	for _, ino := range fs.meta.Roots().Inodes() {
		report.Chains++
		err := fs.meta.Walk(ino, func(addr pmem.Offset, h meta.Header) error {
			report.ChainBlocks++
			if owner, ok := valid[addr]; ok && owner == ino {
				delete(valid, addr)
			}
			return nil
		})
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("chain of inode %d: %v", ino, err))
		}
		if !fs.inodes.IsValid(ino) {
			report.Problems = append(report.Problems, fmt.Sprintf("chain of inode %d: owner is not a valid inode", ino))
		}
	}
	report.Unreachable = uint64(len(valid))
	for addr, ino := range valid {
		report.Problems = append(report.Problems,
			fmt.Sprintf("block %d of inode %d: valid header not reachable from its chain", fs.g.BlockOf(addr), ino))
	}

	txs, err := fs.journal.InDoubt()
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("journal: %v", err))
	}
	report.InDoubt = len(txs)

	telemetry.SetAttributes(ctx, telemetry.Scanned(fs.g.DataBlocks), telemetry.Found(int(report.ValidHeaders)))
	logger.InfoCtx(ctx, "check finished",
		logger.Count(int(report.ValidHeaders)), logger.Entries(len(report.Problems)))
	return &report, nil
}

// Stats is a snapshot of the file system's counters.
type Stats struct {
	UUID     uuid.UUID          `json:"uuid" yaml:"uuid"`
	Geometry layout.Geometry    `json:"geometry" yaml:"geometry"`
	Inodes   int                `json:"inodes" yaml:"inodes"`
	Blocks   alloc.Indicators   `json:"blocks" yaml:"blocks"`
	Layouts  []alloc.Indicators `json:"layouts" yaml:"layouts"`
	InFlight int                `json:"in_flight" yaml:"in_flight"`
	Flushes  uint64             `json:"flushed_lines" yaml:"flushed_lines"`
	Fences   uint64             `json:"fences" yaml:"fences"`
	ReadOnly bool               `json:"read_only" yaml:"read_only"`

	// FlushFailures counts write-backs the backing mapping rejected.
	FlushFailures uint64 `json:"flush_failures" yaml:"flush_failures"`
}

// Stats returns the current counters.
func (fs *FS) Stats() Stats {
	flushes, fences := fs.r.Stats()
	s := Stats{
		UUID:     fs.sb.UUID,
		Geometry: fs.g,
		Inodes:   fs.inodes.Used(),
		Blocks:   fs.alloc.Totals(),
		InFlight: fs.journal.InFlight(),
		Flushes:  flushes,
		Fences:   fences,
		ReadOnly: fs.meta.ReadOnly(),

		FlushFailures: fs.r.FlushFailures(),
	}
	for _, l := range fs.alloc.Layouts() {
		s.Layouts = append(s.Layouts, l.Indicators())
	}
	return s
}
