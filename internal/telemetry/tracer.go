package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/pmeta/internal/logger"
)

// Attribute keys for metadata-core operations.
const (
	// ========================================================================
	// Region attributes
	// ========================================================================
	AttrRegionPath    = "pm.region.path"
	AttrRegionBackend = "pm.region.backend"
	AttrRegionSize    = "pm.region.size"
	AttrRegionCPUs    = "pm.region.cpus"
	AttrRegionUUID    = "pm.region.uuid"
	AttrBlockSize     = "pm.block_size"

	// ========================================================================
	// Object attributes
	// ========================================================================
	AttrIno       = "fs.ino"
	AttrParentIno = "fs.parent_ino"
	AttrFilename  = "fs.filename"
	AttrFileBlock = "fs.file_block"
	AttrSize      = "fs.size"
	AttrMode      = "fs.mode"

	// ========================================================================
	// Journal attributes
	// ========================================================================
	AttrTxID    = "journal.txid"
	AttrTxType  = "journal.type"
	AttrCPU     = "journal.cpu"
	AttrEntries = "journal.entries"
	AttrWaited  = "journal.waited"

	// ========================================================================
	// Scan attributes
	// ========================================================================
	AttrScanned = "scan.blocks"
	AttrFound   = "scan.found"
)

// Span names. Format: <component>.<operation>
const (
	SpanJournalStart   = "journal.start"
	SpanJournalFinish  = "journal.finish"
	SpanJournalRecover = "journal.recover"

	SpanOpen   = "pmfs.open"
	SpanFormat = "pmfs.format"
	SpanCheck  = "pmfs.check"
	SpanClose  = "pmfs.close"
)

// RegionUUID returns an attribute for the identity a region was formatted with.
func RegionUUID(id string) attribute.KeyValue {
	return attribute.String(AttrRegionUUID, id)
}

// RegionSize returns an attribute for the size of a region.
func RegionSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrRegionSize, int64(size))
}

// BlockSize returns an attribute for the data block size.
func BlockSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrBlockSize, int64(size))
}

// Ino returns an attribute for an inode number.
func Ino(ino uint64) attribute.KeyValue {
	return attribute.Int64(AttrIno, int64(ino))
}

// ParentIno returns an attribute for a parent directory inode number.
func ParentIno(ino uint64) attribute.KeyValue {
	return attribute.Int64(AttrParentIno, int64(ino))
}

// Filename returns an attribute for a directory entry name.
func Filename(name string) attribute.KeyValue {
	return attribute.String(AttrFilename, name)
}

// FileBlock returns an attribute for a logical file block.
func FileBlock(fblk uint64) attribute.KeyValue {
	return attribute.Int64(AttrFileBlock, int64(fblk))
}

// Size returns an attribute for a file size.
func Size(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrSize, int64(size))
}

// Mode returns an attribute for a file mode.
func Mode(mode uint16) attribute.KeyValue {
	return attribute.String(AttrMode, fmt.Sprintf("%#o", mode))
}

// TxID returns an attribute for a journal slot.
func TxID(txid int) attribute.KeyValue {
	return attribute.Int(AttrTxID, txid)
}

// TxType returns an attribute for a journal operation type.
func TxType(t fmt.Stringer) attribute.KeyValue {
	return attribute.String(AttrTxType, t.String())
}

// CPU returns an attribute for the CPU a transaction is affine to.
func CPU(cpu int) attribute.KeyValue {
	return attribute.Int(AttrCPU, cpu)
}

// Entries returns an attribute for the number of journal entries.
func Entries(n int) attribute.KeyValue {
	return attribute.Int(AttrEntries, n)
}

// Waited returns an attribute recording whether Start had to wait for a slot.
func Waited(w bool) attribute.KeyValue {
	return attribute.Bool(AttrWaited, w)
}

// Scanned returns an attribute for the number of blocks scanned.
func Scanned(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrScanned, int64(n))
}

// Found returns an attribute for the number of matches in a scan.
func Found(n int) attribute.KeyValue {
	return attribute.Int(AttrFound, n)
}

// StartJournalSpan starts a span for a journal operation.
func StartJournalSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// StartFSSpan starts a span for a facade operation on an inode. The
// returned context also names the operation to the logger, so records
// logged under it carry the operation and inode next to the trace.
func StartFSSpan(ctx context.Context, operation string, ino uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = logger.WithOperation(ctx, operation, ino)
	allAttrs := []attribute.KeyValue{Ino(ino)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "pmfs."+operation, trace.WithAttributes(allAttrs...))
}
