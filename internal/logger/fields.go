package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so records from the index, header, journal and
// attribute-log paths can be joined on the same fields.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Operation
	// ========================================================================
	KeyOperation  = "operation"   // create, unlink, setattr, recover ...
	KeyComponent  = "component"   // meta, linix, journal, attrlog, alloc
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"
	KeyErrorCode  = "error_code"

	// ========================================================================
	// Region & Layout
	// ========================================================================
	KeyPath      = "path"       // Backing file of the region
	KeySize      = "size"       // Size in bytes
	KeyOffset    = "offset"     // Base-relative region offset
	KeyBlock     = "block"      // Data block number
	KeyBlockSize = "block_size" // Data block size
	KeyUUID      = "uuid"       // Superblock identity
	KeyCPU       = "cpu"        // CPU / layout id

	// ========================================================================
	// Inodes & Chains
	// ========================================================================
	KeyIno       = "ino"        // Owner inode number
	KeyFileBlock = "file_block" // Logical block within a file
	KeyTstamp    = "tstamp"     // Version stamp
	KeyPrev      = "prev"       // Chain predecessor
	KeyNext      = "next"       // Chain successor
	KeyLinks     = "links"      // Hard link count
	KeyName      = "name"       // Dentry name

	// ========================================================================
	// Journal
	// ========================================================================
	KeyTxID    = "txid"    // Journal slot id
	KeyTxType  = "tx_type" // Operation type stamped into the slot
	KeyEntries = "entries" // Number of journal entries
	KeyHead    = "head"
	KeyTail    = "tail"

	// ========================================================================
	// Attribute Log & Index
	// ========================================================================
	KeyBucket   = "bucket"   // Attribute-log bucket id
	KeyOwner    = "owner"    // Bucket owner inode
	KeyIndex    = "index"    // Linear index position
	KeyCapacity = "capacity" // Linear index capacity
	KeyCount    = "count"
)

// hexKeys are rendered as hexadecimal by the text handler.
var hexKeys = map[string]bool{
	KeyOffset: true,
	KeyPrev:   true,
	KeyNext:   true,
	KeyHead:   true,
	KeyTail:   true,
}

// ============================================================================
// Field constructors for type safety
// ============================================================================

func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// DurationMs returns a slog.Attr for operation duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or an empty Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorCode(code fmt.Stringer) slog.Attr {
	return slog.String(KeyErrorCode, code.String())
}

func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

func Size(s uint64) slog.Attr {
	return slog.Uint64(KeySize, s)
}

// Offset returns a slog.Attr for a base-relative region offset.
func Offset[T ~uint64](off T) slog.Attr {
	return slog.Uint64(KeyOffset, uint64(off))
}

func Block(blk uint64) slog.Attr {
	return slog.Uint64(KeyBlock, blk)
}

func CPU(cpu int) slog.Attr {
	return slog.Int(KeyCPU, cpu)
}

func Ino(ino uint64) slog.Attr {
	return slog.Uint64(KeyIno, ino)
}

func FileBlock(fblk uint64) slog.Attr {
	return slog.Uint64(KeyFileBlock, fblk)
}

func Tstamp(ts uint64) slog.Attr {
	return slog.Uint64(KeyTstamp, ts)
}

func TxID(txid int) slog.Attr {
	return slog.Int(KeyTxID, txid)
}

func TxType(t fmt.Stringer) slog.Attr {
	return slog.String(KeyTxType, t.String())
}

func Bucket(id int) slog.Attr {
	return slog.Int(KeyBucket, id)
}

func Owner(ino uint64) slog.Attr {
	return slog.Uint64(KeyOwner, ino)
}

func Index(i uint64) slog.Attr {
	return slog.Uint64(KeyIndex, i)
}

func Capacity(c uint64) slog.Attr {
	return slog.Uint64(KeyCapacity, c)
}

func Count(c int) slog.Attr {
	return slog.Int(KeyCount, c)
}

func Entries(n int) slog.Attr {
	return slog.Int(KeyEntries, n)
}

func Head[T ~uint64](off T) slog.Attr {
	return slog.Uint64(KeyHead, uint64(off))
}

func Tail[T ~uint64](off T) slog.Attr {
	return slog.Uint64(KeyTail, uint64(off))
}

func Prev[T ~uint64](off T) slog.Attr {
	return slog.Uint64(KeyPrev, uint64(off))
}

func Links(n uint16) slog.Attr {
	return slog.Int(KeyLinks, int(n))
}

func Name(name string) slog.Attr {
	return slog.String(KeyName, name)
}

func BlockSize(s uint64) slog.Attr {
	return slog.Uint64(KeyBlockSize, s)
}

func UUID(id string) slog.Attr {
	return slog.String(KeyUUID, id)
}
