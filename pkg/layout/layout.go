// Package layout defines the on-media format of a region: record sizes, the
// partition of the region into areas, and the superblock that records it.
//
// Region map (offsets from the region base):
//
//	[superblock][inode table][journal][attr log][summary headers][data blocks]
//
// The summary header array is omitted in the tight layout (build tag
// layout_tight), where each header sits in the last HeaderSize bytes of its
// own data block.
package layout

import (
	"fmt"

	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Fixed record sizes.
const (
	SuperblockSize = 4096

	HeaderSize = 64 // one summary header per data block

	InodeSize  = 128
	DentrySize = 64

	JournalHeaderSize = 64
	JournalEntrySize  = 16

	AttrLogHeaderSize = 64
	AttrLogEntrySize  = 64
	AttrLogEntrySlots = 4
	AttrLogBucketSize = AttrLogHeaderSize + AttrLogEntrySlots*AttrLogEntrySize
)

// Defaults used when Params leaves a field zero.
const (
	DefaultBlockSize          = 4096
	DefaultCPUs               = 4
	DefaultJournalSlotsPerCPU = 8
	DefaultJournalSlotSize    = 512
	DefaultAttrLogSlots       = 256
	DefaultMaxInodes          = 4096
)

// Params are the tunables a region is formatted with.
type Params struct {
	BlockSize          uint64
	CPUs               int
	JournalSlotsPerCPU int
	JournalSlotSize    uint64
	AttrLogSlots       int
	MaxInodes          uint64
}

func (p *Params) applyDefaults() {
	if p.BlockSize == 0 {
		p.BlockSize = DefaultBlockSize
	}
	if p.CPUs == 0 {
		p.CPUs = DefaultCPUs
	}
	if p.JournalSlotsPerCPU == 0 {
		p.JournalSlotsPerCPU = DefaultJournalSlotsPerCPU
	}
	if p.JournalSlotSize == 0 {
		p.JournalSlotSize = DefaultJournalSlotSize
	}
	if p.AttrLogSlots == 0 {
		p.AttrLogSlots = DefaultAttrLogSlots
	}
	if p.MaxInodes == 0 {
		p.MaxInodes = DefaultMaxInodes
	}
}

// Geometry is the resolved partition of a region.
type Geometry struct {
	Size      uint64
	BlockSize uint64
	Tight     bool
	CPUs      int

	InodeTable pmem.Offset
	MaxInodes  uint64

	Journal         pmem.Offset
	JournalSlots    int
	JournalPerCPU   int
	JournalSlotSize uint64

	AttrLog      pmem.Offset
	AttrLogSlots int

	Headers pmem.Offset // unused in the tight layout

	Data       pmem.Offset
	DataBlocks uint64
}

// Compute partitions a region of the given size.
func Compute(size uint64, p Params) (Geometry, error) {
	p.applyDefaults()

	if p.BlockSize&(p.BlockSize-1) != 0 || p.BlockSize < 512 {
		return Geometry{}, pmerr.New(pmerr.CodeInvalidArgument, "layout.Compute", "block size %d is not a power of two >= 512", p.BlockSize)
	}
	if p.JournalSlotSize < JournalHeaderSize+2*JournalEntrySize || p.JournalSlotSize%JournalEntrySize != 0 {
		return Geometry{}, pmerr.New(pmerr.CodeInvalidArgument, "layout.Compute", "journal slot size %d too small or misaligned", p.JournalSlotSize)
	}
	if p.CPUs < 1 || p.JournalSlotsPerCPU < 1 || p.AttrLogSlots < 1 {
		return Geometry{}, pmerr.New(pmerr.CodeInvalidArgument, "layout.Compute", "cpus, journal slots and attr log slots must be positive")
	}

	g := Geometry{
		Size:            size,
		BlockSize:       p.BlockSize,
		Tight:           Tight,
		CPUs:            p.CPUs,
		MaxInodes:       p.MaxInodes,
		JournalPerCPU:   p.JournalSlotsPerCPU,
		JournalSlots:    p.CPUs * p.JournalSlotsPerCPU,
		JournalSlotSize: p.JournalSlotSize,
		AttrLogSlots:    p.AttrLogSlots,
	}

	cur := uint64(SuperblockSize)

	g.InodeTable = pmem.Offset(cur)
	cur = roundUp(cur+g.MaxInodes*InodeSize, p.BlockSize)

	g.Journal = pmem.Offset(cur)
	cur = roundUp(cur+uint64(g.JournalSlots)*g.JournalSlotSize, p.BlockSize)

	g.AttrLog = pmem.Offset(cur)
	cur = roundUp(cur+uint64(g.AttrLogSlots)*AttrLogBucketSize, p.BlockSize)

	if cur >= size {
		return Geometry{}, pmerr.New(pmerr.CodeNoSpace, "layout.Compute", "region of %d bytes cannot hold metadata areas (%d bytes)", size, cur)
	}

	remaining := size - cur
	if g.Tight {
		g.DataBlocks = remaining / p.BlockSize
	} else {
		g.Headers = pmem.Offset(cur)
		blocks := remaining / (p.BlockSize + HeaderSize)
		for blocks > 0 && roundUp(blocks*HeaderSize, p.BlockSize)+blocks*p.BlockSize > remaining {
			blocks--
		}
		g.DataBlocks = blocks
		cur += roundUp(blocks*HeaderSize, p.BlockSize)
	}
	g.Data = pmem.Offset(cur)

	if g.DataBlocks < uint64(g.CPUs) {
		return Geometry{}, pmerr.New(pmerr.CodeNoSpace, "layout.Compute", "region of %d bytes leaves %d data blocks for %d cpus", size, g.DataBlocks, g.CPUs)
	}

	return g, nil
}

// DataEnd returns the offset one past the last data block.
func (g Geometry) DataEnd() pmem.Offset {
	return g.Data + pmem.Offset(g.DataBlocks*g.BlockSize)
}

// BlockOffset returns the offset of data block blk.
func (g Geometry) BlockOffset(blk uint64) pmem.Offset {
	return g.Data + pmem.Offset(blk*g.BlockSize)
}

// BlockOf returns the data block containing o. o must lie in the data area.
func (g Geometry) BlockOf(o pmem.Offset) uint64 {
	return uint64(o-g.Data) / g.BlockSize
}

// BlockPayload is the number of bytes of a data block usable for file data.
func (g Geometry) BlockPayload() uint64 {
	if g.Tight {
		return g.BlockSize - HeaderSize
	}
	return g.BlockSize
}

// InodeOffset returns the offset of the record for ino.
func (g Geometry) InodeOffset(ino uint64) pmem.Offset {
	return g.InodeTable + pmem.Offset(ino*InodeSize)
}

// JournalOffset returns the offset of journal slot txid.
func (g Geometry) JournalOffset(txid int) pmem.Offset {
	return g.Journal + pmem.Offset(uint64(txid)*g.JournalSlotSize)
}

// AttrLogOffset returns the offset of attribute-log bucket id.
func (g Geometry) AttrLogOffset(id int) pmem.Offset {
	return g.AttrLog + pmem.Offset(uint64(id)*AttrLogBucketSize)
}

// String renders the partition for logs and tooling.
func (g Geometry) String() string {
	return fmt.Sprintf("size=%d block=%d tight=%v inodes=%#x journal=%#x(%d) attrlog=%#x(%d) headers=%#x data=%#x(%d)",
		g.Size, g.BlockSize, g.Tight, g.InodeTable, g.Journal, g.JournalSlots,
		g.AttrLog, g.AttrLogSlots, g.Headers, g.Data, g.DataBlocks)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
