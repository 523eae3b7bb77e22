package layout

import (
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Superblock constants
const (
	Magic   = "PMET"
	Version = uint16(1)
)

// Superblock field offsets
const (
	sbOffsetMagic       = 0
	sbOffsetVersion     = 4
	sbOffsetUUID        = 8
	sbOffsetSize        = 24
	sbOffsetBlockSize   = 32
	sbOffsetCPUs        = 40
	sbOffsetJournalPer  = 44
	sbOffsetJournalSlot = 48
	sbOffsetAttrSlots   = 56
	sbOffsetTight       = 60
	sbOffsetMaxInodes   = 64
	sbOffsetCreated     = 72
	sbChecksummed       = 80 // bytes covered by the checksum
	sbOffsetClean       = 80
	sbOffsetCheckSum    = 84
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Superblock identifies a formatted region and records its geometry.
type Superblock struct {
	UUID      uuid.UUID
	Version   uint16
	CreatedAt time.Time
	Clean     bool
	Geometry  Geometry
}

// WriteSuperblock formats the superblock for g with a fresh identity.
func WriteSuperblock(r *pmem.Region, g Geometry) (*Superblock, error) {
	if r.Size() < g.Size {
		return nil, pmerr.New(pmerr.CodeInvalidArgument, "layout.WriteSuperblock", "region of %d bytes smaller than geometry %d", r.Size(), g.Size)
	}

	sb := &Superblock{
		UUID:      uuid.New(),
		Version:   Version,
		CreatedAt: time.Now().UTC(),
		Geometry:  g,
	}

	buf := r.Bytes(0, SuperblockSize)
	clear(buf)
	copy(buf[sbOffsetMagic:], Magic)
	r.PutUint16(sbOffsetVersion, sb.Version)
	copy(buf[sbOffsetUUID:sbOffsetUUID+16], sb.UUID[:])
	r.PutUint64(sbOffsetSize, g.Size)
	r.PutUint64(sbOffsetBlockSize, g.BlockSize)
	r.PutUint32(sbOffsetCPUs, uint32(g.CPUs))
	r.PutUint32(sbOffsetJournalPer, uint32(g.JournalPerCPU))
	r.PutUint64(sbOffsetJournalSlot, g.JournalSlotSize)
	r.PutUint32(sbOffsetAttrSlots, uint32(g.AttrLogSlots))
	if g.Tight {
		r.PutUint8(sbOffsetTight, 1)
	}
	r.PutUint64(sbOffsetMaxInodes, g.MaxInodes)
	r.PutUint64(sbOffsetCreated, uint64(sb.CreatedAt.UnixNano()))
	r.PutUint32(sbOffsetCheckSum, crc32.Checksum(buf[:sbChecksummed], castagnoli))

	r.Flush(0, SuperblockSize, true)
	return sb, nil
}

// ReadSuperblock validates the superblock of r and recomputes its geometry.
func ReadSuperblock(r *pmem.Region) (*Superblock, error) {
	const op = "layout.ReadSuperblock"

	if r.Size() < SuperblockSize {
		return nil, pmerr.New(pmerr.CodeCorrupted, op, "region too small for a superblock")
	}

	buf := r.Bytes(0, SuperblockSize)
	if string(buf[sbOffsetMagic:sbOffsetMagic+4]) != Magic {
		return nil, pmerr.New(pmerr.CodeCorrupted, op, "bad magic %q", buf[:4])
	}
	if sum := crc32.Checksum(buf[:sbChecksummed], castagnoli); sum != r.Uint32(sbOffsetCheckSum) {
		return nil, pmerr.New(pmerr.CodeCorrupted, op, "superblock checksum mismatch")
	}

	sb := &Superblock{
		Version:   r.Uint16(sbOffsetVersion),
		CreatedAt: time.Unix(0, int64(r.Uint64(sbOffsetCreated))).UTC(),
		Clean:     r.Uint8(sbOffsetClean) == 1,
	}
	if sb.Version != Version {
		return nil, pmerr.New(pmerr.CodeCorrupted, op, "version %d, want %d", sb.Version, Version)
	}
	copy(sb.UUID[:], buf[sbOffsetUUID:sbOffsetUUID+16])

	tight := r.Uint8(sbOffsetTight) == 1
	if tight != Tight {
		return nil, pmerr.New(pmerr.CodeCorrupted, op, "region formatted with tight=%v, binary built with tight=%v", tight, Tight)
	}

	g, err := Compute(r.Uint64(sbOffsetSize), Params{
		BlockSize:          r.Uint64(sbOffsetBlockSize),
		CPUs:               int(r.Uint32(sbOffsetCPUs)),
		JournalSlotsPerCPU: int(r.Uint32(sbOffsetJournalPer)),
		JournalSlotSize:    r.Uint64(sbOffsetJournalSlot),
		AttrLogSlots:       int(r.Uint32(sbOffsetAttrSlots)),
		MaxInodes:          r.Uint64(sbOffsetMaxInodes),
	})
	if err != nil {
		return nil, pmerr.Wrap(pmerr.CodeCorrupted, op, err)
	}
	sb.Geometry = g

	return sb, nil
}

// SetClean records whether the region was closed cleanly. The flag lives
// outside the checksummed range.
func SetClean(r *pmem.Region, clean bool) {
	var v uint8
	if clean {
		v = 1
	}
	r.PutUint8(sbOffsetClean, v)
	r.Flush(sbOffsetClean, 1, true)
}
