// Package pmem provides the persistent-memory region the metadata core lives in.
//
// A Region is a byte-addressable mapping (a DAX-style file mapping or an
// anonymous in-memory buffer) plus the three durability primitives the core
// is written against:
//
//	Store  - non-temporal copy, durable once the trailing fence completes
//	Flush  - write back a range of cached stores
//	Fence  - order all preceding stores/flushes before any following one
//
// Every on-media reference is an Offset relative to the region start. Offsets
// are translated to and from Addr values (base + offset) only at the API
// boundary, so structures stay valid when the region is remapped at a
// different base address on the next open.
package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/marmos91/pmeta/internal/logger"
)

// Offset is a base-relative position inside a region. Zero is the null
// reference: nothing the core links to ever lives at offset 0 (the superblock
// does, and it is never referenced).
type Offset uint64

// Addr is an in-memory address of a byte inside the current mapping.
type Addr uint64

// CacheLineSize is the flush granularity reported to statistics.
const CacheLineSize = 64

// backend abstracts how a mapping is made durable and released.
type backend interface {
	flush(data []byte) error
	sync(data []byte) error
	close(data []byte) error
}

// Region is a mapped persistent-memory area.
type Region struct {
	data    []byte
	base    Addr
	backend backend

	flushes     atomic.Uint64
	fences      atomic.Uint64
	flushFailed atomic.Uint64
	closed      atomic.Bool

	errMu    sync.Mutex
	flushErr error // first write-back failure since the last Sync
}

func newRegion(data []byte, b backend) *Region {
	r := &Region{data: data, backend: b}
	if len(data) > 0 {
		r.base = Addr(uintptr(unsafe.Pointer(&data[0])))
	}
	return r
}

// Size returns the mapping size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

// Base returns the address the region is currently mapped at.
func (r *Region) Base() Addr {
	return r.base
}

// ToOffset converts an address inside the mapping to a base-relative offset.
// The null address maps to the null offset.
func (r *Region) ToOffset(a Addr) Offset {
	if a == 0 {
		return 0
	}
	return Offset(a - r.base)
}

// FromOffset converts an offset to an address inside the current mapping.
func (r *Region) FromOffset(o Offset) Addr {
	if o == 0 {
		return 0
	}
	return r.base + Addr(o)
}

// Contains reports whether [o, o+n) lies inside the region.
func (r *Region) Contains(o Offset, n uint64) bool {
	return uint64(o)+n <= uint64(len(r.data)) && uint64(o)+n >= uint64(o)
}

// Bytes returns the live slice backing [o, o+n). Writes through the slice are
// ordinary cached stores and need a Flush to become durable.
func (r *Region) Bytes(o Offset, n uint64) []byte {
	return r.data[o : uint64(o)+n : uint64(o)+n]
}

// Store copies src to o with non-temporal semantics: the bytes are durable
// once Store returns.
func (r *Region) Store(o Offset, src []byte) {
	copy(r.data[o:], src)
	r.flushRange(o, uint64(len(src)))
	r.Fence()
}

// Zero clears [o, o+n) and makes it durable.
func (r *Region) Zero(o Offset, n uint64) {
	clear(r.data[o : uint64(o)+n])
	r.flushRange(o, n)
	r.Fence()
}

// Flush writes back [o, o+n). When fence is set, a store fence follows.
func (r *Region) Flush(o Offset, n uint64, fence bool) {
	r.flushRange(o, n)
	if fence {
		r.Fence()
	}
}

func (r *Region) flushRange(o Offset, n uint64) {
	if n == 0 {
		return
	}
	lines := (uint64(o)%CacheLineSize + n + CacheLineSize - 1) / CacheLineSize
	r.flushes.Add(lines)
	if r.backend != nil {
		if err := r.backend.flush(r.pageSpan(o, n)); err != nil {
			r.flushFailure(o, err)
		}
	}
}

func (r *Region) flushFailure(o Offset, err error) {
	r.flushFailed.Add(1)

	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.flushErr == nil {
		r.flushErr = err
		logger.Error("region write-back failed", logger.Offset(o), logger.Err(err))
	}
}

// pageSpan widens [o, o+n) to the enclosing page-aligned span.
func (r *Region) pageSpan(o Offset, n uint64) []byte {
	const page = 4096
	start := uint64(o) &^ (page - 1)
	end := (uint64(o) + n + page - 1) &^ (page - 1)
	if end > uint64(len(r.data)) {
		end = uint64(len(r.data))
	}
	return r.data[start:end]
}

// Fence orders every store and flush issued before it ahead of any issued
// after it. The atomic read-modify-write is a full barrier on the platforms
// PM exists on.
func (r *Region) Fence() {
	r.fences.Add(1)
}

// Sync forces the whole mapping to stable media. A write-back that failed
// since the previous Sync is reported here, even if this one succeeds.
func (r *Region) Sync() error {
	if r.closed.Load() {
		return ErrRegionClosed
	}
	if r.backend == nil {
		return nil
	}

	r.errMu.Lock()
	pending := r.flushErr
	r.flushErr = nil
	r.errMu.Unlock()

	err := r.backend.sync(r.data)
	if pending != nil {
		return errors.Join(fmt.Errorf("write-back: %w", pending), err)
	}
	return err
}

// FlushFailures returns the number of write-backs that failed since the
// region was opened.
func (r *Region) FlushFailures() uint64 {
	return r.flushFailed.Load()
}

// Close syncs and releases the mapping.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.backend == nil {
		return nil
	}
	err := r.backend.close(r.data)
	r.data = nil
	return err
}

// Stats reports cache lines flushed and fences issued since the region was
// opened.
func (r *Region) Stats() (flushedLines, fences uint64) {
	return r.flushes.Load(), r.fences.Load()
}

// ============================================================================
// Little-endian field accessors
// ============================================================================

func (r *Region) Uint8(o Offset) uint8 { return r.data[o] }

func (r *Region) PutUint8(o Offset, v uint8) { r.data[o] = v }

func (r *Region) Uint16(o Offset) uint16 {
	return binary.LittleEndian.Uint16(r.data[o:])
}

func (r *Region) PutUint16(o Offset, v uint16) {
	binary.LittleEndian.PutUint16(r.data[o:], v)
}

func (r *Region) Uint32(o Offset) uint32 {
	return binary.LittleEndian.Uint32(r.data[o:])
}

func (r *Region) PutUint32(o Offset, v uint32) {
	binary.LittleEndian.PutUint32(r.data[o:], v)
}

func (r *Region) Uint64(o Offset) uint64 {
	return binary.LittleEndian.Uint64(r.data[o:])
}

func (r *Region) PutUint64(o Offset, v uint64) {
	binary.LittleEndian.PutUint64(r.data[o:], v)
}

// LoadLink reads an 8-byte aligned link field with a single atomic load so
// a concurrent chain walk never observes a torn value. Hosts are assumed
// little-endian, matching the on-media encoding.
func (r *Region) LoadLink(o Offset) Offset {
	return Offset(atomic.LoadUint64(r.word(o)))
}

// StoreLink publishes an 8-byte aligned link field with a single atomic store.
func (r *Region) StoreLink(o Offset, v Offset) {
	atomic.StoreUint64(r.word(o), uint64(v))
}

func (r *Region) word(o Offset) *uint64 {
	if o%8 != 0 {
		panic("pmem: unaligned link field")
	}
	_ = r.data[uint64(o)+7]
	return (*uint64)(unsafe.Pointer(&r.data[o]))
}
