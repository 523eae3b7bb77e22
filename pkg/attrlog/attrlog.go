// Package attrlog implements the per-inode attribute log: small setattr and
// link-count changes are appended to a hashed bucket instead of rewriting
// the inode record, and folded into the record when the bucket changes
// owner or the inode is checkpointed.
//
// Bucket layout (AttrLogHeaderSize bytes, then AttrLogEntrySlots entries):
//
//	owner u64 @0 (all-ones = none)
//	last_valid_setattr u8 @8, last_valid_linkchange u8 @9 (0xFF = none)
//	evicting u8 @10
//
// A bucket holds at most one live entry of each kind, so with four slots a
// free slot always exists for the next commit.
package attrlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// NoOwner marks a bucket without an owner inode.
const NoOwner = ^uint64(0)

const noSlot = 0xFF

// Bucket header field offsets
const (
	bOffOwner       = 0
	bOffLastSetAttr = 8
	bOffLastLink    = 9
	bOffEvicting    = 10
)

// Entry field offsets
const (
	eOffType   = 0
	eOffMode   = 2
	eOffLinks  = 2
	eOffUID    = 4
	eOffGID    = 8
	eOffAtime  = 12
	eOffCtime  = 16
	eOffMtime  = 20
	eOffSize   = 24
	eOffTstamp = 32
)

// Kind is the type of an attribute-log entry.
type Kind uint8

const (
	KindNone       Kind = 0
	KindSetAttr    Kind = 1
	KindLinkChange Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSetAttr:
		return "setattr"
	case KindLinkChange:
		return "linkchange"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is one attribute change. KindSetAttr uses Mode, UID, GID, Atime,
// Ctime, Mtime and Size; KindLinkChange uses Links and Ctime.
type Entry struct {
	Kind   Kind
	Mode   uint16
	Links  uint16
	UID    uint32
	GID    uint32
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	Size   uint64
	Tstamp uint64
}

// BucketInfo is a decoded bucket header plus its live entries, for tooling.
type BucketInfo struct {
	ID          int
	Owner       uint64
	LastSetAttr int
	LastLink    int
	Evicting    bool
	SetAttr     *Entry
	LinkChange  *Entry
}

// Log is the attribute-log area of a region.
type Log struct {
	r       *pmem.Region
	g       layout.Geometry
	inodes  *inode.Table
	clock   *inode.Clock
	metrics *metrics.Metrics

	locks []sync.Mutex
}

// New wraps the attribute-log area. clock and m may be nil.
func New(r *pmem.Region, g layout.Geometry, inodes *inode.Table, clock *inode.Clock, m *metrics.Metrics) *Log {
	if clock == nil {
		clock = &inode.Clock{}
	}
	return &Log{
		r:       r,
		g:       g,
		inodes:  inodes,
		clock:   clock,
		metrics: m,
		locks:   make([]sync.Mutex, g.AttrLogSlots),
	}
}

// Format resets every bucket to the empty, owner-less state.
func (l *Log) Format() {
	l.r.Zero(l.g.AttrLog, uint64(l.g.AttrLogSlots)*layout.AttrLogBucketSize)
	for id := 0; id < l.g.AttrLogSlots; id++ {
		l.resetBucket(l.g.AttrLogOffset(id), false)
	}
	l.r.Fence()
}

// Bucket returns the bucket that ino hashes to.
func (l *Log) Bucket(ino uint64) int {
	return int(ino % uint64(l.g.AttrLogSlots))
}

// Slots returns the number of buckets.
func (l *Log) Slots() int { return l.g.AttrLogSlots }

func entryOffset(b pmem.Offset, slot int) pmem.Offset {
	return b + layout.AttrLogHeaderSize + pmem.Offset(slot*layout.AttrLogEntrySize)
}

func (l *Log) resetBucket(b pmem.Offset, fence bool) {
	l.r.PutUint64(b+bOffOwner, NoOwner)
	l.r.PutUint8(b+bOffLastSetAttr, noSlot)
	l.r.PutUint8(b+bOffLastLink, noSlot)
	l.r.PutUint8(b+bOffEvicting, 0)
	l.r.Flush(b, layout.AttrLogHeaderSize, fence)
}

func (l *Log) readEntry(o pmem.Offset) Entry {
	r := l.r
	e := Entry{
		Kind:   Kind(r.Uint8(o + eOffType)),
		Ctime:  r.Uint32(o + eOffCtime),
		Tstamp: r.Uint64(o + eOffTstamp),
	}
	switch e.Kind {
	case KindSetAttr:
		e.Mode = r.Uint16(o + eOffMode)
		e.UID = r.Uint32(o + eOffUID)
		e.GID = r.Uint32(o + eOffGID)
		e.Atime = r.Uint32(o + eOffAtime)
		e.Mtime = r.Uint32(o + eOffMtime)
		e.Size = r.Uint64(o + eOffSize)
	case KindLinkChange:
		e.Links = r.Uint16(o + eOffLinks)
	}
	return e
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, layout.AttrLogEntrySize)
	le := binary.LittleEndian
	buf[eOffType] = byte(e.Kind)
	switch e.Kind {
	case KindSetAttr:
		le.PutUint16(buf[eOffMode:], e.Mode)
		le.PutUint32(buf[eOffUID:], e.UID)
		le.PutUint32(buf[eOffGID:], e.GID)
		le.PutUint32(buf[eOffAtime:], e.Atime)
		le.PutUint32(buf[eOffMtime:], e.Mtime)
		le.PutUint64(buf[eOffSize:], e.Size)
	case KindLinkChange:
		le.PutUint16(buf[eOffLinks:], e.Links)
	}
	le.PutUint32(buf[eOffCtime:], e.Ctime)
	le.PutUint64(buf[eOffTstamp:], e.Tstamp)
	return buf
}

// live returns the slot index holding the live entry of kind, or -1.
func (l *Log) live(b pmem.Offset, kind Kind) int {
	var idx uint8
	switch kind {
	case KindSetAttr:
		idx = l.r.Uint8(b + bOffLastSetAttr)
	case KindLinkChange:
		idx = l.r.Uint8(b + bOffLastLink)
	default:
		return -1
	}
	if idx == noSlot || int(idx) >= layout.AttrLogEntrySlots {
		return -1
	}
	return int(idx)
}

// Commit appends entry for ino, first evicting the bucket if another inode
// owns it. The entry becomes the live entry of its kind.
func (l *Log) Commit(ino uint64, e Entry) (err error) {
	const op = "attrlog.Commit"
	start := time.Now()
	defer func() { l.metrics.ObserveOp(metrics.ComponentAttrLog, "commit", start, err) }()

	if e.Kind != KindSetAttr && e.Kind != KindLinkChange {
		return pmerr.New(pmerr.CodeInvalidArgument, op, "entry kind %s", e.Kind)
	}
	if ino == 0 || ino == NoOwner {
		return pmerr.New(pmerr.CodeInvalidArgument, op, "inode %d", ino)
	}

	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()
	return l.commitLocked(id, ino, e)
}

func (l *Log) commitLocked(id int, ino uint64, e Entry) error {
	b := l.g.AttrLogOffset(id)
	owner := l.r.Uint64(b + bOffOwner)
	if owner != NoOwner && owner != ino {
		if err := l.evictLocked(id, b); err != nil && !errors.Is(err, pmerr.ErrInvalidState) {
			return err
		}
	}

	lastSet, lastLink := l.live(b, KindSetAttr), l.live(b, KindLinkChange)
	slot := -1
	for i := 0; i < layout.AttrLogEntrySlots; i++ {
		if i != lastSet && i != lastLink {
			slot = i
			break
		}
	}

	o := entryOffset(b, slot)
	l.r.Store(o, encodeEntry(e))

	l.r.PutUint64(b+bOffOwner, ino)
	if e.Kind == KindSetAttr {
		l.r.PutUint8(b+bOffLastSetAttr, uint8(slot))
	} else {
		l.r.PutUint8(b+bOffLastLink, uint8(slot))
	}
	l.r.Flush(b, layout.AttrLogHeaderSize, true)

	logger.Debug("attr log entry committed",
		logger.Ino(ino), logger.Bucket(id), logger.Index(uint64(slot)),
		logger.Operation(e.Kind.String()), logger.Tstamp(e.Tstamp))
	return nil
}

// Evict folds the live entries of bucket id into their owner's inode record
// and resets the bucket. If the owner inode is no longer valid the entries
// are dropped and ErrInvalidState is returned.
func (l *Log) Evict(id int) error {
	if id < 0 || id >= l.g.AttrLogSlots {
		return pmerr.New(pmerr.CodeOutOfRange, "attrlog.Evict", "bucket %d of %d", id, l.g.AttrLogSlots)
	}
	l.locks[id].Lock()
	defer l.locks[id].Unlock()
	return l.evictLocked(id, l.g.AttrLogOffset(id))
}

func (l *Log) evictLocked(id int, b pmem.Offset) (err error) {
	const op = "attrlog.Evict"

	owner := l.r.Uint64(b + bOffOwner)
	if owner == NoOwner {
		return nil
	}
	defer func() { l.metrics.ObserveEviction(err) }()

	if !l.inodes.IsValid(owner) {
		logger.Warn("attr log owner is not a valid inode; dropping entries",
			logger.Bucket(id), logger.Owner(owner))
		l.resetBucket(b, true)
		return pmerr.New(pmerr.CodeInvalidState, op, "bucket %d owner %d is not a valid inode", id, owner)
	}

	l.r.PutUint8(b+bOffEvicting, 1)
	l.r.Flush(b+bOffEvicting, 1, true)

	if err := l.fold(b, owner, false); err != nil {
		return err
	}

	l.r.PutUint8(b+bOffEvicting, 0)
	l.r.Flush(b+bOffEvicting, 1, true)
	l.resetBucket(b, true)

	logger.Debug("attr log bucket evicted", logger.Bucket(id), logger.Owner(owner))
	return nil
}

// fold applies the live entries of bucket b to ino's record. Times and the
// version stamp only move forward; size, mode, ownership and link count are
// taken from the entry. With snapshot set, the entry offsets are recorded in
// the record's tx_attr_entry and tx_link_change_entry.
func (l *Log) fold(b pmem.Offset, ino uint64, snapshot bool) error {
	in, err := l.inodes.Get(ino)
	if err != nil {
		return err
	}

	var attrRef, linkRef pmem.Offset
	if slot := l.live(b, KindSetAttr); slot >= 0 {
		attrRef = entryOffset(b, slot)
		e := l.readEntry(attrRef)
		in.Mode = e.Mode
		in.UID = e.UID
		in.GID = e.GID
		in.Size = e.Size
		in.Atime = max(in.Atime, e.Atime)
		in.Ctime = max(in.Ctime, e.Ctime)
		in.Mtime = max(in.Mtime, e.Mtime)
		in.Tstamp = max(in.Tstamp, e.Tstamp)
	}
	if slot := l.live(b, KindLinkChange); slot >= 0 {
		linkRef = entryOffset(b, slot)
		e := l.readEntry(linkRef)
		in.Links = e.Links
		in.Ctime = max(in.Ctime, e.Ctime)
		in.Tstamp = max(in.Tstamp, e.Tstamp)
	}

	if snapshot {
		in.TxAttrEntry = attrRef
		in.TxLinkChangeEntry = linkRef
	} else {
		in.TxAttrEntry = 0
		in.TxLinkChangeEntry = 0
	}
	return l.inodes.Put(ino, in)
}

// Resolve folds the live entries of ino into its inode record without
// evicting the bucket, and records the offsets of those entries in the
// record as the source of truth for the next transaction. It returns the
// recorded offsets; zero means no live entry of that kind.
func (l *Log) Resolve(ino uint64) (attr, link pmem.Offset, err error) {
	const op = "attrlog.Resolve"
	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()

	b := l.g.AttrLogOffset(id)
	if l.r.Uint64(b+bOffOwner) != ino {
		return 0, 0, nil
	}
	if !l.inodes.IsValid(ino) {
		return 0, 0, pmerr.New(pmerr.CodeInvalidState, op, "inode %d is not valid", ino)
	}
	if err := l.fold(b, ino, true); err != nil {
		return 0, 0, err
	}
	if s := l.live(b, KindSetAttr); s >= 0 {
		attr = entryOffset(b, s)
	}
	if s := l.live(b, KindLinkChange); s >= 0 {
		link = entryOffset(b, s)
	}
	return attr, link, nil
}

// Snapshot records the offsets of ino's live entries in its inode record
// without folding them.
func (l *Log) Snapshot(ino uint64) error {
	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()

	in, err := l.inodes.Get(ino)
	if err != nil {
		return err
	}
	in.TxAttrEntry, in.TxLinkChangeEntry = 0, 0

	b := l.g.AttrLogOffset(id)
	if l.r.Uint64(b+bOffOwner) == ino {
		if s := l.live(b, KindSetAttr); s >= 0 {
			in.TxAttrEntry = entryOffset(b, s)
		}
		if s := l.live(b, KindLinkChange); s >= 0 {
			in.TxLinkChangeEntry = entryOffset(b, s)
		}
	}
	return l.inodes.Put(ino, in)
}

// Live returns ino's live entry of kind and its offset, if any.
func (l *Log) Live(ino uint64, kind Kind) (Entry, pmem.Offset, bool) {
	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()
	return l.liveEntry(id, ino, kind)
}

func (l *Log) liveEntry(id int, ino uint64, kind Kind) (Entry, pmem.Offset, bool) {
	b := l.g.AttrLogOffset(id)
	if l.r.Uint64(b+bOffOwner) != ino {
		return Entry{}, 0, false
	}
	slot := l.live(b, kind)
	if slot < 0 {
		return Entry{}, 0, false
	}
	o := entryOffset(b, slot)
	return l.readEntry(o), o, true
}

// Attributes returns the current attributes of ino: its inode record with
// any live entries applied on top.
func (l *Log) Attributes(ino uint64) (inode.Inode, error) {
	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()
	return l.attributesLocked(id, ino)
}

func (l *Log) attributesLocked(id int, ino uint64) (inode.Inode, error) {
	in, err := l.inodes.Get(ino)
	if err != nil {
		return in, err
	}
	if e, _, ok := l.liveEntry(id, ino, KindSetAttr); ok {
		in.Mode, in.UID, in.GID, in.Size = e.Mode, e.UID, e.GID, e.Size
		in.Atime = max(in.Atime, e.Atime)
		in.Ctime = max(in.Ctime, e.Ctime)
		in.Mtime = max(in.Mtime, e.Mtime)
		in.Tstamp = max(in.Tstamp, e.Tstamp)
	}
	if e, _, ok := l.liveEntry(id, ino, KindLinkChange); ok {
		in.Links = e.Links
		in.Ctime = max(in.Ctime, e.Ctime)
		in.Tstamp = max(in.Tstamp, e.Tstamp)
	}
	return in, nil
}

// Inspect decodes bucket id.
func (l *Log) Inspect(id int) (BucketInfo, error) {
	if id < 0 || id >= l.g.AttrLogSlots {
		return BucketInfo{}, pmerr.New(pmerr.CodeOutOfRange, "attrlog.Inspect", "bucket %d of %d", id, l.g.AttrLogSlots)
	}
	l.locks[id].Lock()
	defer l.locks[id].Unlock()

	b := l.g.AttrLogOffset(id)
	info := BucketInfo{
		ID:          id,
		Owner:       l.r.Uint64(b + bOffOwner),
		LastSetAttr: l.live(b, KindSetAttr),
		LastLink:    l.live(b, KindLinkChange),
		Evicting:    l.r.Uint8(b+bOffEvicting) == 1,
	}
	if info.LastSetAttr >= 0 {
		e := l.readEntry(entryOffset(b, info.LastSetAttr))
		info.SetAttr = &e
	}
	if info.LastLink >= 0 {
		e := l.readEntry(entryOffset(b, info.LastLink))
		info.LinkChange = &e
	}
	return info, nil
}

// Recover finishes evictions interrupted by a crash. Folding is idempotent,
// so a bucket caught with its evicting flag set is simply evicted again.
func (l *Log) Recover() (int, error) {
	n := 0
	for id := 0; id < l.g.AttrLogSlots; id++ {
		b := l.g.AttrLogOffset(id)
		if l.r.Uint8(b+bOffEvicting) == 0 {
			continue
		}
		n++
		logger.Info("resuming interrupted attr log eviction", logger.Bucket(id))
		if err := l.Evict(id); err != nil && !errors.Is(err, pmerr.ErrInvalidState) {
			return n, err
		}
	}
	return n, nil
}

// Clock returns the version stamp source shared with the inode table.
func (l *Log) Clock() *inode.Clock { return l.clock }
