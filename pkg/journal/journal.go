// Package journal provides the per-CPU transaction journal that makes
// multi-object namespace operations atomic.
//
// The journal area is an array of fixed-size slots. Each slot has a header
// (type, start, end, head, tail) followed by a circular body of 16-byte
// entries that reference the inodes and dentries a transaction touches. A
// slot is IDLE with head == tail when free. Start publishes a transaction in
// three durable steps:
//
//	entries (wrapping at end) -> fence -> tail -> fence -> type
//
// and Finish retires it with type := IDLE, head := tail. A slot found with a
// non-IDLE type at open is in doubt and is handed to Recover.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/internal/telemetry"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// Slot header field offsets
const (
	sOffType  = 0
	sOffStart = 8
	sOffEnd   = 16
	sOffHead  = 24
	sOffTail  = 32
)

// Entry field offsets
const (
	eOffType = 0
	eOffData = 8
)

// Entry is one journaled object reference.
type Entry struct {
	Role Role
	Type EntryType
	Data pmem.Offset
}

// Tx is the decoded contents of one slot.
type Tx struct {
	ID      int
	CPU     int
	Op      Op
	Start   pmem.Offset
	End     pmem.Offset
	Head    pmem.Offset
	Tail    pmem.Offset
	Entries []Entry
}

// Object returns the offset journaled for role, if the operation has one.
func (tx Tx) Object(role Role) (pmem.Offset, bool) {
	for _, e := range tx.Entries {
		if e.Role == role {
			return e.Data, true
		}
	}
	return 0, false
}

// Journal is the journal area of a region.
type Journal struct {
	r       *pmem.Region
	g       layout.Geometry
	metrics *metrics.Metrics

	mu   sync.Mutex
	busy []bool
	wake chan struct{}

	rr atomic.Uint64
}

// New wraps the journal area. m may be nil.
func New(r *pmem.Region, g layout.Geometry, m *metrics.Metrics) *Journal {
	return &Journal{
		r:       r,
		g:       g,
		metrics: m,
		busy:    make([]bool, g.JournalSlots),
		wake:    make(chan struct{}),
	}
}

// Slots returns the number of slots.
func (j *Journal) Slots() int { return j.g.JournalSlots }

// Capacity returns the number of entries a single transaction may hold.
func (j *Journal) Capacity() int {
	return int((j.g.JournalSlotSize-layout.JournalHeaderSize)/layout.JournalEntrySize) - 1
}

// Format resets every slot to IDLE with an empty body.
func (j *Journal) Format() {
	j.r.Zero(j.g.Journal, uint64(j.g.JournalSlots)*j.g.JournalSlotSize)
	for id := 0; id < j.g.JournalSlots; id++ {
		s := j.g.JournalOffset(id)
		start := s + layout.JournalHeaderSize
		j.r.PutUint64(s+sOffStart, uint64(start))
		j.r.PutUint64(s+sOffEnd, uint64(s)+j.g.JournalSlotSize)
		j.r.PutUint64(s+sOffHead, uint64(start))
		j.r.PutUint64(s+sOffTail, uint64(start))
		j.r.Flush(s, layout.JournalHeaderSize, false)
	}
	j.r.Fence()

	j.mu.Lock()
	clear(j.busy)
	j.mu.Unlock()
}

// Start journals op over objs and returns the slot (txid) holding the
// transaction. objs must be given in the order of op.Roles(). When every
// slot is busy Start blocks until one is finished or ctx is done.
func (j *Journal) Start(ctx context.Context, op Op, objs ...pmem.Offset) (txid int, err error) {
	const opName = "journal.Start"
	begin := time.Now()
	defer func() { j.metrics.ObserveOp(metrics.ComponentJournal, "start", begin, err) }()

	roles := op.Roles()
	if len(roles) == 0 {
		return -1, pmerr.New(pmerr.CodeInvalidArgument, opName, "operation %s cannot be journaled", op)
	}
	if len(objs) != len(roles) {
		return -1, pmerr.New(pmerr.CodeInvalidArgument, opName, "%s takes %d objects, got %d", op, len(roles), len(objs))
	}
	if len(objs) > j.Capacity() {
		return -1, pmerr.New(pmerr.CodeInvalidArgument, opName, "%s needs %d entries, slot holds %d", op, len(objs), j.Capacity())
	}
	for i, o := range objs {
		if o == 0 {
			return -1, pmerr.New(pmerr.CodeInvalidArgument, opName, "%s: null %s", op, roles[i])
		}
	}

	cpu := j.cpuFor(ctx)
	ctx, span := telemetry.StartJournalSpan(ctx, telemetry.SpanJournalStart,
		telemetry.TxType(op), telemetry.CPU(cpu), telemetry.Entries(len(objs)))
	defer span.End()

	waitStart := time.Time{}
	for {
		j.mu.Lock()
		id, found, err := j.claimLocked(cpu)
		wake := j.wake
		j.mu.Unlock()

		if err != nil {
			telemetry.RecordError(ctx, err)
			return -1, err
		}
		if found {
			txid = id
			break
		}

		if waitStart.IsZero() {
			waitStart = time.Now()
			logger.DebugCtx(ctx, "all journal slots busy; waiting", logger.CPU(cpu), logger.TxType(op))
		}
		select {
		case <-wake:
		case <-ctx.Done():
			err := pmerr.Wrap(pmerr.CodeInvalidState, opName, ctx.Err())
			telemetry.RecordError(ctx, err)
			return -1, err
		}
	}
	if !waitStart.IsZero() {
		j.metrics.ObserveSlotWait(time.Since(waitStart))
	}
	telemetry.SetAttributes(ctx, telemetry.TxID(txid), telemetry.Waited(!waitStart.IsZero()))

	j.publish(txid, op, objs)
	j.metrics.AddInFlight(1)

	logger.DebugCtx(ctx, "transaction started",
		logger.TxID(txid), logger.CPU(cpu), logger.TxType(op), logger.Entries(len(objs)))
	return txid, nil
}

// claimLocked takes the first free slot at or after the CPU's base, wrapping
// over the whole slot space. j.mu must be held.
func (j *Journal) claimLocked(cpu int) (int, bool, error) {
	n := j.g.JournalSlots
	base := (cpu % j.g.CPUs) * j.g.JournalPerCPU
	for i := 0; i < n; i++ {
		id := (base + i) % n
		if j.busy[id] {
			continue
		}
		s := j.g.JournalOffset(id)
		if typ := Op(j.r.Uint8(s + sOffType)); typ != OpIdle {
			j.metrics.ObserveConsistencyViolation(metrics.ComponentJournal)
			return -1, false, pmerr.AtOffset(pmerr.CodeConsistency, "journal.Start", uint64(s),
				"slot %d holds unrecovered %s transaction", id, typ)
		}
		if head, tail := j.r.Uint64(s+sOffHead), j.r.Uint64(s+sOffTail); head != tail {
			j.metrics.ObserveConsistencyViolation(metrics.ComponentJournal)
			return -1, false, pmerr.AtOffset(pmerr.CodeConsistency, "journal.Start", uint64(s),
				"idle slot %d has head %#x != tail %#x", id, head, tail)
		}
		j.busy[id] = true
		return id, true, nil
	}
	return -1, false, nil
}

// publish writes the entries of a claimed slot, then its tail, then its
// type, each step made durable before the next.
func (j *Journal) publish(txid int, op Op, objs []pmem.Offset) {
	r := j.r
	s := j.g.JournalOffset(txid)
	start := pmem.Offset(r.Uint64(s + sOffStart))
	end := pmem.Offset(r.Uint64(s + sOffEnd))
	pos := pmem.Offset(r.Uint64(s + sOffTail))

	roles := op.Roles()
	for i, o := range objs {
		r.PutUint8(pos+eOffType, uint8(roles[i].EntryType()))
		r.PutUint64(pos+eOffData, uint64(o))
		r.Flush(pos, layout.JournalEntrySize, false)
		pos += layout.JournalEntrySize
		if pos >= end {
			pos = start
		}
	}
	r.Fence()

	r.PutUint64(s+sOffTail, uint64(pos))
	r.Flush(s+sOffTail, 8, true)

	r.PutUint8(s+sOffType, uint8(op))
	r.Flush(s+sOffType, 1, true)
}

// Finish retires transaction txid and wakes any Start waiting for a slot.
func (j *Journal) Finish(ctx context.Context, txid int) (err error) {
	const opName = "journal.Finish"
	begin := time.Now()
	defer func() { j.metrics.ObserveOp(metrics.ComponentJournal, "finish", begin, err) }()

	if txid < 0 || txid >= j.g.JournalSlots {
		return pmerr.New(pmerr.CodeOutOfRange, opName, "txid %d of %d", txid, j.g.JournalSlots)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.busy[txid] {
		return pmerr.New(pmerr.CodeInvalidState, opName, "slot %d is not in use", txid)
	}

	_, span := telemetry.StartJournalSpan(ctx, telemetry.SpanJournalFinish, telemetry.TxID(txid))
	defer span.End()

	j.retire(txid)
	j.busy[txid] = false
	close(j.wake)
	j.wake = make(chan struct{})
	j.metrics.AddInFlight(-1)

	logger.DebugCtx(ctx, "transaction finished", logger.TxID(txid))
	return nil
}

func (j *Journal) retire(txid int) {
	s := j.g.JournalOffset(txid)
	j.r.PutUint8(s+sOffType, uint8(OpIdle))
	j.r.Flush(s+sOffType, 1, true)
	j.r.PutUint64(s+sOffHead, j.r.Uint64(s+sOffTail))
	j.r.Flush(s+sOffHead, 8, true)
}

// Read decodes slot txid. Entries are those between head and tail.
func (j *Journal) Read(txid int) (Tx, error) {
	if txid < 0 || txid >= j.g.JournalSlots {
		return Tx{}, pmerr.New(pmerr.CodeOutOfRange, "journal.Read", "txid %d of %d", txid, j.g.JournalSlots)
	}
	r := j.r
	s := j.g.JournalOffset(txid)
	tx := Tx{
		ID:    txid,
		CPU:   txid / j.g.JournalPerCPU,
		Op:    Op(r.Uint8(s + sOffType)),
		Start: pmem.Offset(r.Uint64(s + sOffStart)),
		End:   pmem.Offset(r.Uint64(s + sOffEnd)),
		Head:  pmem.Offset(r.Uint64(s + sOffHead)),
		Tail:  pmem.Offset(r.Uint64(s + sOffTail)),
	}
	if tx.Start < s+layout.JournalHeaderSize || tx.End > s+pmem.Offset(j.g.JournalSlotSize) || tx.Start >= tx.End ||
		tx.Head < tx.Start || tx.Head >= tx.End || tx.Tail < tx.Start || tx.Tail >= tx.End {
		return tx, pmerr.AtOffset(pmerr.CodeCorrupted, "journal.Read", uint64(s), "slot %d bounds are damaged", txid)
	}

	roles := tx.Op.Roles()
	for pos, i := tx.Head, 0; pos != tx.Tail; i++ {
		e := Entry{
			Type: EntryType(r.Uint8(pos + eOffType)),
			Data: pmem.Offset(r.Uint64(pos + eOffData)),
		}
		if i < len(roles) {
			e.Role = roles[i]
		}
		tx.Entries = append(tx.Entries, e)
		pos += layout.JournalEntrySize
		if pos >= tx.End {
			pos = tx.Start
		}
	}
	return tx, nil
}

// InDoubt returns the slots that are not cleanly idle: transactions that
// were started but never finished, and idle slots left with head != tail by
// a torn Finish.
func (j *Journal) InDoubt() ([]Tx, error) {
	var out []Tx
	for id := 0; id < j.g.JournalSlots; id++ {
		tx, err := j.Read(id)
		if err != nil {
			return out, err
		}
		if tx.Op != OpIdle || tx.Head != tx.Tail {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Recover hands every in-doubt transaction to replay and then retires its
// slot. Idle slots with head != tail are retired without replay. Recover
// must run before the first Start.
func (j *Journal) Recover(ctx context.Context, replay func(context.Context, Tx) error) (n int, err error) {
	ctx, span := telemetry.StartJournalSpan(ctx, telemetry.SpanJournalRecover)
	defer span.End()
	defer func() {
		j.metrics.ObserveRecovered(n)
		telemetry.RecordError(ctx, err)
	}()

	txs, err := j.InDoubt()
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if tx.Op == OpIdle {
			logger.WarnCtx(ctx, "retiring torn idle journal slot",
				logger.TxID(tx.ID), logger.Head(tx.Head), logger.Tail(tx.Tail))
			j.retire(tx.ID)
			continue
		}

		logger.InfoCtx(ctx, "replaying in-doubt transaction",
			logger.TxID(tx.ID), logger.TxType(tx.Op), logger.Entries(len(tx.Entries)))
		if replay != nil {
			if err := replay(ctx, tx); err != nil {
				return n, err
			}
		}
		j.retire(tx.ID)
		n++
	}
	return n, nil
}

// InFlight returns the number of slots currently owned by transactions.
func (j *Journal) InFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, b := range j.busy {
		if b {
			n++
		}
	}
	return n
}

func (j *Journal) cpuFor(ctx context.Context) int {
	if cpu, ok := CPUFromContext(ctx); ok && cpu >= 0 {
		return cpu % j.g.CPUs
	}
	return int(j.rr.Add(1)-1) % j.g.CPUs
}

type cpuKey struct{}

// WithCPU pins transactions started with ctx to cpu's slot range.
func WithCPU(ctx context.Context, cpu int) context.Context {
	return context.WithValue(ctx, cpuKey{}, cpu)
}

// CPUFromContext returns the CPU set by WithCPU.
func CPUFromContext(ctx context.Context) (int, bool) {
	cpu, ok := ctx.Value(cpuKey{}).(int)
	return cpu, ok
}
