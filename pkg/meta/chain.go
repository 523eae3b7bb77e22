package meta

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marmos91/pmeta/pkg/pmem"
)

// ChainRef names one end of a splice: either the owner's in-memory chain
// root or the header of a data block. The zero value is the root.
type ChainRef struct {
	addr pmem.Offset
}

// RootRef is the chain root sentinel.
var RootRef = ChainRef{}

// BlockRef refers to the header of the data block at addr.
func BlockRef(addr pmem.Offset) ChainRef {
	return ChainRef{addr: addr}
}

// IsRoot reports whether ref is the root sentinel.
func (c ChainRef) IsRoot() bool { return c.addr == 0 }

// Addr returns the data block offset, or 0 for the root.
func (c ChainRef) Addr() pmem.Offset { return c.addr }

// link is the forward-link capability shared by roots and headers.
type link interface {
	next() pmem.Offset
	setNext(pmem.Offset)
}

// ChainRoot is the in-memory head of one inode's validity chain.
type ChainRoot struct {
	Ino   uint64
	first atomic.Uint64
}

func (c *ChainRoot) next() pmem.Offset { return pmem.Offset(c.first.Load()) }

func (c *ChainRoot) setNext(o pmem.Offset) { c.first.Store(uint64(o)) }

// First returns the header offset at the head of the chain, or 0.
func (c *ChainRoot) First() pmem.Offset { return c.next() }

// headerLink is the forward link stored in a persistent header.
type headerLink struct {
	r   *pmem.Region
	hdr pmem.Offset
}

func (h headerLink) next() pmem.Offset { return h.r.LoadLink(h.hdr + hOffNext) }

func (h headerLink) setNext(o pmem.Offset) {
	h.r.StoreLink(h.hdr+hOffNext, o)
	h.r.Flush(h.hdr+hOffNext, 8, false)
}

// CommitTable holds the chain root of every inode with data blocks.
type CommitTable struct {
	mu    sync.RWMutex
	roots map[uint64]*ChainRoot
}

// NewCommitTable creates an empty table.
func NewCommitTable() *CommitTable {
	return &CommitTable{roots: make(map[uint64]*ChainRoot)}
}

// Lookup returns the root of ino, creating an empty one on first use.
func (t *CommitTable) Lookup(ino uint64) *ChainRoot {
	t.mu.RLock()
	root, ok := t.roots[ino]
	t.mu.RUnlock()
	if ok {
		return root
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if root, ok = t.roots[ino]; ok {
		return root
	}
	root = &ChainRoot{Ino: ino}
	t.roots[ino] = root
	return root
}

// Get returns the root of ino if one exists.
func (t *CommitTable) Get(ino uint64) (*ChainRoot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root, ok := t.roots[ino]
	return root, ok
}

// Drop forgets the root of ino.
func (t *CommitTable) Drop(ino uint64) {
	t.mu.Lock()
	delete(t.roots, ino)
	t.mu.Unlock()
}

// Inodes returns the inode numbers with a root, in ascending order.
func (t *CommitTable) Inodes() []uint64 {
	t.mu.RLock()
	inos := make([]uint64, 0, len(t.roots))
	for ino := range t.roots {
		inos = append(inos, ino)
	}
	t.mu.RUnlock()

	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos
}
