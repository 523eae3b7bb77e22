package attrlog

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

type fixture struct {
	log    *Log
	inodes *inode.Table
	r      *pmem.Region
	g      layout.Geometry
}

func newFixture(t *testing.T, slots int, m *metrics.Metrics) fixture {
	t.Helper()

	r := pmem.NewMemory(4 << 20)
	g, err := layout.Compute(r.Size(), layout.Params{CPUs: 1, AttrLogSlots: slots, MaxInodes: 256})
	require.NoError(t, err)

	tab := inode.NewTable(r, g)
	tab.Format()
	l := New(r, g, tab, nil, m)
	l.Format()
	return fixture{log: l, inodes: tab, r: r, g: g}
}

func (f fixture) commitInode(t *testing.T, ino uint64) {
	t.Helper()
	require.NoError(t, f.inodes.Commit(inode.ICP{
		Ino: ino, Mode: inode.ModeRegular | 0o644, Links: 1,
		Atime: 100, Ctime: 100, Mtime: 100, Tstamp: 1,
	}))
}

func TestFormat_EmptyBuckets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	for id := 0; id < f.log.Slots(); id++ {
		info, err := f.log.Inspect(id)
		require.NoError(t, err)
		assert.Equal(t, NoOwner, info.Owner)
		assert.Equal(t, -1, info.LastSetAttr)
		assert.Equal(t, -1, info.LastLink)
		assert.False(t, info.Evicting)
	}
	assert.Equal(t, 3, f.log.Bucket(11))
}

func TestCommit_LiveEntryPerKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 5)

	require.NoError(t, f.log.Commit(5, Entry{Kind: KindSetAttr, Mode: 0o600, Size: 10, Tstamp: 2}))
	require.NoError(t, f.log.Commit(5, Entry{Kind: KindLinkChange, Links: 2, Tstamp: 3}))
	require.NoError(t, f.log.Commit(5, Entry{Kind: KindSetAttr, Mode: 0o600, Size: 20, Tstamp: 4}))

	e, _, ok := f.log.Live(5, KindSetAttr)
	require.True(t, ok)
	assert.Equal(t, uint64(20), e.Size)

	e, _, ok = f.log.Live(5, KindLinkChange)
	require.True(t, ok)
	assert.Equal(t, uint16(2), e.Links)

	info, err := f.log.Inspect(f.log.Bucket(5))
	require.NoError(t, err)
	assert.NotEqual(t, info.LastSetAttr, info.LastLink)

	// Nothing reached the inode record yet.
	in, err := f.inodes.Get(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), in.Size)
	assert.Equal(t, uint16(1), in.Links)

	err = f.log.Commit(5, Entry{Kind: KindNone})
	assert.ErrorIs(t, err, pmerr.ErrInvalidArgument)
}

func TestCommit_EvictsPreviousOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4, nil)
	const a, b = 2, 6 // same bucket
	require.Equal(t, f.log.Bucket(a), f.log.Bucket(b))
	f.commitInode(t, a)
	f.commitInode(t, b)

	require.NoError(t, f.log.Commit(a, Entry{Kind: KindSetAttr, Mode: inode.ModeRegular | 0o600, Size: 4096, Mtime: 200, Tstamp: 7}))
	require.NoError(t, f.log.Commit(a, Entry{Kind: KindLinkChange, Links: 3, Ctime: 250, Tstamp: 8}))
	require.NoError(t, f.log.Commit(b, Entry{Kind: KindSetAttr, Size: 1, Tstamp: 9}))

	in, err := f.inodes.Get(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), in.Size)
	assert.Equal(t, uint16(3), in.Links)
	assert.Equal(t, uint32(200), in.Mtime)
	assert.Equal(t, uint32(250), in.Ctime)
	assert.Equal(t, uint64(8), in.Tstamp)

	_, _, ok := f.log.Live(a, KindSetAttr)
	assert.False(t, ok)
	info, err := f.log.Inspect(f.log.Bucket(b))
	require.NoError(t, err)
	assert.Equal(t, uint64(b), info.Owner)
	assert.Equal(t, -1, info.LastLink)
}

func TestEvict_LaterSetAttrWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 5)

	first := Entry{Kind: KindSetAttr, Mode: inode.ModeRegular | 0o644, Size: 10,
		Atime: 200, Mtime: 300, Ctime: 300, Tstamp: 2}
	second := Entry{Kind: KindSetAttr, Mode: inode.ModeRegular | 0o644, Size: 20,
		Atime: 200, Mtime: 350, Ctime: 400, Tstamp: 3}
	require.NoError(t, f.log.Commit(5, first))
	require.NoError(t, f.log.Commit(5, second))
	require.NoError(t, f.log.Evict(f.log.Bucket(5)))

	in, err := f.inodes.Get(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), in.Size)
	assert.Equal(t, uint64(3), in.Tstamp)
	assert.Equal(t, second.Atime, in.Atime)
	assert.Equal(t, second.Mtime, in.Mtime)
	assert.Equal(t, second.Ctime, in.Ctime)
	assert.GreaterOrEqual(t, in.Mtime, first.Mtime)
	assert.GreaterOrEqual(t, in.Ctime, first.Ctime)

	_, _, ok := f.log.Live(5, KindSetAttr)
	assert.False(t, ok)
}

func TestEvict_MaxWinsTimes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	require.NoError(t, f.inodes.Commit(inode.ICP{
		Ino: 3, Links: 1, Atime: 500, Ctime: 500, Mtime: 500, Size: 1, Tstamp: 50,
	}))

	require.NoError(t, f.log.Commit(3, Entry{
		Kind: KindSetAttr, Size: 77, Atime: 400, Ctime: 600, Mtime: 450, Tstamp: 40,
	}))
	require.NoError(t, f.log.Evict(f.log.Bucket(3)))

	in, err := f.inodes.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), in.Size, "size is overwritten")
	assert.Equal(t, uint32(500), in.Atime)
	assert.Equal(t, uint32(600), in.Ctime)
	assert.Equal(t, uint32(500), in.Mtime)
	assert.Equal(t, uint64(50), in.Tstamp)

	info, err := f.log.Inspect(f.log.Bucket(3))
	require.NoError(t, err)
	assert.Equal(t, NoOwner, info.Owner)

	// Empty bucket evicts trivially.
	require.NoError(t, f.log.Evict(f.log.Bucket(3)))
	assert.ErrorIs(t, f.log.Evict(-1), pmerr.ErrOutOfRange)
}

func TestEvict_InvalidOwnerResets(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	f := newFixture(t, 8, metrics.NewMetrics(registry))
	f.commitInode(t, 4)
	require.NoError(t, f.log.Commit(4, Entry{Kind: KindLinkChange, Links: 0, Tstamp: 5}))
	require.NoError(t, f.inodes.SetValid(4, false))

	err := f.log.Evict(f.log.Bucket(4))
	assert.ErrorIs(t, err, pmerr.ErrInvalidState)

	info, err := f.log.Inspect(f.log.Bucket(4))
	require.NoError(t, err)
	assert.Equal(t, NoOwner, info.Owner)
	assert.Equal(t, -1, info.LastLink)
	count, err := testutil.GatherAndCount(registry, "pmeta_attrlog_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A new owner can take the bucket afterwards.
	f.commitInode(t, 12)
	require.NoError(t, f.log.Commit(12, Entry{Kind: KindSetAttr, Tstamp: 6}))
}

func TestResolve_FoldsWithoutEvicting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 9)
	require.NoError(t, f.log.Commit(9, Entry{Kind: KindSetAttr, Mode: inode.ModeRegular | 0o640, Size: 900, Tstamp: 10}))

	attr, link, err := f.log.Resolve(9)
	require.NoError(t, err)
	assert.NotZero(t, attr)
	assert.Zero(t, link)

	in, err := f.inodes.Get(9)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), in.Size)
	assert.Equal(t, attr, in.TxAttrEntry)
	assert.Zero(t, in.TxLinkChangeEntry)

	_, off, ok := f.log.Live(9, KindSetAttr)
	require.True(t, ok, "bucket keeps its entries")
	assert.Equal(t, attr, off)

	// Not the owner: nothing to resolve.
	attr, link, err = f.log.Resolve(17)
	require.NoError(t, err)
	assert.Zero(t, attr)
	assert.Zero(t, link)
}

func TestSnapshot_RecordsRefsOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 2)
	require.NoError(t, f.log.Commit(2, Entry{Kind: KindLinkChange, Links: 4, Tstamp: 3}))
	require.NoError(t, f.log.Snapshot(2))

	in, err := f.inodes.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), in.Links)
	_, off, ok := f.log.Live(2, KindLinkChange)
	require.True(t, ok)
	assert.Equal(t, off, in.TxLinkChangeEntry)
}

func TestRecover_ResumesEviction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 1)
	require.NoError(t, f.log.Commit(1, Entry{Kind: KindSetAttr, Size: 123, Tstamp: 2}))

	// Crash right after the evicting flag was persisted.
	b := f.g.AttrLogOffset(f.log.Bucket(1))
	f.r.PutUint8(b+bOffEvicting, 1)

	n, err := f.log.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	in, err := f.inodes.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), in.Size)

	info, err := f.log.Inspect(f.log.Bucket(1))
	require.NoError(t, err)
	assert.False(t, info.Evicting)
	assert.Equal(t, NoOwner, info.Owner)
}

func TestCommitHelpers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, nil)
	f.commitInode(t, 7)

	mode := uint16(0o600)
	e, err := f.log.CommitSetAttr(7, SetAttr{Mode: &mode, Ctime: 300})
	require.NoError(t, err)
	assert.Equal(t, inode.ModeRegular|uint16(0o600), e.Mode)
	assert.Equal(t, uint32(300), e.Ctime)

	e2, err := f.log.CommitSizeChange(7, 8192, 310)
	require.NoError(t, err)
	assert.Greater(t, e2.Tstamp, e.Tstamp)
	assert.Equal(t, uint16(inode.ModeRegular|0o600), e2.Mode, "earlier live setattr is carried forward")

	_, err = f.log.CommitLinkChange(7, 2, 320)
	require.NoError(t, err)

	attrs, err := f.log.Attributes(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), attrs.Size)
	assert.Equal(t, uint16(2), attrs.Links)
	assert.Equal(t, uint32(320), attrs.Ctime)
	assert.Equal(t, uint32(310), attrs.Mtime)
}

func TestCommit_ConcurrentBuckets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4, nil)
	for ino := uint64(1); ino <= 16; ino++ {
		f.commitInode(t, ino)
	}

	var wg sync.WaitGroup
	for ino := uint64(1); ino <= 16; ino++ {
		wg.Add(1)
		go func(ino uint64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.log.CommitSizeChange(ino, ino*1000, uint32(i))
				assert.NoError(t, err)
			}
		}(ino)
	}
	wg.Wait()

	for id := 0; id < f.log.Slots(); id++ {
		require.NoError(t, f.log.Evict(id))
	}
	for ino := uint64(1); ino <= 16; ino++ {
		in, err := f.inodes.Get(ino)
		require.NoError(t, err)
		assert.Equal(t, ino*1000, in.Size, "inode %d", ino)
	}
}
