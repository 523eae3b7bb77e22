package pmfs

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/journal"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/meta"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

var testParams = layout.Params{
	CPUs:               2,
	JournalSlotsPerCPU: 2,
	AttrLogSlots:       16,
	MaxInodes:          256,
}

func testOptions() Options {
	return Options{
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func formatFS(t *testing.T) (*FS, *pmem.Region) {
	t.Helper()

	r := pmem.NewMemory(8 << 20)
	fs, err := Format(context.Background(), r, testParams, testOptions())
	require.NoError(t, err)
	return fs, r
}

// reopen mounts r again without closing the previous instance, as after a
// power failure.
func reopen(t *testing.T, r *pmem.Region) *FS {
	t.Helper()

	fs, err := Open(context.Background(), r, testOptions())
	require.NoError(t, err)
	return fs
}

func requireCheckOK(t *testing.T, fs *FS) {
	t.Helper()

	report, err := fs.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
}

func TestFormat_FreshRegion(t *testing.T) {
	t.Parallel()

	fs, r := formatFS(t)

	root, err := fs.GetAttr(inode.RootIno)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, uint16(2), root.Links)

	for blk := uint64(0); blk < fs.Geometry().DataBlocks; blk++ {
		require.False(t, fs.Headers().ReadBlock(blk).Valid, "block %d", blk)
	}
	for id := 0; id < fs.Journal().Slots(); id++ {
		tx, err := fs.Journal().Read(id)
		require.NoError(t, err)
		assert.Equal(t, journal.OpIdle, tx.Op)
	}

	sb, err := layout.ReadSuperblock(r)
	require.NoError(t, err)
	assert.Equal(t, fs.Superblock().UUID, sb.UUID)
	assert.False(t, sb.Clean)

	requireCheckOK(t, fs)
}

func TestOpen_RejectsUnformattedRegion(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), pmem.NewMemory(1<<20), testOptions())
	assert.ErrorIs(t, err, pmerr.ErrCorrupted)
}

func TestClose_MarksClean(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)
	require.NoError(t, fs.Close(ctx))
	require.NoError(t, fs.Close(ctx))

	sb, err := layout.ReadSuperblock(r)
	require.NoError(t, err)
	assert.True(t, sb.Clean)

	_, err = fs.Create(ctx, inode.RootIno, "late", 0o644, Owner{})
	assert.ErrorIs(t, err, pmerr.ErrInvalidState)
}

func TestNamespace_CreateLookupReadDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	dir, err := fs.Mkdir(ctx, inode.RootIno, "docs", 0o755, Owner{UID: 1000, GID: 100})
	require.NoError(t, err)
	file, err := fs.Create(ctx, dir, "a.txt", 0o644, Owner{UID: 1000, GID: 100})
	require.NoError(t, err)

	got, err := fs.Lookup(dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, file, got)

	_, err = fs.Lookup(dir, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Create(ctx, dir, "a.txt", 0o644, Owner{})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = fs.Create(ctx, file, "x", 0o644, Owner{})
	assert.ErrorIs(t, err, ErrNotDirectory)
	_, err = fs.Create(ctx, dir, string(bytes.Repeat([]byte("n"), inode.MaxNameLen+1)), 0o644, Owner{})
	assert.ErrorIs(t, err, ErrNameTooLong)

	root, err := fs.GetAttr(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), root.Links)

	in, err := fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(inode.ModeRegular|0o644), in.Mode)
	assert.Equal(t, uint32(1000), in.UID)
	assert.Equal(t, uint16(1), in.Links)

	entries, err := fs.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "a.txt", Ino: file}}, entries)

	requireCheckOK(t, fs)
}

func TestNamespace_DirectoryGrowsPastOneBlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	per := int(inode.DentriesPerBlock(fs.Geometry()))
	for i := 0; i < per+3; i++ {
		_, err := fs.Create(ctx, inode.RootIno, "f"+string(rune('a'+i%26))+string(rune('a'+i/26)), 0o644, Owner{})
		require.NoError(t, err)
	}

	entries, err := fs.ReadDir(inode.RootIno)
	require.NoError(t, err)
	assert.Len(t, entries, per+3)

	blocks, err := fs.Blocks(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, blocks)

	root, err := fs.GetAttr(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, 2*fs.Geometry().BlockPayload(), root.Size)
}

func TestNamespace_LinkUnlink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "one", 0o644, Owner{})
	require.NoError(t, err)
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("payload")))
	require.NoError(t, fs.Link(ctx, file, inode.RootIno, "two"))

	in, err := fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), in.Links)

	require.NoError(t, fs.Unlink(ctx, inode.RootIno, "one"))
	in, err = fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), in.Links)

	valid := fs.Stats().Blocks.Valid
	require.NoError(t, fs.Unlink(ctx, inode.RootIno, "two"))
	_, err = fs.GetAttr(file)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, valid-1, fs.Stats().Blocks.Valid)

	assert.ErrorIs(t, fs.Unlink(ctx, inode.RootIno, "two"), ErrNotFound)
	requireCheckOK(t, fs)
}

func TestNamespace_UnlinkDirectory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	dir, err := fs.Mkdir(ctx, inode.RootIno, "d", 0o755, Owner{})
	require.NoError(t, err)
	_, err = fs.Create(ctx, dir, "f", 0o644, Owner{})
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Unlink(ctx, inode.RootIno, "d"), ErrNotEmpty)
	require.NoError(t, fs.Unlink(ctx, dir, "f"))
	require.NoError(t, fs.Unlink(ctx, inode.RootIno, "d"))

	root, err := fs.GetAttr(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), root.Links)
	assert.False(t, fs.inodes.IsValid(dir))
	requireCheckOK(t, fs)
}

func TestNamespace_Rename(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	a, err := fs.Mkdir(ctx, inode.RootIno, "a", 0o755, Owner{})
	require.NoError(t, err)
	b, err := fs.Mkdir(ctx, inode.RootIno, "b", 0o755, Owner{})
	require.NoError(t, err)
	sub, err := fs.Mkdir(ctx, a, "sub", 0o755, Owner{})
	require.NoError(t, err)
	file, err := fs.Create(ctx, a, "f", 0o644, Owner{})
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, a, "f", b, "g"))
	_, err = fs.Lookup(a, "f")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := fs.Lookup(b, "g")
	require.NoError(t, err)
	assert.Equal(t, file, got)

	require.NoError(t, fs.Rename(ctx, a, "sub", b, "sub"))
	aAttr, err := fs.GetAttr(a)
	require.NoError(t, err)
	bAttr, err := fs.GetAttr(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), aAttr.Links)
	assert.Equal(t, uint16(3), bAttr.Links)

	err = fs.Rename(ctx, inode.RootIno, "b", sub, "loop")
	assert.ErrorIs(t, err, pmerr.ErrInvalidArgument)

	_, err = fs.Create(ctx, b, "h", 0o644, Owner{})
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Rename(ctx, b, "g", b, "h"), ErrAlreadyExists)
	require.NoError(t, fs.Rename(ctx, b, "g", b, "g"))

	requireCheckOK(t, fs)
}

func TestSymlink_Readlink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	ino, err := fs.Symlink(ctx, inode.RootIno, "link", "/target/path", Owner{})
	require.NoError(t, err)

	target, err := fs.Readlink(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", target)

	in, err := fs.GetAttr(ino)
	require.NoError(t, err)
	assert.True(t, in.IsSymlink())
	assert.Equal(t, uint64(len("/target/path")), in.Size)

	_, err = fs.Readlink(ctx, inode.RootIno)
	assert.ErrorIs(t, err, ErrNotSymlink)

	fs2 := reopen(t, r)
	target, err = fs2.Readlink(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", target)
}

func TestData_WriteReadOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)
	payload := fs.Geometry().BlockPayload()

	file, err := fs.Create(ctx, inode.RootIno, "data", 0o644, Owner{})
	require.NoError(t, err)

	require.NoError(t, fs.WriteBlock(ctx, file, 2, []byte("third")))
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("first")))

	hole, err := fs.ReadBlock(ctx, file, 1)
	require.NoError(t, err)
	assert.Nil(t, hole)

	in, err := fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, 2*payload+5, in.Size)

	valid := fs.Stats().Blocks.Valid
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("FIRST!")))
	assert.Equal(t, valid, fs.Stats().Blocks.Valid)

	got, err := fs.ReadBlock(ctx, file, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("FIRST!"), got)

	var order []uint64
	require.NoError(t, fs.Headers().Walk(file, func(_ pmem.Offset, h meta.Header) error {
		order = append(order, h.FileBlock)
		return nil
	}))
	assert.Equal(t, []uint64{0, 2}, order)

	err = fs.WriteBlock(ctx, file, 0, make([]byte, payload+1))
	assert.ErrorIs(t, err, pmerr.ErrInvalidArgument)
	assert.ErrorIs(t, fs.WriteBlock(ctx, inode.RootIno, 0, []byte("x")), ErrIsDirectory)

	requireCheckOK(t, fs)
}

func TestData_Truncate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)
	payload := fs.Geometry().BlockPayload()

	file, err := fs.Create(ctx, inode.RootIno, "big", 0o644, Owner{})
	require.NoError(t, err)
	full := bytes.Repeat([]byte{0xAB}, int(payload))
	for fblk := uint64(0); fblk < 4; fblk++ {
		require.NoError(t, fs.WriteBlock(ctx, file, fblk, full))
	}

	require.NoError(t, fs.Truncate(ctx, file, payload+10))

	blocks, err := fs.Blocks(file)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, blocks)

	tail, err := fs.ReadBlock(ctx, file, 1)
	require.NoError(t, err)
	assert.Len(t, tail, 10)

	in, err := fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, payload+10, in.Size)

	require.NoError(t, fs.Truncate(ctx, file, 0))
	blocks, err = fs.Blocks(file)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	requireCheckOK(t, fs)
}

func TestRemount_RebuildsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	dir, err := fs.Mkdir(ctx, inode.RootIno, "d", 0o755, Owner{})
	require.NoError(t, err)
	file, err := fs.Create(ctx, dir, "f", 0o600, Owner{UID: 7})
	require.NoError(t, err)
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("zero")))
	require.NoError(t, fs.WriteBlock(ctx, file, 3, []byte("three")))
	mode := uint16(0o640)
	_, err = fs.SetAttr(ctx, file, attrlog.SetAttr{Mode: &mode})
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx))

	fs2 := reopen(t, pmem.Remap(r))

	got, err := fs2.Lookup(dir, "f")
	require.NoError(t, err)
	assert.Equal(t, file, got)

	data, err := fs2.ReadBlock(ctx, file, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), data)

	in, err := fs2.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(inode.ModeRegular|0o640), in.Mode)
	assert.Equal(t, uint32(7), in.UID)

	before := fs.Stats()
	after := fs2.Stats()
	assert.Equal(t, before.Blocks.Valid, after.Blocks.Valid)
	assert.Equal(t, before.Inodes, after.Inodes)

	// New objects must not collide with rebuilt ones.
	other, err := fs2.Create(ctx, dir, "g", 0o644, Owner{})
	require.NoError(t, err)
	assert.NotEqual(t, file, other)
	require.NoError(t, fs2.WriteBlock(ctx, other, 0, []byte("new")))
	requireCheckOK(t, fs2)
}

func TestRecovery_RollsBackUncommittedCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	slot, err := fs.freeDentry(ctx, inode.RootIno)
	require.NoError(t, err)
	ino, err := fs.inodes.Allocate()
	require.NoError(t, err)
	pi, _ := fs.inodes.Offset(ino)
	ppar, _ := fs.inodes.Offset(inode.RootIno)

	_, err = fs.journal.Start(ctx, journal.OpCreate, pi, slot, ppar)
	require.NoError(t, err)
	require.NoError(t, fs.inodes.Commit(inode.ICP{Ino: ino, Mode: inode.ModeRegular | 0o644, Links: 1}))
	// Power fails before the dentry is published.

	fs2 := reopen(t, r)
	assert.False(t, fs2.inodes.IsValid(ino))
	assert.Empty(t, mustReadDir(t, fs2, inode.RootIno))
	assert.Zero(t, fs2.Journal().InFlight())

	txs, err := fs2.Journal().InDoubt()
	require.NoError(t, err)
	assert.Empty(t, txs)
	requireCheckOK(t, fs2)
}

func TestRecovery_KeepsCommittedCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	slot, err := fs.freeDentry(ctx, inode.RootIno)
	require.NoError(t, err)
	ino, err := fs.inodes.Allocate()
	require.NoError(t, err)
	pi, _ := fs.inodes.Offset(ino)
	ppar, _ := fs.inodes.Offset(inode.RootIno)

	_, err = fs.journal.Start(ctx, journal.OpMkdir, pi, slot, ppar)
	require.NoError(t, err)
	require.NoError(t, fs.inodes.Commit(inode.ICP{Ino: ino, Mode: inode.ModeDir | 0o755, Links: 2}))
	require.NoError(t, inode.WriteDentry(r, slot, ino, 1, "kept"))
	// Power fails before the parent's link count is bumped.

	fs2 := reopen(t, r)
	got, err := fs2.Lookup(inode.RootIno, "kept")
	require.NoError(t, err)
	assert.Equal(t, ino, got)

	root, err := fs2.GetAttr(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), root.Links)
}

func TestRecovery_RollsRenameForward(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "old", 0o644, Owner{})
	require.NoError(t, err)
	oslot, _, ok, err := fs.lookup(inode.RootIno, "old")
	require.NoError(t, err)
	require.True(t, ok)
	nslot, err := fs.freeDentry(ctx, inode.RootIno)
	require.NoError(t, err)

	pi, _ := fs.inodes.Offset(file)
	proot, _ := fs.inodes.Offset(inode.RootIno)
	_, err = fs.journal.Start(ctx, journal.OpRename, pi, oslot, nslot, proot, proot)
	require.NoError(t, err)
	require.NoError(t, inode.WriteDentry(r, nslot, file, 99, "new"))
	// Power fails with both names valid.

	fs2 := reopen(t, r)
	_, err = fs2.Lookup(inode.RootIno, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := fs2.Lookup(inode.RootIno, "new")
	require.NoError(t, err)
	assert.Equal(t, file, got)

	in, err := fs2.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), in.Links)
}

func TestRecovery_UnlinkEvictsUnreferenced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "doomed", 0o644, Owner{})
	require.NoError(t, err)
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("bytes")))
	slot, _, _, err := fs.lookup(inode.RootIno, "doomed")
	require.NoError(t, err)

	pi, _ := fs.inodes.Offset(file)
	proot, _ := fs.inodes.Offset(inode.RootIno)
	_, err = fs.journal.Start(ctx, journal.OpUnlink, pi, slot, proot)
	require.NoError(t, err)
	inode.InvalidateDentry(r, slot)
	// Power fails before the inode is released.

	fs2 := reopen(t, r)
	assert.False(t, fs2.inodes.IsValid(file))
	assert.Zero(t, fs2.Stats().Blocks.Valid-dirBlocks(t, fs2))
	requireCheckOK(t, fs2)
}

func TestOpen_KeepsNewestDuplicateBlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "f", 0o644, Owner{})
	require.NoError(t, err)
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("old")))

	// Publish a replacement in front of the old block, then fail before
	// the old one is invalidated.
	f, err := fs.fileOf(file)
	require.NoError(t, err)
	old := f.index.Get(0)
	blk, err := fs.alloc.Allocate(0)
	require.NoError(t, err)
	addr := fs.Geometry().BlockOffset(blk)
	r.Store(addr, []byte("new"))
	require.NoError(t, fs.meta.Validate(meta.RootRef, addr, meta.BlockRef(old), file, 0, fs.clock.Next(), 3, 0))

	fs2 := reopen(t, r)
	data, err := fs2.ReadBlock(ctx, file, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)

	h, err := fs2.Headers().Read(old)
	require.NoError(t, err)
	assert.False(t, h.Valid)
	requireCheckOK(t, fs2)
}

func TestOpen_DiscardsOrphanHeaders(t *testing.T) {
	t.Parallel()

	fs, r := formatFS(t)

	blk, err := fs.alloc.Allocate(0)
	require.NoError(t, err)
	addr := fs.Geometry().BlockOffset(blk)
	require.NoError(t, fs.meta.Validate(meta.RootRef, addr, meta.RootRef, 42, 0, fs.clock.Next(), 1, 0))

	fs2 := reopen(t, r)
	h, err := fs2.Headers().Read(addr)
	require.NoError(t, err)
	assert.False(t, h.Valid)
	assert.Zero(t, fs2.Stats().Blocks.Valid)
}

func TestOpen_FailsOnCorruptHeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "f", 0o644, Owner{})
	require.NoError(t, err)
	require.NoError(t, fs.WriteBlock(ctx, file, 0, []byte("data")))

	f, err := fs.fileOf(file)
	require.NoError(t, err)
	hdr, err := fs.meta.HeaderByAddr(f.index.Get(0))
	require.NoError(t, err)
	r.PutUint64(hdr+24, 77) // file block, covered by the checksum

	_, err = Open(ctx, r, testOptions())
	assert.ErrorIs(t, err, pmerr.ErrConsistency)
}

func TestData_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	const files, blocks = 4, 8
	inos := make([]uint64, files)
	for i := range inos {
		ino, err := fs.Create(ctx, inode.RootIno, "w"+string(rune('0'+i)), 0o644, Owner{})
		require.NoError(t, err)
		inos[i] = ino
	}

	var wg sync.WaitGroup
	errs := make(chan error, files*blocks)
	for i, ino := range inos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wctx := journal.WithCPU(ctx, i)
			for b := uint64(0); b < blocks; b++ {
				if err := fs.WriteBlock(wctx, ino, b, []byte{byte(i), byte(b)}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i, ino := range inos {
		for b := uint64(0); b < blocks; b++ {
			data, err := fs.ReadBlock(ctx, ino, b)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i), byte(b)}, data)
		}
	}
	requireCheckOK(t, fs)
}

func mustReadDir(t *testing.T, fs *FS, ino uint64) []DirEntry {
	t.Helper()
	entries, err := fs.ReadDir(ino)
	require.NoError(t, err)
	return entries
}

// dirBlocks counts the blocks held by directories.
func dirBlocks(t *testing.T, fs *FS) uint64 {
	t.Helper()
	var n uint64
	require.NoError(t, fs.inodes.Scan(func(in inode.Inode) error {
		if in.IsDir() {
			blocks, err := fs.Blocks(in.Ino)
			if err != nil {
				return err
			}
			n += uint64(len(blocks))
		}
		return nil
	}))
	return n
}

func TestInspect_SeesInDoubtSlotsUntilOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, r := formatFS(t)

	slot, err := fs.freeDentry(ctx, inode.RootIno)
	require.NoError(t, err)
	ino, err := fs.inodes.Allocate()
	require.NoError(t, err)
	pi, _ := fs.inodes.Offset(ino)
	ppar, _ := fs.inodes.Offset(inode.RootIno)
	_, err = fs.journal.Start(ctx, journal.OpCreate, pi, slot, ppar)
	require.NoError(t, err)

	view, err := Inspect(ctx, r, testOptions())
	require.NoError(t, err)
	txs, err := view.Journal().InDoubt()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, journal.OpCreate, txs[0].Op)
	assert.False(t, view.Recovery().WasClean)

	_, err = view.Create(ctx, inode.RootIno, "nope", 0o644, Owner{})
	assert.ErrorIs(t, err, pmerr.ErrInvalidState)
	require.NoError(t, view.Close(ctx))

	sb, err := layout.ReadSuperblock(r)
	require.NoError(t, err)
	assert.False(t, sb.Clean, "closing an inspection must not mark the region clean")

	fs2 := reopen(t, r)
	rep := fs2.Recovery()
	assert.Equal(t, 1, rep.Transactions)
	assert.False(t, rep.WasClean)
	requireCheckOK(t, fs2)
}

func TestCheck_ConcurrentWithWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	ino, err := fs.Create(ctx, inode.RootIno, "busy", 0o644, Owner{})
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		for i := uint64(0); ; i++ {
			select {
			case <-stop:
				done <- nil
				return
			default:
			}
			if err := fs.WriteBlock(ctx, ino, i%8, []byte{byte(i)}); err != nil {
				done <- err
				return
			}
		}
	}()

	for range 50 {
		report, err := fs.Check(ctx)
		require.NoError(t, err)
		require.True(t, report.OK(), "problems: %v", report.Problems)
	}
	close(stop)
	require.NoError(t, <-done)

	assert.False(t, fs.Stats().ReadOnly)
	requireCheckOK(t, fs)
}

func TestData_ConcurrentWritersKeepLargestSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	ino, err := fs.Create(ctx, inode.RootIno, "shared", 0o644, Owner{})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for b := range uint64(writers) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fs.WriteBlock(ctx, ino, b, []byte{byte(b)}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	in, err := fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, (writers-1)*fs.Geometry().BlockPayload()+1, in.Size)
}

func TestNamespace_TransactionsCheckpointAttrLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	file, err := fs.Create(ctx, inode.RootIno, "one", 0o644, Owner{})
	require.NoError(t, err)
	require.NoError(t, fs.Link(ctx, file, inode.RootIno, "two"))

	_, linkRef, ok := fs.AttrLog().Live(file, attrlog.KindLinkChange)
	require.True(t, ok)
	_, dirRef, ok := fs.AttrLog().Live(inode.RootIno, attrlog.KindSetAttr)
	require.True(t, ok)

	require.NoError(t, fs.Link(ctx, file, inode.RootIno, "three"))

	// The record holds the state the second link started from.
	rec, err := fs.Inodes().Get(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rec.Links)
	assert.Equal(t, linkRef, rec.TxLinkChangeEntry)

	root, err := fs.Inodes().Get(inode.RootIno)
	require.NoError(t, err)
	assert.Equal(t, dirRef, root.TxAttrEntry)

	in, err := fs.GetAttr(file)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), in.Links)
	requireCheckOK(t, fs)
}

func TestUnlink_ReclaimsChainBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, _ := formatFS(t)

	ino, err := fs.Create(ctx, inode.RootIno, "doomed", 0o644, Owner{})
	require.NoError(t, err)
	for b := range uint64(3) {
		require.NoError(t, fs.WriteBlock(ctx, ino, b, []byte("x")))
	}

	var addrs []pmem.Offset
	require.NoError(t, fs.Headers().Walk(ino, func(addr pmem.Offset, _ meta.Header) error {
		addrs = append(addrs, addr)
		return nil
	}))
	require.Len(t, addrs, 3)

	before := fs.Stats().Blocks
	require.NoError(t, fs.Unlink(ctx, inode.RootIno, "doomed"))
	after := fs.Stats().Blocks

	assert.Equal(t, before.Valid-3, after.Valid)
	assert.Equal(t, before.Invalidated+3, after.Invalidated)
	assert.Equal(t, before.Free+3, after.Free)
	for _, addr := range addrs {
		h, err := fs.Headers().Read(addr)
		require.NoError(t, err)
		assert.False(t, h.Valid)
	}
	_, ok := fs.Headers().Roots().Get(ino)
	assert.False(t, ok)
	requireCheckOK(t, fs)
}

func TestCreate_LogsUnderOperationAndSlot(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "DEBUG", "json", false)
	t.Cleanup(func() { logger.InitWithWriter(os.Stderr, "INFO", "text", false) })

	fs, _ := formatFS(t)
	ino, err := fs.Create(context.Background(), inode.RootIno, "a.txt", 0o644, Owner{})
	require.NoError(t, err)

	var committed map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] == "create committed" {
			committed = entry
		}
	}
	require.NotNil(t, committed, buf.String())
	assert.Equal(t, "create", committed[logger.KeyOperation])
	assert.Equal(t, float64(ino), committed[logger.KeyIno])
	assert.Contains(t, committed, logger.KeyTxID)
}
