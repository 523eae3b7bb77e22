package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

func geometry(cpus int, blocks uint64) layout.Geometry {
	return layout.Geometry{CPUs: cpus, DataBlocks: blocks, BlockSize: 4096}
}

func TestNew_SplitsPerCPU(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(3, 10), nil)
	require.NoError(t, err)

	ls := a.Layouts()
	require.Len(t, ls, 3)
	assert.Equal(t, [2]uint64{0, 3}, [2]uint64{ls[0].Start, ls[0].End})
	assert.Equal(t, [2]uint64{3, 6}, [2]uint64{ls[1].Start, ls[1].End})
	assert.Equal(t, [2]uint64{6, 10}, [2]uint64{ls[2].Start, ls[2].End}, "last layout takes the remainder")

	l, err := a.LayoutOf(9)
	require.NoError(t, err)
	assert.Equal(t, 2, l.ID)

	_, err = a.LayoutOf(10)
	assert.ErrorIs(t, err, pmerr.ErrOutOfRange)

	_, err = New(geometry(4, 3), nil)
	assert.ErrorIs(t, err, pmerr.ErrInvalidArgument)
}

func TestAllocate_PrefersOwnLayoutThenFallsBack(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(2, 4), metrics.NewMetrics(nil))
	require.NoError(t, err)

	var got []uint64
	for i := 0; i < 4; i++ {
		blk, err := a.Allocate(1)
		require.NoError(t, err)
		got = append(got, blk)
	}
	assert.Equal(t, []uint64{2, 3, 0, 1}, got)

	_, err = a.Allocate(0)
	assert.ErrorIs(t, err, pmerr.ErrNoSpace)
}

func TestFree_MergesExtents(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(1, 8), nil)
	require.NoError(t, err)
	l := a.Layouts()[0]

	for i := 0; i < 8; i++ {
		_, err := a.Allocate(0)
		require.NoError(t, err)
	}
	assert.Zero(t, l.Gaps())

	require.NoError(t, a.Free(2))
	require.NoError(t, a.Free(4))
	assert.Equal(t, 2, l.Gaps())

	require.NoError(t, a.Free(3))
	assert.Equal(t, 1, l.Gaps(), "2..4 collapse into one extent")

	assert.ErrorIs(t, a.Free(3), pmerr.ErrInvalidState, "double free")

	blk, err := a.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), blk)
	assert.Equal(t, uint64(2), l.Indicators().Free)
}

func TestMarkUsed_CarvesExtent(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(1, 10), nil)
	require.NoError(t, err)
	l := a.Layouts()[0]

	require.NoError(t, a.MarkUsed(5))
	assert.Equal(t, 2, l.Gaps())
	assert.Equal(t, Indicators{Valid: 1, Free: 9}, l.Indicators())

	err = a.MarkUsed(5)
	assert.ErrorIs(t, err, pmerr.ErrConsistency)
}

func TestValidatedInvalidated_Indicators(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(2, 8), nil)
	require.NoError(t, err)

	blk, err := a.Allocate(0)
	require.NoError(t, err)
	a.Validated(blk)
	assert.Equal(t, uint64(1), a.Totals().Valid)

	require.NoError(t, a.Invalidated(blk))
	totals := a.Totals()
	assert.Zero(t, totals.Valid)
	assert.Equal(t, uint64(1), totals.Invalidated)
	assert.Equal(t, uint64(8), totals.Free)
}

func TestAllocate_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	a, err := New(geometry(4, 400), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for cpu := 0; cpu < 8; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				blk, err := a.Allocate(cpu)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[blk], "block %d handed out twice", blk)
				seen[blk] = true
				mu.Unlock()
			}
		}(cpu)
	}
	wg.Wait()

	assert.Len(t, seen, 400)
	assert.Zero(t, a.Totals().Free)
}
