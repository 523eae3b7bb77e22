package linix

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmem"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

func TestIndex_InsertGet(t *testing.T) {
	t.Parallel()

	ix, err := New(0, Config{})
	require.NoError(t, err)
	assert.Zero(t, ix.Capacity())
	assert.Zero(t, ix.Get(5), "empty index reads as holes")

	// Last insert for each index wins.
	rng := rand.New(rand.NewSource(1))
	want := make(map[uint64]pmem.Offset)
	for n := 0; n < 2000; n++ {
		i := uint64(rng.Intn(5000))
		off := pmem.Offset(rng.Int63n(1<<40) + 1)
		require.NoError(t, ix.Insert(i, off, true))
		want[i] = off
	}
	for i, off := range want {
		assert.Equal(t, off, ix.Get(i))
	}
}

func TestIndex_CapacityDoubles(t *testing.T) {
	t.Parallel()

	ix, err := New(0, Config{MinSlots: 4})
	require.NoError(t, err)

	require.NoError(t, ix.Insert(0, 1, true))
	assert.Equal(t, uint64(4), ix.Capacity())

	require.NoError(t, ix.Insert(4, 2, true))
	assert.Equal(t, uint64(8), ix.Capacity())

	require.NoError(t, ix.Insert(30, 3, true))
	assert.Equal(t, uint64(32), ix.Capacity())

	// Prior contents survive growth.
	assert.Equal(t, pmem.Offset(1), ix.Get(0))
	assert.Equal(t, pmem.Offset(2), ix.Get(4))
	assert.Zero(t, ix.Get(1_000_000))
}

func TestIndex_InsertWithoutExtend(t *testing.T) {
	t.Parallel()

	ix, err := New(8, Config{MinSlots: 8})
	require.NoError(t, err)

	err = ix.Insert(8, 0x1000, false)
	assert.ErrorIs(t, err, pmerr.ErrOutOfRange)
	assert.Equal(t, uint64(8), ix.Capacity())
}

func TestIndex_GrowthFailureLeavesStateIntact(t *testing.T) {
	t.Parallel()

	ix, err := New(4, Config{MinSlots: 4, MaxSlots: 16})
	require.NoError(t, err)
	require.NoError(t, ix.Insert(3, 0x40, false))

	err = ix.Insert(16, 0x80, true)
	assert.ErrorIs(t, err, pmerr.ErrNoSpace)
	assert.Equal(t, uint64(4), ix.Capacity())
	assert.Equal(t, pmem.Offset(0x40), ix.Get(3))

	require.NoError(t, ix.Insert(15, 0x80, true))
	assert.Equal(t, uint64(16), ix.Capacity())
}

func TestIndex_DeleteShrinks(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	ix, err := New(0, Config{MinSlots: 4, Metrics: m})
	require.NoError(t, err)

	for i := uint64(0); i < 16; i++ {
		require.NoError(t, ix.Insert(i, pmem.Offset(i+1)*64, true))
	}
	require.Equal(t, uint64(16), ix.Capacity())

	// Without shrink only the slot is cleared.
	require.NoError(t, ix.Delete(15, 14, false))
	assert.Zero(t, ix.Get(15))
	assert.Equal(t, uint64(16), ix.Capacity())

	// lastIndex+1 > capacity/2: no shrink.
	require.NoError(t, ix.Delete(14, 13, true))
	assert.Equal(t, uint64(16), ix.Capacity())

	for i := uint64(13); i >= 8; i-- {
		require.NoError(t, ix.Delete(i, i-1, true))
	}
	assert.Equal(t, uint64(8), ix.Capacity(), "halves once lastIndex+1 fits in half")

	for i := uint64(7); i >= 1; i-- {
		require.NoError(t, ix.Delete(i, i-1, true))
	}
	assert.Equal(t, uint64(4), ix.Capacity(), "never below the minimum")
	assert.Equal(t, pmem.Offset(64), ix.Get(0))

	series, err := testutil.GatherAndCount(registry, "pmeta_linix_resizes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "grow and shrink were both observed")
}

func TestIndex_DeleteOutOfRange(t *testing.T) {
	t.Parallel()

	ix, err := New(4, Config{MinSlots: 4})
	require.NoError(t, err)

	assert.ErrorIs(t, ix.Delete(4, 0, true), pmerr.ErrOutOfRange)
}

func TestIndex_LastAndRange(t *testing.T) {
	t.Parallel()

	ix, err := New(0, Config{})
	require.NoError(t, err)
	assert.Zero(t, ix.Last())

	require.NoError(t, ix.Insert(2, 0x100, true))
	require.NoError(t, ix.Insert(9, 0x200, true))
	assert.Equal(t, uint64(10), ix.Last())

	var seen []uint64
	ix.Range(func(i uint64, _ pmem.Offset) bool {
		seen = append(seen, i)
		return true
	})
	assert.Equal(t, []uint64{2, 9}, seen)

	ix.Destroy()
	assert.Zero(t, ix.Capacity())
	assert.Zero(t, ix.Get(2))
}

func TestIndex_AddressesSurviveRemap(t *testing.T) {
	t.Parallel()

	r := pmem.NewMemory(1 << 16)
	ix, err := New(0, Config{Region: r})
	require.NoError(t, err)

	a := r.FromOffset(0x2000)
	require.NoError(t, ix.InsertAddr(7, a, true))
	assert.Equal(t, a, ix.GetAddr(7))
	assert.Equal(t, pmem.Offset(0x2000), ix.Get(7))

	// The same slots resolved against a mapping at a different base.
	remapped := pmem.Remap(r)
	moved, err := New(0, Config{Region: remapped})
	require.NoError(t, err)
	require.NoError(t, moved.Insert(7, ix.Get(7), true))
	assert.Equal(t, remapped.FromOffset(0x2000), moved.GetAddr(7))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(0, Config{MinSlots: 128, MaxSlots: 64})
	assert.ErrorIs(t, err, pmerr.ErrInvalidArgument)

	_, err = New(1024, Config{MaxSlots: 512})
	assert.ErrorIs(t, err, pmerr.ErrNoSpace)
}
