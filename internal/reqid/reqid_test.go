package reqid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertStartsAtOne(t *testing.T) {
	tbl := New[string](0)

	id, err := tbl.Insert("a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	id, err = tbl.Insert("b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	v, ok := tbl.Find(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestIdsAreNotReusedImmediately(t *testing.T) {
	tbl := New[int](0)

	id1, _ := tbl.Insert(1)
	require.True(t, tbl.Remove(id1))
	id2, _ := tbl.Insert(2)

	assert.NotEqual(t, id1, id2, "ids increase monotonically until wraparound")
	assert.False(t, tbl.Remove(id1))
}

func TestWraparoundNeverReturnsZero(t *testing.T) {
	tbl := New[int](0)
	tbl.seek(math.MaxUint32 - 2)

	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		id, err := tbl.Insert(i)
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
		if i%2 == 0 {
			tbl.Remove(id)
		}
	}
	assert.True(t, seen[math.MaxUint32])
	assert.True(t, seen[1], "allocation wraps past zero to one")
}

func TestWraparoundSkipsLiveIds(t *testing.T) {
	tbl := New[int](0)
	first, _ := tbl.Insert(0) // 1 stays live
	tbl.seek(math.MaxUint32)

	a, err := tbl.Insert(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), a)

	b, err := tbl.Insert(2)
	require.NoError(t, err)
	assert.NotEqual(t, first, b)
	assert.Equal(t, uint32(2), b)
}

func TestLimitExhaustion(t *testing.T) {
	tbl := New[int](2)

	_, err := tbl.Insert(1)
	require.NoError(t, err)
	_, err = tbl.Insert(2)
	require.NoError(t, err)

	_, err = tbl.Insert(3)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, tbl.Len())
}
