package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCache_UpdateAndSnapshot(t *testing.T) {
	cache := NewRegisterCache()

	gen, changed := cache.UpdateBlock(0, 100, []uint16{1, 2, 3})
	assert.True(t, changed)
	assert.Equal(t, uint64(1), gen)

	values, ok := cache.Snapshot(0, 100)
	require.True(t, ok)
	assert.Equal(t, []uint16{1, 2, 3}, values)
}

func TestRegisterCache_SnapshotIsDefensiveCopy(t *testing.T) {
	cache := NewRegisterCache()
	cache.UpdateBlock(0, 100, []uint16{1, 2, 3})

	values, _ := cache.Snapshot(0, 100)
	values[0] = 999

	again, _ := cache.Snapshot(0, 100)
	assert.Equal(t, uint16(1), again[0])
}

func TestRegisterCache_UnchangedBlockDoesNotBumpGeneration(t *testing.T) {
	cache := NewRegisterCache()

	gen1, changed1 := cache.UpdateBlock(0, 100, []uint16{5, 6})
	assert.True(t, changed1)

	gen2, changed2 := cache.UpdateBlock(0, 100, []uint16{5, 6})
	assert.False(t, changed2)
	assert.Equal(t, gen1, gen2)
}

func TestRegisterCache_ChangedValueBumpsGeneration(t *testing.T) {
	cache := NewRegisterCache()

	gen1, _ := cache.UpdateBlock(0, 100, []uint16{5, 6})
	gen2, changed := cache.UpdateBlock(0, 100, []uint16{5, 7})
	assert.True(t, changed)
	assert.Greater(t, gen2, gen1)
}

func TestRegisterCache_Value(t *testing.T) {
	cache := NewRegisterCache()
	cache.UpdateBlock(1, 50, []uint16{11, 22, 33})

	v, ok := cache.Value(1, 50, 52)
	require.True(t, ok)
	assert.Equal(t, uint16(33), v)

	_, ok = cache.Value(1, 50, 99)
	assert.False(t, ok)
}

func TestRegisterCache_MissingBlock(t *testing.T) {
	cache := NewRegisterCache()
	_, ok := cache.Snapshot(9, 9)
	assert.False(t, ok)

	_, ok = cache.LastReadAt(9, 9)
	assert.False(t, ok)
}
