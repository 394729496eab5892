package nodemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExplicitAssignment tests per-node assignments and copy semantics
func TestExplicitAssignment(t *testing.T) {
	m := NewStatic(0)
	m.Assign(2, "10.0.0.2:36462", "10.0.0.3:36462")

	addrs := m.Addresses(2)
	assert.Equal(t, []string{"10.0.0.2:36462", "10.0.0.3:36462"}, addrs)

	addrs[0] = "mutated"
	assert.Equal(t, "10.0.0.2:36462", m.Addresses(2)[0])

	assert.Empty(t, m.Addresses(99))
	assert.NotNil(t, m.Addresses(99))
}

// TestPartitionFallback tests hashing unknown nodes onto partitions
func TestPartitionFallback(t *testing.T) {
	m := NewStatic(4)
	for p := 0; p < 4; p++ {
		require.NoError(t, m.AssignPartition(p, "host-"+string(rune('a'+p))+":1"))
	}
	m.Assign(7, "explicit:1")

	assert.Equal(t, []string{"explicit:1"}, m.Addresses(7))

	for _, id := range []int64{1, 2, 3, 100, -5} {
		p := m.Partition(id)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
		assert.Equal(t, p, m.Partition(id), "partition is stable")
		assert.Len(t, m.Addresses(id), 1)
	}

	assert.Error(t, m.AssignPartition(4, "x:1"))
	assert.Error(t, m.AssignPartition(-1, "x:1"))
}

// TestIsLocal tests local node and partition ownership
func TestIsLocal(t *testing.T) {
	m := NewStatic(2)
	m.SetLocal(10)
	assert.True(t, m.IsLocal(10))

	id := int64(11)
	assert.False(t, m.IsLocal(id))
	require.NoError(t, m.SetLocalPartition(m.Partition(id)))
	assert.True(t, m.IsLocal(id))

	assert.Equal(t, -1, NewStatic(0).Partition(5))
	assert.False(t, NewStatic(0).IsLocal(5))
}

// TestValidate tests rejecting blank addresses
func TestValidate(t *testing.T) {
	m := NewStatic(1)
	m.Assign(1, "a:1")
	assert.NoError(t, m.Validate())

	m.Assign(2, "")
	assert.ErrorIs(t, m.Validate(), ErrEmptyAddress)
}
