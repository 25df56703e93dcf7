package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(numShards int) *ShardRegistry {
	return NewShardRegistry(numShards, "docs", "uuid-1")
}

func TestNewShardRegistry(t *testing.T) {
	for _, numShards := range []int{1, 4, 100} {
		registry := newTestRegistry(numShards)
		require.NotNil(t, registry)
		assert.Equal(t, numShards, registry.NumShards())
		assert.Empty(t, registry.GetNodeShards("anyone"))
	}
}

func TestAssignPrimary(t *testing.T) {
	t.Run("assign primary to node", func(t *testing.T) {
		registry := newTestRegistry(4)

		routing, term, err := registry.AssignPrimary(0, "node1")
		require.NoError(t, err)
		assert.Equal(t, "node1", routing.Node)
		assert.True(t, routing.Primary)
		assert.Equal(t, uint64(1), term)

		got, ok := registry.GetPrimary(0)
		require.True(t, ok)
		assert.Equal(t, "node1", got.Node)
	})

	t.Run("reassign bumps primary term", func(t *testing.T) {
		registry := newTestRegistry(4)

		_, term1, err := registry.AssignPrimary(0, "node1")
		require.NoError(t, err)
		_, term2, err := registry.AssignPrimary(0, "node2")
		require.NoError(t, err)

		assert.Greater(t, term2, term1)
		got, ok := registry.GetPrimary(0)
		require.True(t, ok)
		assert.Equal(t, "node2", got.Node)
	})

	t.Run("invalid shard ID", func(t *testing.T) {
		registry := newTestRegistry(4)
		_, _, err := registry.AssignPrimary(5, "node1")
		require.Error(t, err)
		_, _, err = registry.AssignPrimary(-1, "node1")
		require.Error(t, err)
	})

	t.Run("empty node ID", func(t *testing.T) {
		registry := newTestRegistry(4)
		_, _, err := registry.AssignPrimary(0, "")
		require.Error(t, err)
	})
}

func TestAssignReplica(t *testing.T) {
	registry := newTestRegistry(4)
	_, _, err := registry.AssignPrimary(0, "node1")
	require.NoError(t, err)

	routing, err := registry.AssignReplica(0, "node2")
	require.NoError(t, err)
	assert.False(t, routing.Primary)

	assert.Equal(t, []string{"node2"}, registry.GetReplicaNodes(0))
}

func TestGetShardForKey(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
		key       string
	}{
		{"single shard gets all keys", 1, "any-key"},
		{"key distribution with 4 shards", 4, "test-key"},
		{"empty key", 4, ""},
		{"very long key", 8, "this-is-a-very-long-key-that-should-still-hash-correctly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry(tt.numShards)
			shardID := registry.GetShardForKey(tt.key)
			assert.GreaterOrEqual(t, shardID, 0)
			assert.Less(t, shardID, tt.numShards)
			for i := 0; i < 10; i++ {
				assert.Equal(t, shardID, registry.GetShardForKey(tt.key))
			}
		})
	}

	t.Run("key distribution", func(t *testing.T) {
		registry := newTestRegistry(4)
		shardCounts := make(map[int]int)
		numKeys := 1000
		for i := 0; i < numKeys; i++ {
			shardCounts[registry.GetShardForKey(fmt.Sprintf("key-%d", i))]++
		}
		for shardID := 0; shardID < 4; shardID++ {
			count := shardCounts[shardID]
			assert.NotZero(t, count)
			assert.GreaterOrEqual(t, count, numKeys/8)
			assert.LessOrEqual(t, count, numKeys*3/8)
		}
	})
}

func TestGetNodeForKey(t *testing.T) {
	t.Run("get node for assigned shard", func(t *testing.T) {
		registry := newTestRegistry(4)
		_, _, err := registry.AssignPrimary(0, "node1")
		require.NoError(t, err)
		_, _, err = registry.AssignPrimary(1, "node2")
		require.NoError(t, err)

		var keyForShard0 string
		for i := 0; i < 1000; i++ {
			key := fmt.Sprintf("test-key-%d", i)
			if registry.GetShardForKey(key) == 0 {
				keyForShard0 = key
				break
			}
		}

		nodeID, err := registry.GetNodeForKey(keyForShard0)
		require.NoError(t, err)
		assert.Equal(t, "node1", nodeID)
	})

	t.Run("get node for unassigned shard", func(t *testing.T) {
		registry := newTestRegistry(4)
		_, err := registry.GetNodeForKey("some-key")
		require.Error(t, err)
	})
}

func TestGetNodeShards(t *testing.T) {
	registry := newTestRegistry(6)
	_, _, _ = registry.AssignPrimary(0, "node1")
	_, _, _ = registry.AssignPrimary(1, "node2")
	_, _, _ = registry.AssignPrimary(2, "node1")
	_, _, _ = registry.AssignPrimary(3, "node2")
	_, _ = registry.AssignReplica(4, "node1")
	_, _, _ = registry.AssignPrimary(5, "node3")

	shards := registry.GetNodeShards("node1")
	assert.ElementsMatch(t, []int{0, 2, 4}, shards)
	assert.Empty(t, registry.GetNodeShards("node4"))
}

func TestRemoveNode(t *testing.T) {
	registry := newTestRegistry(4)
	_, _, err := registry.AssignPrimary(0, "node1")
	require.NoError(t, err)

	orphaned := registry.RemoveNode("node1")
	assert.Equal(t, []int{0}, orphaned)

	_, ok := registry.GetPrimary(0)
	assert.False(t, ok)
}

func TestConcurrentOperations(t *testing.T) {
	t.Run("concurrent assignments", func(t *testing.T) {
		registry := newTestRegistry(100)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				registry.AssignPrimary(id%100, fmt.Sprintf("node%d", id%10))
			}(i)
		}
		wg.Wait()
		assert.NotEmpty(t, registry.GetNodeShards("node0"))
	})

	t.Run("concurrent reads", func(t *testing.T) {
		registry := newTestRegistry(10)
		for i := 0; i < 10; i++ {
			registry.AssignPrimary(i, fmt.Sprintf("node%d", i%3))
		}
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				key := fmt.Sprintf("key-%d", id)
				registry.GetShardForKey(key)
				registry.GetNodeForKey(key)
				registry.GetPrimary(id % 10)
			}(i)
		}
		wg.Wait()
	})
}

func TestRebalancePrimaries(t *testing.T) {
	t.Run("rebalance across nodes", func(t *testing.T) {
		registry := newTestRegistry(12)
		nodes := []string{"node1", "node2", "node3"}
		require.NoError(t, registry.RebalancePrimaries(nodes))

		for _, nodeID := range nodes {
			shards := registry.GetNodeShards(nodeID)
			assert.GreaterOrEqual(t, len(shards), 3)
			assert.LessOrEqual(t, len(shards), 5)
		}
	})

	t.Run("rebalance with no nodes", func(t *testing.T) {
		registry := newTestRegistry(4)
		err := registry.RebalancePrimaries(nil)
		require.Error(t, err)
	})
}
