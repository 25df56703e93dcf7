package seqno

import (
	"testing"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSeqNoMonotonic(t *testing.T) {
	s := New()
	for i := int64(0); i < 5; i++ {
		require.Equal(t, i, s.GenerateSeqNo())
	}
}

func TestMarkSeqNoAsCompletedContiguous(t *testing.T) {
	s := New()
	assert.Equal(t, NoOpsPerformed, s.LocalCheckpoint())

	s.MarkSeqNoAsCompleted(0)
	assert.Equal(t, int64(0), s.LocalCheckpoint())

	s.MarkSeqNoAsCompleted(1)
	assert.Equal(t, int64(1), s.LocalCheckpoint())
}

func TestMarkSeqNoAsCompletedOutOfOrder(t *testing.T) {
	s := New()

	// 1 completes before 0: checkpoint must not jump ahead of the gap.
	s.MarkSeqNoAsCompleted(1)
	assert.Equal(t, NoOpsPerformed, s.LocalCheckpoint())

	s.MarkSeqNoAsCompleted(0)
	assert.Equal(t, int64(1), s.LocalCheckpoint(), "checkpoint should jump to cover the now-contiguous run")
}

func TestGlobalCheckpointIsMinOfInSync(t *testing.T) {
	s := New()
	primary := cluster.NewAllocationID()
	replica := cluster.NewAllocationID()

	s.MarkAllocationIDAsInSync(primary)
	s.MarkAllocationIDAsInSync(replica)

	advanced := s.UpdateLocalCheckpointForShard(primary, 5)
	assert.False(t, advanced, "global checkpoint can't advance past the still-behind replica")
	assert.Equal(t, NoOpsPerformed, s.GlobalCheckpoint())

	advanced = s.UpdateLocalCheckpointForShard(replica, 3)
	assert.True(t, advanced)
	assert.Equal(t, int64(3), s.GlobalCheckpoint())

	// A stale (lower) report must not move anything backwards.
	advanced = s.UpdateLocalCheckpointForShard(replica, 2)
	assert.False(t, advanced)
	assert.Equal(t, int64(3), s.GlobalCheckpoint())
}

func TestGlobalCheckpointNeverDecreases(t *testing.T) {
	s := New()
	s.UpdateGlobalCheckpointOnReplica(10)
	assert.Equal(t, int64(10), s.GlobalCheckpoint())

	s.UpdateGlobalCheckpointOnReplica(5)
	assert.Equal(t, int64(10), s.GlobalCheckpoint(), "a replica must never let the global checkpoint regress")
}

func TestUpdateAllocationIDsFromMasterDropsStale(t *testing.T) {
	s := New()
	a := cluster.NewAllocationID()
	b := cluster.NewAllocationID()

	s.MarkAllocationIDAsInSync(a)
	s.MarkAllocationIDAsInSync(b)
	s.UpdateLocalCheckpointForShard(a, 4)
	s.UpdateLocalCheckpointForShard(b, 1)
	require.Equal(t, int64(1), s.GlobalCheckpoint())

	// b leaves the in-sync set; global checkpoint should now reflect only a.
	s.UpdateAllocationIDsFromMaster([]cluster.AllocationID{a})
	assert.Equal(t, int64(4), s.GlobalCheckpoint())

	checkpoints := s.InSyncCheckpoints()
	assert.Len(t, checkpoints, 1)
	assert.Contains(t, checkpoints, a)
}
