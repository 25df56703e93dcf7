// Package seqno implements per-shard sequence-number and checkpoint
// tracking: the primary assigns a monotonically increasing
// seq-no to every accepted operation, tracks how far each in-sync copy has
// applied contiguously (its local checkpoint), and derives a global
// checkpoint as the minimum local checkpoint across all in-sync copies.
//
// The global checkpoint is a durability watermark: replaying the translog
// up to it is guaranteed to reconstruct a consistent view on every in-sync
// copy, which is what makes it safe to truncate the translog below that
// point and what recovery uses to decide how much history it needs.
package seqno

import (
	"sync"

	"github.com/dreamware/shardcore/internal/cluster"
)

// UnassignedSeqNo is the sentinel meaning "no seq-no has been assigned yet".
const UnassignedSeqNo int64 = -2

// NoOpsPerformed is the checkpoint value for a shard that has not applied
// any operation yet.
const NoOpsPerformed int64 = -1

// Service tracks local checkpoints per in-sync allocation and computes the
// global checkpoint for one shard. Seq-nos may complete out of order (two
// concurrent writers can finish in either order); the local checkpoint only
// ever advances over a contiguous run, so completedOutOfOrder remembers
// seq-nos that finished ahead of the checkpoint until the gap closes.
//
// The zero value is not usable; construct with New.
type Service struct {
	allocationCheckpoints map[cluster.AllocationID]int64
	completedOutOfOrder   map[int64]bool

	mu sync.Mutex

	nextSeqNo        int64 // next ticket GenerateSeqNo will hand out
	localCheckpoint  int64 // highest contiguously-completed seq-no
	globalCheckpoint int64 // min(in-sync local checkpoints)
}

// New returns a Service with no operations applied yet.
func New() *Service {
	return &Service{
		nextSeqNo:             0,
		localCheckpoint:       NoOpsPerformed,
		globalCheckpoint:      NoOpsPerformed,
		allocationCheckpoints: make(map[cluster.AllocationID]int64),
		completedOutOfOrder:   make(map[int64]bool),
	}
}

// GenerateSeqNo hands out the next seq-no ticket for this shard. Only the
// primary calls this, while holding a primary operation permit; tickets are
// strictly increasing and never reused.
func (s *Service) GenerateSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextSeqNo
	s.nextSeqNo++
	return n
}

// MarkSeqNoAsCompleted records that seqNo has finished applying locally
// (engine + translog both durable for it) and advances the local checkpoint
// over any now-contiguous run. Safe to call out of order.
func (s *Service) MarkSeqNoAsCompleted(seqNo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seqNo != s.localCheckpoint+1 {
		s.completedOutOfOrder[seqNo] = true
		return
	}

	s.localCheckpoint = seqNo
	for s.completedOutOfOrder[s.localCheckpoint+1] {
		s.localCheckpoint++
		delete(s.completedOutOfOrder, s.localCheckpoint)
	}
}

// LocalCheckpoint returns this copy's own highest contiguously-applied
// seq-no.
func (s *Service) LocalCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCheckpoint
}

// GlobalCheckpoint returns the current global checkpoint. Monotone
// non-decreasing by construction: it is only ever set to the min of
// tracked in-sync local checkpoints, each of which is itself monotone.
func (s *Service) GlobalCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalCheckpoint
}

// UpdateLocalCheckpointForShard records the local checkpoint a replica
// reported for allocationID and recomputes the global checkpoint. Called on
// the primary upon every replica ack. Returns true if the
// global checkpoint advanced, so the caller can fire the
// global-checkpoint-sync RPC.
func (s *Service) UpdateLocalCheckpointForShard(allocationID cluster.AllocationID, checkpoint int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.allocationCheckpoints[allocationID]; ok && checkpoint <= existing {
		return false
	}
	s.allocationCheckpoints[allocationID] = checkpoint

	return s.recomputeGlobalCheckpointLocked()
}

// MarkAllocationIDAsInSync starts tracking allocationID for global
// checkpoint computation, called once a replica's recovery has proven it is
// caught up. The new copy starts at NoOpsPerformed so it cannot
// spuriously raise the global checkpoint before it has actually applied
// anything.
func (s *Service) MarkAllocationIDAsInSync(allocationID cluster.AllocationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocationCheckpoints[allocationID]; !ok {
		s.allocationCheckpoints[allocationID] = NoOpsPerformed
	}
}

// UpdateGlobalCheckpointOnReplica applies a global checkpoint value the
// primary forwarded to a replica. Never decreases the tracked value (spec
// invariant 6 in §8: globalCheckpoint never decreases).
func (s *Service) UpdateGlobalCheckpointOnReplica(checkpoint int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if checkpoint > s.globalCheckpoint {
		s.globalCheckpoint = checkpoint
	}
}

// UpdateAllocationIDsFromMaster reconciles the tracked in-sync set with the
// authoritative active/initializing sets from cluster state: allocations no
// longer present are dropped, new active allocations are seeded at
// NoOpsPerformed, and the global checkpoint is recomputed over the
// remaining set.
func (s *Service) UpdateAllocationIDsFromMaster(active []cluster.AllocationID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[cluster.AllocationID]bool, len(active))
	for _, id := range active {
		keep[id] = true
		if _, ok := s.allocationCheckpoints[id]; !ok {
			s.allocationCheckpoints[id] = NoOpsPerformed
		}
	}
	for id := range s.allocationCheckpoints {
		if !keep[id] {
			delete(s.allocationCheckpoints, id)
		}
	}
	s.recomputeGlobalCheckpointLocked()
}

// InSyncCheckpoints returns a snapshot of the tracked per-allocation local
// checkpoints, safe for the caller to retain.
func (s *Service) InSyncCheckpoints() map[cluster.AllocationID]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[cluster.AllocationID]int64, len(s.allocationCheckpoints))
	for id, cp := range s.allocationCheckpoints {
		out[id] = cp
	}
	return out
}

// recomputeGlobalCheckpointLocked sets globalCheckpoint to the minimum
// tracked in-sync checkpoint, never letting it decrease or exceed that
// minimum (spec invariant 6). Caller must hold s.mu.
func (s *Service) recomputeGlobalCheckpointLocked() bool {
	if len(s.allocationCheckpoints) == 0 {
		return false
	}

	min := int64(1<<63 - 1)
	for _, cp := range s.allocationCheckpoints {
		if cp < min {
			min = cp
		}
	}

	if min > s.globalCheckpoint {
		s.globalCheckpoint = min
		return true
	}
	return false
}
