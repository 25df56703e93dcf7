// Package coordinator implements the orchestration layer for this system's distributed storage system.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dreamware/shardcore/internal/cluster"
)

// shardGroup is the primary plus replica routing entries for one shard
// number, along with the primary term the coordinator has handed out for
// it. A shard number can outlive many allocations (each relocation or
// recovery mints a fresh AllocationID); the group always reflects the
// latest routing the coordinator has accepted.
type shardGroup struct {
	shardID     cluster.ShardId
	primary     *cluster.ShardRouting
	replicas    []*cluster.ShardRouting
	primaryTerm uint64
}

// ShardRegistry is the authoritative source for shard-to-node routing: it
// tracks which node holds the primary and which nodes hold replicas for
// every shard, and hands out a fresh, strictly increasing primary term
// whenever a new node is promoted to primary.
//
// Read operations take RLock; writes take Lock. All returned routing
// entries are value copies, so callers can't mutate registry-owned state.
type ShardRegistry struct {
	mu        sync.RWMutex
	groups    map[int]*shardGroup
	numShards int
	indexName string
	indexUUID string
}

// NewShardRegistry returns a registry for numShards shards belonging to one
// index incarnation (indexName/indexUUID).
func NewShardRegistry(numShards int, indexName, indexUUID string) *ShardRegistry {
	return &ShardRegistry{
		groups:    make(map[int]*shardGroup),
		numShards: numShards,
		indexName: indexName,
		indexUUID: indexUUID,
	}
}

func (r *ShardRegistry) shardID(shardNum int) cluster.ShardId {
	return cluster.ShardId{IndexName: r.indexName, IndexUUID: r.indexUUID, ShardNum: shardNum}
}

func (r *ShardRegistry) groupLocked(shardNum int) *shardGroup {
	g, ok := r.groups[shardNum]
	if !ok {
		g = &shardGroup{shardID: r.shardID(shardNum)}
		r.groups[shardNum] = g
	}
	return g
}

// AssignPrimary installs node as the primary for shardNum, minting a fresh
// AllocationID and bumping the shard's primary term. Returns the new
// routing entry and term so the caller can push both out to the nodes.
func (r *ShardRegistry) AssignPrimary(shardNum int, node string) (cluster.ShardRouting, uint64, error) {
	if shardNum < 0 || shardNum >= r.numShards {
		return cluster.ShardRouting{}, 0, fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardNum, r.numShards)
	}
	if node == "" {
		return cluster.ShardRouting{}, 0, errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.groupLocked(shardNum)
	g.primaryTerm++
	routing := &cluster.ShardRouting{
		ShardId:      g.shardID,
		Node:         node,
		AllocationID: cluster.NewAllocationID(),
		Primary:      true,
		Active:       true,
	}
	g.primary = routing
	return *routing, g.primaryTerm, nil
}

// AssignReplica adds node as a replica for shardNum.
func (r *ShardRegistry) AssignReplica(shardNum int, node string) (cluster.ShardRouting, error) {
	if shardNum < 0 || shardNum >= r.numShards {
		return cluster.ShardRouting{}, fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardNum, r.numShards)
	}
	if node == "" {
		return cluster.ShardRouting{}, errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.groupLocked(shardNum)
	routing := &cluster.ShardRouting{
		ShardId:      g.shardID,
		Node:         node,
		AllocationID: cluster.NewAllocationID(),
		Primary:      false,
		Active:       true,
	}
	g.replicas = append(g.replicas, routing)
	return *routing, nil
}

// RemoveNode drops every allocation (primary or replica) this node holds
// across all shards, returning the shard numbers that lost their primary
// and so need re-promotion.
func (r *ShardRegistry) RemoveNode(node string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []int
	for shardNum, g := range r.groups {
		if g.primary != nil && g.primary.Node == node {
			g.primary = nil
			orphaned = append(orphaned, shardNum)
		}
		kept := g.replicas[:0]
		for _, rep := range g.replicas {
			if rep.Node != node {
				kept = append(kept, rep)
			}
		}
		g.replicas = kept
	}
	return orphaned
}

// GetPrimary returns the current primary routing entry for shardNum, or
// false if unassigned.
func (r *ShardRegistry) GetPrimary(shardNum int) (cluster.ShardRouting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[shardNum]
	if !ok || g.primary == nil {
		return cluster.ShardRouting{}, false
	}
	return *g.primary, true
}

// GetReplicaNodes returns the IDs of the nodes currently holding active
// replica allocations for shardNum.
func (r *ShardRegistry) GetReplicaNodes(shardNum int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[shardNum]
	if !ok {
		return nil
	}
	nodes := make([]string, 0, len(g.replicas))
	for _, rep := range g.replicas {
		if rep.Active {
			nodes = append(nodes, rep.Node)
		}
	}
	return nodes
}

// PrimaryTerm returns the current primary term for shardNum.
func (r *ShardRegistry) PrimaryTerm(shardNum int) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[shardNum]
	if !ok {
		return 0
	}
	return g.primaryTerm
}

// GetShardForKey maps key to a shard number via FNV-1a hash modulo
// numShards, matching internal/shard.IndexShard.OwnsKey.
func (r *ShardRegistry) GetShardForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % r.numShards
}

// GetNodeForKey resolves key to its owning shard and returns that shard's
// current primary node.
func (r *ShardRegistry) GetNodeForKey(key string) (string, error) {
	shardNum := r.GetShardForKey(key)
	routing, ok := r.GetPrimary(shardNum)
	if !ok {
		return "", fmt.Errorf("shard %d is not assigned to any node", shardNum)
	}
	return routing.Node, nil
}

// GetNodeShards returns every shard number for which node holds the
// primary or a replica allocation.
func (r *ShardRegistry) GetNodeShards(node string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardNum, g := range r.groups {
		if g.primary != nil && g.primary.Node == node {
			shards = append(shards, shardNum)
			continue
		}
		for _, rep := range g.replicas {
			if rep.Node == node {
				shards = append(shards, shardNum)
				break
			}
		}
	}
	return shards
}

// NumShards returns the total number of shards in the cluster.
func (r *ShardRegistry) NumShards() int { return r.numShards }

// RebalancePrimaries assigns a primary to every shard in round-robin
// fashion across nodes, for initial cluster bootstrap. It does not touch
// existing replica assignments.
func (r *ShardRegistry) RebalancePrimaries(nodes []string) error {
	if len(nodes) == 0 {
		return errors.New("cannot rebalance with no nodes")
	}
	for shardNum := 0; shardNum < r.numShards; shardNum++ {
		if _, _, err := r.AssignPrimary(shardNum, nodes[shardNum%len(nodes)]); err != nil {
			return err
		}
	}
	return nil
}
