// Package coordinator holds the coordinator's cluster bookkeeping: the
// ShardRegistry that records shard-to-node routing and primary terms, and
// the HealthMonitor that probes nodes and reports failures. The HTTP server
// that uses both lives in cmd/coordinator.
//
// # Core Components
//
// ShardRegistry: routing table for one index incarnation
//   - Per shard number, keeps one primary routing entry, any number of
//     replica routing entries, and the shard's primary term
//   - AssignPrimary mints a fresh AllocationID and increments the primary
//     term; AssignReplica appends a replica entry
//   - RemoveNode drops every allocation a node holds and returns the shard
//     numbers that lost their primary
//   - Guarded by one sync.RWMutex; returned routing entries are copies
//
// HealthMonitor: failure detection
//   - Probes each node's /health endpoint every interval, with a 2s
//     timeout per probe
//   - Marks a node unhealthy after 3 consecutive failed probes and invokes
//     the SetOnUnhealthy callback with the node's ID
//
// # Key-to-Shard Mapping
//
// GetShardForKey hashes the key with 32-bit FNV-1a and takes the result
// modulo the shard count, the same computation as IndexShard.OwnsKey:
//
//	shard = fnv1a32(key) % numShards
//
// There is no hash ring and there are no virtual nodes, so changing the
// shard count remaps most keys. GetNodeForKey returns the shard's current
// primary node; the registry never routes a key to a replica.
//
// # Failure Handling
//
// When the HealthMonitor reports a node, cmd/coordinator calls RemoveNode
// and promotes a healthy node to primary for each orphaned shard through
// AssignPrimary, which increments the shard's primary term. The new
// primary is assigned without a recovery source, so it starts from an
// empty store. There is a single coordinator, with no standby.
//
// # Usage Example
//
//	registry := NewShardRegistry(4, "docs", indexUUID)
//	if err := registry.RebalancePrimaries([]string{"node-1", "node-2"}); err != nil {
//	    log.Fatal(err)
//	}
//	node, err := registry.GetNodeForKey("user:123")
//
// This package exports no metrics.
//
// # See Also
//
// Related packages:
//   - internal/cluster: Core cluster types and communication
//   - internal/shard: Individual shard implementation
//   - cmd/coordinator: Coordinator server implementation
package coordinator
