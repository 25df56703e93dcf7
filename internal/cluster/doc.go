// Package cluster provides the identity, routing, and transport types shared
// between the shard engine and the external cluster-state distribution
// system.
//
// # Overview
//
// This package deliberately stays thin. Master election, gossip, and state
// diffing belong to an external collaborator; this package only defines:
//
//   - NodeInfo / RegisterRequest / BroadcastRequest — the wire shapes used by
//     cmd/node and cmd/coordinator to register and broadcast over HTTP.
//   - ShardId / AllocationID / ShardRouting / RecoverySource — the shard
//     identity and routing-entry data model.
//   - ClusterStateSource — the inbound interface a shard consumes to learn
//     about routing and primary-term changes.
//   - PostJSON / GetJSON — the opaque transport surface used by every
//     HTTP-speaking component in this repo.
//
// # Concurrency Model
//
// All types here are treated as immutable value types once constructed;
// callers that need to mutate shared routing state do so through
// internal/coordinator's ShardRegistry, which owns the synchronization.
//
// # See Also
//
//   - internal/coordinator: owns ShardRegistry, the coordinator's routing
//     table and primary-term bookkeeping.
//   - internal/shard: the IndexShard that implements ClusterStateSource and
//     consumes ShardRouting updates.
package cluster
