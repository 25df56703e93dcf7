// Package shard implements IndexShard: the component every read and write
// in this system ultimately passes through.
//
// # Overview
//
// An IndexShard owns exactly one allocation of one shard: a routing entry,
// a primary term, an operation-admission gate, and a current "engine
// incarnation" (a SegmentEngine paired with the translog backing it). It
// does not implement storage, replication fan-out, or recovery itself —
// those live in internal/engine, internal/replication, and
// internal/recovery respectively — but it is the thing those packages call
// into, and the thing that decides whether a given call is admissible
// right now.
//
// # State Machine
//
//	CREATED --markAsRecovering--> RECOVERING --postRecovery--> POST_RECOVERY --(routing active)--> STARTED --relocated--> RELOCATED
//	   |                              |                              |                                  |                    |
//	   +------------------------------+------------------------------+----------------------------------+--------------------+
//	                                                            close (any state) --> CLOSED
//
// RECOVERING can also loop back on itself via performRecoveryRestart,
// which discards the current engine incarnation and tries again from
// scratch without changing state.
//
// # Read/Write Admission
//
// Reads (Get, ListKeys) are admitted in STARTED, RELOCATED, and
// POST_RECOVERY. Writes are admitted per origin:
//
//   - PRIMARY origin: RECOVERING, POST_RECOVERY, STARTED.
//   - REPLICA origin: RECOVERING, POST_RECOVERY, STARTED, RELOCATED (a
//     relocating primary still forwards to replicas while handing off).
//   - PEER_RECOVERY / LOCAL_TRANSLOG_RECOVERY origin: RECOVERING only.
//
// A replica write additionally fails fast with ErrTooOldPrimaryTerm before
// any state check if its primary term is behind the shard's own — the
// caller is talking to a primary that has since been superseded and must
// not retry against this shard without re-resolving routing first.
//
// # Concurrency Model
//
// Two locks matter here, and they nest in one direction only:
//
//   - stateMu (the "state monitor") guards state and routing. It is held
//     only across small bookkeeping updates, never across a call into the
//     engine. primaryTerm is not under stateMu: it is an atomic, raised by
//     compare-and-swap.
//   - engineMu guards the eng reference itself (a classic RCU: readers take
//     currentEngine() under RLock, PostRecovery/PerformRecoveryRestart swap
//     it under Lock). Once a caller has its engine reference, all further
//     synchronization is the engine's own problem.
//
// No code path holds stateMu while calling into the engine or the
// operation lock. Relocated is the one operation that legitimately blocks
// new admissions: it uses opLock.Block to wait for every in-flight permit
// to drain before flipping state, which is why Block's callback takes
// stateMu only after the drain has already completed.
//
// # Persistence
//
// Whenever UpdateRoutingEntry changes this allocation's primary-ness or
// allocation id, and the shard was constructed with a non-empty statePath,
// the shard atomically rewrites a small JSON file there (see persist.go)
// so a restarted node can recall its own identity before cluster state has
// reconverged.
//
// # See Also
//
//   - internal/engine: the SegmentEngine interface an IndexShard drives.
//   - internal/oplock: the admission gate used for write/relocation ordering.
//   - internal/seqno, internal/translog: surfaced via engine.Config() for stats.
//   - internal/replication: builds primary/replica write pipelines on top of
//     AcquirePrimaryOperationPermit / AcquireReplicaOperationPermit.
//   - internal/recovery: drives MarkAsRecovering / PostRecovery / PerformRecoveryRestart.
package shard
