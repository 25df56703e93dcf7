// Package shard implements IndexShard, the hub that owns one shard
// allocation's lifecycle, routing entry, and primary term, and routes reads
// and writes to its current SegmentEngine and translog. See doc.go for
// complete package documentation.
package shard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/oplock"
	"github.com/dreamware/shardcore/internal/seqno"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/prometheus/client_golang/prometheus"
)

// State is one of the finite set of lifecycle states an IndexShard moves
// through.
type State string

const (
	StateCreated      State = "CREATED"
	StateRecovering   State = "RECOVERING"
	StatePostRecovery State = "POST_RECOVERY"
	StateStarted      State = "STARTED"
	StateRelocated    State = "RELOCATED"
	StateClosed       State = "CLOSED"
)

// ErrTooOldPrimaryTerm is returned by AcquireReplicaOperationPermit when the
// request's primary term is behind the shard's own; this is a hard failure,
// never ignored by the replication layer.
var ErrTooOldPrimaryTerm = errors.New("shard: too_old_primary_term")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("shard: closed")

// StateError reports that an operation was attempted while the shard was in
// a state that doesn't permit it.
type StateError struct {
	Op     string
	State  State
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("shard: %s illegal in state %s: %s", e.Op, e.State, e.Reason)
}

var (
	refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardcore_shard_refreshes_total",
		Help: "Refreshes performed per shard.",
	}, []string{"shard_id"})
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardcore_shard_flushes_total",
		Help: "Flushes performed per shard.",
	}, []string{"shard_id"})
)

func init() {
	prometheus.MustRegister(refreshesTotal, flushesTotal)
}

// IndexShard owns one allocation's lifecycle, routing, and primary term. It
// exclusively owns its SegmentEngine and Translog for one "engine
// incarnation"; PostRecovery and PerformRecoveryRestart atomically swap
// that reference.
type IndexShard struct {
	id            cluster.ShardId
	clusterSource cluster.ClusterStateSource
	statePath     string

	// stateMu is the "state monitor": held only across state-transition
	// bookkeeping and metadata persistence, never across engine I/O.
	stateMu sync.Mutex
	state   State
	routing cluster.ShardRouting

	primaryTerm       atomic.Uint64
	active            atomic.Bool
	writingBytes      atomic.Int64
	asyncFlushRunning atomic.Bool
	lastWriteNanos    atomic.Int64

	// engineMu ("engine_ref_read") guards the read-copy-update swap of eng.
	engineMu sync.RWMutex
	eng      engine.SegmentEngine

	opLock *oplock.Lock

	flushThresholdBytes int64

	opsGets    atomic.Uint64
	opsPuts    atomic.Uint64
	opsDeletes atomic.Uint64

	refreshCounter prometheus.Counter
	flushCounter   prometheus.Counter
}

// New returns an IndexShard in state CREATED. statePath, if non-empty, is
// where the shard_state file is written whenever primary-ness or
// allocation changes; pass "" to skip persistence (e.g. in tests).
func New(id cluster.ShardId, routing cluster.ShardRouting, clusterSource cluster.ClusterStateSource, flushThresholdBytes int64, statePath string) *IndexShard {
	shardIDLabel := id.String()
	return &IndexShard{
		id:                  id,
		routing:             routing,
		clusterSource:       clusterSource,
		statePath:           statePath,
		state:               StateCreated,
		opLock:              oplock.New(),
		flushThresholdBytes: flushThresholdBytes,
		refreshCounter:      refreshesTotal.WithLabelValues(shardIDLabel),
		flushCounter:        flushesTotal.WithLabelValues(shardIDLabel),
	}
}

// ID returns the shard's immutable identity.
func (s *IndexShard) ID() cluster.ShardId { return s.id }

// State returns the current lifecycle state.
func (s *IndexShard) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Routing returns a copy of the current routing entry.
func (s *IndexShard) Routing() cluster.ShardRouting {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.routing.Copy()
}

// PrimaryTerm returns the shard's current primary term.
func (s *IndexShard) PrimaryTerm() uint64 { return s.primaryTerm.Load() }

func (s *IndexShard) currentEngine() engine.SegmentEngine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.eng
}

// SeqNoService returns the current engine incarnation's SeqNoService, or
// nil if no engine is installed. The replication coordinator uses this to
// feed replica acknowledgments into checkpoint tracking.
func (s *IndexShard) SeqNoService() *seqno.Service {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	return eng.SeqNoService()
}

// EnsureSynced fsyncs the current engine's translog up to loc. Called by
// the replication coordinator on both primary and replica sides before
// acknowledging a DurabilityRequest write.
func (s *IndexShard) EnsureSynced(loc translog.Location) error {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	_, err := eng.Config().Translog.EnsureSynced(loc)
	return err
}

// SetEnableGCDeletes forwards to the current engine, if any. The recovery
// driver (internal/recovery) disables tombstone GC for the duration of
// recovery and calls this to re-enable it once recovery finalizes.
func (s *IndexShard) SetEnableGCDeletes(enabled bool) {
	if eng := s.currentEngine(); eng != nil {
		eng.SetEnableGCDeletes(enabled)
	}
}

// MarkAsRecovering transitions CREATED → RECOVERING, recording which of
// the four recovery sources will populate this copy. Fails if called from
// any state other than CREATED.
func (s *IndexShard) MarkAsRecovering(source cluster.RecoverySource) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch s.state {
	case StateCreated:
		s.state = StateRecovering
		s.routing.RecoverySource = source
		return nil
	case StateRecovering:
		return &StateError{Op: "markAsRecovering", State: s.state, Reason: "already recovering"}
	case StatePostRecovery, StateStarted:
		return &StateError{Op: "markAsRecovering", State: s.state, Reason: "already started"}
	case StateRelocated:
		return &StateError{Op: "markAsRecovering", State: s.state, Reason: "already relocated"}
	default:
		return ErrClosed
	}
}

// PostRecovery transitions RECOVERING → POST_RECOVERY and installs eng as
// the shard's current engine incarnation.
func (s *IndexShard) PostRecovery(eng engine.SegmentEngine) error {
	s.stateMu.Lock()
	if s.state != StateRecovering {
		st := s.state
		s.stateMu.Unlock()
		return &StateError{Op: "postRecovery", State: st, Reason: "not recovering"}
	}
	s.state = StatePostRecovery
	s.stateMu.Unlock()

	s.engineMu.Lock()
	s.eng = eng
	s.engineMu.Unlock()
	return nil
}

// PerformRecoveryRestart atomically closes the current engine and clears
// the engine reference while keeping the shard in RECOVERING, for a
// recovery driver that needs to retry from INIT after a transient failure.
func (s *IndexShard) PerformRecoveryRestart() error {
	s.stateMu.Lock()
	if s.state != StateRecovering {
		st := s.state
		s.stateMu.Unlock()
		return &StateError{Op: "performRecoveryRestart", State: st, Reason: "not recovering"}
	}
	s.stateMu.Unlock()

	s.engineMu.Lock()
	old := s.eng
	s.eng = nil
	s.engineMu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

// UpdateRoutingEntry implements cluster.ClusterStateSource: it installs a
// new routing entry for this shard, rejecting transitions that change the
// shard id, demote primary to replica, or relocate away from an already
// RELOCATED allocation. A POST_RECOVERY shard whose new routing is active
// transitions to STARTED and is refreshed, outside the state monitor.
func (s *IndexShard) UpdateRoutingEntry(ctx context.Context, newRouting cluster.ShardRouting) error {
	if newRouting.ShardId != s.id {
		return fmt.Errorf("shard: routing shard id %s does not match %s", newRouting.ShardId, s.id)
	}

	s.stateMu.Lock()
	if s.state == StateRelocated {
		if !(newRouting.Relocating && newRouting.SameAllocation(s.routing)) {
			s.stateMu.Unlock()
			return &StateError{Op: "updateRoutingEntry", State: s.state, Reason: "shard already relocated"}
		}
	}
	if s.routing.AllocationID != "" && newRouting.AllocationID != s.routing.AllocationID {
		s.stateMu.Unlock()
		return fmt.Errorf("shard: routing allocation id mismatch")
	}
	if s.routing.Primary && !newRouting.Primary {
		s.stateMu.Unlock()
		return fmt.Errorf("shard: cannot demote a primary allocation to replica")
	}

	becameStarted := s.state == StatePostRecovery && newRouting.Active
	s.routing = newRouting
	if becameStarted {
		s.state = StateStarted
	}
	s.stateMu.Unlock()

	if s.statePath != "" {
		if err := s.persistShardState(); err != nil {
			return err
		}
	}

	if becameStarted {
		return s.Refresh("after_index_shard_started")
	}
	return nil
}

// UpdatePrimaryTerm implements cluster.ClusterStateSource: newTerm must be
// strictly greater than the shard's current term.
func (s *IndexShard) UpdatePrimaryTerm(ctx context.Context, shardID cluster.ShardId, newTerm uint64) error {
	if shardID != s.id {
		return fmt.Errorf("shard: primary term update for wrong shard id %s", shardID)
	}
	for {
		cur := s.primaryTerm.Load()
		if newTerm <= cur {
			return fmt.Errorf("shard: primary term must strictly increase (current %d, got %d)", cur, newTerm)
		}
		if s.primaryTerm.CompareAndSwap(cur, newTerm) {
			return nil
		}
	}
}

// UpdateAllocationIDsFromMaster implements cluster.ClusterStateSource: it
// reconciles the in-sync set tracked by the current engine's SeqNoService.
func (s *IndexShard) UpdateAllocationIDsFromMaster(ctx context.Context, shardID cluster.ShardId, active, initializing []cluster.AllocationID) error {
	if shardID != s.id {
		return fmt.Errorf("shard: allocation update for wrong shard id %s", shardID)
	}
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	eng.SeqNoService().UpdateAllocationIDsFromMaster(active)
	return nil
}

// Relocated transitions STARTED → RELOCATED. It requires the current
// routing to say this allocation is primary and relocating, then blocks
// all operations (draining in-flight permits) before flipping state, so
// that at most one primary accepts writes across the hand-off.
func (s *IndexShard) Relocated(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateStarted {
		st := s.state
		s.stateMu.Unlock()
		return &StateError{Op: "relocated", State: st, Reason: "shard is not started"}
	}
	if !s.routing.Primary || !s.routing.Relocating {
		st := s.state
		s.stateMu.Unlock()
		return &StateError{Op: "relocated", State: st, Reason: "routing is not primary-relocating"}
	}
	s.stateMu.Unlock()

	err := s.opLock.Block(ctx, func() error {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		if s.state != StateStarted {
			return &StateError{Op: "relocated", State: s.state, Reason: "state changed during hand-off"}
		}
		s.state = StateRelocated
		return nil
	})
	if errors.Is(err, oplock.ErrTimeout) {
		return fmt.Errorf("shard: relocation hand-off timed out: %w", err)
	}
	return err
}

// Close drives the shard to CLOSED from any state. It closes the operation
// lock (failing anything still queued behind a block), then atomically
// claims and closes the current engine, optionally flushing it first.
func (s *IndexShard) Close(ctx context.Context, flush bool) error {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.stateMu.Unlock()

	s.opLock.Close()

	s.engineMu.Lock()
	eng := s.eng
	s.eng = nil
	s.engineMu.Unlock()

	if eng == nil {
		return nil
	}
	if flush {
		if _, err := eng.Flush(ctx, true, false); err != nil {
			_ = eng.Close()
			return err
		}
	}
	return eng.Close()
}

func (s *IndexShard) assertReadAllowed() error {
	st := s.State()
	switch st {
	case StateStarted, StateRelocated, StatePostRecovery:
		return nil
	default:
		return &StateError{Op: "read", State: st, Reason: "reads require STARTED, RELOCATED, or POST_RECOVERY"}
	}
}

func (s *IndexShard) assertWriteAllowed(origin engine.OperationOrigin) error {
	st := s.State()
	switch origin {
	case engine.OriginPrimary:
		switch st {
		case StateRecovering, StatePostRecovery, StateStarted:
			return nil
		}
	case engine.OriginReplica:
		switch st {
		case StateRecovering, StatePostRecovery, StateStarted, StateRelocated:
			return nil
		}
	case engine.OriginPeerRecovery, engine.OriginLocalTranslogRecovery:
		if st == StateRecovering {
			return nil
		}
	}
	return &StateError{Op: "write", State: st, Reason: fmt.Sprintf("origin %s not permitted", origin)}
}

// AcquirePrimaryOperationPermit admits a primary-side write, first checking
// state admission, then acquiring a permit from the operation lock.
func (s *IndexShard) AcquirePrimaryOperationPermit(ctx context.Context) (*oplock.Permit, error) {
	if err := s.assertWriteAllowed(engine.OriginPrimary); err != nil {
		return nil, err
	}
	return s.opLock.Acquire(ctx)
}

// AcquireReplicaOperationPermit admits a replica-side write. It rejects
// immediately, before touching the operation lock, if opPrimaryTerm is
// older than the shard's own primary term.
func (s *IndexShard) AcquireReplicaOperationPermit(ctx context.Context, opPrimaryTerm uint64) (*oplock.Permit, error) {
	if opPrimaryTerm < s.primaryTerm.Load() {
		return nil, ErrTooOldPrimaryTerm
	}
	if err := s.assertWriteAllowed(engine.OriginReplica); err != nil {
		return nil, err
	}
	return s.opLock.Acquire(ctx)
}

func (s *IndexShard) markActive(writingBytes int64) {
	s.active.Store(true)
	s.lastWriteNanos.Store(time.Now().UnixNano())
	if writingBytes > 0 {
		s.writingBytes.Add(writingBytes)
	}
}

// Index applies an index operation through the current engine. Callers
// must already hold an operation permit for op.Origin.
func (s *IndexShard) Index(ctx context.Context, op engine.Operation) (engine.OperationResult, error) {
	if err := s.assertWriteAllowed(op.Origin); err != nil {
		return engine.OperationResult{}, err
	}
	eng := s.currentEngine()
	if eng == nil {
		return engine.OperationResult{}, &StateError{Op: "index", State: s.State(), Reason: "no engine installed"}
	}

	s.markActive(int64(len(op.Source)))
	result, err := eng.Index(ctx, op)
	s.writingBytes.Add(-int64(len(op.Source)))
	if err == nil && !result.HasFailure {
		s.opsPuts.Add(1)
	}
	return result, err
}

// Delete applies a delete operation through the current engine. Callers
// must already hold an operation permit for op.Origin.
func (s *IndexShard) Delete(ctx context.Context, op engine.Operation) (engine.OperationResult, error) {
	op.Kind = engine.OpDelete
	if err := s.assertWriteAllowed(op.Origin); err != nil {
		return engine.OperationResult{}, err
	}
	eng := s.currentEngine()
	if eng == nil {
		return engine.OperationResult{}, &StateError{Op: "delete", State: s.State(), Reason: "no engine installed"}
	}

	s.markActive(0)
	result, err := eng.Delete(ctx, op)
	if err == nil && !result.HasFailure {
		s.opsDeletes.Add(1)
	}
	return result, err
}

// Get reads a single document. Permitted only in STARTED, RELOCATED, or
// POST_RECOVERY.
func (s *IndexShard) Get(key string) ([]byte, error) {
	if err := s.assertReadAllowed(); err != nil {
		return nil, err
	}
	eng := s.currentEngine()
	if eng == nil {
		return nil, &StateError{Op: "get", State: s.State(), Reason: "no engine installed"}
	}
	searcher, err := eng.AcquireSearcher("get")
	if err != nil {
		return nil, err
	}
	defer searcher.Release()

	s.opsGets.Add(1)
	return searcher.Get(key)
}

// ListKeys returns every key visible through a fresh searcher.
func (s *IndexShard) ListKeys() ([]string, error) {
	if err := s.assertReadAllowed(); err != nil {
		return nil, err
	}
	eng := s.currentEngine()
	if eng == nil {
		return nil, &StateError{Op: "listKeys", State: s.State(), Reason: "no engine installed"}
	}
	searcher, err := eng.AcquireSearcher("list")
	if err != nil {
		return nil, err
	}
	defer searcher.Release()
	return searcher.List(), nil
}

// ListKeysInRange returns the sorted keys in the lexicographic range
// [start, end).
func (s *IndexShard) ListKeysInRange(start, end string) ([]string, error) {
	keys, err := s.ListKeys()
	if err != nil {
		return nil, err
	}
	var inRange []string
	for _, k := range keys {
		if k >= start && k < end {
			inRange = append(inRange, k)
		}
	}
	sort.Strings(inRange)
	return inRange, nil
}

// DeleteRange deletes every key in [start, end) as a PRIMARY-origin write
// and returns how many were actually removed.
func (s *IndexShard) DeleteRange(ctx context.Context, start, end string) (int, error) {
	keys, err := s.ListKeysInRange(start, end)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, k := range keys {
		permit, err := s.AcquirePrimaryOperationPermit(ctx)
		if err != nil {
			return deleted, err
		}
		result, err := s.Delete(ctx, engine.Operation{UID: k, SeqNo: seqno.UnassignedSeqNo, Origin: engine.OriginPrimary})
		permit.Release()
		if err != nil {
			return deleted, err
		}
		if result.IsFound {
			deleted++
		}
	}
	return deleted, nil
}

// OwnsKey reports whether this shard owns key when keys are routed by
// FNV-1a hash modulo numShards (the same computation as the coordinator's
// ShardRegistry.GetShardForKey).
func (s *IndexShard) OwnsKey(key string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32())%numShards == s.id.ShardNum
}

// Refresh makes recently indexed documents visible to new searchers.
func (s *IndexShard) Refresh(source string) error {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	if err := eng.Refresh(engine.RefreshSource(source)); err != nil {
		return err
	}
	s.refreshCounter.Inc()
	return nil
}

// ShouldFlush reports whether the current translog exceeds the configured
// flush threshold.
func (s *IndexShard) ShouldFlush() bool {
	eng := s.currentEngine()
	if eng == nil {
		return false
	}
	return eng.Config().Translog.SizeInBytes() > s.flushThresholdBytes
}

// MaybeFlush schedules an async flush if ShouldFlush holds and no flush is
// already in flight for this shard. Returns whether it scheduled one.
func (s *IndexShard) MaybeFlush(ctx context.Context) bool {
	if !s.ShouldFlush() {
		return false
	}
	if !s.asyncFlushRunning.CompareAndSwap(false, true) {
		return false
	}
	go s.runAsyncFlush(ctx)
	return true
}

// runAsyncFlush performs one flush, releases the CAS guard, then re-checks
// ShouldFlush: if the threshold is still exceeded (more writes landed while
// this flush ran), it refires rather than waiting for the next caller.
func (s *IndexShard) runAsyncFlush(ctx context.Context) {
	if eng := s.currentEngine(); eng != nil {
		if _, err := eng.Flush(ctx, false, false); err == nil {
			s.flushCounter.Inc()
		}
	}
	s.asyncFlushRunning.Store(false)
	if s.ShouldFlush() {
		s.MaybeFlush(ctx)
	}
}

// CheckIdle clears the active flag if the shard hasn't been written to in
// at least inactiveThreshold, reporting whether it did so (the caller fires
// onShardInactive in that case).
func (s *IndexShard) CheckIdle(inactiveThreshold time.Duration) bool {
	if !s.active.Load() {
		return false
	}
	last := s.lastWriteNanos.Load()
	if last == 0 || time.Since(time.Unix(0, last)) < inactiveThreshold {
		return false
	}
	s.active.Store(false)
	return true
}

// WritingBytes returns the number of bytes currently being written, polled
// by an external memory controller deciding whether to throttle indexing.
func (s *IndexShard) WritingBytes() int64 { return s.writingBytes.Load() }

// OperationStats holds cumulative per-kind operation counts.
type OperationStats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
}

// Stats is a point-in-time snapshot of this shard's operational metrics.
type Stats struct {
	Ops              OperationStats
	Translog         translog.Stats
	LocalCheckpoint  int64
	GlobalCheckpoint int64
	PrimaryTerm      uint64
}

// GetStats returns a snapshot of operation counters, translog stats, and
// checkpoint/primary-term state.
func (s *IndexShard) GetStats() Stats {
	eng := s.currentEngine()
	lcp, gcp := seqno.NoOpsPerformed, seqno.NoOpsPerformed
	var tstats translog.Stats
	if eng != nil {
		tstats = eng.Config().Translog.Stats()
		sns := eng.SeqNoService()
		lcp = sns.LocalCheckpoint()
		gcp = sns.GlobalCheckpoint()
	}
	return Stats{
		Ops: OperationStats{
			Gets:    s.opsGets.Load(),
			Puts:    s.opsPuts.Load(),
			Deletes: s.opsDeletes.Load(),
		},
		Translog:         tstats,
		LocalCheckpoint:  lcp,
		GlobalCheckpoint: gcp,
		PrimaryTerm:      s.primaryTerm.Load(),
	}
}

// Info is a snapshot of shard metadata and stats for external consumption
// (admin API responses, cluster state broadcasts).
type Info struct {
	ID       cluster.ShardId
	State    State
	Primary  bool
	KeyCount int
	Stats    Stats
}

// Info returns a metadata snapshot of this shard.
func (s *IndexShard) Info() Info {
	keyCount := 0
	if eng := s.currentEngine(); eng != nil {
		if searcher, err := eng.AcquireSearcher("info"); err == nil {
			keyCount = len(searcher.List())
			searcher.Release()
		}
	}
	routing := s.Routing()
	return Info{
		ID:       s.id,
		State:    s.State(),
		Primary:  routing.Primary,
		KeyCount: keyCount,
		Stats:    s.GetStats(),
	}
}
