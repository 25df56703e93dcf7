// Package replication implements ReplicationCoordinator: the primary and
// replica write pipelines that sit on top of internal/shard. See doc.go
// for complete package documentation.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/seqno"
	"github.com/dreamware/shardcore/internal/shard"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ReplicaRequest is what the primary sends to each replica for one
// operation, carrying the already-assigned seq-no/version so replicas
// never re-derive them.
type ReplicaRequest struct {
	ShardId     cluster.ShardId
	Op          engine.Operation
	PrimaryTerm uint64
	Durability  translog.Durability
}

// ReplicaAck is a replica's response to a ReplicaRequest. AllocationID
// identifies which copy reported LocalCheckpoint, so the primary can feed
// it into its own SeqNoService.
type ReplicaAck struct {
	AllocationID    cluster.AllocationID
	LocalCheckpoint int64
	Ignored         bool
}

// ReplicaClient sends a replica request to a remote node. cmd/node's HTTP
// client is the production implementation; tests substitute an in-process
// fake.
type ReplicaClient interface {
	Replicate(ctx context.Context, node string, req ReplicaRequest) (ReplicaAck, error)
}

// ShardResolver gives the coordinator access to the local primary shard and
// the set of nodes currently holding active replica allocations for it.
type ShardResolver interface {
	LocalShard(id cluster.ShardId) (*shard.IndexShard, bool)
	ReplicaNodes(id cluster.ShardId) []string
}

// ShardFailer is invoked when a replica fails in a way the coordinator
// cannot classify as benign; it is the hook into external shard-failure
// handling (ShardStateAction in the source system this is modeled on).
type ShardFailer interface {
	FailShardCopy(ctx context.Context, id cluster.ShardId, node string, cause error)
}

// Result is the outcome of ExecutePrimary.
type Result struct {
	OperationResult    engine.OperationResult
	SuccessfulReplicas int
	FailedReplicas     int
}

// ErrWaitForActiveShardsTimedOut is returned when, once the replica fan-out
// has finished, fewer than WaitForActiveShards copies (the primary counts as
// one) acknowledged the write. The check does not wait on ctx.
var ErrWaitForActiveShardsTimedOut = errors.New("replication: timed out waiting for active shard copies")

// Coordinator drives the primary and replica write paths described for
// IndexShard: version/seq-no assignment happens inside the engine: this
// package handles fan-out, acknowledgment thresholds, retry-on-conflict,
// and durability sync.
type Coordinator struct {
	resolver            ShardResolver
	client              ReplicaClient
	failer              ShardFailer
	gcSyncer            GlobalCheckpointSyncer
	waitForActiveShards int
	retryOnConflict     int
	attemptLatency      prometheus.Histogram
}

// GlobalCheckpointSyncer is fired when a primary's global checkpoint
// advances, the outbound `global_checkpoint_syncer.run()` hook of §6.
type GlobalCheckpointSyncer func(ctx context.Context, id cluster.ShardId, newCheckpoint int64)

// Config configures a Coordinator.
type Config struct {
	Resolver               ShardResolver
	Client                 ReplicaClient
	Failer                 ShardFailer
	GlobalCheckpointSyncer GlobalCheckpointSyncer
	WaitForActiveShards    int
	RetryOnConflict        int
}

// New builds a Coordinator from cfg, defaulting WaitForActiveShards and
// RetryOnConflict to 1 and 3 respectively if left zero.
func New(cfg Config) *Coordinator {
	wait := cfg.WaitForActiveShards
	if wait <= 0 {
		wait = 1
	}
	retry := cfg.RetryOnConflict
	if retry <= 0 {
		retry = 3
	}
	return &Coordinator{
		resolver:            cfg.Resolver,
		client:              cfg.Client,
		failer:              cfg.Failer,
		gcSyncer:            cfg.GlobalCheckpointSyncer,
		waitForActiveShards: wait,
		retryOnConflict:     retry,
		attemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "shardcore_replication_attempt_seconds",
			Help: "Latency of one primary write attempt including replica fan-out.",
		}),
	}
}

func isRetryableOnPrimary(err error) bool {
	var stateErr *shard.StateError
	if errors.As(err, &stateErr) {
		return true
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Kind {
		case engine.ErrKindShardNotFound, engine.ErrKindIndexNotFound, engine.ErrKindEngineClosed, engine.ErrKindAlreadyClosed:
			return true
		}
	}
	return false
}

func isBenignReplicaFailure(err error) bool {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Kind {
		case engine.ErrKindVersionConflict, engine.ErrKindMapperParsing, engine.ErrKindEngineClosed, engine.ErrKindAlreadyClosed:
			return true
		}
	}
	var stateErr *shard.StateError
	return errors.As(err, &stateErr)
}

// ExecutePrimary runs the full primary path for one operation: permit
// acquisition, engine apply with conflict retry, replica fan-out, wait for
// acknowledgment, durability sync, and permit release.
func (c *Coordinator) ExecutePrimary(ctx context.Context, shardID cluster.ShardId, op engine.Operation, durability translog.Durability, sync func(*shard.IndexShard, translog.Location) error) (Result, error) {
	start := time.Now()
	defer func() { c.attemptLatency.Observe(time.Since(start).Seconds()) }()

	s, ok := c.resolver.LocalShard(shardID)
	if !ok {
		return Result{}, engine.NewEngineError(engine.ErrKindShardNotFound, nil)
	}

	op.Origin = engine.OriginPrimary

	var result engine.OperationResult
	var applyErr error
	for attempt := 0; attempt <= c.retryOnConflict; attempt++ {
		permit, err := s.AcquirePrimaryOperationPermit(ctx)
		if err != nil {
			if isRetryableOnPrimary(err) && attempt < c.retryOnConflict {
				continue
			}
			return Result{}, err
		}

		if op.Kind == engine.OpDelete {
			result, applyErr = s.Delete(ctx, op)
		} else {
			result, applyErr = s.Index(ctx, op)
		}
		permit.Release()

		if applyErr == nil {
			break
		}
		if result.HasFailure && result.Failure != nil && result.Failure.Kind == engine.ErrKindVersionConflict && attempt < c.retryOnConflict {
			continue
		}
		if isRetryableOnPrimary(applyErr) && attempt < c.retryOnConflict {
			continue
		}
		return Result{}, applyErr
	}
	if applyErr != nil {
		return Result{}, applyErr
	}

	// The primary's own copy just advanced its local checkpoint inside the
	// engine (MarkSeqNoAsCompleted); feed that into the tracked in-sync set
	// so the global checkpoint computation sees this copy at all (§4.7,
	// S1: a primary-only shard must already report globalCheckpoint=0).
	sns := s.SeqNoService()
	routing := s.Routing()
	advanced := false
	if sns != nil {
		sns.MarkAllocationIDAsInSync(routing.AllocationID)
		if sns.UpdateLocalCheckpointForShard(routing.AllocationID, s.GetStats().LocalCheckpoint) {
			advanced = true
		}
	}

	replicaOp := op
	replicaOp.SeqNo = result.SeqNo
	replicaOp.Version = result.Version
	replicaOp.VersionType = engine.VersionTypeExternal
	replicaOp.Origin = engine.OriginReplica

	nodes := c.resolver.ReplicaNodes(shardID)
	successful, failed, replicasAdvanced := c.fanOutToReplicas(ctx, shardID, replicaOp, s.PrimaryTerm(), durability, nodes, sns)
	advanced = advanced || replicasAdvanced

	if advanced && c.gcSyncer != nil {
		c.gcSyncer(ctx, shardID, sns.GlobalCheckpoint())
	}

	if successful+1 < c.waitForActiveShards {
		return Result{OperationResult: result, SuccessfulReplicas: successful, FailedReplicas: failed}, ErrWaitForActiveShardsTimedOut
	}

	if durability == translog.DurabilityRequest && sync != nil {
		if err := sync(s, result.Location); err != nil {
			return Result{}, err
		}
	}

	return Result{OperationResult: result, SuccessfulReplicas: successful, FailedReplicas: failed}, nil
}

// fanOutToReplicas dispatches req to every node in parallel, bounded by an
// errgroup, classifying each failure as benign (ignored) or hostile
// (reported to the ShardFailer). Every successful ack feeds the replica's
// reported local checkpoint into sns, the primary's SeqNoService, so the
// global checkpoint can advance (§4.4: "replicas report local checkpoints
// → SeqNoService advances global checkpoint").
func (c *Coordinator) fanOutToReplicas(ctx context.Context, shardID cluster.ShardId, op engine.Operation, primaryTerm uint64, durability translog.Durability, nodes []string, sns *seqno.Service) (successful, failed int, advanced bool) {
	if len(nodes) == 0 {
		return 0, 0, false
	}

	type outcome struct {
		success bool
		ack     ReplicaAck
	}
	results := make(chan outcome, len(nodes))

	g, gctx := errgroup.WithContext(context.Background())
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			ack, err := c.client.Replicate(gctx, node, ReplicaRequest{ShardId: shardID, Op: op, PrimaryTerm: primaryTerm, Durability: durability})
			if err != nil {
				if !isBenignReplicaFailure(err) && c.failer != nil {
					c.failer.FailShardCopy(ctx, shardID, node, err)
				}
				results <- outcome{success: false}
				return nil
			}
			results <- outcome{success: true, ack: ack}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for o := range results {
		if !o.success {
			failed++
			continue
		}
		successful++
		if sns == nil || o.ack.AllocationID == "" {
			continue
		}
		sns.MarkAllocationIDAsInSync(o.ack.AllocationID)
		if sns.UpdateLocalCheckpointForShard(o.ack.AllocationID, o.ack.LocalCheckpoint) {
			advanced = true
		}
	}
	return successful, failed, advanced
}

// ExecuteReplica runs the replica path: reject stale primary terms before
// touching the operation lock, acquire a replica permit, apply, ensure
// durability when the primary asked for DurabilityRequest, and return the
// shard's current local checkpoint and allocation id.
func (c *Coordinator) ExecuteReplica(ctx context.Context, req ReplicaRequest) (ReplicaAck, error) {
	s, ok := c.resolver.LocalShard(req.ShardId)
	if !ok {
		return ReplicaAck{}, engine.NewEngineError(engine.ErrKindShardNotFound, nil)
	}

	permit, err := s.AcquireReplicaOperationPermit(ctx, req.PrimaryTerm)
	if err != nil {
		if errors.Is(err, shard.ErrTooOldPrimaryTerm) {
			return ReplicaAck{}, err
		}
		return ReplicaAck{}, err
	}
	defer permit.Release()

	var result engine.OperationResult
	op := req.Op
	op.Origin = engine.OriginReplica
	if op.Kind == engine.OpDelete {
		result, err = s.Delete(ctx, op)
	} else {
		result, err = s.Index(ctx, op)
	}
	if err != nil {
		return ReplicaAck{}, err
	}
	if result.HasFailure {
		return ReplicaAck{Ignored: true}, fmt.Errorf("replication: replica apply failed: %s", result.Failure.Kind)
	}

	if req.Durability == translog.DurabilityRequest {
		if err := s.EnsureSynced(result.Location); err != nil {
			return ReplicaAck{}, err
		}
	}

	stats := s.GetStats()
	return ReplicaAck{AllocationID: s.Routing().AllocationID, LocalCheckpoint: stats.LocalCheckpoint}, nil
}
