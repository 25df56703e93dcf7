package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/shard"
	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedShard(t *testing.T, id cluster.ShardId) *shard.IndexShard {
	t.Helper()
	routing := cluster.ShardRouting{ShardId: id, Node: "node-1", AllocationID: cluster.NewAllocationID(), Primary: true}
	s := shard.New(id, routing, nil, 1<<20, "")
	require.NoError(t, s.MarkAsRecovering(cluster.RecoveryEmptyStore))
	require.NoError(t, s.PostRecovery(engine.NewMemEngine(storage.NewMemoryStore(), translog.New("gen-1"))))
	r := s.Routing()
	r.Active = true
	require.NoError(t, s.UpdateRoutingEntry(context.Background(), r))
	return s
}

type fakeResolver struct {
	shards   map[cluster.ShardId]*shard.IndexShard
	replicas map[cluster.ShardId][]string
}

func (f *fakeResolver) LocalShard(id cluster.ShardId) (*shard.IndexShard, bool) {
	s, ok := f.shards[id]
	return s, ok
}

func (f *fakeResolver) ReplicaNodes(id cluster.ShardId) []string { return f.replicas[id] }

type fakeClient struct {
	mu    sync.Mutex
	calls []ReplicaRequest
	errs  map[string]error
}

func (f *fakeClient) Replicate(ctx context.Context, node string, req ReplicaRequest) (ReplicaAck, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.errs[node]
	f.mu.Unlock()
	if err != nil {
		return ReplicaAck{}, err
	}
	return ReplicaAck{LocalCheckpoint: req.Op.SeqNo}, nil
}

type fakeFailer struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeFailer) FailShardCopy(ctx context.Context, id cluster.ShardId, node string, cause error) {
	f.mu.Lock()
	f.failed = append(f.failed, node)
	f.mu.Unlock()
}

func testShardID() cluster.ShardId {
	return cluster.ShardId{IndexName: "docs", IndexUUID: "u1", ShardNum: 0}
}

func TestExecutePrimaryAppliesAndAcksReplicas(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	resolver := &fakeResolver{
		shards:   map[cluster.ShardId]*shard.IndexShard{id: s},
		replicas: map[cluster.ShardId][]string{id: {"node-2"}},
	}
	client := &fakeClient{errs: map[string]error{}}
	coord := New(Config{Resolver: resolver, Client: client, WaitForActiveShards: 2, RetryOnConflict: 1})

	result, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityAsync, nil)

	require.NoError(t, err)
	assert.Equal(t, engine.ResultCreated, result.OperationResult.Result)
	assert.Equal(t, 1, result.SuccessfulReplicas)
	assert.Equal(t, 0, result.FailedReplicas)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.calls, 1)
	assert.Equal(t, engine.OriginReplica, client.calls[0].Op.Origin)
	assert.Equal(t, engine.VersionTypeExternal, client.calls[0].Op.VersionType)
}

func TestExecutePrimaryFailsWhenNotEnoughReplicasAck(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	resolver := &fakeResolver{
		shards:   map[cluster.ShardId]*shard.IndexShard{id: s},
		replicas: map[cluster.ShardId][]string{id: {"node-2"}},
	}
	failer := &fakeFailer{}
	client := &fakeClient{errs: map[string]error{"node-2": assertErr("boom")}}
	coord := New(Config{Resolver: resolver, Client: client, Failer: failer, WaitForActiveShards: 2})

	_, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityAsync, nil)

	require.ErrorIs(t, err, ErrWaitForActiveShardsTimedOut)
	failer.mu.Lock()
	defer failer.mu.Unlock()
	assert.Equal(t, []string{"node-2"}, failer.failed)
}

func TestExecutePrimaryIgnoresBenignReplicaFailure(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	resolver := &fakeResolver{
		shards:   map[cluster.ShardId]*shard.IndexShard{id: s},
		replicas: map[cluster.ShardId][]string{id: {"node-2"}},
	}
	failer := &fakeFailer{}
	client := &fakeClient{errs: map[string]error{"node-2": engine.NewEngineError(engine.ErrKindVersionConflict, nil)}}
	coord := New(Config{Resolver: resolver, Client: client, Failer: failer, WaitForActiveShards: 1})

	result, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityAsync, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.SuccessfulReplicas)
	assert.Equal(t, 1, result.FailedReplicas)

	failer.mu.Lock()
	defer failer.mu.Unlock()
	assert.Empty(t, failer.failed)
}

func TestExecuteReplicaRejectsStalePrimaryTerm(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	require.NoError(t, s.UpdatePrimaryTerm(context.Background(), id, 5))

	coord := New(Config{Resolver: &fakeResolver{shards: map[cluster.ShardId]*shard.IndexShard{id: s}}, Client: &fakeClient{}})

	_, err := coord.ExecuteReplica(context.Background(), ReplicaRequest{
		ShardId: id, PrimaryTerm: 2, Op: engine.Operation{Kind: engine.OpIndex, UID: "a", SeqNo: 0},
	})
	require.ErrorIs(t, err, shard.ErrTooOldPrimaryTerm)
}

func TestExecuteReplicaAppliesOperation(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	coord := New(Config{Resolver: &fakeResolver{shards: map[cluster.ShardId]*shard.IndexShard{id: s}}, Client: &fakeClient{}})

	ack, err := coord.ExecuteReplica(context.Background(), ReplicaRequest{
		ShardId: id, PrimaryTerm: 0,
		Op: engine.Operation{Kind: engine.OpIndex, UID: "a", SeqNo: 0, Version: 1, VersionType: engine.VersionTypeExternal, Source: []byte("v")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack.LocalCheckpoint)

	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

// A primary-only shard (no replicas) must still seed its own allocation
// into the in-sync set so GlobalCheckpoint reports 0, not NoOpsPerformed,
// after one successful write (S1).
func TestExecutePrimarySeedsOwnCheckpoint(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	resolver := &fakeResolver{shards: map[cluster.ShardId]*shard.IndexShard{id: s}}
	coord := New(Config{Resolver: resolver, Client: &fakeClient{}, WaitForActiveShards: 1})

	_, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityAsync, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(0), s.SeqNoService().GlobalCheckpoint())
}

// A replica ack carrying its AllocationID must advance the primary's
// SeqNoService, and a GlobalCheckpointSyncer must fire once it does (§6
// global_checkpoint_syncer.run()).
func TestExecutePrimaryAdvancesGlobalCheckpointFromReplicaAck(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	replicaAlloc := cluster.NewAllocationID()
	resolver := &fakeResolver{
		shards:   map[cluster.ShardId]*shard.IndexShard{id: s},
		replicas: map[cluster.ShardId][]string{id: {"node-2"}},
	}
	client := &ackingClient{allocationID: replicaAlloc}

	var syncedShard cluster.ShardId
	var syncedCheckpoint int64
	var syncCalls int
	var mu sync.Mutex
	coord := New(Config{
		Resolver:            resolver,
		Client:              client,
		WaitForActiveShards: 1,
		GlobalCheckpointSyncer: func(ctx context.Context, id cluster.ShardId, newCheckpoint int64) {
			mu.Lock()
			defer mu.Unlock()
			syncCalls++
			syncedShard = id
			syncedCheckpoint = newCheckpoint
		},
	})

	_, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityAsync, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, syncCalls, 1)
	assert.Equal(t, id, syncedShard)
	assert.Equal(t, int64(0), syncedCheckpoint)
	assert.Equal(t, int64(0), s.SeqNoService().GlobalCheckpoint())
}

// Under DurabilityRequest, ExecutePrimary's sync callback must be invoked
// with the write's translog location (the caller fsyncs it), and
// ExecuteReplica must fsync its own translog up to the same location before
// acking, per the REQUEST durability contract.
func TestDurabilityRequestEnsuresSyncOnBothSides(t *testing.T) {
	id := testShardID()
	s := newStartedShard(t, id)
	resolver := &fakeResolver{shards: map[cluster.ShardId]*shard.IndexShard{id: s}}
	coord := New(Config{Resolver: resolver, Client: &fakeClient{}, WaitForActiveShards: 1})

	var syncedLoc translog.Location
	var syncCalled bool
	_, err := coord.ExecutePrimary(context.Background(), id, engine.Operation{
		Kind: engine.OpIndex, UID: "doc-1", SeqNo: -2, Source: []byte("v1"),
	}, translog.DurabilityRequest, func(shard *shard.IndexShard, loc translog.Location) error {
		syncCalled = true
		syncedLoc = loc
		return shard.EnsureSynced(loc)
	})

	require.NoError(t, err)
	assert.True(t, syncCalled)
	assert.NotZero(t, syncedLoc)

	replicaShard := newStartedShard(t, testShardID())
	replicaCoord := New(Config{Resolver: &fakeResolver{shards: map[cluster.ShardId]*shard.IndexShard{id: replicaShard}}, Client: &fakeClient{}})
	ack, err := replicaCoord.ExecuteReplica(context.Background(), ReplicaRequest{
		ShardId: id, PrimaryTerm: 0, Durability: translog.DurabilityRequest,
		Op: engine.Operation{Kind: engine.OpIndex, UID: "a", SeqNo: 0, Version: 1, VersionType: engine.VersionTypeExternal, Source: []byte("v")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack.LocalCheckpoint)
}

type ackingClient struct {
	allocationID cluster.AllocationID
}

func (a *ackingClient) Replicate(ctx context.Context, node string, req ReplicaRequest) (ReplicaAck, error) {
	return ReplicaAck{AllocationID: a.allocationID, LocalCheckpoint: req.Op.SeqNo}, nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
