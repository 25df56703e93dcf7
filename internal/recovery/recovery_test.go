package recovery

import (
	"context"
	"testing"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/shard"
	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShardID(num int) cluster.ShardId {
	return cluster.ShardId{IndexName: "docs", IndexUUID: "u1", ShardNum: num}
}

func newCreatedShard(id cluster.ShardId) *shard.IndexShard {
	routing := cluster.ShardRouting{ShardId: id, Node: "node-1", AllocationID: cluster.NewAllocationID(), Primary: true}
	return shard.New(id, routing, nil, 1<<20, "")
}

func newStore() storage.Store { return storage.NewMemoryStore() }

func TestRecoverFromEmptyStoreReachesDone(t *testing.T) {
	id := testShardID(0)
	s := newCreatedShard(id)
	d := New(Config{Shard: s, NewStore: newStore})

	err := d.Recover(context.Background(), cluster.RecoveryEmptyStore, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StageDone, d.Stage())
	assert.Equal(t, shard.StatePostRecovery, s.State())
	assert.True(t, d.GCDeletesEnabled())
}

func TestRecoverFromExistingStoreReplaysTranslog(t *testing.T) {
	id := testShardID(0)

	// Prime a translog with one record by running a throwaway engine, then
	// have the driver open a *new* store against that same translog.
	tlog := translog.New("gen-existing")
	seed := engine.NewMemEngine(storage.NewMemoryStore(), tlog)
	_, err := seed.Index(context.Background(), engine.Operation{Kind: engine.OpIndex, UID: "a", SeqNo: -2, Source: []byte("v")})
	require.NoError(t, err)

	s := newCreatedShard(id)

	// Run the EXISTING_STORE steps by hand instead of through Driver.Recover
	// (which opens a fresh translog), so the primed translog is the one
	// replayed: mark recovering first, the way Recover itself would.
	require.NoError(t, s.MarkAsRecovering(cluster.RecoveryExistingStore))
	store := storage.NewMemoryStore()
	eng := engine.NewMemEngine(store, tlog)
	require.NoError(t, eng.RecoverFromTranslog(context.Background()))
	require.NoError(t, s.PostRecovery(eng))

	searcher, err := eng.AcquireSearcher("test")
	require.NoError(t, err)
	defer searcher.Release()
	v, err := searcher.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

type fakePeer struct {
	called     bool
	sourceNode string
}

func (f *fakePeer) StartRecovery(ctx context.Context, sourceNode string, id cluster.ShardId) (engine.SegmentEngine, error) {
	f.called = true
	f.sourceNode = sourceNode
	return engine.NewMemEngine(storage.NewMemoryStore(), translog.New("peer-gen")), nil
}

func TestRecoverFromPeerUsesPeerService(t *testing.T) {
	id := testShardID(0)
	s := newCreatedShard(id)
	peer := &fakePeer{}
	d := New(Config{Shard: s, Peer: peer})

	err := d.Recover(context.Background(), cluster.RecoveryPeer, "node-9", nil)
	require.NoError(t, err)
	assert.True(t, peer.called)
	assert.Equal(t, "node-9", peer.sourceNode)
	assert.Equal(t, StageDone, d.Stage())
}

type fakeRepository struct{ called bool }

func (f *fakeRepository) Restore(ctx context.Context, id cluster.ShardId) (engine.SegmentEngine, error) {
	f.called = true
	return engine.NewMemEngine(storage.NewMemoryStore(), translog.New("snapshot-gen")), nil
}

func TestRecoverFromSnapshotUsesRepository(t *testing.T) {
	id := testShardID(0)
	s := newCreatedShard(id)
	repo := &fakeRepository{}
	d := New(Config{Shard: s, Repository: repo})

	err := d.Recover(context.Background(), cluster.RecoverySnapshot, "", nil)
	require.NoError(t, err)
	assert.True(t, repo.called)
	assert.Equal(t, StageDone, d.Stage())
}

type fakeLocalShardsRecoverer struct{ called bool }

func (f *fakeLocalShardsRecoverer) RecoverFromLocalShards(ctx context.Context, id cluster.ShardId, sources []*shard.IndexShard) (engine.SegmentEngine, error) {
	f.called = true
	return engine.NewMemEngine(storage.NewMemoryStore(), translog.New("local-gen")), nil
}

func startShardForTest(t *testing.T, id cluster.ShardId) *shard.IndexShard {
	t.Helper()
	s := newCreatedShard(id)
	require.NoError(t, s.MarkAsRecovering(cluster.RecoveryEmptyStore))
	require.NoError(t, s.PostRecovery(engine.NewMemEngine(storage.NewMemoryStore(), translog.New("gen"))))
	r := s.Routing()
	r.Active = true
	require.NoError(t, s.UpdateRoutingEntry(context.Background(), r))
	return s
}

func TestRecoverFromLocalShardsRequiresStartedSources(t *testing.T) {
	target := newCreatedShard(testShardID(0))
	notStarted := newCreatedShard(testShardID(1))
	recoverer := &fakeLocalShardsRecoverer{}
	d := New(Config{Shard: target, LocalShards: recoverer})

	err := d.Recover(context.Background(), cluster.RecoveryLocalShards, "", []*shard.IndexShard{notStarted})
	require.Error(t, err)
	assert.False(t, recoverer.called)
}

func TestRecoverFromLocalShardsSucceedsWithStartedSources(t *testing.T) {
	target := newCreatedShard(testShardID(0))
	started := startShardForTest(t, testShardID(1))
	recoverer := &fakeLocalShardsRecoverer{}
	d := New(Config{Shard: target, LocalShards: recoverer})

	err := d.Recover(context.Background(), cluster.RecoveryLocalShards, "", []*shard.IndexShard{started})
	require.NoError(t, err)
	assert.True(t, recoverer.called)
	assert.Equal(t, StageDone, d.Stage())
}

func TestRestartResetsStageAndKeepsRecovering(t *testing.T) {
	id := testShardID(0)
	s := newCreatedShard(id)
	require.NoError(t, s.MarkAsRecovering(cluster.RecoveryPeer))

	d := New(Config{Shard: s})
	d.setStage(StageTranslog)

	require.NoError(t, d.Restart())
	assert.Equal(t, StageInit, d.Stage())
	assert.Equal(t, shard.StateRecovering, s.State())
	assert.False(t, d.GCDeletesEnabled())
}
