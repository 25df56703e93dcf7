package engine

import (
	"context"
	"testing"

	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() SegmentEngine {
	return NewMemEngine(storage.NewMemoryStore(), translog.New("test-gen"))
}

func TestIndexCreatesDocument(t *testing.T) {
	e := newTestEngine()
	result, err := e.Index(context.Background(), Operation{
		Kind:   OpIndex,
		UID:    "a",
		SeqNo:  -2, // seqno.UnassignedSeqNo
		Source: []byte(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.False(t, result.HasFailure)
	assert.Equal(t, ResultCreated, result.Result)
	assert.True(t, result.IsCreated)
	assert.Equal(t, int64(0), result.SeqNo)
	assert.Equal(t, int64(1), result.Version)
}

func TestIndexUpdateBumpsVersion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "a", SeqNo: -2, Source: []byte("v1")})
	require.NoError(t, err)

	result, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "a", SeqNo: -2, Source: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, result.Result)
	assert.Equal(t, int64(2), result.Version)
}

func TestDeleteMissingDocumentReturnsNotFound(t *testing.T) {
	e := newTestEngine()
	result, err := e.Delete(context.Background(), Operation{UID: "missing", SeqNo: -2})
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, result.Result)
	assert.False(t, result.IsFound)
}

func TestDeleteExistingDocument(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "a", SeqNo: -2, Source: []byte("v1")})
	require.NoError(t, err)

	result, err := e.Delete(ctx, Operation{UID: "a", SeqNo: -2})
	require.NoError(t, err)
	assert.Equal(t, ResultDeleted, result.Result)
	assert.True(t, result.IsFound)
}

func TestExternalVersionConflict(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Index(ctx, Operation{
		Kind: OpIndex, UID: "a", SeqNo: -2,
		VersionType: VersionTypeExternal, Version: 5, Source: []byte("v5"),
	})
	require.NoError(t, err)

	result, err := e.Index(ctx, Operation{
		Kind: OpIndex, UID: "a", SeqNo: -2,
		VersionType: VersionTypeExternal, Version: 3, Source: []byte("v3"),
	})
	require.Error(t, err)
	assert.True(t, result.HasFailure)
	assert.Equal(t, ErrKindVersionConflict, result.Failure.Kind)
}

func TestTranslogLocationsStrictlyIncreaseAcrossOps(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	r1, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "a", SeqNo: -2, Source: []byte("1")})
	require.NoError(t, err)
	r2, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "b", SeqNo: -2, Source: []byte("2")})
	require.NoError(t, err)

	assert.True(t, r2.Location > r1.Location)
}

func TestFlushReturnsStableCommitWhenClean(t *testing.T) {
	e := newTestEngine()
	id1, err := e.Flush(context.Background(), false, false)
	require.NoError(t, err)

	id2, err := e.Flush(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestRecoverFromTranslogReplaysAllOps(t *testing.T) {
	store := storage.NewMemoryStore()
	tlog := translog.New("gen-1")
	e := NewMemEngine(store, tlog)
	ctx := context.Background()

	for _, doc := range []string{"a", "b", "c"} {
		_, err := e.Index(ctx, Operation{Kind: OpIndex, UID: doc, SeqNo: -2, Source: []byte(doc)})
		require.NoError(t, err)
	}

	fresh := NewMemEngine(storage.NewMemoryStore(), tlog)
	err := fresh.RecoverFromTranslog(ctx)
	require.NoError(t, err)

	searcher, err := fresh.AcquireSearcher("recovery-check")
	require.NoError(t, err)
	defer searcher.Release()

	for _, doc := range []string{"a", "b", "c"} {
		v, err := searcher.Get(doc)
		require.NoError(t, err)
		assert.Equal(t, doc, string(v))
	}
}

func TestClosedEngineRejectsWrites(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.Close())

	result, err := e.Index(context.Background(), Operation{Kind: OpIndex, UID: "a", SeqNo: -2})
	require.Error(t, err)
	assert.True(t, result.HasFailure)
	assert.Equal(t, ErrKindEngineClosed, result.Failure.Kind)
}

func TestThrottling(t *testing.T) {
	e := newTestEngine()
	assert.False(t, e.IsThrottled())
	e.ActivateThrottling()
	assert.True(t, e.IsThrottled())
	e.DeactivateThrottling()
	assert.False(t, e.IsThrottled())
}

func TestWriteIndexingBufferResetsUsage(t *testing.T) {
	e := newTestEngine()
	_, err := e.Index(context.Background(), Operation{Kind: OpIndex, UID: "a", SeqNo: -2, Source: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.GetIndexBufferRAMBytesUsed())

	require.NoError(t, e.WriteIndexingBuffer())
	assert.Equal(t, int64(0), e.GetIndexBufferRAMBytesUsed())
}

// A version conflict must not consume a seq-no ticket (S2): otherwise the
// local checkpoint can never advance past the hole left by the rejected
// write.
func TestVersionConflictConsumesNoSeqNo(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.Index(ctx, Operation{
		Kind: OpIndex, UID: "a", SeqNo: -2,
		VersionType: VersionTypeExternal, Version: 5, Source: []byte("v5"),
	})
	require.NoError(t, err)

	_, err = e.Index(ctx, Operation{
		Kind: OpIndex, UID: "a", SeqNo: -2,
		VersionType: VersionTypeExternal, Version: 3, Source: []byte("v3"),
	})
	require.Error(t, err)

	result, err := e.Index(ctx, Operation{Kind: OpIndex, UID: "b", SeqNo: -2, Source: []byte("v")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SeqNo)
	assert.Equal(t, int64(1), e.SeqNoService().LocalCheckpoint())
}

func TestSetEnableGCDeletes(t *testing.T) {
	e := newTestEngine()
	e.SetEnableGCDeletes(false)
	e.SetEnableGCDeletes(true)
}
