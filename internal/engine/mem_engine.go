package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardcore/internal/seqno"
	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
)

// record is what gets marshaled into the translog for each applied
// operation, sufficient to replay it into a fresh store.
type record struct {
	Kind    OperationKind `json:"kind"`
	UID     string        `json:"uid"`
	Value   []byte        `json:"value,omitempty"`
	Version int64         `json:"version"`
	SeqNo   int64         `json:"seq_no"`
}

// memEngine is the reference SegmentEngine implementation: it keeps
// documents in a storage.MemoryStore and durability in an
// internal/translog.Translog, with no real segment files or merges. It
// exists so cmd/node and the shard/replication test suites have a
// complete, in-process engine to exercise.
type memEngine struct {
	mu       sync.Mutex
	store    storage.Store
	versions map[string]int64
	seqNos   *seqno.Service
	tlog     *translog.Translog

	closed      atomic.Bool
	throttled   atomic.Bool
	gcDeletes   atomic.Bool
	bufferBytes atomic.Int64
	commitSeq   atomic.Int64
	lastSyncID  string
	lastCommit  CommitId
}

// NewMemEngine returns a SegmentEngine backed by an in-memory store, a
// fresh SeqNoService, and the given translog (normally freshly constructed
// by the shard for this engine incarnation).
func NewMemEngine(store storage.Store, tlog *translog.Translog) SegmentEngine {
	e := &memEngine{
		store:    store,
		versions: make(map[string]int64),
		seqNos:   seqno.New(),
		tlog:     tlog,
	}
	e.gcDeletes.Store(true)
	return e
}

func (e *memEngine) checkOpen() error {
	if e.closed.Load() {
		return NewEngineError(ErrKindEngineClosed, nil)
	}
	return nil
}

func (e *memEngine) Index(ctx context.Context, op Operation) (OperationResult, error) {
	return e.apply(ctx, op)
}

func (e *memEngine) Delete(ctx context.Context, op Operation) (OperationResult, error) {
	op.Kind = OpDelete
	return e.apply(ctx, op)
}

func (e *memEngine) apply(ctx context.Context, op Operation) (OperationResult, error) {
	if err := e.checkOpen(); err != nil {
		return OperationResult{HasFailure: true, Failure: err.(*EngineError)}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existingVersion, existed := e.versions[op.UID]

	// Resolve the version, and reject a conflicting EXTERNAL write, before
	// generating a seq-no ticket: a rejected write must not leave a
	// permanent hole in the seq-no run (S2), since MarkSeqNoAsCompleted is
	// never called for it.
	var version int64
	switch op.VersionType {
	case VersionTypeExternal:
		if existed && op.Version <= existingVersion {
			failure := NewEngineError(ErrKindVersionConflict, nil)
			return OperationResult{SeqNo: seqno.UnassignedSeqNo, HasFailure: true, Failure: failure}, failure
		}
		version = op.Version
	default: // VersionTypeInternal
		version = existingVersion + 1
	}

	seqNo := op.SeqNo
	if seqNo == seqno.UnassignedSeqNo {
		seqNo = e.seqNos.GenerateSeqNo()
	}

	rec := record{Kind: op.Kind, UID: op.UID, Value: op.Source, Version: version, SeqNo: seqNo}
	payload, err := json.Marshal(rec)
	if err != nil {
		failure := NewEngineError(ErrKindMapperParsing, err)
		return OperationResult{SeqNo: seqNo, HasFailure: true, Failure: failure}, failure
	}

	loc, err := e.tlog.Append(seqNo, payload)
	if err != nil {
		failure := NewEngineError(ErrKindEngineClosed, err)
		return OperationResult{SeqNo: seqNo, HasFailure: true, Failure: failure}, failure
	}

	result := OperationResult{SeqNo: seqNo, Version: version, Location: loc}

	switch op.Kind {
	case OpDelete:
		if !existed {
			result.Result = ResultNotFound
			result.IsFound = false
		} else {
			if err := e.store.Delete(op.UID); err != nil {
				failure := NewEngineError(ErrKindAlreadyClosed, err)
				return OperationResult{SeqNo: seqNo, HasFailure: true, Failure: failure}, failure
			}
			e.versions[op.UID] = version
			result.Result = ResultDeleted
			result.IsFound = true
		}
	default: // OpIndex
		if err := e.store.Put(op.UID, op.Source); err != nil {
			failure := NewEngineError(ErrKindAlreadyClosed, err)
			return OperationResult{SeqNo: seqNo, HasFailure: true, Failure: failure}, failure
		}
		e.versions[op.UID] = version
		e.bufferBytes.Add(int64(len(op.Source)))
		if existed {
			result.Result = ResultUpdated
		} else {
			result.Result = ResultCreated
			result.IsCreated = true
		}
	}

	e.seqNos.MarkSeqNoAsCompleted(seqNo)
	return result, nil
}

func (e *memEngine) Refresh(source RefreshSource) error {
	return e.checkOpen()
}

func (e *memEngine) Flush(ctx context.Context, force, waitIfOngoing bool) (CommitId, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force && e.tlog.SizeInBytes() == 0 {
		return e.lastCommit, nil
	}

	id := CommitId(ulidLikeCommitID(e.commitSeq.Add(1)))
	if _, err := e.tlog.EnsureSynced(); err != nil {
		return "", NewEngineError(ErrKindAlreadyClosed, err)
	}
	e.lastCommit = id
	return id, nil
}

func (e *memEngine) SyncFlush(syncID string, expectedCommitID CommitId) (SyncFlushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tlog.SizeInBytes() > 0 && e.lastCommit != expectedCommitID {
		return SyncFlushPendingOperations, nil
	}
	if expectedCommitID != e.lastCommit {
		return SyncFlushOutOfSync, nil
	}
	e.lastSyncID = syncID
	return SyncFlushCommitted, nil
}

func (e *memEngine) ForceMerge(flush bool, maxSegments int, onlyExpungeDeletes, upgrade, onlyAncient bool) error {
	return e.checkOpen()
}

func (e *memEngine) AcquireSearcher(source RefreshSource) (*Searcher, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return newSearcher(e.store), nil
}

func (e *memEngine) AcquireIndexCommit(flushFirst bool) (*Commit, error) {
	if flushFirst {
		if _, err := e.Flush(context.Background(), false, true); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Commit{ID: e.lastCommit}, nil
}

func (e *memEngine) SeqNoService() *seqno.Service { return e.seqNos }

func (e *memEngine) IsThrottled() bool          { return e.throttled.Load() }
func (e *memEngine) ActivateThrottling()         { e.throttled.Store(true) }
func (e *memEngine) DeactivateThrottling()       { e.throttled.Store(false) }
func (e *memEngine) GetIndexBufferRAMBytesUsed() int64 {
	return e.bufferBytes.Load()
}

func (e *memEngine) WriteIndexingBuffer() error {
	e.bufferBytes.Store(0)
	return nil
}

// SetEnableGCDeletes toggles tombstone garbage collection. The reference
// engine never retains tombstones for deleted keys in the first place, so
// this only records the flag for callers that poll it; a real segment
// engine would gate its deletion-GC sweep on it.
func (e *memEngine) SetEnableGCDeletes(enabled bool) { e.gcDeletes.Store(enabled) }

// RecoverFromTranslog replays every record in the engine's translog back
// into the store, reconstructing the pre-restart state.
func (e *memEngine) RecoverFromTranslog(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tlog.Replay(ctx, func(seqNo int64, payload []byte) error {
		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return NewEngineError(ErrKindCorruptIndex, err)
		}
		switch rec.Kind {
		case OpDelete:
			if err := e.store.Delete(rec.UID); err != nil {
				return err
			}
		default:
			if err := e.store.Put(rec.UID, rec.Value); err != nil {
				return err
			}
		}
		e.versions[rec.UID] = rec.Version
		e.seqNos.MarkSeqNoAsCompleted(seqNo)
		return nil
	})
}

func (e *memEngine) Config() Config {
	return Config{SeqNoService: e.seqNos, Translog: e.tlog}
}

func (e *memEngine) Close() error {
	e.closed.Store(true)
	e.tlog.Close()
	return nil
}

func ulidLikeCommitID(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuv"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%int64(len(digits))]
		n /= int64(len(digits))
	}
	return string(buf[i:])
}
