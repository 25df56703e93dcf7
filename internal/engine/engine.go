// Package engine defines the SegmentEngine interface the shard treats as
// opaque, the Operation/OperationResult data model that flows through it,
// and a reference in-memory implementation (memEngine) used by cmd/node and
// by the shard and replication tests.
//
// The shard never reaches into an engine's internals: every interaction
// goes through this interface so the engine can be swapped out wholesale
// on recovery restart (IndexShard holds its current engine behind an
// RWMutex; PerformRecoveryRestart clears that reference and closes the old
// engine without flushing it).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/shardcore/internal/seqno"
	"github.com/dreamware/shardcore/internal/translog"
)

// OperationKind discriminates the three operation variants the engine
// accepts.
type OperationKind string

const (
	OpIndex      OperationKind = "INDEX"
	OpDelete     OperationKind = "DELETE"
	OpNoOpUpdate OperationKind = "NOOP_UPDATE"
)

// OperationOrigin records who produced an operation, which affects how
// aggressively the engine re-validates it.
type OperationOrigin string

const (
	OriginPrimary               OperationOrigin = "PRIMARY"
	OriginReplica               OperationOrigin = "REPLICA"
	OriginPeerRecovery          OperationOrigin = "PEER_RECOVERY"
	OriginLocalTranslogRecovery OperationOrigin = "LOCAL_TRANSLOG_RECOVERY"
)

// VersionType selects how Version is interpreted: INTERNAL means the engine
// assigns the next version itself; EXTERNAL means the caller supplies an
// authoritative version (e.g. replaying a replica's already-assigned one).
type VersionType string

const (
	VersionTypeInternal VersionType = "INTERNAL"
	VersionTypeExternal VersionType = "EXTERNAL"
)

// Operation is the sum-of-variants write request the engine applies.
type Operation struct {
	Kind                     OperationKind
	UID                      string
	SeqNo                    int64
	PrimaryTerm              uint64
	Version                  int64
	VersionType              VersionType
	Origin                   OperationOrigin
	StartTime                time.Time
	AutoGeneratedIDTimestamp int64
	IsRetry                  bool
	// Source is the document body for OpIndex; nil for OpDelete/OpNoOpUpdate.
	Source []byte
}

// ResultKind is the user-visible outcome of applying an operation.
type ResultKind string

const (
	ResultCreated  ResultKind = "CREATED"
	ResultUpdated  ResultKind = "UPDATED"
	ResultDeleted  ResultKind = "DELETED"
	ResultNotFound ResultKind = "NOT_FOUND"
	ResultNoop     ResultKind = "NOOP"
)

// ErrorKind is the taxonomy of engine-level failures.
type ErrorKind string

const (
	ErrKindIllegalIndexShardState ErrorKind = "ILLEGAL_INDEX_SHARD_STATE"
	ErrKindAlreadyClosed          ErrorKind = "ALREADY_CLOSED"
	ErrKindEngineClosed           ErrorKind = "ENGINE_CLOSED"
	ErrKindVersionConflict        ErrorKind = "VERSION_CONFLICT"
	ErrKindMapperParsing          ErrorKind = "MAPPER_PARSING"
	ErrKindShardNotFound          ErrorKind = "SHARD_NOT_FOUND"
	ErrKindIndexNotFound          ErrorKind = "INDEX_NOT_FOUND"
	ErrKindRecoveryFailed         ErrorKind = "RECOVERY_FAILED"
	ErrKindCorruptIndex           ErrorKind = "CORRUPT_INDEX"
	ErrKindIndexFormatTooOld      ErrorKind = "INDEX_FORMAT_TOO_OLD"
	ErrKindIndexFormatTooNew      ErrorKind = "INDEX_FORMAT_TOO_NEW"
	ErrKindCircuitBreaking        ErrorKind = "CIRCUIT_BREAKING"
	ErrKindRelocationTimeout      ErrorKind = "RELOCATION_TIMEOUT"
)

// EngineError wraps a classified failure; callers use errors.As to recover
// the Kind and decide how to route it (retry, ignore, fail the shard).
type EngineError struct {
	Kind  ErrorKind
	Cause error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("engine: %s", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError builds an EngineError with the given kind and cause.
func NewEngineError(kind ErrorKind, cause error) *EngineError {
	return &EngineError{Kind: kind, Cause: cause}
}

// OperationResult is what Index/Delete return: either a success carrying
// the assigned seq-no/version/location, or a failure.
type OperationResult struct {
	SeqNo      int64
	Version    int64
	Location   translog.Location
	IsCreated  bool
	IsFound    bool
	Result     ResultKind
	HasFailure bool
	Failure    *EngineError
}

// CommitId identifies one durable commit of engine state.
type CommitId string

// SyncFlushResult is the outcome of an attempted synced flush.
type SyncFlushResult string

const (
	SyncFlushCommitted         SyncFlushResult = "COMMITTED"
	SyncFlushPendingOperations SyncFlushResult = "PENDING_OPERATIONS"
	SyncFlushOutOfSync         SyncFlushResult = "OUT_OF_SYNC"
	SyncFlushFailed            SyncFlushResult = "FAILED"
)

// RefreshSource documents why a refresh was requested, for logging/metrics.
type RefreshSource string

// Searcher is a scoped read handle; Release must be called on every exit
// path once the caller is done reading.
type Searcher struct {
	store    Reader
	released bool
}

// Reader is the minimal read surface a Searcher exposes.
type Reader interface {
	Get(key string) ([]byte, error)
	List() []string
}

func newSearcher(store Reader) *Searcher { return &Searcher{store: store} }

// Get reads key from the engine's live store. The view is not a
// point-in-time snapshot: writes made after the searcher was acquired are
// visible through it.
func (s *Searcher) Get(key string) ([]byte, error) { return s.store.Get(key) }

// List returns the keys visible through this searcher's view.
func (s *Searcher) List() []string { return s.store.List() }

// Release returns the searcher. Idempotent.
func (s *Searcher) Release() { s.released = true }

// Commit is a scoped handle on a point-in-time commit, held by snapshotting
// collaborators until Release.
type Commit struct {
	ID       CommitId
	released bool
}

// Release returns the commit. Idempotent.
func (c *Commit) Release() { c.released = true }

// Config is the accessor surface an engine exposes back to its shard.
type Config struct {
	SeqNoService *seqno.Service
	Translog     *translog.Translog
}

// SegmentEngine is the opaque interface the shard requires of its storage
// engine. Every method here corresponds 1:1 to an operation named for the
// engine component.
type SegmentEngine interface {
	Index(ctx context.Context, op Operation) (OperationResult, error)
	Delete(ctx context.Context, op Operation) (OperationResult, error)

	Refresh(source RefreshSource) error
	Flush(ctx context.Context, force, waitIfOngoing bool) (CommitId, error)
	SyncFlush(syncID string, expectedCommitID CommitId) (SyncFlushResult, error)
	ForceMerge(flush bool, maxSegments int, onlyExpungeDeletes, upgrade, onlyAncient bool) error

	AcquireSearcher(source RefreshSource) (*Searcher, error)
	AcquireIndexCommit(flushFirst bool) (*Commit, error)

	SeqNoService() *seqno.Service

	IsThrottled() bool
	ActivateThrottling()
	DeactivateThrottling()
	GetIndexBufferRAMBytesUsed() int64
	WriteIndexingBuffer() error

	RecoverFromTranslog(ctx context.Context) error
	Config() Config
	Close() error

	// SetEnableGCDeletes toggles garbage collection of tombstoned deletes.
	// The recovery driver disables this for the duration of recovery and
	// re-enables it once recovery reaches FINALIZE.
	SetEnableGCDeletes(enabled bool)
}
