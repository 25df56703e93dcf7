// Package recovery implements RecoveryDriver: the state machine that
// populates a freshly created IndexShard from one of its four sources and
// hands the resulting engine to the shard via PostRecovery. See doc.go for
// complete package documentation.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/shard"
	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/google/uuid"
)

// Stage is one of the recovery-progress markers reported by Driver.Stage.
type Stage string

const (
	StageInit        Stage = "INIT"
	StageIndex       Stage = "INDEX"
	StageVerifyIndex Stage = "VERIFY_INDEX"
	StageTranslog    Stage = "TRANSLOG"
	StageFinalize    Stage = "FINALIZE"
	StageDone        Stage = "DONE"
)

// PeerRecoveryTargetService streams an existing copy's files and translog
// operations from a remote node, returning a ready-to-use engine.
type PeerRecoveryTargetService interface {
	StartRecovery(ctx context.Context, sourceNode string, id cluster.ShardId) (engine.SegmentEngine, error)
}

// Repository restores a shard's data from an opaque snapshot store.
type Repository interface {
	Restore(ctx context.Context, id cluster.ShardId) (engine.SegmentEngine, error)
}

// LocalShardsRecoverer assembles a new engine out of the overlapping
// key-range subset of already-STARTED source shards, for index
// shrink/split operations.
type LocalShardsRecoverer interface {
	RecoverFromLocalShards(ctx context.Context, id cluster.ShardId, sources []*shard.IndexShard) (engine.SegmentEngine, error)
}

// Config wires a Driver to one IndexShard and to the external
// collaborators its four sources need.
type Config struct {
	Shard       *shard.IndexShard
	NewStore    func() storage.Store
	Peer        PeerRecoveryTargetService
	Repository  Repository
	LocalShards LocalShardsRecoverer
}

// Driver runs the recovery stage machine for one shard. The zero value is
// not usable; construct with New.
type Driver struct {
	cfg Config

	mu    sync.Mutex
	stage Stage

	gcDeletesEnabled atomic.Bool
}

// New returns a Driver in stage INIT for the given configuration.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, stage: StageInit}
}

// Stage returns the current recovery stage.
func (d *Driver) Stage() Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stage
}

func (d *Driver) setStage(s Stage) {
	d.mu.Lock()
	d.stage = s
	d.mu.Unlock()
}

// GCDeletesEnabled reports whether garbage collection of tombstoned
// deletes is currently permitted; it is disabled for the duration of
// recovery and re-enabled once the driver reaches FINALIZE.
func (d *Driver) GCDeletesEnabled() bool { return d.gcDeletesEnabled.Load() }

// Recover drives the shard from CREATED through RECOVERING to
// POST_RECOVERY, dispatching to the source-specific path named by source.
// sourceNode is only consulted for RecoveryPeer; localSources only for
// RecoveryLocalShards.
func (d *Driver) Recover(ctx context.Context, source cluster.RecoverySource, sourceNode string, localSources []*shard.IndexShard) error {
	d.setStage(StageInit)
	d.gcDeletesEnabled.Store(false)

	if err := d.cfg.Shard.MarkAsRecovering(source); err != nil {
		return err
	}

	eng, err := d.recoverFromSource(ctx, source, sourceNode, localSources)
	if err != nil {
		return err
	}
	eng.SetEnableGCDeletes(false)

	d.setStage(StageFinalize)
	if err := d.cfg.Shard.PostRecovery(eng); err != nil {
		return err
	}
	d.gcDeletesEnabled.Store(true)
	d.cfg.Shard.SetEnableGCDeletes(true)
	d.setStage(StageDone)
	return nil
}

func (d *Driver) recoverFromSource(ctx context.Context, source cluster.RecoverySource, sourceNode string, localSources []*shard.IndexShard) (engine.SegmentEngine, error) {
	switch source {
	case cluster.RecoveryEmptyStore, cluster.RecoveryExistingStore:
		return d.recoverFromLocalStore(ctx, source)
	case cluster.RecoveryPeer:
		return d.recoverFromPeer(ctx, sourceNode)
	case cluster.RecoverySnapshot:
		return d.recoverFromSnapshot(ctx)
	case cluster.RecoveryLocalShards:
		return d.recoverFromLocalShards(ctx, localSources)
	default:
		return nil, fmt.Errorf("recovery: unknown source %q", source)
	}
}

// recoverFromLocalStore handles EMPTY_STORE and EXISTING_STORE: open a
// local store and a fresh translog, and for EXISTING_STORE replay the
// translog back into the store before declaring the engine ready.
func (d *Driver) recoverFromLocalStore(ctx context.Context, source cluster.RecoverySource) (engine.SegmentEngine, error) {
	d.setStage(StageIndex)
	store := d.cfg.NewStore()
	tlog := translog.New(uuid.NewString())
	eng := engine.NewMemEngine(store, tlog)

	d.setStage(StageVerifyIndex)
	// The reference engine has no on-disk segment format to check; a real
	// SegmentEngine implementation would run check_index here.

	d.setStage(StageTranslog)
	if source == cluster.RecoveryExistingStore {
		if err := eng.RecoverFromTranslog(ctx); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (d *Driver) recoverFromPeer(ctx context.Context, sourceNode string) (engine.SegmentEngine, error) {
	d.setStage(StageIndex)
	eng, err := d.cfg.Peer.StartRecovery(ctx, sourceNode, d.cfg.Shard.ID())
	if err != nil {
		return nil, err
	}
	d.setStage(StageTranslog)
	return eng, nil
}

func (d *Driver) recoverFromSnapshot(ctx context.Context) (engine.SegmentEngine, error) {
	d.setStage(StageIndex)
	eng, err := d.cfg.Repository.Restore(ctx, d.cfg.Shard.ID())
	if err != nil {
		return nil, err
	}
	// Snapshot recovery starts a fresh translog; there is nothing to replay.
	d.setStage(StageTranslog)
	return eng, nil
}

func (d *Driver) recoverFromLocalShards(ctx context.Context, sources []*shard.IndexShard) (engine.SegmentEngine, error) {
	d.setStage(StageIndex)
	for _, src := range sources {
		if src.State() != shard.StateStarted {
			return nil, fmt.Errorf("recovery: source shard %s is not STARTED", src.ID())
		}
	}
	eng, err := d.cfg.LocalShards.RecoverFromLocalShards(ctx, d.cfg.Shard.ID(), sources)
	if err != nil {
		return nil, err
	}
	d.setStage(StageTranslog)
	return eng, nil
}

// Restart implements perform_recovery_restart: it resets the driver to
// INIT and asks the shard to discard its current (partial) engine
// incarnation while staying in RECOVERING.
func (d *Driver) Restart() error {
	d.setStage(StageInit)
	d.gcDeletesEnabled.Store(false)
	return d.cfg.Shard.PerformRecoveryRestart()
}
