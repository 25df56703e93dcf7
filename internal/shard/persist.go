package shard

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dreamware/shardcore/internal/cluster"
)

// persistedShardState is the on-disk shape written to statePath whenever a
// shard's primary-ness or allocation changes, so a restarted node can
// recover its identity before cluster state has reconverged.
type persistedShardState struct {
	Primary      bool                 `json:"primary"`
	IndexUUID    string               `json:"index_uuid"`
	AllocationID cluster.AllocationID `json:"allocation_id"`
}

// persistShardState atomically writes the shard's current routing to
// s.statePath: it writes to a temp file in the same directory, then renames
// over the target so a crash mid-write can never leave a half-written file.
func (s *IndexShard) persistShardState() error {
	s.stateMu.Lock()
	state := persistedShardState{
		Primary:      s.routing.Primary,
		IndexUUID:    s.routing.ShardId.IndexUUID,
		AllocationID: s.routing.AllocationID,
	}
	s.stateMu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, ".shard_state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.statePath)
}

// loadShardState reads a previously persisted shard_state file. Callers
// treat os.IsNotExist specially: a fresh allocation with no prior state is
// not an error.
func loadShardState(statePath string) (persistedShardState, error) {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return persistedShardState{}, err
	}
	var state persistedShardState
	if err := json.Unmarshal(data, &state); err != nil {
		return persistedShardState{}, err
	}
	return state, nil
}
