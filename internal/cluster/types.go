// Package cluster provides the identity, routing, and transport types shared
// across the node and coordinator processes. See doc.go for complete package
// documentation.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// NodeInfo represents a storage node in the cluster, containing the
// essential metadata needed for node identification, communication, and
// cluster membership management.
type NodeInfo struct {
	// LastHealthCheck records when the node was last checked by the coordinator.
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`

	// ID is the unique identifier for this node within the cluster.
	ID string `json:"id"`

	// Addr is the network address where this node can be reached.
	Addr string `json:"addr"`

	// Status indicates the current health status of the node.
	// Possible values: "healthy", "unhealthy", "unknown".
	Status string `json:"status,omitempty"`
}

// RegisterRequest encapsulates the data sent by a node when registering
// with the coordinator to join the cluster.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// BroadcastRequest represents a message to be broadcast from the coordinator
// to all nodes in the cluster.
type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// DefaultIndexName and DefaultIndexUUID identify the single logical index
// this cluster serves. A production coordinator would mint IndexUUID fresh
// per index creation; this deployment serves exactly one index, so both
// processes agree on the pair by default without an extra handshake.
const (
	DefaultIndexName = "docs"
	DefaultIndexUUID = "cluster-index-0"
)

// ControlMessage is the coordinator-to-node control-plane message used to
// assign shard routing on a node or notify it of routing changes decided
// elsewhere in the cluster.
type ControlMessage struct {
	Type        string   `json:"type"`
	ShardNum    int      `json:"shard_num"`
	Primary     bool     `json:"primary,omitempty"`
	PrimaryTerm uint64   `json:"primary_term,omitempty"`
	Replicas    []string `json:"replicas,omitempty"`
	// SourceAddr is the address of a node holding an existing copy of the
	// shard, used for peer recovery when assigning a replica.
	SourceAddr string `json:"source_addr,omitempty"`
}

// Control message types.
const (
	ControlAssignShard       = "assign_shard"
	ControlUpdateReplicas    = "update_replicas"
	ControlUpdatePrimaryTerm = "update_primary_term"
)

// AllocationID identifies one specific copy of a shard on one specific node.
// It survives only for the lifetime of that copy: a shard relocated to a new
// node, or recreated after a full rebuild, gets a fresh AllocationID even
// though its ShardId is unchanged.
type AllocationID string

// NewAllocationID mints a fresh allocation identifier.
func NewAllocationID() AllocationID {
	return AllocationID(uuid.NewString())
}

// ShardId is the immutable identity of a shard: which index it belongs to,
// which incarnation of that index (IndexUUID changes if the index is deleted
// and recreated with the same name), and which numbered partition it is.
type ShardId struct {
	IndexName string `json:"index_name"`
	IndexUUID string `json:"index_uuid"`
	ShardNum  int    `json:"shard_num"`
}

// String renders the shard id in "index/uuid][shard_num]" form, matching
// common log-line rendering for shard identities.
func (id ShardId) String() string {
	return fmt.Sprintf("%s/%s][%d]", id.IndexName, id.IndexUUID, id.ShardNum)
}

// RecoverySource discriminates the four ways a shard copy can be populated.
type RecoverySource string

const (
	RecoveryEmptyStore    RecoverySource = "EMPTY_STORE"
	RecoveryExistingStore RecoverySource = "EXISTING_STORE"
	RecoveryPeer          RecoverySource = "PEER"
	RecoverySnapshot      RecoverySource = "SNAPSHOT"
	RecoveryLocalShards   RecoverySource = "LOCAL_SHARDS"
)

// ShardRouting is the mutable routing entry for one allocation of one shard:
// which node it lives on, whether it is primary or replica, whether it is
// mid-relocation, and where it should recover its data from. Two routing
// entries refer to the same allocation iff their AllocationID fields match.
type ShardRouting struct {
	ShardId ShardId
	Node    string
	// RelocatingTo is the target node ID while Relocating is true, empty
	// otherwise.
	RelocatingTo   string
	AllocationID   AllocationID
	RecoverySource RecoverySource
	Primary        bool
	Active         bool
	Initializing   bool
	Relocating     bool
}

// Copy returns a value copy, safe for a caller to retain and mutate without
// affecting the original routing entry.
func (r ShardRouting) Copy() ShardRouting {
	return r
}

// SameAllocation reports whether two routing entries describe the same
// shard allocation.
func (r ShardRouting) SameAllocation(other ShardRouting) bool {
	return r.ShardId == other.ShardId && r.AllocationID == other.AllocationID
}

// ClusterStateSource is the inbound interface the shard-owning node consumes
// from the external cluster-state distribution system. The core
// never implements master election, gossip, or state diffing itself; it only
// reacts to the three calls below, which the real coordinator invokes once a
// new cluster state has propagated.
type ClusterStateSource interface {
	// UpdateRoutingEntry pushes a new routing entry for a shard this node
	// holds. Implementations must reject transitions that demote primary to
	// replica, change the shard id, or relocate away from an already
	// RELOCATED allocation.
	UpdateRoutingEntry(ctx context.Context, newRouting ShardRouting) error

	// UpdatePrimaryTerm pushes a new primary term for a shard. newTerm must
	// be strictly greater than the shard's current term.
	UpdatePrimaryTerm(ctx context.Context, shard ShardId, newTerm uint64) error

	// UpdateAllocationIDsFromMaster reconciles the set of in-sync
	// allocation ids tracked by the shard's SeqNoService with the
	// authoritative active/initializing sets from cluster state.
	UpdateAllocationIDsFromMaster(ctx context.Context, shard ShardId, active, initializing []AllocationID) error
}

// httpClient is the shared HTTP client used for all cluster communication.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request to the specified URL and
// decodes the JSON response into the provided output structure.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request to the specified URL and decodes the JSON
// response into the provided output structure.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
