// Package main implements the node service: the worker process that owns
// IndexShard instances, applies the primary/replica replication pipeline on
// top of them, and drives recovery when a shard is first assigned.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health            - Health check    │
//	│    /control           - Shard assignment│
//	│    /shard/{n}/doc/{k} - CRUD (primary)  │
//	│    /shard/{n}/replicate - Replica apply │
//	│    /shard/{n}/dump    - Peer recovery   │
//	│    /shard/{n}/stats   - Per-shard stats │
//	│    /info              - Node summary    │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - FLUSH_THRESHOLD_BYTES: Per-shard flush threshold (default: 1MiB)
//   - WAIT_FOR_ACTIVE_SHARDS: Shard copies, the primary included, that must
//     ack before acknowledging a primary write (default: 1, meaning the
//     primary alone suffices)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/engine"
	"github.com/dreamware/shardcore/internal/recovery"
	"github.com/dreamware/shardcore/internal/replication"
	"github.com/dreamware/shardcore/internal/shard"
	"github.com/dreamware/shardcore/internal/storage"
	"github.com/dreamware/shardcore/internal/translog"
	"github.com/fatih/color"
	"github.com/google/uuid"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// shardEntry is everything the node tracks locally for one shard
// allocation: the IndexShard itself, the recovery driver that populated
// it, and the replica set the replication coordinator fans writes out to.
type shardEntry struct {
	shard    *shard.IndexShard
	driver   *recovery.Driver
	mu       sync.Mutex
	replicas []string
}

// Node is a storage node in the cluster: it owns IndexShard instances,
// recovers them on assignment, and serves reads/writes directly or via
// replica replication.
type Node struct {
	ID            string
	indexName     string
	indexUUID     string
	flushBytes    int64
	shards        map[cluster.ShardId]*shardEntry
	mu            sync.RWMutex
	replicationCo *replication.Coordinator
}

// NewNode returns a node ready to accept shard assignments.
func NewNode(id, indexName, indexUUID string, flushBytes int64) *Node {
	n := &Node{
		ID:         id,
		indexName:  indexName,
		indexUUID:  indexUUID,
		flushBytes: flushBytes,
		shards:     make(map[cluster.ShardId]*shardEntry),
	}
	return n
}

func (n *Node) shardIDFor(shardNum int) cluster.ShardId {
	return cluster.ShardId{IndexName: n.indexName, IndexUUID: n.indexUUID, ShardNum: shardNum}
}

// LocalShard implements replication.ShardResolver.
func (n *Node) LocalShard(id cluster.ShardId) (*shard.IndexShard, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.shards[id]
	if !ok {
		return nil, false
	}
	return e.shard, true
}

// ReplicaNodes implements replication.ShardResolver.
func (n *Node) ReplicaNodes(id cluster.ShardId) []string {
	n.mu.RLock()
	e, ok := n.shards[id]
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.replicas...)
}

// FailShardCopy implements replication.ShardFailer. This node doesn't hold
// authoritative cluster state, so hostile replica failures are only logged;
// the coordinator's own health monitoring is what ultimately reassigns a
// persistently failing shard copy.
func (n *Node) FailShardCopy(ctx context.Context, id cluster.ShardId, node string, cause error) {
	log.Printf("shard %s: replica copy on %s failed: %v", id, node, cause)
}

// httpReplicaClient implements replication.ReplicaClient over the node's
// own /shard/{n}/replicate endpoint.
type httpReplicaClient struct{}

func (httpReplicaClient) Replicate(ctx context.Context, node string, req replication.ReplicaRequest) (replication.ReplicaAck, error) {
	var ack replication.ReplicaAck
	url := fmt.Sprintf("%s/shard/%d/replicate", node, req.ShardId.ShardNum)
	if err := cluster.PostJSON(ctx, url, req, &ack); err != nil {
		return replication.ReplicaAck{}, err
	}
	return ack, nil
}

// httpPeerRecovery implements recovery.PeerRecoveryTargetService by
// fetching a full key dump from sourceNode and bulk-indexing it into a
// fresh engine. There is no real segment transfer to speak of since the
// reference engine has no on-disk format; this is the closest in-memory
// analog of file-based peer recovery.
type httpPeerRecovery struct{}

func (httpPeerRecovery) StartRecovery(ctx context.Context, sourceNode string, id cluster.ShardId) (engine.SegmentEngine, error) {
	var dump map[string][]byte
	url := fmt.Sprintf("%s/shard/%d/dump", sourceNode, id.ShardNum)
	if err := cluster.GetJSON(ctx, url, &dump); err != nil {
		return nil, fmt.Errorf("peer recovery: fetch dump from %s: %w", sourceNode, err)
	}

	eng := engine.NewMemEngine(storage.NewMemoryStore(), translog.New(uuid.NewString()))
	for key, value := range dump {
		op := engine.Operation{
			Kind:        engine.OpIndex,
			UID:         key,
			SeqNo:       -2,
			VersionType: engine.VersionTypeInternal,
			Origin:      engine.OriginPeerRecovery,
			Source:      value,
		}
		if _, err := eng.Index(ctx, op); err != nil {
			return nil, fmt.Errorf("peer recovery: replay key %q: %w", key, err)
		}
	}
	return eng, nil
}

// assignShard creates (if absent) and recovers the local allocation for a
// shard, or updates routing metadata on an existing one.
func (n *Node) assignShard(msg cluster.ControlMessage) {
	id := n.shardIDFor(msg.ShardNum)

	n.mu.Lock()
	e, exists := n.shards[id]
	if !exists {
		routing := cluster.ShardRouting{
			ShardId:      id,
			Node:         n.ID,
			AllocationID: cluster.NewAllocationID(),
			Primary:      msg.Primary,
		}
		s := shard.New(id, routing, nil, n.flushBytes, "")
		driver := recovery.New(recovery.Config{
			Shard:    s,
			NewStore: func() storage.Store { return storage.NewMemoryStore() },
			Peer:     httpPeerRecovery{},
		})
		e = &shardEntry{shard: s, driver: driver, replicas: msg.Replicas}
		n.shards[id] = e
		n.mu.Unlock()

		go n.recoverShard(e, msg)
		return
	}
	n.mu.Unlock()

	e.mu.Lock()
	e.replicas = msg.Replicas
	e.mu.Unlock()

	if msg.PrimaryTerm > e.shard.PrimaryTerm() {
		if err := e.shard.UpdatePrimaryTerm(context.Background(), id, msg.PrimaryTerm); err != nil {
			log.Printf("shard %s: update primary term: %v", id, err)
		}
	}
}

func (n *Node) recoverShard(e *shardEntry, msg cluster.ControlMessage) {
	source := cluster.RecoveryEmptyStore
	sourceNode := ""
	if !msg.Primary && msg.SourceAddr != "" {
		source = cluster.RecoveryPeer
		sourceNode = msg.SourceAddr
	}

	if err := e.driver.Recover(context.Background(), source, sourceNode, nil); err != nil {
		log.Printf("shard %s: recovery failed: %v", e.shard.ID(), err)
		return
	}

	r := e.shard.Routing()
	r.Active = true
	if err := e.shard.UpdateRoutingEntry(context.Background(), r); err != nil {
		log.Printf("shard %s: activate after recovery: %v", e.shard.ID(), err)
		return
	}
	log.Printf("shard %s: recovered from %s and started (primary=%v)", e.shard.ID(), source, msg.Primary)
}

func main() {
	nodeID := mustGetenv("NODE_ID")
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	coord := mustGetenv("COORDINATOR_ADDR")
	indexName := getenv("INDEX_NAME", cluster.DefaultIndexName)
	indexUUID := getenv("INDEX_UUID", cluster.DefaultIndexUUID)
	flushBytes := getenvInt64("FLUSH_THRESHOLD_BYTES", 1<<20)
	waitForActive := int(getenvInt64("WAIT_FOR_ACTIVE_SHARDS", 1))

	node := NewNode(nodeID, indexName, indexUUID, flushBytes)
	node.replicationCo = replication.New(replication.Config{
		Resolver: node,
		Client:   httpReplicaClient{},
		Failer:   node,
		GlobalCheckpointSyncer: func(ctx context.Context, id cluster.ShardId, newCheckpoint int64) {
			log.Printf("shard %s: global checkpoint advanced to %d", id, newCheckpoint)
		},
		WaitForActiveShards: waitForActive,
	})

	color.New(color.FgCyan, color.Bold).Printf("node[%s] starting\n", nodeID)
	log.Printf("node[%s] initialized (shards assigned by coordinator)", nodeID)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		handleControl(node, w, r)
	})
	mux.HandleFunc("/shard/", func(w http.ResponseWriter, r *http.Request) {
		handleShardRequest(node, w, r)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleNodeInfo(node, w, r)
	})

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", nodeID, listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), coord, nodeID, public)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

func register(ctx context.Context, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

func handleControl(node *Node, w http.ResponseWriter, r *http.Request) {
	var msg cluster.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case cluster.ControlAssignShard:
		node.assignShard(msg)
	case cluster.ControlUpdateReplicas:
		node.mu.RLock()
		e, ok := node.shards[node.shardIDFor(msg.ShardNum)]
		node.mu.RUnlock()
		if ok {
			e.mu.Lock()
			e.replicas = msg.Replicas
			e.mu.Unlock()
		}
	case cluster.ControlUpdatePrimaryTerm:
		node.mu.RLock()
		e, ok := node.shards[node.shardIDFor(msg.ShardNum)]
		node.mu.RUnlock()
		if ok && msg.PrimaryTerm > e.shard.PrimaryTerm() {
			if err := e.shard.UpdatePrimaryTerm(r.Context(), e.shard.ID(), msg.PrimaryTerm); err != nil {
				log.Printf("update primary term: %v", err)
			}
		}
	default:
		http.Error(w, "unknown control message type", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleShardRequest routes /shard/{n}/{doc|replicate|dump|stats} requests.
func handleShardRequest(node *Node, w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/shard/")
	firstSlash := strings.Index(path, "/")
	if firstSlash == -1 {
		http.Error(w, "invalid path format", http.StatusBadRequest)
		return
	}

	shardNum, err := strconv.Atoi(path[:firstSlash])
	if err != nil {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}
	remaining := path[firstSlash+1:]
	id := node.shardIDFor(shardNum)

	node.mu.RLock()
	e, ok := node.shards[id]
	node.mu.RUnlock()
	if !ok {
		http.Error(w, "shard not assigned to this node", http.StatusNotFound)
		return
	}

	switch {
	case remaining == "stats":
		handleShardStats(e.shard, w, r)
	case remaining == "dump":
		handleShardDump(e.shard, w, r)
	case remaining == "replicate":
		handleReplicate(node, w, r)
	case strings.HasPrefix(remaining, "doc/"):
		key := strings.TrimPrefix(remaining, "doc/")
		handleDoc(node, e, id, key, w, r)
	case remaining == "doc":
		if r.Method == http.MethodGet {
			handleListKeys(e.shard, w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func handleDoc(node *Node, e *shardEntry, id cluster.ShardId, key string, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		value, err := e.shard.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				http.Error(w, "key not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(value)

	case http.MethodPut, http.MethodDelete:
		var source []byte
		kind := engine.OpIndex
		if r.Method == http.MethodDelete {
			kind = engine.OpDelete
		} else {
			var err error
			source, err = io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
		}

		op := engine.Operation{Kind: kind, UID: key, SeqNo: -2, VersionType: engine.VersionTypeInternal, Source: source}
		result, err := node.replicationCo.ExecutePrimary(r.Context(), id, op, translog.DurabilityRequest, func(s *shard.IndexShard, loc translog.Location) error {
			return s.EnsureSynced(loc)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result.OperationResult.HasFailure {
			http.Error(w, string(result.OperationResult.Failure.Kind), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func handleReplicate(node *Node, w http.ResponseWriter, r *http.Request) {
	var req replication.ReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ack, err := node.replicationCo.ExecuteReplica(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(ack)
}

func handleShardDump(s *shard.IndexShard, w http.ResponseWriter, _ *http.Request) {
	keys, err := s.ListKeys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dump := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(k)
		if err != nil {
			continue
		}
		dump[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dump)
}

func handleListKeys(s *shard.IndexShard, w http.ResponseWriter, _ *http.Request) {
	keys, err := s.ListKeys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{Keys: keys, Count: len(keys)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleShardStats(s *shard.IndexShard, w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

func handleNodeInfo(node *Node, w http.ResponseWriter, r *http.Request) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	infos := make([]shard.Info, 0, len(node.shards))
	for _, e := range node.shards {
		infos = append(infos, e.shard.Info())
	}

	response := struct {
		NodeID string       `json:"node_id"`
		Shards []shard.Info `json:"shards"`
		Count  int          `json:"shard_count"`
	}{NodeID: node.ID, Shards: infos, Count: len(infos)}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
