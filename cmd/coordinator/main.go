// Package main implements the coordinator service: the control plane that
// tracks cluster membership, assigns shard primaries and replicas via
// internal/coordinator.ShardRegistry, routes client data requests to the
// owning node, and reassigns primaries when internal/coordinator.HealthMonitor
// reports a node unhealthy.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│            Coordinator                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /register     - Node registration    │
//	│    /nodes        - List active nodes    │
//	│    /data/*       - Route data requests  │
//	│    /shards       - Shard assignments    │
//	│    /broadcast    - Cluster-wide ops     │
//	│    /health       - Health check         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    ShardRegistry - Primary/replica map  │
//	│    HealthMonitor - Node liveness        │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - COORDINATOR_ADDR: Listen address (default: ":8080")
//   - NUM_SHARDS: Total shard count (default: 4)
//   - HEALTH_CHECK_INTERVAL: Node health poll interval (default: 5s)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardcore/internal/cluster"
	"github.com/dreamware/shardcore/internal/coordinator"
	"github.com/fatih/color"
)

const (
	healthStatusUnhealthy = "unhealthy"
	healthStatusUnknown   = "unknown"
)

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")

	srv := newServer()

	go srv.healthMonitor.Start(context.Background(), func() []cluster.NodeInfo {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		nodes := make([]cluster.NodeInfo, len(srv.nodes))
		copy(nodes, srv.nodes)
		return nodes
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/broadcast", srv.handleBroadcast)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/data/", srv.handleData)
	mux.HandleFunc("/shards", srv.handleShards)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		color.New(color.FgGreen, color.Bold).Printf("coordinator listening on %s\n", addr)
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("stopping health monitor...")
	srv.healthMonitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	log.Println("coordinator stopped")
}

// server holds the coordinator's runtime state: registered nodes, the shard
// registry that tracks primary/replica assignment, and the health monitor
// that drives failover.
type server struct {
	registry      *coordinator.ShardRegistry
	healthMonitor *coordinator.HealthMonitor
	nodes         []cluster.NodeInfo
	mu            sync.RWMutex
}

func newServer() *server {
	numShards := int(getenvInt64("NUM_SHARDS", 4))

	healthInterval := 5 * time.Second
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			healthInterval = parsed
		}
	}

	srv := &server{
		registry:      coordinator.NewShardRegistry(numShards, cluster.DefaultIndexName, cluster.DefaultIndexUUID),
		healthMonitor: coordinator.NewHealthMonitor(healthInterval),
	}

	srv.healthMonitor.SetOnUnhealthy(func(nodeID string) {
		log.Printf("node %s is unhealthy, reassigning its primaries", nodeID)
		srv.markNodeUnhealthy(nodeID)
		srv.reassignOrphanedShards(nodeID)
	})

	return srv
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	isNew := idx < 0
	if isNew {
		s.nodes = append(s.nodes, req.Node)
	} else {
		s.nodes[idx] = req.Node
	}
	s.mu.Unlock()

	if isNew {
		s.autoAssignShards()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) markNodeUnhealthy(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, node := range s.nodes {
		if node.ID == nodeID {
			s.nodes[i].Status = healthStatusUnhealthy
			return
		}
	}
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allHealth := s.healthMonitor.GetAllNodeHealth()
	nodes := make([]cluster.NodeInfo, len(s.nodes))
	for i, node := range s.nodes {
		nodes[i] = node
		if node.Status != healthStatusUnhealthy {
			if health := allHealth[node.ID]; health != nil {
				nodes[i].Status = health.Status
				nodes[i].LastHealthCheck = health.LastCheck
			} else {
				nodes[i].Status = healthStatusUnknown
			}
		}
	}

	json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: nodes})
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.RUnlock()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		err := cluster.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	json.NewEncoder(w).Encode(struct {
		Results []result `json:"results"`
		SentTo  int      `json:"sent_to"`
	}{Results: out, SentTo: len(out)})
}

// handleData routes a client data request to the node holding the primary
// for the key's shard and streams the response back.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/data/"):]
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	nodeID, err := s.registry.GetNodeForKey(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("no node assigned for key: %v", err), http.StatusServiceUnavailable)
		return
	}

	nodeAddr := s.nodeAddr(nodeID)
	if nodeAddr == "" {
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	shardNum := s.registry.GetShardForKey(key)
	targetURL := fmt.Sprintf("%s/shard/%d/doc/%s", nodeAddr, shardNum, key)

	switch r.Method {
	case http.MethodGet:
		s.forward(http.MethodGet, targetURL, nil, w, r)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		s.forward(http.MethodPut, targetURL, body, w, r)
	case http.MethodDelete:
		s.forward(http.MethodDelete, targetURL, nil, w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) nodeAddr(nodeID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.ID == nodeID {
			return node.Addr
		}
	}
	return ""
}

func (s *server) forward(method, targetURL string, body []byte, w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type shardView struct {
		ShardID  int      `json:"shard_id"`
		Primary  string   `json:"primary,omitempty"`
		Replicas []string `json:"replicas,omitempty"`
		Term     uint64   `json:"primary_term"`
	}

	numShards := s.registry.NumShards()
	views := make([]shardView, numShards)
	for i := 0; i < numShards; i++ {
		view := shardView{ShardID: i, Term: s.registry.PrimaryTerm(i), Replicas: s.registry.GetReplicaNodes(i)}
		if primary, ok := s.registry.GetPrimary(i); ok {
			view.Primary = primary.Node
		}
		views[i] = view
	}

	json.NewEncoder(w).Encode(struct {
		Shards    []shardView `json:"shards"`
		NumShards int         `json:"num_shards"`
	}{Shards: views, NumShards: numShards})
}

// autoAssignShards assigns a primary to every shard lacking one, then
// assigns one replica per shard when at least two healthy nodes exist.
// Both decisions are pushed out to the affected nodes as control messages.
func (s *server) autoAssignShards() {
	healthy := s.healthyNodes()
	if len(healthy) == 0 {
		return
	}

	numShards := s.registry.NumShards()
	for shardNum := 0; shardNum < numShards; shardNum++ {
		primary, ok := s.registry.GetPrimary(shardNum)
		if !ok {
			node := healthy[shardNum%len(healthy)].ID
			if _, term, err := s.registry.AssignPrimary(shardNum, node); err != nil {
				log.Printf("assign primary for shard %d to %s: %v", shardNum, node, err)
			} else {
				s.pushControl(node, cluster.ControlMessage{
					Type:        cluster.ControlAssignShard,
					ShardNum:    shardNum,
					Primary:     true,
					PrimaryTerm: term,
					Replicas:    s.registry.GetReplicaNodes(shardNum),
				})
				log.Printf("assigned shard %d primary to %s (term %d)", shardNum, node, term)
			}
			primary, _ = s.registry.GetPrimary(shardNum)
		}

		if primary.Node == "" || len(healthy) < 2 {
			continue
		}
		if len(s.registry.GetReplicaNodes(shardNum)) > 0 {
			continue
		}

		replicaNode := ""
		for _, n := range healthy {
			if n.ID != primary.Node {
				replicaNode = n.ID
				break
			}
		}
		if replicaNode == "" {
			continue
		}

		if _, err := s.registry.AssignReplica(shardNum, replicaNode); err != nil {
			log.Printf("assign replica for shard %d to %s: %v", shardNum, replicaNode, err)
			continue
		}
		primaryAddr := s.nodeAddr(primary.Node)
		s.pushControl(replicaNode, cluster.ControlMessage{
			Type:       cluster.ControlAssignShard,
			ShardNum:   shardNum,
			Primary:    false,
			SourceAddr: primaryAddr,
		})
		s.pushControl(primary.Node, cluster.ControlMessage{
			Type:     cluster.ControlUpdateReplicas,
			ShardNum: shardNum,
			Replicas: s.registry.GetReplicaNodes(shardNum),
		})
		log.Printf("assigned shard %d replica to %s", shardNum, replicaNode)
	}
}

// reassignOrphanedShards promotes a new primary for every shard that lost
// its primary to nodeID, then notifies the remaining replica holders of the
// new primary term.
func (s *server) reassignOrphanedShards(nodeID string) {
	orphaned := s.registry.RemoveNode(nodeID)
	if len(orphaned) == 0 {
		return
	}

	healthy := s.healthyNodes()
	if len(healthy) == 0 {
		log.Printf("no healthy nodes available to take over shards from %s", nodeID)
		return
	}

	for _, shardNum := range orphaned {
		newNode := healthy[shardNum%len(healthy)].ID
		_, term, err := s.registry.AssignPrimary(shardNum, newNode)
		if err != nil {
			log.Printf("reassign primary for shard %d: %v", shardNum, err)
			continue
		}

		// The failed primary's data isn't recoverable from a peer in this
		// deployment, so the new primary starts from an empty store.
		s.pushControl(newNode, cluster.ControlMessage{
			Type:        cluster.ControlAssignShard,
			ShardNum:    shardNum,
			Primary:     true,
			PrimaryTerm: term,
			Replicas:    s.registry.GetReplicaNodes(shardNum),
		})
		log.Printf("promoted %s to primary for shard %d (term %d) after %s failure", newNode, shardNum, term, nodeID)

		for _, replicaNode := range s.registry.GetReplicaNodes(shardNum) {
			s.pushControl(replicaNode, cluster.ControlMessage{
				Type:        cluster.ControlUpdatePrimaryTerm,
				ShardNum:    shardNum,
				PrimaryTerm: term,
			})
		}
	}
}

func (s *server) healthyNodes() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var healthy []cluster.NodeInfo
	for _, n := range s.nodes {
		if n.Status != healthStatusUnhealthy {
			healthy = append(healthy, n)
		}
	}
	return healthy
}

func (s *server) pushControl(nodeID string, msg cluster.ControlMessage) {
	addr := s.nodeAddr(nodeID)
	if addr == "" {
		log.Printf("cannot push control to %s: not registered", nodeID)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cluster.PostJSON(ctx, addr+"/control", msg, nil); err != nil {
			log.Printf("push control to %s: %v", nodeID, err)
		}
	}()
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
