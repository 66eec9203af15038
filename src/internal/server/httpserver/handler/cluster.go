// Package handler provides HTTP request handlers for TokMesh.
package handler

import "net/http"

// slotTableResponse is the wire shape for GET /v1/slot-table.
type slotTableResponse struct {
	Epoch    uint64              `json:"epoch"`
	Replicas int                 `json:"replicas"`
	Nodes    []string            `json:"nodes"`
	Stats    clusterStatsPayload `json:"stats"`
}

// clusterStatsPayload mirrors clusterserver.ShardMapStats for the wire.
type clusterStatsPayload struct {
	TotalShards    int `json:"total_shards"`
	AssignedShards int `json:"assigned_shards"`
	TotalNodes     int `json:"total_nodes"`
	Epoch          int `json:"epoch"`
}

// handleSlotTable handles GET /v1/slot-table, returning the current
// leader/follower assignment table as seen by this node.
func (h *Handler) handleSlotTable(w http.ResponseWriter, r *http.Request) {
	shardMap := h.cluster.GetShardMap()
	if shardMap == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "TM-CLUSTER-5031", "slot table not yet initialized")
		return
	}

	stats := shardMap.GetStats()
	resp := slotTableResponse{
		Epoch:    shardMap.Version(),
		Replicas: shardMap.GetReplicationFactor(),
		Nodes:    shardMap.GetAllNodes(),
		Stats: clusterStatsPayload{
			TotalShards:    stats.TotalShards,
			AssignedShards: stats.AssignedShards,
			TotalNodes:     stats.TotalNodes,
			Epoch:          int(stats.Epoch),
		},
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

// clusterStatsResponse is the wire shape for GET /v1/cluster/stats.
type clusterStatsResponse struct {
	NodeID        string              `json:"node_id"`
	IsLeader      bool                `json:"is_leader"`
	LeaderID      string              `json:"leader_id"`
	LeaderAddr    string              `json:"leader_addr"`
	MemberCount   int                 `json:"member_count"`
	ShardMapStats clusterStatsPayload `json:"shard_map_stats"`
}

// handleClusterStats handles GET /v1/cluster/stats.
func (h *Handler) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cluster.GetStats()

	resp := clusterStatsResponse{
		NodeID:      stats.NodeID,
		IsLeader:    stats.IsLeader,
		LeaderID:    stats.LeaderID,
		LeaderAddr:  stats.LeaderAddr,
		MemberCount: stats.MemberCount,
		ShardMapStats: clusterStatsPayload{
			TotalShards:    stats.ShardMapStats.TotalShards,
			AssignedShards: stats.ShardMapStats.AssignedShards,
			TotalNodes:     stats.ShardMapStats.TotalNodes,
			Epoch:          int(stats.ShardMapStats.Epoch),
		},
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}
