// Package localserver provides the local management server.
package localserver

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver"
)

// ClusterServer is the narrow view of the cluster a local management
// handler needs. Satisfied by *clusterserver.Server.
type ClusterServer interface {
	IsLeader() bool
	Leader() (string, string)
	GetStats() clusterserver.Stats
}

// Handler handles local management commands.
type Handler struct {
	cluster ClusterServer
	drained bool
}

// NewHandler creates a new Handler over the given cluster.
func NewHandler(cluster ClusterServer) *Handler {
	return &Handler{cluster: cluster}
}

// Execute executes a local management command.
func (h *Handler) Execute(w io.Writer, cmd string, args []string) error {
	switch cmd {
	case "status":
		return h.handleStatus(w)
	case "drain":
		return h.handleDrain(w)
	default:
		_, err := fmt.Fprintf(w, "unknown command: %s\n", cmd)
		return err
	}
}

// handleStatus reports leader/membership/slot-table status as JSON with the
// same fields as the data of GET /v1/cluster/stats, plus drain_requested, so
// operators get one answer regardless of which surface they use. It is
// written without the HTTP response envelope.
func (h *Handler) handleStatus(w io.Writer) error {
	if h.cluster == nil {
		_, err := io.WriteString(w, "{}\n")
		return err
	}

	leaderID, leaderAddr := h.cluster.Leader()
	stats := h.cluster.GetStats()

	payload := map[string]any{
		"node_id":         stats.NodeID,
		"is_leader":       h.cluster.IsLeader(),
		"leader_id":       leaderID,
		"leader_addr":     leaderAddr,
		"member_count":    stats.MemberCount,
		"drain_requested": h.drained,
		"shard_map_stats": map[string]any{
			"total_shards":    stats.ShardMapStats.TotalShards,
			"assigned_shards": stats.ShardMapStats.AssignedShards,
			"total_nodes":     stats.ShardMapStats.TotalNodes,
			"epoch":           stats.ShardMapStats.Epoch,
		},
	}

	enc := json.NewEncoder(w)
	return enc.Encode(payload)
}

// handleDrain marks this node as draining. It does not stop accepting
// connections on its own; callers (e.g. a load balancer health check)
// should poll status and stop routing once drain_requested is true.
func (h *Handler) handleDrain(w io.Writer) error {
	h.drained = true
	_, err := io.WriteString(w, "draining\n")
	return err
}
