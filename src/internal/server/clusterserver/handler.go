// Package clusterserver provides RPC handlers for cluster communication.
//
// @design DS-0401
// @req RQ-0401
package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"
	v1 "github.com/yndnr/tokmesh-go/api/proto/v1"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver/balancer"
)

// Handler implements the ClusterService RPC handlers.
//
// This connects the Connect/Protobuf RPC layer with the cluster server logic.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a new RPC handler.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// Join handles the Join RPC.
//
// Allows a new node to join the cluster.
func (h *Handler) Join(
	ctx context.Context,
	req *connect.Request[v1.JoinRequest],
) (*connect.Response[v1.JoinResponse], error) {
	h.logger.Info("join request received",
		"node_id", req.Msg.NodeId,
		"addr", req.Msg.AdvertiseAddress)

	// Only the leader can accept new members
	if !h.server.IsLeader() {
		leaderID, leaderAddr := h.server.Leader()
		h.logger.Warn("join request rejected - not leader",
			"requester", req.Msg.NodeId,
			"leader_id", leaderID,
			"leader_addr", leaderAddr)

		return connect.NewResponse(&v1.JoinResponse{
			Accepted:     false,
			LeaderNodeId: leaderID,
			LeaderAddr:   leaderAddr,
		}), nil
	}

	// Apply member join through Raft
	if err := h.server.ApplyMemberJoin(req.Msg.NodeId, req.Msg.AdvertiseAddress); err != nil {
		h.logger.Error("failed to apply member join",
			"node_id", req.Msg.NodeId,
			"error", err)
		return nil, connect.NewError(connect.CodeInternal,
			fmt.Errorf("apply member join: %w", err))
	}

	// Add to Raft cluster as voter
	if err := h.server.raft.AddVoter(req.Msg.NodeId, req.Msg.AdvertiseAddress, h.server.config.Timeouts.RaftMembership); err != nil {
		h.logger.Error("failed to add voter",
			"node_id", req.Msg.NodeId,
			"error", err)
		return nil, connect.NewError(connect.CodeInternal,
			fmt.Errorf("add voter: %w", err))
	}

	// Prepare response with current cluster state
	members := h.server.GetMembers()
	shardMap := h.server.GetShardMap()

	pbMembers := make([]*v1.Member, 0, len(members))
	for _, m := range members {
		pbMembers = append(pbMembers, &v1.Member{
			NodeId:   m.NodeID,
			Addr:     m.Addr,
			State:    m.State,
			IsLeader: m.IsLeader,
		})
	}

	pbShards, pbReplicas := exportShardMap(shardMap)

	leaderID, leaderAddr := h.server.Leader()

	h.logger.Info("join request accepted",
		"node_id", req.Msg.NodeId,
		"member_count", len(members),
		"shard_count", len(pbShards))

	return connect.NewResponse(&v1.JoinResponse{
		Accepted:     true,
		LeaderNodeId: leaderID,
		LeaderAddr:   leaderAddr,
		Members:      pbMembers,
		ShardMap: &v1.ShardMap{
			Shards:   pbShards,
			Replicas: pbReplicas,
			Version:  shardMap.Version(),
		},
	}), nil
}

// exportShardMap projects a ShardMap's slot table into the wire shapes the
// Join/GetShardMap RPC responses carry: a leader-only map plus a separate
// follower map, mirroring how the teacher's shard map was always exported
// over the wire as two parallel collections.
func exportShardMap(shardMap *ShardMap) (map[uint32]string, map[uint32]*v1.ReplicaSet) {
	table := shardMap.Table()

	pbShards := make(map[uint32]string)
	pbReplicas := make(map[uint32]*v1.ReplicaSet)

	for shardID := uint32(0); shardID < DefaultShardCount; shardID++ {
		slot := balancer.SlotID(shardID)
		leader, ok := table.Leader(slot)
		if !ok {
			continue
		}
		pbShards[shardID] = string(leader)

		if followers := table.Followers(slot); len(followers) > 0 {
			nodeIDs := make([]string, len(followers))
			for i, f := range followers {
				nodeIDs[i] = string(f)
			}
			pbReplicas[shardID] = &v1.ReplicaSet{NodeIds: nodeIDs}
		}
	}

	return pbShards, pbReplicas
}

// GetShardMap handles the GetShardMap RPC.
//
// Returns the current shard map snapshot.
func (h *Handler) GetShardMap(
	ctx context.Context,
	req *connect.Request[v1.GetShardMapRequest],
) (*connect.Response[v1.GetShardMapResponse], error) {
	h.logger.Debug("get shard map request received")

	shardMap := h.server.GetShardMap()
	pbShards, pbReplicas := exportShardMap(shardMap)

	return connect.NewResponse(&v1.GetShardMapResponse{
		ShardMap: &v1.ShardMap{
			Shards:   pbShards,
			Replicas: pbReplicas,
			Version:  shardMap.Version(),
		},
	}), nil
}

// TransferShard handles the TransferShard RPC (client stream).
//
// Role reassignment never moves data over this path: the balancer only
// rewrites slot leader/follower roles in the slot table, and no slot data
// is transferred between members by this server. Kept to satisfy the
// generated ClusterService interface; always rejected.
func (h *Handler) TransferShard(
	ctx context.Context,
	stream *connect.ClientStream[v1.TransferShardRequest],
) (*connect.Response[v1.TransferShardResponse], error) {
	h.logger.Warn("transfer shard rejected - data migration is out of scope for this cluster server")
	return nil, connect.NewError(connect.CodeUnimplemented,
		fmt.Errorf("shard data migration is not supported"))
}

// Ping handles the Ping RPC.
//
// Health check for cluster nodes.
func (h *Handler) Ping(
	ctx context.Context,
	req *connect.Request[v1.PingRequest],
) (*connect.Response[v1.PingResponse], error) {
	h.logger.Debug("ping received", "from", req.Msg.NodeId)

	stats := h.server.GetStats()

	return connect.NewResponse(&v1.PingResponse{
		NodeId:    stats.NodeID,
		Timestamp: time.Now().Unix(),
		IsLeader:  stats.IsLeader,
	}), nil
}
