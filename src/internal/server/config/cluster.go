// Package config defines the server configuration structure.
//
// @req RQ-0502
// @design DS-0502
package config

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/yndnr/tokmesh-go/internal/infra/tlsroots"
	"github.com/yndnr/tokmesh-go/internal/server/clusterserver"
	"github.com/yndnr/tokmesh-go/internal/server/clusterserver/balancer"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config.
//
// This handles default value population, NodeID generation, and field mapping.
func ToClusterConfig(cfg *ServerConfig, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, fmt.Errorf("server config is nil")
	}

	// Generate NodeID if empty
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		generated, err := generateNodeID()
		if err != nil {
			return clusterserver.Config{}, fmt.Errorf("generate node ID: %w", err)
		}
		nodeID = generated
		logger.Info("generated cluster node ID", "node_id", nodeID)
	}

	slotNum := cfg.Cluster.SlotNum
	if slotNum <= 0 {
		slotNum = clusterserver.DefaultShardCount
	}

	// Build rebalance configuration
	rebalanceCfg := buildRebalanceConfig(&cfg.Cluster, slotNum, logger)

	tlsConfig, err := buildClusterTLSConfig(&cfg.Cluster)
	if err != nil {
		return clusterserver.Config{}, fmt.Errorf("build cluster TLS config: %w", err)
	}

	return clusterserver.Config{
		NodeID:            nodeID,
		RaftBindAddr:      cfg.Cluster.RaftAddr,
		GossipBindAddr:    cfg.Cluster.GossipAddr,
		GossipBindPort:    cfg.Cluster.GossipPort,
		Bootstrap:         cfg.Cluster.Bootstrap,
		SeedNodes:         cfg.Cluster.Seeds,
		RaftDataDir:       cfg.Cluster.DataDir,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		SlotNum:           slotNum,
		Rebalance:         rebalanceCfg,
		TLSConfig:         tlsConfig,
		Logger:            logger,
	}, nil
}

// buildClusterTLSConfig builds a mutual-TLS config for inter-node cluster
// RPC from the operator-supplied cert/key/CA files. Returns nil (plaintext
// cluster transport) when no cert is configured. The leaf certificate is
// served through a tlsroots.Watcher rather than pinned statically, so an
// operator can rotate cluster-RPC certs on disk without a restart.
func buildClusterTLSConfig(cluster *ClusterSection) (*tls.Config, error) {
	if cluster.TLSCertFile == "" || cluster.TLSKeyFile == "" {
		return nil, nil
	}

	pool, err := tlsroots.NewPool()
	if err != nil {
		return nil, fmt.Errorf("load system cert pool: %w", err)
	}
	if cluster.TLSClientCAFile != "" {
		if err := pool.AddCertFile(cluster.TLSClientCAFile); err != nil {
			return nil, fmt.Errorf("load client CA: %w", err)
		}
	}

	tlsConfig, err := pool.MutualTLSConfig(cluster.TLSCertFile, cluster.TLSKeyFile)
	if err != nil {
		return nil, err
	}

	watcher, err := tlsroots.NewWatcher(cluster.TLSCertFile, cluster.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("start cluster cert watcher: %w", err)
	}
	watcher.StartAsync()

	tlsConfig.Certificates = nil
	tlsConfig.GetCertificate = watcher.GetCertificate
	tlsConfig.GetClientCertificate = watcher.GetClientCertificate

	return tlsConfig, nil
}

// buildRebalanceConfig constructs RebalanceConfig from ClusterSection.
func buildRebalanceConfig(cluster *ClusterSection, slotNum int, logger *slog.Logger) clusterserver.RebalanceConfig {
	minInterval := cluster.RebalanceMinInterval
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}

	maxRounds := cluster.RebalanceMaxRoundsPerTrigger
	if maxRounds <= 0 {
		maxRounds = slotNum
	}

	replicas := cluster.ReplicationFactor
	if replicas <= 0 {
		replicas = 1
	}

	var policy balancer.BalancePolicy
	if cluster.BalanceMaxMoveLeaderSlots > 0 || cluster.BalanceMaxMoveFollowerSlots > 0 {
		policy = balancer.NewNaiveBalancePolicy(cluster.BalanceMaxMoveLeaderSlots, cluster.BalanceMaxMoveFollowerSlots)
	}

	return clusterserver.RebalanceConfig{
		SlotNum:             balancer.SlotID(slotNum),
		SlotReplicas:        replicas,
		Policy:              policy,
		MaxRoundsPerTrigger: maxRounds,
		MinInterval:         minInterval,
		Logger:              logger,
	}
}

// generateNodeID generates a unique node identifier.
//
// Format: tmnode-<16 hex chars> (e.g., "tmnode-a1b2c3d4e5f67890")
func generateNodeID() (string, error) {
	buf := make([]byte, 8) // 8 bytes = 16 hex chars
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "tmnode-" + hex.EncodeToString(buf), nil
}
