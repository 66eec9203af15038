// Package clusterserver provides tests for rebalance functionality.
package clusterserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver/balancer"
)

func TestRebalanceManager_TriggerRebalance_BootstrapsEmptyTable(t *testing.T) {
	cfg := RebalanceConfig{
		SlotNum:      6,
		SlotReplicas: 1,
		MinInterval:  time.Millisecond,
	}
	bal := balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas)

	var applied []balancer.SlotTable
	apply := func(ctx context.Context, table balancer.SlotTable) error {
		applied = append(applied, table)
		return nil
	}

	manager := NewRebalanceManager(cfg, bal, apply)

	servers := []balancer.ServerID{"node1", "node2", "node3"}
	seed := balancer.NewSlotTableBuilder(nil, cfg.SlotNum, cfg.SlotReplicas).Build()

	rounds, err := manager.TriggerRebalance(context.Background(), seed, servers)
	if err != nil {
		t.Fatalf("TriggerRebalance returned error: %v", err)
	}
	if rounds == 0 {
		t.Fatal("expected at least one round to bootstrap an empty table")
	}
	if len(applied) != rounds {
		t.Errorf("applied %d tables, want %d rounds", len(applied), rounds)
	}

	final := applied[len(applied)-1]
	for slot := balancer.SlotID(0); slot < cfg.SlotNum; slot++ {
		if _, ok := final.Leader(slot); !ok {
			t.Errorf("slot %d has no leader after rebalance", slot)
		}
	}
}

func TestRebalanceManager_TriggerRebalance_NoOpOnConverged(t *testing.T) {
	cfg := RebalanceConfig{
		SlotNum:      4,
		SlotReplicas: 1,
		MinInterval:  time.Millisecond,
	}
	bal := balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas)

	var applied []balancer.SlotTable
	apply := func(ctx context.Context, table balancer.SlotTable) error {
		applied = append(applied, table)
		return nil
	}

	manager := NewRebalanceManager(cfg, bal, apply)
	servers := []balancer.ServerID{"node1", "node2"}
	seed := balancer.NewSlotTableBuilder(nil, cfg.SlotNum, cfg.SlotReplicas).Build()

	if _, err := manager.TriggerRebalance(context.Background(), seed, servers); err != nil {
		t.Fatalf("first TriggerRebalance failed: %v", err)
	}
	converged := applied[len(applied)-1]

	time.Sleep(2 * time.Millisecond)
	applied = nil

	rounds, err := manager.TriggerRebalance(context.Background(), converged, servers)
	if err != nil {
		t.Fatalf("second TriggerRebalance failed: %v", err)
	}
	if rounds != 0 {
		t.Errorf("expected 0 rounds against an already-converged table, got %d", rounds)
	}
	if len(applied) != 0 {
		t.Errorf("expected no tables applied against an already-converged table, got %d", len(applied))
	}
}

func TestRebalanceManager_TriggerRebalance_Throttled(t *testing.T) {
	cfg := RebalanceConfig{
		SlotNum:      4,
		SlotReplicas: 1,
		MinInterval:  time.Hour,
	}
	bal := balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas)
	apply := func(ctx context.Context, table balancer.SlotTable) error { return nil }

	manager := NewRebalanceManager(cfg, bal, apply)
	servers := []balancer.ServerID{"node1"}
	seed := balancer.NewSlotTableBuilder(nil, cfg.SlotNum, cfg.SlotReplicas).Build()

	if _, err := manager.TriggerRebalance(context.Background(), seed, servers); err != nil {
		t.Fatalf("first TriggerRebalance failed: %v", err)
	}

	_, err := manager.TriggerRebalance(context.Background(), seed, servers)
	if !errors.Is(err, ErrRebalanceThrottled) {
		t.Errorf("expected ErrRebalanceThrottled, got %v", err)
	}
}

func TestRebalanceManager_TriggerRebalance_AlreadyRunning(t *testing.T) {
	cfg := DefaultRebalanceConfig()
	cfg.SlotNum = 4
	cfg.MinInterval = time.Millisecond
	bal := balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas)
	apply := func(ctx context.Context, table balancer.SlotTable) error { return nil }

	manager := NewRebalanceManager(cfg, bal, apply)
	manager.running.Store(true)

	seed := balancer.NewSlotTableBuilder(nil, cfg.SlotNum, cfg.SlotReplicas).Build()
	_, err := manager.TriggerRebalance(context.Background(), seed, []balancer.ServerID{"node1"})
	if !errors.Is(err, ErrRebalanceInProgress) {
		t.Errorf("expected ErrRebalanceInProgress, got %v", err)
	}
}

func TestRebalanceManager_TriggerRebalance_ApplyError(t *testing.T) {
	cfg := RebalanceConfig{
		SlotNum:      4,
		SlotReplicas: 1,
		MinInterval:  time.Millisecond,
	}
	bal := balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas)
	applyErr := errors.New("raft apply failed")
	apply := func(ctx context.Context, table balancer.SlotTable) error { return applyErr }

	manager := NewRebalanceManager(cfg, bal, apply)
	seed := balancer.NewSlotTableBuilder(nil, cfg.SlotNum, cfg.SlotReplicas).Build()

	_, err := manager.TriggerRebalance(context.Background(), seed, []balancer.ServerID{"node1"})
	if err == nil {
		t.Error("expected error when apply fails")
	}
}

func TestRebalanceConfig_Defaults(t *testing.T) {
	cfg := DefaultRebalanceConfig()

	if cfg.SlotNum != balancer.SlotID(DefaultShardCount) {
		t.Errorf("Expected default SlotNum=%d, got %d", DefaultShardCount, cfg.SlotNum)
	}

	if cfg.SlotReplicas != 1 {
		t.Errorf("Expected default SlotReplicas=1, got %d", cfg.SlotReplicas)
	}

	if cfg.MinInterval != 5*time.Second {
		t.Errorf("Expected default MinInterval=5s, got %v", cfg.MinInterval)
	}
}

func TestRebalanceManager_IsRunning(t *testing.T) {
	cfg := DefaultRebalanceConfig()
	manager := NewRebalanceManager(cfg, balancer.NewLeaderOnlyBalancer(nil, cfg.SlotNum, cfg.SlotReplicas), nil)

	if manager.IsRunning() {
		t.Error("Expected manager to not be running initially")
	}

	manager.running.Store(true)

	if !manager.IsRunning() {
		t.Error("Expected manager to be running")
	}

	manager.running.Store(false)

	if manager.IsRunning() {
		t.Error("Expected manager to not be running after reset")
	}
}
