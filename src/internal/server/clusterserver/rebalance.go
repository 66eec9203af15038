// Package clusterserver provides slot-table rebalancing for cluster scale events.
//
// Rebalancing recomputes leader/follower role assignment across the slot
// table when:
//   - New nodes join the cluster
//   - Existing nodes leave the cluster
//   - Load drifts away from the balance policy's watermarks
//
// Physical data movement between nodes is out of scope here: each data
// server is responsible for fetching or discarding the data its own role
// change implies. This package only ever computes and commits role
// assignment.
//
// @design DS-0401
// @req RQ-0401
package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver/balancer"
	"github.com/yndnr/tokmesh-go/internal/telemetry/metric"
)

// RebalanceConfig configures the rebalance manager.
type RebalanceConfig struct {
	// SlotNum is the number of slots in the cluster's slot table.
	SlotNum balancer.SlotID

	// SlotReplicas is the leader + follower replica factor per slot.
	SlotReplicas int

	// Policy bounds how many leader/follower slots a single balance round
	// may move. Defaults to balancer.NewNaiveBalancePolicy(0, 0) if nil.
	Policy balancer.BalancePolicy

	// MaxRoundsPerTrigger bounds how many Balance() rounds a single
	// TriggerRebalance call will run before giving up. Defaults to
	// int(SlotNum) when zero, since each round moves at least one slot
	// and the table can never need more rounds than it has slots.
	MaxRoundsPerTrigger int

	// MinInterval throttles how often TriggerRebalance may actually run,
	// so a storm of membership changes collapses into one rebalance
	// instead of thrashing the slot table repeatedly.
	MinInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Metrics, when set, receives a rebalance_rounds_total{phase,outcome}
	// increment per round and a rebalance_duration_seconds observation per
	// TriggerRebalance call. Nil disables metrics (e.g. in unit tests).
	Metrics *metric.Registry
}

// DefaultRebalanceConfig returns sensible defaults.
func DefaultRebalanceConfig() RebalanceConfig {
	return RebalanceConfig{
		SlotNum:      balancer.SlotID(DefaultShardCount),
		SlotReplicas: 1,
		MinInterval:  5 * time.Second,
		Logger:       slog.Default(),
	}
}

// ApplyTableFunc commits a balancer-produced slot table as the cluster's
// new authoritative table, typically by replicating it through Raft.
type ApplyTableFunc func(ctx context.Context, table balancer.SlotTable) error

// RebalanceManager drives the balancer to convergence against the live
// slot table, one round at a time, each round's result handed off to
// ApplyTableFunc before the next round's Balance() call is seeded with it.
type RebalanceManager struct {
	cfg RebalanceConfig

	bal     balancer.Balancer
	apply   ApplyTableFunc
	limiter *rate.Limiter

	running atomic.Bool

	logger *slog.Logger
}

// NewRebalanceManager creates a new rebalance manager. bal is the balancer
// used to compute each round's table; callers pick balancer.NewLeaderOnlyBalancer
// for SlotReplicas < 2 and balancer.NewDefaultSlotBalancer otherwise.
func NewRebalanceManager(
	cfg RebalanceConfig,
	bal balancer.Balancer,
	apply ApplyTableFunc,
) *RebalanceManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRoundsPerTrigger <= 0 {
		cfg.MaxRoundsPerTrigger = int(cfg.SlotNum)
		if cfg.MaxRoundsPerTrigger <= 0 {
			cfg.MaxRoundsPerTrigger = 1
		}
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Second
	}

	return &RebalanceManager{
		cfg:     cfg,
		bal:     bal,
		apply:   apply,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  cfg.Logger,
	}
}

// ErrRebalanceInProgress indicates a rebalance is already running.
var ErrRebalanceInProgress = fmt.Errorf("clusterserver: rebalance already in progress")

// ErrRebalanceThrottled indicates TriggerRebalance was called again before
// MinInterval elapsed since the last run, and was skipped.
var ErrRebalanceThrottled = fmt.Errorf("clusterserver: rebalance throttled")

// TriggerRebalance drives the balancer to a fixpoint against seed,
// applying each intermediate table via ApplyTableFunc before seeding the
// next round. Returns the number of rounds actually applied.
func (rm *RebalanceManager) TriggerRebalance(
	ctx context.Context,
	seed balancer.SlotTable,
	dataServers []balancer.ServerID,
) (int, error) {
	start := time.Now()
	if !rm.limiter.Allow() {
		rm.recordRound("trigger", "throttled")
		return 0, ErrRebalanceThrottled
	}

	if !rm.running.CompareAndSwap(false, true) {
		rm.recordRound("trigger", "already_running")
		return 0, ErrRebalanceInProgress
	}
	defer rm.running.Store(false)
	defer rm.recordDuration(start)

	rm.logger.Info("rebalance triggered",
		"epoch", seed.Epoch(),
		"data_servers", len(dataServers))

	table := seed
	rounds := 0

	for rounds < rm.cfg.MaxRoundsPerTrigger {
		select {
		case <-ctx.Done():
			rm.recordRound("balance", "canceled")
			return rounds, ctx.Err()
		default:
		}

		next, err := rm.bal.Balance(&table, dataServers)
		if err != nil {
			rm.logger.Error("balance round failed", "round", rounds, "error", err)
			rm.recordRound("balance", "error")
			return rounds, fmt.Errorf("balance round %d: %w", rounds, err)
		}
		if next == nil {
			rm.recordRound("balance", "converged")
			break
		}

		if err := rm.apply(ctx, *next); err != nil {
			rm.logger.Error("apply table failed", "round", rounds, "error", err)
			rm.recordRound("apply", "error")
			return rounds, fmt.Errorf("apply table round %d: %w", rounds, err)
		}
		rm.recordRound("apply", "applied")

		rm.logger.Info("rebalance round committed",
			"round", rounds,
			"epoch", next.Epoch())

		table = *next
		rounds++
	}

	if rounds == rm.cfg.MaxRoundsPerTrigger {
		rm.logger.Warn("rebalance stopped at round cap without reaching fixpoint",
			"max_rounds", rm.cfg.MaxRoundsPerTrigger)
		rm.recordRound("trigger", "round_cap")
	}

	rm.logger.Info("rebalance completed", "rounds", rounds)
	return rounds, nil
}

// recordRound increments rebalance_rounds_total{phase,outcome} if metrics
// are configured.
func (rm *RebalanceManager) recordRound(phase, outcome string) {
	if rm.cfg.Metrics == nil {
		return
	}
	rm.cfg.Metrics.RebalanceRounds.WithLabelValues(phase, outcome).Inc()
}

// recordDuration observes rebalance_duration_seconds if metrics are configured.
func (rm *RebalanceManager) recordDuration(start time.Time) {
	if rm.cfg.Metrics == nil {
		return
	}
	rm.cfg.Metrics.RebalanceDuration.Observe(time.Since(start).Seconds())
}

// IsRunning returns true if a rebalance operation is in progress.
func (rm *RebalanceManager) IsRunning() bool {
	return rm.running.Load()
}
