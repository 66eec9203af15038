// Package clusterserver provides shard map management.
//
// @design DS-0401
// @req RQ-0401
package clusterserver

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver/balancer"
)

const (
	// DefaultShardCount is the default number of shards.
	DefaultShardCount = 256
)

// ShardMap is the routing-facing view of a balancer.SlotTable: it answers
// "who leads/follows slot N" and "which slot does key K hash to", backed
// by whatever table the cluster's balancer last committed.
//
// Role assignment itself - which server leads or follows a slot - is the
// balancer package's job exclusively. ShardMap never mutates leader or
// follower sets directly; it is replaced wholesale whenever the FSM
// applies a new table.
type ShardMap struct {
	mu sync.RWMutex

	table balancer.SlotTable
}

// NewShardMap creates an empty shard map with DefaultShardCount slots and
// slotReplicas copies per slot.
func NewShardMap(slotReplicas int) *ShardMap {
	b := balancer.NewSlotTableBuilder(nil, DefaultShardCount, slotReplicas)
	table := b.Build()
	return &ShardMap{table: table}
}

// NewShardMapFromTable wraps an already-built slot table.
func NewShardMapFromTable(table balancer.SlotTable) *ShardMap {
	return &ShardMap{table: table}
}

// ReplaceTable atomically swaps in a new slot table, as produced by the
// balancer and applied through the FSM.
func (m *ShardMap) ReplaceTable(table balancer.SlotTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = table
}

// Table returns the current slot table snapshot.
func (m *ShardMap) Table() balancer.SlotTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table
}

// Clone returns an independent copy of the shard map. The underlying slot
// table is immutable once built, so cloning only needs to copy the value
// itself, not its contents.
func (m *ShardMap) Clone() *ShardMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &ShardMap{table: m.table}
}

// MarshalJSON implements json.Marshaler, delegating to the wrapped table -
// the only state a ShardMap carries besides its mutex.
func (m *ShardMap) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.table)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ShardMap) UnmarshalJSON(data []byte) error {
	var table balancer.SlotTable
	if err := json.Unmarshal(data, &table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = table
	return nil
}

// GetShard returns the leader node ID for a given shard.
func (m *ShardMap) GetShard(shardID uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leader, ok := m.table.Leader(balancer.SlotID(shardID))
	return string(leader), ok
}

// GetShardForKey returns the shard ID and leader node ID for a given key.
func (m *ShardMap) GetShardForKey(key string) (uint32, string, bool) {
	shardID := m.HashKey(key)
	nodeID, ok := m.GetShard(shardID)
	return shardID, nodeID, ok
}

// HashKey computes the shard ID for a key using MurmurHash3.
// @req RQ-0401 § 1.1 - Hash function: MurmurHash3
func (m *ShardMap) HashKey(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % DefaultShardCount
}

// GetReplicas returns the follower node IDs for a shard.
func (m *ShardMap) GetReplicas(shardID uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	followers := m.table.Followers(balancer.SlotID(shardID))
	result := make([]string, len(followers))
	for i, f := range followers {
		result[i] = string(f)
	}
	return result
}

// GetReplicationFactor returns the configured replica factor (leader +
// followers) for the table.
func (m *ShardMap) GetReplicationFactor() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.SlotReplicas()
}

// Version returns the table's epoch, used the way the teacher's Version
// counter was used: to detect whether a routing decision was made against
// a stale table.
func (m *ShardMap) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Epoch()
}

// GetAllNodes returns every node referenced as leader or follower by the
// current table, sorted.
func (m *ShardMap) GetAllNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodeSet := make(map[string]struct{})
	for shardID := uint32(0); shardID < DefaultShardCount; shardID++ {
		slot := balancer.SlotID(shardID)
		if leader, ok := m.table.Leader(slot); ok {
			nodeSet[string(leader)] = struct{}{}
		}
		for _, f := range m.table.Followers(slot) {
			nodeSet[string(f)] = struct{}{}
		}
	}

	nodes := make([]string, 0, len(nodeSet))
	for nodeID := range nodeSet {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// ShardMapStats summarizes the shard map for status/metrics reporting.
type ShardMapStats struct {
	TotalShards    int
	AssignedShards int
	TotalNodes     int
	Epoch          uint64
}

// GetStats returns shard map statistics.
func (m *ShardMap) GetStats() ShardMapStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assigned := 0
	nodeSet := make(map[string]struct{})
	for shardID := uint32(0); shardID < DefaultShardCount; shardID++ {
		slot := balancer.SlotID(shardID)
		if leader, ok := m.table.Leader(slot); ok {
			assigned++
			nodeSet[string(leader)] = struct{}{}
		}
		for _, f := range m.table.Followers(slot) {
			nodeSet[string(f)] = struct{}{}
		}
	}

	return ShardMapStats{
		TotalShards:    DefaultShardCount,
		AssignedShards: assigned,
		TotalNodes:     len(nodeSet),
		Epoch:          m.table.Epoch(),
	}
}
