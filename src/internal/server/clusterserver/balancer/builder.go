package balancer

import "sort"

// SlotTableBuilder is the mutable working copy of a slot-table. It owns a
// working SlotTable plus per-server leader/follower indices kept in
// lock-step with every mutation, so queries never rescan the full table.
//
// SlotTableBuilder is not safe for concurrent use: callers must not share
// one across goroutines without external synchronization (§5).
//
// @req RQ-0401 § 1.2 - incremental indices over per-server role sets
type SlotTableBuilder struct {
	slotNum      SlotID
	slotReplicas int
	epoch        uint64

	leaderOf    map[SlotID]ServerID
	followersOf map[SlotID][]ServerID

	leaderSlotsOf   map[ServerID]map[SlotID]struct{}
	followerSlotsOf map[ServerID]map[SlotID]struct{}

	servers map[ServerID]struct{}
}

// NewSlotTableBuilder constructs a builder from a previous slot-table (or
// nil for an empty starting point) and the target slotNum/slotReplicas.
func NewSlotTableBuilder(seed *SlotTable, slotNum SlotID, slotReplicas int) *SlotTableBuilder {
	b := &SlotTableBuilder{
		slotNum:         slotNum,
		slotReplicas:    slotReplicas,
		leaderOf:        make(map[SlotID]ServerID),
		followersOf:     make(map[SlotID][]ServerID),
		leaderSlotsOf:   make(map[ServerID]map[SlotID]struct{}),
		followerSlotsOf: make(map[ServerID]map[SlotID]struct{}),
		servers:         make(map[ServerID]struct{}),
	}

	if seed == nil {
		return b
	}

	b.epoch = seed.epoch
	for slot, leader := range seed.leaders {
		b.leaderOf[slot] = leader
		b.indexLeader(leader, slot)
	}
	for slot, followers := range seed.followers {
		cp := make([]ServerID, len(followers))
		copy(cp, followers)
		b.followersOf[slot] = cp
		for _, f := range followers {
			b.indexFollower(f, slot)
		}
	}

	return b
}

// SlotNum returns the table's fixed slot count.
func (b *SlotTableBuilder) SlotNum() SlotID { return b.slotNum }

// SlotReplicas returns the configured replica factor.
func (b *SlotTableBuilder) SlotReplicas() int { return b.slotReplicas }

// SetDataServers replaces the builder's notion of the current data-server
// membership. Threshold queries (GetDataNodeSlotsLeaderBeyond and
// friends) are computed over exactly this set, including members with
// zero leaders or followers.
func (b *SlotTableBuilder) SetDataServers(servers []ServerID) {
	b.servers = make(map[ServerID]struct{}, len(servers))
	for _, s := range servers {
		b.servers[s] = struct{}{}
	}
}

// DataServers returns the current membership, sorted lexicographically.
func (b *SlotTableBuilder) DataServers() []ServerID {
	return sortedServerIDs(b.servers)
}

// HasDataServer reports whether server is part of the current membership.
func (b *SlotTableBuilder) HasDataServer(server ServerID) bool {
	_, ok := b.servers[server]
	return ok
}

func (b *SlotTableBuilder) indexLeader(server ServerID, slot SlotID) {
	set, ok := b.leaderSlotsOf[server]
	if !ok {
		set = make(map[SlotID]struct{})
		b.leaderSlotsOf[server] = set
	}
	set[slot] = struct{}{}
}

func (b *SlotTableBuilder) unindexLeader(server ServerID, slot SlotID) {
	if set, ok := b.leaderSlotsOf[server]; ok {
		delete(set, slot)
	}
}

func (b *SlotTableBuilder) indexFollower(server ServerID, slot SlotID) {
	set, ok := b.followerSlotsOf[server]
	if !ok {
		set = make(map[SlotID]struct{})
		b.followerSlotsOf[server] = set
	}
	set[slot] = struct{}{}
}

func (b *SlotTableBuilder) unindexFollower(server ServerID, slot SlotID) {
	if set, ok := b.followerSlotsOf[server]; ok {
		delete(set, slot)
	}
}

// ReplaceLeader sets the leader of slot to newLeader and returns the prior
// leader, if one was assigned. If newLeader was already a follower of
// slot, it is first removed from the follower set (the promotion swap).
//
// Returns ErrInvariantViolation if, after the call, newLeader would still
// appear in the follower set of slot - a bug in the caller's bookkeeping,
// not a recoverable condition.
func (b *SlotTableBuilder) ReplaceLeader(slot SlotID, newLeader ServerID) (ServerID, bool, error) {
	oldLeader, hadOld := b.leaderOf[slot]

	if b.isFollower(slot, newLeader) {
		if err := b.RemoveFollower(slot, newLeader); err != nil {
			return "", false, err
		}
	}

	if hadOld {
		b.unindexLeader(oldLeader, slot)
	}
	b.leaderOf[slot] = newLeader
	b.indexLeader(newLeader, slot)

	if b.isFollower(slot, newLeader) {
		return "", false, ErrInvariantViolation.WithDetails(
			"slot %d: %s remains a follower after being promoted to leader", slot, newLeader)
	}

	return oldLeader, hadOld, nil
}

// AddFollower adds server to the follower set of slot, keeping it sorted
// lexicographically.
//
// Returns ErrDuplicateReplica if server is already leader or follower of
// slot, or ErrOverflow if the resulting follower count would exceed
// slotReplicas-1.
func (b *SlotTableBuilder) AddFollower(slot SlotID, server ServerID) error {
	if leader, ok := b.leaderOf[slot]; ok && leader == server {
		return ErrDuplicateReplica.WithDetails("slot %d: %s is already the leader", slot, server)
	}
	if b.isFollower(slot, server) {
		return ErrDuplicateReplica.WithDetails("slot %d: %s is already a follower", slot, server)
	}

	current := b.followersOf[slot]
	if len(current) >= b.slotReplicas-1 {
		return ErrOverflow.WithDetails("slot %d: follower count already at replica limit %d", slot, b.slotReplicas-1)
	}

	updated := append(append([]ServerID{}, current...), server)
	sort.Slice(updated, func(i, j int) bool { return updated[i] < updated[j] })
	b.followersOf[slot] = updated
	b.indexFollower(server, slot)
	return nil
}

// RemoveFollower removes server from the follower set of slot.
//
// Returns ErrNotFound if server is not currently a follower of slot.
func (b *SlotTableBuilder) RemoveFollower(slot SlotID, server ServerID) error {
	current := b.followersOf[slot]
	idx := -1
	for i, f := range current {
		if f == server {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound.WithDetails("slot %d: %s is not a follower", slot, server)
	}

	updated := make([]ServerID, 0, len(current)-1)
	updated = append(updated, current[:idx]...)
	updated = append(updated, current[idx+1:]...)
	b.followersOf[slot] = updated
	b.unindexFollower(server, slot)
	return nil
}

func (b *SlotTableBuilder) isFollower(slot SlotID, server ServerID) bool {
	for _, f := range b.followersOf[slot] {
		if f == server {
			return true
		}
	}
	return false
}

// GetDataNodeSlot returns the leader/follower projection for server. Both
// sets are empty if the server is not currently referenced.
func (b *SlotTableBuilder) GetDataNodeSlot(server ServerID) DataNodeSlot {
	return DataNodeSlot{
		Server:    server,
		Leaders:   sortedSlotIDs(b.leaderSlotsOf[server]),
		Followers: sortedSlotIDs(b.followerSlotsOf[server]),
	}
}

// GetDataServersOwnsFollower returns the followers of slot, ordered
// lexicographically by server id.
func (b *SlotTableBuilder) GetDataServersOwnsFollower(slot SlotID) []ServerID {
	current := b.followersOf[slot]
	out := make([]ServerID, len(current))
	copy(out, current)
	return out
}

// GetDataServersOwnsLeader returns the leader of slot, if assigned.
func (b *SlotTableBuilder) GetDataServersOwnsLeader(slot SlotID) (ServerID, bool) {
	s, ok := b.leaderOf[slot]
	return s, ok
}

// LeaderCount returns the number of slots server currently leads.
func (b *SlotTableBuilder) LeaderCount(server ServerID) int {
	return len(b.leaderSlotsOf[server])
}

// FollowerCount returns the number of slots server currently follows.
func (b *SlotTableBuilder) FollowerCount(server ServerID) int {
	return len(b.followerSlotsOf[server])
}

// GetDataNodeSlotsLeaderBeyond returns every current data-server whose
// leader count is strictly greater than threshold.
func (b *SlotTableBuilder) GetDataNodeSlotsLeaderBeyond(threshold int) []ServerID {
	return b.filterServers(func(s ServerID) bool { return b.LeaderCount(s) > threshold })
}

// GetDataNodeSlotsLeaderBelow returns every current data-server whose
// leader count is strictly less than threshold.
func (b *SlotTableBuilder) GetDataNodeSlotsLeaderBelow(threshold int) []ServerID {
	return b.filterServers(func(s ServerID) bool { return b.LeaderCount(s) < threshold })
}

// GetDataNodeSlotsFollowerBeyond returns every current data-server whose
// follower count is strictly greater than threshold.
func (b *SlotTableBuilder) GetDataNodeSlotsFollowerBeyond(threshold int) []ServerID {
	return b.filterServers(func(s ServerID) bool { return b.FollowerCount(s) > threshold })
}

// GetDataNodeSlotsFollowerBelow returns every current data-server whose
// follower count is strictly less than threshold.
func (b *SlotTableBuilder) GetDataNodeSlotsFollowerBelow(threshold int) []ServerID {
	return b.filterServers(func(s ServerID) bool { return b.FollowerCount(s) < threshold })
}

func (b *SlotTableBuilder) filterServers(keep func(ServerID) bool) []ServerID {
	all := sortedServerIDs(b.servers)
	out := make([]ServerID, 0, len(all))
	for _, s := range all {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// IncrEpoch increments the builder's epoch counter.
func (b *SlotTableBuilder) IncrEpoch() { b.epoch++ }

// Build emits an immutable SlotTable snapshot of the builder's current
// state.
func (b *SlotTableBuilder) Build() SlotTable {
	leaders := make(map[SlotID]ServerID, len(b.leaderOf))
	for slot, leader := range b.leaderOf {
		leaders[slot] = leader
	}

	followers := make(map[SlotID][]ServerID, len(b.followersOf))
	for slot, fs := range b.followersOf {
		cp := make([]ServerID, len(fs))
		copy(cp, fs)
		followers[slot] = cp
	}

	return SlotTable{
		slotNum:      b.slotNum,
		slotReplicas: b.slotReplicas,
		epoch:        b.epoch,
		leaders:      leaders,
		followers:    followers,
	}
}
