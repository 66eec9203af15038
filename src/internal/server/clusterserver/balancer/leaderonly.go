package balancer

// LeaderOnlyBalancer balances leader assignment only. It is selected
// whenever slotReplicas < 2, i.e. no follower role exists to maintain -
// builder.go's AddFollower/RemoveFollower paths would be no-ops anyway
// since slotReplicas-1 <= 0 leaves no room for any follower.
//
// @req RQ-0401 § 4.4 - leader-only balancing
type LeaderOnlyBalancer struct {
	Policy       BalancePolicy
	SlotNum      SlotID
	SlotReplicas int
}

// NewLeaderOnlyBalancer builds a LeaderOnlyBalancer targeting slotNum
// slots. slotNum and slotReplicas are cluster-wide configuration, fixed
// independently of whatever table a given Balance call seeds from - they
// must be known even when bootstrapping from a nil (empty) seed. A nil
// policy falls back to NewNaiveBalancePolicy(0, 0).
func NewLeaderOnlyBalancer(policy BalancePolicy, slotNum SlotID, slotReplicas int) *LeaderOnlyBalancer {
	if policy == nil {
		policy = NewNaiveBalancePolicy(0, 0)
	}
	return &LeaderOnlyBalancer{Policy: policy, SlotNum: slotNum, SlotReplicas: slotReplicas}
}

// Balance implements Balancer.
func (lb *LeaderOnlyBalancer) Balance(seed *SlotTable, dataServers []ServerID) (*SlotTable, error) {
	if len(dataServers) == 0 {
		return nil, ErrNoDataServers
	}

	b := NewSlotTableBuilder(seed, lb.SlotNum, lb.SlotReplicas)
	b.SetDataServers(dataServers)

	if changed := lb.repairOrphanedLeaders(b); changed {
		b.IncrEpoch()
		out := b.Build()
		return &out, nil
	}

	if changed := lb.balanceLeaders(b); changed {
		b.IncrEpoch()
		out := b.Build()
		return &out, nil
	}

	return nil, nil
}

// repairOrphanedLeaders assigns a leader, chosen by fewest-current-leaders,
// to every slot whose leader is unset or has left membership.
func (lb *LeaderOnlyBalancer) repairOrphanedLeaders(b *SlotTableBuilder) bool {
	changed := false
	for slot := SlotID(0); slot < b.SlotNum(); slot++ {
		leader, ok := b.GetDataServersOwnsLeader(slot)
		if ok && b.HasDataServer(leader) {
			continue
		}
		candidates := byFewestLeaders(b, b.DataServers())
		next, found := firstOf(candidates)
		if !found {
			continue
		}
		if _, _, err := b.ReplaceLeader(slot, next); err != nil {
			continue
		}
		changed = true
	}
	return changed
}

// balanceLeaders moves at most Policy.MaxMoveLeaderSlots() leaders from a
// server above the high watermark to the member with the fewest leaders.
func (lb *LeaderOnlyBalancer) balanceLeaders(b *SlotTableBuilder) bool {
	_, high := lb.Policy.LeaderWatermarks(b.SlotNum(), len(b.DataServers()))
	limit := lb.Policy.MaxMoveLeaderSlots()

	moved := 0
	for moved < limit {
		overloaded := byMostLeaders(b, b.GetDataNodeSlotsLeaderBeyond(high))
		src, ok := firstOf(overloaded)
		if !ok {
			break
		}
		underloaded := byFewestLeaders(b, b.DataServers())
		dst, ok := firstOf(exclude(underloaded, src))
		if !ok {
			break
		}

		slots := b.GetDataNodeSlot(src)
		if len(slots.Leaders) == 0 {
			break
		}
		slot := slots.Leaders[0]
		if _, _, err := b.ReplaceLeader(slot, dst); err != nil {
			break
		}
		moved++
	}
	return moved > 0
}
