package balancer

// DefaultSlotBalancer is the full leader+follower balancer. Each Balance
// call performs exactly one unit of corrective work - the repair-and-fill
// bootstrap pass, or one of the four load-balancing phases - and returns
// as soon as it changes anything, incrementing the epoch. Callers loop
// Balance until it returns (nil, nil), meaning the table is a fixpoint
// under the current membership and policy.
//
// Phase order, each tried in turn against the current round's table:
//
//  0. repairAndFill    - strip stale followers, reassign orphaned leaders,
//                        fill under-replicated followers. Unbounded: runs
//                        to completion in one call since this is bootstrap
//                        correction, not load-balancing.
//  1. balanceLeaderSlots - upgradeHighLeaders (promote an existing
//                        follower of an overloaded leader) then
//                        migrateHighLeaders (reassign directly when no
//                        eligible follower exists to upgrade).
//  2. balanceHighFollowerSlots - move a follower off an over-loaded server
//                        onto an eligible under-loaded one.
//  3. balanceLowFollowerSlots  - move a follower off an over-loaded server
//                        onto an eligible under-loaded one, cold-first.
//  4. balanceLowLeaders  - give slots to under-loaded leader servers,
//                        preferring to promote a follower relationship
//                        already in place.
//
// @req RQ-0401 § 4.5 - default balancer phases
type DefaultSlotBalancer struct {
	Policy       BalancePolicy
	SlotNum      SlotID
	SlotReplicas int
}

// NewDefaultSlotBalancer builds a DefaultSlotBalancer targeting slotNum
// slots at slotReplicas total copies. slotNum and slotReplicas are
// cluster-wide configuration, fixed independently of whatever table a
// given Balance call seeds from - they must be known even when
// bootstrapping from a nil (empty) seed. A nil policy falls back to
// NewNaiveBalancePolicy(0, 0).
func NewDefaultSlotBalancer(policy BalancePolicy, slotNum SlotID, slotReplicas int) *DefaultSlotBalancer {
	if policy == nil {
		policy = NewNaiveBalancePolicy(0, 0)
	}
	return &DefaultSlotBalancer{Policy: policy, SlotNum: slotNum, SlotReplicas: slotReplicas}
}

// Balance implements Balancer.
func (db *DefaultSlotBalancer) Balance(seed *SlotTable, dataServers []ServerID) (*SlotTable, error) {
	if len(dataServers) == 0 {
		return nil, ErrNoDataServers
	}

	b := NewSlotTableBuilder(seed, db.SlotNum, db.SlotReplicas)
	b.SetDataServers(dataServers)

	phases := []func(*SlotTableBuilder) (bool, error){
		db.repairAndFill,
		db.balanceLeaderSlots,
		db.balanceHighFollowerSlots,
		db.balanceLowFollowerSlots,
		db.balanceLowLeaders,
	}

	for _, phase := range phases {
		changed, err := phase(b)
		if err != nil {
			return nil, err
		}
		if changed {
			b.IncrEpoch()
			out := b.Build()
			return &out, nil
		}
	}

	return nil, nil
}

// followerTarget is the number of followers a fully-replicated slot should
// carry given the current membership: min(slotReplicas-1, N-1).
func followerTarget(slotReplicas, n int) int {
	target := slotReplicas - 1
	if target > n-1 {
		target = n - 1
	}
	if target < 0 {
		target = 0
	}
	return target
}

// repairAndFill is the phase-0 bootstrap pass. See the package-level
// comment on DefaultSlotBalancer for why it is unbounded.
func (db *DefaultSlotBalancer) repairAndFill(b *SlotTableBuilder) (bool, error) {
	changed := false

	// 1. strip followers that left membership.
	for slot := SlotID(0); slot < b.SlotNum(); slot++ {
		for _, f := range b.GetDataServersOwnsFollower(slot) {
			if b.HasDataServer(f) {
				continue
			}
			if err := b.RemoveFollower(slot, f); err != nil {
				return false, err
			}
			changed = true
		}
	}

	// 2. reassign slots whose leader is absent or has left membership.
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
			return false, err
		}
		changed = true
	}

	// 3. fill under-replicated followers up to target.
	target := followerTarget(b.SlotReplicas(), len(b.DataServers()))
	for slot := SlotID(0); slot < b.SlotNum(); slot++ {
		for len(b.GetDataServersOwnsFollower(slot)) < target {
			leader, _ := b.GetDataServersOwnsLeader(slot)
			ineligible := append([]ServerID{leader}, b.GetDataServersOwnsFollower(slot)...)
			candidates := byFewestFollowers(b, exclude(b.DataServers(), ineligible...))
			next, found := firstOf(candidates)
			if !found {
				break
			}
			if err := b.AddFollower(slot, next); err != nil {
				return false, err
			}
			changed = true
		}
	}

	return changed, nil
}

// balanceLeaderSlots runs upgradeHighLeaders then migrateHighLeaders,
// together capped at Policy.MaxMoveLeaderSlots() reassignments.
func (db *DefaultSlotBalancer) balanceLeaderSlots(b *SlotTableBuilder) (bool, error) {
	limit := db.Policy.MaxMoveLeaderSlots()
	moved := 0

	moved, err := db.upgradeHighLeaders(b, limit, moved)
	if err != nil {
		return false, err
	}
	if moved >= limit {
		return moved > 0, nil
	}

	moved, err = db.migrateHighLeaders(b, limit, moved)
	if err != nil {
		return false, err
	}
	return moved > 0, nil
}

// upgradeHighLeaders promotes, for each overloaded leader server, a
// follower of one of its slots that sits on an under-loaded server - the
// cheap path, since the promoted server already holds the slot's data.
func (db *DefaultSlotBalancer) upgradeHighLeaders(b *SlotTableBuilder, limit, moved int) (int, error) {
	low, high := db.Policy.LeaderWatermarks(b.SlotNum(), len(b.DataServers()))

	for moved < limit {
		overloaded := byMostLeaders(b, b.GetDataNodeSlotsLeaderBeyond(high))
		src, ok := firstOf(overloaded)
		if !ok {
			break
		}

		promoted := false
		for _, slot := range b.GetDataNodeSlot(src).Leaders {
			followers := byFewestLeaders(b, b.GetDataServersOwnsFollower(slot))
			for _, f := range followers {
				if b.LeaderCount(f) >= low {
					continue
				}
				if _, _, err := b.ReplaceLeader(slot, f); err != nil {
					return moved, err
				}
				if err := b.AddFollower(slot, src); err != nil {
					// src may already be ineligible (e.g. at replica limit);
					// the leader swap itself still counts as progress.
					if !IsInvariantViolation(err) {
						err = nil
					}
					if err != nil {
						return moved, err
					}
				}
				moved++
				promoted = true
				break
			}
			if promoted {
				break
			}
		}
		if !promoted {
			break
		}
	}

	return moved, nil
}

// migrateHighLeaders directly reassigns a slot's leader from an overloaded
// server to an under-loaded one when no in-place follower upgrade is
// available.
func (db *DefaultSlotBalancer) migrateHighLeaders(b *SlotTableBuilder, limit, moved int) (int, error) {
	low, high := db.Policy.LeaderWatermarks(b.SlotNum(), len(b.DataServers()))

	for moved < limit {
		overloaded := byMostLeaders(b, b.GetDataNodeSlotsLeaderBeyond(high))
		src, ok := firstOf(overloaded)
		if !ok {
			break
		}
		underloaded := byFewestLeaders(b, b.GetDataNodeSlotsLeaderBelow(low))
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
			return moved, err
		}
		moved++
	}

	return moved, nil
}

// balanceHighFollowerSlots moves followers off over-loaded follower
// servers onto under-loaded ones, capped at Policy.MaxMoveFollowerSlots().
func (db *DefaultSlotBalancer) balanceHighFollowerSlots(b *SlotTableBuilder) (bool, error) {
	_, high := db.Policy.FollowerWatermarks(b.SlotNum(), b.SlotReplicas(), len(b.DataServers()))
	limit := db.Policy.MaxMoveFollowerSlots()

	moved := 0
	for moved < limit {
		highDataServers := byMostFollowers(b, b.GetDataNodeSlotsFollowerBeyond(high))
		if len(highDataServers) == 0 {
			break
		}
		excludes := b.GetDataNodeSlotsFollowerBeyond(high - 1)

		found := false
		for _, hot := range highDataServers {
			slot, candidate, ok := selectFollower4BalanceOut(b, hot, excludes)
			if !ok {
				continue
			}
			if err := b.RemoveFollower(slot, hot); err != nil {
				return false, err
			}
			if err := b.AddFollower(slot, candidate); err != nil {
				return false, err
			}
			moved++
			found = true
			break
		}
		if !found {
			break
		}
	}

	return moved > 0, nil
}

// selectFollower4BalanceOut scans hot's follower slots, smallest slot id
// first, for the first slot with an eligible destination: a membership
// server outside excludes, fewest-followers-first, that is neither leader
// nor follower of that slot already.
func selectFollower4BalanceOut(b *SlotTableBuilder, hot ServerID, excludes []ServerID) (SlotID, ServerID, bool) {
	candidates := byFewestFollowers(b, exclude(b.DataServers(), excludes...))
	for _, slot := range b.GetDataNodeSlot(hot).Followers {
		leader, _ := b.GetDataServersOwnsLeader(slot)
		for _, candidate := range candidates {
			if candidate == hot || candidate == leader {
				continue
			}
			if isFollowerOf(b, slot, candidate) {
				continue
			}
			return slot, candidate, true
		}
	}
	return 0, "", false
}

// balanceLowFollowerSlots moves followers off over-loaded follower servers
// onto under-loaded ones, capped at Policy.MaxMoveFollowerSlots().
func (db *DefaultSlotBalancer) balanceLowFollowerSlots(b *SlotTableBuilder) (bool, error) {
	low, _ := db.Policy.FollowerWatermarks(b.SlotNum(), b.SlotReplicas(), len(b.DataServers()))
	limit := db.Policy.MaxMoveFollowerSlots()

	moved := 0
	for moved < limit {
		lowDataServers := byFewestFollowers(b, b.GetDataNodeSlotsFollowerBelow(low))
		if len(lowDataServers) == 0 {
			break
		}
		excludes := b.GetDataNodeSlotsFollowerBelow(low + 1)

		found := false
		for _, cold := range lowDataServers {
			slot, hot, ok := selectFollower4BalanceIn(b, cold, excludes)
			if !ok {
				continue
			}
			if err := b.RemoveFollower(slot, hot); err != nil {
				return false, err
			}
			if err := b.AddFollower(slot, cold); err != nil {
				return false, err
			}
			moved++
			found = true
			break
		}
		if !found {
			break
		}
	}

	return moved > 0, nil
}

// selectFollower4BalanceIn scans membership minus excludes, most-followers
// first, for a hot server with a follower slot cold neither leads nor
// follows.
func selectFollower4BalanceIn(b *SlotTableBuilder, cold ServerID, excludes []ServerID) (SlotID, ServerID, bool) {
	hots := byMostFollowers(b, exclude(b.DataServers(), excludes...))
	for _, hot := range hots {
		if hot == cold {
			continue
		}
		for _, slot := range b.GetDataNodeSlot(hot).Followers {
			leader, _ := b.GetDataServersOwnsLeader(slot)
			if leader == cold {
				continue
			}
			if isFollowerOf(b, slot, cold) {
				continue
			}
			return slot, hot, true
		}
	}
	return 0, "", false
}

// isFollowerOf reports whether server is currently a follower of slot.
func isFollowerOf(b *SlotTableBuilder, slot SlotID, server ServerID) bool {
	for _, f := range b.GetDataServersOwnsFollower(slot) {
		if f == server {
			return true
		}
	}
	return false
}

// balanceLowLeaders gives slots to under-loaded leader servers, capped at
// Policy.MaxMoveLeaderSlots(). It prefers promoting a slot the target
// already follows before reassigning a slot it has no relationship to.
func (db *DefaultSlotBalancer) balanceLowLeaders(b *SlotTableBuilder) (bool, error) {
	low, high := db.Policy.LeaderWatermarks(b.SlotNum(), len(b.DataServers()))
	limit := db.Policy.MaxMoveLeaderSlots()

	moved := 0
	for moved < limit {
		lowDataServers := byFewestLeaders(b, b.GetDataNodeSlotsLeaderBelow(low))
		if len(lowDataServers) == 0 {
			break
		}
		excludes := b.GetDataNodeSlotsLeaderBelow(low + 1)

		promoted := false
		for _, cold := range lowDataServers {
			slot, oldLeader, ok := selectFollower4LeaderUpgradeIn(b, cold, excludes)
			if !ok {
				continue
			}
			prior, _, err := b.ReplaceLeader(slot, cold)
			if err != nil {
				return false, err
			}
			if prior != oldLeader {
				return false, ErrInvariantViolation.WithDetails(
					"slot %d: expected prior leader %s, got %s", slot, oldLeader, prior)
			}
			if err := b.AddFollower(slot, oldLeader); err != nil && !IsInvariantViolation(err) {
				return false, err
			}
			moved++
			promoted = true
			break
		}
		if promoted {
			continue
		}

		dst, ok := firstOf(lowDataServers)
		if !ok {
			break
		}
		overloaded := byMostLeaders(b, b.GetDataNodeSlotsLeaderBeyond(high))
		src, ok := firstOf(exclude(overloaded, dst))
		if !ok {
			break
		}
		slots := b.GetDataNodeSlot(src)
		if len(slots.Leaders) == 0 {
			break
		}
		if _, _, err := b.ReplaceLeader(slots.Leaders[0], dst); err != nil {
			return false, err
		}
		moved++
	}

	return moved > 0, nil
}

// selectFollower4LeaderUpgradeIn scans cold's follower slots for those whose
// leader is outside excludes, groups the eligible slots by leader, and picks
// the leader server with the most leaders overall (tie-break id); within
// that leader's group it picks the smallest slot id.
func selectFollower4LeaderUpgradeIn(b *SlotTableBuilder, cold ServerID, excludes []ServerID) (SlotID, ServerID, bool) {
	skip := make(map[ServerID]struct{}, len(excludes))
	for _, e := range excludes {
		skip[e] = struct{}{}
	}

	leaderOfSlot := make(map[SlotID]ServerID)
	var leaders []ServerID
	seen := make(map[ServerID]struct{})
	for _, slot := range b.GetDataNodeSlot(cold).Followers {
		leader, ok := b.GetDataServersOwnsLeader(slot)
		if !ok {
			continue
		}
		if _, excluded := skip[leader]; excluded {
			continue
		}
		leaderOfSlot[slot] = leader
		if _, dup := seen[leader]; !dup {
			seen[leader] = struct{}{}
			leaders = append(leaders, leader)
		}
	}
	if len(leaders) == 0 {
		return 0, "", false
	}
	bestLeader := byMostLeaders(b, leaders)[0]

	found := false
	var bestSlot SlotID
	for slot, leader := range leaderOfSlot {
		if leader != bestLeader {
			continue
		}
		if !found || slot < bestSlot {
			bestSlot = slot
			found = true
		}
	}
	return bestSlot, bestLeader, true
}
