package balancer

import "sort"

// The four deterministic total orderings over ServerID used to break ties
// wherever a phase must pick one server among several otherwise-equal
// candidates. Every ordering falls back to lexicographic ServerID order on
// an exact tie, so a given (SlotTableBuilder, membership) pair always
// yields the same pick.
//
// @req RQ-0401 § 4.2 - deterministic candidate selection

// byFewestLeaders orders candidates by ascending leader count, then by id.
func byFewestLeaders(b *SlotTableBuilder, candidates []ServerID) []ServerID {
	out := append([]ServerID{}, candidates...)
	sort.Slice(out, func(i, j int) bool {
		li, lj := b.LeaderCount(out[i]), b.LeaderCount(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// byMostLeaders orders candidates by descending leader count, then by id.
func byMostLeaders(b *SlotTableBuilder, candidates []ServerID) []ServerID {
	out := append([]ServerID{}, candidates...)
	sort.Slice(out, func(i, j int) bool {
		li, lj := b.LeaderCount(out[i]), b.LeaderCount(out[j])
		if li != lj {
			return li > lj
		}
		return out[i] < out[j]
	})
	return out
}

// byFewestFollowers orders candidates by ascending follower count, then by id.
func byFewestFollowers(b *SlotTableBuilder, candidates []ServerID) []ServerID {
	out := append([]ServerID{}, candidates...)
	sort.Slice(out, func(i, j int) bool {
		fi, fj := b.FollowerCount(out[i]), b.FollowerCount(out[j])
		if fi != fj {
			return fi < fj
		}
		return out[i] < out[j]
	})
	return out
}

// byMostFollowers orders candidates by descending follower count, then by id.
func byMostFollowers(b *SlotTableBuilder, candidates []ServerID) []ServerID {
	out := append([]ServerID{}, candidates...)
	sort.Slice(out, func(i, j int) bool {
		fi, fj := b.FollowerCount(out[i]), b.FollowerCount(out[j])
		if fi != fj {
			return fi > fj
		}
		return out[i] < out[j]
	})
	return out
}

// firstOf returns the first element of a non-empty ordering, and false for
// an empty one - the common "pick the top candidate" idiom every phase
// uses after sorting.
func firstOf(servers []ServerID) (ServerID, bool) {
	if len(servers) == 0 {
		return "", false
	}
	return servers[0], true
}

// exclude returns candidates with excluded removed, preserving order.
func exclude(candidates []ServerID, excluded ...ServerID) []ServerID {
	skip := make(map[ServerID]struct{}, len(excluded))
	for _, e := range excluded {
		skip[e] = struct{}{}
	}
	out := make([]ServerID, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := skip[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
