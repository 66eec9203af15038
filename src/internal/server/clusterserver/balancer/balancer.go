package balancer

// Balancer computes the next slot-table for a cluster, given its current
// membership. A single Balance call performs at most one unit of
// corrective work - one phase's worth of moves, or the bootstrap repair
// pass - and returns the updated table with its epoch incremented. A nil
// table with a nil error means the table is already balanced: the caller
// has reached a fixpoint and should stop calling Balance until membership
// or load changes again.
//
// @req RQ-0401 § 1 - Balancer
type Balancer interface {
	// Balance runs one round of balancing against seed (the last
	// committed table, or nil to bootstrap from empty) over
	// dataServers, the current membership. It returns the next table to
	// commit, or (nil, nil) if seed is already balanced.
	Balance(seed *SlotTable, dataServers []ServerID) (*SlotTable, error)
}
