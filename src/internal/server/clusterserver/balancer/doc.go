// Package balancer computes slot-table role assignments for a cluster of
// data-servers.
//
// A slot-table assigns, for every slot in [0, slotNum), exactly one leader
// and zero or more followers drawn from the current data-server
// membership. The balancer recomputes that assignment whenever membership
// changes or load drifts from uniform, under a fixed per-round movement
// budget and deterministic tie-breaking.
//
// The package is purely computational: no locking, no I/O, no network
// calls. Callers own a SlotTableBuilder exclusively for the duration of one
// Balance call and persist the resulting SlotTable themselves.
//
// @design DS-0401
// @req RQ-0401
package balancer
