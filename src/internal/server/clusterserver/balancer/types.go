package balancer

import (
	"encoding/json"
	"sort"
)

// ServerID identifies a data-server. Equality is by string identity; the
// set of ids is totally ordered lexicographically, and that order seeds
// every deterministic tie-break in this package.
type ServerID string

// SlotID identifies a logical slot in [0, SlotNum).
type SlotID uint32

// SlotTable is an immutable snapshot of slot role assignments: for every
// slot, the leader and its ordered followers, plus a monotonically
// increasing epoch.
//
// @req RQ-0401 § 1.1 - leader/follower role assignment per slot
type SlotTable struct {
	slotNum      SlotID
	slotReplicas int
	epoch        uint64
	leaders      map[SlotID]ServerID
	followers    map[SlotID][]ServerID
}

// SlotNum returns the number of slots in the table.
func (t SlotTable) SlotNum() SlotID { return t.slotNum }

// SlotReplicas returns the configured replica factor.
func (t SlotTable) SlotReplicas() int { return t.slotReplicas }

// Epoch returns the table's monotonically increasing version.
func (t SlotTable) Epoch() uint64 { return t.epoch }

// Leader returns the leader of the given slot, if assigned.
func (t SlotTable) Leader(slot SlotID) (ServerID, bool) {
	s, ok := t.leaders[slot]
	return s, ok
}

// Followers returns a copy of the ordered follower set of the given slot.
func (t SlotTable) Followers(slot SlotID) []ServerID {
	fs := t.followers[slot]
	out := make([]ServerID, len(fs))
	copy(out, fs)
	return out
}

// slotTableWire is the JSON-serializable shadow of SlotTable, used for
// Raft snapshot persistence. SlotTable keeps its fields unexported so
// callers can only mutate a table through a SlotTableBuilder; (Un)MarshalJSON
// bridges that encapsulation for the one place a table must cross the wire
// as bytes.
type slotTableWire struct {
	SlotNum      SlotID                `json:"slot_num"`
	SlotReplicas int                   `json:"slot_replicas"`
	Epoch        uint64                `json:"epoch"`
	Leaders      map[SlotID]ServerID   `json:"leaders"`
	Followers    map[SlotID][]ServerID `json:"followers"`
}

// MarshalJSON implements json.Marshaler.
func (t SlotTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotTableWire{
		SlotNum:      t.slotNum,
		SlotReplicas: t.slotReplicas,
		Epoch:        t.epoch,
		Leaders:      t.leaders,
		Followers:    t.followers,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *SlotTable) UnmarshalJSON(data []byte) error {
	var wire slotTableWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	t.slotNum = wire.SlotNum
	t.slotReplicas = wire.SlotReplicas
	t.epoch = wire.Epoch
	t.leaders = wire.Leaders
	t.followers = wire.Followers
	if t.leaders == nil {
		t.leaders = make(map[SlotID]ServerID)
	}
	if t.followers == nil {
		t.followers = make(map[SlotID][]ServerID)
	}
	return nil
}

// DataNodeSlot is the per-server projection of a slot-table: the set of
// slots a server leads and the set it follows. A server never appears in
// both sets for the same slot.
type DataNodeSlot struct {
	Server    ServerID
	Leaders   []SlotID
	Followers []SlotID
}

// sortedServerIDs returns a sorted copy of the given server id collection.
func sortedServerIDs(servers map[ServerID]struct{}) []ServerID {
	out := make([]ServerID, 0, len(servers))
	for s := range servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedSlotIDs(slots map[SlotID]struct{}) []SlotID {
	out := make([]SlotID, 0, len(slots))
	for s := range slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
