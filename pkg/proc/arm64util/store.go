package arm64util

// Store maps process ids to their debug register mirror.
//
// Entries must be removed when a process exits, execs, is detached or is
// abandoned after a fork, otherwise slot assignments leak into an
// unrelated process that reuses the pid.
type Store struct {
	states map[int]*DebugRegState

	numBp, numWp int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{states: make(map[int]*DebugRegState)}
}

// SetSlotCounts records the number of slots implemented by the hardware.
// Mirrors created afterwards use these counts.
func (st *Store) SetSlotCounts(numBp, numWp int) {
	st.numBp, st.numWp = numBp, numWp
	for _, s := range st.states {
		s.NumBp, s.NumWp = numBp, numWp
	}
}

// SlotCounts returns the counts set by SetSlotCounts.
func (st *Store) SlotCounts() (numBp, numWp int) {
	return st.numBp, st.numWp
}

// Lookup returns the mirror of pid or nil.
func (st *Store) Lookup(pid int) *DebugRegState {
	return st.states[pid]
}

// GetOrCreate returns the mirror of pid, creating an empty one if needed.
func (st *Store) GetOrCreate(pid int) *DebugRegState {
	s := st.states[pid]
	if s == nil {
		s = &DebugRegState{NumBp: st.numBp, NumWp: st.numWp}
		st.states[pid] = s
	}
	return s
}

// Remove forgets the mirror of pid.
func (st *Store) Remove(pid int) {
	delete(st.states, pid)
}

// CopyTo replaces the mirror of child with a copy of the mirror of parent.
// Nothing happens if parent has no mirror.
func (st *Store) CopyTo(parent, child int) {
	ps := st.states[parent]
	if ps == nil {
		return
	}
	cs := st.GetOrCreate(child)
	*cs = *ps
}

// Pids returns the processes that have a mirror.
func (st *Store) Pids() []int {
	r := make([]int, 0, len(st.states))
	for pid := range st.states {
		r = append(r, pid)
	}
	return r
}
