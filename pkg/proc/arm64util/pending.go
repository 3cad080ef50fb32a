package arm64util

// PendingSync is the set of LWPs whose hardware debug registers don't
// reflect the mirror of their process yet.
type PendingSync struct {
	lwps map[int]struct{}
}

// NewPendingSync returns an empty set.
func NewPendingSync() *PendingSync {
	return &PendingSync{lwps: make(map[int]struct{})}
}

// MarkDirty adds lwps to the set.
func (ps *PendingSync) MarkDirty(lwps ...int) {
	for _, lwp := range lwps {
		ps.lwps[lwp] = struct{}{}
	}
}

// IsDirtyAndClear removes lwp from the set and reports whether it was a
// member.
func (ps *PendingSync) IsDirtyAndClear(lwp int) bool {
	if _, ok := ps.lwps[lwp]; !ok {
		return false
	}
	delete(ps.lwps, lwp)
	return true
}

// Forget removes lwp without syncing it.
func (ps *PendingSync) Forget(lwp int) {
	delete(ps.lwps, lwp)
}

// Contains reports whether lwp is in the set.
func (ps *PendingSync) Contains(lwp int) bool {
	_, ok := ps.lwps[lwp]
	return ok
}

// Len returns the number of LWPs in the set.
func (ps *PendingSync) Len() int {
	return len(ps.lwps)
}
