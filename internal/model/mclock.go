package model

// MClock is a matrix clock: one VClock per known replica, indexed by that
// replica's id. The WAL owns it and touches it only under its own mutex;
// relays hand it updates by value (a cloned VClock passed to
// WAL.UpdateReplicaVClock), never a reference into the map itself.
type MClock map[uint32]VClock

// NewMClock returns an empty matrix clock.
func NewMClock() MClock {
	return make(MClock)
}

// Set records (or replaces) the VClock known for replica id. The caller
// must pass a clone if it intends to keep using the value afterward.
func (m MClock) Set(replicaID uint32, vc VClock) {
	m[replicaID] = vc
}

// Remove drops a replica's entry, e.g. when its relay disconnects.
func (m MClock) Remove(replicaID uint32) {
	delete(m, replicaID)
}

// Horizon computes the component-wise minimum VClock across every known
// replica. This is the "min over replicas in MClock" half of the WAL's GC
// horizon computation (spec §4.2, "Segment rotation and GC"); the WAL
// combines it with the externally-set gc_first_vclock floor.
//
// A replica absent from the matrix contributes nothing — an empty MClock
// yields an empty (all-zero) horizon, meaning no follower is pinning
// anything.
func (m MClock) Horizon() VClock {
	horizon := NewVClock()
	first := true

	for _, vc := range m {
		if first {
			horizon = vc.Clone()
			first = false
			continue
		}
		for id, lsn := range horizon {
			if other := vc.Get(id); other < lsn {
				horizon[id] = other
			}
		}
		// Any instance the running horizon doesn't know about yet, but
		// this replica does, does not lower the horizon: an unseen
		// instance is treated as 0 already implicit in horizon.Get.
		for id := range vc {
			if _, ok := horizon[id]; !ok {
				horizon[id] = 0
			}
		}
	}

	return horizon
}
