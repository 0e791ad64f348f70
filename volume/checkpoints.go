package volume

import "sort"

// CheckpointSet is the set of LSNs of a Volume at which a full-image
// (checkpoint) commit exists. It bounds how far back a reader must scan.
// The zero value is an empty set.
type CheckpointSet struct {
	lsns []LSN // Sorted ascending, unique.
}

// NewCheckpointSet returns a CheckpointSet over the given LSNs.
func NewCheckpointSet(lsns ...LSN) CheckpointSet {
	var cs CheckpointSet
	for _, l := range lsns {
		cs.Add(l)
	}
	return cs
}

// Add inserts an LSN into the set.
func (cs *CheckpointSet) Add(l LSN) {
	if !l.IsValid() {
		return
	}
	var i = sort.Search(len(cs.lsns), func(i int) bool { return cs.lsns[i] >= l })
	if i < len(cs.lsns) && cs.lsns[i] == l {
		return
	}
	cs.lsns = append(cs.lsns, 0)
	copy(cs.lsns[i+1:], cs.lsns[i:])
	cs.lsns[i] = l
}

// LatestAtOrBefore returns the largest checkpoint LSN which is <= l,
// or InvalidLSN if none exists.
func (cs CheckpointSet) LatestAtOrBefore(l LSN) LSN {
	var i = sort.Search(len(cs.lsns), func(i int) bool { return cs.lsns[i] > l })
	if i == 0 {
		return InvalidLSN
	}
	return cs.lsns[i-1]
}

// Oldest returns the smallest checkpoint LSN, or InvalidLSN if empty.
func (cs CheckpointSet) Oldest() LSN {
	if len(cs.lsns) == 0 {
		return InvalidLSN
	}
	return cs.lsns[0]
}

// Contains returns whether the LSN is a checkpoint.
func (cs CheckpointSet) Contains(l LSN) bool {
	var i = sort.Search(len(cs.lsns), func(i int) bool { return cs.lsns[i] >= l })
	return i < len(cs.lsns) && cs.lsns[i] == l
}

// Len returns the number of checkpoints in the set.
func (cs CheckpointSet) Len() int { return len(cs.lsns) }

// All returns the checkpoint LSNs in ascending order.
// The returned slice must not be mutated.
func (cs CheckpointSet) All() []LSN { return cs.lsns }

// Equal returns whether two sets hold the same LSNs.
func (cs CheckpointSet) Equal(o CheckpointSet) bool {
	if len(cs.lsns) != len(o.lsns) {
		return false
	}
	for i := range cs.lsns {
		if cs.lsns[i] != o.lsns[i] {
			return false
		}
	}
	return true
}
