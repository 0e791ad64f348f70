package volume

import "time"

// Control is a Volume's immutable control record, written exactly once when
// the Volume is created in remote storage. If the Volume was forked from
// another, Parent references the fork point in the parent's log.
type Control struct {
	VID       VolumeID
	Parent    VolumeRef // Zero if the Volume is not a fork.
	CreatedAt time.Time
}

// IsFork returns whether the Volume descends from a parent Volume.
func (c Control) IsFork() bool { return !c.Parent.IsZero() }
