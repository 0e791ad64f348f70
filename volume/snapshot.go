package volume

import "fmt"

// VolumeRef references a specific point in a Volume's log.
type VolumeRef struct {
	VID VolumeID
	LSN LSN
}

// String returns a loggable form of the VolumeRef.
func (r VolumeRef) String() string { return fmt.Sprintf("%s@%d", r.VID, r.LSN) }

// IsZero returns whether the VolumeRef is unset.
func (r VolumeRef) IsZero() bool { return r.VID.IsZero() }

// Snapshot is an immutable point-in-time view of a Volume. An LSN of
// InvalidLSN denotes a Volume with no commits yet; its Pages is zero.
// Snapshots never mutate: a newer view is acquired as a new Snapshot.
type Snapshot struct {
	VID   VolumeID
	LSN   LSN
	Pages PageCount
}

// Ref returns the Snapshot's VolumeRef.
func (s Snapshot) Ref() VolumeRef { return VolumeRef{VID: s.VID, LSN: s.LSN} }

// String returns a loggable form of the Snapshot.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s@%d/%d pages", s.VID, s.LSN, s.Pages)
}
