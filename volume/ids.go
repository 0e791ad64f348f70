// Package volume defines the core data model of the kernel: identifiers,
// log sequence numbers, pages, snapshots, commits, and the fixed wire
// encodings used for records stored locally and in object storage.
package volume

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// IDLen is the fixed binary length of VolumeID and SegmentID.
const IDLen = 16

// VolumeID is the globally unique identifier of a Volume. IDs are UUIDv7:
// timestamp-prefixed with a random suffix, so their binary and textual forms
// sort by creation time.
type VolumeID struct{ u uuid.UUID }

// SegmentID is the globally unique identifier of a Segment,
// with the same construction and ordering properties as VolumeID.
type SegmentID struct{ u uuid.UUID }

// NewVolumeID returns a new, time-ordered VolumeID.
func NewVolumeID() VolumeID {
	return VolumeID{u: mustV7()}
}

// NewSegmentID returns a new, time-ordered SegmentID.
func NewSegmentID() SegmentID {
	return SegmentID{u: mustV7()}
}

func mustV7() uuid.UUID {
	var u, err = uuid.NewV7()
	if err != nil {
		panic(err) // Reading entropy failed.
	}
	return u
}

// IsZero returns whether the VolumeID is unset.
func (v VolumeID) IsZero() bool { return v.u == uuid.UUID{} }

// Bytes returns the fixed 16-byte binary form of the VolumeID.
func (v VolumeID) Bytes() []byte { var b = v.u; return b[:] }

// String returns the canonical textual form of the VolumeID.
func (v VolumeID) String() string { return v.u.String() }

// Compare lexicographically compares two VolumeIDs.
func (v VolumeID) Compare(o VolumeID) int { return bytes.Compare(v.u[:], o.u[:]) }

// IsZero returns whether the SegmentID is unset.
func (s SegmentID) IsZero() bool { return s.u == uuid.UUID{} }

// Bytes returns the fixed 16-byte binary form of the SegmentID.
func (s SegmentID) Bytes() []byte { var b = s.u; return b[:] }

// String returns the canonical textual form of the SegmentID.
func (s SegmentID) String() string { return s.u.String() }

// ParseVolumeID parses the canonical textual form of a VolumeID.
func ParseVolumeID(s string) (VolumeID, error) {
	var u, err = uuid.Parse(s)
	if err != nil {
		return VolumeID{}, fmt.Errorf("parsing volume id: %w", err)
	}
	return VolumeID{u: u}, nil
}

// ParseSegmentID parses the canonical textual form of a SegmentID.
func ParseSegmentID(s string) (SegmentID, error) {
	var u, err = uuid.Parse(s)
	if err != nil {
		return SegmentID{}, fmt.Errorf("parsing segment id: %w", err)
	}
	return SegmentID{u: u}, nil
}

// VolumeIDFromBytes decodes the fixed 16-byte binary form of a VolumeID.
func VolumeIDFromBytes(b []byte) (VolumeID, error) {
	var u, err = uuid.FromBytes(b)
	if err != nil {
		return VolumeID{}, err
	}
	return VolumeID{u: u}, nil
}

// SegmentIDFromBytes decodes the fixed 16-byte binary form of a SegmentID.
func SegmentIDFromBytes(b []byte) (SegmentID, error) {
	var u, err = uuid.FromBytes(b)
	if err != nil {
		return SegmentID{}, err
	}
	return SegmentID{u: u}, nil
}
