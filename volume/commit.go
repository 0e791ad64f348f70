package volume

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"

	"go.pagevault.dev/kernel/volume/pageset"
)

// CommitHash is a 256-bit content hash covering a Commit's Snapshot and all
// of its page bytes in ascending PageIdx order. It is required on commits
// bound for remote storage and omitted on purely local commits.
type CommitHash [32]byte

// String returns the hex form of the CommitHash.
func (h CommitHash) String() string { return hex.EncodeToString(h[:]) }

// CommitHasher incrementally computes a CommitHash.
type CommitHasher struct{ h hash.Hash }

// NewCommitHasher begins a CommitHash over the given Snapshot.
func NewCommitHasher(s Snapshot) *CommitHasher {
	var ch = &CommitHasher{h: sha256.New()}
	var buf [IDLen + 8 + 4]byte
	copy(buf[:IDLen], s.VID.Bytes())
	binary.BigEndian.PutUint64(buf[IDLen:], uint64(s.LSN))
	binary.BigEndian.PutUint32(buf[IDLen+8:], uint32(s.Pages))
	_, _ = ch.h.Write(buf[:])
	return ch
}

// WritePage folds a page into the hash. Pages must be written in strictly
// ascending PageIdx order.
func (ch *CommitHasher) WritePage(idx PageIdx, p Page) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(idx))
	_, _ = ch.h.Write(buf[:])
	_, _ = ch.h.Write(p)
}

// Sum finalizes and returns the CommitHash.
func (ch *CommitHasher) Sum() CommitHash {
	var out CommitHash
	ch.h.Sum(out[:0])
	return out
}

// SegmentFrame describes one independently-decompressible frame of a
// Segment: how many pages it holds, the largest PageIdx among them, the
// compressed byte length, and a checksum of the uncompressed page bytes.
type SegmentFrame struct {
	Pages    PageCount
	LastIdx  PageIdx
	RawLen   uint32
	Checksum uint32
}

// SegmentRef records the Segment referenced by a Commit: its id, the set of
// PageIdxs it holds, and the frame index enabling partial fetch. Frames is
// empty on local segments which have not been encoded for upload.
type SegmentRef struct {
	SID    SegmentID
	Pages  pageset.Set
	Frames []SegmentFrame
}

// FrameLocation is the byte range of a single frame within an encoded
// Segment object, plus its position in the frame index.
type FrameLocation struct {
	Index int
	Off   int64
	Frame SegmentFrame
}

// Contains returns whether the Segment holds the PageIdx.
func (r *SegmentRef) Contains(idx PageIdx) bool {
	return r.Pages != nil && r.Pages.Contains(idx.U32())
}

// Locate resolves the frame containing the PageIdx. It returns false if the
// Segment has no frame index or no frame covers the index.
func (r *SegmentRef) Locate(idx PageIdx) (FrameLocation, bool) {
	var off int64
	for i, f := range r.Frames {
		if idx <= f.LastIdx {
			return FrameLocation{Index: i, Off: off, Frame: f}, true
		}
		off += int64(f.RawLen)
	}
	return FrameLocation{}, false
}

// EncodedLen returns the total byte length of the encoded Segment.
func (r *SegmentRef) EncodedLen() int64 {
	var n int64
	for _, f := range r.Frames {
		n += int64(f.RawLen)
	}
	return n
}

// Commit is the append-only unit of change to a Volume's log. A Commit
// may omit its SegmentRef if only the Volume's PageCount changed (a pure
// extend or truncate). Commits are immutable once written.
type Commit struct {
	Snapshot Snapshot
	// Hash is the commit's content hash, present on remote-bound commits.
	Hash *CommitHash
	// Segment references the changed pages, if any.
	Segment *SegmentRef
	// CheckpointedAt records when this commit was made a checkpoint.
	// Zero if the commit is not a checkpoint.
	CheckpointedAt time.Time
}

// VID returns the Volume the Commit belongs to.
func (c *Commit) VID() VolumeID { return c.Snapshot.VID }

// LSN returns the log position of the Commit.
func (c *Commit) LSN() LSN { return c.Snapshot.LSN }

// IsCheckpoint returns whether the Commit holds a full page image.
func (c *Commit) IsCheckpoint() bool { return !c.CheckpointedAt.IsZero() }
