package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.pagevault.dev/kernel/volume/pageset"
)

// Wire encodings for records stored in the local log and in object storage.
// Every record is a length-prefixed body behind a fixed magic-number
// envelope. Identifiers and LSNs are fixed-width big-endian binary, never
// variable-length, so key ordering and record size bounds stay exact.

// ErrMalformedRecord is returned when a record fails structural validation.
// It is fatal to the operation which read the record.
var ErrMalformedRecord = errors.New("malformed record")

const wireVersion = 0x01

// Record magic numbers ("PV" + record tag).
const (
	magicCommit      = 0x5056434d // "PVCM"
	magicControl     = 0x50564354 // "PVCT"
	magicCheckpoints = 0x50564350 // "PVCP"
	magicHandle      = 0x50564853 // "PVHS"
)

// Commit body flags.
const (
	commitHasHash      = 1 << 0
	commitHasSegment   = 1 << 1
	commitIsCheckpoint = 1 << 2
)

func appendEnvelope(magic uint32, body []byte) []byte {
	var out = make([]byte, 0, 9+len(body))
	out = binary.BigEndian.AppendUint32(out, magic)
	out = append(out, wireVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func openEnvelope(magic uint32, data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: truncated envelope (%d bytes)", ErrMalformedRecord, len(data))
	}
	if got := binary.BigEndian.Uint32(data); got != magic {
		return nil, fmt.Errorf("%w: magic %08x (expected %08x)", ErrMalformedRecord, got, magic)
	}
	if data[4] != wireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedRecord, data[4])
	}
	var n = binary.BigEndian.Uint32(data[5:])
	if uint32(len(data)-9) != n {
		return nil, fmt.Errorf("%w: body length %d (envelope says %d)", ErrMalformedRecord, len(data)-9, n)
	}
	return data[9:], nil
}

// EncodeCommit returns the wire form of a Commit.
func EncodeCommit(c *Commit) ([]byte, error) {
	var body []byte
	body = append(body, c.Snapshot.VID.Bytes()...)
	body = binary.BigEndian.AppendUint64(body, uint64(c.Snapshot.LSN))
	body = binary.BigEndian.AppendUint32(body, uint32(c.Snapshot.Pages))

	var flags byte
	if c.Hash != nil {
		flags |= commitHasHash
	}
	if c.Segment != nil {
		flags |= commitHasSegment
	}
	if c.IsCheckpoint() {
		flags |= commitIsCheckpoint
	}
	body = append(body, flags)

	if c.Hash != nil {
		body = append(body, c.Hash[:]...)
	}
	if c.IsCheckpoint() {
		body = binary.BigEndian.AppendUint64(body, uint64(c.CheckpointedAt.UnixNano()))
	}
	if c.Segment != nil {
		body = append(body, c.Segment.SID.Bytes()...)
		body = binary.BigEndian.AppendUint32(body, uint32(len(c.Segment.Frames)))
		for _, f := range c.Segment.Frames {
			body = binary.BigEndian.AppendUint32(body, uint32(f.Pages))
			body = binary.BigEndian.AppendUint32(body, uint32(f.LastIdx))
			body = binary.BigEndian.AppendUint32(body, f.RawLen)
			body = binary.BigEndian.AppendUint32(body, f.Checksum)
		}
		var ps, err = c.Segment.Pages.Serialize()
		if err != nil {
			return nil, err
		}
		body = binary.BigEndian.AppendUint32(body, uint32(len(ps)))
		body = append(body, ps...)
	}
	return appendEnvelope(magicCommit, body), nil
}

// DecodeCommit parses the wire form of a Commit.
func DecodeCommit(data []byte) (*Commit, error) {
	var body, err = openEnvelope(magicCommit, data)
	if err != nil {
		return nil, err
	}
	var r = wireReader{b: body}

	var c = new(Commit)
	if c.Snapshot.VID, err = VolumeIDFromBytes(r.take(IDLen)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
	}
	c.Snapshot.LSN = LSN(r.u64())
	c.Snapshot.Pages = PageCount(r.u32())

	var flags = r.u8()
	if flags&commitHasHash != 0 {
		var h CommitHash
		copy(h[:], r.take(len(h)))
		c.Hash = &h
	}
	if flags&commitIsCheckpoint != 0 {
		c.CheckpointedAt = time.Unix(0, int64(r.u64())).UTC()
	}
	if flags&commitHasSegment != 0 {
		var ref = new(SegmentRef)
		if ref.SID, err = SegmentIDFromBytes(r.take(IDLen)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
		}
		var nFrames = r.u32()
		if uint64(nFrames)*16 > uint64(len(r.b)) {
			return nil, fmt.Errorf("%w: frame count %d exceeds record", ErrMalformedRecord, nFrames)
		}
		ref.Frames = make([]SegmentFrame, nFrames)
		for i := range ref.Frames {
			ref.Frames[i] = SegmentFrame{
				Pages:    PageCount(r.u32()),
				LastIdx:  PageIdx(r.u32()),
				RawLen:   r.u32(),
				Checksum: r.u32(),
			}
		}
		if ref.Pages, err = pageset.Deserialize(r.take(int(r.u32()))); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
		}
		c.Segment = ref
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, r.err)
	}
	return c, nil
}

// Control body flags.
const controlHasParent = 1 << 0

// EncodeControl returns the wire form of a Control record.
func EncodeControl(c Control) []byte {
	var body []byte
	body = append(body, c.VID.Bytes()...)
	var flags byte
	if c.IsFork() {
		flags |= controlHasParent
	}
	body = append(body, flags)
	if c.IsFork() {
		body = append(body, c.Parent.VID.Bytes()...)
		body = binary.BigEndian.AppendUint64(body, uint64(c.Parent.LSN))
	}
	body = binary.BigEndian.AppendUint64(body, uint64(c.CreatedAt.UnixNano()))
	return appendEnvelope(magicControl, body)
}

// DecodeControl parses the wire form of a Control record.
func DecodeControl(data []byte) (Control, error) {
	var body, err = openEnvelope(magicControl, data)
	if err != nil {
		return Control{}, err
	}
	var r = wireReader{b: body}

	var c Control
	if c.VID, err = VolumeIDFromBytes(r.take(IDLen)); err != nil {
		return Control{}, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
	}
	var flags = r.u8()
	if flags&controlHasParent != 0 {
		if c.Parent.VID, err = VolumeIDFromBytes(r.take(IDLen)); err != nil {
			return Control{}, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
		}
		c.Parent.LSN = LSN(r.u64())
	}
	c.CreatedAt = time.Unix(0, int64(r.u64())).UTC()

	if r.err != nil {
		return Control{}, fmt.Errorf("%w: %s", ErrMalformedRecord, r.err)
	}
	return c, nil
}

// EncodeCheckpointSet returns the wire form of a CheckpointSet.
func EncodeCheckpointSet(cs CheckpointSet) []byte {
	var body = binary.BigEndian.AppendUint32(nil, uint32(cs.Len()))
	for _, l := range cs.All() {
		body = binary.BigEndian.AppendUint64(body, uint64(l))
	}
	return appendEnvelope(magicCheckpoints, body)
}

// DecodeCheckpointSet parses the wire form of a CheckpointSet.
func DecodeCheckpointSet(data []byte) (CheckpointSet, error) {
	var body, err = openEnvelope(magicCheckpoints, data)
	if err != nil {
		return CheckpointSet{}, err
	}
	var r = wireReader{b: body}

	var n = r.u32()
	if uint64(n)*8 != uint64(len(r.b)) {
		return CheckpointSet{}, fmt.Errorf("%w: checkpoint count %d", ErrMalformedRecord, n)
	}
	var cs CheckpointSet
	for i := uint32(0); i < n; i++ {
		cs.Add(LSN(r.u64()))
	}
	if r.err != nil {
		return CheckpointSet{}, fmt.Errorf("%w: %s", ErrMalformedRecord, r.err)
	}
	return cs, nil
}

// Handle body flags.
const (
	handleHasRemote  = 1 << 0
	handleHasPending = 1 << 1
)

// EncodeHandleState returns the wire form of a HandleState.
func EncodeHandleState(h HandleState) []byte {
	var body = binary.BigEndian.AppendUint16(nil, uint16(len(h.Name)))
	body = append(body, h.Name...)
	body = append(body, h.Local.VID.Bytes()...)
	body = binary.BigEndian.AppendUint64(body, uint64(h.Local.LSN))

	var flags byte
	if !h.Remote.IsZero() {
		flags |= handleHasRemote
	}
	if h.Pending != nil {
		flags |= handleHasPending
	}
	body = append(body, flags)

	if !h.Remote.IsZero() {
		body = append(body, h.Remote.VID.Bytes()...)
		body = binary.BigEndian.AppendUint64(body, uint64(h.Remote.LSN))
		body = binary.BigEndian.AppendUint64(body, uint64(h.RemoteApplied))
	}
	if h.Pending != nil {
		body = binary.BigEndian.AppendUint64(body, uint64(h.Pending.RemoteLSN))
		body = binary.BigEndian.AppendUint64(body, uint64(h.Pending.LocalLSN))
		body = append(body, h.Pending.Hash[:]...)
	}
	return appendEnvelope(magicHandle, body)
}

// DecodeHandleState parses the wire form of a HandleState.
func DecodeHandleState(data []byte) (HandleState, error) {
	var body, err = openEnvelope(magicHandle, data)
	if err != nil {
		return HandleState{}, err
	}
	var r = wireReader{b: body}

	var h HandleState
	h.Name = string(r.take(int(r.u16())))
	if h.Local.VID, err = VolumeIDFromBytes(r.take(IDLen)); err != nil {
		return HandleState{}, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
	}
	h.Local.LSN = LSN(r.u64())

	var flags = r.u8()
	if flags&handleHasRemote != 0 {
		if h.Remote.VID, err = VolumeIDFromBytes(r.take(IDLen)); err != nil {
			return HandleState{}, fmt.Errorf("%w: %s", ErrMalformedRecord, err)
		}
		h.Remote.LSN = LSN(r.u64())
		h.RemoteApplied = LSN(r.u64())
	}
	if flags&handleHasPending != 0 {
		var pc PendingCommit
		pc.RemoteLSN = LSN(r.u64())
		pc.LocalLSN = LSN(r.u64())
		copy(pc.Hash[:], r.take(len(pc.Hash)))
		h.Pending = &pc
	}
	if r.err != nil {
		return HandleState{}, fmt.Errorf("%w: %s", ErrMalformedRecord, r.err)
	}
	return h, nil
}

// wireReader is a cursor over a record body. The first short read latches
// an error and subsequent reads return zero values.
type wireReader struct {
	b   []byte
	err error
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil || n < 0 || n > len(r.b) {
		if r.err == nil {
			r.err = fmt.Errorf("short body (want %d of %d)", n, len(r.b))
		}
		return nil
	}
	var out = r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *wireReader) u8() byte {
	var b = r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) u16() uint16 {
	var b = r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *wireReader) u32() uint32 {
	var b = r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *wireReader) u64() uint64 {
	var b = r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
