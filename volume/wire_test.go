package volume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pagevault.dev/kernel/volume/pageset"
)

func TestCommitWireRoundTrip(t *testing.T) {
	var vid, sid = NewVolumeID(), NewSegmentID()

	var pages = pageset.New()
	pages.Insert(1)
	pages.Insert(7)
	pages.Insert(900)

	var hash CommitHash
	for i := range hash {
		hash[i] = byte(i)
	}

	var commit = &Commit{
		Snapshot: Snapshot{VID: vid, LSN: 42, Pages: 900},
		Hash:     &hash,
		Segment: &SegmentRef{
			SID:   sid,
			Pages: pages,
			Frames: []SegmentFrame{
				{Pages: 2, LastIdx: 7, RawLen: 1234, Checksum: 0xdeadbeef},
				{Pages: 1, LastIdx: 900, RawLen: 77, Checksum: 0x01020304},
			},
		},
		CheckpointedAt: time.Unix(100, 200).UTC(),
	}

	var enc, err = EncodeCommit(commit)
	require.NoError(t, err)

	dec, err := DecodeCommit(enc)
	require.NoError(t, err)

	require.Equal(t, commit.Snapshot, dec.Snapshot)
	require.Equal(t, commit.Hash, dec.Hash)
	require.Equal(t, commit.CheckpointedAt, dec.CheckpointedAt)
	require.Equal(t, commit.Segment.SID, dec.Segment.SID)
	require.Equal(t, commit.Segment.Frames, dec.Segment.Frames)
	require.True(t, dec.Segment.Contains(7))
	require.True(t, dec.Segment.Contains(900))
	require.False(t, dec.Segment.Contains(8))
	require.True(t, dec.IsCheckpoint())
}

func TestCommitWireMinimal(t *testing.T) {
	// A page-count-only commit: no hash, no segment, not a checkpoint.
	var commit = &Commit{Snapshot: Snapshot{VID: NewVolumeID(), LSN: 1, Pages: 10}}

	var enc, err = EncodeCommit(commit)
	require.NoError(t, err)

	dec, err := DecodeCommit(enc)
	require.NoError(t, err)
	require.Nil(t, dec.Hash)
	require.Nil(t, dec.Segment)
	require.False(t, dec.IsCheckpoint())
	require.Equal(t, commit.Snapshot, dec.Snapshot)
}

func TestCommitWireRejectsCorruption(t *testing.T) {
	var commit = &Commit{Snapshot: Snapshot{VID: NewVolumeID(), LSN: 1, Pages: 1}}
	var enc, err = EncodeCommit(commit)
	require.NoError(t, err)

	// Wrong magic.
	var bad = append([]byte{}, enc...)
	bad[0] ^= 0xff
	_, err = DecodeCommit(bad)
	require.ErrorIs(t, err, ErrMalformedRecord)

	// Truncated body.
	_, err = DecodeCommit(enc[:len(enc)-4])
	require.ErrorIs(t, err, ErrMalformedRecord)

	// Empty input.
	_, err = DecodeCommit(nil)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestControlWireRoundTrip(t *testing.T) {
	var parent = VolumeRef{VID: NewVolumeID(), LSN: 17}
	var ctrl = Control{
		VID:       NewVolumeID(),
		Parent:    parent,
		CreatedAt: time.Unix(1234, 5678).UTC(),
	}

	dec, err := DecodeControl(EncodeControl(ctrl))
	require.NoError(t, err)
	require.Equal(t, ctrl, dec)
	require.True(t, dec.IsFork())

	// And without a parent.
	ctrl.Parent = VolumeRef{}
	dec, err = DecodeControl(EncodeControl(ctrl))
	require.NoError(t, err)
	require.False(t, dec.IsFork())
}

func TestCheckpointSetWireRoundTrip(t *testing.T) {
	var cs = NewCheckpointSet(30, 10, 20, 10)
	require.Equal(t, 3, cs.Len())

	dec, err := DecodeCheckpointSet(EncodeCheckpointSet(cs))
	require.NoError(t, err)
	require.True(t, cs.Equal(dec))

	require.Equal(t, LSN(20), dec.LatestAtOrBefore(25))
	require.Equal(t, LSN(30), dec.LatestAtOrBefore(30))
	require.Equal(t, InvalidLSN, dec.LatestAtOrBefore(9))
	require.Equal(t, LSN(10), dec.Oldest())
}

func TestHandleStateWireRoundTrip(t *testing.T) {
	var state = HandleState{
		Name:          "main",
		Local:         VolumeRef{VID: NewVolumeID(), LSN: 5},
		Remote:        VolumeRef{VID: NewVolumeID(), LSN: 3},
		RemoteApplied: 2,
		Pending: &PendingCommit{
			RemoteLSN: 4,
			LocalLSN:  7,
			Hash:      CommitHash{1, 2, 3},
		},
	}

	dec, err := DecodeHandleState(EncodeHandleState(state))
	require.NoError(t, err)
	require.Equal(t, state, dec)

	// Detached handle with no remote and no pending commit.
	state = HandleState{Name: "scratch", Local: VolumeRef{VID: NewVolumeID()}}
	dec, err = DecodeHandleState(EncodeHandleState(state))
	require.NoError(t, err)
	require.Equal(t, state, dec)
	require.False(t, dec.HasRemote())
}

func TestHandleNameValidation(t *testing.T) {
	require.NoError(t, ValidateHandleName("my-volume.db_1"))
	require.Error(t, ValidateHandleName(""))
	require.Error(t, ValidateHandleName("has space"))
	require.Error(t, ValidateHandleName("has/slash"))
}

func TestVolumeIDOrdering(t *testing.T) {
	// V7 ids assigned later must sort later.
	var a = NewVolumeID()
	time.Sleep(2 * time.Millisecond)
	var b = NewVolumeID()
	require.Less(t, a.Compare(b), 0)

	parsed, err := ParseVolumeID(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)
}

func TestCommitHasherIsOrderSensitive(t *testing.T) {
	var vid = NewVolumeID()
	var snap = Snapshot{VID: vid, LSN: 1, Pages: 2}

	var pg1, pg2 = make(Page, PageSize), make(Page, PageSize)
	pg1[0], pg2[0] = 'a', 'b'

	var h1 = NewCommitHasher(snap)
	h1.WritePage(1, pg1)
	h1.WritePage(2, pg2)

	var h2 = NewCommitHasher(snap)
	h2.WritePage(1, pg2)
	h2.WritePage(2, pg1)

	require.NotEqual(t, h1.Sum(), h2.Sum())

	var h3 = NewCommitHasher(snap)
	h3.WritePage(1, pg1)
	h3.WritePage(2, pg2)
	require.Equal(t, h1.Sum(), h3.Sum())
}
