package kernel

import (
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/volume"
)

// searchSegment is one span of a visibility path: a Volume and the
// inclusive LSN range of its log a reader must scan.
type searchSegment struct {
	// vid keys the local log partition scanned by this span.
	vid volume.VolumeID
	// remoteVID keys the remote segment objects referenced by commits of
	// this span. Zero for a detached local Volume, whose pages are always
	// cached locally.
	remoteVID volume.VolumeID
	rng       volume.LSNRange
}

// searchPath computes the visibility path of a Snapshot: the ordered list
// of (Volume, LSN range) spans to scan, nearest first. Each span is
// bounded below by the Volume's latest checkpoint at or before its upper
// LSN; an unbounded span of a forked Volume continues into its parent.
//
// The path pins the CheckpointSets it observed: a concurrent checkpoint
// rewrite does not alter an already-constructed path.
func searchPath(txn kv.Txn, snap volume.Snapshot, headRemoteVID volume.VolumeID) ([]searchSegment, error) {
	var path []searchSegment

	var vid, lsn, rvid = snap.VID, snap.LSN, headRemoteVID
	for lsn.IsValid() {
		var cs, err = local.GetCheckpoints(txn, vid)
		if err != nil {
			return nil, err
		}

		if cp := cs.LatestAtOrBefore(lsn); cp.IsValid() {
			// The checkpoint holds a full image: nothing below it is visible.
			return append(path, searchSegment{
				vid:       vid,
				remoteVID: rvid,
				rng:       volume.LSNRange{From: cp, To: lsn},
			}), nil
		} else if cs.Len() > 0 {
			// Every checkpoint is newer than lsn: history at or below it
			// has been superseded and may be garbage collected.
			return nil, ErrSnapshotExpired
		}

		path = append(path, searchSegment{
			vid:       vid,
			remoteVID: rvid,
			rng:       volume.LSNRange{From: volume.FirstLSN, To: lsn},
		})

		ctrl, ok, err := local.GetControl(txn, vid)
		if err != nil {
			return nil, err
		} else if !ok || !ctrl.IsFork() {
			return path, nil
		}
		// Continue from the parent's Snapshot at the fork point.
		vid, lsn, rvid = ctrl.Parent.VID, ctrl.Parent.LSN, ctrl.Parent.VID
	}
	return path, nil
}
