package local

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/kv/memkv"
	"go.pagevault.dev/kernel/volume"
)

func TestLogScanIsNewestFirst(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	var vid = volume.NewVolumeID()
	require.NoError(t, s.RMW(func(txn kv.Txn) error {
		for lsn := volume.LSN(1); lsn <= 5; lsn++ {
			require.NoError(t, PutCommit(txn, &volume.Commit{
				Snapshot: volume.Snapshot{VID: vid, LSN: lsn, Pages: volume.PageCount(lsn)},
			}))
		}
		return nil
	}))

	require.NoError(t, s.View(func(txn kv.Txn) error {
		latest, ok, err := LatestCommit(txn, vid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, volume.LSN(5), latest.LSN())

		var got []volume.LSN
		require.NoError(t, ScanCommits(txn, vid, volume.LSNRange{From: 2, To: 4},
			func(c *volume.Commit) error {
				got = append(got, c.LSN())
				return nil
			}))
		require.Equal(t, []volume.LSN{4, 3, 2}, got)

		// A scan over the full log.
		got = nil
		require.NoError(t, ScanCommits(txn, vid, volume.LSNRange{From: 1, To: 5},
			func(c *volume.Commit) error {
				got = append(got, c.LSN())
				return nil
			}))
		require.Equal(t, []volume.LSN{5, 4, 3, 2, 1}, got)
		return nil
	}))
}

func TestLogScanDetectsMisplacedCommit(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	var vid = volume.NewVolumeID()
	require.NoError(t, s.RMW(func(txn kv.Txn) error {
		var val, err = volume.EncodeCommit(&volume.Commit{
			Snapshot: volume.Snapshot{VID: vid, LSN: 5, Pages: 1}})
		require.NoError(t, err)
		// A commit stored under the wrong log key.
		return txn.Put(logKey(vid, 6), val)
	}))

	require.NoError(t, s.View(func(txn kv.Txn) error {
		var err = ScanCommits(txn, vid, volume.LSNRange{From: 1, To: 10},
			func(*volume.Commit) error { return nil })
		require.Error(t, err)
		require.Contains(t, err.Error(), "key at LSN 6 holds a commit at LSN 5")
		return nil
	}))

	// Deleting the misplaced record restores the log.
	require.NoError(t, s.RMW(func(txn kv.Txn) error {
		return DeleteCommit(txn, vid, 6)
	}))
	require.NoError(t, s.View(func(txn kv.Txn) error {
		return ScanCommits(txn, vid, volume.LSNRange{From: 1, To: 10},
			func(*volume.Commit) error { return nil })
	}))
}

func TestLogIsolationBetweenVolumes(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	var vidA, vidB = volume.NewVolumeID(), volume.NewVolumeID()
	require.NoError(t, s.RMW(func(txn kv.Txn) error {
		require.NoError(t, PutCommit(txn, &volume.Commit{
			Snapshot: volume.Snapshot{VID: vidA, LSN: 7, Pages: 1}}))
		require.NoError(t, PutCommit(txn, &volume.Commit{
			Snapshot: volume.Snapshot{VID: vidB, LSN: 9, Pages: 2}}))
		return nil
	}))

	require.NoError(t, s.View(func(txn kv.Txn) error {
		var snap, err = LatestSnapshot(txn, vidA)
		require.NoError(t, err)
		require.Equal(t, volume.LSN(7), snap.LSN)

		snap, err = LatestSnapshot(txn, vidB)
		require.NoError(t, err)
		require.Equal(t, volume.LSN(9), snap.LSN)
		return nil
	}))
}

func TestLatestSnapshotOfEmptyVolume(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	require.NoError(t, s.View(func(txn kv.Txn) error {
		var snap, err = LatestSnapshot(txn, volume.NewVolumeID())
		require.NoError(t, err)
		require.Equal(t, volume.InvalidLSN, snap.LSN)
		require.Equal(t, volume.PageCount(0), snap.Pages)
		return nil
	}))
}

func TestHandleAndVolumeRecords(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	var vid = volume.NewVolumeID()
	var state = volume.HandleState{
		Name:   "main",
		Local:  volume.VolumeRef{VID: vid, LSN: 3},
		Remote: volume.VolumeRef{VID: volume.NewVolumeID(), LSN: 2},
	}

	require.NoError(t, s.RMW(func(txn kv.Txn) error {
		require.NoError(t, PutHandle(txn, state))
		require.NoError(t, PutControl(txn, volume.Control{VID: vid}))
		return PutCheckpoints(txn, vid, volume.NewCheckpointSet(10, 20))
	}))

	require.NoError(t, s.View(func(txn kv.Txn) error {
		got, ok, err := GetHandle(txn, "main")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, state, got)

		_, ok, err = GetHandle(txn, "other")
		require.NoError(t, err)
		require.False(t, ok)

		ctrl, ok, err := GetControl(txn, vid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, vid, ctrl.VID)

		cs, err := GetCheckpoints(txn, vid)
		require.NoError(t, err)
		require.Equal(t, volume.LSN(20), cs.LatestAtOrBefore(25))

		// A volume with no checkpoint record has an empty set.
		cs, err = GetCheckpoints(txn, volume.NewVolumeID())
		require.NoError(t, err)
		require.Equal(t, 0, cs.Len())
		return nil
	}))
}

func TestPageCache(t *testing.T) {
	var s = Open(memkv.New())
	defer s.Close()

	var sid = volume.NewSegmentID()
	var mk = func(c byte) volume.Page {
		var p = make(volume.Page, volume.PageSize)
		p[0] = c
		return p
	}

	require.NoError(t, s.PutPage(sid, 1, mk('a')))
	require.NoError(t, s.PutPages(sid,
		[]volume.PageIdx{2, 3, 9}, []volume.Page{mk('b'), mk('c'), mk('d')}))

	var page, ok, err = s.GetPage(sid, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte('c'), page[0])

	_, ok, err = s.GetPage(sid, 4)
	require.NoError(t, err)
	require.False(t, ok)

	// Truncation drops pages at or above the boundary.
	require.NoError(t, s.DropPagesFrom(sid, 3))
	_, ok, _ = s.GetPage(sid, 2)
	require.True(t, ok)
	_, ok, _ = s.GetPage(sid, 3)
	require.False(t, ok)
	_, ok, _ = s.GetPage(sid, 9)
	require.False(t, ok)

	// Rollback drops the whole segment.
	require.NoError(t, s.DropSegment(sid))
	_, ok, _ = s.GetPage(sid, 1)
	require.False(t, ok)
}
