package kernel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/segment"
	"go.pagevault.dev/kernel/stores"
	"go.pagevault.dev/kernel/volume"
	"go.pagevault.dev/kernel/volume/pageset"
)

// sharedRemote returns an object store shared by several test kernels.
func sharedRemote(t *testing.T) stores.Store {
	var obj, err = stores.NewMemoryStore(nil)
	require.NoError(t, err)
	return obj
}

func TestPushPullSyncAcrossDevices(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	// Device A: two local commits, then attach a fresh remote and push.
	_, err := a.OpenVolume(ctx, "main")
	require.NoError(t, err)
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{1: 'A'})
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{2: 'B'})

	ha, err := a.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	var rvid = ha.Remote.VID
	require.False(t, rvid.IsZero())

	require.NoError(t, a.Push(ctx, "main"))

	// Both local commits merged into a single remote commit at LSN 1.
	st, err := a.Status("main")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Ahead)
	require.Equal(t, volume.LSN(2), st.Synced)
	require.Equal(t, volume.LSN(1), st.Remote.LSN)
	require.False(t, st.PushPending)

	// Device B: attach the same remote, pull, and sync.
	_, err = b.OpenVolume(ctx, "main")
	require.NoError(t, err)
	_, err = b.AttachRemote(ctx, "main", rvid)
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx, "main"))
	require.NoError(t, b.Sync(ctx, "main"))

	st, err = b.Status("main")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Behind)
	require.Equal(t, volume.LSN(1), st.Local.LSN)

	// B's pages hydrate from remote segment frames.
	r, err := b.Reader("main")
	require.NoError(t, err)
	require.Equal(t, volume.PageCount(2), r.PageCount())
	page, err := r.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('A'), page)
	page, err = r.ReadPage(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, fill('B'), page)

	// Pulling with no new remote commits is a no-op.
	require.NoError(t, b.Pull(ctx, "main"))
	require.NoError(t, b.Sync(ctx, "main"))
}

func TestPushRequiresRemoteAndChanges(t *testing.T) {
	var k = newTestKernel(t, nil)
	var ctx = context.Background()

	_, err := k.OpenVolume(ctx, "main")
	require.NoError(t, err)
	require.ErrorIs(t, k.Push(ctx, "main"), ErrNoRemote)

	_, err = k.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	require.ErrorIs(t, k.Push(ctx, "main"), ErrNothingToCommit)
}

func TestPushDivergence(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	_, err := a.OpenVolume(ctx, "main")
	require.NoError(t, err)
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{1: 'A'})
	ha, err := a.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "main"))

	// Device B catches up, then pushes its own commit.
	_, err = b.OpenVolume(ctx, "main")
	require.NoError(t, err)
	_, err = b.AttachRemote(ctx, "main", ha.Remote.VID)
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx, "main"))
	require.NoError(t, b.Sync(ctx, "main"))
	writeAndCommit(t, b, "main", map[volume.PageIdx]byte{2: 'B'})
	require.NoError(t, b.Push(ctx, "main"))

	// A's next push observes the unseen remote commit.
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{3: 'C'})
	require.ErrorIs(t, a.Push(ctx, "main"), ErrDiverged)

	// After pulling and syncing... A still has outstanding local changes.
	require.NoError(t, a.Pull(ctx, "main"))
	require.ErrorIs(t, a.Sync(ctx, "main"), ErrOutstandingLocalChanges)
}

func TestIdempotentPushRecoveryAfterLandedPut(t *testing.T) {
	var k = newTestKernel(t, nil)
	var ctx = context.Background()

	_, err := k.OpenVolume(ctx, "main")
	require.NoError(t, err)
	writeAndCommit(t, k, "main", map[volume.PageIdx]byte{1: 'A'})
	writeAndCommit(t, k, "main", map[volume.PageIdx]byte{2: 'B'})
	h, err := k.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, k.Push(ctx, "main"))

	// Simulate a crash after the remote write-once put succeeded but
	// before its success was recorded: re-inject the PendingCommit of the
	// push which already landed.
	var hash volume.CommitHash
	require.NoError(t, k.local.View(func(txn kv.Txn) error {
		var c, ok, err = local.GetCommit(txn, h.Remote.VID, 1)
		require.True(t, ok)
		hash = *c.Hash
		return err
	}))
	require.NoError(t, k.local.RMW(func(txn kv.Txn) error {
		var cur, _, err = local.GetHandle(txn, "main")
		require.NoError(t, err)
		cur.Pending = &volume.PendingCommit{RemoteLSN: 1, LocalLSN: 2, Hash: hash}
		return local.PutHandle(txn, cur)
	}))

	// The resumed push detects the matching hash and converges to Clean
	// without a duplicate remote commit.
	require.NoError(t, k.Push(ctx, "main"))

	st, err := k.Status("main")
	require.NoError(t, err)
	require.False(t, st.PushPending)
	require.Equal(t, volume.LSN(2), st.Synced)
	require.Equal(t, volume.LSN(1), st.Remote.LSN)

	latest, err := k.remote.LatestLSN(ctx, h.Remote.VID, volume.FirstLSN)
	require.NoError(t, err)
	require.Equal(t, volume.LSN(1), latest)
}

func TestPushRecoveryRetriesUnlandedPut(t *testing.T) {
	var k = newTestKernel(t, nil)
	var ctx = context.Background()

	_, err := k.OpenVolume(ctx, "main")
	require.NoError(t, err)
	writeAndCommit(t, k, "main", map[volume.PageIdx]byte{1: 'A'})
	h, err := k.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, k.Push(ctx, "main"))

	// A new local commit, whose push crashed after writing the pending
	// marker but before the remote put.
	var snap = writeAndCommit(t, k, "main", map[volume.PageIdx]byte{3: 'Z'})

	var hasher = volume.NewCommitHasher(volume.Snapshot{
		VID:   h.Remote.VID,
		LSN:   2,
		Pages: snap.Pages,
	})
	hasher.WritePage(3, fill('Z'))
	require.NoError(t, k.local.RMW(func(txn kv.Txn) error {
		var cur, _, err = local.GetHandle(txn, "main")
		require.NoError(t, err)
		cur.Pending = &volume.PendingCommit{RemoteLSN: 2, LocalLSN: snap.LSN, Hash: hasher.Sum()}
		return local.PutHandle(txn, cur)
	}))

	// The resumed push rebuilds the identical commit and lands it.
	require.NoError(t, k.Push(ctx, "main"))

	st, err := k.Status("main")
	require.NoError(t, err)
	require.False(t, st.PushPending)
	require.Equal(t, snap.LSN, st.Synced)
	require.Equal(t, volume.LSN(2), st.Remote.LSN)
}

func TestPushRejectedClearsStalePending(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	_, err := a.OpenVolume(ctx, "main")
	require.NoError(t, err)
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{1: 'A'})
	ha, err := a.AttachRemote(ctx, "main", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "main"))

	// Device B races a push at remote LSN 2 and wins.
	_, err = b.OpenVolume(ctx, "main")
	require.NoError(t, err)
	_, err = b.AttachRemote(ctx, "main", ha.Remote.VID)
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx, "main"))
	require.NoError(t, b.Sync(ctx, "main"))
	writeAndCommit(t, b, "main", map[volume.PageIdx]byte{2: 'B'})
	require.NoError(t, b.Push(ctx, "main"))

	// A crashed mid-push targeting the same LSN with a different commit.
	writeAndCommit(t, a, "main", map[volume.PageIdx]byte{2: 'X'})
	require.NoError(t, a.local.RMW(func(txn kv.Txn) error {
		var cur, _, err = local.GetHandle(txn, "main")
		require.NoError(t, err)
		cur.Pending = &volume.PendingCommit{RemoteLSN: 2, LocalLSN: 2, Hash: volume.CommitHash{0xde, 0xad}}
		return local.PutHandle(txn, cur)
	}))

	require.ErrorIs(t, a.Push(ctx, "main"), ErrPushRejected)

	st, err := a.Status("main")
	require.NoError(t, err)
	require.False(t, st.PushPending)
	// The local watermark did not move.
	require.Equal(t, volume.LSN(1), st.Synced)
}

func TestForkPushAcrossDevices(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	// Device A publishes a base volume, forks it, and pushes the fork.
	_, err := a.OpenVolume(ctx, "base")
	require.NoError(t, err)
	writeAndCommit(t, a, "base", map[volume.PageIdx]byte{1: 'A', 2: 'B'})
	hBase, err := a.AttachRemote(ctx, "base", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "base"))
	var parent = volume.VolumeRef{VID: hBase.Remote.VID, LSN: 1}

	_, err = a.ForkVolume(ctx, "fork", parent)
	require.NoError(t, err)
	writeAndCommit(t, a, "fork", map[volume.PageIdx]byte{1: 'X'})
	hFork, err := a.AttachRemote(ctx, "fork", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "fork"))

	// The published control carries the fork parent, and the fork's first
	// pushed commit is not a full-image checkpoint.
	rctrl, err := a.remote.FetchControl(ctx, hFork.Remote.VID)
	require.NoError(t, err)
	require.Equal(t, parent, rctrl.Parent)
	c, err := a.remote.FetchCommit(ctx, hFork.Remote.VID, 1)
	require.NoError(t, err)
	require.False(t, c.IsCheckpoint())

	// Device B attaches the fork's remote and resolves both the fork's
	// own pages and the parent-inherited ones.
	_, err = b.OpenVolume(ctx, "fork")
	require.NoError(t, err)
	_, err = b.AttachRemote(ctx, "fork", hFork.Remote.VID)
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx, "fork"))
	require.NoError(t, b.Sync(ctx, "fork"))

	r, err := b.Reader("fork")
	require.NoError(t, err)
	require.Equal(t, volume.PageCount(2), r.PageCount())
	page, err := r.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('X'), page)
	page, err = r.ReadPage(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, fill('B'), page)
}

func TestFetchAppliesCheckpointRewrite(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	// Device A pushes two remote commits: a full-image checkpoint at LSN 1
	// and an incremental commit at LSN 2.
	_, err := a.OpenVolume(ctx, "base")
	require.NoError(t, err)
	writeAndCommit(t, a, "base", map[volume.PageIdx]byte{1: 'A'})
	ha, err := a.AttachRemote(ctx, "base", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "base"))
	writeAndCommit(t, a, "base", map[volume.PageIdx]byte{2: 'B'})
	require.NoError(t, a.Push(ctx, "base"))
	var rvid = ha.Remote.VID

	// Device B forks at LSN 2, caching the parent's commits.
	_, err = b.ForkVolume(ctx, "fork", volume.VolumeRef{VID: rvid, LSN: 2})
	require.NoError(t, err)
	r, err := b.Reader("fork")
	require.NoError(t, err)
	page, err := r.ReadPage(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, fill('B'), page)

	// A checkpointer rewrites the commit at LSN 2 as a full image and
	// records the new checkpoint.
	require.NoError(t, obj.Remove(ctx, fmt.Sprintf("t/%s/log/%020d", rvid, 2)))

	var builder = segment.NewBuilder(segment.DefaultCodec)
	require.NoError(t, builder.AddPage(1, fill('A')))
	require.NoError(t, builder.AddPage(2, fill('B')))
	frames, data, err := builder.Finish()
	require.NoError(t, err)
	var sid = volume.NewSegmentID()
	require.NoError(t, a.remote.PushSegment(ctx, rvid, sid, data))

	var pages = pageset.New()
	pages.Insert(1)
	pages.Insert(2)
	require.NoError(t, a.remote.PushCommit(ctx, &volume.Commit{
		Snapshot:       volume.Snapshot{VID: rvid, LSN: 2, Pages: 2},
		Segment:        &volume.SegmentRef{SID: sid, Pages: pages, Frames: frames},
		CheckpointedAt: time.Now(),
	}))
	cs, etag, err := a.remote.FetchCheckpoints(ctx, rvid)
	require.NoError(t, err)
	cs.Add(2)
	_, err = a.remote.UpdateCheckpoints(ctx, rvid, cs, etag)
	require.NoError(t, err)

	// B's next mirror swaps in the rewritten commit along with the new
	// checkpoint set.
	require.NoError(t, b.mirrorVolume(ctx, rvid))

	require.NoError(t, b.local.View(func(txn kv.Txn) error {
		var got, err = local.GetCheckpoints(txn, rvid)
		require.NoError(t, err)
		require.True(t, got.Contains(2))

		c, ok, err := local.GetCommit(txn, rvid, 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, c.IsCheckpoint())
		require.Equal(t, sid, c.Segment.SID)
		return nil
	}))

	// A fresh fork reader resolves through the rewritten full image.
	r, err = b.Reader("fork")
	require.NoError(t, err)
	page, err = r.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('A'), page)

	_, ok, err := b.local.GetPage(sid, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestForkReadsThroughParent(t *testing.T) {
	var obj = sharedRemote(t)
	var a, b = newTestKernel(t, obj), newTestKernel(t, obj)
	var ctx = context.Background()

	_, err := a.OpenVolume(ctx, "base")
	require.NoError(t, err)
	writeAndCommit(t, a, "base", map[volume.PageIdx]byte{1: 'A', 2: 'B'})
	ha, err := a.AttachRemote(ctx, "base", volume.VolumeID{})
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx, "base"))

	// Device B forks from the pushed remote snapshot.
	hb, err := b.ForkVolume(ctx, "fork", volume.VolumeRef{VID: ha.Remote.VID, LSN: 1})
	require.NoError(t, err)
	require.False(t, hb.HasRemote())

	// The fork starts at the parent's extent, resolving pages through it.
	r, err := b.Reader("fork")
	require.NoError(t, err)
	require.Equal(t, volume.PageCount(2), r.PageCount())
	page, err := r.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('A'), page)

	// Writes in the fork shadow the parent without touching it.
	writeAndCommit(t, b, "fork", map[volume.PageIdx]byte{1: 'X'})
	r, err = b.Reader("fork")
	require.NoError(t, err)
	page, err = r.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('X'), page)
	page, err = r.ReadPage(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, fill('B'), page)

	ra, err := a.Reader("base")
	require.NoError(t, err)
	page, err = ra.ReadPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fill('A'), page)
}
