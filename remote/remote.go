// Package remote implements the kernel's object-storage keyspace. Each
// Volume roots a small tree under a tenant-chosen prefix:
//
//	{prefix}{vid}/control          immutable, written once
//	{prefix}{vid}/checkpoints      mutable, compare-and-swap
//	{prefix}{vid}/log/{lsn}        write-once commit records
//	{prefix}{vid}/segments/{sid}   write-once, content-addressed segments
//
// The write-once discipline means two writers racing to create the same LSN
// can never both succeed: the loser observes a conflict and must rebase.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"go.pagevault.dev/kernel/metrics"
	"go.pagevault.dev/kernel/stores"
	"go.pagevault.dev/kernel/volume"
)

// fetchCommitsConcurrency bounds concurrent commit downloads.
const fetchCommitsConcurrency = 5

// checkpointCacheSize bounds the per-process checkpoint etag cache.
const checkpointCacheSize = 256

// Store is a client of a Volume keyspace in object storage.
type Store struct {
	obj    stores.Store
	prefix string

	// cache maps VolumeID string -> cachedCheckpoints. Entries are etag
	// validated on each fetch, so stale entries cost one conditional GET.
	cache *lru.Cache
}

type cachedCheckpoints struct {
	set  volume.CheckpointSet
	etag string
}

// NewStore returns a Store rooted at the given prefix of the object store.
// A non-empty prefix must end in '/'.
func NewStore(obj stores.Store, prefix string) (*Store, error) {
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		return nil, fmt.Errorf("remote prefix %q must end in '/'", prefix)
	}
	var cache, err = lru.New(checkpointCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{obj: obj, prefix: prefix, cache: cache}, nil
}

// Paths. LSNs are rendered fixed-width so lexicographic listings order by LSN.

func (r *Store) controlPath(vid volume.VolumeID) string {
	return fmt.Sprintf("%s%s/control", r.prefix, vid)
}

func (r *Store) checkpointsPath(vid volume.VolumeID) string {
	return fmt.Sprintf("%s%s/checkpoints", r.prefix, vid)
}

func (r *Store) logPath(vid volume.VolumeID, lsn volume.LSN) string {
	return fmt.Sprintf("%s%s/log/%020d", r.prefix, vid, lsn)
}

func (r *Store) segmentPath(vid volume.VolumeID, sid volume.SegmentID) string {
	return fmt.Sprintf("%s%s/segments/%s", r.prefix, vid, sid)
}

// PublishControl writes a Volume's immutable control record. A racing
// publish of an identical record is not an error: control records are
// written exactly once and never change.
func (r *Store) PublishControl(ctx context.Context, ctrl volume.Control) error {
	var data = volume.EncodeControl(ctrl)
	var err = r.obj.PutIfAbsent(ctx, r.controlPath(ctrl.VID), bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, stores.ErrExists) {
		return nil
	}
	return err
}

// FetchControl reads a Volume's control record.
// Returns stores.ErrNotFound if the Volume does not exist remotely.
func (r *Store) FetchControl(ctx context.Context, vid volume.VolumeID) (volume.Control, error) {
	var data, err = r.getAll(ctx, r.controlPath(vid))
	if err != nil {
		return volume.Control{}, err
	}
	return volume.DecodeControl(data)
}

// FetchCheckpoints reads a Volume's CheckpointSet, using a cached copy when
// the remote object's etag is unchanged. A Volume with no checkpoints
// object yet has an empty set.
func (r *Store) FetchCheckpoints(ctx context.Context, vid volume.VolumeID) (volume.CheckpointSet, string, error) {
	var key = vid.String()

	var cached cachedCheckpoints
	if v, ok := r.cache.Get(key); ok {
		cached = v.(cachedCheckpoints)
	}

	var rc, etag, err = r.obj.GetIfChanged(ctx, r.checkpointsPath(vid), cached.etag)
	if errors.Is(err, stores.ErrNotModified) {
		return cached.set, cached.etag, nil
	} else if errors.Is(err, stores.ErrNotFound) {
		return volume.CheckpointSet{}, "", nil
	} else if err != nil {
		return volume.CheckpointSet{}, "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return volume.CheckpointSet{}, "", err
	}
	set, err := volume.DecodeCheckpointSet(data)
	if err != nil {
		return volume.CheckpointSet{}, "", err
	}
	r.cache.Add(key, cachedCheckpoints{set: set, etag: etag})
	return set, etag, nil
}

// UpdateCheckpoints writes a Volume's CheckpointSet via compare-and-swap
// over the etag returned by FetchCheckpoints (empty for a first write).
// Returns stores.ErrPreconditionFailed if another writer got there first;
// the caller re-fetches and retries.
func (r *Store) UpdateCheckpoints(ctx context.Context, vid volume.VolumeID, set volume.CheckpointSet, etag string) (string, error) {
	var data = volume.EncodeCheckpointSet(set)
	var newEtag, err = r.obj.PutConditional(ctx, r.checkpointsPath(vid), bytes.NewReader(data), int64(len(data)), etag)
	if err != nil {
		return "", err
	}
	r.cache.Add(vid.String(), cachedCheckpoints{set: set, etag: newEtag})
	return newEtag, nil
}

// PushCommit writes a Commit at its remote log position with a write-once
// put. Returns stores.ErrExists if the LSN is already taken.
func (r *Store) PushCommit(ctx context.Context, commit *volume.Commit) error {
	var data, err = volume.EncodeCommit(commit)
	if err != nil {
		return err
	}
	err = r.obj.PutIfAbsent(ctx, r.logPath(commit.VID(), commit.LSN()), bytes.NewReader(data), int64(len(data)))
	if err == nil {
		metrics.RemoteCommitsPushedTotal.Inc()
	}
	return err
}

// FetchCommit reads the Commit at (vid, lsn).
// Returns stores.ErrNotFound past the end of the log.
func (r *Store) FetchCommit(ctx context.Context, vid volume.VolumeID, lsn volume.LSN) (*volume.Commit, error) {
	var data, err = r.getAll(ctx, r.logPath(vid, lsn))
	if err != nil {
		return nil, err
	}
	var commit *volume.Commit
	if commit, err = volume.DecodeCommit(data); err != nil {
		return nil, err
	}
	metrics.RemoteCommitsFetchedTotal.Inc()
	return commit, nil
}

// FetchCommits downloads commits of the inclusive LSN range with bounded
// concurrency and returns them sorted ascending by LSN. Fetching stops at
// the end of the remote log: a missing LSN truncates the result rather
// than erroring, and later LSNs are discarded.
func (r *Store) FetchCommits(ctx context.Context, vid volume.VolumeID, rng volume.LSNRange) ([]*volume.Commit, error) {
	if rng.IsEmpty() {
		return nil, nil
	}

	var mu sync.Mutex
	var fetched = make(map[volume.LSN]*volume.Commit)

	var g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(fetchCommitsConcurrency)

	for lsn := rng.From; rng.Contains(lsn); lsn = lsn.Next() {
		lsn := lsn
		g.Go(func() error {
			var commit, err = r.FetchCommit(gctx, vid, lsn)
			if errors.Is(err, stores.ErrNotFound) {
				return nil // End of log.
			} else if err != nil {
				return err
			}
			mu.Lock()
			fetched[lsn] = commit
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Take the contiguous prefix of the range, in ascending LSN order.
	var out []*volume.Commit
	for lsn := rng.From; rng.Contains(lsn); lsn = lsn.Next() {
		var commit, ok = fetched[lsn]
		if !ok {
			break
		}
		out = append(out, commit)
	}
	return out, nil
}

// LatestLSN probes for the Volume's newest remote LSN at or after |from|,
// by walking the log forward until a missing entry. Returns InvalidLSN if
// the log is empty.
func (r *Store) LatestLSN(ctx context.Context, vid volume.VolumeID, from volume.LSN) (volume.LSN, error) {
	if !from.IsValid() {
		from = volume.FirstLSN
	}
	var latest = volume.InvalidLSN
	for lsn := from; ; lsn = lsn.Next() {
		var exists, err = r.obj.Exists(ctx, r.logPath(vid, lsn))
		if err != nil {
			return volume.InvalidLSN, err
		} else if !exists {
			return latest, nil
		}
		latest = lsn
	}
}

// PushSegment writes a Segment's encoded bytes with a write-once put.
// Segments are content-addressed by their id: a racing identical upload is
// not an error.
func (r *Store) PushSegment(ctx context.Context, vid volume.VolumeID, sid volume.SegmentID, data []byte) error {
	var err = r.obj.PutIfAbsent(ctx, r.segmentPath(vid, sid), bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, stores.ErrExists) {
		err = nil
	}
	if err == nil {
		metrics.RemoteSegmentBytesPushedTotal.Add(float64(len(data)))
	}
	return err
}

// FetchFrame downloads the byte range of a single frame of the Segment.
func (r *Store) FetchFrame(ctx context.Context, vid volume.VolumeID, ref *volume.SegmentRef, loc volume.FrameLocation) ([]byte, error) {
	var rc, err = r.obj.GetRange(ctx, r.segmentPath(vid, ref.SID), loc.Off, int64(loc.Frame.RawLen))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var data []byte
	if data, err = io.ReadAll(rc); err != nil {
		return nil, err
	}
	metrics.RemoteFrameBytesFetchedTotal.Add(float64(len(data)))
	return data, nil
}

func (r *Store) getAll(ctx context.Context, path string) ([]byte, error) {
	var rc, err = r.obj.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
