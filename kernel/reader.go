package kernel

import (
	"context"

	"github.com/pkg/errors"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/metrics"
	"go.pagevault.dev/kernel/segment"
	"go.pagevault.dev/kernel/volume"
)

// VolumeReader resolves pages at a fixed Snapshot. Readers are immutable
// for their lifetime and never take the storage lock: many readers run
// fully in parallel, including alongside writers and sync operations on
// the same Volume.
type VolumeReader struct {
	k    *Kernel
	snap volume.Snapshot
	path []searchSegment
}

// Reader returns a VolumeReader at the named handle's latest local Snapshot.
func (k *Kernel) Reader(name string) (*VolumeReader, error) {
	var h, err = k.Handle(name)
	if err != nil {
		return nil, err
	}
	return k.ReaderAt(name, h, volume.InvalidLSN)
}

// ReaderAt returns a VolumeReader at the given local LSN of the handle's
// Volume, or at its latest Snapshot if lsn is InvalidLSN.
func (k *Kernel) ReaderAt(name string, h volume.HandleState, lsn volume.LSN) (*VolumeReader, error) {
	var r = &VolumeReader{k: k}
	var err = k.local.View(func(txn kv.Txn) error {
		var err error
		if !lsn.IsValid() {
			if r.snap, err = local.LatestSnapshot(txn, h.Local.VID); err != nil {
				return err
			}
		} else {
			var commit, ok, err = local.GetCommit(txn, h.Local.VID, lsn)
			if err != nil {
				return err
			} else if !ok {
				return errors.Errorf("handle %q: volume %s has no commit at LSN %d", name, h.Local.VID, lsn)
			}
			r.snap = commit.Snapshot
		}
		r.path, err = searchPath(txn, r.snap, h.Remote.VID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the fixed Snapshot this reader observes.
func (r *VolumeReader) Snapshot() volume.Snapshot { return r.snap }

// PageCount returns the Snapshot's logical page count.
func (r *VolumeReader) PageCount() volume.PageCount { return r.snap.Pages }

// ReadPage resolves the contents of a PageIdx at the reader's Snapshot.
// A page within the Volume's extent which was never written reads as
// all-zero. Reads beyond the extent fail with ErrOutOfRange.
//
// The returned Page must not be mutated.
func (r *VolumeReader) ReadPage(ctx context.Context, idx volume.PageIdx) (volume.Page, error) {
	if !idx.IsValid() {
		return nil, errors.New("invalid page index")
	} else if !r.snap.Pages.Contains(idx) {
		return nil, errors.WithMessagef(ErrOutOfRange,
			"page %d of %s (count %d)", idx, r.snap.VID, r.snap.Pages)
	}

	var resolved *volume.Commit
	var remoteVID volume.VolumeID

	// Walk the visibility path newest to oldest for a commit which covers
	// the index. A commit whose PageCount no longer covers it marks a
	// truncation: the index was logically discarded at that point, and
	// older writes to it are not visible.
	var truncated bool
	var err = r.k.local.View(func(txn kv.Txn) error {
		for _, seg := range r.path {
			var err = local.ScanCommits(txn, seg.vid, seg.rng, func(c *volume.Commit) error {
				if !c.Snapshot.Pages.Contains(idx) {
					truncated = true
					return kv.ErrStopRange
				}
				if c.Segment != nil && c.Segment.Contains(idx) {
					resolved, remoteVID = c, seg.remoteVID
					return kv.ErrStopRange
				}
				return nil
			})
			if err != nil || truncated || resolved != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return volume.EmptyPage, nil
	}
	return r.k.resolvePage(ctx, remoteVID, resolved.Segment, idx)
}

// resolvePage returns the bytes of a PageIdx known to be held by the
// Segment, from the local page cache or by fetching and hydrating the
// containing frame.
func (k *Kernel) resolvePage(ctx context.Context, remoteVID volume.VolumeID, ref *volume.SegmentRef, idx volume.PageIdx) (volume.Page, error) {
	if page, ok, err := k.local.GetPage(ref.SID, idx); err != nil {
		return nil, err
	} else if ok {
		metrics.PageReadsTotal.WithLabelValues("cache").Inc()
		return page, nil
	}

	var loc, ok = ref.Locate(idx)
	if !ok {
		return nil, errors.Errorf("segment %s: page %d is not cached and the segment has no frame index", ref.SID, idx)
	} else if remoteVID.IsZero() {
		return nil, errors.Errorf("segment %s: page %d is not cached and the volume has no remote", ref.SID, idx)
	}

	var data, err = k.remote.FetchFrame(ctx, remoteVID, ref, loc)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching frame %d of segment %s", loc.Index, ref.SID)
	}
	pages, err := segment.DecodeFrame(data, segment.DefaultCodec, loc.Frame)
	if err != nil {
		return nil, err
	}

	// Hydrate the cache with every page of the frame. Concurrent readers
	// racing on the same frame write identical values.
	var idxs = segment.FramePageIdxs(ref, loc)
	if len(idxs) != len(pages) {
		return nil, errors.Wrapf(segment.ErrCorruptSegment,
			"segment %s frame %d: index lists %d pages but frame holds %d",
			ref.SID, loc.Index, len(idxs), len(pages))
	}
	if err = k.local.PutPages(ref.SID, idxs, pages); err != nil {
		return nil, err
	}

	metrics.PageReadsTotal.WithLabelValues("remote").Inc()
	for i, fetched := range idxs {
		if fetched == idx {
			return pages[i], nil
		}
	}
	// The SegmentRef located the page in this frame, but the frame index
	// disagrees: the PageSet and frame index are mutually inconsistent.
	return nil, errors.Wrapf(segment.ErrCorruptSegment,
		"segment %s frame %d: index omits page %d", ref.SID, loc.Index, idx)
}
