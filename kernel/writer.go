package kernel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/metrics"
	"go.pagevault.dev/kernel/volume"
	"go.pagevault.dev/kernel/volume/pageset"
)

// VolumeWriter accumulates page writes and an optional truncation against
// a fixed base Snapshot, then commits them atomically or fails with a
// concurrency error. Buffered pages live in a fresh in-progress Segment
// backed by the local page cache; reads through the writer observe its own
// buffered writes first, then the base Snapshot.
//
// A writer must be finished with exactly one of Commit or Rollback.
type VolumeWriter struct {
	k      *Kernel
	base   volume.Snapshot
	reader *VolumeReader

	sid    volume.SegmentID
	staged pageset.Set
	count  volume.PageCount
	closed bool
}

// Writer returns a VolumeWriter over the named handle's Volume, based at
// its latest local Snapshot.
func (k *Kernel) Writer(name string) (*VolumeWriter, error) {
	var r, err = k.Reader(name)
	if err != nil {
		return nil, err
	}
	return &VolumeWriter{
		k:      k,
		base:   r.Snapshot(),
		reader: r,
		sid:    volume.NewSegmentID(),
		staged: pageset.New(),
		count:  r.Snapshot().Pages,
	}, nil
}

// Base returns the Snapshot the writer is based on.
func (w *VolumeWriter) Base() volume.Snapshot { return w.base }

// PageCount returns the working page count, reflecting buffered writes and
// truncations.
func (w *VolumeWriter) PageCount() volume.PageCount { return w.count }

// WritePage stages a new version of the page at idx. The Volume's extent
// grows implicitly on a write past its prior maximum.
func (w *VolumeWriter) WritePage(idx volume.PageIdx, page volume.Page) error {
	if w.closed {
		return ErrWriterClosed
	} else if !idx.IsValid() {
		return errors.New("invalid page index")
	} else if _, err := volume.NewPage(page); err != nil {
		return err
	}
	if err := w.k.local.PutPage(w.sid, idx, page); err != nil {
		return err
	}
	w.staged.Insert(idx.U32())
	w.count = w.count.Max(idx.Pages())
	metrics.PageWritesTotal.Inc()
	return nil
}

// ReadPage reads a page through the writer: buffered writes first, then
// the base Snapshot. A page within the working extent but beyond the base
// extent reads as all-zero.
func (w *VolumeWriter) ReadPage(ctx context.Context, idx volume.PageIdx) (volume.Page, error) {
	if w.closed {
		return nil, ErrWriterClosed
	} else if !idx.IsValid() {
		return nil, errors.New("invalid page index")
	} else if !w.count.Contains(idx) {
		return nil, errors.WithMessagef(ErrOutOfRange,
			"page %d of %s (count %d)", idx, w.base.VID, w.count)
	}

	if w.staged.Contains(idx.U32()) {
		var page, ok, err = w.k.local.GetPage(w.sid, idx)
		if err != nil {
			return nil, err
		} else if !ok {
			return nil, errors.Errorf("staged page %d of segment %s is missing", idx, w.sid)
		}
		return page, nil
	}
	if !w.base.Pages.Contains(idx) {
		return volume.EmptyPage, nil
	}
	return w.reader.ReadPage(ctx, idx)
}

// Truncate sets the working page count. Shrinking discards buffered pages
// beyond the new count; pages of the committed history beyond it become
// invisible once committed.
func (w *VolumeWriter) Truncate(count volume.PageCount) error {
	if w.closed {
		return ErrWriterClosed
	}
	if count < w.count {
		if err := w.k.local.DropPagesFrom(w.sid, count.LastIdx()+1); err != nil {
			return err
		}
		// The set is insert-only: rebuild it below the new extent.
		var kept = pageset.New()
		var it = w.staged.Iterator()
		for idx, ok := it.Next(); ok; idx, ok = it.Next() {
			if count.Contains(volume.PageIdx(idx)) {
				kept.Insert(idx)
			}
		}
		w.staged = kept
	}
	w.count = count
	return nil
}

// Commit atomically appends the writer's buffered changes as the Volume's
// next Commit. If another writer committed against the same base first,
// Commit fails with ErrConcurrentWrite and the caller must rebase onto a
// fresh writer. A commit with no writes and an unchanged extent fails
// with ErrNothingToCommit.
//
// Local commits carry no content hash; hashing happens on push.
func (w *VolumeWriter) Commit(ctx context.Context) (volume.Snapshot, error) {
	if w.closed {
		return volume.Snapshot{}, ErrWriterClosed
	}
	if w.staged.Len() == 0 && w.count == w.base.Pages {
		return volume.Snapshot{}, ErrNothingToCommit
	}
	var started = time.Now()

	var snap = volume.Snapshot{
		VID:   w.base.VID,
		LSN:   w.base.LSN.Next(),
		Pages: w.count,
	}
	var commit = &volume.Commit{Snapshot: snap}
	if w.staged.Len() != 0 {
		commit.Segment = &volume.SegmentRef{SID: w.sid, Pages: w.staged}
	}

	var err = w.k.local.RMW(func(txn kv.Txn) error {
		var latest, err = local.LatestSnapshot(txn, w.base.VID)
		if err != nil {
			return err
		}
		if latest.LSN != w.base.LSN {
			return errors.WithMessagef(ErrConcurrentWrite,
				"base LSN %d but volume is at %d", w.base.LSN, latest.LSN)
		}
		return local.PutCommit(txn, commit)
	})
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(metrics.Fail).Inc()
		return volume.Snapshot{}, err
	}

	metrics.CommitsTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.CommitDurationTotal.Add(time.Since(started).Seconds())
	w.closed = true
	return snap, nil
}

// Rollback discards the writer's buffered pages. It never touches the
// committed log. Rolling back a closed writer is a no-op.
func (w *VolumeWriter) Rollback() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.k.local.DropSegment(w.sid)
}
