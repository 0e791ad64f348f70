package kernel

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/metrics"
	"go.pagevault.dev/kernel/segment"
	"go.pagevault.dev/kernel/stores"
	"go.pagevault.dev/kernel/volume"
	"go.pagevault.dev/kernel/volume/pageset"
)

// fetchWindow bounds how many commits a single Fetch round downloads and
// applies under the storage lock.
const fetchWindow = 32

// Push publishes the handle's un-pushed local commits as a single remote
// Commit at the next remote LSN, crash-safely.
//
// An interrupted Push leaves a PendingCommit marker in the handle; the
// next Push resumes it by re-reading the target LSN and comparing commit
// hashes, retrying the same write-once put if it never landed. The put is
// idempotent by construction: it either already succeeded or did not
// happen at all.
//
// Push fails with ErrDiverged if the remote advanced past the handle's
// observed watermark (Pull first), with ErrPushRejected if another device
// won the target LSN (Pull, rebase, retry), and with ErrNothingToCommit
// if there is nothing to push.
func (k *Kernel) Push(ctx context.Context, name string) error {
	var h, err = k.Handle(name)
	if err != nil {
		return err
	} else if !h.HasRemote() {
		return ErrNoRemote
	}

	if h.Pending != nil {
		// Crash-recovery resumption: discover whether the prior attempt's
		// write-once put landed.
		var existing *volume.Commit
		if existing, err = k.remote.FetchCommit(ctx, h.Remote.VID, h.Pending.RemoteLSN); err == nil {
			if existing.Hash != nil && *existing.Hash == h.Pending.Hash {
				return k.completePush(ctx, name, h.Pending.LocalLSN, existing)
			}
			// Another device took the target LSN while we were down.
			if err = k.clearPending(name); err != nil {
				return err
			}
			metrics.PushTotal.WithLabelValues(metrics.Fail).Inc()
			return errors.WithMessagef(ErrPushRejected, "remote LSN %d", h.Pending.RemoteLSN)
		} else if !errors.Is(err, stores.ErrNotFound) {
			return err
		}
		// The put never landed. Rebuild the identical commit and retry it.
	} else {
		// The remote must not have advanced past our observed watermark.
		if _, err = k.remote.FetchCommit(ctx, h.Remote.VID, h.Remote.LSN.Next()); err == nil {
			return errors.WithMessagef(ErrDiverged, "remote has LSN %d", h.Remote.LSN.Next())
		} else if !errors.Is(err, stores.ErrNotFound) {
			return err
		}
	}

	var target, localLSN = h.Remote.LSN.Next(), volume.InvalidLSN
	if h.Pending != nil {
		target, localLSN = h.Pending.RemoteLSN, h.Pending.LocalLSN
	}

	// Pin the local Snapshot being pushed and the union of PageIdxs
	// changed by the un-pushed commit range.
	var snap volume.Snapshot
	var isFork bool
	var changed = pageset.New()
	if err = k.local.View(func(txn kv.Txn) error {
		if ctrl, ok, err := local.GetControl(txn, h.Local.VID); err != nil {
			return err
		} else if ok {
			isFork = ctrl.IsFork()
		}
		var err error
		if !localLSN.IsValid() {
			if snap, err = local.LatestSnapshot(txn, h.Local.VID); err != nil {
				return err
			}
			localLSN = snap.LSN
		} else {
			var commit, ok, err = local.GetCommit(txn, h.Local.VID, localLSN)
			if err != nil {
				return err
			} else if !ok {
				return errors.Errorf("pending push covers local LSN %d, which has no commit", localLSN)
			}
			snap = commit.Snapshot
		}
		return local.ScanCommits(txn, h.Local.VID,
			volume.LSNRange{From: h.Local.LSN.Next(), To: localLSN},
			func(c *volume.Commit) error {
				if c.Segment != nil {
					changed.Union(c.Segment.Pages)
				}
				return nil
			})
	}); err != nil {
		return err
	}
	if (volume.LSNRange{From: h.Local.LSN.Next(), To: localLSN}).IsEmpty() {
		return ErrNothingToCommit
	}

	// Merge the changed pages into one upload Segment, hashing the remote
	// Snapshot and page bytes in ascending PageIdx order. Pages truncated
	// away by the final extent are dropped.
	var reader *VolumeReader
	if reader, err = k.ReaderAt(name, h, snap.LSN); err != nil {
		return err
	}
	var remoteSnap = volume.Snapshot{VID: h.Remote.VID, LSN: target, Pages: snap.Pages}
	var hasher = volume.NewCommitHasher(remoteSnap)
	var builder = segment.NewBuilder(segment.DefaultCodec)
	var upload = pageset.New()

	var it = changed.Iterator()
	for raw, ok := it.Next(); ok; raw, ok = it.Next() {
		var idx = volume.PageIdx(raw)
		if !snap.Pages.Contains(idx) {
			continue
		}
		var page volume.Page
		if page, err = reader.ReadPage(ctx, idx); err != nil {
			return errors.WithMessagef(err, "reading page %d for push", idx)
		}
		if err = builder.AddPage(idx, page); err != nil {
			return err
		}
		hasher.WritePage(idx, page)
		upload.Insert(raw)
	}
	var hash = hasher.Sum()

	if h.Pending != nil && hash != h.Pending.Hash {
		return errors.Errorf("resumed push of local LSN %d rebuilt hash %s, but the pending marker holds %s",
			localLSN, hash, h.Pending.Hash)
	}

	var commit = &volume.Commit{Snapshot: remoteSnap, Hash: &hash}
	if target == volume.FirstLSN && !isFork {
		// The first remote commit of a root volume holds every written
		// page: a full image. A fork's first commit holds only pages
		// written since the fork point.
		commit.CheckpointedAt = time.Now()
	}

	if upload.Len() != 0 {
		var sid = volume.NewSegmentID()
		frames, data, err := builder.Finish()
		if err != nil {
			return err
		}
		if err = k.remote.PushSegment(ctx, h.Remote.VID, sid, data); err != nil {
			return errors.WithMessagef(err, "pushing segment %s", sid)
		}
		commit.Segment = &volume.SegmentRef{SID: sid, Pages: upload, Frames: frames}

		log.WithFields(log.Fields{
			"volume":  h.Remote.VID,
			"segment": sid,
			"pages":   upload.Len(),
			"size":    humanize.Bytes(uint64(len(data))),
		}).Info("pushed segment")
	}

	// Crash-safe marker: from here on, an interrupted push must resume.
	if err = k.local.RMW(func(txn kv.Txn) error {
		var cur, ok, err = local.GetHandle(txn, name)
		if err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		}
		cur.Pending = &volume.PendingCommit{RemoteLSN: target, LocalLSN: localLSN, Hash: hash}
		return local.PutHandle(txn, cur)
	}); err != nil {
		return err
	}

	err = k.remote.PushCommit(ctx, commit)
	if err == nil {
		return k.completePush(ctx, name, localLSN, commit)
	}
	if errors.Is(err, stores.ErrExists) {
		// Raced another device. If its commit carries our hash it was our
		// own earlier attempt; otherwise we lost.
		if existing, ferr := k.remote.FetchCommit(ctx, h.Remote.VID, target); ferr == nil &&
			existing.Hash != nil && *existing.Hash == hash {
			return k.completePush(ctx, name, localLSN, existing)
		}
		if cerr := k.clearPending(name); cerr != nil {
			return cerr
		}
		metrics.PushTotal.WithLabelValues(metrics.Fail).Inc()
		return errors.WithMessagef(ErrPushRejected, "remote LSN %d", target)
	}
	// Transient failure: the pending marker stays for resumption.
	return err
}

// completePush records a successful push: it clears the pending marker,
// advances the handle's watermarks, and mirrors the remote Commit locally.
func (k *Kernel) completePush(ctx context.Context, name string, localLSN volume.LSN, commit *volume.Commit) error {
	var err = k.local.RMW(func(txn kv.Txn) error {
		var h, ok, err = local.GetHandle(txn, name)
		if err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		}
		h.Pending = nil
		h.Local.LSN = localLSN
		h.Remote.LSN = commit.LSN()
		h.RemoteApplied = commit.LSN()

		if err = local.PutCommit(txn, commit); err != nil {
			return err
		}
		if commit.IsCheckpoint() {
			var cs, err = local.GetCheckpoints(txn, commit.VID())
			if err != nil {
				return err
			}
			cs.Add(commit.LSN())
			if err = local.PutCheckpoints(txn, commit.VID(), cs); err != nil {
				return err
			}
		}
		return local.PutHandle(txn, h)
	})
	if err != nil {
		return err
	}

	if commit.IsCheckpoint() {
		// Best effort: readers tolerate an absent checkpoints object.
		if _, err = k.remote.UpdateCheckpoints(ctx, commit.VID(),
			volume.NewCheckpointSet(commit.LSN()), ""); err != nil &&
			!errors.Is(err, stores.ErrExists) && !errors.Is(err, stores.ErrPreconditionFailed) {
			log.WithFields(log.Fields{"volume": commit.VID(), "err": err}).
				Warn("failed to publish checkpoint set")
		}
	}

	metrics.PushTotal.WithLabelValues(metrics.Ok).Inc()
	log.WithFields(log.Fields{
		"handle": name,
		"remote": commit.Snapshot.Ref(),
	}).Info("push complete")
	return nil
}

func (k *Kernel) clearPending(name string) error {
	return k.local.RMW(func(txn kv.Txn) error {
		var h, ok, err = local.GetHandle(txn, name)
		if err != nil || !ok {
			return err
		}
		h.Pending = nil
		return local.PutHandle(txn, h)
	})
}

// Fetch mirrors the remote Volume's metadata and commits into the local
// cache. It does not advance the handle's observed watermark and does not
// touch the local write log.
func (k *Kernel) Fetch(ctx context.Context, name string) error {
	var h, err = k.Handle(name)
	if err != nil {
		return err
	} else if !h.HasRemote() {
		return ErrNoRemote
	}
	return k.mirrorVolume(ctx, h.Remote.VID)
}

// mirrorVolume caches a remote Volume's control, checkpoints, and commits
// locally under the remote Volume's own id, recursing into fork parents.
// A checkpoint which appeared since the last mirror physically rewrites
// the commit at its LSN, so such cached commits are re-fetched.
func (k *Kernel) mirrorVolume(ctx context.Context, rvid volume.VolumeID) error {
	var ctrl, err = k.remote.FetchControl(ctx, rvid)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	var hasCtrl = err == nil
	if hasCtrl && ctrl.IsFork() {
		if err = k.mirrorVolume(ctx, ctrl.Parent.VID); err != nil {
			return err
		}
	}

	cs, _, err := k.remote.FetchCheckpoints(ctx, rvid)
	if err != nil {
		return err
	}

	// A checkpoint which appeared since the last mirror physically rewrote
	// the remote commit at its LSN. Replacements for cached copies are
	// fetched before taking the storage lock, and swapped in the same
	// transaction which records the checkpoint set: a concurrent reader
	// never observes the log with the commit absent.
	var refetch []volume.LSN
	if err = k.local.View(func(txn kv.Txn) error {
		var old, err = local.GetCheckpoints(txn, rvid)
		if err != nil {
			return err
		}
		for _, lsn := range cs.All() {
			if old.Contains(lsn) {
				continue
			}
			if _, ok, err := local.GetCommit(txn, rvid, lsn); err != nil {
				return err
			} else if ok {
				refetch = append(refetch, lsn)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	var rewritten = make([]*volume.Commit, 0, len(refetch))
	for _, lsn := range refetch {
		var commit *volume.Commit
		if commit, err = k.remote.FetchCommit(ctx, rvid, lsn); err != nil {
			return err
		}
		rewritten = append(rewritten, commit)
	}

	var from = volume.FirstLSN
	if err = k.local.RMW(func(txn kv.Txn) error {
		if hasCtrl {
			if err := local.PutControl(txn, ctrl); err != nil {
				return err
			}
		}
		for _, commit := range rewritten {
			if err := local.PutCommit(txn, commit); err != nil {
				return err
			}
		}
		if err := local.PutCheckpoints(txn, rvid, cs); err != nil {
			return err
		}

		latest, err := local.LatestSnapshot(txn, rvid)
		if err != nil {
			return err
		}
		from = latest.LSN.Next()
		return nil
	}); err != nil {
		return err
	}

	// Forward fetch of new commits, windowed so the remote fan-out and the
	// storage lock hold both stay bounded.
	for {
		var commits []*volume.Commit
		if commits, err = k.remote.FetchCommits(ctx, rvid,
			volume.LSNRange{From: from, To: from + fetchWindow - 1}); err != nil {
			return err
		} else if len(commits) == 0 {
			break
		}
		if err = k.local.RMW(func(txn kv.Txn) error {
			for _, c := range commits {
				if err := local.PutCommit(txn, c); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if len(commits) < fetchWindow {
			break
		}
		from = commits[len(commits)-1].LSN().Next()
	}
	return nil
}

// Pull is Fetch plus a fast-forward of the handle's observed remote
// watermark to the newest mirrored remote LSN.
func (k *Kernel) Pull(ctx context.Context, name string) error {
	var err = k.Fetch(ctx, name)
	if err == nil {
		err = k.local.RMW(func(txn kv.Txn) error {
			var h, ok, err = local.GetHandle(txn, name)
			if err != nil {
				return err
			} else if !ok {
				return ErrHandleNotFound
			}
			var latest volume.Snapshot
			if latest, err = local.LatestSnapshot(txn, h.Remote.VID); err != nil {
				return err
			}
			if latest.LSN > h.Remote.LSN {
				h.Remote.LSN = latest.LSN
				return local.PutHandle(txn, h)
			}
			return nil
		})
	}
	if err != nil {
		metrics.PullTotal.WithLabelValues(metrics.Fail).Inc()
		return err
	}
	metrics.PullTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// Sync fast-forwards the local Volume with the observed remote commits,
// remapping their LSNs into the local Volume's own sequence. It is only
// legal when the local Volume has no un-pushed commits; otherwise it fails
// with ErrOutstandingLocalChanges and the caller pushes (or resets) first.
func (k *Kernel) Sync(ctx context.Context, name string) error {
	return k.local.RMW(func(txn kv.Txn) error {
		var h, ok, err = local.GetHandle(txn, name)
		if err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		} else if !h.HasRemote() {
			return ErrNoRemote
		}

		var rng = volume.LSNRange{From: h.RemoteApplied.Next(), To: h.Remote.LSN}
		if rng.IsEmpty() {
			return nil
		}

		snap, err := local.LatestSnapshot(txn, h.Local.VID)
		if err != nil {
			return err
		}
		if snap.LSN != h.Local.LSN {
			return errors.WithMessagef(ErrOutstandingLocalChanges,
				"local volume is at LSN %d but only %d is synced", snap.LSN, h.Local.LSN)
		}

		var pending []*volume.Commit
		if err = local.ScanCommits(txn, h.Remote.VID, rng, func(c *volume.Commit) error {
			pending = append(pending, c)
			return nil
		}); err != nil {
			return err
		}
		if uint64(len(pending)) != rng.Len() {
			return errors.Errorf("remote LSNs %d..%d are not fully mirrored; pull first", rng.From, rng.To)
		}

		// pending is newest first: apply in reverse.
		var lsn = snap.LSN
		for i := len(pending) - 1; i >= 0; i-- {
			var rc = pending[i]
			lsn = lsn.Next()
			if err = local.PutCommit(txn, &volume.Commit{
				Snapshot: volume.Snapshot{VID: h.Local.VID, LSN: lsn, Pages: rc.Snapshot.Pages},
				Hash:     rc.Hash,
				Segment:  rc.Segment,
			}); err != nil {
				return err
			}
		}
		h.Local.LSN = lsn
		h.RemoteApplied = h.Remote.LSN
		return local.PutHandle(txn, h)
	})
}
