package local

import (
	"sync"

	"github.com/pkg/errors"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/volume"
)

// Store is the kernel's local storage layout. One coarse storage lock
// governs all read-modify-write sequences across the handles, volumes and
// log partitions. The lock must never be held across network I/O, and the
// pages partition is deliberately outside it: page cache population is
// idempotent and concurrent writers race to the same value.
type Store struct {
	kv kv.Store
	mu sync.Mutex // The storage lock.
}

// Open returns a Store over the given kv.Store.
func Open(db kv.Store) *Store { return &Store{kv: db} }

// Close closes the underlying kv store.
func (s *Store) Close() error { return s.kv.Close() }

// View runs fn with a read-only transaction. No lock is taken: readers
// observe a stable snapshot of the kv store.
func (s *Store) View(fn func(kv.Txn) error) error { return s.kv.View(fn) }

// RMW runs fn as a read-modify-write sequence under the storage lock,
// committing its writes atomically.
func (s *Store) RMW(fn func(kv.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Update(fn)
}

// Handles partition.

// GetHandle reads the HandleState stored under name.
func GetHandle(txn kv.Txn, name string) (volume.HandleState, bool, error) {
	var val, ok, err = txn.Get(handleKey(name))
	if err != nil || !ok {
		return volume.HandleState{}, false, err
	}
	var state volume.HandleState
	if state, err = volume.DecodeHandleState(val); err != nil {
		return volume.HandleState{}, false, errors.Wrapf(err, "handle %q", name)
	}
	return state, true, nil
}

// PutHandle writes the HandleState under its name.
func PutHandle(txn kv.Txn, state volume.HandleState) error {
	return txn.Put(handleKey(state.Name), volume.EncodeHandleState(state))
}

// Volumes partition.

// GetControl reads a Volume's control record.
func GetControl(txn kv.Txn, vid volume.VolumeID) (volume.Control, bool, error) {
	var val, ok, err = txn.Get(volumeKey(vid, volumeSubControl))
	if err != nil || !ok {
		return volume.Control{}, false, err
	}
	var ctrl volume.Control
	if ctrl, err = volume.DecodeControl(val); err != nil {
		return volume.Control{}, false, errors.Wrapf(err, "control of %s", vid)
	}
	return ctrl, true, nil
}

// PutControl writes a Volume's control record.
func PutControl(txn kv.Txn, ctrl volume.Control) error {
	return txn.Put(volumeKey(ctrl.VID, volumeSubControl), volume.EncodeControl(ctrl))
}

// GetCheckpoints reads a Volume's CheckpointSet. An absent record is an
// empty set.
func GetCheckpoints(txn kv.Txn, vid volume.VolumeID) (volume.CheckpointSet, error) {
	var val, ok, err = txn.Get(volumeKey(vid, volumeSubCheckpoints))
	if err != nil || !ok {
		return volume.CheckpointSet{}, err
	}
	var cs volume.CheckpointSet
	if cs, err = volume.DecodeCheckpointSet(val); err != nil {
		return volume.CheckpointSet{}, errors.Wrapf(err, "checkpoints of %s", vid)
	}
	return cs, nil
}

// PutCheckpoints writes a Volume's CheckpointSet.
func PutCheckpoints(txn kv.Txn, vid volume.VolumeID, cs volume.CheckpointSet) error {
	return txn.Put(volumeKey(vid, volumeSubCheckpoints), volume.EncodeCheckpointSet(cs))
}

// Log partition.

// PutCommit writes a Commit at its (VolumeID, LSN).
func PutCommit(txn kv.Txn, commit *volume.Commit) error {
	var val, err = volume.EncodeCommit(commit)
	if err != nil {
		return err
	}
	return txn.Put(logKey(commit.VID(), commit.LSN()), val)
}

// GetCommit reads the Commit at (vid, lsn).
func GetCommit(txn kv.Txn, vid volume.VolumeID, lsn volume.LSN) (*volume.Commit, bool, error) {
	var val, ok, err = txn.Get(logKey(vid, lsn))
	if err != nil || !ok {
		return nil, false, err
	}
	var commit *volume.Commit
	if commit, err = volume.DecodeCommit(val); err != nil {
		return nil, false, errors.Wrapf(err, "commit %s@%d", vid, lsn)
	}
	return commit, true, nil
}

// DeleteCommit removes the Commit at (vid, lsn).
func DeleteCommit(txn kv.Txn, vid volume.VolumeID, lsn volume.LSN) error {
	return txn.Delete(logKey(vid, lsn))
}

// LatestCommit reads a Volume's newest Commit, or returns false if the
// Volume has no commits. The descending LSN key encoding makes this the
// first key of the log prefix.
func LatestCommit(txn kv.Txn, vid volume.VolumeID) (*volume.Commit, bool, error) {
	var commit *volume.Commit
	var prefix = logPrefix(vid)

	var err = txn.Range(prefix, kv.PrefixEnd(prefix), false, func(key, val []byte) error {
		var c, err = volume.DecodeCommit(val)
		if err != nil {
			return errors.Wrapf(err, "latest commit of %s", vid)
		}
		commit = c
		return kv.ErrStopRange
	})
	return commit, commit != nil, err
}

// LatestSnapshot reads the Snapshot of a Volume's newest Commit, or an
// empty (LSN zero) Snapshot if the Volume has no commits.
func LatestSnapshot(txn kv.Txn, vid volume.VolumeID) (volume.Snapshot, error) {
	var commit, ok, err = LatestCommit(txn, vid)
	if err != nil || !ok {
		return volume.Snapshot{VID: vid}, err
	}
	return commit.Snapshot, nil
}

// ScanCommits invokes fn with commits of the Volume within the inclusive
// LSN range, newest first. Returning kv.ErrStopRange from fn halts the
// scan without error.
func ScanCommits(txn kv.Txn, vid volume.VolumeID, rng volume.LSNRange, fn func(*volume.Commit) error) error {
	if rng.IsEmpty() {
		return nil
	}
	// Descending-encoded keys: the newest LSN of the range is the smallest key.
	var from = logKey(vid, rng.To)
	var to = keyAfter(logKey(vid, rng.From))

	return txn.Range(from, to, false, func(key, val []byte) error {
		var lsn, err = decodeLogKey(key)
		if err != nil {
			return errors.Wrapf(err, "log key of %s", vid)
		}
		commit, err := volume.DecodeCommit(val)
		if err != nil {
			return errors.Wrapf(err, "scanning log of %s", vid)
		}
		if commit.LSN() != lsn {
			return errors.Errorf("log of %s: key at LSN %d holds a commit at LSN %d", vid, lsn, commit.LSN())
		}
		return fn(commit)
	})
}

// Pages partition. These helpers run outside the storage lock.

// PutPage writes a page into the cache at (sid, idx).
func (s *Store) PutPage(sid volume.SegmentID, idx volume.PageIdx, page volume.Page) error {
	return s.kv.Update(func(txn kv.Txn) error {
		return txn.Put(pageKey(sid, idx), page)
	})
}

// PutPages writes a batch of pages of one Segment.
func (s *Store) PutPages(sid volume.SegmentID, idxs []volume.PageIdx, pages []volume.Page) error {
	return s.kv.Update(func(txn kv.Txn) error {
		for i, idx := range idxs {
			if err := txn.Put(pageKey(sid, idx), pages[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPage reads the cached page at (sid, idx).
func (s *Store) GetPage(sid volume.SegmentID, idx volume.PageIdx) (volume.Page, bool, error) {
	var page volume.Page
	var err = s.kv.View(func(txn kv.Txn) error {
		var val, ok, err = txn.Get(pageKey(sid, idx))
		if err != nil || !ok {
			return err
		}
		page = append(volume.Page{}, val...)
		return nil
	})
	return page, page != nil, err
}

// DropPagesFrom removes cached pages of the Segment with index >= fromIdx.
func (s *Store) DropPagesFrom(sid volume.SegmentID, fromIdx volume.PageIdx) error {
	return s.kv.Update(func(txn kv.Txn) error {
		var doomed [][]byte
		var err = txn.Range(pageKey(sid, fromIdx), kv.PrefixEnd(pagePrefix(sid)), false,
			func(key, _ []byte) error {
				doomed = append(doomed, append([]byte{}, key...))
				return nil
			})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err = txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropSegment removes all cached pages of the Segment.
func (s *Store) DropSegment(sid volume.SegmentID) error {
	return s.DropPagesFrom(sid, volume.FirstPageIdx)
}
