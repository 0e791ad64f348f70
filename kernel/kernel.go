// Package kernel implements the transactional core of pagevault: it owns
// the local store, talks to remote object storage, and runs the protocols
// which keep the two consistent under crashes and concurrent writers.
//
// Clients address Volumes through named handles. A handle pairs a local
// Volume with an optional remote counterpart and carries the
// synchronization watermarks of push and pull. Handles are local-only and
// never replicated.
package kernel

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/local"
	"go.pagevault.dev/kernel/remote"
	"go.pagevault.dev/kernel/volume"
)

// Kernel is the engine coordinating local and remote Volume storage.
type Kernel struct {
	local  *local.Store
	remote *remote.Store
}

// New returns a Kernel over the local and remote stores.
func New(l *local.Store, r *remote.Store) *Kernel {
	return &Kernel{local: l, remote: r}
}

// OpenVolume opens the named handle, creating it with a fresh local Volume
// if it does not exist.
func (k *Kernel) OpenVolume(ctx context.Context, name string) (volume.HandleState, error) {
	if err := volume.ValidateHandleName(name); err != nil {
		return volume.HandleState{}, err
	}
	var h volume.HandleState
	var err = k.local.RMW(func(txn kv.Txn) error {
		var ok bool
		var err error
		if h, ok, err = local.GetHandle(txn, name); err != nil || ok {
			return err
		}
		h = volume.HandleState{
			Name:  name,
			Local: volume.VolumeRef{VID: volume.NewVolumeID()},
		}
		if err = local.PutControl(txn, volume.Control{
			VID:       h.Local.VID,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return local.PutHandle(txn, h)
	})
	return h, err
}

// ForkVolume creates the named handle over a fresh local Volume forked
// from the given remote parent Snapshot. Reads below the fork point
// resolve through the parent's history. The parent's metadata and commits
// are mirrored locally before the fork is recorded.
func (k *Kernel) ForkVolume(ctx context.Context, name string, parent volume.VolumeRef) (volume.HandleState, error) {
	if err := volume.ValidateHandleName(name); err != nil {
		return volume.HandleState{}, err
	} else if parent.IsZero() {
		return volume.HandleState{}, errors.New("fork parent is zero")
	}
	if err := k.mirrorVolume(ctx, parent.VID); err != nil {
		return volume.HandleState{}, errors.WithMessage(err, "mirroring fork parent")
	}

	var h volume.HandleState
	var err = k.local.RMW(func(txn kv.Txn) error {
		if _, ok, err := local.GetHandle(txn, name); err != nil {
			return err
		} else if ok {
			return errors.Errorf("handle %q already exists", name)
		}
		h = volume.HandleState{
			Name:  name,
			Local: volume.VolumeRef{VID: volume.NewVolumeID()},
		}
		if err := local.PutControl(txn, volume.Control{
			VID:       h.Local.VID,
			Parent:    parent,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		// The fork's first commit pins the parent's extent at the fork
		// point: a page-count-only commit with no pages of its own.
		parentCommit, ok, err := local.GetCommit(txn, parent.VID, parent.LSN)
		if err != nil {
			return err
		} else if !ok {
			return errors.Errorf("fork parent %s has no commit at LSN %d", parent.VID, parent.LSN)
		}
		if err = local.PutCommit(txn, &volume.Commit{
			Snapshot: volume.Snapshot{
				VID:   h.Local.VID,
				LSN:   volume.FirstLSN,
				Pages: parentCommit.Snapshot.Pages,
			},
		}); err != nil {
			return err
		}
		return local.PutHandle(txn, h)
	})
	return h, err
}

// AttachRemote pairs the named handle with a remote Volume. A zero rvid
// mints a new remote Volume and publishes its control record; a non-zero
// rvid attaches an existing one and mirrors its metadata. Attaching an
// existing remote Volume does not apply its commits: the caller follows
// with Pull and Sync.
func (k *Kernel) AttachRemote(ctx context.Context, name string, rvid volume.VolumeID) (volume.HandleState, error) {
	var h, err = k.Handle(name)
	if err != nil {
		return volume.HandleState{}, err
	}
	if h.HasRemote() {
		if h.Remote.VID == rvid {
			return h, nil
		}
		return volume.HandleState{}, errors.Errorf(
			"handle %q is already attached to %s", name, h.Remote.VID)
	}

	if rvid.IsZero() {
		// Minting a new remote Volume: its control mirrors the local
		// control, fork parent included, so other devices can resolve
		// parent-inherited pages.
		var lctrl volume.Control
		if err = k.local.View(func(txn kv.Txn) error {
			var ok bool
			var err error
			if lctrl, ok, err = local.GetControl(txn, h.Local.VID); err != nil {
				return err
			} else if !ok {
				return errors.Errorf("volume %s has no control record", h.Local.VID)
			}
			return nil
		}); err != nil {
			return volume.HandleState{}, err
		}
		rvid = volume.NewVolumeID()
		if err = k.remote.PublishControl(ctx, volume.Control{
			VID:       rvid,
			Parent:    lctrl.Parent,
			CreatedAt: time.Now(),
		}); err != nil {
			return volume.HandleState{}, errors.WithMessage(err, "publishing control")
		}
	} else if err = k.mirrorVolume(ctx, rvid); err != nil {
		return volume.HandleState{}, errors.WithMessage(err, "mirroring remote volume")
	}

	err = k.local.RMW(func(txn kv.Txn) error {
		var ok bool
		var err error
		if h, ok, err = local.GetHandle(txn, name); err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		} else if h.HasRemote() {
			return errors.Errorf("handle %q is already attached to %s", name, h.Remote.VID)
		}
		// Attaching an existing fork adopts its parent reference, so
		// local reads resolve through the parent's mirrored history.
		if rctrl, ok, err := local.GetControl(txn, rvid); err != nil {
			return err
		} else if ok && rctrl.IsFork() {
			lctrl, ok, err := local.GetControl(txn, h.Local.VID)
			if err != nil {
				return err
			} else if !ok {
				return errors.Errorf("volume %s has no control record", h.Local.VID)
			}
			if lctrl.Parent.IsZero() {
				lctrl.Parent = rctrl.Parent
				if err = local.PutControl(txn, lctrl); err != nil {
					return err
				}
			} else if lctrl.Parent != rctrl.Parent {
				return errors.Errorf("volume %s is forked from %s, but remote %s is forked from %s",
					h.Local.VID, lctrl.Parent, rvid, rctrl.Parent)
			}
		}
		h.Remote = volume.VolumeRef{VID: rvid}
		h.RemoteApplied = volume.InvalidLSN
		return local.PutHandle(txn, h)
	})
	return h, err
}

// Handle returns the current state of the named handle.
func (k *Kernel) Handle(name string) (volume.HandleState, error) {
	var h volume.HandleState
	var err = k.local.View(func(txn kv.Txn) error {
		var ok bool
		var err error
		if h, ok, err = local.GetHandle(txn, name); err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		}
		return nil
	})
	return h, err
}

// Status describes a handle's position relative to its remote Volume.
type Status struct {
	Name string
	// Local is the local Volume and its latest committed LSN.
	Local volume.VolumeRef
	// Synced is the last local LSN pushed to the remote.
	Synced volume.LSN
	// Remote is the remote Volume and its last observed LSN.
	Remote volume.VolumeRef
	// RemoteApplied is the last remote LSN applied into the local log.
	RemoteApplied volume.LSN
	// Ahead counts local commits not yet pushed.
	Ahead uint64
	// Behind counts observed remote commits not yet applied locally.
	Behind uint64
	// PushPending reports an in-flight (possibly crashed) push.
	PushPending bool
}

// Status returns sync introspection for the named handle. It reflects
// local state only; observing new remote commits requires a Pull.
func (k *Kernel) Status(name string) (Status, error) {
	var s Status
	var err = k.local.View(func(txn kv.Txn) error {
		var h, ok, err = local.GetHandle(txn, name)
		if err != nil {
			return err
		} else if !ok {
			return ErrHandleNotFound
		}
		snap, err := local.LatestSnapshot(txn, h.Local.VID)
		if err != nil {
			return err
		}
		s = Status{
			Name:          h.Name,
			Local:         volume.VolumeRef{VID: h.Local.VID, LSN: snap.LSN},
			Synced:        h.Local.LSN,
			Remote:        h.Remote,
			RemoteApplied: h.RemoteApplied,
			Ahead:         uint64(snap.LSN - h.Local.LSN),
			Behind:        uint64(h.Remote.LSN - h.RemoteApplied),
			PushPending:   h.Pending != nil,
		}
		return nil
	})
	return s, err
}
