package kernel

import "github.com/pkg/errors"

// Concurrency conflicts are expected, recoverable conditions: the caller
// rebases or pulls and retries. The kernel never auto-merges.
var (
	// ErrConcurrentWrite is returned by VolumeWriter.Commit when another
	// writer committed against the same base Snapshot first.
	ErrConcurrentWrite = errors.New("concurrent write: another writer committed first; rebase and retry")
	// ErrPushRejected is returned by Push when the target remote LSN was
	// taken by another device. The caller must Pull, rebase, and retry.
	ErrPushRejected = errors.New("push rejected: remote commit already exists at target LSN")
	// ErrDiverged is returned by Push when the remote Volume advanced past
	// the handle's last observed remote LSN. The caller must Pull first.
	ErrDiverged = errors.New("volume diverged: remote has commits not yet observed; pull first")
	// ErrOutstandingLocalChanges is returned by Sync when the local Volume
	// has commits not yet pushed.
	ErrOutstandingLocalChanges = errors.New("outstanding local changes: push or reset before syncing")
	// ErrNothingToCommit is returned when a commit or push has no changes
	// to apply.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// Range errors indicate caller misuse, or garbage collection having outrun
// the caller's last sync.
var (
	// ErrOutOfRange is returned for reads of a PageIdx beyond the
	// Snapshot's PageCount.
	ErrOutOfRange = errors.New("page index out of range")
	// ErrSnapshotExpired is returned when a Snapshot predates the Volume's
	// oldest retained checkpoint.
	ErrSnapshotExpired = errors.New("snapshot expired: older than the oldest retained checkpoint")
)

var (
	// ErrHandleNotFound is returned for operations on an unknown handle name.
	ErrHandleNotFound = errors.New("volume handle not found")
	// ErrNoRemote is returned for sync operations on a handle with no
	// remote counterpart.
	ErrNoRemote = errors.New("handle has no remote volume")
	// ErrWriterClosed is returned for operations on a committed or
	// rolled-back VolumeWriter.
	ErrWriterClosed = errors.New("writer is closed")
)
