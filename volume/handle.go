package volume

import (
	"fmt"
	"regexp"
)

// HandleState is the persisted state of a VolumeHandle: a local-only,
// never-replicated pairing of a local Volume with an optional remote
// counterpart, plus synchronization watermarks.
type HandleState struct {
	// Name addresses the handle in the local handles partition.
	Name string
	// Local is the local Volume; its LSN is the last local LSN
	// which has been synced to the remote.
	Local VolumeRef
	// Remote is the remote Volume; its LSN is the last remote LSN observed.
	// Zero if the handle has no remote counterpart.
	Remote VolumeRef
	// RemoteApplied is the last remote LSN whose Commit has been applied
	// into the local Volume's log. It trails Remote.LSN after a Pull, until
	// the next sync applies the observed range.
	RemoteApplied LSN
	// Pending is present iff a Push wrote (or may have written) a remote
	// commit whose success was not yet recorded locally. The next Push must
	// resume from it rather than start fresh.
	Pending *PendingCommit
}

// PendingCommit is the crash-recovery marker of an in-flight Push: the
// remote LSN the push is attempting to create, the local LSN whose state it
// covers, and the commit hash used to discover whether the write-once put
// landed before a crash.
type PendingCommit struct {
	RemoteLSN LSN
	LocalLSN  LSN
	Hash      CommitHash
}

// maxHandleName bounds handle names on the wire.
const maxHandleName = 128

var handleNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateHandleName checks that a handle name is well formed.
func ValidateHandleName(name string) error {
	if name == "" {
		return fmt.Errorf("handle name is empty")
	} else if len(name) > maxHandleName {
		return fmt.Errorf("handle name exceeds %d bytes", maxHandleName)
	} else if !handleNameRe.MatchString(name) {
		return fmt.Errorf("handle name %q has invalid characters", name)
	}
	return nil
}

// HasRemote returns whether the handle is paired with a remote Volume.
func (h HandleState) HasRemote() bool { return !h.Remote.IsZero() }
