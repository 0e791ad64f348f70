// Package local implements the kernel's on-device storage layout over an
// ordered, transactional key/value store. It exposes four logical
// partitions: handles, volumes (control + checkpoint metadata), log
// (commits), and pages (a materialized cache of fetched page bytes).
package local

import (
	"github.com/jgraettinger/cockroach-encoding/encoding"
	"go.pagevault.dev/kernel/volume"
)

// Partition prefixes. Each keyspace is disjoint under its 1-byte prefix.
const (
	prefixHandles = 'h' // prefixHandles | name                  => HandleState
	prefixVolumes = 'v' // prefixVolumes | vid | volumeSub       => control / checkpoints
	prefixLog     = 'l' // prefixLog | vid | descLSN             => Commit
	prefixPages   = 'p' // prefixPages | sid | ascPageIdx        => page bytes
)

// Sub-keys of the volumes partition.
const (
	volumeSubControl     = 'c'
	volumeSubCheckpoints = 'k'
)

func handleKey(name string) []byte {
	return append([]byte{prefixHandles}, name...)
}

func volumeKey(vid volume.VolumeID, sub byte) []byte {
	var k = append([]byte{prefixVolumes}, vid.Bytes()...)
	return append(k, sub)
}

// logKey encodes the commit key of (vid, lsn). The LSN is encoded with a
// descending (ones-complement, big-endian) transform, so that an ascending
// scan of a Volume's log prefix yields commits newest-first.
func logKey(vid volume.VolumeID, lsn volume.LSN) []byte {
	var k = append([]byte{prefixLog}, vid.Bytes()...)
	return encoding.EncodeUint64Descending(k, uint64(lsn))
}

func logPrefix(vid volume.VolumeID) []byte {
	return append([]byte{prefixLog}, vid.Bytes()...)
}

// decodeLogKey recovers the LSN of a log key.
func decodeLogKey(key []byte) (volume.LSN, error) {
	var _, lsn, err = encoding.DecodeUint64Descending(key[1+volume.IDLen:])
	return volume.LSN(lsn), err
}

func pageKey(sid volume.SegmentID, idx volume.PageIdx) []byte {
	var k = append([]byte{prefixPages}, sid.Bytes()...)
	return encoding.EncodeUint32Ascending(k, idx.U32())
}

func pagePrefix(sid volume.SegmentID) []byte {
	return append([]byte{prefixPages}, sid.Bytes()...)
}

// keyAfter returns the tightest upper bound making a fixed-width key
// inclusive within a half-open Range.
func keyAfter(key []byte) []byte {
	return append(key, 0x00)
}
