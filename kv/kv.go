// Package kv defines the ordered, transactional key/value store consumed by
// the local storage layout, along with helpers shared by its backends. The
// kernel assumes nothing beyond single-batch atomicity and ordered scans.
package kv

import "errors"

// ErrStopRange may be returned by a Range callback to halt iteration early
// without surfacing an error.
var ErrStopRange = errors.New("stop range")

// Txn is a transaction over a Store. Writes buffered in a Txn are applied
// atomically when the enclosing Update returns nil, and discarded otherwise.
type Txn interface {
	// Get returns the value at key, or (nil, false, nil) if absent.
	// The returned slice is valid only until the Txn ends.
	Get(key []byte) ([]byte, bool, error)

	// Put sets the value at key.
	Put(key, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Range invokes fn for each key in [from, to), in ascending order, or in
	// descending order if reverse is set. A nil |to| is unbounded. Returning
	// ErrStopRange from fn halts iteration without error. Key and value
	// slices are valid only for the duration of the callback.
	Range(from, to []byte, reverse bool, fn func(key, value []byte) error) error
}

// Store is an ordered key/value store with atomic batch commit.
type Store interface {
	// View runs fn with a read-only Txn.
	View(fn func(Txn) error) error
	// Update runs fn with a read/write Txn, committing atomically on nil.
	Update(fn func(Txn) error) error
	// Close releases the store.
	Close() error
}

// PrefixEnd returns the key immediately after all keys having the prefix,
// or nil if the prefix is the final run of keyspace.
func PrefixEnd(prefix []byte) []byte {
	var end = append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
