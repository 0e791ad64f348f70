// Package boltkv provides a durable kv.Store backed by bbolt.
package boltkv

import (
	"bytes"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.pagevault.dev/kernel/kv"
)

var bucketName = []byte("kernel")

// Store is a kv.Store over a single bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt database at path.
func Open(path string) (*Store, error) {
	var db, err = bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		var _, err = tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating kernel bucket")
	}
	return &Store{db: db}, nil
}

// View runs fn with a read-only transaction.
func (s *Store) View(fn func(kv.Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(bucketName)})
	})
}

// Update runs fn with a read/write transaction, committing atomically on nil.
func (s *Store) Update(fn func(kv.Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(bucketName)})
	})
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type txn struct {
	b *bolt.Bucket
}

// Get reports zero-length values as absent, a bbolt limitation.
// The kernel's layouts never store empty values.
func (t *txn) Get(key []byte) ([]byte, bool, error) {
	var v = t.b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (t *txn) Put(key, value []byte) error { return t.b.Put(key, value) }

func (t *txn) Delete(key []byte) error { return t.b.Delete(key) }

func (t *txn) Range(from, to []byte, reverse bool, fn func(key, value []byte) error) error {
	var c = t.b.Cursor()
	var err error

	if !reverse {
		var k, v = c.Seek(from)
		for ; k != nil && (to == nil || bytes.Compare(k, to) < 0); k, v = c.Next() {
			if err = fn(k, v); err != nil {
				break
			}
		}
	} else {
		var k, v []byte
		if to == nil {
			k, v = c.Last()
		} else if k, v = c.Seek(to); k == nil {
			k, v = c.Last()
		} else {
			// Seek landed at or after |to|; the range is half-open.
			k, v = c.Prev()
		}
		for ; k != nil && (from == nil || bytes.Compare(k, from) >= 0); k, v = c.Prev() {
			if err = fn(k, v); err != nil {
				break
			}
		}
	}

	if err == kv.ErrStopRange {
		return nil
	}
	return err
}
