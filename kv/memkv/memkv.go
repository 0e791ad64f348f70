// Package memkv provides an in-memory kv.Store backed by a B-tree,
// used by tests and ephemeral kernels.
package memkv

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.pagevault.dev/kernel/kv"
)

type entry struct {
	key, value []byte
}

func entryLess(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// Store is an in-memory kv.Store. The zero value is not usable; use New.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

// New returns an empty Store.
func New() *Store {
	return &Store{tree: btree.NewG(16, entryLess)}
}

// View runs fn with a read-only transaction.
func (s *Store) View(fn func(kv.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txn{store: s})
}

// Update runs fn with a read/write transaction. Mutations are applied to the
// tree as they're made and rolled back via an undo journal if fn errors.
func (s *Store) Update(fn func(kv.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t = &txn{store: s, write: true}
	if err := fn(t); err != nil {
		// Unwind in reverse order.
		for i := len(t.undo) - 1; i >= 0; i-- {
			var u = t.undo[i]
			if u.existed {
				s.tree.ReplaceOrInsert(entry{key: u.key, value: u.value})
			} else {
				s.tree.Delete(entry{key: u.key})
			}
		}
		return err
	}
	return nil
}

// Close releases the store.
func (s *Store) Close() error { return nil }

type undoOp struct {
	key, value []byte
	existed    bool
}

type txn struct {
	store *Store
	write bool
	undo  []undoOp
}

func (t *txn) Get(key []byte) ([]byte, bool, error) {
	var e, ok = t.store.tree.Get(entry{key: key})
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (t *txn) Put(key, value []byte) error {
	var k = append([]byte{}, key...)
	var v = append([]byte{}, value...)

	var prev, existed = t.store.tree.ReplaceOrInsert(entry{key: k, value: v})
	t.undo = append(t.undo, undoOp{key: k, value: prev.value, existed: existed})
	return nil
}

func (t *txn) Delete(key []byte) error {
	var prev, existed = t.store.tree.Delete(entry{key: key})
	if existed {
		t.undo = append(t.undo, undoOp{key: prev.key, value: prev.value, existed: true})
	}
	return nil
}

func (t *txn) Range(from, to []byte, reverse bool, fn func(key, value []byte) error) error {
	var err error
	var visit = func(e entry) bool {
		if to != nil && bytes.Compare(e.key, to) >= 0 {
			return false
		}
		if from != nil && bytes.Compare(e.key, from) < 0 {
			return false
		}
		err = fn(e.key, e.value)
		return err == nil
	}

	if !reverse {
		if from == nil {
			from = []byte{}
		}
		t.store.tree.AscendGreaterOrEqual(entry{key: from}, visit)
	} else if to == nil {
		t.store.tree.Descend(visit)
	} else {
		t.store.tree.DescendLessOrEqual(entry{key: to}, func(e entry) bool {
			// DescendLessOrEqual includes |to| itself; the range is half-open.
			if bytes.Compare(e.key, to) >= 0 {
				return true
			}
			return visit(e)
		})
	}

	if err == kv.ErrStopRange {
		return nil
	}
	return err
}
