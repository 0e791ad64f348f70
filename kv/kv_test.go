package kv_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.pagevault.dev/kernel/kv"
	"go.pagevault.dev/kernel/kv/boltkv"
	"go.pagevault.dev/kernel/kv/memkv"
)

// Both backends must satisfy the identical contract.
func eachStore(t *testing.T, fn func(t *testing.T, s kv.Store)) {
	t.Run("memkv", func(t *testing.T) {
		var s = memkv.New()
		defer s.Close()
		fn(t, s)
	})
	t.Run("boltkv", func(t *testing.T) {
		var s, err = boltkv.Open(filepath.Join(t.TempDir(), "kernel.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestGetPutDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s kv.Store) {
		require.NoError(t, s.Update(func(txn kv.Txn) error {
			require.NoError(t, txn.Put([]byte("a"), []byte("1")))
			require.NoError(t, txn.Put([]byte("b"), []byte("2")))

			// Reads observe the txn's own writes.
			var v, ok, err = txn.Get([]byte("a"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("1"), v)
			return nil
		}))

		require.NoError(t, s.Update(func(txn kv.Txn) error {
			return txn.Delete([]byte("a"))
		}))

		require.NoError(t, s.View(func(txn kv.Txn) error {
			var _, ok, err = txn.Get([]byte("a"))
			require.NoError(t, err)
			require.False(t, ok)

			v, ok, err := txn.Get([]byte("b"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("2"), v)
			return nil
		}))
	})
}

func TestUpdateIsAtomic(t *testing.T) {
	eachStore(t, func(t *testing.T, s kv.Store) {
		var boom = errors.New("boom")

		require.NoError(t, s.Update(func(txn kv.Txn) error {
			return txn.Put([]byte("keep"), []byte("v"))
		}))
		require.ErrorIs(t, s.Update(func(txn kv.Txn) error {
			require.NoError(t, txn.Put([]byte("discard"), []byte("v")))
			require.NoError(t, txn.Delete([]byte("keep")))
			return boom
		}), boom)

		require.NoError(t, s.View(func(txn kv.Txn) error {
			var _, ok, _ = txn.Get([]byte("discard"))
			require.False(t, ok)
			_, ok, _ = txn.Get([]byte("keep"))
			require.True(t, ok)
			return nil
		}))
	})
}

func TestRangeOrdering(t *testing.T) {
	eachStore(t, func(t *testing.T, s kv.Store) {
		require.NoError(t, s.Update(func(txn kv.Txn) error {
			for _, k := range []string{"p/3", "p/1", "q/9", "p/2", "o/0"} {
				require.NoError(t, txn.Put([]byte(k), []byte(k)))
			}
			return nil
		}))

		var collect = func(from, to []byte, reverse bool) (keys []string) {
			require.NoError(t, s.View(func(txn kv.Txn) error {
				return txn.Range(from, to, reverse, func(k, v []byte) error {
					keys = append(keys, string(k))
					return nil
				})
			}))
			return
		}

		var prefix = []byte("p/")
		require.Equal(t, []string{"p/1", "p/2", "p/3"},
			collect(prefix, kv.PrefixEnd(prefix), false))
		require.Equal(t, []string{"p/3", "p/2", "p/1"},
			collect(prefix, kv.PrefixEnd(prefix), true))
		require.Equal(t, []string{"o/0", "p/1", "p/2", "p/3", "q/9"},
			collect(nil, nil, false))
		require.Equal(t, []string{"q/9", "p/3", "p/2", "p/1", "o/0"},
			collect(nil, nil, true))
	})
}

func TestRangeEarlyStop(t *testing.T) {
	eachStore(t, func(t *testing.T, s kv.Store) {
		require.NoError(t, s.Update(func(txn kv.Txn) error {
			for _, k := range []string{"a", "b", "c"} {
				require.NoError(t, txn.Put([]byte(k), nil))
			}
			return nil
		}))

		var seen int
		require.NoError(t, s.View(func(txn kv.Txn) error {
			return txn.Range(nil, nil, false, func(k, v []byte) error {
				seen++
				return kv.ErrStopRange
			})
		}))
		require.Equal(t, 1, seen)
	})
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("ab"), kv.PrefixEnd([]byte("aa")))
	require.Equal(t, []byte{0x01}, kv.PrefixEnd([]byte{0x00, 0xff}))
	require.Nil(t, kv.PrefixEnd([]byte{0xff, 0xff}))
}
