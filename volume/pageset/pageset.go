// Package pageset provides the compressed set-of-page-indexes capability
// consumed by the kernel. Sets operate on raw uint32 page indexes so that the
// kernel's correctness is not coupled to any particular bitset encoding.
package pageset

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
)

// Set is an insert-only set of page indexes.
type Set interface {
	// Insert adds the index to the set.
	Insert(idx uint32)
	// Contains returns whether the index is in the set.
	Contains(idx uint32) bool
	// Len returns the number of indexes in the set.
	Len() int
	// Iterator returns a restartable iterator over indexes in ascending order.
	Iterator() Iterator
	// Union adds all indexes of |other| to the set.
	Union(other Set)
	// Serialize returns a portable binary encoding of the set.
	Serialize() ([]byte, error)
}

// Iterator is a lazy, finite cursor over a Set's indexes.
type Iterator interface {
	// Next returns the next index in ascending order, or false if exhausted.
	Next() (uint32, bool)
}

// New returns an empty Set backed by a compressed roaring bitmap.
func New() Set { return &roaringSet{bm: roaring.New()} }

// Deserialize decodes a Set previously encoded with Serialize.
func Deserialize(b []byte) (Set, error) {
	var bm = roaring.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "deserializing page set")
	}
	return &roaringSet{bm: bm}, nil
}

type roaringSet struct{ bm *roaring.Bitmap }

func (s *roaringSet) Insert(idx uint32)        { s.bm.Add(idx) }
func (s *roaringSet) Contains(idx uint32) bool { return s.bm.Contains(idx) }
func (s *roaringSet) Len() int                 { return int(s.bm.GetCardinality()) }

func (s *roaringSet) Iterator() Iterator { return &roaringIter{it: s.bm.Iterator()} }

func (s *roaringSet) Union(other Set) {
	if o, ok := other.(*roaringSet); ok {
		s.bm.Or(o.bm)
		return
	}
	var it = other.Iterator()
	for idx, ok := it.Next(); ok; idx, ok = it.Next() {
		s.bm.Add(idx)
	}
}

func (s *roaringSet) Serialize() ([]byte, error) {
	var b, err = s.bm.ToBytes()
	return b, errors.Wrap(err, "serializing page set")
}

type roaringIter struct{ it roaring.IntPeekable }

func (r *roaringIter) Next() (uint32, bool) {
	if !r.it.HasNext() {
		return 0, false
	}
	return r.it.Next(), true
}
