package volume

import "math"

// LSN is a Volume's log sequence number. LSNs are strictly increasing and
// gap-free within a Volume. Zero is not a valid LSN: it is the sentinel for
// "no commit yet".
type LSN uint64

const (
	// InvalidLSN is the zero sentinel.
	InvalidLSN LSN = 0
	// FirstLSN is the LSN of a Volume's first commit.
	FirstLSN LSN = 1
	// MaxLSN is the largest representable LSN.
	MaxLSN LSN = math.MaxUint64
)

// IsValid returns whether the LSN is non-zero.
func (l LSN) IsValid() bool { return l != InvalidLSN }

// Next returns the LSN immediately following this one.
// It panics on overflow, which cannot occur in practice.
func (l LSN) Next() LSN {
	if l == MaxLSN {
		panic("LSN overflow")
	}
	return l + 1
}

// Prev returns the LSN immediately preceding this one, or InvalidLSN
// if called on FirstLSN.
func (l LSN) Prev() LSN {
	if l == InvalidLSN {
		panic("Prev of invalid LSN")
	}
	return l - 1
}

// LSNRange is an inclusive range of LSNs. An empty range has From > To.
type LSNRange struct {
	From, To LSN
}

// IsEmpty returns whether the range contains no LSNs.
func (r LSNRange) IsEmpty() bool { return !r.From.IsValid() || !r.To.IsValid() || r.From > r.To }

// Len returns the number of LSNs in the range.
func (r LSNRange) Len() uint64 {
	if r.IsEmpty() {
		return 0
	}
	return uint64(r.To-r.From) + 1
}

// Contains returns whether the LSN falls within the range.
func (r LSNRange) Contains(l LSN) bool { return !r.IsEmpty() && l >= r.From && l <= r.To }
