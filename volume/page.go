package volume

import (
	"bytes"
	"fmt"
	"math"
)

// PageSize is the fixed size of every page, in bytes.
const PageSize = 4096

// zeroPage backs EmptyPage. It must never be mutated.
var zeroPage = make([]byte, PageSize)

// Page is the fixed-size unit of Volume storage.
type Page []byte

// EmptyPage is the all-zero page returned for indexes which were never
// written. Callers must not mutate it.
var EmptyPage = Page(zeroPage)

// NewPage validates that b is exactly PageSize bytes and returns it as a Page.
func NewPage(b []byte) (Page, error) {
	if len(b) != PageSize {
		return nil, fmt.Errorf("invalid page size %d (expected %d)", len(b), PageSize)
	}
	return Page(b), nil
}

// IsEmpty returns whether the Page is all zeros.
func (p Page) IsEmpty() bool { return len(p) == 0 || bytes.Equal(p, zeroPage) }

// PageIdx is the 1-based index of a page within a Volume.
// Zero is an invalid sentinel.
type PageIdx uint32

const (
	// InvalidPageIdx is the zero sentinel.
	InvalidPageIdx PageIdx = 0
	// FirstPageIdx is the index of a Volume's first page.
	FirstPageIdx PageIdx = 1
	// MaxPageIdx is the largest representable page index.
	MaxPageIdx PageIdx = math.MaxUint32
)

// IsValid returns whether the PageIdx is non-zero.
func (p PageIdx) IsValid() bool { return p != InvalidPageIdx }

// U32 returns the raw index for use with PageSet capabilities.
func (p PageIdx) U32() uint32 { return uint32(p) }

// Pages returns the PageCount of a Volume whose last page is this index.
func (p PageIdx) Pages() PageCount { return PageCount(p) }

// PageCount is the number of logical pages a Volume spans. Volumes are
// sparse; PageCount bounds the valid PageIdx range but implies nothing
// about which pages were written.
type PageCount uint32

// Contains returns whether the PageIdx falls within the Volume's extent.
func (c PageCount) Contains(p PageIdx) bool { return p.IsValid() && uint32(p) <= uint32(c) }

// LastIdx returns the largest PageIdx within the extent,
// or InvalidPageIdx if the Volume is empty.
func (c PageCount) LastIdx() PageIdx { return PageIdx(c) }

// Max returns the larger of two PageCounts.
func (c PageCount) Max(o PageCount) PageCount {
	if o > c {
		return o
	}
	return c
}
