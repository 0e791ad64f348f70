// Package segment encodes and decodes Segments: immutable, compressed
// containers of page bytes. A Segment is a sequence of independently
// decompressible frames, each holding a bounded run of pages sorted by
// PageIdx, so that a point read fetches one frame's byte range rather than
// the whole Segment.
package segment

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"go.pagevault.dev/kernel/codecs"
	"go.pagevault.dev/kernel/volume"
)

// MaxFramePages is the maximum number of pages encoded into one frame.
// At 4KiB pages a full frame holds 256KiB before compression, which bounds
// the download size of a random point read.
const MaxFramePages = 64

// DefaultCodec is the frame codec used for new Segments.
const DefaultCodec = codecs.Snappy

// ErrCorruptSegment is returned when a frame fails checksum or structural
// validation. Corrupt frames fail closed: no page bytes are returned.
var ErrCorruptSegment = errors.New("corrupt segment")

// castagnoli is the CRC-32C table used for frame checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Builder encodes pages into Segment frames. Pages must be added in strictly
// ascending PageIdx order.
type Builder struct {
	codec  codecs.Codec
	out    bytes.Buffer
	frames []volume.SegmentFrame

	// State of the frame being accumulated.
	comp     codecs.Compressor
	frameOff int
	crc      uint32
	pages    volume.PageCount
	lastIdx  volume.PageIdx
}

// NewBuilder returns a Builder encoding frames with the given codec.
func NewBuilder(codec codecs.Codec) *Builder {
	return &Builder{codec: codec}
}

// AddPage appends a page to the Segment. Indexes must strictly ascend.
func (b *Builder) AddPage(idx volume.PageIdx, page volume.Page) error {
	if !idx.IsValid() {
		return fmt.Errorf("invalid page index")
	} else if idx <= b.lastIdx && b.pages != 0 {
		return fmt.Errorf("page index %d is not ascending (last %d)", idx, b.lastIdx)
	} else if len(page) != volume.PageSize {
		return fmt.Errorf("invalid page size %d", len(page))
	}

	if b.comp == nil {
		var err error
		if b.comp, err = codecs.NewCodecWriter(&b.out, b.codec); err != nil {
			return err
		}
		b.frameOff = b.out.Len()
		b.crc, b.pages = 0, 0
	}

	if _, err := b.comp.Write(page); err != nil {
		return err
	}
	b.crc = crc32.Update(b.crc, castagnoli, page)
	b.pages++
	b.lastIdx = idx

	if b.pages == MaxFramePages {
		return b.flushFrame()
	}
	return nil
}

func (b *Builder) flushFrame() error {
	if err := b.comp.Close(); err != nil {
		return err
	}
	b.frames = append(b.frames, volume.SegmentFrame{
		Pages:    b.pages,
		LastIdx:  b.lastIdx,
		RawLen:   uint32(b.out.Len() - b.frameOff),
		Checksum: b.crc,
	})
	b.comp = nil
	return nil
}

// Finish flushes the final frame and returns the frame index along with the
// Segment's full encoded bytes. The Builder must not be reused.
func (b *Builder) Finish() ([]volume.SegmentFrame, []byte, error) {
	if b.comp != nil {
		if err := b.flushFrame(); err != nil {
			return nil, nil, err
		}
	}
	return b.frames, b.out.Bytes(), nil
}

// DecodeFrame decompresses and validates one frame previously produced by a
// Builder with the same codec. It returns the frame's pages in ascending
// PageIdx order. A checksum or structure mismatch returns ErrCorruptSegment.
func DecodeFrame(data []byte, codec codecs.Codec, frame volume.SegmentFrame) ([]volume.Page, error) {
	if len(data) != int(frame.RawLen) {
		return nil, fmt.Errorf("%w: frame is %d bytes (index says %d)", ErrCorruptSegment, len(data), frame.RawLen)
	}
	var dec, err = codecs.NewCodecReader(bytes.NewReader(data), codec)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var raw = make([]byte, int(frame.Pages)*volume.PageSize)
	if _, err = io.ReadFull(dec, raw); err != nil {
		return nil, fmt.Errorf("%w: decompressing frame: %s", ErrCorruptSegment, err)
	}
	// The frame must be fully consumed.
	if n, _ := dec.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("%w: frame holds more than %d pages", ErrCorruptSegment, frame.Pages)
	}
	if sum := crc32.Checksum(raw, castagnoli); sum != frame.Checksum {
		return nil, fmt.Errorf("%w: checksum %08x (expected %08x)", ErrCorruptSegment, sum, frame.Checksum)
	}

	var pages = make([]volume.Page, frame.Pages)
	for i := range pages {
		pages[i] = volume.Page(raw[i*volume.PageSize : (i+1)*volume.PageSize])
	}
	return pages, nil
}

// FramePageIdxs returns the ascending PageIdxs held by the frame at the
// given location of the SegmentRef, using the Segment's PageSet and the
// preceding frame's LastIdx to bound the run.
func FramePageIdxs(ref *volume.SegmentRef, loc volume.FrameLocation) []volume.PageIdx {
	var after volume.PageIdx
	if loc.Index > 0 {
		after = ref.Frames[loc.Index-1].LastIdx
	}

	var idxs = make([]volume.PageIdx, 0, loc.Frame.Pages)
	var it = ref.Pages.Iterator()
	for raw, ok := it.Next(); ok; raw, ok = it.Next() {
		var idx = volume.PageIdx(raw)
		if idx <= after {
			continue
		} else if idx > loc.Frame.LastIdx {
			break
		}
		idxs = append(idxs, idx)
	}
	return idxs
}
