package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.pagevault.dev/kernel/codecs"
	"go.pagevault.dev/kernel/volume"
	"go.pagevault.dev/kernel/volume/pageset"
)

func fillPage(t *testing.T, c byte) volume.Page {
	t.Helper()
	var p = make(volume.Page, volume.PageSize)
	for i := range p {
		p[i] = c
	}
	return p
}

func TestBuilderSingleFrameRoundTrip(t *testing.T) {
	var b = NewBuilder(codecs.Snappy)
	require.NoError(t, b.AddPage(1, fillPage(t, 'a')))
	require.NoError(t, b.AddPage(5, fillPage(t, 'b')))
	require.NoError(t, b.AddPage(9, fillPage(t, 'c')))

	frames, data, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, volume.PageCount(3), frames[0].Pages)
	require.Equal(t, volume.PageIdx(9), frames[0].LastIdx)
	require.Equal(t, uint32(len(data)), frames[0].RawLen)

	pages, err := DecodeFrame(data, codecs.Snappy, frames[0])
	require.NoError(t, err)
	require.Len(t, pages, 3)
	require.Equal(t, fillPage(t, 'a'), pages[0])
	require.Equal(t, fillPage(t, 'b'), pages[1])
	require.Equal(t, fillPage(t, 'c'), pages[2])
}

func TestBuilderSplitsFrames(t *testing.T) {
	var b = NewBuilder(codecs.Snappy)
	// MaxFramePages+3 pages must produce exactly two frames.
	for i := 1; i <= MaxFramePages+3; i++ {
		require.NoError(t, b.AddPage(volume.PageIdx(i), fillPage(t, byte(i))))
	}
	frames, data, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, volume.PageCount(MaxFramePages), frames[0].Pages)
	require.Equal(t, volume.PageIdx(MaxFramePages), frames[0].LastIdx)
	require.Equal(t, volume.PageCount(3), frames[1].Pages)
	require.Equal(t, volume.PageIdx(MaxFramePages+3), frames[1].LastIdx)
	require.Equal(t, uint32(len(data)), frames[0].RawLen+frames[1].RawLen)

	// Each frame decodes independently from its own byte range.
	pages, err := DecodeFrame(data[:frames[0].RawLen], codecs.Snappy, frames[0])
	require.NoError(t, err)
	require.Equal(t, fillPage(t, 1), pages[0])

	pages, err = DecodeFrame(data[frames[0].RawLen:], codecs.Snappy, frames[1])
	require.NoError(t, err)
	require.Equal(t, fillPage(t, byte(MaxFramePages+1)), pages[0])
}

func TestBuilderRejectsBadInput(t *testing.T) {
	var b = NewBuilder(codecs.Snappy)
	require.Error(t, b.AddPage(0, fillPage(t, 'x')))           // Invalid index.
	require.Error(t, b.AddPage(1, volume.Page{1, 2, 3}))       // Wrong size.
	require.NoError(t, b.AddPage(4, fillPage(t, 'x')))         //
	require.Error(t, b.AddPage(4, fillPage(t, 'y')))           // Not ascending.
	require.Error(t, b.AddPage(2, fillPage(t, 'y')))           // Not ascending.
	require.NoError(t, b.AddPage(5, fillPage(t, 'y')))         //
}

func TestDecodeFrameFailsClosed(t *testing.T) {
	var b = NewBuilder(codecs.Snappy)
	require.NoError(t, b.AddPage(1, fillPage(t, 'a')))
	frames, data, err := b.Finish()
	require.NoError(t, err)

	// Flipped bit in the compressed stream.
	var bad = append([]byte{}, data...)
	bad[len(bad)/2] ^= 0x40
	_, err = DecodeFrame(bad, codecs.Snappy, frames[0])
	require.ErrorIs(t, err, ErrCorruptSegment)

	// Truncated range.
	_, err = DecodeFrame(data[:len(data)-1], codecs.Snappy, frames[0])
	require.ErrorIs(t, err, ErrCorruptSegment)

	// Wrong checksum in the frame index.
	var frame = frames[0]
	frame.Checksum ^= 1
	_, err = DecodeFrame(data, codecs.Snappy, frame)
	require.ErrorIs(t, err, ErrCorruptSegment)
}

func TestLocateAndFramePageIdxs(t *testing.T) {
	var b = NewBuilder(codecs.Snappy)
	var set = pageset.New()

	// Sparse pages spanning two frames.
	var idxs []volume.PageIdx
	for i := 1; i <= MaxFramePages+10; i++ {
		var idx = volume.PageIdx(i * 3)
		idxs = append(idxs, idx)
		set.Insert(idx.U32())
		require.NoError(t, b.AddPage(idx, fillPage(t, byte(i))))
	}
	frames, data, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	var ref = &volume.SegmentRef{SID: volume.NewSegmentID(), Pages: set, Frames: frames}

	// A page in the second frame locates to the second frame's byte range.
	var target = idxs[MaxFramePages+2]
	loc, ok := ref.Locate(target)
	require.True(t, ok)
	require.Equal(t, 1, loc.Index)
	require.Equal(t, int64(frames[0].RawLen), loc.Off)

	var have = FramePageIdxs(ref, loc)
	require.Equal(t, idxs[MaxFramePages:], have)

	// Decoding only that frame's range yields the page.
	pages, err := DecodeFrame(data[loc.Off:loc.Off+int64(loc.Frame.RawLen)], codecs.Snappy, loc.Frame)
	require.NoError(t, err)
	for i, idx := range have {
		if idx == target {
			require.Equal(t, fillPage(t, byte(MaxFramePages+3)), pages[i])
		}
	}

	// An index past the final frame does not locate.
	_, ok = ref.Locate(idxs[len(idxs)-1] + 1)
	require.False(t, ok)
}

func TestGzipCodecRoundTrip(t *testing.T) {
	var b = NewBuilder(codecs.Gzip)
	require.NoError(t, b.AddPage(2, fillPage(t, 'z')))
	frames, data, err := b.Finish()
	require.NoError(t, err)

	pages, err := DecodeFrame(data, codecs.Gzip, frames[0])
	require.NoError(t, err)
	require.Equal(t, fillPage(t, 'z'), pages[0])

	// Decoding with the wrong codec fails closed.
	_, err = DecodeFrame(data, codecs.Snappy, frames[0])
	require.ErrorIs(t, err, ErrCorruptSegment)
}
