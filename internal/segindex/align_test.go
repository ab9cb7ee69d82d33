package segindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// fixedTimeline has uniform segments starting at zero.
type fixedTimeline struct {
	segment time.Duration
	count   uint32
	start   uint32
	noStart bool
}

func (f fixedTimeline) StartSegmentID() (uint32, bool) {
	return f.start, !f.noStart
}

func (f fixedTimeline) SegmentID(t time.Duration) (uint32, bool) {
	if t < 0 {
		return 0, false
	}
	id := uint32(t / f.segment)
	return id, id < f.count
}

func (f fixedTimeline) SegmentTimeRange(id uint32) (media.TimeRange, bool) {
	if id >= f.count {
		return media.TimeRange{}, false
	}
	return media.TimeRange{Start: time.Duration(id) * f.segment, Duration: f.segment}, true
}

func TestAlignStartSegments(t *testing.T) {
	video := fixedTimeline{segment: 2 * time.Second, count: 10, start: 3}
	audio := fixedTimeline{segment: 4 * time.Second, count: 5, start: 1}

	a, b, err := AlignStartSegments(video, audio)
	require.NoError(t, err)

	// Video starts at 6s, audio at 4s: both align on 6s.
	assert.Equal(t, media.Alignment{StartSegmentID: 3, TrimOffset: 4 * time.Second}, a)
	assert.Equal(t, media.Alignment{StartSegmentID: 1, TrimOffset: 4 * time.Second}, b)
}

func TestAlignStartSegments_Symmetric(t *testing.T) {
	video := fixedTimeline{segment: 2 * time.Second, count: 10, start: 3}
	audio := fixedTimeline{segment: 4 * time.Second, count: 5, start: 1}

	b, a, err := AlignStartSegments(audio, video)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), a.StartSegmentID)
	assert.Equal(t, uint32(1), b.StartSegmentID)
	assert.Equal(t, a.TrimOffset, b.TrimOffset)
}

func TestAlignStartSegments_AlreadyAligned(t *testing.T) {
	x := fixedTimeline{segment: 2 * time.Second, count: 10}
	y := fixedTimeline{segment: 2 * time.Second, count: 10}

	a, b, err := AlignStartSegments(x, y)
	require.NoError(t, err)
	assert.Equal(t, media.Alignment{}, a)
	assert.Equal(t, media.Alignment{}, b)
}

func TestAlignStartSegments_Errors(t *testing.T) {
	ok := fixedTimeline{segment: 2 * time.Second, count: 10}

	_, _, err := AlignStartSegments(fixedTimeline{segment: time.Second, count: 3, noStart: true}, ok)
	require.ErrorIs(t, err, ErrNoStartSegment)
	assert.Contains(t, err.Error(), "first stream")

	// Second stream ends before the first one starts.
	late := fixedTimeline{segment: 2 * time.Second, count: 10, start: 8}
	short := fixedTimeline{segment: 2 * time.Second, count: 2}
	_, _, err = AlignStartSegments(late, short)
	require.ErrorIs(t, err, ErrNoStartSegment)
	assert.Contains(t, err.Error(), "second stream")
}
