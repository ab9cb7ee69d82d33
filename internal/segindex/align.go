package segindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// ErrNoStartSegment is returned when a stream has no start segment to align.
var ErrNoStartSegment = errors.New("stream has no start segment")

// Timeline is the part of a segment index start alignment needs.
type Timeline interface {
	StartSegmentID() (uint32, bool)
	SegmentID(t time.Duration) (uint32, bool)
	SegmentTimeRange(id uint32) (media.TimeRange, bool)
}

// AlignStartSegments picks start segments for two streams so both begin at
// the same presentation time. The later of the two start segments defines
// the aligned time; each stream starts at its segment containing that time.
// The returned trim offset, shared by both, is the earlier of the two aligned
// segment starts and is subtracted from packet timestamps.
func AlignStartSegments(a, b Timeline) (media.Alignment, media.Alignment, error) {
	startA, err := startRange(a)
	if err != nil {
		return media.Alignment{}, media.Alignment{}, fmt.Errorf("first stream: %w", err)
	}
	startB, err := startRange(b)
	if err != nil {
		return media.Alignment{}, media.Alignment{}, fmt.Errorf("second stream: %w", err)
	}

	aligned := max(startA.Start, startB.Start)

	idA, rangeA, err := segmentAt(a, aligned)
	if err != nil {
		return media.Alignment{}, media.Alignment{}, fmt.Errorf("first stream: %w", err)
	}
	idB, rangeB, err := segmentAt(b, aligned)
	if err != nil {
		return media.Alignment{}, media.Alignment{}, fmt.Errorf("second stream: %w", err)
	}

	trim := min(rangeA.Start, rangeB.Start)
	return media.Alignment{StartSegmentID: idA, TrimOffset: trim},
		media.Alignment{StartSegmentID: idB, TrimOffset: trim},
		nil
}

func startRange(t Timeline) (media.TimeRange, error) {
	id, ok := t.StartSegmentID()
	if !ok {
		return media.TimeRange{}, ErrNoStartSegment
	}
	r, ok := t.SegmentTimeRange(id)
	if !ok {
		return media.TimeRange{}, fmt.Errorf("%w: segment %d has no time range", ErrNoStartSegment, id)
	}
	return r, nil
}

func segmentAt(t Timeline, at time.Duration) (uint32, media.TimeRange, error) {
	id, ok := t.SegmentID(at)
	if !ok {
		return 0, media.TimeRange{}, fmt.Errorf("%w: nothing at %s", ErrNoStartSegment, at)
	}
	r, ok := t.SegmentTimeRange(id)
	if !ok {
		return 0, media.TimeRange{}, fmt.Errorf("%w: segment %d has no time range", ErrNoStartSegment, id)
	}
	return id, r, nil
}
