package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidByteRange is returned when a byte range string cannot be parsed.
var ErrInvalidByteRange = errors.New("invalid byte range")

// TimeRange is an interval [Start, Start+Duration) on the presentation timeline.
// It is a value type, so handing one out never exposes cached state.
type TimeRange struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the exclusive end of the range.
func (r TimeRange) End() time.Duration {
	return r.Start + r.Duration
}

// Contains reports whether t lies inside the half-open range.
func (r TimeRange) Contains(t time.Duration) bool {
	return t >= r.Start && t < r.End()
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End())
}

// ByteRange is an inclusive byte range [Low, High].
type ByteRange struct {
	Low  uint64
	High uint64
}

// ParseByteRange parses the "low-high" form used by DASH indexRange and range attributes.
func ParseByteRange(s string) (ByteRange, error) {
	lowStr, highStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrInvalidByteRange, s)
	}
	low, err := strconv.ParseUint(lowStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %q: %v", ErrInvalidByteRange, s, err)
	}
	high, err := strconv.ParseUint(highStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: %q: %v", ErrInvalidByteRange, s, err)
	}
	if high < low {
		return ByteRange{}, fmt.Errorf("%w: %q: high below low", ErrInvalidByteRange, s)
	}
	return ByteRange{Low: low, High: high}, nil
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() uint64 {
	return r.High - r.Low + 1
}

// String returns the range in "low-high" form, suitable for an HTTP Range header value.
func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// Segment is one downloadable unit of a representation.
type Segment struct {
	URL    string
	Range  *ByteRange
	Period TimeRange
}

// Document carries the manifest-level parameters a segment index needs.
type Document struct {
	Dynamic              bool
	AvailabilityStart    time.Time
	TimeShiftBufferDepth time.Duration
}

// ManifestParameters is pushed to segment indexes on every manifest (re)load.
// PlayClock is the live-edge position on the presentation timeline.
type ManifestParameters struct {
	Document  Document
	PlayClock time.Duration
}

// SegmentIndex maps presentation time to segment identifiers for one representation.
type SegmentIndex interface {
	// PrepareStream resolves addressing data (the segment index atom) on first
	// use. The outcome of the first call is cached.
	PrepareStream(ctx context.Context) error
	Duration() (time.Duration, bool)
	InitSegment() *Segment
	MediaSegment(id uint32) (Segment, bool)
	SegmentID(t time.Duration) (uint32, bool)
	NextSegmentID(id uint32) (uint32, bool)
	PreviousSegmentID(id uint32) (uint32, bool)
	SegmentTimeRange(id uint32) (TimeRange, bool)
	StartSegmentID() (uint32, bool)
	Count() uint32
	// Dynamic reports whether the segment list grows with the live edge.
	Dynamic() bool
	SetDocumentParameters(p ManifestParameters)
}
