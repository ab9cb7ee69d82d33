// Package segindex translates between presentation time and segment
// identifiers for a single representation, for single-segment, segment index
// (sidx) and template addressing.
package segindex

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/jmylchreest/dashpipe/internal/media"
)

var (
	// ErrMalformedIndex is returned when index data is not a decodable sidx box.
	ErrMalformedIndex = errors.New("malformed segment index")
	// ErrChainedIndexUnsupported is returned for a sidx that references other sidx boxes.
	ErrChainedIndexUnsupported = errors.New("chained segment index is not supported")
	// ErrIndexUnavailable is returned when the index could not be downloaded.
	ErrIndexUnavailable = errors.New("segment index unavailable")
	// ErrNoSegments is returned when the index yields no usable entries.
	ErrNoSegments = errors.New("segment index has no usable entries")
)

// IndexEntry is one media reference of a segment index box.
type IndexEntry struct {
	Range  media.ByteRange
	Period media.TimeRange
}

// ParseIndex decodes a sidx box. firstByte is the file offset of the first
// byte after the box, which sidx first_offset is relative to. Entries
// covering less than two bytes are dropped.
func ParseIndex(data []byte, firstByte uint64) ([]IndexEntry, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}
	sidx, ok := box.(*mp4.SidxBox)
	if !ok {
		return nil, fmt.Errorf("%w: expected sidx box, got %s", ErrMalformedIndex, box.Type())
	}
	if sidx.Timescale == 0 {
		return nil, fmt.Errorf("%w: zero timescale", ErrMalformedIndex)
	}

	for i, ref := range sidx.SidxRefs {
		if ref.ReferenceType == 1 {
			return nil, fmt.Errorf("%w: reference %d points at a sidx box", ErrChainedIndexUnsupported, i)
		}
	}

	entries := make([]IndexEntry, 0, len(sidx.SidxRefs))
	offset := firstByte + sidx.FirstOffset
	ticks := sidx.EarliestPresentationTime
	for _, ref := range sidx.SidxRefs {
		size := uint64(ref.ReferencedSize)
		if size > 1 {
			entries = append(entries, IndexEntry{
				Range: media.ByteRange{Low: offset, High: offset + size - 1},
				Period: media.TimeRange{
					Start:    ticksToDuration(ticks, sidx.Timescale),
					Duration: ticksToDuration(uint64(ref.SubSegmentDuration), sidx.Timescale),
				},
			})
		}
		offset += size
		ticks += uint64(ref.SubSegmentDuration)
	}
	return entries, nil
}

// ticksToDuration converts a media time to a duration without overflowing
// for large tick counts.
func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	ts := uint64(timescale)
	whole := ticks / ts
	rem := ticks % ts
	return time.Duration(whole)*time.Second + time.Duration(rem*uint64(time.Second)/ts)
}
