// Package media defines the presentation model shared by the segment index,
// fetcher, demuxer and pipeline: periods, media, representations, segments,
// packets and stream configuration.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStreamType is returned when a stream type name cannot be parsed.
var ErrUnknownStreamType = errors.New("unknown stream type")

// StreamType identifies the elementary stream a pipeline delivers.
type StreamType int

const (
	StreamTypeAudio StreamType = iota
	StreamTypeVideo
	StreamTypeSubtitle
)

// StreamTypes lists every stream type in pipeline start order.
var StreamTypes = []StreamType{StreamTypeAudio, StreamTypeVideo, StreamTypeSubtitle}

func (s StreamType) String() string {
	switch s {
	case StreamTypeAudio:
		return "audio"
	case StreamTypeVideo:
		return "video"
	case StreamTypeSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// MediaType returns the manifest content type carrying this stream type.
func (s StreamType) MediaType() MediaType {
	switch s {
	case StreamTypeAudio:
		return MediaTypeAudio
	case StreamTypeVideo:
		return MediaTypeVideo
	case StreamTypeSubtitle:
		return MediaTypeText
	default:
		return MediaTypeUnknown
	}
}

// ParseStreamType parses "audio", "video" or "subtitle".
func ParseStreamType(s string) (StreamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return StreamTypeAudio, nil
	case "video":
		return StreamTypeVideo, nil
	case "subtitle", "text":
		return StreamTypeSubtitle, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStreamType, s)
	}
}

// MediaType is the content type of a Media (adaptation set).
type MediaType string

const (
	MediaTypeUnknown MediaType = ""
	MediaTypeAudio   MediaType = "audio"
	MediaTypeVideo   MediaType = "video"
	MediaTypeText    MediaType = "text"
)

// ParseMediaType maps a content type or MIME type ("video/mp4") to a MediaType.
func ParseMediaType(s string) MediaType {
	kind, _, _ := strings.Cut(strings.ToLower(s), "/")
	switch kind {
	case "audio":
		return MediaTypeAudio
	case "video":
		return MediaTypeVideo
	case "text", "application":
		return MediaTypeText
	default:
		return MediaTypeUnknown
	}
}
