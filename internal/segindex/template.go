package segindex

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/urlutil"
)

// templateIdentifier matches $Identifier$ and $Identifier%0Nd$ placeholders.
var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Bandwidth|Number|Time)(?:%0(\d+)d)?\$`)

// TemplateStreamConfig holds the attributes of a number-based SegmentTemplate.
type TemplateStreamConfig struct {
	RepresentationID string
	Bandwidth        uint64
	BaseURL          string
	Initialization   string
	Media            string

	Timescale              uint32
	SegmentDuration        uint64 // in timescale units
	StartNumber            uint32
	PresentationTimeOffset uint64
	// Duration is the presentation duration. Zero for open-ended live streams.
	Duration time.Duration

	Logger *slog.Logger
	// Now overrides the wall clock used to find the live edge.
	Now func() time.Time
}

// TemplateStream is the segment index of a representation addressed by a
// $Number$ or $Time$ SegmentTemplate with a fixed segment duration.
type TemplateStream struct {
	cfg    TemplateStreamConfig
	logger *slog.Logger

	mu     sync.RWMutex
	params media.ManifestParameters
}

var _ media.SegmentIndex = (*TemplateStream)(nil)

// NewTemplateStream creates a template segment index.
func NewTemplateStream(cfg TemplateStreamConfig) (*TemplateStream, error) {
	if cfg.Timescale == 0 {
		cfg.Timescale = 1
	}
	if cfg.SegmentDuration == 0 {
		return nil, fmt.Errorf("segment template for %q has no segment duration", cfg.RepresentationID)
	}
	if cfg.Media == "" {
		return nil, fmt.Errorf("segment template for %q has no media pattern", cfg.RepresentationID)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateStream{cfg: cfg, logger: logger}, nil
}

// PrepareStream is a no-op: template addressing needs no index download.
func (s *TemplateStream) PrepareStream(context.Context) error {
	return nil
}

func (s *TemplateStream) segmentDuration() time.Duration {
	return ticksToDuration(s.cfg.SegmentDuration, s.cfg.Timescale)
}

// Duration returns the presentation duration, if declared.
func (s *TemplateStream) Duration() (time.Duration, bool) {
	return s.cfg.Duration, s.cfg.Duration > 0
}

// InitSegment returns the initialization segment, if the template declares one.
func (s *TemplateStream) InitSegment() *media.Segment {
	if s.cfg.Initialization == "" {
		return nil
	}
	return &media.Segment{URL: s.resolve(s.expand(s.cfg.Initialization, 0, 0))}
}

// MediaSegment returns the segment with the given id, counted from StartNumber.
func (s *TemplateStream) MediaSegment(id uint32) (media.Segment, bool) {
	if id >= s.Count() {
		return media.Segment{}, false
	}
	ticks := s.cfg.PresentationTimeOffset + uint64(id)*s.cfg.SegmentDuration
	number := uint64(s.cfg.StartNumber) + uint64(id)
	return media.Segment{
		URL:    s.resolve(s.expand(s.cfg.Media, number, ticks)),
		Period: s.period(id),
	}, true
}

func (s *TemplateStream) period(id uint32) media.TimeRange {
	d := s.segmentDuration()
	return media.TimeRange{Start: time.Duration(id) * d, Duration: d}
}

// SegmentID returns the segment whose interval contains t.
func (s *TemplateStream) SegmentID(t time.Duration) (uint32, bool) {
	if t < 0 {
		return 0, false
	}
	id := uint32(t / s.segmentDuration())
	count := s.Count()
	if id >= count {
		if dur, ok := s.Duration(); ok && t == dur && count > 0 {
			return count - 1, true
		}
		return 0, false
	}
	return id, true
}

// NextSegmentID returns the id following id, if it is available.
func (s *TemplateStream) NextSegmentID(id uint32) (uint32, bool) {
	if id+1 >= s.Count() {
		return 0, false
	}
	return id + 1, true
}

// PreviousSegmentID returns the id preceding id.
func (s *TemplateStream) PreviousSegmentID(id uint32) (uint32, bool) {
	if id == 0 || id > s.Count() {
		return 0, false
	}
	return id - 1, true
}

// SegmentTimeRange returns the interval covered by segment id.
func (s *TemplateStream) SegmentTimeRange(id uint32) (media.TimeRange, bool) {
	if id >= s.Count() {
		return media.TimeRange{}, false
	}
	return s.period(id), true
}

// StartSegmentID returns 0 for static presentations and the segment at the
// live play clock for dynamic ones.
func (s *TemplateStream) StartSegmentID() (uint32, bool) {
	s.mu.RLock()
	params := s.params
	s.mu.RUnlock()

	if params.Document.Dynamic {
		return s.SegmentID(params.PlayClock)
	}
	if s.Count() == 0 {
		return 0, false
	}
	return 0, true
}

// Count returns the number of segments. For dynamic presentations only
// segments that are complete at the live edge are counted.
func (s *TemplateStream) Count() uint32 {
	s.mu.RLock()
	params := s.params
	s.mu.RUnlock()

	d := s.segmentDuration()
	if params.Document.Dynamic {
		edge := params.PlayClock
		if !params.Document.AvailabilityStart.IsZero() {
			edge = s.cfg.Now().Sub(params.Document.AvailabilityStart)
		}
		if edge <= 0 {
			return 0
		}
		return uint32(edge / d)
	}

	if s.cfg.Duration <= 0 {
		return 0
	}
	n := s.cfg.Duration / d
	if s.cfg.Duration%d != 0 {
		n++
	}
	return uint32(n)
}

// Dynamic reports whether the presentation is live.
func (s *TemplateStream) Dynamic() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Document.Dynamic
}

// SetDocumentParameters stores the manifest parameters used for live addressing.
func (s *TemplateStream) SetDocumentParameters(p media.ManifestParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
}

// expand substitutes template identifiers. "$$" is an escaped dollar sign.
func (s *TemplateStream) expand(pattern string, number, ticks uint64) string {
	out := templateIdentifier.ReplaceAllStringFunc(pattern, func(m string) string {
		sub := templateIdentifier.FindStringSubmatch(m)
		var value uint64
		switch sub[1] {
		case "RepresentationID":
			return s.cfg.RepresentationID
		case "Bandwidth":
			value = s.cfg.Bandwidth
		case "Number":
			value = number
		case "Time":
			value = ticks
		}
		width, err := strconv.Atoi(sub[2])
		if err != nil {
			width = 0
		}
		return fmt.Sprintf("%0*d", width, value)
	})
	return strings.ReplaceAll(out, "$$", "$")
}

// resolve makes ref absolute against the base URL.
func (s *TemplateStream) resolve(ref string) string {
	return urlutil.Resolve(s.cfg.BaseURL, ref)
}
