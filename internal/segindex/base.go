package segindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// Downloader fetches a byte range of a resource. A nil range fetches the
// whole resource.
type Downloader interface {
	DownloadRange(ctx context.Context, url string, r *media.ByteRange) ([]byte, error)
}

// BaseStreamConfig holds the addressing attributes of a SegmentBase
// representation.
type BaseStreamConfig struct {
	Init  *media.Segment
	Media *media.Segment
	// Index is the sidx location. Nil means the media segment is the only segment.
	Index *media.Segment

	PresentationTimeOffset   uint64
	TimeShiftBufferDepth     time.Duration
	AvailabilityTimeOffset   time.Duration
	AvailabilityTimeComplete *bool

	Downloader Downloader
	Logger     *slog.Logger
}

// BaseStream is the segment index of a SegmentBase representation: either a
// single media segment, or the list of subsegments described by a sidx box
// that is downloaded on first use.
type BaseStream struct {
	cfg    BaseStreamConfig
	logger *slog.Logger

	mu          sync.RWMutex
	params      media.ManifestParameters
	prepared    bool
	prepareErr  error
	segments    []media.Segment
	duration    time.Duration
	hasDuration bool
}

var _ media.SegmentIndex = (*BaseStream)(nil)

// NewBaseStream creates a segment index for a SegmentBase representation.
// The manifest-declared duration is taken from the media segment and is
// replaced by the index duration once the index resolves.
func NewBaseStream(cfg BaseStreamConfig) *BaseStream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BaseStream{cfg: cfg, logger: logger}
	if cfg.Media != nil && cfg.Media.Period.Duration > 0 {
		s.duration = cfg.Media.Period.Duration
		s.hasDuration = true
	}
	return s
}

func (s *BaseStream) indexed() bool {
	return s.cfg.Index != nil
}

// PrepareStream downloads and parses the segment index once. Later calls
// return the first call's outcome without touching the network.
func (s *BaseStream) PrepareStream(ctx context.Context) error {
	if !s.indexed() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prepared {
		return s.prepareErr
	}
	s.prepared = true
	s.prepareErr = s.downloadIndex(ctx)

	if n := len(s.segments); n > 0 {
		s.duration = s.segments[n-1].Period.End()
	} else {
		s.duration = 0
	}
	s.hasDuration = true

	return s.prepareErr
}

// downloadIndex fetches and parses the sidx box. Must be called with s.mu held.
func (s *BaseStream) downloadIndex(ctx context.Context) error {
	index := s.cfg.Index
	if s.cfg.Media == nil {
		return fmt.Errorf("%w: no media segment", ErrIndexUnavailable)
	}
	if index.Range == nil {
		return fmt.Errorf("%w: index segment has no byte range", ErrIndexUnavailable)
	}
	if s.cfg.Downloader == nil {
		return fmt.Errorf("%w: no downloader", ErrIndexUnavailable)
	}

	s.logger.Debug("downloading segment index",
		slog.String("url", index.URL),
		slog.String("range", index.Range.String()),
	)

	data, err := s.cfg.Downloader.DownloadRange(ctx, index.URL, index.Range)
	if err != nil {
		s.logger.Error("segment index download failed",
			slog.String("url", index.URL),
			slog.String("range", index.Range.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	entries, err := ParseIndex(data, index.Range.High+1)
	if err != nil {
		s.logger.Error("segment index parse failed",
			slog.String("url", index.URL),
			slog.String("error", err.Error()),
		)
		return err
	}
	if len(entries) == 0 {
		return ErrNoSegments
	}

	segments := make([]media.Segment, len(entries))
	for i, e := range entries {
		r := e.Range
		segments[i] = media.Segment{URL: s.cfg.Media.URL, Range: &r, Period: e.Period}
	}
	s.segments = segments

	s.logger.Debug("segment index resolved",
		slog.String("url", index.URL),
		slog.Int("segments", len(segments)),
	)
	return nil
}

// Duration returns the representation duration. For indexed streams it is the
// end of the last index entry once prepared.
func (s *BaseStream) Duration() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration, s.hasDuration
}

// InitSegment returns the initialization segment, if any.
func (s *BaseStream) InitSegment() *media.Segment {
	return s.cfg.Init
}

// MediaSegment returns the segment with the given id. Without an index only
// id 0 exists.
func (s *BaseStream) MediaSegment(id uint32) (media.Segment, bool) {
	if s.cfg.Media == nil {
		return media.Segment{}, false
	}
	if !s.indexed() {
		if id != 0 {
			return media.Segment{}, false
		}
		return *s.cfg.Media, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.segments) {
		return media.Segment{}, false
	}
	return s.segments[id], true
}

// SegmentID returns the segment whose interval contains t. Without an index
// the single segment answers every time at or after its start. With an index
// t equal to the total duration resolves to the last segment.
func (s *BaseStream) SegmentID(t time.Duration) (uint32, bool) {
	if s.cfg.Media == nil {
		return 0, false
	}
	if !s.indexed() {
		if t < s.cfg.Media.Period.Start {
			return 0, false
		}
		return 0, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searchLocked(t)
}

func (s *BaseStream) searchLocked(t time.Duration) (uint32, bool) {
	n := len(s.segments)
	if n == 0 {
		return 0, false
	}

	i := sort.Search(n, func(i int) bool { return s.segments[i].Period.End() > t })
	if i < n && s.segments[i].Period.Start <= t {
		return uint32(i), true
	}
	if s.hasDuration && t == s.duration {
		return uint32(n - 1), true
	}

	s.logger.Warn("no segment at requested time",
		slog.Duration("requested", t),
		slog.Duration("first_start", s.segments[0].Period.Start),
		slog.Duration("last_start", s.segments[n-1].Period.Start),
		slog.Duration("duration", s.duration),
	)
	return 0, false
}

// NextSegmentID returns the id following id. Non-indexed streams have no neighbours.
func (s *BaseStream) NextSegmentID(id uint32) (uint32, bool) {
	if !s.indexed() || s.cfg.Media == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id)+1 >= len(s.segments) {
		return 0, false
	}
	return id + 1, true
}

// PreviousSegmentID returns the id preceding id. Non-indexed streams have no neighbours.
func (s *BaseStream) PreviousSegmentID(id uint32) (uint32, bool) {
	if !s.indexed() || s.cfg.Media == nil || id == 0 {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) > len(s.segments) {
		return 0, false
	}
	return id - 1, true
}

// SegmentTimeRange returns a copy of the interval covered by segment id.
func (s *BaseStream) SegmentTimeRange(id uint32) (media.TimeRange, bool) {
	seg, ok := s.MediaSegment(id)
	if !ok {
		return media.TimeRange{}, false
	}
	return seg.Period, true
}

// StartSegmentID returns the first segment to play: 0 for static
// presentations, the segment at the live play clock for dynamic ones.
func (s *BaseStream) StartSegmentID() (uint32, bool) {
	if s.cfg.Media == nil {
		return 0, false
	}

	s.mu.RLock()
	params := s.params
	s.mu.RUnlock()

	if params.Document.Dynamic {
		return s.SegmentID(params.PlayClock)
	}
	return 0, true
}

// Count returns the number of addressable segments. Before the index
// resolves an indexed stream has none.
func (s *BaseStream) Count() uint32 {
	if !s.indexed() {
		return 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.segments))
}

// MediaSegments returns all addressable segments.
func (s *BaseStream) MediaSegments() []media.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		if s.cfg.Media == nil {
			return nil
		}
		return []media.Segment{*s.cfg.Media}
	}
	out := make([]media.Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Dynamic reports whether the presentation is live.
func (s *BaseStream) Dynamic() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Document.Dynamic
}

// SetDocumentParameters stores the manifest parameters used for live start.
func (s *BaseStream) SetDocumentParameters(p media.ManifestParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
}
