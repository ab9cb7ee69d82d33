package manifest

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/jmylchreest/dashpipe/internal/codec"
	"github.com/jmylchreest/dashpipe/internal/fetcher"
	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
	"github.com/jmylchreest/dashpipe/internal/segindex"
	"github.com/jmylchreest/dashpipe/internal/urlutil"
)

// DefaultLiveDelay is the live delay used when the MPD suggests none.
const DefaultLiveDelay = 10 * time.Second

var (
	ErrInvalidManifest       = errors.New("invalid manifest")
	ErrNoPeriods             = errors.New("manifest has no periods")
	ErrUnsupportedAddressing = errors.New("unsupported segment addressing")
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Downloader fetches the MPD and, later, segment index ranges.
	Downloader fetcher.Downloader
	Logger     *slog.Logger
	// LiveDelay overrides the MPD's suggested presentation delay.
	LiveDelay time.Duration
	// Now overrides the wall clock used for live addressing.
	Now func() time.Time
}

// Loader fetches and parses MPDs.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loader{
		cfg:    cfg,
		logger: observability.WithComponent(observability.OrDefault(cfg.Logger), "manifest"),
	}
}

// Load downloads and parses the MPD at manifestURL.
func (l *Loader) Load(ctx context.Context, manifestURL string) (*Manifest, error) {
	if l.cfg.Downloader == nil {
		return nil, fmt.Errorf("%w: no downloader configured", ErrInvalidManifest)
	}
	done := observability.TimedOperation(ctx, l.logger, "load manifest")
	defer done()

	data, err := l.cfg.Downloader.Fetch(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("downloading manifest: %w", err)
	}
	return l.Parse(data, manifestURL)
}

// Parse builds a Manifest from MPD data. Relative URLs resolve against
// manifestURL. Representations whose addressing cannot be indexed are
// skipped with a warning.
func (l *Loader) Parse(data []byte, manifestURL string) (*Manifest, error) {
	mpd, err := m.ReadFromString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(mpd.Periods) == 0 {
		return nil, ErrNoPeriods
	}
	protections, err := readContentProtections(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	out := &Manifest{URL: manifestURL}
	out.Document.Dynamic = mpd.Type != nil && *mpd.Type == "dynamic"
	if mpd.AvailabilityStartTime != "" {
		secs, err := mpd.AvailabilityStartTime.ConvertToSeconds()
		if err != nil {
			return nil, fmt.Errorf("%w: availabilityStartTime: %v", ErrInvalidManifest, err)
		}
		whole, frac := math.Modf(secs)
		out.Document.AvailabilityStart = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	}
	if mpd.TimeShiftBufferDepth != nil {
		out.Document.TimeShiftBufferDepth = time.Duration(*mpd.TimeShiftBufferDepth)
	}
	if mpd.MediaPresentationDuration != nil {
		out.Duration = time.Duration(*mpd.MediaPresentationDuration)
	}
	switch {
	case l.cfg.LiveDelay > 0:
		out.LiveDelay = l.cfg.LiveDelay
	case mpd.SuggestedPresentationDelay != nil:
		out.LiveDelay = time.Duration(*mpd.SuggestedPresentationDelay)
	default:
		out.LiveDelay = DefaultLiveDelay
	}

	base := resolveBase(manifestURL, mpd.BaseURL)
	var next time.Duration
	for i, mp := range mpd.Periods {
		p := &media.Period{
			ID:       mp.Id,
			Start:    next,
			Document: out.Document,
		}
		if p.ID == "" {
			p.ID = strconv.Itoa(i)
		}
		if mp.Start != nil {
			p.Start = time.Duration(*mp.Start)
		}
		if mp.Duration != nil {
			p.Duration = time.Duration(*mp.Duration)
		}
		out.Periods = append(out.Periods, p)
		next = p.Start + p.Duration
	}
	// Undeclared durations run to the next period, or the presentation end.
	for i, p := range out.Periods {
		if p.Duration > 0 {
			continue
		}
		switch {
		case i+1 < len(out.Periods):
			p.Duration = out.Periods[i+1].Start - p.Start
		case out.Duration > p.Start:
			p.Duration = out.Duration - p.Start
		}
	}

	for i, mp := range mpd.Periods {
		periodBase := resolveBase(base, mp.BaseURLs)
		var periodCPs [][]rawDescriptor
		if i < len(protections.Periods) {
			periodCPs = protections.Periods[i].adaptationSetDescriptors()
		}
		for j, as := range mp.AdaptationSets {
			var cps []rawDescriptor
			if j < len(periodCPs) {
				cps = periodCPs[j]
			}
			md := l.buildMedia(as, j, out.Periods[i], resolveBase(periodBase, as.BaseURLs), cps)
			if md != nil {
				out.Periods[i].Media = append(out.Periods[i].Media, md)
			}
		}
	}

	out.SetPlayClock(out.PlayClock(l.cfg.Now()))
	l.logger.Debug("manifest parsed",
		slog.String("url", observability.RedactURL(manifestURL)),
		slog.Bool("dynamic", out.Document.Dynamic),
		slog.Int("periods", len(out.Periods)),
		slog.Duration("duration", out.Duration),
	)
	return out, nil
}

func (l *Loader) buildMedia(as *m.AdaptationSetType, index int, period *media.Period, base string, cps []rawDescriptor) *media.Media {
	md := &media.Media{
		ID:   strconv.Itoa(index),
		Type: media.ParseMediaType(string(as.ContentType)),
		Lang: as.Lang,
	}
	if as.Id != nil {
		md.ID = strconv.FormatUint(uint64(*as.Id), 10)
	}
	if md.Type == media.MediaTypeUnknown {
		md.Type = media.ParseMediaType(as.MimeType)
	}
	if as.Group != 0 {
		g := as.Group
		md.Group = &g
	}
	for _, r := range as.Roles {
		md.Roles = append(md.Roles, r.Value)
	}
	for _, cp := range cps {
		md.ContentProtections = append(md.ContentProtections, media.ContentProtection{
			SchemeIDURI: cp.SchemeIDURI,
			Value:       cp.Value,
			Data:        cp.element(),
		})
	}

	for _, rep := range as.Representations {
		if md.Type == media.MediaTypeUnknown {
			md.Type = media.ParseMediaType(rep.MimeType)
		}
		if md.Type == media.MediaTypeUnknown {
			md.Type = mediaTypeOfCodecs(firstNonEmpty(rep.Codecs, as.Codecs))
		}
		r, err := l.buildRepresentation(as, rep, period, resolveBase(base, rep.BaseURLs))
		if err != nil {
			l.logger.Warn("skipping representation",
				slog.String("period_id", period.ID),
				slog.String("media_id", md.ID),
				slog.String("representation_id", rep.Id),
				slog.String("error", err.Error()),
			)
			continue
		}
		md.Representations = append(md.Representations, r)
	}
	if len(md.Representations) == 0 {
		l.logger.Warn("skipping adaptation set without usable representations",
			slog.String("period_id", period.ID),
			slog.String("media_id", md.ID),
		)
		return nil
	}
	return md
}

func (l *Loader) buildRepresentation(as *m.AdaptationSetType, rep *m.RepresentationType, period *media.Period, base string) (*media.Representation, error) {
	r := &media.Representation{
		ID:          rep.Id,
		Bandwidth:   uint64(rep.Bandwidth),
		Width:       int(firstNonZero(rep.Width, as.Width)),
		Height:      int(firstNonZero(rep.Height, as.Height)),
		NumChannels: channels(rep.AudioChannelConfigurations),
		Codecs:      firstNonEmpty(rep.Codecs, as.Codecs),
		MimeType:    firstNonEmpty(rep.MimeType, as.MimeType),
	}
	if r.NumChannels == 0 {
		r.NumChannels = channels(as.AudioChannelConfigurations)
	}

	logger := observability.WithStreamType(l.logger, string(media.ParseMediaType(r.MimeType)))
	switch {
	case rep.SegmentTemplate != nil || as.SegmentTemplate != nil:
		st := rep.SegmentTemplate
		if st == nil {
			st = as.SegmentTemplate
		}
		idx, err := l.templateStream(st, r, period, base, logger)
		if err != nil {
			return nil, err
		}
		r.Segments = idx
	case rep.SegmentList != nil || as.SegmentList != nil:
		return nil, fmt.Errorf("%w: SegmentList", ErrUnsupportedAddressing)
	default:
		sb := rep.SegmentBase
		if sb == nil {
			sb = as.SegmentBase
		}
		idx, err := l.baseStream(sb, period, base, logger)
		if err != nil {
			return nil, err
		}
		r.Segments = idx
	}
	return r, nil
}

func (l *Loader) templateStream(st *m.SegmentTemplateType, r *media.Representation, period *media.Period, base string, logger *slog.Logger) (*segindex.TemplateStream, error) {
	cfg := segindex.TemplateStreamConfig{
		RepresentationID: r.ID,
		Bandwidth:        r.Bandwidth,
		BaseURL:          base,
		Initialization:   st.Initialization,
		Media:            st.Media,
		Timescale:        st.GetTimescale(),
		StartNumber:      1,
		Duration:         period.Duration,
		Logger:           logger,
		Now:              l.cfg.Now,
	}
	if st.StartNumber != nil {
		cfg.StartNumber = *st.StartNumber
	}
	if st.PresentationTimeOffset != nil {
		cfg.PresentationTimeOffset = *st.PresentationTimeOffset
	}
	switch {
	case st.SegmentTimeline != nil:
		start, d, n, err := uniformTimeline(st.SegmentTimeline.S)
		if err != nil {
			return nil, err
		}
		cfg.SegmentDuration = d
		cfg.PresentationTimeOffset = start
		if n > 0 && cfg.Timescale > 0 {
			cfg.Duration = time.Duration(float64(n*d) / float64(cfg.Timescale) * float64(time.Second))
		}
	case st.Duration != nil:
		cfg.SegmentDuration = uint64(*st.Duration)
	}
	return segindex.NewTemplateStream(cfg)
}

// uniformTimeline reads a SegmentTimeline whose segments all have the same
// duration and follow each other without gaps. n is zero when the last entry
// repeats to the end of the period.
func uniformTimeline(entries []*m.S) (start, d, n uint64, err error) {
	if len(entries) == 0 {
		return 0, 0, 0, fmt.Errorf("%w: empty SegmentTimeline", ErrUnsupportedAddressing)
	}
	var t uint64
	for i, s := range entries {
		if s.T != nil {
			if i > 0 && *s.T != t {
				return 0, 0, 0, fmt.Errorf("%w: SegmentTimeline with gaps", ErrUnsupportedAddressing)
			}
			t = *s.T
		}
		if i == 0 {
			start = t
			d = s.D
		} else if s.D != d {
			return 0, 0, 0, fmt.Errorf("%w: SegmentTimeline with varying durations", ErrUnsupportedAddressing)
		}
		if s.R < 0 {
			if i != len(entries)-1 {
				return 0, 0, 0, fmt.Errorf("%w: open repeat before the last entry", ErrUnsupportedAddressing)
			}
			return start, d, 0, nil
		}
		count := uint64(s.R) + 1
		n += count
		t += count * s.D
	}
	if d == 0 {
		return 0, 0, 0, fmt.Errorf("%w: zero segment duration", ErrUnsupportedAddressing)
	}
	return start, d, n, nil
}

func (l *Loader) baseStream(sb *m.SegmentBaseType, period *media.Period, base string, logger *slog.Logger) (*segindex.BaseStream, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: no BaseURL", ErrUnsupportedAddressing)
	}
	cfg := segindex.BaseStreamConfig{
		Media:      &media.Segment{URL: base, Period: media.TimeRange{Duration: period.Duration}},
		Downloader: fetcher.IndexDownloader{Downloader: l.cfg.Downloader},
		Logger:     logger,
	}
	if sb == nil {
		return segindex.NewBaseStream(cfg), nil
	}

	if sb.PresentationTimeOffset != nil {
		cfg.PresentationTimeOffset = *sb.PresentationTimeOffset
	}
	if sb.Initialization != nil {
		initURL := base
		if src := string(sb.Initialization.SourceURL); src != "" {
			initURL = urlutil.Resolve(base, src)
		}
		initSeg := &media.Segment{URL: initURL}
		if sb.Initialization.Range != "" {
			br, err := media.ParseByteRange(sb.Initialization.Range)
			if err != nil {
				return nil, fmt.Errorf("initialization range: %w", err)
			}
			initSeg.Range = &br
		}
		cfg.Init = initSeg
	}
	if sb.IndexRange != "" {
		br, err := media.ParseByteRange(sb.IndexRange)
		if err != nil {
			return nil, fmt.Errorf("index range: %w", err)
		}
		cfg.Index = &media.Segment{URL: base, Range: &br}
	}
	return segindex.NewBaseStream(cfg), nil
}

func resolveBase(base string, refs []*m.BaseURLType) string {
	if len(refs) == 0 {
		return base
	}
	return urlutil.Resolve(base, strings.TrimSpace(string(refs[0].Value)))
}

// mediaTypeOfCodecs infers the content type of a representation that
// declares neither contentType nor a usable mimeType.
func mediaTypeOfCodecs(codecs string) media.MediaType {
	switch codec.KindOf(codecs) {
	case codec.KindVideo:
		return media.MediaTypeVideo
	case codec.KindAudio:
		return media.MediaTypeAudio
	case codec.KindText:
		return media.MediaTypeText
	default:
		return media.MediaTypeUnknown
	}
}

func channels(configs []*m.DescriptorType) int {
	for _, c := range configs {
		if n, err := strconv.Atoi(strings.TrimSpace(c.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func firstNonZero(a, b uint32) uint32 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// rawDescriptor is a ContentProtection element kept as written, since DRM
// systems put vendor elements inside it that the MPD model drops.
type rawDescriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	Inner       string `xml:",innerxml"`
}

// element re-wraps the descriptor body in a ContentProtection element.
func (d rawDescriptor) element() string {
	var b strings.Builder
	b.WriteString(`<ContentProtection schemeIdUri="`)
	xml.EscapeText(&b, []byte(d.SchemeIDURI))
	b.WriteString(`">`)
	b.WriteString(d.Inner)
	b.WriteString(`</ContentProtection>`)
	return b.String()
}

type rawAdaptationSet struct {
	ContentProtections []rawDescriptor `xml:"ContentProtection"`
	Representations    []struct {
		ContentProtections []rawDescriptor `xml:"ContentProtection"`
	} `xml:"Representation"`
}

type rawPeriod struct {
	AdaptationSets []rawAdaptationSet `xml:"AdaptationSet"`
}

// adaptationSetDescriptors returns the descriptors of each adaptation set,
// followed by those of its representations that the set does not repeat.
func (p rawPeriod) adaptationSetDescriptors() [][]rawDescriptor {
	out := make([][]rawDescriptor, 0, len(p.AdaptationSets))
	for _, as := range p.AdaptationSets {
		cps := append([]rawDescriptor(nil), as.ContentProtections...)
		seen := make(map[string]bool, len(cps))
		for _, cp := range cps {
			seen[cp.SchemeIDURI+"\x00"+cp.Inner] = true
		}
		for _, rep := range as.Representations {
			for _, cp := range rep.ContentProtections {
				key := cp.SchemeIDURI + "\x00" + cp.Inner
				if !seen[key] {
					seen[key] = true
					cps = append(cps, cp)
				}
			}
		}
		out = append(out, cps)
	}
	return out
}

type rawMPD struct {
	Periods []rawPeriod `xml:"Period"`
}

func readContentProtections(data []byte) (rawMPD, error) {
	var raw rawMPD
	if err := xml.Unmarshal(data, &raw); err != nil {
		return rawMPD{}, err
	}
	return raw, nil
}
