// Package pipeline drives one elementary stream of a DASH presentation: it
// selects the representation to play, adapts it to the measured throughput,
// switches representations at segment boundaries and corrects the
// timestamps of the packets the demuxer produces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
	"github.com/jmylchreest/dashpipe/internal/segindex"
)

// minThroughput is the throughput below which no measurement is assumed.
const minThroughput = 0.1

var (
	ErrNilCollaborator       = errors.New("pipeline collaborator is nil")
	ErrNoMedia               = errors.New("no media of stream type")
	ErrStreamIndexOutOfRange = errors.New("stream index out of range")
	ErrMediaTypeMismatch     = errors.New("stream media type does not match pipeline")
	ErrMissingRepresentation = errors.New("pipeline has no representation")
)

// Config configures a MediaPipeline.
type Config struct {
	StreamType media.StreamType
	Fetcher    SegmentFetcher
	Demuxer    DemuxController
	Throughput ThroughputEstimator
	// Handler receives packets and stream events. Defaults to NopHandler.
	Handler EventHandler
	// DisableAdaptive starts the pipeline with bandwidth adaptation off.
	DisableAdaptive bool
	Logger          *slog.Logger
}

// MediaPipeline plays one stream type. Switching operations are serialized
// on an internal mutex; only one stream switch runs at a time.
type MediaPipeline struct {
	st         media.StreamType
	fetcher    SegmentFetcher
	demuxer    DemuxController
	throughput ThroughputEstimator
	handler    EventHandler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	current          *stream
	pending          *stream
	available        []*stream
	started          bool
	adaptiveDisabled bool

	switching atomic.Bool
	ts        *timestampCorrector
}

// New creates a pipeline and registers it as the event handler of its
// fetcher and demuxer.
func New(cfg Config) (*MediaPipeline, error) {
	if cfg.Fetcher == nil || cfg.Demuxer == nil || cfg.Throughput == nil {
		return nil, fmt.Errorf("%w: fetcher, demuxer and throughput estimator are required", ErrNilCollaborator)
	}
	handler := cfg.Handler
	if handler == nil {
		handler = NopHandler{}
	}
	logger := observability.WithStreamType(
		observability.WithComponent(observability.OrDefault(cfg.Logger), "pipeline"),
		cfg.StreamType.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p := &MediaPipeline{
		st:               cfg.StreamType,
		fetcher:          cfg.Fetcher,
		demuxer:          cfg.Demuxer,
		throughput:       cfg.Throughput,
		handler:          handler,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		adaptiveDisabled: cfg.DisableAdaptive,
		ts:               newTimestampCorrector(),
	}
	p.fetcher.SetEventHandler(fetcherEvents{p})
	p.demuxer.SetEventHandler(demuxerEvents{p: p})
	return p, nil
}

// StreamType returns the stream type the pipeline plays.
func (p *MediaPipeline) StreamType() media.StreamType {
	return p.st
}

// EnableAdaptiveStreaming turns bandwidth adaptation on or off.
func (p *MediaPipeline) EnableAdaptiveStreaming(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adaptiveDisabled = !enabled
}

// Representation returns the representation that is playing, or about to
// play when a switch is pending.
func (p *MediaPipeline) Representation() *media.Representation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.activeLocked(); s != nil {
		return s.rep
	}
	return nil
}

func (p *MediaPipeline) activeLocked() *stream {
	if p.pending != nil {
		return p.pending
	}
	return p.current
}

// UpdateMedia applies a (re)loaded period. A playing representation that is
// still present keeps playing. Otherwise the default media's lowest-bandwidth
// representation is prepared and staged for the next switch.
func (p *MediaPipeline) UpdateMedia(ctx context.Context, period *media.Period) error {
	candidates := period.MediaOfType(p.st.MediaType())
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %s in period %q", ErrNoMedia, p.st, period.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		if found := findStream(candidates, p.current.media.ID, p.current.rep.ID); found != nil {
			p.available = availableStreams(found.media, candidates)
			p.current = found
			p.fetcher.UpdateRepresentation(found.rep)
			p.logger.Debug("manifest updated, keeping representation",
				slog.String("media_id", found.media.ID),
				slog.String("representation_id", found.rep.ID),
			)
			return nil
		}
	}

	def := defaultMedia(candidates)
	p.available = availableStreams(def, candidates)
	p.pending = p.tryPrepareAndStage(ctx, lowestBandwidth(def))
	if p.pending != nil {
		p.logger.Info("staged initial representation",
			slog.String("media_id", def.ID),
			slog.String("representation_id", p.pending.rep.ID),
			slog.Uint64("bandwidth", p.pending.rep.Bandwidth),
		)
	}
	return nil
}

// tryPrepareAndStage prepares the candidate's segment index and returns it,
// or nil when preparation fails.
func (p *MediaPipeline) tryPrepareAndStage(ctx context.Context, candidate *stream) *stream {
	if candidate == nil {
		return nil
	}
	if err := candidate.rep.Segments.PrepareStream(ctx); err != nil {
		p.logger.Error("failed to prepare representation",
			slog.String("representation_id", candidate.rep.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return candidate
}

// AdaptToNetConditions stages the best representation for the measured
// throughput: the highest bandwidth not above it, or the lowest available.
func (p *MediaPipeline) AdaptToNetConditions(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adaptiveDisabled || len(p.available) == 0 {
		return
	}
	active := p.activeLocked()
	if active == nil || !active.rep.HasBandwidth() {
		return
	}
	throughput := p.throughput.AverageThroughput()
	if math.Abs(throughput) < minThroughput {
		return
	}

	chosen := selectForThroughput(p.available, throughput)
	if chosen.rep.Bandwidth == active.rep.Bandwidth {
		return
	}
	p.logger.Info("adapting to network conditions",
		slog.Float64("throughput", throughput),
		slog.String("from", active.rep.ID),
		slog.Uint64("from_bandwidth", active.rep.Bandwidth),
		slog.String("to", chosen.rep.ID),
		slog.Uint64("to_bandwidth", chosen.rep.Bandwidth),
	)
	p.pending = p.tryPrepareAndStage(ctx, chosen)
}

// StreamsDescription lists the selectable streams. IDs are the indexes
// ChangeStream accepts.
func (p *MediaPipeline) StreamsDescription() []media.StreamDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.StreamDescription, 0, len(p.available))
	for i, s := range p.available {
		out = append(out, media.StreamDescription{
			ID:          i,
			Description: describe(s),
			StreamType:  p.st,
			Default:     s.is(p.current),
		})
	}
	return out
}

// Start begins playback of the staged representation.
func (p *MediaPipeline) Start(ctx context.Context) {
	p.SwitchStreamIfNeeded(ctx)
	p.Resume()
}

// Resume restarts the current representation after Pause.
func (p *MediaPipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(nil)
}

// Pause stops downloading and drops buffered data. A pending switch is
// discarded.
func (p *MediaPipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.resetLocked()
}

// Stop ends playback and forgets the start alignment trim. A pending switch
// is discarded.
func (p *MediaPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	if !p.started {
		return
	}
	p.fetcher.Stop()
	p.resetDemuxerLocked()
	p.ts.clearTrim()
	p.started = false
}

// Seek moves playback to t. The fetcher may round t to a segment boundary;
// the position actually used is returned. A seek packet carrying seekID is
// emitted before any packet from the new position.
func (p *MediaPipeline) Seek(t time.Duration, seekID uint32) time.Duration {
	pos := p.fetcher.Seek(t)
	p.ts.seek(pos, func() {
		p.handler.OnPacketReady(media.NewSeekPacket(p.st, seekID))
	})
	p.logger.Debug("seek",
		slog.Duration("requested", t),
		slog.Duration("position", pos),
		slog.Uint64("seek_id", uint64(seekID)),
	)
	return pos
}

// OnTimeUpdated forwards the playback clock to the fetcher.
func (p *MediaPipeline) OnTimeUpdated(t time.Duration) {
	p.fetcher.OnTimeUpdated(t)
}

// Close stops the pipeline and waits for background switches to finish.
func (p *MediaPipeline) Close() {
	p.cancel()
	p.wg.Wait()
	p.Stop()
	if c, ok := p.demuxer.(interface{ Close() }); ok {
		c.Close()
	}
}

// startLocked starts playback, switching to next when it is non-nil.
func (p *MediaPipeline) startLocked(next *stream) {
	if p.started {
		return
	}
	if next != nil {
		p.current = next
		p.fetcher.UpdateRepresentation(next.rep)
		p.publishDRMsLocked(next)
	}
	if p.current == nil {
		return
	}
	var trim time.Duration
	if a, ok := p.current.rep.Alignment(); ok {
		trim = a.TrimOffset
	}
	p.ts.initTrim(trim)

	p.demuxer.StartForEs()
	p.fetcher.Start(p.ctx, next != nil)
	p.started = true
	p.logger.Info("pipeline started",
		slog.String("media_id", p.current.media.ID),
		slog.String("representation_id", p.current.rep.ID),
		slog.Bool("full_init", next != nil),
	)
}

func (p *MediaPipeline) resetLocked() {
	if !p.started {
		return
	}
	p.fetcher.Reset()
	p.resetDemuxerLocked()
	p.started = false
}

// resetDemuxerLocked drops everything the demuxer holds. Packets it is
// emitting right now belong to the old epoch and never reach the handler,
// so nothing from before a reset can follow a later seek packet.
func (p *MediaPipeline) resetDemuxerLocked() {
	p.demuxer.SetEventHandler(demuxerEvents{p: p, epoch: p.ts.nextEpoch()})
	p.demuxer.Reset()
}

// flushLocked stops downloading and waits for the demuxer to emit
// everything already downloaded.
func (p *MediaPipeline) flushLocked(ctx context.Context) {
	if !p.started {
		return
	}
	p.fetcher.Reset()
	if err := p.demuxer.Flush(ctx); err != nil {
		p.logger.Warn("demuxer flush interrupted", slog.String("error", err.Error()))
	}
	p.started = false
}

func (p *MediaPipeline) publishDRMsLocked(s *stream) {
	drms := parseDRMs(s.media, p.st, p.logger)
	for _, d := range drms.initData {
		p.handler.OnDRMInitDataFound(d)
	}
	for _, d := range drms.descriptions {
		p.handler.OnSetDRMConfiguration(d)
	}
}

// SwitchStreamIfNeeded commits a staged representation. The first commit
// starts playback. Later ones wait for the fetcher to reach a segment
// boundary and for adaptation to be enabled, then flush the old
// representation through the demuxer before starting the new one. Calls
// made while a switch is running return immediately.
func (p *MediaPipeline) SwitchStreamIfNeeded(ctx context.Context) {
	if !p.switching.CompareAndSwap(false, true) {
		return
	}
	defer p.switching.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return
	}
	if p.current == nil {
		p.startLocked(p.pending)
		p.pending = nil
		return
	}
	if !p.fetcher.CanStreamSwitch() || p.adaptiveDisabled {
		return
	}
	p.logger.Info("switching representation",
		slog.String("from", p.current.rep.ID),
		slog.String("to", p.pending.rep.ID),
	)
	p.flushLocked(ctx)
	p.startLocked(p.pending)
	p.pending = nil
}

// ChangeStream switches to the stream with the given StreamsDescription ID
// and turns adaptation off. The switch runs in the background; an index
// whose representation cannot be prepared is ignored.
func (p *MediaPipeline) ChangeStream(ctx context.Context, id int) error {
	p.mu.Lock()
	if id < 0 || id >= len(p.available) {
		n := len(p.available)
		p.mu.Unlock()
		return fmt.Errorf("%w: %d not in [0, %d)", ErrStreamIndexOutOfRange, id, n)
	}
	target := p.available[id]
	p.mu.Unlock()

	if target.media.Type != p.st.MediaType() {
		return fmt.Errorf("%w: %s stream for %s pipeline", ErrMediaTypeMismatch, target.media.Type, p.st)
	}
	if p.tryPrepareAndStage(ctx, target) == nil {
		p.logger.Warn("ignoring stream change, representation could not be prepared",
			slog.Int("id", id),
			slog.String("representation_id", target.rep.ID),
		)
		return nil
	}

	p.mu.Lock()
	p.adaptiveDisabled = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Info("changing stream",
			slog.Int("id", id),
			slog.String("representation_id", target.rep.ID),
		)
		p.flushLocked(p.ctx)
		p.pending = nil
		p.startLocked(target)
	}()
	return nil
}

// SynchronizeWith aligns this pipeline's start segment with peer's so both
// begin at the same presentation time. Both representations record the
// alignment, which takes effect on their next start.
func (p *MediaPipeline) SynchronizeWith(peer *MediaPipeline) error {
	mine := p.Representation()
	theirs := peer.Representation()
	if mine == nil || theirs == nil {
		return fmt.Errorf("%w: %s has representation %t, %s has representation %t",
			ErrMissingRepresentation, p.st, mine != nil, peer.st, theirs != nil)
	}
	a, b, err := segindex.AlignStartSegments(mine.Segments, theirs.Segments)
	if err != nil {
		return fmt.Errorf("aligning %s with %s: %w", p.st, peer.st, err)
	}
	mine.SetAlignment(a)
	theirs.SetAlignment(b)
	p.logger.Info("start segments aligned",
		slog.String("peer", peer.st.String()),
		slog.Uint64("start_segment", uint64(a.StartSegmentID)),
		slog.Uint64("peer_start_segment", uint64(b.StartSegmentID)),
		slog.Duration("trim_offset", a.TrimOffset),
	)
	return nil
}

// fetcherEvents adapts fetcher notifications to the pipeline.
type fetcherEvents struct{ p *MediaPipeline }

func (e fetcherEvents) OnDownloadCompleted(err error) {
	p := e.p
	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.logger.Debug("download cancelled", slog.String("error", err.Error()))
			return
		}
		p.logger.Warn("download failed", slog.String("error", err.Error()))
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	p.AdaptToNetConditions(p.ctx)
	p.SwitchStreamIfNeeded(p.ctx)
	p.fetcher.ScheduleNextSegDownload()
}

func (e fetcherEvents) OnFetchError(reason string) {
	e.p.logger.Error("segment fetch failed", slog.String("reason", reason))
	e.p.handler.OnStreamError(e.p.st, reason)
}

func (e fetcherEvents) OnBufferingStarted() {
	e.p.handler.OnBufferingStarted(e.p.st)
}

func (e fetcherEvents) OnBufferingCompleted() {
	e.p.handler.OnBufferingCompleted(e.p.st)
}

// demuxerEvents adapts demuxer output of one epoch to the pipeline.
type demuxerEvents struct {
	p     *MediaPipeline
	epoch uint64
}

func (e demuxerEvents) OnPacket(pkt media.Packet) {
	e.p.ts.correct(e.epoch, pkt, e.p.logger, e.p.handler.OnPacketReady)
}

func (e demuxerEvents) OnStreamConfig(cfg media.StreamConfig) {
	e.p.handler.OnStreamConfigReady(cfg)
}

func (e demuxerEvents) OnDRMInitData(data media.DRMInitData) {
	data.StreamType = e.p.st
	e.p.handler.OnDRMInitDataFound(data)
}

func (e demuxerEvents) OnDemuxError(reason string) {
	e.p.logger.Error("demux failed", slog.String("reason", reason))
	e.p.handler.OnStreamError(e.p.st, reason)
}
