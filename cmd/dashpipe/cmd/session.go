package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/dashpipe/internal/config"
	"github.com/jmylchreest/dashpipe/internal/demux"
	"github.com/jmylchreest/dashpipe/internal/fetcher"
	"github.com/jmylchreest/dashpipe/internal/manifest"
	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
	"github.com/jmylchreest/dashpipe/internal/pipeline"
	"github.com/jmylchreest/dashpipe/internal/throughput"
	"github.com/jmylchreest/dashpipe/internal/urlutil"
	"github.com/jmylchreest/dashpipe/internal/version"
	"github.com/jmylchreest/dashpipe/pkg/httpclient"
)

// newHTTPClient builds the manifest and segment download client.
func newHTTPClient(cfg config.HTTPConfig, logger *slog.Logger) *httpclient.Client {
	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.RetryAttempts = cfg.RetryAttempts
	hc.RetryDelay = cfg.RetryDelay
	hc.RetryMaxDelay = cfg.RetryMaxDelay
	hc.BackoffMultiplier = cfg.BackoffMultiplier
	hc.CircuitThreshold = cfg.CircuitThreshold
	hc.CircuitTimeout = cfg.CircuitTimeout
	hc.CircuitHalfOpenMax = cfg.CircuitHalfOpenMax
	hc.MaxResponseSize = cfg.MaxResponseSize.Bytes()
	hc.UserAgent = version.UserAgent()
	if cfg.UserAgent != "" {
		hc.UserAgent = cfg.UserAgent
	}
	hc.Logger = observability.WithComponent(observability.OrDefault(logger), "httpclient")
	return httpclient.New(hc)
}

// session is one loaded presentation with a pipeline per playable stream type.
type session struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *httpclient.Client
	manifest   *manifest.Manifest
	period     *media.Period
	estimator  *throughput.Estimator
	streams    []*streamPipeline
	seekID     uint32
}

// streamPipeline is the pipeline of one stream type and the channels it
// publishes on.
type streamPipeline struct {
	st       media.StreamType
	pipeline *pipeline.MediaPipeline
	fetcher  *fetcher.Client
	events   *pipeline.ChannelHandler
	stats    streamStats
}

// openSession loads the MPD at manifestURL and builds a pipeline for every
// configured stream type the playing period carries.
func openSession(ctx context.Context, cfg *config.Config, manifestURL string, logger *slog.Logger) (*session, error) {
	if err := urlutil.ValidateURL(manifestURL); err != nil {
		return nil, err
	}
	httpClient := newHTTPClient(cfg.HTTP, logger)
	downloader := urlutil.NewResourceFetcher(httpClient)
	loader := manifest.NewLoader(manifest.LoaderConfig{
		Downloader: downloader,
		Logger:     logger,
		LiveDelay:  cfg.Player.LiveDelay,
	})
	man, err := loader.Load(ctx, manifestURL)
	if err != nil {
		return nil, err
	}

	start := man.PlayClock(time.Now())
	period, ok := man.PeriodAt(start)
	if !ok {
		return nil, manifest.ErrNoPeriods
	}

	s := &session{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		manifest:   man,
		period:     period,
		estimator:  throughput.NewEstimatorWithConfig(cfg.Throughput.WindowSize, cfg.Throughput.MinSamples),
	}
	for _, name := range cfg.Pipeline.Streams {
		st, err := media.ParseStreamType(name)
		if err != nil {
			s.Close()
			return nil, err
		}
		sp, err := s.newStreamPipeline(ctx, st, downloader)
		if errors.Is(err, pipeline.ErrNoMedia) {
			logger.Info("presentation has no stream of type, skipping", slog.String("stream_type", st.String()))
			continue
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating %s pipeline: %w", st, err)
		}
		s.streams = append(s.streams, sp)
	}
	if len(s.streams) == 0 {
		return nil, fmt.Errorf("%w: none of %v", pipeline.ErrNoMedia, cfg.Pipeline.Streams)
	}
	return s, nil
}

func (s *session) newStreamPipeline(ctx context.Context, st media.StreamType, downloader fetcher.Downloader) (*streamPipeline, error) {
	dmx := demux.New(demux.Config{
		StreamType: st,
		AnnexB:     st == media.StreamTypeVideo,
		Logger:     s.logger,
	})
	f := fetcher.New(fetcher.Config{
		StreamType:        st,
		Downloader:        downloader,
		Sink:              dmx,
		Throughput:        s.estimator,
		MinBuffer:         s.cfg.Fetcher.MinBuffer,
		MaxBuffer:         s.cfg.Fetcher.MaxBuffer,
		MaxSegmentRetries: s.cfg.Fetcher.MaxSegmentRetries,
		Logger:            s.logger,
	})
	events := pipeline.NewChannelHandler(ctx, s.cfg.Pipeline.EventBufferSize)
	p, err := pipeline.New(pipeline.Config{
		StreamType:      st,
		Fetcher:         f,
		Demuxer:         dmx,
		Throughput:      s.estimator,
		Handler:         events,
		DisableAdaptive: !s.cfg.Pipeline.AdaptiveStreaming,
		Logger:          s.logger,
	})
	if err != nil {
		dmx.Close()
		return nil, err
	}
	if err := p.UpdateMedia(ctx, s.period); err != nil {
		p.Close()
		return nil, err
	}
	return &streamPipeline{st: st, pipeline: p, fetcher: f, events: events}, nil
}

// stream returns the pipeline of st, nil when the session has none.
func (s *session) stream(st media.StreamType) *streamPipeline {
	for _, sp := range s.streams {
		if sp.st == st {
			return sp
		}
	}
	return nil
}

// synchronize aligns the video start segment with audio when both play.
func (s *session) synchronize() {
	audio, video := s.stream(media.StreamTypeAudio), s.stream(media.StreamTypeVideo)
	if audio == nil || video == nil {
		return
	}
	if err := video.pipeline.SynchronizeWith(audio.pipeline); err != nil {
		s.logger.Warn("audio and video start segments not aligned", slog.String("error", err.Error()))
	}
}

// begin aligns and starts every pipeline, then seeks to seek when it is
// positive. It returns the position playback starts from. Events must be
// consumed while begin runs.
func (s *session) begin(ctx context.Context, seek time.Duration) time.Duration {
	s.synchronize()
	for _, sp := range s.streams {
		sp.pipeline.Start(ctx)
	}
	if seek > 0 {
		return s.seek(seek)
	}
	return s.manifest.PlayClock(time.Now())
}

// seek moves every pipeline to t. Pipelines are paused first so data queued
// in the demuxers before the seek is dropped rather than delivered as if it
// came from the new position. It returns the first stream's position.
func (s *session) seek(t time.Duration) time.Duration {
	for _, sp := range s.streams {
		sp.pipeline.Pause()
	}
	s.seekID++
	pos := t
	for i, sp := range s.streams {
		p := sp.pipeline.Seek(t, s.seekID)
		if i == 0 {
			pos = p
		}
	}
	for _, sp := range s.streams {
		sp.pipeline.Resume()
	}
	s.logger.Info("seek", slog.Duration("requested", t), slog.Duration("position", pos))
	return pos
}

// Close stops every pipeline.
func (s *session) Close() {
	for _, sp := range s.streams {
		sp.pipeline.Close()
	}
}

// streamStats accumulates what a stream delivered. The media span restarts
// at every seek.
type streamStats struct {
	mu        sync.Mutex
	packets   int
	bytes     int
	keyFrames int
	first     time.Duration
	last      time.Duration
	seen      bool
	eos       bool
}

func (s *streamStats) record(p media.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Kind {
	case media.PacketEOS:
		s.eos = true
		return
	case media.PacketSeek:
		s.seen = false
		return
	}
	s.packets++
	s.bytes += len(p.Data)
	if p.KeyFrame {
		s.keyFrames++
	}
	if !s.seen || p.PTS < s.first {
		s.first = p.PTS
	}
	if !s.seen || p.PTS > s.last {
		s.last = p.PTS
	}
	s.seen = true
}

// span returns the presentation time covered by the recorded packets.
func (s *streamStats) span() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last - s.first
}

// firstPTS returns the earliest presentation time since the last seek.
func (s *streamStats) firstPTS() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, s.seen
}

// playbackClock is the simulated play position. It stands still while any
// stream is buffering.
type playbackClock struct {
	mu        sync.Mutex
	position  time.Duration
	rate      float64
	buffering map[media.StreamType]bool
}

func newPlaybackClock(start time.Duration, rate float64) *playbackClock {
	return &playbackClock{
		position:  start,
		rate:      rate,
		buffering: make(map[media.StreamType]bool),
	}
}

func (c *playbackClock) setBuffering(st media.StreamType, buffering bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buffering {
		c.buffering[st] = true
		return
	}
	delete(c.buffering, st)
}

// advance moves the clock by elapsed wall time scaled by the playback
// rate, unless a stream is buffering, and returns the new position.
func (c *playbackClock) advance(elapsed time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffering) == 0 {
		c.position += time.Duration(float64(elapsed) * c.rate)
	}
	return c.position
}

func (c *playbackClock) moveTo(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = t
}

func (c *playbackClock) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// consume drains the stream's channels until end of stream, a stream error
// or ctx ending.
func (sp *streamPipeline) consume(ctx context.Context, clock *playbackClock, logger *slog.Logger) error {
	logger = observability.WithStreamType(logger, sp.st.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-sp.events.Packets:
			sp.stats.record(pkt)
			if pkt.IsEOS() {
				logger.Info("end of stream")
				clock.setBuffering(sp.st, false)
				return nil
			}
			logger.Log(ctx, observability.LevelTrace, "packet", slog.String("packet", pkt.String()))
		case cfg := <-sp.events.StreamConfigs:
			logger.Info("stream config", slog.String("config", fmt.Sprintf("%+v", redactConfig(cfg))))
		case d := <-sp.events.DRMInitData:
			logger.Info("drm init data",
				slog.String("system_id", hex.EncodeToString(d.SystemID)),
				slog.Int("key_ids", len(d.KeyIDs)),
				slog.Int("size", len(d.InitData)),
			)
		case d := <-sp.events.DRMDescription:
			logger.Info("drm configuration",
				slog.String("scheme", d.Scheme),
				slog.String("licence_url", observability.RedactURL(d.LicenceURL)),
			)
		case b := <-sp.events.Buffering:
			clock.setBuffering(b.StreamType, b.Buffering)
			logger.Debug("buffering",
				slog.Bool("buffering", b.Buffering),
				slog.Duration("buffered_ahead", sp.fetcher.BufferedAhead()),
			)
		case e := <-sp.events.Errors:
			return fmt.Errorf("%s stream: %s", e.StreamType, e.Reason)
		}
	}
}

// redactConfig strips codec extra data, which is noise in logs.
func redactConfig(cfg media.StreamConfig) media.StreamConfig {
	switch c := cfg.(type) {
	case media.AudioStreamConfig:
		c.CodecExtraData = nil
		return c
	case media.VideoStreamConfig:
		c.CodecExtraData = nil
		return c
	default:
		return cfg
	}
}
