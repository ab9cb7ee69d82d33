// Package fetcher downloads the init and media segments of one
// representation ahead of the play position and hands them to a demuxer.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
)

// Default buffering values.
const (
	DefaultMinBuffer         = 4 * time.Second
	DefaultMaxBuffer         = 20 * time.Second
	DefaultMaxSegmentRetries = 3
)

// ErrNoRepresentation is reported when a download is scheduled before a
// representation is set.
var ErrNoRepresentation = errors.New("no representation set")

// Downloader fetches whole resources and byte ranges.
type Downloader interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	FetchRange(ctx context.Context, url string, low, high uint64) ([]byte, error)
}

// Sink receives downloaded segments in order.
type Sink interface {
	PushChunk(data []byte)
	PushEOS()
}

// ThroughputRecorder is told about every completed download.
type ThroughputRecorder interface {
	Add(n uint64, elapsed time.Duration)
}

// Events are the notifications a Client raises. Download completions are
// reported once per finished download; a download abandoned by Stop, Reset
// or Seek completes with an error matching context.Canceled.
type Events interface {
	OnDownloadCompleted(err error)
	OnFetchError(reason string)
	OnBufferingStarted()
	OnBufferingCompleted()
}

// Config configures a Client.
type Config struct {
	StreamType        media.StreamType
	Downloader        Downloader
	Sink              Sink
	Throughput        ThroughputRecorder
	MinBuffer         time.Duration
	MaxBuffer         time.Duration
	MaxSegmentRetries int
	Logger            *slog.Logger
}

// job is one pending download.
type job struct {
	init    bool
	id      uint32
	segment media.Segment
}

func (j job) String() string {
	if j.init {
		return "init"
	}
	return fmt.Sprintf("segment %d", j.id)
}

// Client downloads the segments of one representation. At most one download
// runs at a time. Stop, Reset and Seek never wait for it: they bump the
// generation and its result is discarded when it lands.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	events  Events
	rep     *media.Representation
	baseCtx context.Context
	running bool

	// initData caches the last init segment so a restart without a full
	// init can replay it.
	initData []byte
	initKey  string
	initSent bool

	positioned bool // false until a start segment has been chosen
	segID      uint32
	haveSegID  bool
	position   time.Duration // end of the last downloaded segment
	playTime   time.Duration
	eos        bool

	inFlight  bool
	gen       uint64
	cancel    context.CancelFunc
	failures  int
	buffering bool

	// notifications queued under mu, run by unlockAndNotify
	notifications []func()
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = DefaultMinBuffer
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	if cfg.MaxBuffer < cfg.MinBuffer {
		cfg.MaxBuffer = cfg.MinBuffer
	}
	if cfg.MaxSegmentRetries <= 0 {
		cfg.MaxSegmentRetries = DefaultMaxSegmentRetries
	}
	logger := observability.WithStreamType(
		observability.WithComponent(observability.OrDefault(cfg.Logger), "fetcher"),
		cfg.StreamType.String(),
	)
	return &Client{cfg: cfg, logger: logger, baseCtx: context.Background()}
}

// SetEventHandler sets the receiver of download notifications.
func (c *Client) SetEventHandler(h Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = h
}

// UpdateRepresentation switches downloads to rep from the current position
// on. The init segment is resent when rep's differs from the one last sent.
func (c *Client) UpdateRepresentation(rep *media.Representation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rep == c.rep {
		return
	}
	c.rep = rep
	c.haveSegID = false
	c.eos = false

	if key := initKey(rep); key != c.initKey {
		c.initKey = key
		c.initData = nil
		c.initSent = false
	}

	c.logger.Debug("representation updated",
		slog.String("representation_id", rep.ID),
		slog.Uint64("bandwidth", rep.Bandwidth),
	)
}

func initKey(rep *media.Representation) string {
	if rep == nil || rep.Segments == nil {
		return ""
	}
	seg := rep.Segments.InitSegment()
	if seg == nil {
		return ""
	}
	if seg.Range != nil {
		return seg.URL + "#" + seg.Range.String()
	}
	return seg.URL
}

// Start begins downloading. With fullInit the init segment is downloaded
// again rather than replayed from cache.
func (c *Client) Start(ctx context.Context, fullInit bool) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.baseCtx = ctx
	c.failures = 0
	c.initSent = false
	if fullInit {
		c.initData = nil
	}
	c.beginBufferingLocked()
	c.unlockAndNotify()

	c.logger.Debug("fetcher started", slog.Bool("full_init", fullInit))
	c.ScheduleNextSegDownload()
}

// Stop ends downloading and forgets the play position.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abortLocked()
	c.running = false
	c.positioned = false
	c.haveSegID = false
	c.position = 0
	c.playTime = 0
	c.eos = false
	c.initSent = false
	c.buffering = false
	c.logger.Debug("fetcher stopped")
}

// Reset ends downloading but keeps the position, so a later Start continues
// after the last downloaded segment.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abortLocked()
	c.running = false
	c.haveSegID = false
	c.initSent = false
	c.buffering = false
	c.logger.Debug("fetcher reset", slog.Duration("position", c.position))
}

// abortLocked cancels the in-flight download without waiting for it.
func (c *Client) abortLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight = false
}

// Seek moves the download position to the segment containing t and returns
// that segment's start time, the time the first delivered packet will carry.
func (c *Client) Seek(t time.Duration) time.Duration {
	c.mu.Lock()
	running := c.running
	c.abortLocked()

	c.playTime = t
	c.positioned = true
	c.eos = false
	c.haveSegID = false
	c.position = t

	start := t
	if c.rep != nil && c.rep.Segments != nil {
		if id, ok := c.rep.Segments.SegmentID(t); ok {
			if r, ok := c.rep.Segments.SegmentTimeRange(id); ok {
				start = r.Start
			}
			c.segID = id
			c.haveSegID = true
			c.position = start
		}
	}
	c.logger.Debug("fetcher seek", slog.Duration("requested", t), slog.Duration("segment_start", start))
	c.mu.Unlock()

	if running {
		c.ScheduleNextSegDownload()
	}
	return start
}

// OnTimeUpdated records the play position. It refills the buffer and
// retries a failed download, and raises buffering-started on underrun.
func (c *Client) OnTimeUpdated(t time.Duration) {
	c.mu.Lock()
	c.playTime = t
	if c.running && !c.eos && c.position <= t {
		c.beginBufferingLocked()
	}
	c.unlockAndNotify()

	c.ScheduleNextSegDownload()
}

// CanStreamSwitch reports whether the fetcher is between segments.
func (c *Client) CanStreamSwitch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inFlight
}

// BufferedAhead returns how far downloads are ahead of the play position.
func (c *Client) BufferedAhead() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.position-c.playTime, 0)
}

// ScheduleNextSegDownload starts the next download unless one is already in
// flight, the fetcher is not running, or the buffer is full.
func (c *Client) ScheduleNextSegDownload() {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if !c.running || c.inFlight || c.eos {
		return
	}
	if c.rep == nil || c.rep.Segments == nil {
		c.logger.Warn("download scheduled without representation", slog.String("error", ErrNoRepresentation.Error()))
		return
	}

	j, ok := c.nextJobLocked()
	if !ok {
		return
	}

	if j.init && c.initData != nil {
		// Replay the cached init segment without touching the network.
		c.cfg.Sink.PushChunk(c.initData)
		c.initSent = true
		j, ok = c.nextJobLocked()
		if !ok {
			return
		}
	}

	if !j.init && c.position-c.playTime >= c.cfg.MaxBuffer {
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	c.inFlight = true
	gen := c.gen
	go c.download(ctx, gen, j)
}

// nextJobLocked picks the next download. It pushes EOS when a static
// presentation has no segments left.
func (c *Client) nextJobLocked() (job, bool) {
	idx := c.rep.Segments

	if !c.initSent {
		if seg := idx.InitSegment(); seg != nil {
			return job{init: true, segment: *seg}, true
		}
		c.initSent = true
	}

	id, ok := c.resolveSegmentLocked()
	if ok {
		if seg, ok := idx.MediaSegment(id); ok {
			return job{id: id, segment: seg}, true
		}
	}

	if idx.Dynamic() {
		// Live edge not reached yet; the next time update tries again.
		return job{}, false
	}
	if ok || c.pastEndLocked() {
		c.eos = true
		c.logger.Debug("end of stream reached", slog.Duration("position", c.position))
		c.cfg.Sink.PushEOS()
		c.maybeEndBufferingLocked()
	}
	return job{}, false
}

func (c *Client) resolveSegmentLocked() (uint32, bool) {
	if c.haveSegID {
		return c.segID, true
	}
	idx := c.rep.Segments
	if !c.positioned {
		if a, ok := c.rep.Alignment(); ok {
			return a.StartSegmentID, true
		}
		return idx.StartSegmentID()
	}
	if c.pastEndLocked() {
		return 0, false
	}
	return idx.SegmentID(c.position)
}

func (c *Client) pastEndLocked() bool {
	dur, ok := c.rep.Segments.Duration()
	return ok && c.positioned && c.position >= dur
}

func (c *Client) download(ctx context.Context, gen uint64, j job) {
	start := time.Now()
	data, err := c.fetch(ctx, j.segment)
	elapsed := time.Since(start)

	c.mu.Lock()
	events := c.events
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding abandoned download", slog.String("job", j.String()))
		if events != nil {
			events.OnDownloadCompleted(fmt.Errorf("%s: %w", j, context.Canceled))
		}
		return
	}
	c.inFlight = false
	c.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			if events != nil {
				events.OnDownloadCompleted(err)
			}
			return
		}
		c.failures++
		c.logger.Warn("segment download failed",
			slog.String("job", j.String()),
			slog.String("url", j.segment.URL),
			slog.Int("failures", c.failures),
			slog.String("error", err.Error()),
		)
		if c.failures < c.cfg.MaxSegmentRetries {
			// Retried on the next time update.
			c.mu.Unlock()
			return
		}
		c.running = false
		c.failures = 0
		c.mu.Unlock()
		if events != nil {
			events.OnFetchError(fmt.Sprintf("%s download failed: %v", j, err))
		}
		return
	}

	c.failures = 0
	if c.cfg.Throughput != nil {
		c.cfg.Throughput.Add(uint64(len(data)), elapsed)
	}

	if j.init {
		c.initData = data
		c.initSent = true
	} else {
		c.positioned = true
		c.segID = j.id + 1
		c.haveSegID = true
		c.position = j.segment.Period.End()
	}

	c.logger.Log(ctx, observability.LevelTrace, "download completed",
		slog.String("job", j.String()),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", elapsed),
	)

	// Pushed under the lock so a newer download can't overtake this one.
	c.cfg.Sink.PushChunk(data)
	c.maybeEndBufferingLocked()
	c.unlockAndNotify()

	if events != nil {
		events.OnDownloadCompleted(nil)
	}
}

func (c *Client) fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	if seg.Range != nil {
		return c.cfg.Downloader.FetchRange(ctx, seg.URL, seg.Range.Low, seg.Range.High)
	}
	return c.cfg.Downloader.Fetch(ctx, seg.URL)
}

// unlockAndNotify releases mu and then runs the queued notifications.
func (c *Client) unlockAndNotify() {
	pending := c.notifications
	c.notifications = nil
	c.mu.Unlock()
	for _, notify := range pending {
		notify()
	}
}

// beginBufferingLocked marks the buffer as refilling.
func (c *Client) beginBufferingLocked() {
	if c.buffering {
		return
	}
	c.buffering = true
	if events := c.events; events != nil {
		c.notifications = append(c.notifications, events.OnBufferingStarted)
	}
}

// maybeEndBufferingLocked ends buffering once MinBuffer is downloaded ahead
// of the play position or the stream has ended.
func (c *Client) maybeEndBufferingLocked() {
	if !c.buffering || (!c.eos && c.position-c.playTime < c.cfg.MinBuffer) {
		return
	}
	c.buffering = false
	if events := c.events; events != nil {
		c.notifications = append(c.notifications, events.OnBufferingCompleted)
	}
}
