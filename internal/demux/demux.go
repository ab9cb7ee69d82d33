// Package demux turns downloaded fragmented MP4 bytes into elementary
// packets, stream configuration and content-protection init data.
package demux

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
)

// Events receives demuxer output. Callbacks run on the demuxer goroutine.
type Events interface {
	OnPacket(p media.Packet)
	OnStreamConfig(cfg media.StreamConfig)
	OnDRMInitData(data media.DRMInitData)
	OnDemuxError(reason string)
}

// Config configures a Controller.
type Config struct {
	StreamType media.StreamType
	// AnnexB converts length-prefixed H.264/H.265 samples to start-code
	// format with parameter sets prepended to keyframes.
	AnnexB bool
	Logger *slog.Logger
}

type itemKind int

const (
	itemChunk itemKind = iota
	itemEOS
	itemFlush
)

type item struct {
	kind itemKind
	gen  uint64
	data []byte
	done chan struct{}
}

// Controller demuxes one elementary stream. Input is queued without
// blocking the producer and consumed by a single goroutine started with
// StartForEs.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	gen atomic.Uint64

	mu      sync.Mutex
	events  Events
	pending []item
	started bool
	closed  bool
	wake    chan struct{}
	stop    chan struct{}

	// Owned by the run goroutine.
	parser    *fmp4Parser
	parserGen uint64
}

// New creates a demux controller.
func New(cfg Config) *Controller {
	logger := observability.WithStreamType(
		observability.WithComponent(observability.OrDefault(cfg.Logger), "demux"),
		cfg.StreamType.String(),
	)
	return &Controller{
		cfg:    cfg,
		logger: logger,
		events: nopEvents{},
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		parser: newFMP4Parser(cfg.StreamType, cfg.AnnexB, logger),
	}
}

// SetEventHandler sets the receiver of demuxer output.
func (c *Controller) SetEventHandler(ev Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev == nil {
		ev = nopEvents{}
	}
	c.events = ev
}

// StartForEs starts consuming queued input. Calling it again is a no-op.
func (c *Controller) StartForEs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	go c.run()
	c.signal()
}

// PushChunk queues downloaded bytes.
func (c *Controller) PushChunk(data []byte) {
	c.enqueue(item{kind: itemChunk, data: data})
}

// PushEOS queues an end-of-stream marker.
func (c *Controller) PushEOS() {
	c.enqueue(item{kind: itemEOS})
}

func (c *Controller) enqueue(it item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	it.gen = c.gen.Load()
	c.pending = append(c.pending, it)
	c.signal()
}

// signal wakes the run goroutine. Must be called with c.mu held.
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Reset drops queued input and parser state. Output of input queued before
// the reset is suppressed even if it is being processed right now.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.releaseFlushesLocked()
	c.pending = nil
	c.signal()
}

// Flush waits until everything queued before the call has been demuxed.
// Returns nil immediately when the controller was never started.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.pending = append(c.pending, item{kind: itemFlush, gen: c.gen.Load(), done: done})
	c.signal()
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run goroutine. Pending flushes are released.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen.Add(1)
	c.releaseFlushesLocked()
	c.pending = nil
	close(c.stop)
}

func (c *Controller) releaseFlushesLocked() {
	for _, it := range c.pending {
		if it.kind == itemFlush {
			close(it.done)
		}
	}
}

func (c *Controller) run() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			it := c.pending[0]
			c.pending[0] = item{}
			c.pending = c.pending[1:]
			ev := c.events
			c.mu.Unlock()

			c.process(it, ev)
		}
	}
}

func (c *Controller) process(it item, ev Events) {
	if it.kind == itemFlush {
		c.parser.discardPartial()
		close(it.done)
		return
	}
	if it.gen != c.gen.Load() {
		return
	}
	if it.gen != c.parserGen {
		c.parser.reset()
		c.parserGen = it.gen
	}

	out := guardedEvents{c: c, gen: it.gen, events: ev}
	switch it.kind {
	case itemChunk:
		if err := c.parser.write(it.data, out); err != nil {
			c.logger.Warn("demux failed",
				slog.Int("chunk_len", len(it.data)),
				slog.String("error", err.Error()),
			)
			out.OnDemuxError(err.Error())
		}
	case itemEOS:
		c.parser.discardPartial()
		c.logger.Debug("end of stream")
		out.OnPacket(media.NewEOSPacket(c.cfg.StreamType))
	}
}

// guardedEvents drops output produced for input that a Reset has since
// invalidated.
type guardedEvents struct {
	c      *Controller
	gen    uint64
	events Events
}

func (g guardedEvents) live() bool { return g.c.gen.Load() == g.gen }

func (g guardedEvents) OnPacket(p media.Packet) {
	if g.live() {
		g.events.OnPacket(p)
	}
}

func (g guardedEvents) OnStreamConfig(cfg media.StreamConfig) {
	if g.live() {
		g.events.OnStreamConfig(cfg)
	}
}

func (g guardedEvents) OnDRMInitData(data media.DRMInitData) {
	if g.live() {
		g.events.OnDRMInitData(data)
	}
}

func (g guardedEvents) OnDemuxError(reason string) {
	if g.live() {
		g.events.OnDemuxError(reason)
	}
}

type nopEvents struct{}

func (nopEvents) OnPacket(media.Packet)             {}
func (nopEvents) OnStreamConfig(media.StreamConfig) {}
func (nopEvents) OnDRMInitData(media.DRMInitData)   {}
func (nopEvents) OnDemuxError(string)               {}
