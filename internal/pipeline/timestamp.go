package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// seekEpsilon is how far before the seek target a first post-seek packet
// may start before its clock is considered broken.
const seekEpsilon = 500 * time.Millisecond

// timestampCorrector rewrites outgoing packet timestamps: it absorbs
// demuxer clock resets, repairs clocks that ignore a seek and removes the
// trim offset agreed during start alignment.
type timestampCorrector struct {
	mu sync.Mutex

	clock      media.PacketTimeStamp
	lastPushed media.PacketTimeStamp

	trimOffset time.Duration
	hasTrim    bool

	// seekPending is set until the first packet after a seek. A fresh
	// corrector behaves as if a seek to zero was requested.
	seekPending bool
	lastSeek    time.Duration

	// epoch identifies the demuxer output currently accepted.
	epoch uint64
}

func newTimestampCorrector() *timestampCorrector {
	return &timestampCorrector{seekPending: true}
}

// initTrim sets the trim offset unless one is already in effect.
func (c *timestampCorrector) initTrim(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasTrim {
		return
	}
	c.trimOffset = d
	c.hasTrim = true
}

// clearTrim forgets the trim offset so the next start picks it up again.
func (c *timestampCorrector) clearTrim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimOffset = 0
	c.hasTrim = false
}

// nextEpoch stops accepting packets of the current epoch and returns the
// new one.
func (c *timestampCorrector) nextEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.epoch
}

// seek records the position the next packet should be near and drops the
// running correction. emit runs under the corrector's lock, which orders it
// before any packet corrected after the seek.
func (c *timestampCorrector) seek(t time.Duration, emit func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeek = t
	c.seekPending = true
	c.clock = media.PacketTimeStamp{}
	emit()
}

// correct returns p with corrected timestamps. emit runs under the lock
// with the corrected packet. Packets of an earlier epoch are dropped; EOS
// and seek packets pass through unchanged.
func (c *timestampCorrector) correct(epoch uint64, p media.Packet, logger *slog.Logger, emit func(media.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		return
	}
	if p.IsEOS() || p.Kind == media.PacketSeek {
		emit(p)
		return
	}

	if !c.seekPending {
		if p.IsZeroClock() {
			c.clock = c.lastPushed
			c.trimOffset = 0
			logger.Info("zero timestamped packet, adjusting clock",
				slog.Duration("clock_pts", c.clock.PTS),
				slog.Duration("clock_dts", c.clock.DTS),
			)
		}
	} else {
		if p.PTS+seekEpsilon < c.lastSeek {
			c.clock = media.TimeStampOf(p).Offset(c.lastSeek)
			logger.Warn("badly timestamped packet after seek, adjusting clock",
				slog.Duration("packet_pts", p.PTS),
				slog.Duration("seek", c.lastSeek),
				slog.Duration("clock_pts", c.clock.PTS),
			)
		}
		c.seekPending = false
	}

	ts := media.TimeStampOf(p).Add(c.clock).Offset(-c.trimOffset)
	if ts.PTS < 0 || ts.DTS < 0 {
		ts = media.PacketTimeStamp{}
	}
	p.PTS = ts.PTS
	p.DTS = ts.DTS
	c.lastPushed = ts

	emit(p)
}
