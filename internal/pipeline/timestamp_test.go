package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/dashpipe/internal/media"
)

func correctAll(c *timestampCorrector, pkts ...media.Packet) []media.Packet {
	var out []media.Packet
	for _, p := range pkts {
		c.correct(c.epoch, p, discardLogger(), func(p media.Packet) { out = append(out, p) })
	}
	return out
}

func pkt(pts, dts time.Duration) media.Packet {
	return media.Packet{StreamType: media.StreamTypeVideo, PTS: pts, DTS: dts}
}

func TestTimestampCorrector_PassThrough(t *testing.T) {
	c := newTimestampCorrector()
	out := correctAll(c, pkt(time.Second, 900*time.Millisecond), pkt(2*time.Second, 1900*time.Millisecond))
	assert.Equal(t, time.Second, out[0].PTS)
	assert.Equal(t, 900*time.Millisecond, out[0].DTS)
	assert.Equal(t, 2*time.Second, out[1].PTS)
}

func TestTimestampCorrector_Trim(t *testing.T) {
	c := newTimestampCorrector()
	c.initTrim(4 * time.Second)
	c.initTrim(time.Second) // already set

	out := correctAll(c, pkt(5*time.Second, 5*time.Second), pkt(3*time.Second, 3*time.Second))
	assert.Equal(t, time.Second, out[0].PTS)
	assert.Equal(t, media.PacketTimeStamp{}, media.TimeStampOf(out[1]), "negative results clamp to zero")

	c.clearTrim()
	c.initTrim(time.Second)
	out = correctAll(c, pkt(5*time.Second, 5*time.Second))
	assert.Equal(t, 4*time.Second, out[0].PTS)
}

func TestTimestampCorrector_ClampsWhenEitherIsNegative(t *testing.T) {
	c := newTimestampCorrector()
	c.initTrim(time.Second)
	out := correctAll(c, pkt(2*time.Second, 500*time.Millisecond))
	assert.Equal(t, media.PacketTimeStamp{}, media.TimeStampOf(out[0]))
}

func TestTimestampCorrector_ZeroClockRecovery(t *testing.T) {
	c := newTimestampCorrector()
	c.initTrim(time.Second)

	out := correctAll(c,
		pkt(10*time.Second, 10*time.Second),
		pkt(11*time.Second, 11*time.Second),
		pkt(0, 0), // demuxer clock reset
		pkt(40*time.Millisecond, 40*time.Millisecond),
	)
	assert.Equal(t, 9*time.Second, out[0].PTS)
	assert.Equal(t, 10*time.Second, out[1].PTS)
	// Continues from the last pushed clock, and the trim is dropped.
	assert.Equal(t, 10*time.Second, out[2].PTS)
	assert.Equal(t, 10*time.Second+40*time.Millisecond, out[3].PTS)
}

func TestTimestampCorrector_FirstPacketZeroIsNotRecovery(t *testing.T) {
	c := newTimestampCorrector()
	out := correctAll(c, pkt(0, 0), pkt(0, 0))
	assert.Equal(t, time.Duration(0), out[0].PTS)
	// The second zero packet triggers recovery onto the last pushed clock of zero.
	assert.Equal(t, time.Duration(0), out[1].PTS)
}

func TestTimestampCorrector_PostSeekRepair(t *testing.T) {
	c := newTimestampCorrector()
	correctAll(c, pkt(time.Second, time.Second))

	emitted := false
	c.seek(30*time.Second, func() { emitted = true })
	assert.True(t, emitted)

	out := correctAll(c, pkt(time.Second, 800*time.Millisecond), pkt(1200*time.Millisecond, time.Second))
	assert.Equal(t, 32*time.Second, out[0].PTS)
	assert.Equal(t, 31*time.Second+600*time.Millisecond, out[0].DTS)
	assert.Equal(t, 200*time.Millisecond, out[1].PTS-out[0].PTS)
}

func TestTimestampCorrector_SeekWithinEpsilonKeepsClock(t *testing.T) {
	c := newTimestampCorrector()
	c.seek(30*time.Second, func() {})

	out := correctAll(c, pkt(29600*time.Millisecond, 29600*time.Millisecond))
	assert.Equal(t, 29600*time.Millisecond, out[0].PTS)
}

func TestTimestampCorrector_SeekResetsRecoveredClock(t *testing.T) {
	c := newTimestampCorrector()
	correctAll(c, pkt(5*time.Second, 5*time.Second), pkt(0, 0))

	c.seek(10*time.Second, func() {})
	out := correctAll(c, pkt(10*time.Second, 10*time.Second), pkt(0, 0))
	assert.Equal(t, 10*time.Second, out[0].PTS)
	// Zero clock after the first post-seek packet is recovered again.
	assert.Equal(t, 10*time.Second, out[1].PTS)
}
