package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/dashpipe/internal/config"
	"github.com/jmylchreest/dashpipe/internal/media"
)

func TestPlaybackClock_AdvancesAtRate(t *testing.T) {
	c := newPlaybackClock(10*time.Second, 2)

	assert.Equal(t, 12*time.Second, c.advance(time.Second))
	assert.Equal(t, 12*time.Second, c.Position())
}

func TestPlaybackClock_HoldsWhileBuffering(t *testing.T) {
	c := newPlaybackClock(0, 1)

	c.setBuffering(media.StreamTypeVideo, true)
	c.setBuffering(media.StreamTypeAudio, true)
	assert.Zero(t, c.advance(time.Second))

	c.setBuffering(media.StreamTypeVideo, false)
	assert.Zero(t, c.advance(time.Second), "audio still buffering")

	c.setBuffering(media.StreamTypeAudio, false)
	assert.Equal(t, time.Second, c.advance(time.Second))
}

func TestStreamStats_Record(t *testing.T) {
	var s streamStats
	s.record(media.NewSeekPacket(media.StreamTypeVideo, 1))
	s.record(media.Packet{StreamType: media.StreamTypeVideo, PTS: 2 * time.Second, Data: make([]byte, 10), KeyFrame: true})
	s.record(media.Packet{StreamType: media.StreamTypeVideo, PTS: time.Second, Data: make([]byte, 5)})
	s.record(media.Packet{StreamType: media.StreamTypeVideo, PTS: 4 * time.Second, Data: make([]byte, 1)})
	s.record(media.NewEOSPacket(media.StreamTypeVideo))

	assert.Equal(t, 3, s.packets)
	assert.Equal(t, 1, s.keyFrames)
	assert.Equal(t, 16, s.bytes)
	assert.True(t, s.eos)
	assert.Equal(t, 3*time.Second, s.span())
}

func TestRedactConfig_DropsExtraData(t *testing.T) {
	cfg := redactConfig(media.VideoStreamConfig{Codec: "h264", CodecExtraData: []byte{1, 2}})

	v, ok := cfg.(media.VideoStreamConfig)
	require.True(t, ok)
	assert.Equal(t, "h264", v.Codec)
	assert.Nil(t, v.CodecExtraData)
}

func TestToMap_FormatsDurationsAndSizes(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	m := toMap(cfg)

	fetcherMap, ok := m["fetcher"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "4s", fetcherMap["min_buffer"])

	httpMap, ok := m["http"].(map[string]any)
	require.True(t, ok)
	assert.IsType(t, "", httpMap["max_response_size"])
}

func TestNewHTTPClient_DefaultsUserAgent(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	c := newHTTPClient(cfg.HTTP, nil)
	assert.NotNil(t, c)
}
