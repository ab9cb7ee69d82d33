package media

import (
	"bytes"
	"fmt"
)

// StreamConfig describes the codec parameters of an elementary stream.
type StreamConfig interface {
	StreamType() StreamType
}

// AudioStreamConfig describes an audio elementary stream.
type AudioStreamConfig struct {
	Codec          string
	SampleRate     int
	ChannelCount   int
	BitsPerChannel int
	BitRate        uint64
	CodecExtraData []byte
}

// StreamType implements StreamConfig.
func (AudioStreamConfig) StreamType() StreamType { return StreamTypeAudio }

// Equal reports whether both configs describe the same stream.
func (c AudioStreamConfig) Equal(o AudioStreamConfig) bool {
	return c.Codec == o.Codec &&
		c.SampleRate == o.SampleRate &&
		c.ChannelCount == o.ChannelCount &&
		c.BitsPerChannel == o.BitsPerChannel &&
		c.BitRate == o.BitRate &&
		bytes.Equal(c.CodecExtraData, o.CodecExtraData)
}

// VideoStreamConfig describes a video elementary stream.
type VideoStreamConfig struct {
	Codec          string
	CodecProfile   int
	Width          int
	Height         int
	FrameRateNum   int
	FrameRateDen   int
	BitRate        uint64
	CodecExtraData []byte
}

// StreamType implements StreamConfig.
func (VideoStreamConfig) StreamType() StreamType { return StreamTypeVideo }

// Equal reports whether both configs describe the same stream, codec extra data included.
func (c VideoStreamConfig) Equal(o VideoStreamConfig) bool {
	return c.Codec == o.Codec &&
		c.CodecProfile == o.CodecProfile &&
		c.Width == o.Width &&
		c.Height == o.Height &&
		c.FrameRateNum == o.FrameRateNum &&
		c.FrameRateDen == o.FrameRateDen &&
		c.BitRate == o.BitRate &&
		bytes.Equal(c.CodecExtraData, o.CodecExtraData)
}

// FrameRate returns the frame rate in frames per second, 0 when unknown.
func (c VideoStreamConfig) FrameRate() float64 {
	if c.FrameRateDen == 0 {
		return 0
	}
	return float64(c.FrameRateNum) / float64(c.FrameRateDen)
}

func (c VideoStreamConfig) String() string {
	return fmt.Sprintf("%s %dx%d", c.Codec, c.Width, c.Height)
}

// SubtitleStreamConfig describes a subtitle stream.
type SubtitleStreamConfig struct {
	Codec string
	Lang  string
}

// StreamType implements StreamConfig.
func (SubtitleStreamConfig) StreamType() StreamType { return StreamTypeSubtitle }
