package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/dashpipe/internal/codec"
	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
)

// maxBoxSize bounds a single box so a corrupt header cannot make the parser
// buffer without limit.
const maxBoxSize = 256 << 20

var (
	// ErrMalformedBox is returned for a box header that cannot be valid.
	ErrMalformedBox = errors.New("malformed box")
	// ErrMalformedInit is returned when the moov box cannot be decoded.
	ErrMalformedInit = errors.New("malformed initialization segment")
	// ErrNoTrack is returned when the init segment has no track of the stream type.
	ErrNoTrack = errors.New("no track for stream type")
	// ErrMalformedFragment is returned when a moof+mdat pair cannot be decoded.
	ErrMalformedFragment = errors.New("malformed fragment")
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// fmp4Parser extracts the samples of one track from a fragmented MP4 byte
// stream. It is not safe for concurrent use.
type fmp4Parser struct {
	streamType media.StreamType
	annexB     bool
	logger     *slog.Logger

	buf  bytes.Buffer
	ftyp []byte

	initDone  bool
	trackID   int
	timescale uint32
	// paramSets are prepended to keyframes in Annex B mode.
	paramSets [][]byte
	nalCodec  bool
	config    media.StreamConfig
}

func newFMP4Parser(st media.StreamType, annexB bool, logger *slog.Logger) *fmp4Parser {
	return &fmp4Parser{streamType: st, annexB: annexB, logger: logger}
}

// reset forgets buffered bytes and the init segment.
func (p *fmp4Parser) reset() {
	p.buf = bytes.Buffer{}
	p.ftyp = nil
	p.initDone = false
	p.trackID = 0
	p.timescale = 0
	p.paramSets = nil
	p.nalCodec = false
	p.config = nil
}

// discardPartial drops an incomplete trailing box.
func (p *fmp4Parser) discardPartial() {
	if p.buf.Len() > 0 {
		p.logger.Debug("discarding partial box", slog.Int("bytes", p.buf.Len()))
	}
	p.buf = bytes.Buffer{}
}

// write appends data and parses every complete box.
func (p *fmp4Parser) write(data []byte, out Events) error {
	p.buf.Write(data)
	if err := p.parse(out); err != nil {
		p.buf = bytes.Buffer{}
		return err
	}
	return nil
}

// readBoxHeader returns the type and total size of the box at the start of
// b. ok is false while the header is incomplete.
func readBoxHeader(b []byte) (typ string, size uint64, ok bool, err error) {
	if len(b) < 8 {
		return "", 0, false, nil
	}
	size = uint64(binary.BigEndian.Uint32(b[0:4]))
	typ = string(b[4:8])
	header := uint64(8)
	switch size {
	case 0:
		return typ, 0, false, fmt.Errorf("%w: open-ended %s box", ErrMalformedBox, typ)
	case 1:
		if len(b) < 16 {
			return "", 0, false, nil
		}
		size = binary.BigEndian.Uint64(b[8:16])
		header = 16
	}
	if size < header {
		return typ, 0, false, fmt.Errorf("%w: %s box size %d", ErrMalformedBox, typ, size)
	}
	if size > maxBoxSize {
		return typ, 0, false, fmt.Errorf("%w: %s box size %d exceeds limit", ErrMalformedBox, typ, size)
	}
	return typ, size, true, nil
}

func (p *fmp4Parser) parse(out Events) error {
	for {
		data := p.buf.Bytes()
		typ, size, ok, err := readBoxHeader(data)
		if err != nil {
			return err
		}
		if !ok || uint64(len(data)) < size {
			return nil
		}

		if typ == "moof" {
			mdatType, mdatSize, ok, err := readBoxHeader(data[size:])
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if mdatType != "mdat" {
				p.logger.Warn("moof not followed by mdat", slog.String("next_box", mdatType))
				p.buf.Next(int(size))
				continue
			}
			total := size + mdatSize
			if uint64(len(data)) < total {
				return nil
			}
			fragment := bytes.Clone(data[:total])
			p.buf.Next(int(total))
			if err := p.parseFragment(fragment, out); err != nil {
				return err
			}
			continue
		}

		box := bytes.Clone(data[:size])
		p.buf.Next(int(size))

		switch typ {
		case "ftyp":
			p.ftyp = box
		case "moov":
			if err := p.parseInit(box, out); err != nil {
				return err
			}
		case "mdat":
			p.logger.Warn("mdat without moof", slog.Int("size", len(box)))
		default:
			// styp, sidx, emsg, free and friends carry nothing we deliver.
			p.logger.Log(context.Background(), observability.LevelTrace, "skipping box",
				slog.String("type", typ),
				slog.Int("size", len(box)),
			)
		}
	}
}

// parseInit decodes the moov box, selects the track of the parser's stream
// type and reports its configuration and protection data.
func (p *fmp4Parser) parseInit(moov []byte, out Events) error {
	psshs, err := psshFromMoov(moov)
	if err != nil {
		p.logger.Warn("reading protection boxes failed", slog.String("error", err.Error()))
	}
	for _, d := range psshs {
		d.StreamType = p.streamType
		out.OnDRMInitData(d)
	}

	payload := moov
	if p.ftyp != nil {
		payload = append(bytes.Clone(p.ftyp), moov...)
	}
	var initSeg fmp4.Init
	if err := initSeg.Unmarshal(bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedInit, err)
	}

	track := p.selectTrack(initSeg.Tracks)
	if track == nil {
		return fmt.Errorf("%w: %s among %d tracks", ErrNoTrack, p.streamType, len(initSeg.Tracks))
	}

	p.trackID = track.ID
	p.timescale = track.TimeScale
	if p.timescale == 0 {
		p.timescale = 90000
	}
	p.paramSets, p.nalCodec = parameterSets(track.Codec)
	p.initDone = true

	cfg := p.describe(track.Codec)
	if p.config == nil || !sameConfig(p.config, cfg) {
		p.config = cfg
		p.logger.Info("stream configuration",
			slog.Int("track_id", track.ID),
			slog.Uint64("timescale", uint64(track.TimeScale)),
			slog.Any("config", cfg),
		)
		out.OnStreamConfig(cfg)
	}
	return nil
}

func (p *fmp4Parser) selectTrack(tracks []*fmp4.InitTrack) *fmp4.InitTrack {
	for _, t := range tracks {
		switch p.streamType {
		case media.StreamTypeVideo:
			if isVideoCodec(t.Codec) {
				return t
			}
		case media.StreamTypeAudio:
			if isAudioCodec(t.Codec) {
				return t
			}
		}
	}
	return nil
}

func isVideoCodec(c mp4.Codec) bool {
	switch c.(type) {
	case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecAV1, *mp4.CodecVP9:
		return true
	}
	return false
}

func isAudioCodec(c mp4.Codec) bool {
	switch c.(type) {
	case *mp4.CodecMPEG4Audio, *mp4.CodecOpus, *mp4.CodecAC3, *mp4.CodecEAC3, *mp4.CodecMPEG1Audio:
		return true
	}
	return false
}

// parameterSets returns the NAL units prepended to keyframes and whether
// the codec carries length-prefixed NAL units at all.
func parameterSets(c mp4.Codec) ([][]byte, bool) {
	switch v := c.(type) {
	case *mp4.CodecH264:
		return [][]byte{v.SPS, v.PPS}, true
	case *mp4.CodecH265:
		return [][]byte{v.VPS, v.SPS, v.PPS}, true
	}
	return nil, false
}

func (p *fmp4Parser) describe(c mp4.Codec) media.StreamConfig {
	switch v := c.(type) {
	case *mp4.CodecH264:
		cfg := media.VideoStreamConfig{Codec: codec.VideoH264.String(), CodecExtraData: joinAnnexB(v.SPS, v.PPS)}
		if len(v.SPS) > 1 {
			cfg.CodecProfile = int(v.SPS[1])
		}
		var sps h264.SPS
		if err := sps.Unmarshal(v.SPS); err == nil {
			cfg.Width = sps.Width()
			cfg.Height = sps.Height()
		} else {
			p.logger.Debug("h264 sps not parsed", slog.String("error", err.Error()))
		}
		return cfg
	case *mp4.CodecH265:
		cfg := media.VideoStreamConfig{Codec: codec.VideoH265.String(), CodecExtraData: joinAnnexB(v.VPS, v.SPS, v.PPS)}
		var sps h265.SPS
		if err := sps.Unmarshal(v.SPS); err == nil {
			cfg.Width = sps.Width()
			cfg.Height = sps.Height()
		} else {
			p.logger.Debug("h265 sps not parsed", slog.String("error", err.Error()))
		}
		return cfg
	case *mp4.CodecAV1:
		return media.VideoStreamConfig{Codec: codec.VideoAV1.String(), CodecExtraData: bytes.Clone(v.SequenceHeader)}
	case *mp4.CodecVP9:
		return media.VideoStreamConfig{
			Codec:        codec.VideoVP9.String(),
			CodecProfile: int(v.Profile),
			Width:        int(v.Width),
			Height:       int(v.Height),
		}
	case *mp4.CodecMPEG4Audio:
		cfg := media.AudioStreamConfig{
			Codec:        codec.AudioAAC.String(),
			SampleRate:   v.Config.SampleRate,
			ChannelCount: v.Config.ChannelCount,
		}
		if extra, err := v.Config.Marshal(); err == nil {
			cfg.CodecExtraData = extra
		}
		return cfg
	case *mp4.CodecOpus:
		return media.AudioStreamConfig{Codec: codec.AudioOpus.String(), SampleRate: 48000, ChannelCount: int(v.ChannelCount)}
	case *mp4.CodecAC3:
		return media.AudioStreamConfig{Codec: codec.AudioAC3.String(), SampleRate: int(v.SampleRate), ChannelCount: int(v.ChannelCount)}
	case *mp4.CodecEAC3:
		return media.AudioStreamConfig{Codec: codec.AudioEAC3.String()}
	case *mp4.CodecMPEG1Audio:
		return media.AudioStreamConfig{Codec: codec.AudioMP3.String()}
	}
	return nil
}

func sameConfig(a, b media.StreamConfig) bool {
	switch x := a.(type) {
	case media.VideoStreamConfig:
		y, ok := b.(media.VideoStreamConfig)
		return ok && x.Equal(y)
	case media.AudioStreamConfig:
		y, ok := b.(media.AudioStreamConfig)
		return ok && x.Equal(y)
	}
	return false
}

// parseFragment emits the samples of the selected track.
func (p *fmp4Parser) parseFragment(fragment []byte, out Events) error {
	if !p.initDone {
		p.logger.Warn("fragment received before init", slog.Int("size", len(fragment)))
		return nil
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(fragment); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFragment, err)
	}

	for _, part := range parts {
		for _, track := range part.Tracks {
			if track.ID == p.trackID {
				p.emitSamples(track, out)
			}
		}
	}
	return nil
}

func (p *fmp4Parser) emitSamples(track *fmp4.PartTrack, out Events) {
	baseTime := track.BaseTime
	video := p.streamType == media.StreamTypeVideo

	for i, sample := range track.Samples {
		dts := ticksToDuration(baseTime, p.timescale)
		pts := dts + time.Duration(int64(sample.PTSOffset)*int64(time.Second)/int64(p.timescale))

		// Every segment starts at a stream access point.
		keyFrame := !sample.IsNonSyncSample || !video || i == 0

		data := sample.Payload
		if p.annexB && p.nalCodec {
			data = toAnnexB(sample.Payload, keyFrame, p.paramSets)
		}

		out.OnPacket(media.Packet{
			StreamType: p.streamType,
			Kind:       media.PacketData,
			PTS:        pts,
			DTS:        dts,
			Duration:   ticksToDuration(uint64(sample.Duration), p.timescale),
			KeyFrame:   keyFrame,
			Data:       data,
		})

		baseTime += uint64(sample.Duration)
	}

	p.logger.Log(context.Background(), observability.LevelTrace, "fragment demuxed",
		slog.Int("samples", len(track.Samples)),
		slog.Uint64("base_time", track.BaseTime),
	)
}

// toAnnexB rewrites 4-byte length-prefixed NAL units with start codes and
// prepends the parameter sets to keyframes.
func toAnnexB(payload []byte, keyFrame bool, paramSets [][]byte) []byte {
	var out bytes.Buffer
	if keyFrame {
		for _, ps := range paramSets {
			if len(ps) > 0 {
				out.Write(annexBStartCode)
				out.Write(ps)
			}
		}
	}

	offset := 0
	for offset+4 <= len(payload) {
		nalLen := int(binary.BigEndian.Uint32(payload[offset:]))
		offset += 4
		if nalLen < 0 || offset+nalLen > len(payload) {
			break
		}
		out.Write(annexBStartCode)
		out.Write(payload[offset : offset+nalLen])
		offset += nalLen
	}
	return out.Bytes()
}

func joinAnnexB(units ...[]byte) []byte {
	var out bytes.Buffer
	for _, u := range units {
		if len(u) > 0 {
			out.Write(annexBStartCode)
			out.Write(u)
		}
	}
	return out.Bytes()
}

func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	ts := uint64(timescale)
	whole := ticks / ts
	rem := ticks % ts
	return time.Duration(whole)*time.Second + time.Duration(rem*uint64(time.Second)/ts)
}
