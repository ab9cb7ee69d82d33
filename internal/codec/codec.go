// Package codec names the video, audio and subtitle codecs dashpipe
// understands and maps the RFC 6381 codec strings carried by DASH manifests
// ("avc1.64001f", "mp4a.40.2", "stpp") onto them.
package codec

import "strings"

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
	VideoVP9  Video = "vp9"  // VP9
	VideoAV1  Video = "av1"  // AV1
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC  Audio = "aac"  // AAC
	AudioMP3  Audio = "mp3"  // MP3
	AudioAC3  Audio = "ac3"  // Dolby Digital (AC-3)
	AudioEAC3 Audio = "eac3" // Dolby Digital Plus (E-AC-3)
	AudioOpus Audio = "opus" // Opus
	AudioFLAC Audio = "flac" // FLAC
)

// Text represents a subtitle codec.
type Text string

// Subtitle codec constants.
const (
	TextTTML   Text = "ttml"   // TTML in ISOBMFF (stpp)
	TextWebVTT Text = "webvtt" // WebVTT in ISOBMFF (wvtt)
)

func (v Video) String() string { return string(v) }
func (a Audio) String() string { return string(a) }
func (t Text) String() string  { return string(t) }

// Kind is the media kind a codec belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Info describes one parsed codec string.
type Info struct {
	Name string
	Kind Kind
	// Demuxable reports whether fragmented MP4 samples of this codec can be
	// turned into packets.
	Demuxable bool
}

// sampleEntries maps the four-character sample entry prefix of an RFC 6381
// codec string to its codec.
var sampleEntries = map[string]Info{
	"avc1": {Name: string(VideoH264), Kind: KindVideo, Demuxable: true},
	"avc3": {Name: string(VideoH264), Kind: KindVideo, Demuxable: true},
	"hev1": {Name: string(VideoH265), Kind: KindVideo, Demuxable: true},
	"hvc1": {Name: string(VideoH265), Kind: KindVideo, Demuxable: true},
	"vp09": {Name: string(VideoVP9), Kind: KindVideo, Demuxable: true},
	"av01": {Name: string(VideoAV1), Kind: KindVideo, Demuxable: true},
	"mp4a": {Name: string(AudioAAC), Kind: KindAudio, Demuxable: true},
	"ac-3": {Name: string(AudioAC3), Kind: KindAudio, Demuxable: true},
	"ec-3": {Name: string(AudioEAC3), Kind: KindAudio, Demuxable: true},
	"opus": {Name: string(AudioOpus), Kind: KindAudio, Demuxable: true},
	"fLaC": {Name: string(AudioFLAC), Kind: KindAudio},
	"stpp": {Name: string(TextTTML), Kind: KindText},
	"wvtt": {Name: string(TextWebVTT), Kind: KindText},
}

// aliases maps bare codec names to the sample entry they stand for.
var aliases = map[string]string{
	"h264": "avc1",
	"avc":  "avc1",
	"h265": "hvc1",
	"hevc": "hvc1",
	"vp9":  "vp09",
	"av1":  "av01",
	"aac":  "mp4a",
	"ac3":  "ac-3",
	"eac3": "ec-3",
	"flac": "fLaC",
	"ttml": "stpp",
	"vtt":  "wvtt",
}

// Parse describes a single codec string such as "avc1.64001f" or "aac".
// Unknown codecs return the input as Name with KindUnknown.
func Parse(s string) Info {
	s = strings.TrimSpace(s)
	if s == "" {
		return Info{}
	}
	entry, _, _ := strings.Cut(s, ".")
	if info, ok := sampleEntries[entry]; ok {
		return info
	}
	lower := strings.ToLower(entry)
	if info, ok := sampleEntries[lower]; ok {
		return info
	}
	if a, ok := aliases[lower]; ok {
		return sampleEntries[a]
	}
	return Info{Name: s}
}

// ParseList describes every codec of a comma separated codecs attribute.
func ParseList(codecs string) []Info {
	var out []Info
	for _, c := range strings.Split(codecs, ",") {
		if strings.TrimSpace(c) == "" {
			continue
		}
		out = append(out, Parse(c))
	}
	return out
}

// KindOf returns the kind of a codecs attribute. Multiplexed attributes
// carrying video report KindVideo.
func KindOf(codecs string) Kind {
	kind := KindUnknown
	for _, info := range ParseList(codecs) {
		switch {
		case info.Kind == KindVideo:
			return KindVideo
		case kind == KindUnknown:
			kind = info.Kind
		}
	}
	return kind
}

// Normalize returns the canonical name of a codec string, or the input
// unchanged when it is unknown.
func Normalize(s string) string {
	if info := Parse(s); info.Kind != KindUnknown {
		return info.Name
	}
	return s
}

// Match reports whether two codec strings name the same codec.
func Match(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
