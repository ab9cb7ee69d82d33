package media

import (
	"fmt"
	"time"
)

// PacketKind distinguishes elementary data from in-band markers.
type PacketKind int

const (
	PacketData PacketKind = iota
	PacketEOS
	PacketSeek
)

func (k PacketKind) String() string {
	switch k {
	case PacketData:
		return "data"
	case PacketEOS:
		return "eos"
	case PacketSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Subsample is one clear/encrypted byte run of a CENC sample.
type Subsample struct {
	Clear     uint32
	Encrypted uint32
}

// EncryptionInfo carries the per-sample decryption parameters of an encrypted packet.
type EncryptionInfo struct {
	KeyID      []byte
	IV         []byte
	Subsamples []Subsample
}

// Packet is a timestamped elementary unit or an EOS/seek marker.
type Packet struct {
	StreamType StreamType
	Kind       PacketKind
	PTS        time.Duration
	DTS        time.Duration
	Duration   time.Duration
	KeyFrame   bool
	Data       []byte
	SeekID     uint32
	Encryption *EncryptionInfo
}

// NewEOSPacket returns an end-of-stream marker.
func NewEOSPacket(st StreamType) Packet {
	return Packet{StreamType: st, Kind: PacketEOS}
}

// NewSeekPacket returns a marker separating pre-seek and post-seek packets.
func NewSeekPacket(st StreamType, seekID uint32) Packet {
	return Packet{StreamType: st, Kind: PacketSeek, SeekID: seekID}
}

// IsEOS reports whether the packet is an end-of-stream marker.
func (p Packet) IsEOS() bool { return p.Kind == PacketEOS }

// IsZeroClock reports whether both timestamps are exactly zero.
func (p Packet) IsZeroClock() bool {
	return p.PTS == 0 && p.DTS == 0
}

func (p Packet) String() string {
	if p.Kind != PacketData {
		return fmt.Sprintf("%s %s", p.StreamType, p.Kind)
	}
	return fmt.Sprintf("%s pts=%s dts=%s size=%d", p.StreamType, p.PTS, p.DTS, len(p.Data))
}

// PacketTimeStamp is a (PTS, DTS) pair used as a clock correction.
type PacketTimeStamp struct {
	PTS time.Duration
	DTS time.Duration
}

// TimeStampOf returns the timestamps of p.
func TimeStampOf(p Packet) PacketTimeStamp {
	return PacketTimeStamp{PTS: p.PTS, DTS: p.DTS}
}

// Add returns t shifted by o.
func (t PacketTimeStamp) Add(o PacketTimeStamp) PacketTimeStamp {
	return PacketTimeStamp{PTS: t.PTS + o.PTS, DTS: t.DTS + o.DTS}
}

// Offset returns t with d added to both timestamps.
func (t PacketTimeStamp) Offset(d time.Duration) PacketTimeStamp {
	return PacketTimeStamp{PTS: t.PTS + d, DTS: t.DTS + d}
}
