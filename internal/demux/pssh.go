package demux

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// ErrMalformedPSSH is returned when data is not a decodable pssh box.
var ErrMalformedPSSH = errors.New("malformed pssh box")

// ParsePSSH decodes a complete pssh box. InitData holds the whole box, which
// is what licence requests carry.
func ParsePSSH(data []byte) (media.DRMInitData, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(data))
	if err != nil {
		return media.DRMInitData{}, fmt.Errorf("%w: %v", ErrMalformedPSSH, err)
	}
	pssh, ok := box.(*mp4.PsshBox)
	if !ok {
		return media.DRMInitData{}, fmt.Errorf("%w: got %s box", ErrMalformedPSSH, box.Type())
	}
	return drmInitData(pssh, bytes.Clone(data)), nil
}

func drmInitData(pssh *mp4.PsshBox, raw []byte) media.DRMInitData {
	d := media.DRMInitData{
		SystemID: bytes.Clone(pssh.SystemID),
		InitData: raw,
	}
	for _, kid := range pssh.KIDs {
		d.KeyIDs = append(d.KeyIDs, bytes.Clone(kid))
	}
	return d
}

// psshFromMoov returns the protection system boxes of a moov box.
func psshFromMoov(moov []byte) ([]media.DRMInitData, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(moov))
	if err != nil {
		return nil, err
	}
	m, ok := box.(*mp4.MoovBox)
	if !ok {
		return nil, fmt.Errorf("expected moov box, got %s", box.Type())
	}

	out := make([]media.DRMInitData, 0, len(m.Psshs))
	for _, pssh := range m.Psshs {
		var buf bytes.Buffer
		if err := pssh.Encode(&buf); err != nil {
			return nil, fmt.Errorf("encoding pssh: %w", err)
		}
		out = append(out, drmInitData(pssh, buf.Bytes()))
	}
	return out, nil
}
