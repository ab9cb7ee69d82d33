// Package manifest loads DASH MPDs into the media model and builds the
// segment index of every representation.
package manifest

import (
	"time"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// Manifest is a parsed presentation.
type Manifest struct {
	URL      string
	Document media.Document
	// Duration is the media presentation duration, zero when undeclared.
	Duration time.Duration
	// LiveDelay is how far behind the live edge playback starts.
	LiveDelay time.Duration
	Periods   []*media.Period
}

// PeriodAt returns the period containing presentation time t. Times past the
// end map to the last period.
func (m *Manifest) PeriodAt(t time.Duration) (*media.Period, bool) {
	if len(m.Periods) == 0 {
		return nil, false
	}
	for _, p := range m.Periods {
		if t >= p.Start && (p.Duration == 0 || t < p.Start+p.Duration) {
			return p, true
		}
	}
	return m.Periods[len(m.Periods)-1], true
}

// LiveEdge returns the live-edge position on the presentation timeline at
// now. It is zero for static presentations.
func (m *Manifest) LiveEdge(now time.Time) time.Duration {
	if !m.Document.Dynamic || m.Document.AvailabilityStart.IsZero() {
		return 0
	}
	edge := now.Sub(m.Document.AvailabilityStart)
	if edge < 0 {
		return 0
	}
	return edge
}

// PlayClock returns the position live playback starts from at now: the
// live edge less the live delay. It is zero for static presentations.
func (m *Manifest) PlayClock(now time.Time) time.Duration {
	edge := m.LiveEdge(now)
	if edge <= m.LiveDelay {
		return 0
	}
	return edge - m.LiveDelay
}

// SetPlayClock pushes the document parameters and play clock to the segment
// index of every representation.
func (m *Manifest) SetPlayClock(t time.Duration) {
	params := media.ManifestParameters{Document: m.Document, PlayClock: t}
	for _, p := range m.Periods {
		for _, md := range p.Media {
			for _, r := range md.Representations {
				if r.Segments != nil {
					r.Segments.SetDocumentParameters(params)
				}
			}
		}
	}
}
