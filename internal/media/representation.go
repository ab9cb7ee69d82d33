package media

import (
	"slices"
	"sync"
	"time"
)

// ContentProtection is a content-protection descriptor of a Media.
// Data holds the XML of the whole descriptor element.
type ContentProtection struct {
	SchemeIDURI string
	Value       string
	Data        string
}

// Alignment is the start position agreed between two streams that must begin
// at the same presentation time.
type Alignment struct {
	StartSegmentID uint32
	TrimOffset     time.Duration
}

// Representation is one encoding of a media track.
type Representation struct {
	ID          string
	Bandwidth   uint64 // bits per second, 0 when undeclared
	Width       int
	Height      int
	NumChannels int
	Codecs      string
	MimeType    string
	Segments    SegmentIndex

	mu        sync.RWMutex
	alignment *Alignment
}

// HasBandwidth reports whether the manifest declared a bandwidth.
func (r *Representation) HasBandwidth() bool {
	return r.Bandwidth > 0
}

// SetAlignment records the start position computed for this representation.
func (r *Representation) SetAlignment(a Alignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alignment = &a
}

// Alignment returns the recorded start position, if any.
func (r *Representation) Alignment() (Alignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.alignment == nil {
		return Alignment{}, false
	}
	return *r.alignment, true
}

// Media is a group of representations of one track (a DASH adaptation set).
type Media struct {
	ID                 string
	Type               MediaType
	Lang               string
	Group              *uint32
	Roles              []string
	ContentProtections []ContentProtection
	Representations    []*Representation
}

// HasRole reports whether the media carries the given role value.
func (m *Media) HasRole(role string) bool {
	return slices.Contains(m.Roles, role)
}

// InGroup reports whether the media belongs to adaptation set group g.
func (m *Media) InGroup(g uint32) bool {
	return m.Group != nil && *m.Group == g
}

// Period is one period of a presentation.
type Period struct {
	ID       string
	Start    time.Duration
	Duration time.Duration
	Media    []*Media
	Document Document
}

// MediaOfType returns the media of the given content type, in manifest order.
func (p *Period) MediaOfType(t MediaType) []*Media {
	var out []*Media
	for _, m := range p.Media {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
