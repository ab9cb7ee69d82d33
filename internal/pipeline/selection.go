package pipeline

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// stream is a representation together with the media it belongs to.
type stream struct {
	media *media.Media
	rep   *media.Representation
}

func (s *stream) is(o *stream) bool {
	if s == nil || o == nil {
		return false
	}
	return s.media.ID == o.media.ID && s.rep.ID == o.rep.ID
}

// defaultMedia picks the media a pipeline starts with: the only one, else
// the one with the "main" role, else the first English one, else the first.
func defaultMedia(candidates []*media.Media) *media.Media {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	for _, m := range candidates {
		if m.HasRole("main") {
			return m
		}
	}
	for _, m := range candidates {
		if m.Lang == "en" {
			return m
		}
	}
	return candidates[0]
}

// availableStreams lists the streams adaptation and manual selection choose
// from, highest bandwidth first. A media with several representations offers
// those, widened to every media of its adaptation set group. A media with a
// single representation offers the first representation of each sibling.
func availableStreams(def *media.Media, siblings []*media.Media) []*stream {
	var out []*stream
	switch {
	case len(def.Representations) > 1 && def.Group != nil:
		for _, m := range siblings {
			if !m.InGroup(*def.Group) {
				continue
			}
			for _, r := range m.Representations {
				out = append(out, &stream{media: m, rep: r})
			}
		}
	case len(def.Representations) > 1:
		for _, r := range def.Representations {
			out = append(out, &stream{media: def, rep: r})
		}
	default:
		for _, m := range siblings {
			if len(m.Representations) == 0 {
				continue
			}
			out = append(out, &stream{media: m, rep: m.Representations[0]})
		}
	}
	sortByBandwidthDesc(out)
	return out
}

// sortByBandwidthDesc orders streams highest bandwidth first. Streams of
// equal bandwidth keep their manifest order.
func sortByBandwidthDesc(streams []*stream) {
	slices.SortStableFunc(streams, func(a, b *stream) int {
		return cmp.Compare(b.rep.Bandwidth, a.rep.Bandwidth)
	})
}

// lowestBandwidth returns the lowest-bandwidth representation of m.
func lowestBandwidth(m *media.Media) *stream {
	if len(m.Representations) == 0 {
		return nil
	}
	streams := make([]*stream, 0, len(m.Representations))
	for _, r := range m.Representations {
		streams = append(streams, &stream{media: m, rep: r})
	}
	sortByBandwidthDesc(streams)
	return streams[len(streams)-1]
}

// selectForThroughput returns the first stream, in descending bandwidth
// order, that fits within throughput, or the lowest one when none fits.
func selectForThroughput(available []*stream, throughput float64) *stream {
	for _, s := range available {
		if float64(s.rep.Bandwidth) <= throughput {
			return s
		}
	}
	return available[len(available)-1]
}

// findStream locates the stream with the given media and representation IDs.
// With a single candidate media the media ID is not compared.
func findStream(candidates []*media.Media, mediaID, repID string) *stream {
	var m *media.Media
	if len(candidates) == 1 {
		m = candidates[0]
	} else {
		for _, c := range candidates {
			if c.ID == mediaID {
				m = c
				break
			}
		}
	}
	if m == nil {
		return nil
	}
	for _, r := range m.Representations {
		if r.ID == repID {
			return &stream{media: m, rep: r}
		}
	}
	return nil
}

func describe(s *stream) string {
	var b strings.Builder
	b.WriteString(s.media.Lang)
	if s.rep.Width > 0 && s.rep.Height > 0 {
		fmt.Fprintf(&b, " ( %dx%d )", s.rep.Width, s.rep.Height)
	}
	if s.rep.NumChannels > 0 {
		fmt.Fprintf(&b, " ( %d ch )", s.rep.NumChannels)
	}
	return b.String()
}
