package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/dashpipe/internal/media"
)

func group(g uint32) *uint32 { return &g }

func repIDs(streams []*stream) []string {
	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		ids = append(ids, s.rep.ID)
	}
	return ids
}

func TestDefaultMedia(t *testing.T) {
	first := &media.Media{ID: "1", Lang: "de"}
	english := &media.Media{ID: "2", Lang: "en"}
	main := &media.Media{ID: "3", Lang: "fr", Roles: []string{"main"}}

	assert.Nil(t, defaultMedia(nil))
	assert.Same(t, first, defaultMedia([]*media.Media{first}))
	assert.Same(t, main, defaultMedia([]*media.Media{first, english, main}))
	assert.Same(t, english, defaultMedia([]*media.Media{first, english}))
	assert.Same(t, first, defaultMedia([]*media.Media{first, {ID: "4", Lang: "es"}}))
}

func TestAvailableStreams(t *testing.T) {
	t.Run("single media", func(t *testing.T) {
		m := &media.Media{ID: "v", Representations: []*media.Representation{
			{ID: "lo", Bandwidth: 100}, {ID: "hi", Bandwidth: 300}, {ID: "mid", Bandwidth: 200},
		}}
		assert.Equal(t, []string{"hi", "mid", "lo"}, repIDs(availableStreams(m, []*media.Media{m})))
	})

	t.Run("group widens to siblings", func(t *testing.T) {
		a := &media.Media{ID: "a", Group: group(1), Representations: []*media.Representation{
			{ID: "a1", Bandwidth: 100}, {ID: "a2", Bandwidth: 400},
		}}
		b := &media.Media{ID: "b", Group: group(1), Representations: []*media.Representation{
			{ID: "b1", Bandwidth: 300},
		}}
		other := &media.Media{ID: "c", Group: group(2), Representations: []*media.Representation{
			{ID: "c1", Bandwidth: 900},
		}}
		assert.Equal(t, []string{"a2", "b1", "a1"}, repIDs(availableStreams(a, []*media.Media{a, b, other})))
	})

	t.Run("single representation lists siblings", func(t *testing.T) {
		en := &media.Media{ID: "en", Lang: "en", Representations: []*media.Representation{{ID: "en1", Bandwidth: 128}}}
		de := &media.Media{ID: "de", Lang: "de", Representations: []*media.Representation{
			{ID: "de1", Bandwidth: 192}, {ID: "de2", Bandwidth: 64},
		}}
		empty := &media.Media{ID: "x"}
		assert.Equal(t, []string{"de1", "en1"}, repIDs(availableStreams(en, []*media.Media{en, de, empty})))
	})

	t.Run("equal bandwidth keeps manifest order", func(t *testing.T) {
		m := &media.Media{ID: "v", Representations: []*media.Representation{
			{ID: "x", Bandwidth: 100}, {ID: "y", Bandwidth: 100}, {ID: "z", Bandwidth: 200},
		}}
		assert.Equal(t, []string{"z", "x", "y"}, repIDs(availableStreams(m, []*media.Media{m})))
	})
}

func TestLowestBandwidth(t *testing.T) {
	m := &media.Media{ID: "v", Representations: []*media.Representation{
		{ID: "b", Bandwidth: 100}, {ID: "a", Bandwidth: 500}, {ID: "c", Bandwidth: 100},
	}}
	s := lowestBandwidth(m)
	require.NotNil(t, s)
	assert.Equal(t, "c", s.rep.ID)
	assert.Nil(t, lowestBandwidth(&media.Media{}))
}

func TestSelectForThroughput(t *testing.T) {
	m := &media.Media{ID: "v", Representations: []*media.Representation{
		{ID: "5m", Bandwidth: 5_000_000}, {ID: "2m", Bandwidth: 2_000_000}, {ID: "800k", Bandwidth: 800_000},
	}}
	available := availableStreams(m, []*media.Media{m})

	assert.Equal(t, "800k", selectForThroughput(available, 1_500_000).rep.ID)
	assert.Equal(t, "2m", selectForThroughput(available, 4_999_999).rep.ID)
	assert.Equal(t, "5m", selectForThroughput(available, 5_000_000).rep.ID)
	assert.Equal(t, "800k", selectForThroughput(available, 10).rep.ID)
}

func TestFindStream(t *testing.T) {
	a := &media.Media{ID: "a", Representations: []*media.Representation{{ID: "r1"}}}
	b := &media.Media{ID: "b", Representations: []*media.Representation{{ID: "r1"}, {ID: "r2"}}}

	s := findStream([]*media.Media{a, b}, "b", "r1")
	require.NotNil(t, s)
	assert.Same(t, b, s.media)

	// A lone media matches whatever its ID became.
	s = findStream([]*media.Media{b}, "renamed", "r2")
	require.NotNil(t, s)
	assert.Equal(t, "r2", s.rep.ID)

	assert.Nil(t, findStream([]*media.Media{a, b}, "c", "r1"))
	assert.Nil(t, findStream([]*media.Media{a, b}, "a", "r2"))
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		s    *stream
		want string
	}{
		{
			name: "video",
			s:    &stream{media: &media.Media{Lang: "en"}, rep: &media.Representation{Width: 1920, Height: 1080}},
			want: "en ( 1920x1080 )",
		},
		{
			name: "audio",
			s:    &stream{media: &media.Media{Lang: "de"}, rep: &media.Representation{NumChannels: 6}},
			want: "de ( 6 ch )",
		},
		{
			name: "bare",
			s:    &stream{media: &media.Media{}, rep: &media.Representation{Width: 640}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describe(tt.s))
		})
	}
}
