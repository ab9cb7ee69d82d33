package urlutil

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/dashpipe/pkg/httpclient"
)

func TestIsRemoteURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{"http", "http://example.com/manifest.mpd", true},
		{"https", "https://example.com/manifest.mpd", true},
		{"protocol-relative", "//example.com/manifest.mpd", true},
		{"file", "file:///path/to/manifest.mpd", false},
		{"relative", "video/init.mp4", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRemoteURL(tt.url))
		})
	}
}

func TestIsFileURL(t *testing.T) {
	assert.True(t, IsFileURL("file:///srv/dash/manifest.mpd"))
	assert.False(t, IsFileURL("https://example.com/manifest.mpd"))
	assert.False(t, IsFileURL("/srv/dash/manifest.mpd"))
}

func TestGetScheme(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"http", "http://example.com", "http"},
		{"upper case", "HTTPS://example.com", "https"},
		{"file", "file:///path/to/file", "file"},
		{"ftp", "ftp://example.com", "ftp"},
		{"invalid", "not-a-url", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetScheme(tt.url))
		})
	}
}

func TestFilePathFromURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expected    string
		expectError bool
	}{
		{"unix path", "file:///srv/dash/manifest.mpd", "/srv/dash/manifest.mpd", false},
		{"escaped spaces", "file:///srv/my%20dash/manifest.mpd", "/srv/my dash/manifest.mpd", false},
		{"localhost host", "file://localhost/srv/manifest.mpd", "/srv/manifest.mpd", false},
		{"http url", "http://example.com/manifest.mpd", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := FilePathFromURL(tt.url)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ref      string
		expected string
	}{
		{"relative file", "https://cdn.example.com/vod/manifest.mpd", "video/1.m4s", "https://cdn.example.com/vod/video/1.m4s"},
		{"directory base", "https://cdn.example.com/vod/", "audio/", "https://cdn.example.com/vod/audio/"},
		{"root relative", "https://cdn.example.com/vod/manifest.mpd", "/other/seg.m4s", "https://cdn.example.com/other/seg.m4s"},
		{"absolute ref", "https://cdn.example.com/vod/", "https://edge.example.com/a/", "https://edge.example.com/a/"},
		{"parent", "https://cdn.example.com/vod/hd/", "../sd/init.mp4", "https://cdn.example.com/vod/sd/init.mp4"},
		{"file base", "file:///srv/dash/manifest.mpd", "v/init.mp4", "file:///srv/dash/v/init.mp4"},
		{"empty base", "", "video/1.m4s", "video/1.m4s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.base, tt.ref))
		})
	}
}

func TestValidateURL(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "manifest.mpd")
	require.NoError(t, os.WriteFile(testFile, []byte("<MPD/>"), 0o644))

	tests := []struct {
		name        string
		url         string
		expectError bool
		errorMsg    string
	}{
		{"valid http", "http://example.com/manifest.mpd", false, ""},
		{"valid https", "https://example.com/manifest.mpd", false, ""},
		{"valid file", "file://" + testFile, false, ""},
		{"empty url", "", true, "URL is required"},
		{"no scheme", "example.com/manifest.mpd", true, "URL must include a scheme"},
		{"unsupported scheme", "ftp://example.com/manifest.mpd", true, "unsupported URL scheme"},
		{"file not found", "file:///nonexistent/path/manifest.mpd", true, "file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if !tt.expectError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestResourceFetcher_File(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "segment.m4s")
	content := []byte("0123456789")
	require.NoError(t, os.WriteFile(testFile, content, 0o644))
	fileURL := "file://" + testFile

	f := NewDefaultResourceFetcher()
	ctx := context.Background()

	t.Run("whole file", func(t *testing.T) {
		data, err := f.Fetch(ctx, fileURL)
		require.NoError(t, err)
		assert.Equal(t, content, data)
	})

	t.Run("range", func(t *testing.T) {
		data, err := f.FetchRange(ctx, fileURL, 2, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("2345"), data)
	})

	t.Run("range past end is truncated", func(t *testing.T) {
		data, err := f.FetchRange(ctx, fileURL, 8, 20)
		require.NoError(t, err)
		assert.Equal(t, []byte("89"), data)
	})

	t.Run("range beyond file", func(t *testing.T) {
		_, err := f.FetchRange(ctx, fileURL, 50, 60)
		assert.ErrorIs(t, err, httpclient.ErrRangeNotSatisfied)
	})

	t.Run("inverted range", func(t *testing.T) {
		_, err := f.FetchRange(ctx, fileURL, 5, 2)
		assert.ErrorIs(t, err, httpclient.ErrRangeNotSatisfied)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.Fetch(ctx, "file:///nonexistent/path/segment.m4s")
		assert.Error(t, err)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := f.Fetch(ctx, "ftp://example.com/segment.m4s")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
		_, err = f.FetchRange(ctx, "ftp://example.com/segment.m4s", 0, 1)
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})
}

func TestResourceFetcher_HTTP(t *testing.T) {
	content := []byte("abcdefghij")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "segment.m4s", time.Time{}, bytes.NewReader(content))
	}))
	defer server.Close()

	f := NewResourceFetcher(httpclient.NewWithDefaults())
	ctx := context.Background()

	data, err := f.Fetch(ctx, server.URL+"/segment.m4s")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	data, err = f.FetchRange(ctx, server.URL+"/segment.m4s", 3, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("defg"), data)
}
