// Package urlutil provides URL manipulation utilities and a resource
// downloader for http(s) and file URLs.
package urlutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/jmylchreest/dashpipe/pkg/httpclient"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// ErrUnsupportedScheme is returned for URLs that are neither http(s) nor file.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// IsRemoteURL checks if a URL is a remote URL that can be fetched.
// This includes:
//   - URLs with http:// or https:// scheme
//   - Protocol-relative URLs (//example.com/...)
//
// Returns false for relative paths, empty strings, or local paths.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// IsFileURL checks if a URL uses the file:// scheme.
func IsFileURL(u string) bool {
	return strings.HasPrefix(u, "file://")
}

// GetScheme returns the scheme of a URL (http, https, file) or empty string if unknown.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// FilePathFromURL extracts the file path from a file:// URL.
func FilePathFromURL(u string) (string, error) {
	if !IsFileURL(u) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	// Handles both file:///path and file://localhost/path
	path := parsed.Path
	if path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}

	return path, nil
}

// Resolve resolves ref against base as a relative URL reference. ref is
// returned unchanged when base is empty or either fails to parse.
func Resolve(base, ref string) string {
	if base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// ValidateURL checks if a URL is valid and uses a supported scheme.
// Returns nil if valid, or an error describing the problem.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTP, SchemeHTTPS:
		return nil
	case SchemeFile:
		path, err := FilePathFromURL(u)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return fmt.Errorf("cannot access file: %w", err)
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http://, https://, or file://)")
	default:
		return fmt.Errorf("%w: %s (supported: http, https, file)", ErrUnsupportedScheme, scheme)
	}
}

// ResourceFetcher downloads whole resources and byte ranges from http(s)
// URLs through an httpclient.Client and from file:// URLs off local disk.
type ResourceFetcher struct {
	httpClient *httpclient.Client
}

// NewResourceFetcher creates a ResourceFetcher using client for http(s) URLs.
func NewResourceFetcher(client *httpclient.Client) *ResourceFetcher {
	return &ResourceFetcher{httpClient: client}
}

// NewDefaultResourceFetcher creates a ResourceFetcher with default HTTP settings.
func NewDefaultResourceFetcher() *ResourceFetcher {
	return NewResourceFetcher(httpclient.NewWithDefaults())
}

// Fetch retrieves the whole resource at u.
func (f *ResourceFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	switch GetScheme(u) {
	case SchemeHTTP, SchemeHTTPS:
		return f.httpClient.Fetch(ctx, u)
	case SchemeFile:
		path, err := FilePathFromURL(u)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q (URL: %s)", ErrUnsupportedScheme, GetScheme(u), u)
	}
}

// FetchRange retrieves bytes low through high inclusive of the resource at u.
func (f *ResourceFetcher) FetchRange(ctx context.Context, u string, low, high uint64) ([]byte, error) {
	switch GetScheme(u) {
	case SchemeHTTP, SchemeHTTPS:
		return f.httpClient.FetchRange(ctx, u, low, high)
	case SchemeFile:
		return readFileRange(u, low, high)
	default:
		return nil, fmt.Errorf("%w: %q (URL: %s)", ErrUnsupportedScheme, GetScheme(u), u)
	}
}

func readFileRange(u string, low, high uint64) ([]byte, error) {
	if high < low {
		return nil, fmt.Errorf("%w: %d-%d", httpclient.ErrRangeNotSatisfied, low, high)
	}
	path, err := FilePathFromURL(u)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, high-low+1)
	n, err := file.ReadAt(buf, int64(low))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading file range: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %d-%d", httpclient.ErrRangeNotSatisfied, low, high)
	}
	return buf[:n], nil
}
