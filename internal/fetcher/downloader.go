package fetcher

import (
	"context"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/segindex"
)

// IndexDownloader adapts a Downloader to the byte-range downloads segment
// indexes make.
type IndexDownloader struct {
	Downloader Downloader
}

var _ segindex.Downloader = IndexDownloader{}

// DownloadRange fetches r of url, or the whole resource when r is nil.
func (d IndexDownloader) DownloadRange(ctx context.Context, url string, r *media.ByteRange) ([]byte, error) {
	if r == nil {
		return d.Downloader.Fetch(ctx, url)
	}
	return d.Downloader.FetchRange(ctx, url, r.Low, r.High)
}
