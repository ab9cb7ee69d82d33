package pipeline

import (
	"context"
	"time"

	"github.com/jmylchreest/dashpipe/internal/demux"
	"github.com/jmylchreest/dashpipe/internal/fetcher"
	"github.com/jmylchreest/dashpipe/internal/media"
)

// FetcherEvents are the notifications a SegmentFetcher raises.
type FetcherEvents = fetcher.Events

// DemuxerEvents are the notifications a DemuxController raises.
type DemuxerEvents = demux.Events

// SegmentFetcher downloads the segments of the active representation.
type SegmentFetcher interface {
	SetEventHandler(h FetcherEvents)
	UpdateRepresentation(rep *media.Representation)
	Start(ctx context.Context, fullInit bool)
	Stop()
	Reset()
	Seek(t time.Duration) time.Duration
	OnTimeUpdated(t time.Duration)
	ScheduleNextSegDownload()
	CanStreamSwitch() bool
}

// DemuxController turns downloaded bytes into packets.
type DemuxController interface {
	SetEventHandler(h DemuxerEvents)
	StartForEs()
	Reset()
	Flush(ctx context.Context) error
}

// ThroughputEstimator reports the measured network throughput in bits per second.
type ThroughputEstimator interface {
	AverageThroughput() float64
}

var (
	_ SegmentFetcher  = (*fetcher.Client)(nil)
	_ DemuxController = (*demux.Controller)(nil)
)
