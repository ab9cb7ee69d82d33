package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/jmylchreest/dashpipe/internal/media"
)

// EventHandler receives everything a pipeline publishes. Calls come from
// the demuxer and fetcher goroutines and must not call back into the
// pipeline's switching operations.
type EventHandler interface {
	OnPacketReady(p media.Packet)
	OnStreamConfigReady(cfg media.StreamConfig)
	OnDRMInitDataFound(data media.DRMInitData)
	OnSetDRMConfiguration(desc media.DRMDescription)
	OnBufferingStarted(st media.StreamType)
	OnBufferingCompleted(st media.StreamType)
	OnStreamError(st media.StreamType, reason string)
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) OnPacketReady(media.Packet)                 {}
func (NopHandler) OnStreamConfigReady(media.StreamConfig)     {}
func (NopHandler) OnDRMInitDataFound(media.DRMInitData)       {}
func (NopHandler) OnSetDRMConfiguration(media.DRMDescription) {}
func (NopHandler) OnBufferingStarted(media.StreamType)        {}
func (NopHandler) OnBufferingCompleted(media.StreamType)      {}
func (NopHandler) OnStreamError(media.StreamType, string)     {}

// StreamError is a stream error event.
type StreamError struct {
	StreamType media.StreamType
	Reason     string
}

// BufferingEvent reports a change of a stream's buffering state.
type BufferingEvent struct {
	StreamType media.StreamType
	Buffering  bool
}

// ChannelHandler publishes events on bounded channels, one per event kind.
// The channels are hot: a consumer only sees events sent after it started
// receiving, and nothing is replayed.
//
// Packets, DRM events and stream errors apply backpressure: a send blocks
// until the consumer receives or the handler's context ends. Stream configs
// and buffering changes are dropped when their channel is full, and counted
// in Dropped.
type ChannelHandler struct {
	ctx context.Context

	Packets        chan media.Packet
	StreamConfigs  chan media.StreamConfig
	DRMInitData    chan media.DRMInitData
	DRMDescription chan media.DRMDescription
	Buffering      chan BufferingEvent
	Errors         chan StreamError

	dropped atomic.Uint64
}

var _ EventHandler = (*ChannelHandler)(nil)

// NewChannelHandler creates a ChannelHandler whose channels hold size events.
// Blocked sends give up when ctx ends.
func NewChannelHandler(ctx context.Context, size int) *ChannelHandler {
	if size < 1 {
		size = 1
	}
	return &ChannelHandler{
		ctx:            ctx,
		Packets:        make(chan media.Packet, size),
		StreamConfigs:  make(chan media.StreamConfig, size),
		DRMInitData:    make(chan media.DRMInitData, size),
		DRMDescription: make(chan media.DRMDescription, size),
		Buffering:      make(chan BufferingEvent, size),
		Errors:         make(chan StreamError, size),
	}
}

// Dropped returns the number of stream config and buffering events lost to
// full channels.
func (h *ChannelHandler) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *ChannelHandler) OnPacketReady(p media.Packet) {
	deliver(h, h.Packets, p)
}

func (h *ChannelHandler) OnStreamConfigReady(cfg media.StreamConfig) {
	offer(h, h.StreamConfigs, cfg)
}

func (h *ChannelHandler) OnDRMInitDataFound(data media.DRMInitData) {
	deliver(h, h.DRMInitData, data)
}

func (h *ChannelHandler) OnSetDRMConfiguration(desc media.DRMDescription) {
	deliver(h, h.DRMDescription, desc)
}

func (h *ChannelHandler) OnBufferingStarted(st media.StreamType) {
	offer(h, h.Buffering, BufferingEvent{StreamType: st, Buffering: true})
}

func (h *ChannelHandler) OnBufferingCompleted(st media.StreamType) {
	offer(h, h.Buffering, BufferingEvent{StreamType: st})
}

func (h *ChannelHandler) OnStreamError(st media.StreamType, reason string) {
	deliver(h, h.Errors, StreamError{StreamType: st, Reason: reason})
}

func offer[T any](h *ChannelHandler, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		h.dropped.Add(1)
	}
}

func deliver[T any](h *ChannelHandler, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.ctx.Done():
	}
}
