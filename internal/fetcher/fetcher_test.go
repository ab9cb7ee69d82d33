package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/segindex"
)

const testBase = "https://cdn.example.com/v/"

type fakeDownloader struct {
	mu      sync.Mutex
	fail    map[string]int // remaining failures per url
	calls   map[string]int
	block   chan struct{} // when set, downloads wait for it or cancellation
	started chan string
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		fail:    map[string]int{},
		calls:   map[string]int{},
		started: make(chan string, 64),
	}
}

func (d *fakeDownloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	d.calls[url]++
	block := d.block
	failing := d.fail[url] > 0
	if failing {
		d.fail[url]--
	}
	d.mu.Unlock()

	d.started <- url
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("503 from origin")
	}
	return []byte(url), nil
}

func (d *fakeDownloader) FetchRange(ctx context.Context, url string, low, high uint64) ([]byte, error) {
	data, err := d.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%s[%d-%d]", data, low, high)), nil
}

func (d *fakeDownloader) callCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
	eos    chan struct{}
	once   sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{eos: make(chan struct{})}
}

func (s *recordingSink) PushChunk(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, string(data))
}

func (s *recordingSink) PushEOS() {
	s.once.Do(func() { close(s.eos) })
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

// recordingEvents schedules the next download on completion, like the pipeline does.
type recordingEvents struct {
	client       *Client
	completed    chan error
	fetchErrors  chan string
	bufStarted   atomic.Int32
	bufCompleted atomic.Int32
}

func (e *recordingEvents) OnDownloadCompleted(err error) {
	e.completed <- err
	if err == nil {
		e.client.ScheduleNextSegDownload()
	}
}

func (e *recordingEvents) OnFetchError(reason string) { e.fetchErrors <- reason }
func (e *recordingEvents) OnBufferingStarted()         { e.bufStarted.Add(1) }
func (e *recordingEvents) OnBufferingCompleted()       { e.bufCompleted.Add(1) }

type harness struct {
	client *Client
	dl     *fakeDownloader
	sink   *recordingSink
	events *recordingEvents
	rep    *media.Representation
}

// newHarness builds a client over a static 6s template stream of three 2s segments.
func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	idx, err := segindex.NewTemplateStream(segindex.TemplateStreamConfig{
		RepresentationID: "v1",
		BaseURL:          testBase,
		Initialization:   "init.mp4",
		Media:            "seg-$Number$.m4s",
		Timescale:        1000,
		SegmentDuration:  2000,
		StartNumber:      1,
		Duration:         6 * time.Second,
	})
	require.NoError(t, err)

	h := &harness{
		dl:   newFakeDownloader(),
		sink: newRecordingSink(),
		rep:  &media.Representation{ID: "v1", Bandwidth: 1_000_000, Segments: idx},
	}
	cfg := Config{
		StreamType: media.StreamTypeVideo,
		Downloader: h.dl,
		Sink:       h.sink,
		MinBuffer:  4 * time.Second,
		MaxBuffer:  20 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.client = New(cfg)
	h.events = &recordingEvents{
		client:      h.client,
		completed:   make(chan error, 64),
		fetchErrors: make(chan string, 8),
	}
	h.client.SetEventHandler(h.events)
	h.client.UpdateRepresentation(h.rep)
	return h
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestClient_DownloadsInOrderUntilEOS(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Start(context.Background(), true)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, []string{
		testBase + "init.mp4",
		testBase + "seg-1.m4s",
		testBase + "seg-2.m4s",
		testBase + "seg-3.m4s",
	}, h.sink.received())

	assert.Equal(t, int32(1), h.events.bufStarted.Load())
	assert.Equal(t, int32(1), h.events.bufCompleted.Load())
}

func TestClient_RecordsThroughput(t *testing.T) {
	rec := &fakeThroughput{}
	h := newHarness(t, func(c *Config) { c.Throughput = rec })

	h.client.Start(context.Background(), true)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, int32(4), rec.calls.Load())
}

type fakeThroughput struct{ calls atomic.Int32 }

func (f *fakeThroughput) Add(uint64, time.Duration) { f.calls.Add(1) }

func TestClient_MaxBufferHoldsDownloads(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MinBuffer = 2 * time.Second
		c.MaxBuffer = 2 * time.Second
	})

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return len(h.sink.received()) == 2 }, time.Second, 5*time.Millisecond)

	// Full buffer: nothing more until playback advances.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sink.received(), 2)
	assert.Equal(t, 2*time.Second, h.client.BufferedAhead())

	h.client.OnTimeUpdated(1 * time.Second)
	require.Eventually(t, func() bool { return len(h.sink.received()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestClient_ReplaysCachedInit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBuffer = 4 * time.Second; c.MinBuffer = 2 * time.Second })

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return len(h.sink.received()) == 3 }, time.Second, 5*time.Millisecond)

	h.client.Reset()
	h.client.Start(context.Background(), false)
	h.client.OnTimeUpdated(3 * time.Second)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, 1, h.dl.callCount(testBase+"init.mp4"))
	assert.Equal(t, []string{
		testBase + "init.mp4",
		testBase + "seg-1.m4s",
		testBase + "seg-2.m4s",
		testBase + "init.mp4",
		testBase + "seg-3.m4s",
	}, h.sink.received())
}

func TestClient_FullInitDownloadsAgain(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBuffer = 2 * time.Second; c.MinBuffer = 2 * time.Second })

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return len(h.sink.received()) == 2 }, time.Second, 5*time.Millisecond)

	h.client.Reset()
	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return h.dl.callCount(testBase+"init.mp4") == 2 }, time.Second, 5*time.Millisecond)
}

func TestClient_RetriesOnTimeUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.dl.fail[testBase+"seg-1.m4s"] = 1

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return h.dl.callCount(testBase+"seg-1.m4s") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.client.CanStreamSwitch, time.Second, 5*time.Millisecond)

	// A failure is not retried until the next time update.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dl.callCount(testBase+"seg-1.m4s"))

	h.client.OnTimeUpdated(0)
	waitClosed(t, h.sink.eos)
	assert.Equal(t, 2, h.dl.callCount(testBase+"seg-1.m4s"))
	assert.Empty(t, h.events.fetchErrors)
}

func TestClient_EscalatesRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSegmentRetries = 2 })
	h.dl.fail[testBase+"seg-1.m4s"] = 100

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return h.dl.callCount(testBase+"seg-1.m4s") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.client.CanStreamSwitch, time.Second, 5*time.Millisecond)
	h.client.OnTimeUpdated(0)

	select {
	case reason := <-h.events.fetchErrors:
		assert.Contains(t, reason, "segment 0")
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch error")
	}

	// Stopped after escalation.
	h.client.OnTimeUpdated(0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.dl.callCount(testBase+"seg-1.m4s"))
}

func TestClient_ResetDoesNotWaitForDownload(t *testing.T) {
	h := newHarness(t, nil)
	h.dl.block = make(chan struct{})

	h.client.Start(context.Background(), true)
	<-h.dl.started
	assert.False(t, h.client.CanStreamSwitch())

	done := make(chan struct{})
	go func() {
		h.client.Reset()
		close(done)
	}()
	waitClosed(t, done)
	assert.True(t, h.client.CanStreamSwitch())

	select {
	case err := <-h.events.completed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion for abandoned download")
	}
	assert.Empty(t, h.sink.received())
}

func TestClient_Seek(t *testing.T) {
	h := newHarness(t, nil)

	start := h.client.Seek(5 * time.Second)
	assert.Equal(t, 4*time.Second, start)

	h.client.Start(context.Background(), true)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, []string{testBase + "init.mp4", testBase + "seg-3.m4s"}, h.sink.received())
}

func TestClient_AlignedStart(t *testing.T) {
	h := newHarness(t, nil)
	h.rep.SetAlignment(media.Alignment{StartSegmentID: 1, TrimOffset: 2 * time.Second})

	h.client.Start(context.Background(), true)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, []string{
		testBase + "init.mp4",
		testBase + "seg-2.m4s",
		testBase + "seg-3.m4s",
	}, h.sink.received())
}

func TestClient_SwitchRepresentationMidStream(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBuffer = 2 * time.Second; c.MinBuffer = 2 * time.Second })

	h.client.Start(context.Background(), true)
	require.Eventually(t, func() bool { return len(h.sink.received()) == 2 }, time.Second, 5*time.Millisecond)

	idx, err := segindex.NewTemplateStream(segindex.TemplateStreamConfig{
		RepresentationID: "v2",
		BaseURL:          testBase,
		Initialization:   "v2/init.mp4",
		Media:            "v2/seg-$Number$.m4s",
		Timescale:        1000,
		SegmentDuration:  2000,
		StartNumber:      1,
		Duration:         6 * time.Second,
	})
	require.NoError(t, err)

	h.client.Reset()
	h.client.UpdateRepresentation(&media.Representation{ID: "v2", Bandwidth: 3_000_000, Segments: idx})
	h.client.Start(context.Background(), true)
	h.client.OnTimeUpdated(5 * time.Second)
	waitClosed(t, h.sink.eos)

	assert.Equal(t, []string{
		testBase + "init.mp4",
		testBase + "seg-1.m4s",
		testBase + "v2/init.mp4",
		testBase + "v2/seg-2.m4s",
		testBase + "v2/seg-3.m4s",
	}, h.sink.received())
}

func TestClient_StopForgetsPosition(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Start(context.Background(), true)
	waitClosed(t, h.sink.eos)

	h.client.Stop()
	assert.Equal(t, time.Duration(0), h.client.BufferedAhead())

	h.sink = newRecordingSink()
	h.client.cfg.Sink = h.sink
	h.client.Start(context.Background(), false)
	waitClosed(t, h.sink.eos)
	assert.Len(t, h.sink.received(), 4)
}

func TestIndexDownloader(t *testing.T) {
	dl := newFakeDownloader()
	d := IndexDownloader{Downloader: dl}

	whole, err := d.DownloadRange(context.Background(), "https://cdn.example.com/a.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.mp4", string(whole))

	part, err := d.DownloadRange(context.Background(), "https://cdn.example.com/a.mp4", &media.ByteRange{Low: 10, High: 20})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.mp4[10-20]", string(part))
}
