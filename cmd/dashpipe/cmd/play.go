package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/dashpipe/internal/media"
	"github.com/jmylchreest/dashpipe/internal/observability"
	"github.com/jmylchreest/dashpipe/pkg/format"
)

// errStopAfter ends playback once the stop-after limit is reached.
var errStopAfter = errors.New("stop-after limit reached")

var playCmd = &cobra.Command{
	Use:   "play <mpd-url>",
	Short: "Play a DASH presentation through the media pipelines",
	Long: `Load an MPD and play it through one media pipeline per stream type.

Playback is driven by a simulated clock that advances in real time, scaled
by the playback rate, and stands still while any stream is buffering.
Packets are counted rather than rendered; a summary is printed when
playback ends.

Live presentations start the live delay behind the live edge. Local
presentations can be played with file:// URLs.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Duration("stop-after", 0, "stop after this much playback (0 plays to the end)")
	playCmd.Flags().Float64("rate", 1.0, "playback rate of the simulated clock")
	playCmd.Flags().Duration("live-delay", 0, "distance behind the live edge (0 uses the MPD value)")
	playCmd.Flags().StringSlice("streams", []string{"audio", "video"}, "stream types to play (audio, video, subtitle)")
	playCmd.Flags().Bool("adaptive", true, "adapt representations to the measured throughput")
	playCmd.Flags().Duration("start", 0, "seek to this position after starting")
	playCmd.Flags().Int("video-stream", -1, "play the video stream with this id (see inspect) and disable adaptation")
	playCmd.Flags().Int("audio-stream", -1, "play the audio stream with this id (see inspect) and disable adaptation")

	mustBindPFlag("player.stop_after", playCmd.Flags().Lookup("stop-after"))
	mustBindPFlag("player.playback_rate", playCmd.Flags().Lookup("rate"))
	mustBindPFlag("player.live_delay", playCmd.Flags().Lookup("live-delay"))
	mustBindPFlag("pipeline.streams", playCmd.Flags().Lookup("streams"))
	mustBindPFlag("pipeline.adaptive_streaming", playCmd.Flags().Lookup("adaptive"))
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sessionID := uuid.New().String()
	logger := observability.WithSession(slog.Default(), sessionID)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	ctx = observability.ContextWithSessionID(ctx, sessionID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping playback", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openSession(ctx, cfg, args[0], logger)
	if err != nil {
		return err
	}
	// Blocked event sends only give up once ctx ends.
	defer func() {
		cancel()
		s.Close()
	}()

	logger.Info("playing presentation",
		slog.String("url", observability.RedactURL(args[0])),
		slog.Bool("dynamic", s.manifest.Document.Dynamic),
		slog.String("period", s.period.ID),
		slog.Int("streams", len(s.streams)),
	)

	opts := playOptions{selections: make(map[media.StreamType]int)}
	opts.seek, _ = cmd.Flags().GetDuration("start")
	for _, st := range []media.StreamType{media.StreamTypeVideo, media.StreamTypeAudio} {
		if id, _ := cmd.Flags().GetInt(st.String() + "-stream"); id >= 0 {
			opts.selections[st] = id
		}
	}

	err = s.play(ctx, opts)
	printSummary(os.Stdout, s)
	return err
}

// playOptions are the per-run choices made on the command line.
type playOptions struct {
	seek       time.Duration
	selections map[media.StreamType]int // stream id per type, see inspect
}

// changeStreams applies the manual stream selections.
func (s *session) changeStreams(ctx context.Context, selections map[media.StreamType]int) error {
	for st, id := range selections {
		sp := s.stream(st)
		if sp == nil {
			return fmt.Errorf("--%s-stream: no %s pipeline", st, st)
		}
		if err := sp.pipeline.ChangeStream(ctx, id); err != nil {
			return fmt.Errorf("--%s-stream: %w", st, err)
		}
	}
	return nil
}

// play starts the pipelines and runs the playback clock and the stream
// consumers until every stream ends, a stream fails, the stop-after limit
// is reached or ctx ends.
func (s *session) play(ctx context.Context, opts playOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	clock := newPlaybackClock(0, s.cfg.Player.PlaybackRate)

	g, gctx := errgroup.WithContext(ctx)
	consumersDone := make(chan struct{})

	consumers, cctx := errgroup.WithContext(gctx)
	for _, sp := range s.streams {
		consumers.Go(func() error {
			return sp.consume(cctx, clock, s.logger)
		})
	}
	g.Go(func() error {
		defer close(consumersDone)
		return consumers.Wait()
	})

	// Consumers run before the pipelines start: starting and seeking
	// publish events that must not back up.
	start := s.begin(ctx, opts.seek)
	clock.moveTo(start)
	if err := s.changeStreams(ctx, opts.selections); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.Player.TimeUpdateInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-consumersDone:
				return nil
			case now := <-ticker.C:
				pos := clock.advance(now.Sub(last))
				last = now
				for _, sp := range s.streams {
					sp.pipeline.OnTimeUpdated(pos)
				}
				if limit := s.cfg.Player.StopAfter; limit > 0 && pos-start >= limit {
					s.logger.Info(errStopAfter.Error(), slog.Duration("position", pos))
					return errStopAfter
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStopAfter) {
		err = nil
	}
	attrs := []any{
		slog.Duration("position", clock.Position()),
		slog.String("throughput", format.Bitrate(s.estimator.AverageThroughput())),
		slog.Uint64("downloaded_bytes", s.estimator.TotalBytes()),
		slog.String("circuit", s.httpClient.CircuitState().String()),
	}
	if at, ok := s.estimator.LastSampleTime(); ok {
		attrs = append(attrs, slog.Duration("since_last_download", time.Since(at).Round(time.Millisecond)))
	}
	s.logger.Info("playback finished", attrs...)
	return err
}

func printSummary(w io.Writer, s *session) {
	type row struct {
		st                       media.StreamType
		repID                    string
		packets, keyFrames, size int
		span                     time.Duration
		eos                      bool
		dropped                  uint64
	}
	var rows []row
	var totalPackets, totalSize int
	for _, sp := range s.streams {
		r := row{st: sp.st, repID: "-", span: sp.stats.span(), dropped: sp.events.Dropped()}
		if rep := sp.pipeline.Representation(); rep != nil {
			r.repID = rep.ID
		}
		sp.stats.mu.Lock()
		r.packets, r.keyFrames, r.size, r.eos = sp.stats.packets, sp.stats.keyFrames, sp.stats.bytes, sp.stats.eos
		sp.stats.mu.Unlock()
		totalPackets += r.packets
		totalSize += r.size
		rows = append(rows, r)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tREPRESENTATION\tPACKETS\tKEYFRAMES\tBYTES\tSHARE\tSPAN\tEOS\tDROPPED EVENTS")
	for _, r := range rows {
		share := 0.0
		if totalSize > 0 {
			share = float64(r.size) * 100 / float64(totalSize)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			r.st, r.repID, format.Number(int64(r.packets)), format.Number(int64(r.keyFrames)),
			format.Bytes(int64(r.size)), format.Percentage(share, 1), format.MediaTime(r.span), r.eos, r.dropped)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%s packets, %s downloaded, average throughput %s\n",
		format.NumberCompact(int64(totalPackets)),
		format.Bytes(int64(s.estimator.TotalBytes())),
		format.Bitrate(s.estimator.AverageThroughput()))
	if history := s.estimator.History(); len(history) > 0 {
		lo, hi := history[0], history[0]
		for _, bps := range history[1:] {
			lo, hi = min(lo, bps), max(hi, bps)
		}
		fmt.Fprintf(w, "last %d downloads: %s to %s\n",
			s.estimator.SampleCount(), format.Bitrate(float64(lo)), format.Bitrate(float64(hi)))
	}
}
