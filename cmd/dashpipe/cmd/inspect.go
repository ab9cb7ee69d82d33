package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/dashpipe/internal/observability"
	"github.com/jmylchreest/dashpipe/pkg/format"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <mpd-url>",
	Short: "List the selectable streams of a DASH presentation",
	Long: `Load an MPD and list, per stream type, the streams a pipeline can play.

The ID column is the value accepted by play --video-stream and
--audio-stream. The stream marked default is the one playback would start
with.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringSlice("streams", []string{"audio", "video", "subtitle"}, "stream types to list")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Pipeline.Streams, _ = cmd.Flags().GetStringSlice("streams")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cfg, args[0], slog.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	printStreams(os.Stdout, s)
	return nil
}

func printStreams(w io.Writer, s *session) {
	doc := s.manifest.Document
	fmt.Fprintf(w, "URL:      %s\n", observability.RedactURL(s.manifest.URL))
	fmt.Fprintf(w, "Dynamic:  %t\n", doc.Dynamic)
	if s.manifest.Duration > 0 {
		fmt.Fprintf(w, "Duration: %s\n", format.MediaTime(s.manifest.Duration))
	}
	fmt.Fprintf(w, "Periods:  %d (playing %q)\n\n", len(s.manifest.Periods), s.period.ID)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tDEFAULT\tDESCRIPTION")
	for _, sp := range s.streams {
		for _, d := range sp.pipeline.StreamsDescription() {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", d.StreamType, d.ID, def, d.Description)
		}
	}
	_ = tw.Flush()
}
