package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/framecast-project/framecast/internal/capture"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/viewer"
)

const reportInterval = 5 * time.Second

type viewOptions struct {
	name     string
	width    int
	height   int
	frames   int
	duration time.Duration
	verbose  bool
}

func viewCmd() *cobra.Command {
	opts := viewOptions{name: "framecast-view", width: 640, height: 480, frames: 3}

	cmd := &cobra.Command{
		Use:   "view <host:port>",
		Short: "Connect a headless viewer and report what it receives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", opts.name, "viewer name sent on registration")
	cmd.Flags().IntVar(&opts.width, "width", opts.width, "requested resolution width")
	cmd.Flags().IntVar(&opts.height, "height", opts.height, "requested resolution height")
	cmd.Flags().IntVar(&opts.frames, "frames", opts.frames, "frames to remember for delta decoding")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "disconnect after this long (0 runs until interrupted)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runView(out io.Writer, addr string, opts viewOptions) error {
	initConsoleLogger(opts.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	link, err := viewer.Dial(ctx, addr, network.DefaultOptions())
	if err != nil {
		return err
	}
	defer link.Close()

	v := viewer.New(opts.name, opts.width, opts.height, opts.frames, link)
	v.OnSceneReady(func(sceneID uint8) {
		w, h := 0, 0
		if b := v.Scene(); b != nil {
			w, h = b.Width(), b.Height()
		}
		log.Info().Uint8("scene", sceneID).Int("width", w).Int("height", h).Msg("scene received, streaming")
	})

	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		var last viewer.Summary
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := v.Summary()
				log.Info().
					Int("frames", s.Frames-last.Frames).
					Str("rate", humanize.Bytes((s.Bytes-last.Bytes)/uint64(reportInterval/time.Second))+"/s").
					Dur("rtt", link.RTT()).
					Msg("viewer report")
				last = s
			}
		}
	}()

	log.Info().Str("server", addr).Int("width", opts.width).Int("height", opts.height).Msg("connecting")
	start := time.Now()
	err = v.Run(ctx)
	switch {
	case errors.Is(err, viewer.ErrDisconnected):
		log.Info().Msg("server closed the connection")
	case errors.Is(err, viewer.ErrConnectionLost):
		log.Warn().Msg("connection lost")
	case ctx.Err() != nil:
		if derr := v.Disconnect(); derr != nil {
			log.Debug().Err(derr).Msg("failed to send disconnect")
		}
		err = nil
	}

	printSummary(out, v.Summary(), time.Since(start))
	return err
}

type replayOptions struct {
	speed   float64
	frames  int
	verbose bool
}

func replayCmd() *cobra.Command {
	opts := replayOptions{frames: 3}

	cmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Decode a session capture through a viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "playback speed multiplier (0 decodes as fast as possible)")
	cmd.Flags().IntVar(&opts.frames, "frames", opts.frames, "frames to remember for delta decoding")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runReplay(out io.Writer, path string, opts replayOptions) error {
	initConsoleLogger(opts.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	log.Info().
		Str("capture", path).
		Int("width", r.Header.Width).
		Int("height", r.Header.Height).
		Str("recorded", humanize.Time(r.Header.Start)).
		Msg("replaying capture")

	v := viewer.New("replay", r.Header.Width, r.Header.Height, opts.frames, nil)
	start := time.Now()
	n, err := viewer.Replay(ctx, r, v, opts.speed)
	log.Info().Int("records", n).Msg("replay finished")

	printSummary(out, v.Summary(), time.Since(start))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func initConsoleLogger(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}

func printSummary(out io.Writer, s viewer.Summary, elapsed time.Duration) {
	fmt.Fprintln(out)
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Metric", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	rows := [][]string{
		{"Elapsed", elapsed.Round(time.Millisecond).String()},
		{"Messages", strconv.Itoa(s.Messages)},
		{"Received", humanize.Bytes(s.Bytes)},
		{"Malformed", strconv.Itoa(s.Malformed)},
		{"Scenes", strconv.Itoa(s.Scenes)},
		{"Scene lines", strconv.Itoa(s.SceneLines)},
		{"Terrain changes", strconv.Itoa(s.TerrainChanges)},
		{"Stale terrain", strconv.Itoa(s.StaleTerrain)},
		{"Frames", strconv.Itoa(s.Frames)},
		{"Frame boxes", strconv.Itoa(s.FrameBoxes)},
		{"Frame lines", strconv.Itoa(s.FrameLines)},
		{"Post effects", strconv.Itoa(s.PostEffects)},
		{"Sounds", strconv.Itoa(s.Sounds)},
		{"Music", strconv.Itoa(s.Music)},
	}
	if secs := elapsed.Seconds(); secs > 0 {
		rows = append(rows,
			[]string{"Frames/s", fmt.Sprintf("%.1f", float64(s.Frames)/secs)},
			[]string{"Rate", humanize.Bytes(uint64(float64(s.Bytes)/secs)) + "/s"},
		)
	}
	tw.AppendBulk(rows)
	tw.Render()
}
