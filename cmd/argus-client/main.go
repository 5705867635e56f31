// Command argus-client is the headless reference client: it streams a raw
// PCM16 audio file to a session server as if it were a live microphone,
// plays received speech into a file (or discards it), and optionally uploads
// a camera frame on a fixed cadence.
//
// It exists for development and load testing; a real phone app implements
// the same wire protocol against the same endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/pkg/audio"
	"github.com/argusvoice/argus/pkg/client"
	"github.com/argusvoice/argus/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the YAML configuration file")
		audioPath   = flag.String("audio", "", "raw PCM16 file to stream as microphone input (required)")
		outPath     = flag.String("out", "", "file to append received speech to (default: discard)")
		framePath   = flag.String("frame", "", "image file to upload as camera frames")
		frameEvery  = flag.Duration("frame-every", 5*time.Second, "cadence of frame uploads")
		sampleRate  = flag.Int("rate", audio.WireSampleRate, "sample rate of the input file")
		channels    = flag.Int("channels", audio.WireChannels, "channel count of the input file")
		sensitivity = flag.Float64("sensitivity", -1, "interjection sensitivity to request, in [0,1]")
		say         = flag.String("say", "", "typed message to send once the session is ready")
	)
	flag.Parse()

	if *audioPath == "" {
		fmt.Fprintln(os.Stderr, "argus-client: -audio is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "argus-client: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Devices ───────────────────────────────────────────────────────────────
	capture, err := client.NewFileCapture(*audioPath,
		audio.Format{SampleRate: *sampleRate, Channels: *channels}, cfg.Client.Chunk())
	if err != nil {
		slog.Error("open capture", "err", err)
		return 1
	}
	defer capture.Close()

	var playback client.PlaybackDevice = client.NullPlayback{}
	if *outPath != "" {
		fp, err := client.NewFilePlayback(*outPath)
		if err != nil {
			slog.Error("open playback", "err", err)
			return 1
		}
		defer fp.Close()
		playback = fp
	}

	var frames client.FrameSource
	if *framePath != "" {
		frames = &client.FileFrameSource{Path: *framePath}
	}

	// ── Transport + pipeline ──────────────────────────────────────────────────
	transport, err := client.NewTransport(client.TransportConfig{
		URL:           cfg.Client.ServerURL,
		ReconnectBase: cfg.Client.ReconnectBase(),
		MaxAttempts:   cfg.Client.ReconnectMaxAttempts,
		Handlers: client.Handlers{
			OnSessionReady: func(m protocol.SessionReady) {
				slog.Info("session ready", "session_id", m.SessionID)
			},
			OnTranscript: func(m protocol.Transcript) {
				fmt.Printf("[%s] %s\n", m.Role, m.Text)
			},
			OnError: func(m protocol.ErrorMessage) {
				slog.Warn("server error", "message", m.Message)
			},
		},
	})
	if err != nil {
		slog.Error("create transport", "err", err)
		return 1
	}
	defer transport.Close()

	pipeline, err := client.NewPipeline(transport, client.PipelineConfig{
		Capture:        capture,
		Playback:       playback,
		Frames:         frames,
		FrameInterval:  *frameEvery,
		BargeThreshold: cfg.Client.BargeThreshold,
	})
	if err != nil {
		slog.Error("create pipeline", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error {
		err := pipeline.Run(gctx)
		// The input file finished; leave the session open briefly so the
		// model's final response can play out, then disconnect.
		if err == nil && gctx.Err() == nil {
			slog.Info("capture finished, draining")
			select {
			case <-gctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		transport.Close()
		return err
	})
	if *say != "" {
		g.Go(func() error {
			// Give the session a moment to come up.
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			if err := transport.SendUserMessage(*say); err != nil {
				slog.Warn("send user message", "err", err)
			}
			return nil
		})
	}
	if *sensitivity >= 0 {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			if err := transport.SendSensitivity(*sensitivity); err != nil {
				slog.Warn("send sensitivity", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client error", "err", err)
		return 1
	}
	return 0
}
