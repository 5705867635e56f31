package client

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/argusvoice/argus/pkg/audio"
	"github.com/argusvoice/argus/pkg/protocol"
)

// playerIdleSleep is how long the playback scheduler sleeps when the jitter
// buffer has nothing ready.
const playerIdleSleep = 10 * time.Millisecond

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	// Capture is the microphone (or file) source. Required.
	Capture CaptureDevice

	// Playback is the speaker sink. Required.
	Playback PlaybackDevice

	// Frames produces camera frames. Nil disables the frame path.
	Frames FrameSource

	// FrameInterval is the cadence of unsolicited frame uploads. Zero
	// disables periodic upload; frame_request still works.
	FrameInterval time.Duration

	// BargeThreshold is the mean-absolute-amplitude barge-in threshold.
	// Non-positive means [audio.DefaultBargeThreshold].
	BargeThreshold float64
}

// Pipeline wires the devices to a [Transport]: captured audio out, model
// speech in through the jitter buffer, barge-in detection while muted, and
// the camera-frame path.
type Pipeline struct {
	transport *Transport
	capture   CaptureDevice
	playback  PlaybackDevice
	frames    FrameSource
	frameIvl  time.Duration
	log       *slog.Logger

	muted   atomic.Bool
	playing atomic.Bool
	buffer  *audio.PlaybackBuffer
	onset   *audio.OnsetDetector
}

// NewPipeline creates a [Pipeline] bound to transport. It installs its own
// transport handlers; callers needing transcripts or errors should set those
// handler fields before calling this.
func NewPipeline(transport *Transport, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Capture == nil || cfg.Playback == nil {
		return nil, errors.New("client: pipeline needs capture and playback devices")
	}

	p := &Pipeline{
		transport: transport,
		capture:   cfg.Capture,
		playback:  cfg.Playback,
		frames:    cfg.Frames,
		frameIvl:  cfg.FrameInterval,
		log:       slog.With("component", "pipeline"),
		buffer:    audio.NewPlaybackBuffer(0, 0),
		onset:     audio.NewOnsetDetector(cfg.BargeThreshold),
	}

	h := &transport.cfg.Handlers
	h.OnAudio = p.onAudio
	h.OnMuteMic = p.onMuteMic
	h.OnStopAudio = func(protocol.StopAudio) { p.stopPlayback() }
	h.OnFrameRequest = func(protocol.FrameRequest) { go p.sendFrame() }
	return p, nil
}

// Run drives the capture, playback and frame loops until ctx is cancelled or
// the capture source is exhausted.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.captureLoop(ctx) })
	g.Go(func() error { return p.playLoop(ctx) })
	if p.frames != nil && p.frameIvl > 0 {
		g.Go(func() error { return p.frameLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, ErrCaptureDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ── Capture path ──────────────────────────────────────────────────────────────

// captureLoop reads device audio, converts it to the wire format, and sends
// it, unless muted, in which case frames are only level-metered for
// barge-in detection.
func (p *Pipeline) captureLoop(ctx context.Context) error {
	conv := &audio.FormatConverter{Target: audio.WireFormat()}
	format := p.capture.Format()

	for {
		raw, err := p.capture.Read(ctx)
		if err != nil {
			return err
		}

		frame := conv.Convert(audio.Frame{
			Data:       raw,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		})
		if len(frame.Data) == 0 {
			continue
		}

		if p.muted.Load() {
			// The mic is muted because the model is speaking; watch for the
			// user talking over it.
			if p.playing.Load() && p.onset.Sample(frame.Data) {
				p.bargeIn()
			}
			continue
		}

		if err := p.transport.SendAudio(frame.Data); err != nil {
			if errors.Is(err, ErrDisconnected) {
				continue // drop the chunk; reconnection is in progress
			}
			return err
		}
	}
}

// bargeIn halts playback locally and tells the server to cancel the
// response. Local playback stops first so the user stops hearing the model
// within milliseconds, not a round trip.
func (p *Pipeline) bargeIn() {
	p.log.Info("barge-in detected, halting playback")
	p.stopPlayback()
	if err := p.transport.SendBargeIn(); err != nil {
		p.log.Warn("barge-in send failed", "error", err)
	}
}

// ── Playback path ─────────────────────────────────────────────────────────────

func (p *Pipeline) onAudio(m protocol.Audio) {
	p.buffer.Write(m.PCM)
	if !p.playing.Swap(true) {
		// New utterance beginning: re-arm barge-in detection.
		p.onset.Arm()
	}
}

func (p *Pipeline) onMuteMic(m protocol.MuteMic) {
	p.muted.Store(m.Muted)
	p.log.Debug("microphone mute directive", "muted", m.Muted)
}

// playLoop drains the jitter buffer into the playback device.
func (p *Pipeline) playLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, ok := p.buffer.Next()
		if !ok {
			p.playing.Store(false)
			if err := sleepCtx(ctx, playerIdleSleep); err != nil {
				return err
			}
			continue
		}

		if err := p.playback.Play(chunk); err != nil {
			return err
		}
	}
}

// stopPlayback discards buffered speech and marks playback stopped.
func (p *Pipeline) stopPlayback() {
	p.buffer.Reset()
	p.playing.Store(false)
}

// ── Frame path ────────────────────────────────────────────────────────────────

func (p *Pipeline) frameLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.frameIvl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sendFrame()
		}
	}
}

func (p *Pipeline) sendFrame() {
	if p.frames == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	image, err := p.frames.Capture(ctx)
	if err != nil {
		p.log.Warn("frame capture failed", "error", err)
		return
	}
	if err := p.transport.SendFrame(image, time.Now()); err != nil && !errors.Is(err, ErrDisconnected) {
		p.log.Warn("frame send failed", "error", err)
	}
}
