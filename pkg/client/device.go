// Package client implements the reference phone client: audio capture and
// playback devices, a reconnecting websocket transport, and the pipeline
// that ties them to the session server's wire protocol.
//
// The package contains no real audio-hardware bindings. Capture and playback
// are interfaces; the file and null implementations here are enough for
// development, load generation and tests, and a hardware device slots in
// behind the same interfaces.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/argusvoice/argus/pkg/audio"
)

// ErrCaptureDone is returned by [CaptureDevice.Read] when the source is
// exhausted (a file capture reaching EOF). The pipeline stops cleanly.
var ErrCaptureDone = errors.New("client: capture source exhausted")

// CaptureDevice produces raw PCM16 audio in its native format. Read blocks
// until a chunk is available, ctx is cancelled, or the source is done.
type CaptureDevice interface {
	Format() audio.Format
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// PlaybackDevice consumes wire-format PCM16 speech. Play may block for the
// duration of the chunk, as real output hardware does.
type PlaybackDevice interface {
	Play(pcm []byte) error
	Close() error
}

// FrameSource produces camera frames on demand.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// ── File capture ──────────────────────────────────────────────────────────────

// FileCapture replays a raw PCM16 file as if it were a live microphone,
// pacing reads at real time.
type FileCapture struct {
	f      *os.File
	format audio.Format
	chunk  int // bytes per Read
	pace   time.Duration
}

// NewFileCapture opens path as a raw PCM16 stream in the given format,
// delivering chunkDur of audio per Read.
func NewFileCapture(path string, format audio.Format, chunkDur time.Duration) (*FileCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("client: open capture file: %w", err)
	}

	bytesPerSec := format.SampleRate * format.Channels * audio.BytesPerSample
	chunk := int(float64(bytesPerSec) * chunkDur.Seconds())
	if chunk%2 != 0 {
		chunk++
	}
	return &FileCapture{f: f, format: format, chunk: chunk, pace: chunkDur}, nil
}

func (c *FileCapture) Format() audio.Format { return c.format }

// Read returns the next chunk after sleeping one chunk duration, simulating
// live capture cadence. Returns [ErrCaptureDone] at EOF.
func (c *FileCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.pace):
	}

	buf := make([]byte, c.chunk)
	n, err := io.ReadFull(c.f, buf)
	if n == 0 {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrCaptureDone
		}
		return nil, fmt.Errorf("client: read capture file: %w", err)
	}
	return buf[:n-n%2], nil
}

func (c *FileCapture) Close() error { return c.f.Close() }

// ── File / null playback ──────────────────────────────────────────────────────

// FilePlayback appends received speech to a raw PCM16 file.
type FilePlayback struct {
	f *os.File
}

// NewFilePlayback creates (or truncates) path as the playback sink.
func NewFilePlayback(path string) (*FilePlayback, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("client: create playback file: %w", err)
	}
	return &FilePlayback{f: f}, nil
}

func (p *FilePlayback) Play(pcm []byte) error {
	_, err := p.f.Write(pcm)
	return err
}

func (p *FilePlayback) Close() error { return p.f.Close() }

// NullPlayback discards all audio. Useful for load generation.
type NullPlayback struct{}

func (NullPlayback) Play([]byte) error { return nil }
func (NullPlayback) Close() error      { return nil }

// FileFrameSource serves the same image file for every capture. Good enough
// to exercise the frame path end to end.
type FileFrameSource struct {
	Path string
}

func (s *FileFrameSource) Capture(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("client: read frame file: %w", err)
	}
	return data, nil
}

var (
	_ CaptureDevice  = (*FileCapture)(nil)
	_ PlaybackDevice = (*FilePlayback)(nil)
	_ PlaybackDevice = NullPlayback{}
	_ FrameSource    = (*FileFrameSource)(nil)
)
