package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/argusvoice/argus/pkg/audio"
	"github.com/argusvoice/argus/pkg/protocol"
)

// scriptCapture hands out scripted chunks, then reports the source done.
type scriptCapture struct {
	mu     sync.Mutex
	chunks [][]byte
	format audio.Format
}

func (c *scriptCapture) Format() audio.Format { return c.format }

func (c *scriptCapture) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) == 0 {
		return nil, ErrCaptureDone
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func (c *scriptCapture) Close() error { return nil }

// memPlayback records played chunks.
type memPlayback struct {
	mu     sync.Mutex
	played [][]byte
}

func (p *memPlayback) Play(pcm []byte) error {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.played = append(p.played, cp)
	p.mu.Unlock()
	return nil
}

func (p *memPlayback) Close() error { return nil }

func (p *memPlayback) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.played {
		n += len(c)
	}
	return n
}

func loudChunk(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		out[i] = 0xCD // 0x0CCD ≈ 0.1 full scale
		out[i+1] = 0x0C
	}
	return out
}

// connectedPipeline builds a pipeline on a transport that is already
// connected to an in-memory conn.
func connectedPipeline(t *testing.T, cfg PipelineConfig) (*Pipeline, *Transport, *scriptConn) {
	t.Helper()
	conn := newScriptConn()
	tr, err := NewTransport(TransportConfig{
		URL:    "ws://test",
		Dialer: func(context.Context, string) (Conn, error) { return conn, nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewPipeline(tr, cfg)
	if err != nil {
		t.Fatal(err)
	}

	go tr.Run(t.Context())
	t.Cleanup(func() { tr.Close() })

	deadline := time.After(time.Second)
	for tr.Send(protocol.BargeIn{}) != nil {
		select {
		case <-deadline:
			t.Fatal("transport never connected")
		case <-time.After(time.Millisecond):
		}
	}
	conn.mu.Lock()
	conn.writes = nil // discard the connectivity probe
	conn.mu.Unlock()
	return p, tr, conn
}

func writtenTypes(conn *scriptConn) []string {
	var out []string
	for _, raw := range conn.written() {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func TestCaptureLoopForwardsWireAudio(t *testing.T) {
	capture := &scriptCapture{
		format: audio.WireFormat(),
		chunks: [][]byte{loudChunk(480), loudChunk(480)},
	}
	p, _, conn := connectedPipeline(t, PipelineConfig{
		Capture:  capture,
		Playback: &memPlayback{},
	})

	if err := p.captureLoop(t.Context()); err != ErrCaptureDone {
		t.Fatalf("captureLoop = %v, want ErrCaptureDone", err)
	}

	types := writtenTypes(conn)
	if len(types) != 2 || types[0] != "audio" || types[1] != "audio" {
		t.Errorf("wire messages = %v, want two audio chunks", types)
	}
}

func TestCaptureLoopMutedOnlyMeters(t *testing.T) {
	capture := &scriptCapture{
		format: audio.WireFormat(),
		chunks: [][]byte{loudChunk(480)},
	}
	p, _, conn := connectedPipeline(t, PipelineConfig{
		Capture:  capture,
		Playback: &memPlayback{},
	})
	p.muted.Store(true)

	if err := p.captureLoop(t.Context()); err != ErrCaptureDone {
		t.Fatalf("captureLoop = %v", err)
	}
	if types := writtenTypes(conn); len(types) != 0 {
		t.Errorf("muted capture still sent %v", types)
	}
}

func TestBargeInWhilePlaying(t *testing.T) {
	capture := &scriptCapture{
		format: audio.WireFormat(),
		chunks: [][]byte{loudChunk(480)},
	}
	p, _, conn := connectedPipeline(t, PipelineConfig{
		Capture:  capture,
		Playback: &memPlayback{},
	})

	// Model speech is playing and the mic is muted.
	p.onMuteMic(protocol.MuteMic{Muted: true})
	p.onAudio(protocol.Audio{PCM: make([]byte, audio.DefaultStartThreshold)})

	if err := p.captureLoop(t.Context()); err != ErrCaptureDone {
		t.Fatalf("captureLoop = %v", err)
	}

	types := writtenTypes(conn)
	if len(types) != 1 || types[0] != "barge_in" {
		t.Fatalf("wire messages = %v, want one barge_in", types)
	}
	if p.buffer.Len() != 0 {
		t.Errorf("playback buffer not flushed on barge-in")
	}
	if p.playing.Load() {
		t.Errorf("still marked playing after barge-in")
	}
}

func TestBargeInFiresOncePerOnset(t *testing.T) {
	capture := &scriptCapture{
		format: audio.WireFormat(),
		chunks: [][]byte{loudChunk(480), loudChunk(480), loudChunk(480)},
	}
	p, _, conn := connectedPipeline(t, PipelineConfig{
		Capture:  capture,
		Playback: &memPlayback{},
	})

	p.onMuteMic(protocol.MuteMic{Muted: true})
	p.onAudio(protocol.Audio{PCM: make([]byte, audio.DefaultStartThreshold)})
	// Keep the playing flag up across the whole burst.
	playing := func() { p.playing.Store(true) }
	playing()

	if err := p.captureLoop(t.Context()); err != ErrCaptureDone {
		t.Fatalf("captureLoop = %v", err)
	}
	playing()

	types := writtenTypes(conn)
	if len(types) != 1 {
		t.Errorf("sustained speech produced %d barge_in messages, want 1", len(types))
	}
}

func TestPlayLoopDrainsBuffer(t *testing.T) {
	playback := &memPlayback{}
	p, _, _ := connectedPipeline(t, PipelineConfig{
		Capture:  &scriptCapture{format: audio.WireFormat()},
		Playback: playback,
	})

	const total = audio.DefaultStartThreshold * 2
	p.onAudio(protocol.Audio{PCM: make([]byte, total)})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		p.playLoop(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for playback.total() < total {
		select {
		case <-deadline:
			t.Fatalf("played %d of %d bytes", playback.total(), total)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestStopAudioDirectiveFlushesBuffer(t *testing.T) {
	p, _, _ := connectedPipeline(t, PipelineConfig{
		Capture:  &scriptCapture{format: audio.WireFormat()},
		Playback: &memPlayback{},
	})

	p.onAudio(protocol.Audio{PCM: make([]byte, audio.DefaultStartThreshold)})
	p.stopPlayback()

	if p.buffer.Len() != 0 {
		t.Errorf("buffer not flushed by stop directive")
	}
	if _, ok := p.buffer.Next(); ok {
		t.Errorf("flushed buffer still producing")
	}
}
