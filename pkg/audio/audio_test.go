package audio

import (
	"testing"
	"time"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestFrameDuration(t *testing.T) {
	// 100ms of wire audio: 2400 mono samples at 24kHz.
	f := Frame{
		Data:       make([]byte, 2400*BytesPerSample),
		SampleRate: WireSampleRate,
		Channels:   WireChannels,
	}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}

	if got := (Frame{Data: []byte{0, 0}}).Duration(); got != 0 {
		t.Errorf("Duration with zero format = %v, want 0", got)
	}
}

func TestConverterFastPath(t *testing.T) {
	c := &FormatConverter{Target: WireFormat()}
	in := Frame{Data: pcm16(100, -100), SampleRate: WireSampleRate, Channels: WireChannels}

	out := c.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Errorf("matching format was copied instead of passed through")
	}
}

func TestConverterDropsTornFrames(t *testing.T) {
	c := &FormatConverter{Target: WireFormat()}
	out := c.Convert(Frame{Data: []byte{0x01}, SampleRate: 48000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("odd-length PCM not dropped")
	}
}

func TestConverterResamplesAndDownmixes(t *testing.T) {
	// 10ms of 48kHz stereo: 480 frames, 1920 bytes.
	in := make([]byte, 480*4)
	c := &FormatConverter{Target: WireFormat()}

	out := c.Convert(Frame{Data: in, SampleRate: 48000, Channels: 2})
	if out.SampleRate != WireSampleRate || out.Channels != WireChannels {
		t.Fatalf("output format = %d/%d", out.SampleRate, out.Channels)
	}
	// 10ms of 24kHz mono: 240 samples, 480 bytes.
	if len(out.Data) != 480 {
		t.Errorf("output length = %d bytes, want 480", len(out.Data))
	}
}

func TestResampleMono16Halves(t *testing.T) {
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	out := ResampleMono16(in, 48000, 24000)
	if len(out) != len(in)/2 {
		t.Fatalf("output = %d bytes, want %d", len(out), len(in)/2)
	}
}

func TestStereoMonoRoundShapes(t *testing.T) {
	mono := pcm16(1000, -1000)
	stereo := MonoToStereo(mono)
	if len(stereo) != len(mono)*2 {
		t.Fatalf("stereo length = %d", len(stereo))
	}
	back := StereoToMono(stereo)
	if string(back) != string(mono) {
		t.Errorf("mono → stereo → mono altered samples")
	}
}

func TestPlaybackBufferPrimesAtThreshold(t *testing.T) {
	b := NewPlaybackBuffer(10, 6)

	b.Write(make([]byte, 9))
	if _, ok := b.Next(); ok {
		t.Fatal("buffer produced output below the start threshold")
	}

	b.Write(make([]byte, 1))
	chunk, ok := b.Next()
	if !ok {
		t.Fatal("buffer silent at the start threshold")
	}
	if len(chunk) != 6 {
		t.Errorf("chunk = %d bytes, want maxChunk 6", len(chunk))
	}

	// Remainder drains, then the guard re-arms.
	chunk, ok = b.Next()
	if !ok || len(chunk) != 4 {
		t.Fatalf("second chunk = %d bytes, ok=%v, want 4", len(chunk), ok)
	}
	if _, ok := b.Next(); ok {
		t.Fatal("drained buffer still producing")
	}

	// After draining, small writes must accumulate again before output.
	b.Write(make([]byte, 5))
	if _, ok := b.Next(); ok {
		t.Fatal("re-armed buffer produced output below the start threshold")
	}
}

func TestPlaybackBufferReset(t *testing.T) {
	b := NewPlaybackBuffer(4, 8)
	b.Write(make([]byte, 16))
	b.Reset()

	if b.Len() != 0 {
		t.Errorf("Len after reset = %d", b.Len())
	}
	if _, ok := b.Next(); ok {
		t.Error("reset buffer still producing")
	}
}

func TestMeanAbs(t *testing.T) {
	if got := MeanAbs(nil); got != 0 {
		t.Errorf("MeanAbs(nil) = %v", got)
	}
	if got := MeanAbs(pcm16(0, 0, 0)); got != 0 {
		t.Errorf("MeanAbs(silence) = %v", got)
	}

	loud := MeanAbs(pcm16(16384, -16384))
	if loud < 0.49 || loud > 0.51 {
		t.Errorf("MeanAbs(half scale) = %v, want ~0.5", loud)
	}
}

func TestOnsetDetectorFiresOnce(t *testing.T) {
	d := NewOnsetDetector(0.02)
	quiet := pcm16(100, -100)  // ~0.003
	loud := pcm16(3277, -3277) // ~0.1

	if d.Sample(quiet) {
		t.Fatal("onset on quiet input")
	}
	if !d.Sample(loud) {
		t.Fatal("no onset on loud input")
	}
	if d.Sample(loud) {
		t.Fatal("second onset without re-arm")
	}

	d.Arm()
	if !d.Sample(loud) {
		t.Fatal("no onset after re-arm")
	}
}
