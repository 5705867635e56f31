package audio

import "sync"

// Default playback buffer thresholds for the wire format (24 kHz mono PCM16).
const (
	// DefaultStartThreshold is the number of buffered bytes required before
	// playback begins: 100 ms of wire audio. Starting earlier risks choppy
	// stutter on irregular chunk arrival; starting much later adds latency.
	DefaultStartThreshold = WireSampleRate * BytesPerSample / 10

	// DefaultMaxChunk is the largest slice handed to the playback engine per
	// scheduling round: 200 ms of wire audio.
	DefaultMaxChunk = WireSampleRate * BytesPerSample / 5
)

// PlaybackBuffer is the jitter buffer between the network and the playback
// engine. Incoming model audio arrives in arbitrarily small and irregularly
// sized chunks; the buffer absorbs that irregularity with a two-threshold
// design: output is withheld until StartThreshold bytes have accumulated
// (underrun guard), then drained in bounded slices until empty, at which
// point the guard re-arms.
//
// Safe for concurrent use: the network goroutine writes, the playback
// scheduler reads.
type PlaybackBuffer struct {
	mu             sync.Mutex
	buf            []byte
	primed         bool
	startThreshold int
	maxChunk       int
}

// NewPlaybackBuffer creates a PlaybackBuffer. Non-positive arguments are
// replaced with [DefaultStartThreshold] and [DefaultMaxChunk].
func NewPlaybackBuffer(startThreshold, maxChunk int) *PlaybackBuffer {
	if startThreshold <= 0 {
		startThreshold = DefaultStartThreshold
	}
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &PlaybackBuffer{
		startThreshold: startThreshold,
		maxChunk:       maxChunk,
	}
}

// Write appends an incoming chunk. Chunks of any size are accepted, including
// chunks smaller than the start threshold.
func (b *PlaybackBuffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, chunk...)
	if !b.primed && len(b.buf) >= b.startThreshold {
		b.primed = true
	}
	b.mu.Unlock()
}

// Next returns the next slice to schedule for playback, at most maxChunk
// bytes, and true. It returns nil and false while the buffer is unprimed
// (still accumulating towards the start threshold) or empty. Draining the
// buffer to empty re-arms the start threshold.
func (b *PlaybackBuffer) Next() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.primed || len(b.buf) == 0 {
		return nil, false
	}

	n := len(b.buf)
	if n > b.maxChunk {
		n = b.maxChunk
	}
	chunk := make([]byte, n)
	copy(chunk, b.buf[:n])
	b.buf = b.buf[n:]

	if len(b.buf) == 0 {
		// Underrun guard re-arms: playback halts until the buffer refills
		// past the start threshold.
		b.primed = false
		b.buf = nil
	}
	return chunk, true
}

// Len reports the number of buffered bytes.
func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reset discards all buffered audio and re-arms the start threshold. Called
// on barge-in and on a stop-audio directive so stale model speech never
// reaches the speaker.
func (b *PlaybackBuffer) Reset() {
	b.mu.Lock()
	b.buf = nil
	b.primed = false
	b.mu.Unlock()
}
