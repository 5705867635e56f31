// Package audio provides the PCM types and pure conversion routines shared by
// the client pipeline and the server session coordinator.
//
// The wire format is fixed: 16-bit little-endian signed PCM, mono, 24 kHz,
// the exact input/output format of the hosted speech model. Anything a device
// captures or plays in another format crosses through [FormatConverter] at
// the boundary.
//
// This package lives under pkg/ because device adapters (platform capture and
// playback implementations) are expected to import it.
package audio

import "time"

// Wire format constants. These match the speech model's required audio format
// exactly; deviating requires explicit resampling at the boundary.
const (
	// WireSampleRate is the sample rate of all audio on the wire, in Hz.
	WireSampleRate = 24000

	// WireChannels is the channel count of all audio on the wire.
	WireChannels = 1

	// BytesPerSample is the size of one PCM16 sample in bytes.
	BytesPerSample = 2
)

// WireFormat returns the Format all wire audio must be in.
func WireFormat() Format {
	return Format{SampleRate: WireSampleRate, Channels: WireChannels}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame represents a single frame of audio flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from input
// devices, level-metered, converted by the codec, and chunked onto the wire.
type Frame struct {
	// PCM16 little-endian audio data.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for typical device capture, 24000 on the wire).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its own sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (BytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
