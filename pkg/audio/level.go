package audio

// DefaultBargeThreshold is the short-term mean absolute amplitude, on a
// normalised [-1, 1] scale, above which captured input counts as the user
// speaking over model playback. Tuned empirically on phone microphones.
const DefaultBargeThreshold = 0.02

// MeanAbs computes the mean absolute amplitude of little-endian PCM16 data on
// a normalised [0, 1] scale. Used for level metering while muted and for
// barge-in detection while the model is speaking.
func MeanAbs(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(samples)
}

// OnsetDetector latches on the first input frame whose level crosses the
// threshold, so a sustained burst of speech produces exactly one onset
// signal. Re-arm it whenever playback (the thing being interrupted) starts.
//
// Not safe for concurrent use; call from the capture path only.
type OnsetDetector struct {
	threshold float64
	latched   bool
}

// NewOnsetDetector creates an OnsetDetector. A non-positive threshold is
// replaced with [DefaultBargeThreshold].
func NewOnsetDetector(threshold float64) *OnsetDetector {
	if threshold <= 0 {
		threshold = DefaultBargeThreshold
	}
	return &OnsetDetector{threshold: threshold}
}

// Sample feeds one captured PCM16 frame. It returns true only on the first
// frame of a speech onset; subsequent loud frames return false until
// [OnsetDetector.Arm] is called again.
func (d *OnsetDetector) Sample(pcm []byte) bool {
	if d.latched {
		return false
	}
	if MeanAbs(pcm) > d.threshold {
		d.latched = true
		return true
	}
	return false
}

// Arm resets the latch so the next threshold crossing fires again.
func (d *OnsetDetector) Arm() {
	d.latched = false
}
