package session

import (
	"context"
	"errors"
	"time"

	"github.com/argusvoice/argus/internal/observe"
	"github.com/argusvoice/argus/internal/resilience"
	"github.com/argusvoice/argus/pkg/protocol"
	"github.com/argusvoice/argus/pkg/vision"
)

// Interjection sensitivity maps one knob in [0,1] onto two dials at once:
// how often the assistant may speak up, and how sure the model must be before
// it does. Both mappings are linear between calibrated endpoints.

// MinInterval returns the minimum spacing between interjections at the given
// sensitivity: max at sensitivity 0, min at sensitivity 1.
func MinInterval(sensitivity float64, min, max time.Duration) time.Duration {
	return max - time.Duration(sensitivity*float64(max-min))
}

// ConfidenceThreshold returns the analysis confidence required to speak at
// the given sensitivity: 0.95 at sensitivity 0 down to 0.60 at sensitivity 1.
func ConfidenceThreshold(sensitivity float64) float64 {
	return 0.95 - 0.35*sensitivity
}

// mutedSensitivity is the cutoff below which the scheduler treats the session
// as proactively muted without touching the analysis path at all.
const mutedSensitivity = 0.01

// tick outcomes, recorded on the scheduler-evaluation counter.
const (
	tickSpoke      = "spoke"
	tickSuppressed = "suppressed"
	tickDeclined   = "declined"
	tickError      = "error"
)

// runInterjector evaluates the interjection decision once per configured
// period until ctx is cancelled or the session closes.
func (c *Coordinator) runInterjector(ctx context.Context) {
	ticker := time.NewTicker(c.interject.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.recordTick(c.evaluateInterjection(ctx))
		}
	}
}

// evaluateInterjection runs one scheduler tick and returns its outcome. The
// cheap suppression checks run strictly before the expensive model call:
// conversation activity, the mute cutoff, frame presence, frame staleness,
// then interjection spacing.
func (c *Coordinator) evaluateInterjection(ctx context.Context) string {
	now := c.now()

	c.mu.Lock()
	st := c.effectiveState(now)
	sensitivity := c.sensitivity
	frame := c.freshFrameLocked(now)
	hasFrame := c.frame != nil
	sinceLast := now.Sub(c.lastSpoke)
	lastSpoke := c.lastSpoke
	c.mu.Unlock()

	switch {
	case st != StateIdle:
		return tickSuppressed
	case sensitivity <= mutedSensitivity:
		return tickSuppressed
	case !hasFrame:
		return tickSuppressed
	case frame == nil:
		// A frame exists but has gone stale; ask for a new one so the next
		// tick has something current to judge.
		c.send(protocol.FrameRequest{})
		return tickSuppressed
	case !lastSpoke.IsZero() && sinceLast < MinInterval(sensitivity, c.interject.MinInterval(), c.interject.MaxInterval()):
		return tickSuppressed
	}

	decision, err := c.analyzeFrame(ctx, frame)
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			c.log.Warn("frame analysis failed", "error", err)
		}
		return tickError
	}

	if !decision.Speak || decision.Confidence < ConfidenceThreshold(sensitivity) {
		return tickDeclined
	}

	// The analysis call may have taken seconds; Speak re-checks that the
	// session is still idle and refuses otherwise.
	if err := c.Speak(decision.Message); err != nil {
		c.log.Debug("interjection discarded", "error", err)
		return tickSuppressed
	}

	c.log.Info("interjected",
		"confidence", decision.Confidence,
		"message", decision.Message)
	if c.metrics != nil {
		c.metrics.Interjections.Add(context.Background(), 1)
	}
	return tickSpoke
}

// analyzeFrame runs one frame-analysis model call under the deadline and the
// circuit breaker, recording its latency.
func (c *Coordinator) analyzeFrame(ctx context.Context, frame []byte) (vision.Decision, error) {
	var decision vision.Decision
	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.interject.AnalysisTimeout())
		defer cancel()

		start := c.now()
		d, err := c.analyzer.Analyze(callCtx, frame, vision.DefaultPrompt)
		if c.metrics != nil {
			c.metrics.AnalysisDuration.Record(context.Background(),
				c.now().Sub(start).Seconds())
		}
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	return decision, err
}

func (c *Coordinator) recordTick(outcome string) {
	if c.metrics != nil {
		c.metrics.InterjectionTicks.Add(context.Background(), 1,
			observe.WithAttrs(observe.AttrResult.String(outcome)))
	}
}
