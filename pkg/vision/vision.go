// Package vision defines frame analysis: handing the model a camera frame
// plus a structured prompt and getting back a machine-readable judgement on
// whether anything in view is worth speaking about.
//
// Two implementations exist: [RealtimeAnalyzer] rides the session's existing
// duplex model connection, and the openai subpackage provides an HTTP
// chat-completions analyzer used as a standalone or fallback path.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/argusvoice/argus/pkg/realtime"
)

// Decision is the model's judgement on one analysed frame. It is ephemeral:
// acted on or discarded, never persisted.
type Decision struct {
	// Speak reports whether the model thinks the observation is worth
	// saying out loud.
	Speak bool `json:"speak"`

	// Confidence in [0, 1] of that judgement.
	Confidence float64 `json:"confidence"`

	// Message is the short, pre-composed utterance to speak verbatim if
	// Speak is acted on.
	Message string `json:"message"`
}

// Analyzer produces a [Decision] for a frame. Implementations must respect
// ctx cancellation; the scheduler calls with a hard deadline.
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte, prompt string) (Decision, error)
}

// DefaultPrompt is the structured analysis prompt. It constrains the reply to
// a bare JSON object so [ParseDecision] can decode it, and biases the model
// against chattiness; the confidence threshold does the real gating.
const DefaultPrompt = `You are the eyes of a proactive voice assistant. ` +
	`Look at this image from the user's camera and decide whether anything ` +
	`deserves an unprompted spoken remark: a hazard, a notable change, or ` +
	`something clearly useful to point out. Most frames deserve silence. ` +
	`Reply with only a JSON object, no prose and no code fences: ` +
	`{"speak": <bool>, "confidence": <0.0-1.0>, "message": "<one short sentence>"}`

// ParseDecision decodes the model's JSON-shaped text reply. It tolerates
// markdown code fences and surrounding prose, extracting the first JSON
// object found.
func ParseDecision(raw string) (Decision, error) {
	text := strings.TrimSpace(raw)

	// Models occasionally fence the object despite instructions.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("vision: no JSON object in analysis reply %q", truncate(raw, 80))
	}

	var d Decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("vision: decode analysis reply: %w", err)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return Decision{}, fmt.Errorf("vision: confidence %v out of [0,1]", d.Confidence)
	}
	if d.Speak && d.Message == "" {
		return Decision{}, fmt.Errorf("vision: speak=true with empty message")
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// RealtimeAnalyzer implements [Analyzer] on top of an open realtime session,
// using its out-of-band image analysis capability.
type RealtimeAnalyzer struct {
	Handle realtime.Handle
}

// Analyze sends the frame and prompt over the session and decodes the reply.
func (a *RealtimeAnalyzer) Analyze(ctx context.Context, frame []byte, prompt string) (Decision, error) {
	reply, err := a.Handle.AnalyzeImage(ctx, frame, prompt)
	if err != nil {
		return Decision{}, fmt.Errorf("vision: realtime analysis: %w", err)
	}
	return ParseDecision(reply)
}

// Ensure RealtimeAnalyzer implements Analyzer at compile time.
var _ Analyzer = (*RealtimeAnalyzer)(nil)
