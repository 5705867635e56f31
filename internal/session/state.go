package session

import "time"

// State is the conversational state of one session. It exists for exactly one
// purpose: deciding, per inbound audio chunk, whether the chunk is forwarded
// to the model or dropped as probable echo of the model's own speech.
type State int

const (
	// StateIdle: nobody is speaking. Inbound audio is forwarded.
	StateIdle State = iota

	// StateUserTurn: the model's voice-activity detector reports the user is
	// speaking. Inbound audio is forwarded.
	StateUserTurn

	// StateModelSpeaking: the model is producing a response. Inbound audio is
	// dropped because the microphone is hearing the speaker.
	StateModelSpeaking

	// StateEchoGrace: the response just finished; tail echo may still be in
	// flight. Inbound audio is dropped until the grace window elapses.
	StateEchoGrace
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserTurn:
		return "user_turn"
	case StateModelSpeaking:
		return "model_speaking"
	case StateEchoGrace:
		return "echo_grace"
	default:
		return "unknown"
	}
}

// gatesAudio reports whether inbound client audio is dropped in this state.
func (s State) gatesAudio() bool {
	return s == StateModelSpeaking || s == StateEchoGrace
}

// effectiveState resolves the lazy EchoGrace → Idle transition: EchoGrace
// expires at or after exactly the grace duration past the anchor, never
// before. Must be called with c.mu held.
func (c *Coordinator) effectiveState(now time.Time) State {
	if c.state == StateEchoGrace && now.Sub(c.graceAnchor) >= c.session.Grace() {
		c.state = StateIdle
	}
	return c.state
}
