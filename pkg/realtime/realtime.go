// Package realtime defines the client interface to a hosted real-time
// speech/vision model.
//
// A real-time model accepts a continuous stream of raw audio and returns
// synthesised speech and transcripts over a single, stateful duplex session;
// there is no separate STT → LLM → TTS pipeline. The central abstraction is
// [Handle]: one open session per connected phone client, carrying audio,
// transcripts, voice-activity events and on-demand frame analysis
// concurrently.
//
// Server events arrive on a single typed event channel rather than per-event
// callbacks: the coordinator owns exactly one receive loop per session, and a
// closed union of [Event] kinds keeps dispatch exhaustive and race-free.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// EventKind enumerates the session events a [Handle] surfaces.
type EventKind int

const (
	// EventSpeechStarted: the model's server-side voice-activity detector
	// reports the user began speaking.
	EventSpeechStarted EventKind = iota

	// EventSpeechStopped: the voice-activity detector reports the user
	// stopped speaking.
	EventSpeechStopped

	// EventResponseStarted: the model began producing a response.
	EventResponseStarted

	// EventAudioDelta: a chunk of synthesised speech audio (wire-format
	// PCM16). The Audio field is set.
	EventAudioDelta

	// EventAssistantTranscript: the finalised transcript of a completed
	// assistant utterance. The Text field is set.
	EventAssistantTranscript

	// EventUserTranscript: the model's transcription of completed user
	// speech. The Text field is set.
	EventUserTranscript

	// EventResponseDone: the model finished the current response, including
	// all audio.
	EventResponseDone

	// EventError: the model reported a non-fatal error. The Err field is set.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseStarted:
		return "response_started"
	case EventAudioDelta:
		return "audio_delta"
	case EventAssistantTranscript:
		return "assistant_transcript"
	case EventUserTranscript:
		return "user_transcript"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry on a session's event stream. Exactly the fields implied
// by Kind are populated.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// SessionConfig is the initial configuration for a new model session.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the assistant's
	// behaviour for the whole session.
	Instructions string

	// Voice selects the synthesised output voice.
	Voice string

	// TranscribeInput enables transcription of user speech, surfaced as
	// [EventUserTranscript] events.
	TranscribeInput bool
}

// ResponseOptions configures a single requested response.
type ResponseOptions struct {
	// TextOnly requests a text-only response; the default is audio plus text.
	TextOnly bool

	// Instructions, when non-empty, override the session instructions for
	// this one response. Used to make the model utter an exact pre-composed
	// string.
	Instructions string
}

// Handle represents one open session with the real-time model. It is the hot
// path of every conversation: methods must return quickly, and audio I/O is
// event-channel based so the caller's loops never block on the network.
//
// Callers must call Close when the session is no longer needed.
type Handle interface {
	// AppendAudio appends a raw wire-format PCM16 chunk to the model's input
	// audio buffer. Returns an error if the session is closed or the chunk
	// cannot be delivered.
	AppendAudio(chunk []byte) error

	// CommitInput commits the model's input audio buffer, marking the end of
	// a user utterance when server-side voice-activity detection is off.
	CommitInput() error

	// ClearInput discards everything in the model's input audio buffer.
	// Required at echo-suppression boundaries so audio buffered before
	// suppression engaged is never interpreted as user speech.
	ClearInput() error

	// CreateResponse asks the model to produce a response.
	CreateResponse(opts ResponseOptions) error

	// CancelResponse aborts the in-flight response and discards its
	// remaining audio. Used on barge-in.
	CancelResponse() error

	// CreateUserItem appends a user text message to the conversation without
	// requesting a response.
	CreateUserItem(text string) error

	// CreateSystemItem appends a system text message to the conversation
	// context. The coordinator uses this to tell the model, among other
	// things, that no current visual context is available.
	CreateSystemItem(text string) error

	// AnalyzeImage runs an out-of-band analysis: it sends image plus a text
	// prompt and awaits the model's text reply without touching the audio
	// conversation. The call blocks until the reply, ctx cancellation, or a
	// session error. Pass a ctx with a deadline.
	AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error)

	// Events returns the session's event stream. The channel is closed when
	// the session ends; check Err afterwards for the cause.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (or is still open).
	Err() error

	// Close terminates the session and releases all resources. Safe to call
	// more than once.
	Close() error
}

// Client is the abstraction over any real-time speech/vision backend.
//
// Implementations must be safe for concurrent use; the server opens one
// session per connected phone client.
type Client interface {
	// Connect establishes a new model session. The returned Handle is ready
	// to accept audio immediately. The caller owns the Handle and must call
	// Close.
	Connect(ctx context.Context, cfg SessionConfig) (Handle, error)
}
