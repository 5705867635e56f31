// Package protocol defines the websocket wire messages exchanged between the
// phone client and the session server.
//
// Every message is a small JSON object with a "type" discriminator. Inbound
// payloads are decoded exactly once, at the transport boundary, into a tagged
// union of Go types; binary fields (audio, frames) are base64 on the wire and
// []byte in memory. Unknown discriminators decode to [Unrecognized] rather
// than an error so that protocol evolution never kills a live connection.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client → server message types.
const (
	TypeFrame       MessageType = "frame"
	TypeAudio       MessageType = "audio"
	TypeSensitivity MessageType = "sensitivity"
	TypeUserMessage MessageType = "user_message"
	TypeBargeIn     MessageType = "barge_in"
)

// Server → client message types. TypeAudio is shared: audio flows both ways.
const (
	TypeTranscript   MessageType = "transcript"
	TypeSessionReady MessageType = "session_ready"
	TypeMuteMic      MessageType = "mute_mic"
	TypeStopAudio    MessageType = "stop_audio"
	TypeFrameRequest MessageType = "frame_request"
	TypeError        MessageType = "error"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrMalformed is returned when a payload cannot be decoded or fails field
// validation. Callers drop such messages silently; the connection stays alive.
var ErrMalformed = errors.New("protocol: malformed message")

type envelope struct {
	Type MessageType `json:"type"`
}

// ── Client → server ───────────────────────────────────────────────────────────

// Frame carries one captured camera frame.
type Frame struct {
	// Image is the binary image payload (base64 "image" field on the wire).
	Image []byte

	// CapturedAtMs is the client's capture timestamp in Unix milliseconds.
	// Zero means the client did not report one; the receiver substitutes its
	// own arrival time.
	CapturedAtMs int64
}

// Audio carries one PCM16 chunk in the wire format, in either direction.
type Audio struct {
	// PCM is raw 16-bit little-endian mono 24 kHz audio.
	PCM []byte
}

// Sensitivity sets the session's interjection aggressiveness.
type Sensitivity struct {
	Value float64
}

// UserMessage is the typed alternative to speaking.
type UserMessage struct {
	Text string
}

// BargeIn signals that the user started speaking over model playback and the
// client has already halted its speaker output. No payload.
type BargeIn struct{}

// ── Server → client ───────────────────────────────────────────────────────────

// Transcript carries finalised conversation text for display.
type Transcript struct {
	Text string
	Role string
}

// SessionReady announces the server-assigned session identifier.
type SessionReady struct {
	SessionID string
}

// MuteMic directs the client to stop (true) or resume (false) emitting
// captured audio.
type MuteMic struct {
	Muted bool
}

// StopAudio directs the client to halt playback and discard buffered model
// speech. No payload.
type StopAudio struct{}

// FrameRequest asks the client for an immediate camera frame. No payload.
type FrameRequest struct{}

// ErrorMessage surfaces a server-side failure to the user.
type ErrorMessage struct {
	Message string
}

// Unrecognized is the well-defined variant for any message whose type
// discriminator is unknown. Receivers ignore it.
type Unrecognized struct {
	Type string
}

// ── Wire representations ──────────────────────────────────────────────────────

type frameWire struct {
	Type         MessageType `json:"type"`
	Image        string      `json:"image"`
	CapturedAtMs int64       `json:"captured_at_ms,omitempty"`
}

type audioWire struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type sensitivityWire struct {
	Type  MessageType `json:"type"`
	Value float64     `json:"value"`
}

type userMessageWire struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type transcriptWire struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	Role string      `json:"role"`
}

type sessionReadyWire struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type muteMicWire struct {
	Type  MessageType `json:"type"`
	Muted bool        `json:"muted"`
}

type errorWire struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type bareWire struct {
	Type MessageType `json:"type"`
}

// ── Decoding ──────────────────────────────────────────────────────────────────

// ParseClient decodes one raw client → server message into its typed variant.
// Unknown discriminators return [Unrecognized]; undecodable or invalid
// payloads return an error wrapping [ErrMalformed].
func ParseClient(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeFrame:
		var w frameWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
		}
		img, err := base64.StdEncoding.DecodeString(w.Image)
		if err != nil || len(img) == 0 {
			return nil, fmt.Errorf("%w: frame image", ErrMalformed)
		}
		return Frame{Image: img, CapturedAtMs: w.CapturedAtMs}, nil

	case TypeAudio:
		var w audioWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: audio: %v", ErrMalformed, err)
		}
		pcm, err := base64.StdEncoding.DecodeString(w.Audio)
		if err != nil || len(pcm) == 0 {
			return nil, fmt.Errorf("%w: audio payload", ErrMalformed)
		}
		return Audio{PCM: pcm}, nil

	case TypeSensitivity:
		var w sensitivityWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: sensitivity: %v", ErrMalformed, err)
		}
		if w.Value < 0 || w.Value > 1 {
			return nil, fmt.Errorf("%w: sensitivity %v out of [0,1]", ErrMalformed, w.Value)
		}
		return Sensitivity{Value: w.Value}, nil

	case TypeUserMessage:
		var w userMessageWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: user_message: %v", ErrMalformed, err)
		}
		if w.Text == "" {
			return nil, fmt.Errorf("%w: empty user_message", ErrMalformed)
		}
		return UserMessage{Text: w.Text}, nil

	case TypeBargeIn:
		return BargeIn{}, nil

	default:
		return Unrecognized{Type: string(env.Type)}, nil
	}
}

// ParseServer decodes one raw server → client message into its typed variant.
// Same conventions as [ParseClient].
func ParseServer(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAudio:
		var w audioWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: audio: %v", ErrMalformed, err)
		}
		pcm, err := base64.StdEncoding.DecodeString(w.Audio)
		if err != nil || len(pcm) == 0 {
			return nil, fmt.Errorf("%w: audio payload", ErrMalformed)
		}
		return Audio{PCM: pcm}, nil

	case TypeTranscript:
		var w transcriptWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: transcript: %v", ErrMalformed, err)
		}
		if w.Role != RoleUser && w.Role != RoleAssistant {
			return nil, fmt.Errorf("%w: transcript role %q", ErrMalformed, w.Role)
		}
		return Transcript{Text: w.Text, Role: w.Role}, nil

	case TypeSessionReady:
		var w sessionReadyWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: session_ready: %v", ErrMalformed, err)
		}
		if w.SessionID == "" {
			return nil, fmt.Errorf("%w: empty session_id", ErrMalformed)
		}
		return SessionReady{SessionID: w.SessionID}, nil

	case TypeMuteMic:
		var w muteMicWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: mute_mic: %v", ErrMalformed, err)
		}
		return MuteMic{Muted: w.Muted}, nil

	case TypeStopAudio:
		return StopAudio{}, nil

	case TypeFrameRequest:
		return FrameRequest{}, nil

	case TypeError:
		var w errorWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		return ErrorMessage{Message: w.Message}, nil

	default:
		return Unrecognized{Type: string(env.Type)}, nil
	}
}

// ── Encoding ──────────────────────────────────────────────────────────────────

// Marshal encodes a typed message variant into its wire JSON. It accepts
// every variant produced by [ParseClient] and [ParseServer].
func Marshal(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case Frame:
		return json.Marshal(frameWire{
			Type:         TypeFrame,
			Image:        base64.StdEncoding.EncodeToString(m.Image),
			CapturedAtMs: m.CapturedAtMs,
		})
	case Audio:
		return json.Marshal(audioWire{
			Type:  TypeAudio,
			Audio: base64.StdEncoding.EncodeToString(m.PCM),
		})
	case Sensitivity:
		return json.Marshal(sensitivityWire{Type: TypeSensitivity, Value: m.Value})
	case UserMessage:
		return json.Marshal(userMessageWire{Type: TypeUserMessage, Text: m.Text})
	case BargeIn:
		return json.Marshal(bareWire{Type: TypeBargeIn})
	case Transcript:
		return json.Marshal(transcriptWire{Type: TypeTranscript, Text: m.Text, Role: m.Role})
	case SessionReady:
		return json.Marshal(sessionReadyWire{Type: TypeSessionReady, SessionID: m.SessionID})
	case MuteMic:
		return json.Marshal(muteMicWire{Type: TypeMuteMic, Muted: m.Muted})
	case StopAudio:
		return json.Marshal(bareWire{Type: TypeStopAudio})
	case FrameRequest:
		return json.Marshal(bareWire{Type: TypeFrameRequest})
	case ErrorMessage:
		return json.Marshal(errorWire{Type: TypeError, Message: m.Message})
	default:
		return nil, fmt.Errorf("protocol: cannot marshal %T", msg)
	}
}
