// Package openai implements the realtime.Client interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Frame analysis is
// implemented as an out-of-band text-only response (conversation "none") so
// it never disturbs the spoken conversation; results are correlated back to
// the waiting caller through response metadata.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/argusvoice/argus/pkg/realtime"
)

// Compile-time assertions that Client and session satisfy the realtime interfaces.
var _ realtime.Client = (*Client)(nil)
var _ realtime.Handle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// analysisPurpose tags out-of-band analysis responses in metadata so the
	// receive loop can route their results to the waiting AnalyzeImage call
	// instead of the event stream.
	analysisPurpose = "frame_analysis"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// Client implements realtime.Client for OpenAI's Realtime API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes a new Realtime session with the given configuration.
// The returned Handle is ready to accept audio immediately after the
// session.update message is sent.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Handle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		events:  make(chan realtime.Event, 64),
		waiters: make(map[string]chan analysisResult),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice              string         `json:"voice,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
	InputAudioFormat   string         `json:"input_audio_format"`
	OutputAudioFormat  string         `json:"output_audio_format"`
	TurnDetection      *turnDetection `json:"turn_detection,omitempty"`
	InputTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type bareMessage struct {
	Type string `json:"type"`
}

type createResponseMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string           `json:"modalities,omitempty"`
	Instructions string             `json:"instructions,omitempty"`
	Conversation string             `json:"conversation,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Input        []conversationItem `json:"input,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.created / response.done carry the nested response object.
	Response *responseInfo `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseInfo struct {
	ID       string            `json:"id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Output   []outputItem      `json:"output,omitempty"`
}

type outputItem struct {
	Content []outputPart `json:"content,omitempty"`
}

type outputPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type analysisResult struct {
	text string
	err  error
}

type session struct {
	conn *websocket.Conn

	events chan realtime.Event

	mu            sync.Mutex
	errVal        error
	closed        bool
	currentTxText string // accumulates response.audio_transcript deltas
	waiters       map[string]chan analysisResult
	analysisSeq   int

	// writeMu serialises websocket writes: the coordinator, the interjection
	// scheduler and the receive loop may all send concurrently.
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.TranscribeInput {
		params.InputTranscription = &transcription{Model: "whisper-1"}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel: it closes it when it exits, after failing any pending
// analysis waiters.
func (s *session) receiveLoop() {
	defer s.closeDown()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Kind: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Kind: realtime.EventSpeechStopped})

	case "response.created":
		// Out-of-band analysis responses never reach the event stream.
		if isAnalysis(evt.Response) {
			return
		}
		s.emit(realtime.Event{Kind: realtime.EventResponseStarted})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.Event{Kind: realtime.EventAudioDelta, Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(realtime.Event{Kind: realtime.EventAssistantTranscript, Text: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Kind: realtime.EventUserTranscript, Text: evt.Transcript})

	case "response.done":
		if isAnalysis(evt.Response) {
			s.resolveAnalysis(evt.Response)
			return
		}
		s.emit(realtime.Event{Kind: realtime.EventResponseDone})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.Event{Kind: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// isAnalysis reports whether the response belongs to an out-of-band frame
// analysis rather than the spoken conversation.
func isAnalysis(r *responseInfo) bool {
	return r != nil && r.Metadata["purpose"] == analysisPurpose
}

// resolveAnalysis delivers an analysis response's text output to its waiter.
func (s *session) resolveAnalysis(r *responseInfo) {
	key := r.Metadata["analysis_id"]

	s.mu.Lock()
	waiter, ok := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	if !ok {
		return
	}

	text := responseText(r)
	if text == "" {
		waiter <- analysisResult{err: fmt.Errorf("openai: analysis response contained no text")}
		return
	}
	waiter <- analysisResult{text: text}
}

// responseText extracts the concatenated text content of a completed response.
func responseText(r *responseInfo) string {
	var text string
	for _, item := range r.Output {
		for _, part := range item.Content {
			switch part.Type {
			case "text":
				text += part.Text
			case "audio":
				text += part.Transcript
			}
		}
	}
	return text
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// closeDown fails pending analysis waiters and closes the event stream.
// Runs exactly once, when the receive loop exits.
func (s *session) closeDown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		waiters := s.waiters
		s.waiters = map[string]chan analysisResult{}
		s.mu.Unlock()

		for _, w := range waiters {
			w <- analysisResult{err: fmt.Errorf("openai: session closed")}
		}
		close(s.events)
	})
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session closed")
	}
	return nil
}

// ── Handle methods ────────────────────────────────────────────────────────────

// AppendAudio delivers a raw PCM16 chunk to the model's input buffer.
func (s *session) AppendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitInput commits the input audio buffer.
func (s *session) CommitInput() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(bareMessage{Type: "input_audio_buffer.commit"})
}

// ClearInput discards the input audio buffer.
func (s *session) ClearInput() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(bareMessage{Type: "input_audio_buffer.clear"})
}

// CreateResponse asks the model to produce a response on the conversation.
func (s *session) CreateResponse(opts realtime.ResponseOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	params := responseParams{Instructions: opts.Instructions}
	if opts.TextOnly {
		params.Modalities = []string{"text"}
	} else {
		params.Modalities = []string{"audio", "text"}
	}
	return s.writeJSON(createResponseMessage{Type: "response.create", Response: params})
}

// CancelResponse aborts the in-flight response.
func (s *session) CancelResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(bareMessage{Type: "response.cancel"})
}

// CreateUserItem appends a user text message to the conversation.
func (s *session) CreateUserItem(text string) error {
	return s.createTextItem("user", "input_text", text)
}

// CreateSystemItem appends a system text message to the conversation.
func (s *session) CreateSystemItem(text string) error {
	return s.createTextItem("system", "input_text", text)
}

func (s *session) createTextItem(role, partType, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: role,
			Content: []conversationPart{
				{Type: partType, Text: text},
			},
		},
	})
}

// AnalyzeImage sends image plus prompt as an out-of-band text-only response
// request and blocks until the model's text reply, ctx cancellation, or
// session termination.
func (s *session) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	waiter := make(chan analysisResult, 1)

	s.mu.Lock()
	s.analysisSeq++
	key := strconv.Itoa(s.analysisSeq)
	s.waiters[key] = waiter
	s.mu.Unlock()

	msg := createResponseMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   []string{"text"},
			Conversation: "none",
			Metadata: map[string]string{
				"purpose":     analysisPurpose,
				"analysis_id": key,
			},
			Input: []conversationItem{
				{
					Type: "message",
					Role: "user",
					Content: []conversationPart{
						{Type: "input_image", ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)},
						{Type: "input_text", Text: prompt},
					},
				},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
		return "", err
	}

	select {
	case res := <-waiter:
		return res.text, res.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
		return "", ctx.Err()
	}
}

// Events returns the session's event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
