// Package session contains the per-client conversation coordinator: the piece
// that sits between one phone client and one realtime model session and owns
// all conversational state.
//
// The coordinator has three jobs:
//
//   - Echo suppression. The phone plays model speech out of a speaker inches
//     from its microphone, so while the model speaks (and for a grace window
//     after) inbound audio is dropped rather than forwarded, otherwise the
//     model hears itself and answers itself, forever.
//
//   - Proactive interjection. A scheduler periodically shows the latest
//     camera frame to the model and, when the model is confident something
//     is worth saying, speaks without being asked. A single sensitivity knob
//     tunes both how often this may happen and how confident the model must
//     be.
//
//   - Plumbing. Audio, transcripts and control messages are relayed between
//     the client websocket and the model session.
//
// One Coordinator per connected client; all methods are safe for concurrent
// use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/internal/observe"
	"github.com/argusvoice/argus/internal/resilience"
	"github.com/argusvoice/argus/pkg/protocol"
	"github.com/argusvoice/argus/pkg/realtime"
	"github.com/argusvoice/argus/pkg/vision"
)

// Sender delivers server → client protocol messages. The server wraps the
// websocket write side in one of these; implementations must be safe for
// concurrent use.
type Sender interface {
	Send(msg any) error
}

// noVisualContextNote is appended as a system item when the user sends a
// typed message but no sufficiently recent camera frame exists. Telling the
// model the truth beats letting it hallucinate a scene.
const noVisualContextNote = "No current camera view is available. If the " +
	"user asks about something visual, say you cannot see it right now."

// frameContextPrompt asks the model for a scene description that is then
// injected as conversation context alongside a typed user message.
const frameContextPrompt = "Describe what is currently visible in this " +
	"camera frame in one or two factual sentences. No speculation, no advice."

// Options configures a [Coordinator]. ID, Model and Client are required.
type Options struct {
	// ID is the server-assigned session identifier.
	ID string

	// Model is the open realtime model session this coordinator drives.
	Model realtime.Handle

	// Analyzer produces frame-analysis decisions for the interjection
	// scheduler. Nil disables proactive speech.
	Analyzer vision.Analyzer

	// Client is the write side of the client websocket.
	Client Sender

	// Metrics records instrumentation. Nil disables it.
	Metrics *observe.Metrics

	// Session and Interject carry the timing contracts.
	Session   config.SessionConfig
	Interject config.InterjectConfig

	// Breaker protects the analysis path. Nil means a default breaker.
	Breaker *resilience.Breaker

	// Now overrides the clock. Tests use this; production leaves it nil.
	Now func() time.Time
}

// Turn is one finalised conversation entry, kept in a bounded in-memory log.
type Turn struct {
	Role string
	Text string
	At   time.Time
}

// Coordinator owns the conversational state of one client session.
type Coordinator struct {
	id        string
	model     realtime.Handle
	analyzer  vision.Analyzer
	client    Sender
	metrics   *observe.Metrics
	session   config.SessionConfig
	interject config.InterjectConfig
	breaker   *resilience.Breaker
	now       func() time.Time
	log       *slog.Logger

	mu           sync.Mutex
	state        State
	graceAnchor  time.Time // entry into EchoGrace
	frame        []byte
	frameAt      time.Time
	sensitivity  float64
	turns        []Turn
	lastSpoke    time.Time // last proactive interjection
	lastActivity time.Time
	respStart    time.Time
	unmuteTimer  *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a [Coordinator]. The caller must run [Coordinator.Run] to start
// the model event loop and the interjection scheduler.
func New(opts Options) (*Coordinator, error) {
	if opts.ID == "" {
		return nil, errors.New("session: missing ID")
	}
	if opts.Model == nil {
		return nil, errors.New("session: missing model handle")
	}
	if opts.Client == nil {
		return nil, errors.New("session: missing client sender")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name: "frame-analysis/" + opts.ID,
		})
	}

	c := &Coordinator{
		id:          opts.ID,
		model:       opts.Model,
		analyzer:    opts.Analyzer,
		client:      opts.Client,
		metrics:     opts.Metrics,
		session:     opts.Session,
		interject:   opts.Interject,
		breaker:     opts.Breaker,
		now:         opts.Now,
		log:         slog.With("session_id", opts.ID),
		sensitivity: opts.Interject.DefaultSensitivity,
		done:        make(chan struct{}),
	}
	c.lastActivity = c.now()
	return c, nil
}

// ID returns the server-assigned session identifier.
func (c *Coordinator) ID() string { return c.id }

// Run drives the session until ctx is cancelled, the model session ends, or
// [Coordinator.Close] is called. It always returns after cleanup; the error
// is whatever terminated the model session, or nil on clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.runModelEvents(ctx) })
	if c.analyzer != nil {
		g.Go(func() error {
			c.runInterjector(ctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errClosed
		}
	})

	err := g.Wait()
	c.Close()
	if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errClosed = errors.New("session: closed")

// ── Client → server path ──────────────────────────────────────────────────────

// HandleClientMessage dispatches one decoded client message. Unknown variants
// are ignored. The returned error is fatal to the session (model connection
// lost); malformed or droppable input never errors.
func (c *Coordinator) HandleClientMessage(msg any) error {
	c.touch()

	switch m := msg.(type) {
	case protocol.Audio:
		c.countMessage(protocol.TypeAudio)
		return c.handleAudio(m)
	case protocol.Frame:
		c.countMessage(protocol.TypeFrame)
		c.handleFrame(m)
	case protocol.Sensitivity:
		c.countMessage(protocol.TypeSensitivity)
		c.setSensitivity(m.Value)
	case protocol.UserMessage:
		c.countMessage(protocol.TypeUserMessage)
		// The visual-context lookup may block on a model call; never stall
		// the websocket read loop on it.
		go c.handleUserMessage(m.Text)
	case protocol.BargeIn:
		c.countMessage(protocol.TypeBargeIn)
		return c.handleBargeIn()
	case protocol.Unrecognized:
		c.log.Debug("ignoring unrecognized client message", "type", m.Type)
	default:
		c.log.Debug("ignoring unexpected client message", "go_type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// handleAudio applies the echo-suppression gate and forwards what passes.
func (c *Coordinator) handleAudio(m protocol.Audio) error {
	c.mu.Lock()
	st := c.effectiveState(c.now())
	c.mu.Unlock()

	if st.gatesAudio() {
		if c.metrics != nil {
			c.metrics.DroppedEchoChunks.Add(context.Background(), 1,
				observe.WithAttrs(observe.AttrState.String(st.String())))
		}
		return nil
	}

	if err := c.model.AppendAudio(m.PCM); err != nil {
		return fmt.Errorf("session: forward audio: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ForwardedAudioChunks.Add(context.Background(), 1)
	}
	return nil
}

// handleFrame replaces the cached camera frame. Staleness is judged at the
// moment of use, not here, so an old frame is cached as-is.
func (c *Coordinator) handleFrame(m protocol.Frame) {
	at := c.now()
	if m.CapturedAtMs > 0 {
		at = time.UnixMilli(m.CapturedAtMs)
	}

	c.mu.Lock()
	c.frame = m.Image
	c.frameAt = at
	c.mu.Unlock()
}

func (c *Coordinator) setSensitivity(v float64) {
	c.mu.Lock()
	c.sensitivity = v
	c.mu.Unlock()
	c.log.Info("sensitivity updated", "value", v)
}

// handleUserMessage injects a typed user message into the conversation and
// requests a response. If a fresh camera frame exists its description is
// added as context; otherwise the model is told, honestly, that it cannot
// see, and the client is nudged for a frame.
func (c *Coordinator) handleUserMessage(text string) {
	c.mu.Lock()
	frame := c.freshFrameLocked(c.now())
	c.mu.Unlock()

	switch {
	case frame != nil && c.analyzer != nil:
		ctx, cancel := context.WithTimeout(context.Background(), c.interject.AnalysisTimeout())
		desc, err := c.describeFrame(ctx, frame)
		cancel()
		if err != nil {
			c.log.Warn("visual context lookup failed", "error", err)
		} else if err := c.model.CreateSystemItem("Current camera view: " + desc); err != nil {
			c.log.Warn("inject visual context", "error", err)
		}
	default:
		if err := c.model.CreateSystemItem(noVisualContextNote); err != nil {
			c.log.Warn("inject no-visual note", "error", err)
		}
		c.send(protocol.FrameRequest{})
	}

	c.appendTurn(protocol.RoleUser, text)
	if err := c.model.CreateUserItem(text); err != nil {
		c.log.Error("append user message", "error", err)
		return
	}
	if err := c.model.CreateResponse(realtime.ResponseOptions{}); err != nil {
		c.log.Error("request response for user message", "error", err)
	}
}

// describeFrame fetches a one-shot scene description through the breaker.
func (c *Coordinator) describeFrame(ctx context.Context, frame []byte) (string, error) {
	var desc string
	err := c.breaker.Execute(func() error {
		d, err := c.analyzer.Analyze(ctx, frame, frameContextPrompt)
		if err != nil {
			return err
		}
		desc = d.Message
		return nil
	})
	return desc, err
}

// handleBargeIn aborts the in-flight response: the client has already halted
// playback, so cancel model output, discard any audio the model buffered
// while it was speaking, and reopen the microphone immediately.
func (c *Coordinator) handleBargeIn() error {
	c.mu.Lock()
	st := c.effectiveState(c.now())
	c.state = StateIdle
	c.stopUnmuteTimerLocked()
	c.mu.Unlock()

	if !st.gatesAudio() {
		// Nothing in flight; a late barge-in after ResponseDone is harmless.
		c.send(protocol.MuteMic{Muted: false})
		return nil
	}

	c.log.Info("barge-in, cancelling response")
	if err := c.model.CancelResponse(); err != nil {
		c.log.Warn("cancel response", "error", err)
	}
	if err := c.model.ClearInput(); err != nil {
		return fmt.Errorf("session: clear input after barge-in: %w", err)
	}
	c.send(protocol.MuteMic{Muted: false})
	return nil
}

// ── Model → client path ───────────────────────────────────────────────────────

// runModelEvents consumes the model event stream until it closes or ctx is
// cancelled. The stream closing is fatal for the session.
func (c *Coordinator) runModelEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.model.Events():
			if !ok {
				if err := c.model.Err(); err != nil {
					return fmt.Errorf("session: model stream: %w", err)
				}
				return errClosed
			}
			c.handleModelEvent(ev)
		}
	}
}

func (c *Coordinator) handleModelEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventResponseStarted:
		c.onResponseStarted()

	case realtime.EventAudioDelta:
		c.send(protocol.Audio{PCM: ev.Audio})

	case realtime.EventResponseDone:
		c.onResponseDone()

	case realtime.EventAssistantTranscript:
		c.appendTurn(protocol.RoleAssistant, ev.Text)
		c.send(protocol.Transcript{Text: ev.Text, Role: protocol.RoleAssistant})

	case realtime.EventUserTranscript:
		c.appendTurn(protocol.RoleUser, ev.Text)
		c.send(protocol.Transcript{Text: ev.Text, Role: protocol.RoleUser})

	case realtime.EventSpeechStarted:
		c.mu.Lock()
		if c.effectiveState(c.now()) == StateIdle {
			c.state = StateUserTurn
		}
		c.mu.Unlock()

	case realtime.EventSpeechStopped:
		c.mu.Lock()
		if c.state == StateUserTurn {
			c.state = StateIdle
		}
		c.mu.Unlock()

	case realtime.EventError:
		c.log.Warn("model error event", "error", ev.Err)
		if c.metrics != nil {
			c.metrics.ModelErrors.Add(context.Background(), 1)
		}
		c.send(protocol.ErrorMessage{Message: ev.Err.Error()})
	}
}

// onResponseStarted moves to ModelSpeaking and closes the echo gate. The
// input buffer is cleared so any audio the model buffered moments before the
// gate closed is never interpreted as user speech.
func (c *Coordinator) onResponseStarted() {
	c.mu.Lock()
	c.state = StateModelSpeaking
	c.respStart = c.now()
	c.stopUnmuteTimerLocked()
	c.mu.Unlock()

	if err := c.model.ClearInput(); err != nil {
		c.log.Warn("clear input at response start", "error", err)
	}
	c.send(protocol.MuteMic{Muted: true})
}

// onResponseDone anchors the echo grace window and schedules the delayed
// microphone unmute. The unmute lag gives the speaker tail time to die down
// before the client resumes capture.
func (c *Coordinator) onResponseDone() {
	now := c.now()

	c.mu.Lock()
	if c.state == StateModelSpeaking {
		c.state = StateEchoGrace
		c.graceAnchor = now
	}
	start := c.respStart
	c.stopUnmuteTimerLocked()
	c.unmuteTimer = time.AfterFunc(c.session.UnmuteDelay(), func() {
		select {
		case <-c.done:
		default:
			c.send(protocol.MuteMic{Muted: false})
		}
	})
	c.mu.Unlock()

	if c.metrics != nil && !start.IsZero() {
		c.metrics.ResponseDuration.Record(context.Background(),
			now.Sub(start).Seconds())
	}
}

// stopUnmuteTimerLocked cancels a pending delayed unmute. Must be called with
// c.mu held.
func (c *Coordinator) stopUnmuteTimerLocked() {
	if c.unmuteTimer != nil {
		c.unmuteTimer.Stop()
		c.unmuteTimer = nil
	}
}

// ── Proactive speech ──────────────────────────────────────────────────────────

// Speak makes the model utter message verbatim as a one-off response. It
// refuses unless the session is idle at the moment of the call, which also
// discards interjections whose analysis outlived the user's silence.
func (c *Coordinator) Speak(message string) error {
	c.mu.Lock()
	st := c.effectiveState(c.now())
	if st != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("session: cannot speak in state %v", st)
	}
	c.lastSpoke = c.now()
	c.mu.Unlock()

	return c.model.CreateResponse(realtime.ResponseOptions{
		Instructions: "Say exactly: " + message,
	})
}

// ── Shared state helpers ──────────────────────────────────────────────────────

// freshFrameLocked returns the cached frame if it is within the staleness
// bound at now, else nil. Must be called with c.mu held.
func (c *Coordinator) freshFrameLocked(now time.Time) []byte {
	if c.frame == nil || now.Sub(c.frameAt) > c.session.MaxFrameAge() {
		return nil
	}
	return c.frame
}

// appendTurn records a finalised conversation turn, trimming the oldest
// entries past the configured bound.
func (c *Coordinator) appendTurn(role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, Turn{Role: role, Text: text, At: c.now()})
	if max := c.session.MaxTurns; max > 0 && len(c.turns) > max {
		c.turns = append(c.turns[:0], c.turns[len(c.turns)-max:]...)
	}
}

// Turns returns a copy of the in-memory conversation log.
func (c *Coordinator) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Sensitivity returns the current interjection sensitivity.
func (c *Coordinator) Sensitivity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensitivity
}

// CurrentState returns the session's effective state at the time of the call.
func (c *Coordinator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveState(c.now())
}

// LastActivity returns the arrival time of the most recent client message.
// The registry janitor uses it to reap abandoned sessions.
func (c *Coordinator) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Coordinator) touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

func (c *Coordinator) countMessage(t protocol.MessageType) {
	if c.metrics != nil {
		c.metrics.ClientMessages.Add(context.Background(), 1,
			observe.WithAttrs(observe.AttrMessageType.String(string(t))))
	}
}

// send delivers a message to the client, logging delivery failures. A failed
// send is not fatal here; the server's read loop notices the dead socket.
func (c *Coordinator) send(msg any) {
	if err := c.client.Send(msg); err != nil {
		c.log.Debug("send to client failed", "error", err)
	}
}

// NotifyShutdown tells the client the server is going away, so the UI can
// surface it before the websocket teardown races the message.
func (c *Coordinator) NotifyShutdown() {
	c.send(protocol.ErrorMessage{Message: "server shutting down"})
}

// Close terminates the session: stops the scheduler, cancels any pending
// unmute, and closes the model session. Safe to call more than once.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.stopUnmuteTimerLocked()
		c.mu.Unlock()
		err = c.model.Close()
		c.log.Info("session closed")
	})
	return err
}
