package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/pkg/protocol"
	"github.com/argusvoice/argus/pkg/realtime"
	"github.com/argusvoice/argus/pkg/realtime/mock"
)

// fakeClock is a manually advanced clock for deterministic timing tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSender records every message sent to the client.
type fakeSender struct {
	mu   sync.Mutex
	msgs []any
}

func (s *fakeSender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *fakeSender) lastMuteMic(t *testing.T) (protocol.MuteMic, bool) {
	t.Helper()
	var last protocol.MuteMic
	found := false
	for _, m := range s.sent() {
		if mm, ok := m.(protocol.MuteMic); ok {
			last = mm
			found = true
		}
	}
	return last, found
}

func (s *fakeSender) contains(t *testing.T, want any) bool {
	t.Helper()
	for _, m := range s.sent() {
		if m == want {
			return true
		}
	}
	return false
}

func testConfigs() (config.SessionConfig, config.InterjectConfig) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg.Session, cfg.Interject
}

type coordinatorFixture struct {
	coord  *Coordinator
	model  *mock.Session
	sender *fakeSender
	clock  *fakeClock
}

func newFixture(t *testing.T, mutate func(*Options)) *coordinatorFixture {
	t.Helper()

	model := mock.NewSession()
	sender := &fakeSender{}
	clock := newFakeClock()
	sess, ij := testConfigs()

	opts := Options{
		ID:        "test-session",
		Model:     model,
		Client:    sender,
		Session:   sess,
		Interject: ij,
		Now:       clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}

	coord, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { coord.Close() })
	return &coordinatorFixture{coord: coord, model: model, sender: sender, clock: clock}
}

func (f *coordinatorFixture) setState(s State) {
	f.coord.mu.Lock()
	f.coord.state = s
	if s == StateEchoGrace {
		f.coord.graceAnchor = f.clock.Now()
	}
	f.coord.mu.Unlock()
}

func audioMsg() protocol.Audio {
	return protocol.Audio{PCM: []byte{0x01, 0x02, 0x03, 0x04}}
}

func TestEchoGate(t *testing.T) {
	cases := []struct {
		state   State
		forward bool
	}{
		{StateIdle, true},
		{StateUserTurn, true},
		{StateModelSpeaking, false},
		{StateEchoGrace, false},
	}

	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			f.setState(tc.state)

			if err := f.coord.HandleClientMessage(audioMsg()); err != nil {
				t.Fatalf("HandleClientMessage: %v", err)
			}

			got := f.model.AppendedCount()
			want := 0
			if tc.forward {
				want = 1
			}
			if got != want {
				t.Errorf("forwarded %d chunks in state %v, want %d", got, tc.state, want)
			}
		})
	}
}

func TestEchoGraceExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.setState(StateEchoGrace)
	grace := f.coord.session.Grace()

	f.clock.Advance(grace - time.Millisecond)
	if err := f.coord.HandleClientMessage(audioMsg()); err != nil {
		t.Fatal(err)
	}
	if n := f.model.AppendedCount(); n != 0 {
		t.Fatalf("audio forwarded %v before grace elapsed", grace-time.Millisecond)
	}

	f.clock.Advance(time.Millisecond)
	if err := f.coord.HandleClientMessage(audioMsg()); err != nil {
		t.Fatal(err)
	}
	if n := f.model.AppendedCount(); n != 1 {
		t.Fatalf("audio not forwarded at exactly the grace boundary, got %d chunks", n)
	}
	if st := f.coord.CurrentState(); st != StateIdle {
		t.Errorf("state after grace expiry = %v, want idle", st)
	}
}

func TestResponseLifecycle(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Session.UnmuteDelayMs = 1
	})

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventResponseStarted})
	if st := f.coord.CurrentState(); st != StateModelSpeaking {
		t.Fatalf("state after response start = %v, want model_speaking", st)
	}
	if f.model.ClearCalls != 1 {
		t.Errorf("ClearInput calls = %d, want 1 (buffered pre-response audio must be discarded)", f.model.ClearCalls)
	}
	if mm, ok := f.sender.lastMuteMic(t); !ok || !mm.Muted {
		t.Errorf("client not told to mute at response start")
	}

	speech := []byte{0x10, 0x20}
	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventAudioDelta, Audio: speech})
	relayed := false
	for _, m := range f.sender.sent() {
		if a, ok := m.(protocol.Audio); ok && string(a.PCM) == string(speech) {
			relayed = true
		}
	}
	if !relayed {
		t.Errorf("model audio not relayed to client")
	}

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventResponseDone})
	if st := f.coord.CurrentState(); st != StateEchoGrace {
		t.Fatalf("state after response done = %v, want echo_grace", st)
	}

	// The delayed unmute (1ms in this fixture) must eventually reach the client.
	deadline := time.After(time.Second)
	for {
		if mm, ok := f.sender.lastMuteMic(t); ok && !mm.Muted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("client never told to unmute after response done")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBargeIn(t *testing.T) {
	f := newFixture(t, nil)
	f.setState(StateModelSpeaking)

	if err := f.coord.HandleClientMessage(protocol.BargeIn{}); err != nil {
		t.Fatalf("barge-in: %v", err)
	}

	if f.model.CancelCalls != 1 {
		t.Errorf("CancelResponse calls = %d, want 1", f.model.CancelCalls)
	}
	if f.model.ClearCalls != 1 {
		t.Errorf("ClearInput calls = %d, want 1", f.model.ClearCalls)
	}
	if st := f.coord.CurrentState(); st != StateIdle {
		t.Errorf("state after barge-in = %v, want idle", st)
	}
	if mm, ok := f.sender.lastMuteMic(t); !ok || mm.Muted {
		t.Errorf("microphone not reopened after barge-in")
	}
}

func TestBargeInWhenIdleIsHarmless(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.coord.HandleClientMessage(protocol.BargeIn{}); err != nil {
		t.Fatalf("barge-in: %v", err)
	}
	if f.model.CancelCalls != 0 {
		t.Errorf("CancelResponse called for a late barge-in with nothing in flight")
	}
}

func TestSpeechTurnTransitions(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventSpeechStarted})
	if st := f.coord.CurrentState(); st != StateUserTurn {
		t.Fatalf("state after speech start = %v, want user_turn", st)
	}

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventSpeechStopped})
	if st := f.coord.CurrentState(); st != StateIdle {
		t.Fatalf("state after speech stop = %v, want idle", st)
	}
}

func TestSpeechStartedIgnoredWhileModelSpeaking(t *testing.T) {
	f := newFixture(t, nil)
	f.setState(StateModelSpeaking)

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventSpeechStarted})
	if st := f.coord.CurrentState(); st != StateModelSpeaking {
		t.Errorf("VAD event while gated moved state to %v", st)
	}
}

func TestTranscriptsRelayedAndLogged(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventUserTranscript, Text: "hello"})
	f.coord.handleModelEvent(realtime.Event{Kind: realtime.EventAssistantTranscript, Text: "hi there"})

	turns := f.coord.Turns()
	if len(turns) != 2 {
		t.Fatalf("turn log length = %d, want 2", len(turns))
	}
	if turns[0].Role != protocol.RoleUser || turns[0].Text != "hello" {
		t.Errorf("turn[0] = %+v", turns[0])
	}
	if turns[1].Role != protocol.RoleAssistant || turns[1].Text != "hi there" {
		t.Errorf("turn[1] = %+v", turns[1])
	}

	if !f.sender.contains(t, protocol.Transcript{Text: "hello", Role: protocol.RoleUser}) {
		t.Errorf("user transcript not sent to client")
	}
	if !f.sender.contains(t, protocol.Transcript{Text: "hi there", Role: protocol.RoleAssistant}) {
		t.Errorf("assistant transcript not sent to client")
	}
}

func TestTurnLogTrimsOldest(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Session.MaxTurns = 3
	})

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		f.coord.appendTurn(protocol.RoleUser, text)
	}

	turns := f.coord.Turns()
	if len(turns) != 3 {
		t.Fatalf("turn log length = %d, want 3", len(turns))
	}
	if turns[0].Text != "three" || turns[2].Text != "five" {
		t.Errorf("oldest turns not trimmed: %+v", turns)
	}
}

func TestUserMessageWithoutFreshFrame(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.handleUserMessage("what do you see?")

	found := false
	for _, s := range f.model.SystemItems {
		if s == noVisualContextNote {
			found = true
		}
	}
	if !found {
		t.Errorf("model not told that no visual context is available")
	}
	if !f.sender.contains(t, protocol.FrameRequest{}) {
		t.Errorf("client not asked for a fresh frame")
	}
	if len(f.model.UserItems) != 1 || f.model.UserItems[0] != "what do you see?" {
		t.Errorf("user item = %v", f.model.UserItems)
	}
	if len(f.model.ResponseCalls) != 1 {
		t.Errorf("CreateResponse calls = %d, want 1", len(f.model.ResponseCalls))
	}
}

func TestUserMessageWithFreshFrame(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision(false, 0.2, "a desk with a laptop")}
	f := newFixture(t, func(o *Options) {
		o.Analyzer = analyzer
	})

	f.coord.HandleClientMessage(protocol.Frame{Image: []byte("jpeg"), CapturedAtMs: f.clock.Now().UnixMilli()})
	f.coord.handleUserMessage("what do you see?")

	found := false
	for _, s := range f.model.SystemItems {
		if strings.HasPrefix(s, "Current camera view: ") {
			found = true
		}
	}
	if !found {
		t.Errorf("fresh frame description not injected, system items: %v", f.model.SystemItems)
	}
	if f.sender.contains(t, protocol.FrameRequest{}) {
		t.Errorf("frame requested despite fresh frame being cached")
	}
}

func TestStaleFrameDoesNotCountAsVisualContext(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision(false, 0.2, "stale scene")}
	f := newFixture(t, func(o *Options) {
		o.Analyzer = analyzer
	})

	f.coord.HandleClientMessage(protocol.Frame{Image: []byte("jpeg"), CapturedAtMs: f.clock.Now().UnixMilli()})
	f.clock.Advance(f.coord.session.MaxFrameAge() + time.Second)

	f.coord.handleUserMessage("what do you see?")

	for _, s := range f.model.SystemItems {
		if strings.HasPrefix(s, "Current camera view: ") {
			t.Fatalf("stale frame used as visual context")
		}
	}
	if !f.sender.contains(t, protocol.FrameRequest{}) {
		t.Errorf("client not asked for a fresh frame")
	}
}

func TestSpeakRefusesOutsideIdle(t *testing.T) {
	for _, st := range []State{StateUserTurn, StateModelSpeaking, StateEchoGrace} {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			f.setState(st)

			if err := f.coord.Speak("hello"); err == nil {
				t.Fatalf("Speak succeeded in state %v", st)
			}
			if len(f.model.ResponseCalls) != 0 {
				t.Errorf("CreateResponse called despite refusal")
			}
		})
	}
}

func TestSpeakUsesVerbatimInstructions(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.coord.Speak("the kettle is boiling"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(f.model.ResponseCalls) != 1 {
		t.Fatalf("CreateResponse calls = %d, want 1", len(f.model.ResponseCalls))
	}
	got := f.model.ResponseCalls[0].Opts.Instructions
	if got != "Say exactly: the kettle is boiling" {
		t.Errorf("response instructions = %q", got)
	}
}

func TestModelStreamCloseEndsRun(t *testing.T) {
	f := newFixture(t, nil)

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(t.Context()) }()

	close(f.model.EventsCh)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v for a clean stream close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after model stream closed")
	}
	if f.model.CloseCalls == 0 {
		t.Errorf("model session not closed on shutdown")
	}
}

func TestSensitivityUpdate(t *testing.T) {
	f := newFixture(t, nil)

	if got := f.coord.Sensitivity(); got != 0.5 {
		t.Fatalf("default sensitivity = %v, want 0.5", got)
	}
	if err := f.coord.HandleClientMessage(protocol.Sensitivity{Value: 0.9}); err != nil {
		t.Fatal(err)
	}
	if got := f.coord.Sensitivity(); got != 0.9 {
		t.Errorf("sensitivity after update = %v, want 0.9", got)
	}
}
