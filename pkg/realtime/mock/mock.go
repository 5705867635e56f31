// Package mock provides test doubles for the realtime package interfaces.
//
// Use Client to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream and inspect which methods the session
// coordinator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	c := &mock.Client{Session: sess}
//	handle, _ := c.Connect(ctx, cfg)
//	sess.EventsCh <- realtime.Event{Kind: realtime.EventResponseStarted}
package mock

import (
	"context"
	"sync"

	"github.com/argusvoice/argus/pkg/realtime"
)

// ConnectCall records a single invocation of Client.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Client is a mock implementation of realtime.Client.
type Client struct {
	mu sync.Mutex

	// Session is the Handle returned by Connect. If nil, Connect returns a
	// new default Session.
	Session realtime.Handle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.Session != nil {
		return c.Session, nil
	}
	return NewSession(), nil
}

// Ensure Client implements realtime.Client at compile time.
var _ realtime.Client = (*Client)(nil)

// ResponseCall records a single invocation of Session.CreateResponse.
type ResponseCall struct {
	Opts realtime.ResponseOptions
}

// AnalyzeCall records a single invocation of Session.AnalyzeImage.
type AnalyzeCall struct {
	Image  []byte
	Prompt string
}

// Session is a mock implementation of realtime.Handle. Feed events to the
// coordinator through EventsCh; inspect recorded calls after the fact.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. Tests send events on it
	// and close it to simulate session termination.
	EventsCh chan realtime.Event

	// AppendedAudio collects every chunk passed to AppendAudio.
	AppendedAudio [][]byte

	// ResponseCalls records every CreateResponse invocation.
	ResponseCalls []ResponseCall

	// AnalyzeCalls records every AnalyzeImage invocation.
	AnalyzeCalls []AnalyzeCall

	// AnalyzeResult and AnalyzeErr are returned by AnalyzeImage. When
	// AnalyzeBlock is non-nil, AnalyzeImage first waits for it to be closed
	// or for ctx cancellation (to exercise timeout paths).
	AnalyzeResult string
	AnalyzeErr    error
	AnalyzeBlock  chan struct{}

	// UserItems and SystemItems collect texts passed to CreateUserItem and
	// CreateSystemItem.
	UserItems   []string
	SystemItems []string

	// Call counters.
	CommitCalls int
	ClearCalls  int
	CancelCalls int
	CloseCalls  int

	// AppendErr, if non-nil, is returned from AppendAudio.
	AppendErr error

	// ErrVal is returned by Err.
	ErrVal error
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// AppendAudio records chunk and returns AppendErr.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AppendedAudio = append(s.AppendedAudio, cp)
	return nil
}

// CommitInput increments CommitCalls.
func (s *Session) CommitInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCalls++
	return nil
}

// ClearInput increments ClearCalls.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
	return nil
}

// CreateResponse records the call.
func (s *Session) CreateResponse(opts realtime.ResponseOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseCalls = append(s.ResponseCalls, ResponseCall{Opts: opts})
	return nil
}

// CancelResponse increments CancelCalls.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	return nil
}

// CreateUserItem records text.
func (s *Session) CreateUserItem(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserItems = append(s.UserItems, text)
	return nil
}

// CreateSystemItem records text.
func (s *Session) CreateSystemItem(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SystemItems = append(s.SystemItems, text)
	return nil
}

// AnalyzeImage records the call and returns AnalyzeResult, AnalyzeErr.
func (s *Session) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	s.mu.Lock()
	cp := make([]byte, len(image))
	copy(cp, image)
	s.AnalyzeCalls = append(s.AnalyzeCalls, AnalyzeCall{Image: cp, Prompt: prompt})
	block := s.AnalyzeBlock
	result, err := s.AnalyzeResult, s.AnalyzeErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return result, err
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close increments CloseCalls.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Snapshot helpers below are thread-safe copies for assertions.

// UserItemCount returns the number of CreateUserItem calls so far.
func (s *Session) UserItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.UserItems)
}

// AppendedCount returns the number of AppendAudio calls so far.
func (s *Session) AppendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AppendedAudio)
}

// Ensure Session implements realtime.Handle at compile time.
var _ realtime.Handle = (*Session)(nil)
