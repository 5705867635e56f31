package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/argusvoice/argus/pkg/protocol"
)

// ErrDisconnected is returned by the Send methods while no connection is up
// (including during reconnection backoff). Callers on the audio hot path
// drop the chunk and move on.
var ErrDisconnected = errors.New("client: transport disconnected")

// ErrReconnectExhausted terminates [Transport.Run] after the configured
// number of consecutive failed connection attempts.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// Conn is one live connection to the session server.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a [Conn]. Injected so tests can run the transport
// against an in-memory server.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Handlers receives decoded server messages. Nil fields are skipped.
// Callbacks run on the transport's read goroutine; they must not block.
type Handlers struct {
	OnSessionReady func(protocol.SessionReady)
	OnAudio        func(protocol.Audio)
	OnTranscript   func(protocol.Transcript)
	OnMuteMic      func(protocol.MuteMic)
	OnStopAudio    func(protocol.StopAudio)
	OnFrameRequest func(protocol.FrameRequest)
	OnError        func(protocol.ErrorMessage)

	// OnDisconnect fires when an established connection drops, before any
	// reconnection attempt.
	OnDisconnect func(err error)
}

// TransportConfig configures a [Transport].
type TransportConfig struct {
	// URL is the websocket endpoint of the session server.
	URL string

	// ReconnectBase is the backoff base delay; attempt n waits base·2^(n-1).
	// Default 500ms.
	ReconnectBase time.Duration

	// MaxAttempts caps consecutive failed connection attempts before Run
	// gives up. Default 5.
	MaxAttempts int

	// Dialer overrides the websocket dialer. Nil means the real one.
	Dialer Dialer

	// Handlers receives decoded server messages.
	Handlers Handlers
}

// Transport maintains a websocket connection to the session server,
// transparently reconnecting with exponential backoff when it drops. A
// deliberate [Transport.Close] suppresses reconnection.
type Transport struct {
	cfg    TransportConfig
	dial   Dialer
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn Conn
}

// NewTransport creates a [Transport]. Call [Transport.Run] to connect.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: missing server URL")
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = wsDial
	}
	return &Transport{
		cfg:    cfg,
		dial:   dial,
		sleep:  sleepCtx,
		log:    slog.With("component", "transport"),
		closed: make(chan struct{}),
	}, nil
}

// backoffDelay returns the wait before connection attempt n (1-based):
// base·2^(n-1), so with the default base the schedule is 500ms, 1s, 2s, 4s, 8s.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	return base << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run connects and pumps inbound messages until ctx is cancelled, Close is
// called, or reconnection is exhausted. Each successful connection resets
// the attempt counter.
func (t *Transport) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}

		attempt++
		if attempt > 1 {
			delay := backoffDelay(attempt-1, t.cfg.ReconnectBase)
			t.log.Info("reconnecting", "attempt", attempt, "delay", delay)
			if err := t.sleep(ctx, delay); err != nil {
				return err
			}
		}

		conn, err := t.dial(ctx, t.cfg.URL)
		if err != nil {
			t.log.Warn("connect failed", "attempt", attempt, "error", err)
			if attempt >= t.cfg.MaxAttempts {
				return fmt.Errorf("%w: %d attempts, last error: %v",
					ErrReconnectExhausted, attempt, err)
			}
			continue
		}

		t.setConn(conn)
		t.log.Info("connected", "url", t.cfg.URL)
		attempt = 0

		err = t.readLoop(ctx, conn)
		t.setConn(nil)
		conn.Close()

		select {
		case <-t.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.log.Warn("connection lost", "error", err)
		if t.cfg.Handlers.OnDisconnect != nil {
			t.cfg.Handlers.OnDisconnect(err)
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.ParseServer(data)
		if err != nil {
			t.log.Debug("dropping malformed server message", "error", err)
			continue
		}
		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg any) {
	h := t.cfg.Handlers
	switch m := msg.(type) {
	case protocol.SessionReady:
		if h.OnSessionReady != nil {
			h.OnSessionReady(m)
		}
	case protocol.Audio:
		if h.OnAudio != nil {
			h.OnAudio(m)
		}
	case protocol.Transcript:
		if h.OnTranscript != nil {
			h.OnTranscript(m)
		}
	case protocol.MuteMic:
		if h.OnMuteMic != nil {
			h.OnMuteMic(m)
		}
	case protocol.StopAudio:
		if h.OnStopAudio != nil {
			h.OnStopAudio(m)
		}
	case protocol.FrameRequest:
		if h.OnFrameRequest != nil {
			h.OnFrameRequest(m)
		}
	case protocol.ErrorMessage:
		if h.OnError != nil {
			h.OnError(m)
		}
	case protocol.Unrecognized:
		t.log.Debug("ignoring unrecognized server message", "type", m.Type)
	}
}

func (t *Transport) setConn(c Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// Send marshals and writes one client message. Returns [ErrDisconnected]
// while no connection is up.
func (t *Transport) Send(msg any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

// writeTimeout bounds one outbound websocket write.
const writeTimeout = 5 * time.Second

// Typed send helpers.

func (t *Transport) SendAudio(pcm []byte) error {
	return t.Send(protocol.Audio{PCM: pcm})
}

func (t *Transport) SendFrame(image []byte, capturedAt time.Time) error {
	return t.Send(protocol.Frame{Image: image, CapturedAtMs: capturedAt.UnixMilli()})
}

func (t *Transport) SendSensitivity(v float64) error {
	return t.Send(protocol.Sensitivity{Value: v})
}

func (t *Transport) SendUserMessage(text string) error {
	return t.Send(protocol.UserMessage{Text: text})
}

func (t *Transport) SendBargeIn() error {
	return t.Send(protocol.BargeIn{})
}

// Close disconnects deliberately and suppresses reconnection. Safe to call
// more than once.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ── Websocket dialer ──────────────────────────────────────────────────────────

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func wsDial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(4 << 20)
	return &wsConn{c: c}, nil
}
