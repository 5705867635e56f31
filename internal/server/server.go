// Package server exposes the session server's HTTP surface: the client
// websocket endpoint plus health and metrics routes.
//
// Each accepted websocket gets its own model session and
// [session.Coordinator]; the server's only jobs per connection are the
// upgrade, the read loop, and teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/internal/health"
	"github.com/argusvoice/argus/internal/observe"
	"github.com/argusvoice/argus/internal/session"
	"github.com/argusvoice/argus/pkg/protocol"
	"github.com/argusvoice/argus/pkg/realtime"
	"github.com/argusvoice/argus/pkg/vision"
)

// janitorInterval is how often the idle-session janitor sweeps.
const janitorInterval = 30 * time.Second

// writeTimeout bounds one websocket write to a client.
const writeTimeout = 5 * time.Second

// Options configures a [Server]. Config and Model are required.
type Options struct {
	// Config is the loaded application configuration.
	Config *config.Config

	// Model connects new realtime model sessions.
	Model realtime.Client

	// Analyzer, when non-nil, is a shared frame analyzer used for every
	// session (the "http" vision provider). Nil means each session analyses
	// frames over its own realtime connection.
	Analyzer vision.Analyzer

	// Metrics records instrumentation. Nil disables it.
	Metrics *observe.Metrics
}

// Server is the session server.
type Server struct {
	cfg      *config.Config
	model    realtime.Client
	analyzer vision.Analyzer
	metrics  *observe.Metrics
	registry *session.Registry
	health   *health.Handler
}

// New creates a [Server].
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: missing config")
	}
	if opts.Model == nil {
		return nil, errors.New("server: missing model client")
	}

	s := &Server{
		cfg:      opts.Config,
		model:    opts.Model,
		analyzer: opts.Analyzer,
		metrics:  opts.Metrics,
		registry: session.NewRegistry(opts.Metrics),
	}
	s.health = health.New(health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			// The registry itself cannot fail; readiness here just proves the
			// serving path is wired. Model reachability is only observable
			// per-connection.
			return nil
		},
	})
	return s, nil
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/session/ws", s.handleSessionWS)

	return r
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully: live clients are notified, their sessions closed,
// and in-flight requests drained.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitorCtx, cancelJanitor := context.WithCancel(ctx)
	defer cancelJanitor()
	go s.registry.RunJanitor(janitorCtx, s.cfg.Server.InactivityTTL(), janitorInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("session server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "active_sessions", s.registry.Len())
	s.registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ── Websocket session handling ────────────────────────────────────────────────

// wsSender adapts the write side of a websocket connection to
// [session.Sender]. Writes are serialised; the coordinator and its timers
// send concurrently.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(msg any) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// handleSessionWS upgrades the connection, opens a model session, and runs
// the coordinator until either side disconnects.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Phone clients are native apps without a browser origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")
	// Frames can run to a few hundred KB of base64.
	conn.SetReadLimit(4 << 20)

	ctx := r.Context()
	id := session.NewID()
	log := slog.With("session_id", id)

	handle, err := s.model.Connect(ctx, realtime.SessionConfig{
		Instructions:    s.cfg.Model.Instructions,
		Voice:           s.cfg.Model.Voice,
		TranscribeInput: true,
	})
	if err != nil {
		log.Error("model connect failed", "error", err)
		sender := &wsSender{conn: conn}
		_ = sender.Send(protocol.ErrorMessage{Message: "model unavailable"})
		conn.Close(websocket.StatusTryAgainLater, "model unavailable")
		return
	}

	sender := &wsSender{conn: conn}
	analyzer := s.analyzer
	if analyzer == nil {
		analyzer = &vision.RealtimeAnalyzer{Handle: handle}
	}

	coord, err := session.New(session.Options{
		ID:        id,
		Model:     handle,
		Analyzer:  analyzer,
		Client:    sender,
		Metrics:   s.metrics,
		Session:   s.cfg.Session,
		Interject: s.cfg.Interject,
	})
	if err != nil {
		log.Error("coordinator setup failed", "error", err)
		_ = handle.Close()
		return
	}

	s.registry.Add(coord)
	defer func() {
		coord.Close()
		s.registry.Remove(id)
	}()

	if err := sender.Send(protocol.SessionReady{SessionID: id}); err != nil {
		log.Warn("session_ready send failed", "error", err)
		return
	}
	log.Info("session started", "remote", r.RemoteAddr)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(runCtx) }()

	readErr := s.readLoop(runCtx, conn, coord, log)

	cancel()
	if err := <-runErr; err != nil {
		log.Warn("session ended with model error", "error", err)
		_ = sender.Send(protocol.ErrorMessage{Message: "model session lost"})
	} else if readErr != nil && websocket.CloseStatus(readErr) == -1 && !errors.Is(readErr, context.Canceled) {
		log.Warn("session ended with read error", "error", readErr)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop pumps client messages into the coordinator until the socket or
// the session dies. Malformed messages are dropped, never fatal.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, coord *session.Coordinator, log *slog.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.ParseClient(data)
		if err != nil {
			log.Debug("dropping malformed client message", "error", err)
			continue
		}

		if err := coord.HandleClientMessage(msg); err != nil {
			return err
		}
	}
}
