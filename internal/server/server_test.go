package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/argusvoice/argus/internal/config"
	"github.com/argusvoice/argus/pkg/protocol"
	"github.com/argusvoice/argus/pkg/realtime"
	"github.com/argusvoice/argus/pkg/realtime/mock"
)

func testServer(t *testing.T, model realtime.Client) *Server {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	s, err := New(Options{Config: cfg, Model: model})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s := testServer(t, &mock.Client{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func dialSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/ws"
	conn, _, err := websocket.Dial(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.ParseServer(data)
	if err != nil {
		t.Fatalf("parse server message: %v", err)
	}
	return msg
}

func TestSessionWebsocketFlow(t *testing.T) {
	sess := mock.NewSession()
	model := &mock.Client{Session: sess}
	s := testServer(t, model)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialSession(t, srv)

	// First message must announce the session.
	msg := readServerMessage(t, conn)
	ready, ok := msg.(protocol.SessionReady)
	if !ok {
		t.Fatalf("first message = %T, want SessionReady", msg)
	}
	if ready.SessionID == "" {
		t.Fatal("empty session id")
	}

	if len(model.ConnectCalls) != 1 {
		t.Fatalf("model Connect calls = %d, want 1", len(model.ConnectCalls))
	}
	if !model.ConnectCalls[0].Cfg.TranscribeInput {
		t.Errorf("input transcription not requested")
	}

	// Client audio is forwarded to the model while idle.
	pcm := []byte{1, 2, 3, 4}
	audioJSON, _ := json.Marshal(map[string]string{
		"type":  "audio",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
	if err := conn.Write(t.Context(), websocket.MessageText, audioJSON); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sess.AppendedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("audio never reached the model")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Model speech flows back to the client.
	sess.EventsCh <- realtime.Event{Kind: realtime.EventAudioDelta, Audio: []byte{9, 9}}
	msg = readServerMessage(t, conn)
	if a, ok := msg.(protocol.Audio); !ok || string(a.PCM) != string([]byte{9, 9}) {
		t.Fatalf("relayed audio = %#v", msg)
	}
}

func TestSessionMalformedMessagesAreDropped(t *testing.T) {
	sess := mock.NewSession()
	s := testServer(t, &mock.Client{Session: sess})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialSession(t, srv)
	readServerMessage(t, conn) // session_ready

	if err := conn.Write(t.Context(), websocket.MessageText, []byte(`{garbage`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection must survive; a valid message afterwards still works.
	userJSON, _ := json.Marshal(map[string]string{"type": "user_message", "text": "hi"})
	if err := conn.Write(t.Context(), websocket.MessageText, userJSON); err != nil {
		t.Fatalf("write after garbage: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sess.UserItemCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("session dropped after malformed message")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionModelConnectFailure(t *testing.T) {
	s := testServer(t, &mock.Client{ConnectErr: context.DeadlineExceeded})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialSession(t, srv)
	msg := readServerMessage(t, conn)
	em, ok := msg.(protocol.ErrorMessage)
	if !ok {
		t.Fatalf("message = %T, want ErrorMessage", msg)
	}
	if em.Message != "model unavailable" {
		t.Errorf("error message = %q", em.Message)
	}
}
