package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHealthz(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := New(Checker{Name: "model", Check: func(context.Context) error { return nil }})
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var res struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if res.Status != "ok" || res.Checks["model"] != "ok" {
			t.Errorf("body = %+v", res)
		}
	})

	t.Run("failing check", func(t *testing.T) {
		h := New(
			Checker{Name: "model", Check: func(context.Context) error { return errors.New("dial refused") }},
			Checker{Name: "store", Check: func(context.Context) error { return nil }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rec.Code)
		}
		var res struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if res.Status != "fail" {
			t.Errorf("status field = %q", res.Status)
		}
		if res.Checks["store"] != "ok" {
			t.Errorf("healthy check reported as %q", res.Checks["store"])
		}
	})
}

func TestRegister(t *testing.T) {
	r := chi.NewRouter()
	New().Register(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
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
