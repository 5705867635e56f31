package vision

import (
	"errors"
	"testing"

	"github.com/argusvoice/argus/pkg/realtime/mock"
)

func TestParseDecision(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		d, err := ParseDecision(`{"speak": true, "confidence": 0.8, "message": "watch the stove"}`)
		if err != nil {
			t.Fatalf("ParseDecision: %v", err)
		}
		if !d.Speak || d.Confidence != 0.8 || d.Message != "watch the stove" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("fenced object", func(t *testing.T) {
		raw := "```json\n{\"speak\": false, \"confidence\": 0.3, \"message\": \"\"}\n```"
		d, err := ParseDecision(raw)
		if err != nil {
			t.Fatalf("ParseDecision: %v", err)
		}
		if d.Speak || d.Confidence != 0.3 {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		raw := `Sure! Here is my judgement: {"speak": true, "confidence": 0.9, "message": "door is open"} Hope that helps.`
		d, err := ParseDecision(raw)
		if err != nil {
			t.Fatalf("ParseDecision: %v", err)
		}
		if d.Message != "door is open" {
			t.Errorf("message = %q", d.Message)
		}
	})

	t.Run("no json at all", func(t *testing.T) {
		if _, err := ParseDecision("nothing to report"); err == nil {
			t.Fatal("prose-only reply accepted")
		}
	})

	t.Run("confidence out of range", func(t *testing.T) {
		if _, err := ParseDecision(`{"speak": true, "confidence": 1.5, "message": "x"}`); err == nil {
			t.Fatal("confidence 1.5 accepted")
		}
	})

	t.Run("speak without message", func(t *testing.T) {
		if _, err := ParseDecision(`{"speak": true, "confidence": 0.9, "message": ""}`); err == nil {
			t.Fatal("speak=true with empty message accepted")
		}
	})
}

func TestRealtimeAnalyzer(t *testing.T) {
	sess := mock.NewSession()
	sess.AnalyzeResult = `{"speak": true, "confidence": 0.85, "message": "kettle boiling"}`
	a := &RealtimeAnalyzer{Handle: sess}

	d, err := a.Analyze(t.Context(), []byte("jpeg"), DefaultPrompt)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !d.Speak || d.Message != "kettle boiling" {
		t.Errorf("decision = %+v", d)
	}

	if len(sess.AnalyzeCalls) != 1 {
		t.Fatalf("AnalyzeImage calls = %d, want 1", len(sess.AnalyzeCalls))
	}
	if sess.AnalyzeCalls[0].Prompt != DefaultPrompt {
		t.Errorf("prompt not forwarded")
	}
}

func TestRealtimeAnalyzerPropagatesError(t *testing.T) {
	sess := mock.NewSession()
	sess.AnalyzeErr = errors.New("boom")
	a := &RealtimeAnalyzer{Handle: sess}

	if _, err := a.Analyze(t.Context(), []byte("jpeg"), DefaultPrompt); err == nil {
		t.Fatal("analysis error swallowed")
	}
}
