package resilience

import (
	"errors"
	"testing"
	"time"
)

type breakerClock struct {
	t time.Time
}

func (c *breakerClock) now() time.Time          { return c.t }
func (c *breakerClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *breakerClock) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  2,
		Now:          clock.now,
	})
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		if err := b.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	b := newTestBreaker(clock)

	b.Execute(fail)
	b.Execute(fail)
	b.Execute(succeed)
	b.Execute(fail)
	b.Execute(fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	clock.advance(10 * time.Second)

	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	// Enough successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probes = %v, want closed", b.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	clock.advance(10 * time.Second)

	if err := b.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want boom", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after probe failure = %v, want open", b.State())
	}
}

func TestBreakerManualReset(t *testing.T) {
	clock := &breakerClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	b.Reset()

	if b.State() != StateClosed {
		t.Fatalf("state after reset = %v, want closed", b.State())
	}
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
