package resilience

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errWrite = errors.New("disk full")

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := New(Config{
		Name:        "sink",
		MaxFailures: maxFailures,
		Cooldown:    time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         clk.now,
	})
	return b, clk
}

func fail() error    { return errWrite }
func succeed() error { return nil }

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	if b.maxFailures != 5 || b.cooldown != 5*time.Second {
		t.Errorf("defaults = %d failures, %v cooldown", b.maxFailures, b.cooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := range 3 {
		if err := b.Do(fail); !errors.Is(err, errWrite) {
			t.Fatalf("call %d: err = %v, want the call's error", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	_ = b.Do(fail)
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	_ = b.Do(fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", succeed, StateClosed},
		{"probe fails", fail, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, clk := newTestBreaker(1)
			_ = b.Do(fail)

			clk.advance(999 * time.Millisecond)
			if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
				t.Fatalf("before cooldown: err = %v, want ErrOpen", err)
			}

			clk.advance(time.Millisecond)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", b.State())
			}
			_ = b.Do(tc.probe)
			if b.State() != tc.want {
				t.Errorf("state after probe = %v, want %v", b.State(), tc.want)
			}
		})
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b, clk := newTestBreaker(1)
	_ = b.Do(fail)
	clk.advance(time.Second)

	err := b.Do(func() error {
		// A concurrent caller during the probe is rejected.
		if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
			t.Errorf("nested call during probe: err = %v, want ErrOpen", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Do(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
