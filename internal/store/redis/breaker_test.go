package redis

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Hour)

	fail := func() error { return errBoom }
	for i := 0; i < 3; i++ {
		if err := b.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if b.CurrentState() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.CurrentState())
	}
	if err := b.Execute(fail); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker: got %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Hour)

	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })

	if b.CurrentState() != BreakerClosed {
		t.Fatalf("state = %v, want closed", b.CurrentState())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)
	var transitions []string
	b.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	b.Execute(func() error { return errBoom })
	if b.CurrentState() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.CurrentState())
	}

	time.Sleep(30 * time.Millisecond)

	// Failed probe reopens.
	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe: got %v", err)
	}
	if b.CurrentState() != BreakerOpen {
		t.Fatalf("state after failed probe = %v, want open", b.CurrentState())
	}

	time.Sleep(30 * time.Millisecond)

	// Successful probe closes.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: got %v", err)
	}
	if b.CurrentState() != BreakerClosed {
		t.Fatalf("state after probe = %v, want closed", b.CurrentState())
	}

	want := []string{
		"closed->open",
		"open->half-open", "half-open->open",
		"open->half-open", "half-open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}
