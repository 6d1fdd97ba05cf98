package broker

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		wait := Backoff(base, max, attempt)
		if wait < base/2 {
			t.Errorf("attempt %d: wait %v below %v", attempt, wait, base/2)
		}
		if wait > max {
			t.Errorf("attempt %d: wait %v above cap %v", attempt, wait, max)
		}
	}

	// Later attempts should saturate near the cap.
	late := Backoff(base, max, 20)
	if late < max/2 {
		t.Errorf("attempt 20: wait %v, want at least %v", late, max/2)
	}
}

func TestConnectErrorContext(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := &ConnectError{Host: "broker.local", Port: 5672, Attempts: 5, Err: inner}

	if !errors.Is(err, inner) {
		t.Fatal("ConnectError should unwrap to the dial error")
	}
	msg := err.Error()
	for _, want := range []string{"broker.local", "5672", "5"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestPublishErrorUnwrap(t *testing.T) {
	err := &PublishError{Queue: "developer-queue", Err: ErrNotConnected}
	if !errors.Is(err, ErrNotConnected) {
		t.Fatal("PublishError should unwrap to ErrNotConnected")
	}
	if !strings.Contains(err.Error(), "developer-queue") {
		t.Errorf("error message %q missing queue name", err.Error())
	}
}
