package app

import (
	"errors"
	"testing"

	"github.com/MrWong99/audiodam/pkg/audio"
)

func TestLinks_SendWithoutPeer(t *testing.T) {
	t.Parallel()
	l := NewLinks()
	if err := l.Send(5, []byte{1}); !errors.Is(err, audio.ErrNotReady) {
		t.Fatalf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestLinks_AttachDetach(t *testing.T) {
	t.Parallel()
	l := NewLinks()

	lk, err := l.attach(5)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !l.Connected(5) {
		t.Error("Connected(5) = false after attach")
	}
	if _, err := l.attach(5); !errors.Is(err, ErrLinkInUse) {
		t.Errorf("second attach error = %v, want ErrLinkInUse", err)
	}

	// A stale detach must not remove a newer link.
	l.detach(5, &link{})
	if !l.Connected(5) {
		t.Error("stale detach removed the live link")
	}
	l.detach(5, lk)
	if l.Connected(5) {
		t.Error("Connected(5) = true after detach")
	}
}

func TestLinks_SendCopiesAndWakes(t *testing.T) {
	t.Parallel()
	l := NewLinks()
	lk, _ := l.attach(7)

	msg := []byte{1, 2, 3}
	if err := l.Send(7, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg[0] = 9

	select {
	case <-lk.ready:
	default:
		t.Fatal("writer was not woken")
	}
	got, dropped := lk.drain()
	if len(got) != 1 || got[0][0] != 1 || dropped != 0 {
		t.Errorf("drain() = %v, %d; want one unmodified message", got, dropped)
	}
}

func TestLinks_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	l := NewLinks()
	lk, _ := l.attach(1)

	const sent = maxPendingMessages + 44
	for n := range sent {
		if err := l.Send(1, []byte{byte(n)}); err != nil {
			t.Fatalf("Send %d: %v", n, err)
		}
	}
	got, dropped := lk.drain()
	if len(got) != maxPendingMessages {
		t.Fatalf("queued = %d, want %d", len(got), maxPendingMessages)
	}
	if dropped != 44 {
		t.Errorf("dropped = %d, want 44", dropped)
	}
	if got[0][0] != 44 {
		t.Errorf("oldest kept = %d, want 44", got[0][0])
	}
	if _, dropped := lk.drain(); dropped != 0 {
		t.Errorf("dropped counter not reset: %d", dropped)
	}
}
