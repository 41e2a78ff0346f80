package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionBufferDropsOldestOnOverflow(t *testing.T) {
	s := newSession(uuid.New(), 3, time.Minute)
	for i := 0; i < 5; i++ {
		id := uuid.New()
		s.append(ServerMessage{Type: EvtNewMessage, MessageID: &id, Message: string(rune('a' + i))})
	}

	buf := s.drain()
	if len(buf) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(buf))
	}
	if buf[0].Message != "c" || buf[2].Message != "e" {
		t.Fatalf("expected the 3 most recent frames, got %q..%q", buf[0].Message, buf[2].Message)
	}
}

func TestSessionBufferSkipsTransientFrames(t *testing.T) {
	s := newSession(uuid.New(), 10, time.Minute)
	s.append(ServerMessage{Type: EvtHello})
	s.append(ServerMessage{Type: EvtPong})
	s.append(ServerMessage{Type: EvtSubscribed})
	s.append(ServerMessage{Type: EvtError})
	s.append(ServerMessage{Type: EvtResumed})
	s.append(ServerMessage{Type: EvtInvalidSession})
	s.append(ServerMessage{Type: EvtNewMessage})

	buf := s.drain()
	if len(buf) != 1 || buf[0].Type != EvtNewMessage {
		t.Fatalf("expected only the NewMessage frame buffered, got %+v", buf)
	}
}

func TestSessionDrainPreservesEnqueueOrder(t *testing.T) {
	s := newSession(uuid.New(), 10, time.Minute)
	for i := 0; i < 5; i++ {
		s.append(ServerMessage{Type: EvtNewMessage, Message: string(rune('0' + i))})
	}

	buf := s.drain()
	for i, m := range buf {
		if m.Message != string(rune('0'+i)) {
			t.Fatalf("frame %d out of order: %q", i, m.Message)
		}
	}
	if again := s.drain(); len(again) != 0 {
		t.Fatalf("second drain should be empty, got %d frames", len(again))
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newSession(uuid.New(), 10, 10*time.Millisecond)
	if s.expired() {
		t.Fatal("fresh session should not be expired")
	}
	time.Sleep(20 * time.Millisecond)
	if !s.expired() {
		t.Fatal("session past its ttl should be expired")
	}
	s.touch()
	if s.expired() {
		t.Fatal("touch should reset the expiry clock")
	}
}

func TestSessionSubscriptionSnapshot(t *testing.T) {
	s := newSession(uuid.New(), 10, time.Minute)
	ch1, ch2 := uuid.New(), uuid.New()
	s.snapshotSubs(map[uuid.UUID]bool{ch1: true, ch2: true})

	subs := s.subscriptions()
	if len(subs) != 2 || !subs[ch1] || !subs[ch2] {
		t.Fatalf("expected both channels in the snapshot, got %v", subs)
	}

	// the returned map is a copy; mutating it must not affect the session
	delete(subs, ch1)
	if got := s.subscriptions(); len(got) != 2 {
		t.Fatalf("snapshot should be isolated from callers, got %v", got)
	}
}
