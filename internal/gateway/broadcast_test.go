package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBroadcastDeliversToSubscribers(t *testing.T) {
	b := newBroadcast(8)
	connA, connB := uuid.New(), uuid.New()
	qa := b.subscribe(connA)
	qb := b.subscribe(connB)

	b.send(ServerMessage{Type: EvtNewMessage, Message: "hi"})

	for name, q := range map[string]chan ServerMessage{"a": qa, "b": qb} {
		select {
		case m := <-q:
			if m.Message != "hi" {
				t.Fatalf("subscriber %s got wrong frame: %+v", name, m)
			}
		default:
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestBroadcastResubscribeClosesPriorQueue(t *testing.T) {
	b := newBroadcast(8)
	connID := uuid.New()
	first := b.subscribe(connID)
	second := b.subscribe(connID)

	if _, open := <-first; open {
		t.Fatal("first queue should be closed after resubscribe")
	}

	b.send(ServerMessage{Type: EvtNewMessage})
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second queue should receive the frame")
	}
}

func TestBroadcastDropsForSlowConsumerOnly(t *testing.T) {
	b := newBroadcast(1)
	slow, fast := uuid.New(), uuid.New()
	slowQ := b.subscribe(slow)
	fastQ := b.subscribe(fast)

	b.send(ServerMessage{Type: EvtNewMessage, Message: "1"})
	// the fast consumer drains; the slow one doesn't
	<-fastQ
	b.send(ServerMessage{Type: EvtNewMessage, Message: "2"})

	if got := <-fastQ; got.Message != "2" {
		t.Fatalf("fast consumer should see frame 2, got %q", got.Message)
	}
	if got := <-slowQ; got.Message != "1" {
		t.Fatalf("slow consumer keeps its first frame, got %q", got.Message)
	}
	select {
	case m := <-slowQ:
		t.Fatalf("slow consumer should have dropped frame 2, got %q", m.Message)
	default:
	}
}

func TestBroadcastBuffersIntoDetachedSessions(t *testing.T) {
	b := newBroadcast(8)
	s := newSession(uuid.New(), 10, time.Minute)
	b.attachSession(s)

	b.send(ServerMessage{Type: EvtNewMessage, Message: "while away"})
	b.send(ServerMessage{Type: EvtPong}) // transient, never buffered

	buf := s.drain()
	if len(buf) != 1 || buf[0].Message != "while away" {
		t.Fatalf("expected one buffered frame, got %+v", buf)
	}

	b.detachSession(s.id)
	b.send(ServerMessage{Type: EvtNewMessage})
	if buf := s.drain(); len(buf) != 0 {
		t.Fatalf("detached session should stop buffering, got %d frames", len(buf))
	}
}

func TestBroadcastEmptyReportsGCEligibility(t *testing.T) {
	b := newBroadcast(8)
	if !b.empty() {
		t.Fatal("fresh broadcast should be empty")
	}

	connID := uuid.New()
	b.subscribe(connID)
	if b.empty() {
		t.Fatal("broadcast with a live subscriber is not empty")
	}
	b.unsubscribe(connID)

	s := newSession(uuid.New(), 10, time.Minute)
	b.attachSession(s)
	if b.empty() {
		t.Fatal("broadcast with a detached session is not empty")
	}
	b.detachSession(s.id)

	if !b.empty() {
		t.Fatal("broadcast should be empty once all receivers are gone")
	}
}

func TestOutQueuePreservesPushOrder(t *testing.T) {
	q := newOutQueue()
	for i := 0; i < 10; i++ {
		q.push(ServerMessage{Type: EvtNewMessage, Message: string(rune('0' + i))})
	}
	for i := 0; i < 10; i++ {
		m, ok := q.pop()
		if !ok {
			t.Fatalf("queue closed early at %d", i)
		}
		if m.Message != string(rune('0'+i)) {
			t.Fatalf("frame %d out of order: %q", i, m.Message)
		}
	}
}

func TestOutQueueCloseUnblocksPop(t *testing.T) {
	q := newOutQueue()
	done := make(chan struct{})
	go func() {
		if _, ok := q.pop(); ok {
			t.Error("pop on a closed queue should report !ok")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on close")
	}
}
