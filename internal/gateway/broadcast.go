package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// broadcast is the per-channel local fan-out: a bounded queue per live
// subscriber plus direct buffer append for detached sessions. A slow
// consumer's frames are dropped for that subscriber only — the sender is
// never backpressured.
type broadcast struct {
	mu       sync.Mutex
	capacity int
	subs     map[uuid.UUID]chan ServerMessage // conn id -> bounded queue
	detached map[uuid.UUID]*session           // session id -> buffering session
}

func newBroadcast(capacity int) *broadcast {
	return &broadcast{
		capacity: capacity,
		subs:     make(map[uuid.UUID]chan ServerMessage),
		detached: make(map[uuid.UUID]*session),
	}
}

// subscribe registers a live connection and returns its delivery queue. Any
// prior queue for the same connection is closed first, so a resubscribe never
// leaves a duplicate subscriber task behind.
func (b *broadcast) subscribe(connID uuid.UUID) chan ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.subs[connID]; ok {
		close(prev)
	}
	ch := make(chan ServerMessage, b.capacity)
	b.subs[connID] = ch
	return ch
}

func (b *broadcast) unsubscribe(connID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[connID]; ok {
		close(ch)
		delete(b.subs, connID)
	}
}

// attachSession registers a detached session so frames keep accumulating in
// its resume buffer while no connection is attached.
func (b *broadcast) attachSession(s *session) {
	b.mu.Lock()
	b.detached[s.id] = s
	b.mu.Unlock()
}

func (b *broadcast) detachSession(sessionID uuid.UUID) {
	b.mu.Lock()
	delete(b.detached, sessionID)
	b.mu.Unlock()
}

// send fans a frame out to every live subscriber queue (dropping on a full
// queue) and into every detached session's resume buffer.
func (b *broadcast) send(m ServerMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
			// slow consumer: drop for this subscriber only
		}
	}
	for _, s := range b.detached {
		s.append(m)
	}
}

// empty reports whether the broadcast has no receivers left and can be GC'd.
func (b *broadcast) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == 0 && len(b.detached) == 0
}
