package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is the in-process resume handle for one (user, session_id).
// Survives its connection dropping (DETACHED) until ttl elapses (EXPIRED).
// The buffer is a bounded FIFO: full means drop-oldest, favoring recency.
type session struct {
	mu         sync.Mutex
	id         uuid.UUID
	userID     uuid.UUID
	lastActive time.Time
	ttl        time.Duration
	buf        []ServerMessage
	capacity   int
	subs       map[uuid.UUID]bool // subscribed channel ids, snapshotted on disconnect
	noConn     bool               // true while DETACHED (no live connection)
}

func newSession(userID uuid.UUID, capacity int, ttl time.Duration) *session {
	return &session{
		id:         uuid.New(),
		userID:     userID,
		lastActive: time.Now(),
		ttl:        ttl,
		capacity:   capacity,
		subs:       make(map[uuid.UUID]bool),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) markDetached(v bool) {
	s.mu.Lock()
	s.noConn = v
	s.mu.Unlock()
}

func (s *session) detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noConn
}

func (s *session) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive) > s.ttl
}

// append buffers a non-transient frame, dropping the oldest on overflow.
func (s *session) append(m ServerMessage) {
	if isTransient(m) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, m)
	if len(s.buf) > s.capacity {
		s.buf = s.buf[len(s.buf)-s.capacity:]
	}
}

// drain returns and clears the buffered frames for replay on resume.
func (s *session) drain() []ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out
}

func (s *session) snapshotSubs(channels map[uuid.UUID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = channels
}

func (s *session) subscriptions() map[uuid.UUID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(s.subs))
	for k := range s.subs {
		out[k] = true
	}
	return out
}
