package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Presence is the non-cache ephemeral user->status map. invisible is stored
// verbatim but every external read goes through ForDisplay, which
// masks it as offline.
type Presence struct {
	mu     sync.RWMutex
	status map[uuid.UUID]string
	rdb    *redis.Client
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{status: make(map[uuid.UUID]string), rdb: rdb}
}

func (p *Presence) Set(ctx context.Context, userID uuid.UUID, status string) error {
	p.mu.Lock()
	p.status[userID] = status
	p.mu.Unlock()
	if p.rdb != nil {
		if err := p.rdb.Set(ctx, presenceKey(userID), status, 0).Err(); err != nil {
			return fmt.Errorf("redis set presence: %w", err)
		}
	}
	return nil
}

func (p *Presence) Clear(ctx context.Context, userID uuid.UUID) {
	p.mu.Lock()
	delete(p.status, userID)
	p.mu.Unlock()
	if p.rdb != nil {
		p.rdb.Del(ctx, presenceKey(userID))
	}
}

// Raw returns the stored status verbatim (including "invisible"); callers
// that need to decide what a user sees of their OWN presence use this.
func (p *Presence) Raw(userID uuid.UUID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.status[userID]
	return s, ok
}

// ForDisplay is the only path other users' clients should see: invisible
// never leaks.
func (p *Presence) ForDisplay(userID uuid.UUID) string {
	s, ok := p.Raw(userID)
	if !ok {
		return "offline"
	}
	if s == "invisible" {
		return "offline"
	}
	return s
}

func presenceKey(userID uuid.UUID) string { return "presence:" + userID.String() }

// PoWChallenges is the single-use, TTL'd proof-of-work challenge set.
// Consume is delete-on-read: a missing or already-consumed challenge is
// rejected.
type PoWChallenges struct {
	mu   sync.Mutex
	data map[string]time.Time
	rdb  *redis.Client
}

func NewPoWChallenges(rdb *redis.Client) *PoWChallenges {
	return &PoWChallenges{data: make(map[string]time.Time), rdb: rdb}
}

func (c *PoWChallenges) Issue(ctx context.Context, challenge string, ttl time.Duration) error {
	c.mu.Lock()
	c.data[challenge] = time.Now().Add(ttl)
	c.mu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, powKey(challenge), "1", ttl).Err(); err != nil {
			return fmt.Errorf("redis set pow challenge: %w", err)
		}
	}
	return nil
}

// Consume deletes the challenge and reports whether it was present and
// unexpired. Single-use: a second call for the same challenge returns false.
func (c *PoWChallenges) Consume(ctx context.Context, challenge string) bool {
	if c.rdb != nil {
		n, err := c.rdb.Del(ctx, powKey(challenge)).Result()
		c.mu.Lock()
		delete(c.data, challenge)
		c.mu.Unlock()
		return err == nil && n > 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.data[challenge]
	delete(c.data, challenge)
	return ok && time.Now().Before(expires)
}

// Sweep evicts expired challenges from the in-process tier; the Redis tier
// expires its own keys via TTL.
func (c *PoWChallenges) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, exp := range c.data {
		if now.After(exp) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}

func powKey(challenge string) string { return "pow:" + challenge }

// VoiceRooms tracks membership and server-side mute/deafen state per voice
// channel for the gateway's voice presence events.
type VoiceRooms struct {
	mu      sync.Mutex
	members map[uuid.UUID]map[uuid.UUID]bool
	muted   map[uuid.UUID]map[uuid.UUID]bool
	deafened map[uuid.UUID]map[uuid.UUID]bool
}

func NewVoiceRooms() *VoiceRooms {
	return &VoiceRooms{
		members:  make(map[uuid.UUID]map[uuid.UUID]bool),
		muted:    make(map[uuid.UUID]map[uuid.UUID]bool),
		deafened: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (v *VoiceRooms) Join(channelID, userID uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.members[channelID] == nil {
		v.members[channelID] = make(map[uuid.UUID]bool)
	}
	v.members[channelID][userID] = true
}

func (v *VoiceRooms) Leave(channelID, userID uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.members[channelID], userID)
	delete(v.muted[channelID], userID)
	delete(v.deafened[channelID], userID)
	if len(v.members[channelID]) == 0 {
		delete(v.members, channelID)
	}
}

func (v *VoiceRooms) Members(channelID uuid.UUID) []uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uuid.UUID, 0, len(v.members[channelID]))
	for u := range v.members[channelID] {
		out = append(out, u)
	}
	return out
}

func (v *VoiceRooms) SetMute(channelID, userID uuid.UUID, muted bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.muted[channelID] == nil {
		v.muted[channelID] = make(map[uuid.UUID]bool)
	}
	if muted {
		v.muted[channelID][userID] = true
	} else {
		delete(v.muted[channelID], userID)
	}
}

func (v *VoiceRooms) SetDeafen(channelID, userID uuid.UUID, deafened bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deafened[channelID] == nil {
		v.deafened[channelID] = make(map[uuid.UUID]bool)
	}
	if deafened {
		v.deafened[channelID][userID] = true
	} else {
		delete(v.deafened[channelID], userID)
	}
}

// LeaveAll removes a user from every voice room, used when their last
// gateway connection drops.
func (v *VoiceRooms) LeaveAll(userID uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ch, members := range v.members {
		if members[userID] {
			delete(members, userID)
			delete(v.muted[ch], userID)
			delete(v.deafened[ch], userID)
			if len(members) == 0 {
				delete(v.members, ch)
			}
		}
	}
}
