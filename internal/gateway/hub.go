package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/config"
	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
	"github.com/markjsapp/Haven-sub000/internal/ratelimit"
)

// TokenValidator is the slice of the auth service the gateway needs to
// authenticate an upgrade.
type TokenValidator interface {
	ValidateAccessToken(token string) (uuid.UUID, error)
}

// Hub owns the shared connection state: connections keyed by user,
// broadcasts keyed by channel, resumable sessions keyed by session id, and
// the single subscriber task against the pub/sub bus.
type Hub struct {
	cfg      *config.Config
	db       *db.DB
	cache    *cache.Cache
	presence *cache.Presence
	voice    *cache.VoiceRooms
	bus      *cache.Bus
	limiter  *ratelimit.Limiter
	resolver *permissions.Resolver
	auth     TokenValidator

	// instanceID tags pub/sub envelopes so this instance can skip its own
	// publishes when they come back around.
	instanceID uuid.UUID

	connMu sync.RWMutex
	conns  map[uuid.UUID][]*Conn // user id -> live connections

	bcastMu sync.RWMutex
	bcasts  map[uuid.UUID]*broadcast // channel id -> local fan-out

	sessMu   sync.Mutex
	sessions map[uuid.UUID]*session // session id -> resumable session

	subMu sync.Mutex
	sub   *cache.Subscription
}

func NewHub(cfg *config.Config, store *db.DB, c *cache.Cache, presence *cache.Presence,
	voice *cache.VoiceRooms, bus *cache.Bus, limiter *ratelimit.Limiter,
	resolver *permissions.Resolver, auth TokenValidator) *Hub {
	return &Hub{
		cfg:        cfg,
		db:         store,
		cache:      c,
		presence:   presence,
		voice:      voice,
		bus:        bus,
		limiter:    limiter,
		resolver:   resolver,
		auth:       auth,
		instanceID: uuid.New(),
		conns:      make(map[uuid.UUID][]*Conn),
		bcasts:     make(map[uuid.UUID]*broadcast),
		sessions:   make(map[uuid.UUID]*session),
	}
}

// Run starts the bus subscriber task. It returns immediately; the task lives
// until ctx is cancelled. Running single-instance (no Redis) this is a no-op
// loop-free return.
func (h *Hub) Run(ctx context.Context) {
	h.subMu.Lock()
	h.sub = h.bus.Subscribe(ctx)
	sub := h.sub
	h.subMu.Unlock()

	ch := sub.Channel()
	if ch == nil {
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					// bus dropped; reconnect and restore every tracked topic
					time.Sleep(time.Second)
					if err := sub.Resubscribe(ctx); err != nil {
						log.Printf("[WS] bus resubscribe failed: %v", err)
						continue
					}
					ch = sub.Channel()
					log.Println("[WS] bus subscription restored")
					continue
				}
				h.dispatchBusEvent(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// busEnvelope wraps a ServerMessage for cross-instance transit.
type busEnvelope struct {
	Origin  uuid.UUID     `json:"origin"`
	Message ServerMessage `json:"message"`
}

func (h *Hub) dispatchBusEvent(topic string, payload []byte) {
	var env busEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("[WS] malformed bus payload on %s: %v", topic, err)
		return
	}
	if env.Origin == h.instanceID {
		return // already fanned out locally at publish time
	}

	switch {
	case strings.HasPrefix(topic, "ws:ch:"):
		id, err := uuid.Parse(strings.TrimPrefix(topic, "ws:ch:"))
		if err != nil {
			return
		}
		if b := h.getBroadcast(id); b != nil {
			b.send(env.Message)
		}
	case strings.HasPrefix(topic, "ws:user:"):
		id, err := uuid.Parse(strings.TrimPrefix(topic, "ws:user:"))
		if err != nil {
			return
		}
		h.deliverToUserLocal(id, env.Message)
	}
}

// getBroadcast returns the channel's broadcast if one exists, without
// creating it.
func (h *Hub) getBroadcast(channelID uuid.UUID) *broadcast {
	h.bcastMu.RLock()
	defer h.bcastMu.RUnlock()
	return h.bcasts[channelID]
}

// ensureBroadcast returns the channel's broadcast, creating it with the
// configured capacity on first use.
func (h *Hub) ensureBroadcast(channelID uuid.UUID) *broadcast {
	h.bcastMu.Lock()
	defer h.bcastMu.Unlock()
	b, ok := h.bcasts[channelID]
	if !ok {
		b = newBroadcast(h.cfg.BroadcastChannelCapacity)
		h.bcasts[channelID] = b
	}
	return b
}

// gcBroadcast removes the broadcast entry iff its receiver count is zero
// — swept by refcount, not by task lifetime.
func (h *Hub) gcBroadcast(channelID uuid.UUID) {
	h.bcastMu.Lock()
	defer h.bcastMu.Unlock()
	if b, ok := h.bcasts[channelID]; ok && b.empty() {
		delete(h.bcasts, channelID)
	}
}

// BroadcastToChannel fans a frame out locally and publishes it to the bus
// for peer instances. Publish failures are logged, never escalated.
func (h *Hub) BroadcastToChannel(ctx context.Context, channelID uuid.UUID, m ServerMessage) {
	if b := h.getBroadcast(channelID); b != nil {
		b.send(m)
	}
	h.publish(ctx, cache.ChannelTopic(channelID.String()), m)
}

// DeliverToUser sends a frame to every local connection of a user, buffers it
// into their detached sessions, and publishes to their user topic for peer
// instances.
func (h *Hub) DeliverToUser(ctx context.Context, userID uuid.UUID, m ServerMessage) {
	h.deliverToUserLocal(userID, m)
	h.publish(ctx, cache.UserTopic(userID.String()), m)
}

func (h *Hub) deliverToUserLocal(userID uuid.UUID, m ServerMessage) {
	h.connMu.RLock()
	conns := append([]*Conn(nil), h.conns[userID]...)
	h.connMu.RUnlock()
	for _, c := range conns {
		c.enqueue(m)
	}

	h.sessMu.Lock()
	for _, s := range h.sessions {
		if s.userID == userID && s.detached() {
			s.append(m)
		}
	}
	h.sessMu.Unlock()
}

func (h *Hub) publish(ctx context.Context, topic string, m ServerMessage) {
	payload, err := json.Marshal(busEnvelope{Origin: h.instanceID, Message: m})
	if err != nil {
		log.Printf("[WS] marshal bus envelope: %v", err)
		return
	}
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		log.Printf("[WS] publish to %s failed: %v", topic, err)
	}
}

// registerConn adds a connection under the per-user cap. Returns false when
// the cap is already reached.
func (h *Hub) registerConn(c *Conn) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if len(h.conns[c.userID]) >= h.cfg.MaxWSConnectionsPerUser {
		return false
	}
	h.conns[c.userID] = append(h.conns[c.userID], c)
	return true
}

// unregisterConn removes a connection and reports whether it was the user's
// last one.
func (h *Hub) unregisterConn(c *Conn) (last bool) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	list := h.conns[c.userID]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.conns, c.userID)
		return true
	}
	h.conns[c.userID] = list
	return false
}

func (h *Hub) userConnCount(userID uuid.UUID) int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns[userID])
}

// session registry

func (h *Hub) addSession(s *session) {
	h.sessMu.Lock()
	h.sessions[s.id] = s
	h.sessMu.Unlock()
}

func (h *Hub) takeSession(id uuid.UUID) (*session, bool) {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) removeSession(id uuid.UUID) {
	h.sessMu.Lock()
	delete(h.sessions, id)
	h.sessMu.Unlock()
}

// SweepSessions drops every expired detached session and unhooks it from the
// broadcasts it was buffering on. Run once a minute by the cleanup schedule.
func (h *Hub) SweepSessions() {
	h.sessMu.Lock()
	var dead []*session
	for id, s := range h.sessions {
		if s.detached() && s.expired() {
			dead = append(dead, s)
			delete(h.sessions, id)
		}
	}
	h.sessMu.Unlock()

	for _, s := range dead {
		for channelID := range s.subscriptions() {
			if b := h.getBroadcast(channelID); b != nil {
				b.detachSession(s.id)
			}
			h.gcBroadcast(channelID)
		}
	}
	if len(dead) > 0 {
		log.Printf("[WS] expired %d detached sessions", len(dead))
	}
}

// trackTopic keeps the bus subscription set aligned with the users and
// channels this instance actually hosts.
func (h *Hub) trackTopic(ctx context.Context, topic string) {
	h.subMu.Lock()
	sub := h.sub
	h.subMu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Add(ctx, topic); err != nil {
		log.Printf("[WS] subscribe to %s failed: %v", topic, err)
	}
}

func (h *Hub) dropTopic(ctx context.Context, topic string) {
	h.subMu.Lock()
	sub := h.sub
	h.subMu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Remove(ctx, topic); err != nil {
		log.Printf("[WS] unsubscribe from %s failed: %v", topic, err)
	}
}

// broadcastPresence pushes a PresenceUpdate for userID into every channel the
// user's connections are subscribed to. Callers pass the already-masked
// display status — peers never see "invisible".
func (h *Hub) broadcastPresence(ctx context.Context, userID uuid.UUID, displayStatus string) {
	channels := make(map[uuid.UUID]bool)
	h.connMu.RLock()
	for _, c := range h.conns[userID] {
		for ch := range c.subscribedChannels() {
			channels[ch] = true
		}
	}
	h.connMu.RUnlock()
	h.broadcastPresenceTo(ctx, channels, userID, displayStatus)
}

func (h *Hub) broadcastPresenceTo(ctx context.Context, channels map[uuid.UUID]bool, userID uuid.UUID, displayStatus string) {
	uid := userID
	m := ServerMessage{Type: EvtPresenceUpdate, UserID: &uid, Status: displayStatus}
	for ch := range channels {
		h.BroadcastToChannel(ctx, ch, m)
	}
}
