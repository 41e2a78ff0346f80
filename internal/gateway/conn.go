package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markjsapp/Haven-sub000/internal/cache"
)

// outQueue is the unbounded MPSC egress queue: producers enqueue from any
// task, the single egress task drains in order. While the connection is
// live, session-buffer write-back happens at dequeue time, so only frames
// actually headed out the socket are buffered; once the session is detached,
// broadcasts append to its buffer directly.
type outQueue struct {
	mu     sync.Mutex
	items  []ServerMessage
	signal chan struct{}
	closed bool
}

func newOutQueue() *outQueue {
	return &outQueue{signal: make(chan struct{}, 1)}
}

func (q *outQueue) push(m ServerMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is available or the queue is closed.
func (q *outQueue) pop() (ServerMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return ServerMessage{}, false
		}
		<-q.signal
	}
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// subscriberTask pumps one (connection, channel) broadcast queue into the
// connection's egress queue. Cancelled by closing its source channel.
type subscriberTask struct {
	channelID uuid.UUID
	src       chan ServerMessage
}

// Conn is one live WebSocket connection: two cooperating tasks (ingress and
// egress) over a shared egress queue, plus per-channel subscriber tasks.
type Conn struct {
	id     uuid.UUID
	userID uuid.UUID
	hub    *Hub
	ws     *websocket.Conn
	out    *outQueue

	mu   sync.Mutex
	sess *session
	subs map[uuid.UUID]*subscriberTask

	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, userID uuid.UUID, sess *session) *Conn {
	return &Conn{
		id:     uuid.New(),
		userID: userID,
		hub:    hub,
		ws:     ws,
		out:    newOutQueue(),
		sess:   sess,
		subs:   make(map[uuid.UUID]*subscriberTask),
	}
}

// enqueue queues a frame for egress.
func (c *Conn) enqueue(m ServerMessage) {
	c.out.push(m)
}

func (c *Conn) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Conn) setSession(s *session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *Conn) subscribedChannels() map[uuid.UUID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(c.subs))
	for id := range c.subs {
		out[id] = true
	}
	return out
}

// addSubscription wires a subscriber task for channelID, replacing any prior
// one for the same channel on this connection.
func (c *Conn) addSubscription(channelID uuid.UUID, src chan ServerMessage) {
	c.mu.Lock()
	c.subs[channelID] = &subscriberTask{channelID: channelID, src: src}
	c.mu.Unlock()

	go func() {
		for m := range src {
			c.enqueue(m)
		}
	}()
}

func (c *Conn) removeSubscription(channelID uuid.UUID) {
	c.mu.Lock()
	delete(c.subs, channelID)
	c.mu.Unlock()
}

// writePump is the egress task: it drains the queue into the socket, writing
// each frame as a newline-terminated JSON text message and appending
// non-transient frames to the session's resume buffer.
func (c *Conn) writePump() {
	defer c.teardown()
	for {
		m, ok := c.out.pop()
		if !ok {
			return
		}
		c.session().append(m)

		payload, err := json.Marshal(m)
		if err != nil {
			log.Printf("[WS] marshal outbound frame: %v", err)
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, append(payload, '\n')); err != nil {
			return
		}
	}
}

// readPump is the ingress task: it awaits inbound frames under the heartbeat
// deadline, touches the session, and dispatches commands strictly in order.
func (c *Conn) readPump(ctx context.Context) {
	defer c.teardown()
	heartbeat := c.hub.cfg.WSHeartbeatTimeout()
	for {
		c.ws.SetReadDeadline(time.Now().Add(heartbeat))
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] read error for user %s: %v", c.userID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.enqueue(ServerMessage{Type: EvtError, Message: "malformed frame"})
			continue
		}

		c.session().touch()
		c.hub.handleCommand(ctx, c, msg)
	}
}

// teardown runs exactly once, on whichever pump exits first: snapshot the
// subscription set into the session for replay bookkeeping, flip the session
// to DETACHED (buffering), abort subscriber tasks while keeping each
// broadcast buffering into the detached session (so none is left empty), and
// — if this was the user's last connection — broadcast offline, tear down
// voice state, and drop the user's bus topic.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		ctx := context.Background()
		c.ws.Close()
		c.out.close()

		subs := c.subscribedChannels()
		sess := c.session()
		sess.snapshotSubs(subs)
		sess.markDetached(true)

		for channelID := range subs {
			b := c.hub.getBroadcast(channelID)
			if b == nil {
				continue
			}
			b.unsubscribe(c.id)
			// keep buffering into the detached session until it expires
			b.attachSession(sess)
			c.removeSubscription(channelID)
		}

		last := c.hub.unregisterConn(c)
		if last {
			c.hub.broadcastPresenceTo(ctx, subs, c.userID, "offline")
			c.hub.presence.Clear(ctx, c.userID)
			c.hub.voice.LeaveAll(c.userID)
			c.hub.dropTopic(ctx, cache.UserTopic(c.userID.String()))
		}
	})
}
