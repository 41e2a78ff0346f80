package gateway

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
	"github.com/markjsapp/Haven-sub000/internal/ratelimit"
)

// handleCommand dispatches one inbound frame. Errors never close the socket:
// they surface as Error frames and the connection continues.
func (h *Hub) handleCommand(ctx context.Context, c *Conn, msg ClientMessage) {
	var err error
	switch msg.Type {
	case CmdPing:
		c.enqueue(ServerMessage{Type: EvtPong})
	case CmdSubscribe:
		err = h.cmdSubscribe(ctx, c, msg)
	case CmdUnsubscribe:
		err = h.cmdUnsubscribe(ctx, c, msg)
	case CmdSendMessage:
		err = h.cmdSendMessage(ctx, c, msg)
	case CmdEditMessage:
		err = h.cmdEditMessage(ctx, c, msg)
	case CmdDeleteMessage:
		err = h.cmdDeleteMessage(ctx, c, msg)
	case CmdAddReaction:
		err = h.cmdReaction(ctx, c, msg, true)
	case CmdRemoveReaction:
		err = h.cmdReaction(ctx, c, msg, false)
	case CmdSetStatus:
		err = h.cmdSetStatus(ctx, c, msg)
	case CmdTyping:
		err = h.cmdTyping(ctx, c, msg)
	case CmdPinMessage:
		err = h.cmdPin(ctx, c, msg, true)
	case CmdUnpinMessage:
		err = h.cmdPin(ctx, c, msg, false)
	case CmdMarkRead:
		err = h.cmdMarkRead(ctx, c, msg)
	case CmdResume:
		h.cmdResume(c, msg)
	default:
		err = herr.New(herr.Validation, "unknown message type")
	}

	if err != nil {
		e := herr.As(err)
		if e.Kind == herr.Internal || e.Kind == herr.PersistenceFailure || e.Kind == herr.CacheFailure {
			log.Printf("[WS] %s command failed for user %s: %v", msg.Type, c.userID, err)
			c.enqueue(ServerMessage{Type: EvtError, Message: "internal error"})
			return
		}
		c.enqueue(ServerMessage{Type: EvtError, Message: e.Message})
	}
}

func requireChannel(msg ClientMessage) (uuid.UUID, error) {
	if msg.Channel == nil {
		return uuid.Nil, herr.New(herr.Validation, "channel is required")
	}
	return *msg.Channel, nil
}

func requireMessageID(msg ClientMessage) (uuid.UUID, error) {
	if msg.MessageID == nil {
		return uuid.Nil, herr.New(herr.Validation, "message_id is required")
	}
	return *msg.MessageID, nil
}

func (h *Hub) requireAccess(ctx context.Context, channelID, userID uuid.UUID) error {
	ok, err := h.db.CanAccessChannel(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return herr.New(herr.Forbidden, "no access to this channel")
	}
	return nil
}

func (h *Hub) cmdSubscribe(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}

	b := h.ensureBroadcast(channelID)
	// detach any buffering session hook this connection's session holds
	b.detachSession(c.session().id)
	src := b.subscribe(c.id)
	c.addSubscription(channelID, src)

	h.trackTopic(ctx, cache.ChannelTopic(channelID.String()))

	ch := channelID
	c.enqueue(ServerMessage{Type: EvtSubscribed, Channel: &ch})
	return nil
}

func (h *Hub) cmdUnsubscribe(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	if b := h.getBroadcast(channelID); b != nil {
		b.unsubscribe(c.id)
	}
	c.removeSubscription(channelID)
	h.gcBroadcast(channelID)
	if h.getBroadcast(channelID) == nil {
		h.dropTopic(ctx, cache.ChannelTopic(channelID.String()))
	}
	return nil
}

func (h *Hub) cmdSendMessage(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	if len(msg.EncryptedBody) == 0 {
		return herr.New(herr.Validation, "encrypted_body is required")
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}

	channel, err := h.db.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.ServerID != nil {
		timedOut, err := h.db.IsTimedOut(ctx, *channel.ServerID, c.userID)
		if err != nil {
			return err
		}
		if timedOut {
			return herr.New(herr.Forbidden, "you are timed out in this server")
		}
	}

	// rate limit before any further DB work
	if err := h.limiter.Allow(ctx, ratelimit.BucketMessageSend, c.userID.String(),
		ratelimit.MessageSendLimit, ratelimit.MessageSendWindow); err != nil {
		return err
	}

	senderID := c.userID
	m := &models.Message{
		ID:             uuid.New(),
		ChannelID:      channelID,
		SenderID:       &senderID,
		SenderToken:    msg.SenderToken,
		EncryptedBody:  msg.EncryptedBody,
		HasAttachments: len(msg.AttachmentIDs) > 0,
		ReplyToID:      msg.ReplyToID,
	}
	if msg.ExpiresInSecs != nil {
		t := time.Now().Add(time.Duration(*msg.ExpiresInSecs) * time.Second)
		m.ExpiresAt = &t
	}
	if err := h.db.CreateMessage(ctx, m); err != nil {
		return err
	}
	if err := h.db.LinkAttachments(ctx, m.ID, c.userID, msg.AttachmentIDs); err != nil {
		return err
	}

	mid := m.ID
	c.enqueue(ServerMessage{Type: EvtMessageAck, MessageID: &mid})

	out := newMessageEvent(m)
	h.BroadcastToChannel(ctx, channelID, out)

	// DM and group channels have no server-membership fallback: deliver
	// directly to every member, subscribed or not.
	if channel.Type == models.ChannelDM || channel.Type == models.ChannelGroup {
		members, err := h.db.ChannelMemberUserIDs(ctx, channelID, c.userID)
		if err != nil {
			return err
		}
		for _, member := range members {
			h.DeliverToUser(ctx, member, out)
		}
	}
	return nil
}

func newMessageEvent(m *models.Message) ServerMessage {
	mid := m.ID
	ch := m.ChannelID
	out := ServerMessage{
		Type:           EvtNewMessage,
		MessageID:      &mid,
		Channel:        &ch,
		SenderToken:    m.SenderToken,
		EncryptedBody:  m.EncryptedBody,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		HasAttachments: m.HasAttachments,
		ReplyToID:      m.ReplyToID,
	}
	if m.MessageType == "system" {
		out.Message = string(m.EncryptedBody)
	}
	return out
}

func (h *Hub) cmdEditMessage(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	messageID, err := requireMessageID(msg)
	if err != nil {
		return err
	}
	if len(msg.EncryptedBody) == 0 {
		return herr.New(herr.Validation, "encrypted_body is required")
	}
	if err := h.db.EditMessage(ctx, messageID, c.userID, msg.EncryptedBody); err != nil {
		return err
	}
	mid := messageID
	ch := channelID
	h.BroadcastToChannel(ctx, channelID, ServerMessage{
		Type: EvtMessageEdited, MessageID: &mid, Channel: &ch, EncryptedBody: msg.EncryptedBody,
	})
	return nil
}

func (h *Hub) cmdDeleteMessage(ctx context.Context, c *Conn, msg ClientMessage) error {
	messageID, err := requireMessageID(msg)
	if err != nil {
		return err
	}

	// fast path: sender deletes their own message
	deleted, err := h.db.DeleteMessageAsSender(ctx, messageID, c.userID)
	if err != nil {
		return err
	}

	var channelID uuid.UUID
	if deleted {
		// soft-deleted rows are invisible to GetMessage; the client supplies
		// the channel and the sender path already proved authorization
		if msg.Channel == nil {
			return herr.New(herr.Validation, "channel is required")
		}
		channelID = *msg.Channel
	} else {
		m, err := h.db.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		channelID = m.ChannelID

		channel, err := h.db.GetChannel(ctx, channelID)
		if err != nil {
			return err
		}
		if channel.ServerID == nil {
			return herr.New(herr.Forbidden, "not the sender of this message")
		}

		isOwner, err := h.db.IsServerOwner(ctx, *channel.ServerID, c.userID)
		if err != nil {
			return err
		}
		if !isOwner {
			perms, err := h.resolver.ChannelPerms(ctx, *channel.ServerID, channelID, c.userID)
			if err != nil {
				return err
			}
			if !permissions.HasPermission(perms, permissions.ManageMessages) {
				return herr.New(herr.Forbidden, "missing MANAGE_MESSAGES")
			}
		}

		if err := h.db.DeleteMessageUnconditional(ctx, messageID); err != nil {
			return err
		}
		target := messageID
		if auditErr := h.db.WriteAuditLog(ctx, &models.AuditLog{
			ID: uuid.New(), ServerID: channel.ServerID, ActorID: c.userID,
			Action: "message.delete", TargetID: &target,
		}); auditErr != nil {
			log.Printf("[WS] audit log write failed: %v", auditErr)
		}
	}

	mid := messageID
	ch := channelID
	h.BroadcastToChannel(ctx, channelID, ServerMessage{Type: EvtMessageDeleted, MessageID: &mid, Channel: &ch})
	return nil
}

func (h *Hub) cmdReaction(ctx context.Context, c *Conn, msg ClientMessage, add bool) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	messageID, err := requireMessageID(msg)
	if err != nil {
		return err
	}
	if msg.Emoji == "" {
		return herr.New(herr.Validation, "emoji is required")
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}

	evt := EvtReactionAdded
	if add {
		err = h.db.AddReaction(ctx, messageID, c.userID, msg.Emoji)
	} else {
		err = h.db.RemoveReaction(ctx, messageID, c.userID, msg.Emoji)
		evt = EvtReactionRemoved
	}
	if err != nil {
		return err
	}

	mid := messageID
	ch := channelID
	uid := c.userID
	h.BroadcastToChannel(ctx, channelID, ServerMessage{
		Type: evt, MessageID: &mid, Channel: &ch, UserID: &uid, Emoji: msg.Emoji,
	})
	return nil
}

var validStatuses = map[string]bool{"online": true, "idle": true, "dnd": true, "invisible": true}

func (h *Hub) cmdSetStatus(ctx context.Context, c *Conn, msg ClientMessage) error {
	if !validStatuses[msg.Status] {
		return herr.New(herr.Validation, "status must be one of online, idle, dnd, invisible")
	}
	if err := h.presence.Set(ctx, c.userID, msg.Status); err != nil {
		return err
	}
	// invisible is stored verbatim but broadcast as offline
	h.broadcastPresence(ctx, c.userID, h.presence.ForDisplay(c.userID))
	return nil
}

func (h *Hub) cmdTyping(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}

	name := h.displayName(ctx, c.userID)
	ch := channelID
	uid := c.userID
	// ephemeral: broadcast only, never persisted
	h.BroadcastToChannel(ctx, channelID, ServerMessage{
		Type: EvtUserTyping, Channel: &ch, UserID: &uid, DisplayName: name,
	})
	return nil
}

// displayName serves Typing events from the user cache, falling back to a DB
// read that repopulates it.
func (h *Hub) displayName(ctx context.Context, userID uuid.UUID) string {
	var u models.User
	if hit, err := h.cache.Get(ctx, cache.UserKey(userID.String()), &u); err == nil && hit {
		return userDisplayName(&u)
	}
	fetched, err := h.db.GetUserByID(ctx, userID)
	if err != nil {
		return ""
	}
	if err := h.cache.Set(ctx, cache.UserKey(userID.String()), fetched, cache.UserTTL); err != nil {
		log.Printf("[WS] cache user %s: %v", userID, err)
	}
	return userDisplayName(fetched)
}

func userDisplayName(u *models.User) string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

func (h *Hub) cmdPin(ctx context.Context, c *Conn, msg ClientMessage, pin bool) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	messageID, err := requireMessageID(msg)
	if err != nil {
		return err
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}

	evt := EvtMessagePinned
	action := "pinned"
	if pin {
		if err := h.db.PinMessage(ctx, channelID, messageID, c.userID); err != nil {
			return err
		}
	} else {
		if err := h.db.UnpinMessage(ctx, channelID, messageID); err != nil {
			return err
		}
		evt = EvtMessageUnpinned
		action = "unpinned"
	}

	// plaintext system notice row alongside the event
	sys := &models.Message{
		ID:            uuid.New(),
		ChannelID:     channelID,
		EncryptedBody: []byte(h.displayName(ctx, c.userID) + " " + action + " a message"),
		MessageType:   "system",
	}
	if err := h.db.CreateMessage(ctx, sys); err != nil {
		log.Printf("[WS] system message for %s failed: %v", action, err)
	} else {
		h.BroadcastToChannel(ctx, channelID, newMessageEvent(sys))
	}

	mid := messageID
	ch := channelID
	uid := c.userID
	h.BroadcastToChannel(ctx, channelID, ServerMessage{Type: evt, MessageID: &mid, Channel: &ch, UserID: &uid})
	return nil
}

func (h *Hub) cmdMarkRead(ctx context.Context, c *Conn, msg ClientMessage) error {
	channelID, err := requireChannel(msg)
	if err != nil {
		return err
	}
	if err := h.requireAccess(ctx, channelID, c.userID); err != nil {
		return err
	}
	lastReadAt, err := h.db.MarkRead(ctx, channelID, c.userID)
	if err != nil {
		return err
	}

	ch := channelID
	// multi-device sync: every connection of the same user, on every instance
	h.DeliverToUser(ctx, c.userID, ServerMessage{
		Type: EvtReadStateUpdated, Channel: &ch,
		LastReadAt: lastReadAt.UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// cmdResume swaps the connection onto a prior session and replays its buffer
// in enqueue order. Rejections emit InvalidSession; the client must re-auth
// into a fresh session.
func (h *Hub) cmdResume(c *Conn, msg ClientMessage) {
	if msg.SessionID == nil {
		c.enqueue(ServerMessage{Type: EvtInvalidSession})
		return
	}
	old, ok := h.takeSession(*msg.SessionID)
	if !ok || old.userID != c.userID || old.expired() {
		c.enqueue(ServerMessage{Type: EvtInvalidSession})
		return
	}

	fresh := c.session()
	c.setSession(old)
	old.markDetached(false)
	old.touch()
	h.removeSession(fresh.id)

	// stop buffering into the resumed session; the live connection takes over
	for channelID := range old.subscriptions() {
		if b := h.getBroadcast(channelID); b != nil {
			b.detachSession(old.id)
		}
	}

	replay := old.drain()
	c.enqueue(ServerMessage{Type: EvtResumed, ReplayedCount: len(replay)})
	for _, m := range replay {
		c.enqueue(m)
	}
}
