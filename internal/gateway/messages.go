// Package gateway is the WebSocket core: one logical connection per
// (user, session), newline-terminated JSON frames with a tagged
// discriminant, command dispatch reusing the REST surface's authorization
// and validation rules.
package gateway

import "github.com/google/uuid"

// ClientMessage is a single inbound frame. Type selects which of the
// optional fields are meaningful; unused fields are omitted on the wire.
type ClientMessage struct {
	Type string `json:"type"`

	Channel       *uuid.UUID `json:"channel,omitempty"`
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	SenderToken   []byte     `json:"sender_token,omitempty"`
	EncryptedBody []byte     `json:"encrypted_body,omitempty"`
	ExpiresInSecs *int64     `json:"expires_in_secs,omitempty"`
	ReplyToID     *uuid.UUID `json:"reply_to_id,omitempty"`
	AttachmentIDs []uuid.UUID `json:"attachment_ids,omitempty"`
	Emoji         string     `json:"emoji,omitempty"`
	Status        string     `json:"status,omitempty"`
}

// Client -> server message type discriminants.
const (
	CmdPing            = "ping"
	CmdSubscribe       = "subscribe"
	CmdUnsubscribe     = "unsubscribe"
	CmdSendMessage     = "send_message"
	CmdEditMessage     = "edit_message"
	CmdDeleteMessage   = "delete_message"
	CmdAddReaction     = "add_reaction"
	CmdRemoveReaction  = "remove_reaction"
	CmdSetStatus       = "set_status"
	CmdTyping          = "typing"
	CmdPinMessage      = "pin_message"
	CmdUnpinMessage    = "unpin_message"
	CmdMarkRead        = "mark_read"
	CmdResume          = "resume"
)

// ServerMessage is a single outbound frame. Transient kinds are never
// buffered into a session's resume log.
type ServerMessage struct {
	Type string `json:"type"`

	SessionID           *uuid.UUID `json:"session_id,omitempty"`
	HeartbeatIntervalMs int        `json:"heartbeat_interval_ms,omitempty"`
	Channel             *uuid.UUID `json:"channel,omitempty"`
	Message             string     `json:"message,omitempty"`
	MessageID           *uuid.UUID `json:"message_id,omitempty"`
	SenderID            *uuid.UUID `json:"sender_id,omitempty"`
	SenderToken         []byte     `json:"sender_token,omitempty"`
	EncryptedBody       []byte     `json:"encrypted_body,omitempty"`
	CreatedAt           string     `json:"created_at,omitempty"`
	HasAttachments      bool       `json:"has_attachments,omitempty"`
	ReplyToID           *uuid.UUID `json:"reply_to_id,omitempty"`
	UserID              *uuid.UUID `json:"user_id,omitempty"`
	Emoji               string     `json:"emoji,omitempty"`
	DisplayName         string     `json:"display_name,omitempty"`
	Status              string     `json:"status,omitempty"`
	LastReadAt          string     `json:"last_read_at,omitempty"`
	ReplayedCount       int        `json:"replayed_count,omitempty"`
}

// Server -> client message type discriminants.
const (
	EvtHello                = "hello"
	EvtPong                 = "pong"
	EvtSubscribed           = "subscribed"
	EvtError                = "error"
	EvtMessageAck            = "message_ack"
	EvtNewMessage           = "new_message"
	EvtMessageEdited        = "message_edited"
	EvtMessageDeleted       = "message_deleted"
	EvtReactionAdded        = "reaction_added"
	EvtReactionRemoved      = "reaction_removed"
	EvtUserTyping           = "user_typing"
	EvtPresenceUpdate       = "presence_update"
	EvtSenderKeysUpdated    = "sender_keys_updated"
	EvtMessagePinned        = "message_pinned"
	EvtMessageUnpinned      = "message_unpinned"
	EvtReadStateUpdated     = "read_state_updated"
	EvtVoiceStateUpdate     = "voice_state_update"
	EvtVoiceMuteUpdate      = "voice_mute_update"
	EvtEmojiCreated         = "emoji_created"
	EvtEmojiDeleted         = "emoji_deleted"
	EvtFriendRequestReceived = "friend_request_received"
	EvtFriendRequestAccepted = "friend_request_accepted"
	EvtFriendRemoved        = "friend_removed"
	EvtDmRequestReceived    = "dm_request_received"
	EvtResumed              = "resumed"
	EvtInvalidSession       = "invalid_session"
)

// transient holds the frame kinds never buffered into a
// session's resume log: they either make no sense replayed (Hello,
// Resumed, InvalidSession) or are already re-derivable (Pong, Subscribed,
// Error).
var transient = map[string]bool{
	EvtHello:          true,
	EvtPong:           true,
	EvtSubscribed:     true,
	EvtError:          true,
	EvtResumed:        true,
	EvtInvalidSession: true,
}

func isTransient(m ServerMessage) bool { return transient[m.Type] }
