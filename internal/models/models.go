// Package models holds the persisted entities of the Haven relay. The server
// never interprets encrypted fields; it stores and routes them opaquely.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a persistent identity. Email, if set, is stored only as an
// HMAC-SHA256 hash so the server can check uniqueness without learning it.
type User struct {
	ID                uuid.UUID  `json:"id"`
	Username          string     `json:"username"`
	DisplayName       *string    `json:"display_name,omitempty"`
	EmailHash         *string    `json:"-"`
	PasswordHash      string     `json:"-"`
	IdentityKey       []byte     `json:"identity_key,omitempty"`
	SignedPreKey      []byte     `json:"signed_prekey,omitempty"`
	SignedPreKeySig   []byte     `json:"signed_prekey_signature,omitempty"`
	TOTPSecret        *string    `json:"-"`
	PendingTOTPSecret *string    `json:"-"`
	AvatarURL         *string    `json:"avatar_url,omitempty"`
	Bio               *string    `json:"bio,omitempty"`
	DMPrivacy         string     `json:"dm_privacy"` // everyone | friends_only | server_members
	IsInstanceAdmin   bool       `json:"is_instance_admin"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"-"`
}

// PreKey is a one-time prekey (classical or hybrid) in a user's queue.
type PreKey struct {
	ID               uuid.UUID `json:"id"`
	OwnerUserID      uuid.UUID `json:"owner_user_id"`
	KeyID            int       `json:"key_id"`
	PublicKey        []byte    `json:"public_key"`
	KyberPublicKey   []byte    `json:"kyber_public_key,omitempty"` // hybrid PQXDH only
	Consumed         bool      `json:"consumed"`
	ConsumedBy       *uuid.UUID `json:"-"`
	ConsumedAt       *time.Time `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// RefreshToken rows store only the SHA-256 hash of the secret half of the
// token, never the secret itself.
type RefreshToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	SecretHash []byte    `json:"-"`
	FamilyID   uuid.UUID `json:"-"`
	DeviceName string    `json:"device_name"`
	MaskedIP   string    `json:"masked_ip"`
	Revoked    bool      `json:"-"`
	ExpiresAt  time.Time `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type Server struct {
	ID              uuid.UUID  `json:"id"`
	EncryptedMeta   []byte     `json:"encrypted_meta"`
	OwnerUserID     uuid.UUID  `json:"owner_user_id"`
	IconURL         *string    `json:"icon_url,omitempty"`
	SystemChannelID *uuid.UUID `json:"system_channel_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ServerMember struct {
	ServerID       uuid.UUID  `json:"server_id"`
	UserID         uuid.UUID  `json:"user_id"`
	EncryptedRole  []byte     `json:"encrypted_role,omitempty"`
	Nickname       *string    `json:"nickname,omitempty"`
	TimedOutUntil  *time.Time `json:"timed_out_until,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
}

type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
	ChannelDM    ChannelType = "dm"
	ChannelGroup ChannelType = "group"
)

type DMStatus string

const (
	DMActive   DMStatus = "active"
	DMPending  DMStatus = "pending"
	DMDeclined DMStatus = "declined"
)

type Channel struct {
	ID            uuid.UUID   `json:"id"`
	ServerID      *uuid.UUID  `json:"server_id,omitempty"`
	EncryptedMeta []byte      `json:"encrypted_meta"`
	Type          ChannelType `json:"type"`
	Position      int         `json:"position"`
	CategoryID    *uuid.UUID  `json:"category_id,omitempty"`
	DMStatus      *DMStatus   `json:"dm_status,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type ChannelMember struct {
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

type Role struct {
	ID          uuid.UUID `json:"id"`
	ServerID    uuid.UUID `json:"server_id"`
	Name        string    `json:"name"`
	Color       int32     `json:"color"`
	Permissions int64     `json:"permissions"`
	Position    int       `json:"position"`
	IsDefault   bool      `json:"is_default"`
}

type MemberRole struct {
	ServerID uuid.UUID `json:"server_id"`
	UserID   uuid.UUID `json:"user_id"`
	RoleID   uuid.UUID `json:"role_id"`
}

type OverwriteTargetType string

const (
	TargetRole   OverwriteTargetType = "role"
	TargetMember OverwriteTargetType = "member"
)

type ChannelPermissionOverwrite struct {
	ChannelID  uuid.UUID           `json:"channel_id"`
	TargetType OverwriteTargetType `json:"target_type"`
	TargetID   uuid.UUID           `json:"target_id"`
	Allow      int64               `json:"allow"`
	Deny       int64               `json:"deny"`
}

type Message struct {
	ID              uuid.UUID  `json:"id"`
	ChannelID       uuid.UUID  `json:"channel_id"`
	SenderID        *uuid.UUID `json:"sender_id,omitempty"`
	SenderToken     []byte     `json:"sender_token"`
	EncryptedBody   []byte     `json:"encrypted_body"`
	MessageType     string     `json:"message_type,omitempty"` // "system" for join/leave/pin notices
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	HasAttachments  bool       `json:"has_attachments"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	ReplyToID       *uuid.UUID `json:"reply_to_id,omitempty"`
	DeletedAt       *time.Time `json:"-"`
}

type SizeBucket int

const (
	Size1MB   SizeBucket = 1
	Size5MB   SizeBucket = 5
	Size25MB  SizeBucket = 25
	Size100MB SizeBucket = 100
)

// Attachment rows are created at upload time with a nil MessageID and linked
// to their message when it is sent.
type Attachment struct {
	ID            uuid.UUID  `json:"id"`
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	UploaderID    uuid.UUID  `json:"-"`
	StorageKey    string     `json:"storage_key"`
	EncryptedMeta []byte     `json:"encrypted_meta"`
	SizeBucket    SizeBucket `json:"size_bucket"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type SenderKeyDistribution struct {
	ChannelID      uuid.UUID `json:"channel_id"`
	FromUserID     uuid.UUID `json:"from_user_id"`
	ToUserID       uuid.UUID `json:"to_user_id"`
	DistributionID string    `json:"distribution_id"`
	EncryptedSKDM  []byte    `json:"encrypted_skdm"`
	CreatedAt      time.Time `json:"created_at"`
}

type KeyBackup struct {
	UserID     uuid.UUID `json:"user_id"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"` // 24 bytes
	Salt       []byte    `json:"salt"`  // 16 bytes
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type FriendshipStatus string

const (
	FriendPending  FriendshipStatus = "pending"
	FriendAccepted FriendshipStatus = "accepted"
)

type Friendship struct {
	RequesterID uuid.UUID        `json:"requester_id"`
	AddresseeID uuid.UUID        `json:"addressee_id"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

type Invite struct {
	Code       string     `json:"code"`
	ServerID   uuid.UUID  `json:"server_id"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	MaxUses    *int       `json:"max_uses,omitempty"`
	UseCount   int        `json:"use_count"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

type RegistrationInvite struct {
	Code      string    `json:"code"`
	CreatedBy uuid.UUID `json:"created_by"`
	UsedBy    *uuid.UUID `json:"used_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Ban struct {
	ServerID  uuid.UUID `json:"server_id"`
	UserID    uuid.UUID `json:"user_id"`
	Reason    *string   `json:"reason,omitempty"`
	BannedBy  uuid.UUID `json:"banned_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ReportStatus string

const (
	ReportOpen     ReportStatus = "open"
	ReportResolved ReportStatus = "resolved"
)

type Report struct {
	ID         uuid.UUID    `json:"id"`
	ReporterID uuid.UUID    `json:"reporter_id"`
	MessageID  *uuid.UUID   `json:"message_id,omitempty"`
	TargetUserID *uuid.UUID `json:"target_user_id,omitempty"`
	Reason     string       `json:"reason"`
	Status     ReportStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

type AuditLog struct {
	ID         uuid.UUID `json:"id"`
	ServerID   *uuid.UUID `json:"server_id,omitempty"`
	ActorID    uuid.UUID `json:"actor_id"`
	Action     string    `json:"action"`
	TargetID   *uuid.UUID `json:"target_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReadState struct {
	ChannelID  uuid.UUID `json:"channel_id"`
	UserID     uuid.UUID `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

type PinnedMessage struct {
	ChannelID uuid.UUID `json:"channel_id"`
	MessageID uuid.UUID `json:"message_id"`
	PinnedBy  uuid.UUID `json:"pinned_by"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomEmoji struct {
	ID        uuid.UUID `json:"id"`
	ServerID  uuid.UUID `json:"server_id"`
	Name      string    `json:"name"`
	StorageKey string   `json:"storage_key"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// WsSession is the persisted handle for resume bookkeeping; the live buffer
// itself lives in the gateway's in-process session map, not here.
type WsSession struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
