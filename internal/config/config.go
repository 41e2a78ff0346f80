// Package config loads Haven's TOML-or-env configuration. A fresh TOML file
// is written with securely random secrets the first time the server starts
// against a path that doesn't exist yet, matching the env-var-with-defaults
// pattern the rest of the server uses for local development.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL        string `toml:"database_url"`
	DatabaseReplicaURL string `toml:"database_replica_url"`
	DBMaxConnections   int    `toml:"db_max_connections"`

	RedisURL string `toml:"redis_url"`

	JWTSecret              string `toml:"jwt_secret"`
	JWTExpiryHours         int    `toml:"jwt_expiry_hours"`
	RefreshTokenExpiryDays int    `toml:"refresh_token_expiry_days"`

	StorageBackend       string `toml:"storage_backend"` // local | s3
	StorageDir           string `toml:"storage_dir"`
	StorageEncryptionKey string `toml:"storage_encryption_key"` // 64-hex = 32 bytes
	S3Endpoint           string `toml:"s3_endpoint"`
	S3AccessKey          string `toml:"s3_access_key"`
	S3SecretKey          string `toml:"s3_secret_key"`
	S3Bucket             string `toml:"s3_bucket"`
	S3Region             string `toml:"s3_region"`
	S3UseSSL             bool   `toml:"s3_use_ssl"`

	CORSOrigins           []string `toml:"cors_origins"`
	MaxRequestsPerMinute  int      `toml:"max_requests_per_minute"`
	MaxWSConnectionsPerUser int    `toml:"max_ws_connections_per_user"`

	BroadcastChannelCapacity int `toml:"broadcast_channel_capacity"`
	WSHeartbeatTimeoutSecs   int `toml:"ws_heartbeat_timeout_secs"`
	WSSessionBufferSize      int `toml:"ws_session_buffer_size"`
	WSSessionTTLSecs         int `toml:"ws_session_ttl_secs"`

	MaxUploadSizeBytes  int64  `toml:"max_upload_size_bytes"`
	CDNEnabled          bool   `toml:"cdn_enabled"`
	CDNBaseURL          string `toml:"cdn_base_url"`
	CDNPresignExpirySecs int   `toml:"cdn_presign_expiry_secs"`

	TLSEnabled      bool   `toml:"tls_enabled"`
	TLSCertPath     string `toml:"tls_cert_path"`
	TLSKeyPath      string `toml:"tls_key_path"`
	TLSAutoGenerate bool   `toml:"tls_auto_generate"`

	AuditLogRetentionDays     int  `toml:"audit_log_retention_days"`
	ResolvedReportRetentionDays int `toml:"resolved_report_retention_days"`
	ExpiredInviteCleanup      bool `toml:"expired_invite_cleanup"`

	RegistrationInviteOnly     bool `toml:"registration_invite_only"`
	RegistrationInvitesPerUser int  `toml:"registration_invites_per_user"`

	VoiceSFUURL       string `toml:"voice_sfu_url"`
	VoiceSFUAPIKey    string `toml:"voice_sfu_api_key"`
	VoiceSFUAPISecret string `toml:"voice_sfu_api_secret"`

	CaptchaSiteKey   string `toml:"captcha_site_key"`
	CaptchaSecretKey string `toml:"captcha_secret_key"`
	GifAPIKey        string `toml:"gif_api_key"`

	ListenAddr string `toml:"listen_addr"`
}

func defaults() Config {
	return Config{
		DBMaxConnections:         25,
		JWTExpiryHours:           1,
		RefreshTokenExpiryDays:   30,
		StorageBackend:           "local",
		StorageDir:               "./data/attachments",
		MaxRequestsPerMinute:     120,
		MaxWSConnectionsPerUser:  5,
		BroadcastChannelCapacity: 256,
		WSHeartbeatTimeoutSecs:   45,
		WSSessionBufferSize:      200,
		WSSessionTTLSecs:         300,
		MaxUploadSizeBytes:       100 * 1024 * 1024,
		CDNPresignExpirySecs:     3600,
		TLSAutoGenerate:          false,
		AuditLogRetentionDays:    90,
		ResolvedReportRetentionDays: 30,
		ExpiredInviteCleanup:     true,
		RegistrationInvitesPerUser: 5,
		ListenAddr:               ":8080",
	}
}

// Load reads cfgPath if present; otherwise it writes a fresh file there with
// auto-generated secrets. Environment variables override individual fields
// for secrets and deployment values.
func Load(cfgPath string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(cfgPath); err == nil {
		if _, err := toml.DecodeFile(cfgPath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", cfgPath, err)
		}
	} else if os.IsNotExist(err) {
		secret, genErr := randomHex(32)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate jwt_secret: %w", genErr)
		}
		storageKey, genErr := randomHex(32)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate storage_encryption_key: %w", genErr)
		}
		cfg.JWTSecret = secret
		cfg.StorageEncryptionKey = storageKey
		if writeErr := writeFile(cfgPath, cfg); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config %s: %w", cfgPath, writeErr)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config file %s: %w", cfgPath, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DATABASE_REPLICA_URL"); v != "" {
		cfg.DatabaseReplicaURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("STORAGE_ENCRYPTION_KEY"); v != "" {
		cfg.StorageEncryptionKey = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

func writeFile(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.JWTExpiryHours) * time.Hour
}

func (c *Config) RefreshTokenExpiry() time.Duration {
	return time.Duration(c.RefreshTokenExpiryDays) * 24 * time.Hour
}

func (c *Config) WSHeartbeatTimeout() time.Duration {
	return time.Duration(c.WSHeartbeatTimeoutSecs) * time.Second
}

func (c *Config) WSSessionTTL() time.Duration {
	return time.Duration(c.WSSessionTTLSecs) * time.Second
}
