// Package storage is the attachment storage backend: obfuscated paths
// derived from an HMAC of the attachment id, with AES-256-GCM envelope encryption over a
// pluggable local-or-S3 backend.
package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	haven "github.com/markjsapp/Haven-sub000/internal/crypto"
	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// Backend is implemented by Local and S3. The set is closed — callers
// type-switch on config, not on the interface.
type Backend interface {
	Store(ctx context.Context, key string, plaintext []byte) error
	StoreRaw(ctx context.Context, key string, raw []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	LoadRaw(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignURL(ctx context.Context, key string, ttl time.Duration, cdnPrefix string) (string, bool)
}

// ObfuscatedKey derives the storage path for an attachment id:
// hex(HMAC-SHA256(serverKey, id)) split into a 2-char shard prefix and the
// remainder. Pure, stable, and sensitive to both key and id.
func ObfuscatedKey(serverKey []byte, id uuid.UUID) string {
	mac := hmac.New(sha256.New, serverKey)
	mac.Write(id[:])
	digest := hex.EncodeToString(mac.Sum(nil))
	return digest[:2] + "/" + digest[2:]
}

// Local is a filesystem-backed implementation rooted at Dir.
type Local struct {
	Dir           string
	EncryptionKey []byte
}

func NewLocal(dir string, encryptionKey []byte) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{Dir: dir, EncryptionKey: encryptionKey}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

func (l *Local) Store(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := haven.SealAESGCM(l.EncryptionKey, plaintext, nil)
	if err != nil {
		return herr.Wrap(herr.StorageFailure, "envelope-encrypt blob", err)
	}
	return l.StoreRaw(ctx, key, sealed)
}

func (l *Local) StoreRaw(ctx context.Context, key string, raw []byte) error {
	full := l.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return herr.Wrap(herr.StorageFailure, "create shard directory", err)
	}
	if err := os.WriteFile(full, raw, 0o600); err != nil {
		return herr.Wrap(herr.StorageFailure, "write blob", err)
	}
	return nil
}

func (l *Local) Load(ctx context.Context, key string) ([]byte, error) {
	raw, err := l.LoadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := haven.OpenAESGCM(l.EncryptionKey, raw, nil)
	if err != nil {
		return nil, herr.Wrap(herr.StorageFailure, "envelope-decrypt blob", err)
	}
	return plaintext, nil
}

func (l *Local) LoadRaw(ctx context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, herr.Wrap(herr.StorageFailure, "read blob", err)
	}
	return raw, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return herr.Wrap(herr.StorageFailure, "delete blob", err)
	}
	return nil
}

// PresignURL always returns (false) for the local backend — there is no
// standalone object host to presign against.
func (l *Local) PresignURL(ctx context.Context, key string, ttl time.Duration, cdnPrefix string) (string, bool) {
	return "", false
}

// S3 wraps an S3-compatible bucket via minio-go.
type S3 struct {
	client        *minio.Client
	bucket        string
	region        string
	encryptionKey []byte
}

type S3Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	EncryptionKey []byte
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	s := &S3{client: client, bucket: cfg.Bucket, region: cfg.Region, encryptionKey: cfg.EncryptionKey}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return s, nil
}

func (s *S3) Store(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := haven.SealAESGCM(s.encryptionKey, plaintext, nil)
	if err != nil {
		return herr.Wrap(herr.StorageFailure, "envelope-encrypt blob", err)
	}
	return s.StoreRaw(ctx, key, sealed)
}

func (s *S3) StoreRaw(ctx context.Context, key string, raw []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{})
	if err != nil {
		return herr.Wrap(herr.StorageFailure, "upload blob", err)
	}
	return nil
}

func (s *S3) Load(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.LoadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := haven.OpenAESGCM(s.encryptionKey, raw, nil)
	if err != nil {
		return nil, herr.Wrap(herr.StorageFailure, "envelope-decrypt blob", err)
	}
	return plaintext, nil
}

func (s *S3) LoadRaw(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, herr.Wrap(herr.StorageFailure, "get blob", err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, herr.Wrap(herr.StorageFailure, "read blob", err)
	}
	return raw, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return herr.Wrap(herr.StorageFailure, "delete blob", err)
	}
	return nil
}

// PresignURL returns a presigned GET URL; if cdnPrefix is set, the presigned
// host is swapped for it so downloads route through the CDN while the
// authorization query parameters remain valid.
func (s *S3) PresignURL(ctx context.Context, key string, ttl time.Duration, cdnPrefix string) (string, bool) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", false
	}
	if cdnPrefix != "" {
		if swapped, err := swapHost(u, cdnPrefix); err == nil {
			return swapped, true
		}
	}
	return u.String(), true
}

func swapHost(u *url.URL, cdnPrefix string) (string, error) {
	cdn, err := url.Parse(cdnPrefix)
	if err != nil {
		return "", err
	}
	out := *u
	out.Scheme = cdn.Scheme
	out.Host = cdn.Host
	return out.String(), nil
}
