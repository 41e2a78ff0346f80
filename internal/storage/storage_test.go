package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"

	haven "github.com/markjsapp/Haven-sub000/internal/crypto"
)

func TestObfuscatedKeyStableAndDistinguishing(t *testing.T) {
	key1, _ := haven.GenerateKey()
	key2, _ := haven.GenerateKey()
	id1 := uuid.New()
	id2 := uuid.New()

	if ObfuscatedKey(key1, id1) != ObfuscatedKey(key1, id1) {
		t.Fatal("expected stable output for identical inputs")
	}
	if ObfuscatedKey(key1, id1) == ObfuscatedKey(key1, id2) {
		t.Fatal("expected different ids to produce different keys")
	}
	if ObfuscatedKey(key1, id1) == ObfuscatedKey(key2, id1) {
		t.Fatal("expected different server keys to produce different keys")
	}
}

func TestObfuscatedKeyShape(t *testing.T) {
	key, _ := haven.GenerateKey()
	path := ObfuscatedKey(key, uuid.New())
	if len(path) != 65 || path[2] != '/' {
		t.Fatalf("unexpected shard path shape: %q", path)
	}
}

func TestLocalStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	encKey, _ := haven.GenerateKey()
	backend, err := NewLocal(dir, encKey)
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}

	ctx := context.Background()
	k := ObfuscatedKey(encKey, uuid.New())
	plaintext := []byte("attachment bytes")

	if err := backend.Store(ctx, k, plaintext); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := backend.Load(ctx, k)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestLocalDeleteMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	encKey, _ := haven.GenerateKey()
	backend, _ := NewLocal(dir, encKey)

	if err := backend.Delete(context.Background(), "ab/missing"); err != nil {
		t.Fatalf("deleting a missing object should not be an error, got: %v", err)
	}
}

func TestLocalPresignURLReturnsNone(t *testing.T) {
	dir := t.TempDir()
	encKey, _ := haven.GenerateKey()
	backend, _ := NewLocal(dir, encKey)

	if _, ok := backend.PresignURL(context.Background(), "ab/cd", 0, ""); ok {
		t.Fatal("local backend should never presign")
	}
}
