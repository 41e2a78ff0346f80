package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNilRedisFailsOpen(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if err := l.Allow(context.Background(), "test", "user1", 1, time.Minute); err != nil {
			t.Fatalf("expected fail-open with nil redis, got %v", err)
		}
	}
}

func TestRemainingWithNilRedisReturnsLimit(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	remaining, err := l.Remaining(context.Background(), "test", "user1", 42)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 42 {
		t.Fatalf("expected 42, got %d", remaining)
	}
}

func TestHashIdentifierIsDeterministicAndKeyed(t *testing.T) {
	a, err := New(nil)
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	if a.hashIdentifier("1.2.3.4") != a.hashIdentifier("1.2.3.4") {
		t.Fatal("expected deterministic hash for the same limiter")
	}
	if a.hashIdentifier("1.2.3.4") == b.hashIdentifier("1.2.3.4") {
		t.Fatal("expected distinct limiters to use distinct random HMAC keys")
	}
}
