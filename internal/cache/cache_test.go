package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	type payload struct{ Name string }
	if err := c.Set(ctx, "user:1", payload{Name: "alice"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	ok, err := c.Get(ctx, "user:1", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || got.Name != "alice" {
		t.Fatalf("expected cached value, got ok=%v val=%+v", ok, got)
	}
}

func TestGetExpiredMisses(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	c.Set(ctx, "k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	var out string
	ok, err := c.Get(ctx, "k", &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	c.Set(ctx, "perms:srv1:u1", "a", time.Minute)
	c.Set(ctx, "perms:srv1:u2", "b", time.Minute)
	c.Set(ctx, "perms:srv2:u1", "c", time.Minute)

	if err := c.InvalidatePattern(ctx, PermsServerPrefix("srv1")); err != nil {
		t.Fatalf("invalidate pattern: %v", err)
	}

	var out string
	if ok, _ := c.Get(ctx, "perms:srv1:u1", &out); ok {
		t.Fatal("expected srv1:u1 invalidated")
	}
	if ok, _ := c.Get(ctx, "perms:srv1:u2", &out); ok {
		t.Fatal("expected srv1:u2 invalidated")
	}
	if ok, _ := c.Get(ctx, "perms:srv2:u1", &out); !ok {
		t.Fatal("expected srv2:u1 untouched")
	}
}

func TestPresenceInvisibleMaskedAsOffline(t *testing.T) {
	p := NewPresence(nil)
	u := uuid.New()
	p.Set(context.Background(), u, "invisible")

	if raw, _ := p.Raw(u); raw != "invisible" {
		t.Fatalf("raw should preserve invisible, got %q", raw)
	}
	if disp := p.ForDisplay(u); disp != "offline" {
		t.Fatalf("display should mask invisible as offline, got %q", disp)
	}
}

func TestPresenceUnknownUserIsOffline(t *testing.T) {
	p := NewPresence(nil)
	if disp := p.ForDisplay(uuid.New()); disp != "offline" {
		t.Fatalf("expected offline for unknown user, got %q", disp)
	}
}

func TestPoWChallengeSingleUse(t *testing.T) {
	c := NewPoWChallenges(nil)
	ctx := context.Background()
	if err := c.Issue(ctx, "abc", 300*time.Second); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if !c.Consume(ctx, "abc") {
		t.Fatal("expected first consume to succeed")
	}
	if c.Consume(ctx, "abc") {
		t.Fatal("expected second consume of same challenge to fail")
	}
}

func TestVoiceRoomsLeaveAll(t *testing.T) {
	v := NewVoiceRooms()
	ch1, ch2, u := uuid.New(), uuid.New(), uuid.New()
	v.Join(ch1, u)
	v.Join(ch2, u)
	v.SetMute(ch1, u, true)

	v.LeaveAll(u)

	if members := v.Members(ch1); len(members) != 0 {
		t.Fatalf("expected ch1 empty after LeaveAll, got %v", members)
	}
	if members := v.Members(ch2); len(members) != 0 {
		t.Fatalf("expected ch2 empty after LeaveAll, got %v", members)
	}
}
