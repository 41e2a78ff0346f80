package auth

import (
	"context"
	"crypto/sha256"
	"strconv"
	"testing"

	"github.com/markjsapp/Haven-sub000/internal/cache"
)

func TestIssueAndVerifyChallengeRoundTrip(t *testing.T) {
	ctx := context.Background()
	challenges := cache.NewPoWChallenges(nil)

	challenge, difficulty, err := IssueChallenge(ctx, challenges)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if difficulty != powDifficultyBits {
		t.Fatalf("expected difficulty %d, got %d", powDifficultyBits, difficulty)
	}

	nonce := findValidNonce(t, challenge, difficulty)
	if err := VerifyChallenge(ctx, challenges, challenge, nonce); err != nil {
		t.Fatalf("expected valid PoW to verify, got %v", err)
	}
}

func TestVerifyChallengeSingleUse(t *testing.T) {
	ctx := context.Background()
	challenges := cache.NewPoWChallenges(nil)

	challenge, difficulty, err := IssueChallenge(ctx, challenges)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	nonce := findValidNonce(t, challenge, difficulty)

	if err := VerifyChallenge(ctx, challenges, challenge, nonce); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := VerifyChallenge(ctx, challenges, challenge, nonce); err == nil {
		t.Fatal("expected second verification of the same challenge to fail")
	}
}

func TestVerifyChallengeRejectsUnissuedChallenge(t *testing.T) {
	ctx := context.Background()
	challenges := cache.NewPoWChallenges(nil)
	if err := VerifyChallenge(ctx, challenges, "never-issued", "0"); err == nil {
		t.Fatal("expected unissued challenge to be rejected")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	if got := leadingZeroBits([]byte{0x00, 0x00, 0x0f}); got != 20 {
		t.Fatalf("expected 20 leading zero bits, got %d", got)
	}
	if got := leadingZeroBits([]byte{0xff}); got != 0 {
		t.Fatalf("expected 0 leading zero bits, got %d", got)
	}
}

func findValidNonce(t *testing.T, challenge string, difficulty int) string {
	t.Helper()
	for i := 0; i < 5_000_000; i++ {
		nonce := strconv.Itoa(i)
		sum := sha256.Sum256([]byte(challenge + nonce))
		if leadingZeroBits(sum[:]) >= difficulty {
			return nonce
		}
	}
	t.Fatal("failed to find a valid PoW nonce within the search budget")
	return ""
}
