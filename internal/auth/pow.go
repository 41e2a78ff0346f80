package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/herr"
)

const (
	powChallengeTTL    = 300 * time.Second
	powDifficultyBits  = 20
)

// IssueChallenge mints a random 256-bit challenge and registers it as
// single-use with a 300-second TTL.
func IssueChallenge(ctx context.Context, challenges *cache.PoWChallenges) (challenge string, difficultyBits int, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", 0, fmt.Errorf("generate pow challenge: %w", err)
	}
	challenge = hex.EncodeToString(b)
	if err := challenges.Issue(ctx, challenge, powChallengeTTL); err != nil {
		return "", 0, err
	}
	return challenge, powDifficultyBits, nil
}

// VerifyChallenge consumes the challenge (delete-on-read) and checks that
// SHA-256(challenge || nonce) has at least powDifficultyBits leading zero
// bits. A missing or already-consumed challenge is rejected even when the
// nonce is otherwise valid.
func VerifyChallenge(ctx context.Context, challenges *cache.PoWChallenges, challenge, nonce string) error {
	if !challenges.Consume(ctx, challenge) {
		return herr.New(herr.Validation, "invalid or expired PoW challenge")
	}
	sum := sha256.Sum256([]byte(challenge + nonce))
	if leadingZeroBits(sum[:]) < powDifficultyBits {
		return herr.New(herr.Validation, "proof of work does not meet required difficulty")
	}
	return nil
}

func leadingZeroBits(digest []byte) int {
	count := 0
	for _, b := range digest {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
