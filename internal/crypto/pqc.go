package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// Optional hybrid PQXDH extension: a prekey may additionally carry a
// Kyber768 public key alongside its classical X25519 key (models.PreKey's
// KyberPublicKey field). The server only validates size; encapsulation is
// entirely client-side.
const Kyber768PublicKeySize = kyber768.PublicKeySize

func IsValidKyberPublicKeySize(b []byte) bool {
	return len(b) == Kyber768PublicKeySize
}

// Fingerprint returns a short hex digest of a public key, useful for logging
// and out-of-band verification without exposing the raw key material.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// ValidateHybridBundleInputs extends ValidateBundleInputs with the optional
// Kyber768 component, used when a client opts into the hybrid bundle.
func ValidateHybridBundleInputs(identityKey, signedPreKey, signedPreKeySig, kyberPublicKey []byte) error {
	if err := ValidateBundleInputs(identityKey, signedPreKey, signedPreKeySig); err != nil {
		return err
	}
	if len(kyberPublicKey) > 0 && !IsValidKyberPublicKeySize(kyberPublicKey) {
		return fmt.Errorf("invalid kyber768 public key size: got %d, expected %d", len(kyberPublicKey), Kyber768PublicKeySize)
	}
	return nil
}
