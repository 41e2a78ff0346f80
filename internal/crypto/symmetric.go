// Package crypto provides server-side symmetric primitives: envelope
// encryption for the storage backend and helpers used by the
// key-distribution plane. The server never touches message
// plaintext — this package only wraps already-opaque blobs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of symmetric keys (256 bits).
	KeySize = 32
	// AESGCMNonceSize is the nonce size for AES-256-GCM, the envelope
	// encryption algorithm used by the storage backend.
	AESGCMNonceSize = 12
	// XChaCha20NonceSize is the nonce size for the XChaCha20-Poly1305
	// alternate, used where a larger nonce budget is wanted.
	XChaCha20NonceSize = 24
)

// GenerateKey returns a random 256-bit symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// SealAESGCM encrypts plaintext under key with a fresh random nonce and
// returns nonce‖ciphertext‖tag, the on-disk/on-object envelope format.
// additionalData may be nil.
func SealAESGCM(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// OpenAESGCM reverses SealAESGCM: it expects nonce‖ciphertext and returns the
// plaintext, or an error if authentication fails or the wrong key was used.
func OpenAESGCM(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("envelope decryption failed: %w", err)
	}
	return plaintext, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealXChaCha20 is the wide-nonce alternate to SealAESGCM, available for
// callers that prefer a larger nonce budget over a classical NIST primitive.
func SealXChaCha20(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create xchacha20-poly1305: %w", err)
	}
	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func OpenXChaCha20(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create xchacha20-poly1305: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("envelope decryption failed: %w", err)
	}
	return plaintext, nil
}

// DeriveKey derives a key from a master secret using HKDF-SHA256, giving
// domain separation between e.g. the storage key and the HMAC path key even
// when both are generated from the same root secret.
func DeriveKey(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if keyLen > 255*32 {
		return nil, fmt.Errorf("requested key length too large")
	}
	r := hkdf.New(sha256.New, masterKey, salt, info)
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}
