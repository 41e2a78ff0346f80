package crypto

import "testing"

func TestSealOpenAESGCMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("hello haven")

	sealed, err := SealAESGCM(key, plaintext, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := OpenAESGCM(key, sealed, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenAESGCMWrongKeyFails(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	sealed, err := SealAESGCM(k1, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenAESGCM(k2, sealed, nil); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestSealProducesDistinctNonces(t *testing.T) {
	key, _ := GenerateKey()
	a, err := SealAESGCM(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := SealAESGCM(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("expected distinct ciphertexts from distinct nonces")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := []byte("01234567890123456789012345678901")
	salt := []byte("salt")
	info := []byte("haven-storage")

	k1, err := DeriveKey(master, salt, info, KeySize)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	k2, err := DeriveKey(master, salt, info, KeySize)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("expected deterministic derivation for identical inputs")
	}

	k3, err := DeriveKey(master, []byte("different-salt"), info, KeySize)
	if err != nil {
		t.Fatalf("derive 3: %v", err)
	}
	if string(k1) == string(k3) {
		t.Fatal("expected different output for different salt")
	}
}
