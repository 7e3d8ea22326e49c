package cryptox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher()
	inputs := []string{
		"",
		"merhaba",
		"a longer message with spaces and punctuation, plus ünïcödé 🙂",
	}
	for _, plain := range inputs {
		blob, err := c.Encrypt(plain, "account-1")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		got, err := c.Decrypt(blob, "account-1")
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if got != plain {
			t.Fatalf("round trip mismatch: got %q want %q", got, plain)
		}
	}
}

func TestDecryptWithWrongSecretFails(t *testing.T) {
	c := NewCipher()
	blob, err := c.Encrypt("gizli mesaj", "account-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c.Decrypt(blob, "account-2"); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	c := NewCipher()
	blob, err := c.Encrypt("original content", "account-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Flip one bit at every byte position, covering nonce, ciphertext, and tag.
	for i := range raw {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01
		got, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered), "account-1")
		if err == nil {
			t.Fatalf("flip at byte %d: expected failure, got %q", i, got)
		}
		if !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("flip at byte %d: expected ErrDecryptFailed, got %v", i, err)
		}
	}
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	c := NewCipher()
	for _, blob := range []string{"not base64!!", "", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.Decrypt(blob, "account-1"); !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("blob %q: expected ErrDecryptFailed, got %v", blob, err)
		}
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	c := NewCipher()
	first, err := c.Encrypt("same plaintext", "account-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := c.Encrypt("same plaintext", "account-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("two encryptions produced identical blobs")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("account-1")
	b := DeriveKey("account-1")
	other := DeriveKey("account-2")
	if !bytes.Equal(a, b) {
		t.Fatalf("same secret derived different keys")
	}
	if bytes.Equal(a, other) {
		t.Fatalf("different secrets derived the same key")
	}
	if len(a) != keyLen {
		t.Fatalf("key length %d, want %d", len(a), keyLen)
	}
}

func TestKeyCacheKeepsPerSecretEntries(t *testing.T) {
	cache := NewKeyCache()
	k1 := cache.Get("account-1")
	k2 := cache.Get("account-2")
	if bytes.Equal(k1, k2) {
		t.Fatalf("cache mixed keys between secrets")
	}
	// A later request for the first secret must return the original key, not
	// a recomputation influenced by the second.
	if !bytes.Equal(k1, cache.Get("account-1")) {
		t.Fatalf("cache lost the first secret's key")
	}
}
