package cryptox

import (
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters are fixed application-wide. Changing any of them
// invalidates every message already stored, so they are constants rather than
// configuration.
const (
	keySalt       = "sohbet-uygulamasi"
	keyIterations = 100_000
	keyLen        = 32
)

// DeriveKey stretches the per-account secret into a 256-bit AES key.
// Deterministic for a fixed secret.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, keyLen, sha256.New)
}

// KeyCache memoizes derived keys per secret. The derivation is deliberately
// expensive, and one process may serve several identities concurrently, so
// keys are cached per identity instead of in a single slot.
type KeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string][]byte)}
}

// Get returns the cached key for the secret, deriving it on first use.
func (c *KeyCache) Get(secret string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[secret]; ok {
		return key
	}
	key := DeriveKey(secret)
	c.keys[secret] = key
	return key
}
