package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptFailed reports an unauthenticated or malformed blob. Callers must
// treat it as a per-message condition, never as permission to fall back to
// the raw stored bytes.
var ErrDecryptFailed = errors.New("message decrypt failed")

// Cipher encrypts and decrypts message bodies with a key derived from the
// owning account's id. The stored form is base64(nonce || ciphertext+tag),
// so a message sealed under one account can never open under another.
type Cipher struct {
	keys *KeyCache
}

func NewCipher() *Cipher {
	return &Cipher{keys: NewKeyCache()}
}

func (c *Cipher) aead(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.keys.Get(secret))
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

// Encrypt seals plain under the key for secret with a fresh random nonce.
func (c *Cipher) Encrypt(plain, secret string) (string, error) {
	aead, err := c.aead(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens a stored blob. Any tampering with the nonce or ciphertext
// surfaces as ErrDecryptFailed.
func (c *Cipher) Decrypt(blob, secret string) (string, error) {
	aead, err := c.aead(secret)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptFailed
	}
	ns := aead.NonceSize()
	if len(data) < ns {
		return "", ErrDecryptFailed
	}
	plain, err := aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
