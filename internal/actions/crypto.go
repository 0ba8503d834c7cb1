package actions

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	AlgAESGCM   = "aes-256-gcm"
	AlgChaCha20 = "chacha20-poly1305"
)

// Cipher seals event content for the encrypt action. The key reference is
// an opaque name resolved by whoever holds the ciphertext later; the core
// never stores key material alongside output.
type Cipher struct {
	alg    string
	keyRef string
	aead   cipher.AEAD
}

// NewCipher derives a 32-byte key from the secret and builds the AEAD for
// the named algorithm. An empty algorithm selects AES-256-GCM.
func NewCipher(alg, keyRef, secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	key := sha256.Sum256([]byte(secret))

	if alg == "" {
		alg = AlgAESGCM
	}

	var aead cipher.AEAD
	switch alg {
	case AlgAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case AlgChaCha20:
		var err error
		aead, err = chacha20poly1305.New(key[:])
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encryption algorithm %q", alg)
	}

	return &Cipher{alg: alg, keyRef: keyRef, aead: aead}, nil
}

func (c *Cipher) Algorithm() string { return c.alg }
func (c *Cipher) KeyRef() string    { return c.keyRef }

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
