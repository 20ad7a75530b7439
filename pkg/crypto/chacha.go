package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaCha20Poly1305Cipher is the default Cipher: a shared 32-byte key with a
// random 12-byte nonce prepended to each sealed payload. Key agreement and
// rotation are out of scope (spec §9 open question) -- callers provision
// the key however their deployment requires (config, provisioning tool,
// pre-shared secret).
type ChaCha20Poly1305Cipher struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD this package depends on, kept
// narrow so tests can substitute a fake without importing crypto/cipher
// directly in every call site.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewChaCha20Poly1305 constructs a Cipher from a 32-byte key.
func NewChaCha20Poly1305(key []byte) (*ChaCha20Poly1305Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &ChaCha20Poly1305Cipher{aead: aead}, nil
}

func (c *ChaCha20Poly1305Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (c *ChaCha20Poly1305Cipher) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, ErrOpenFailed
	}
	nonce, ct := sealed[:n], sealed[n:]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
