// Package crypto provides the pluggable payload cipher used when a DATA
// packet carries the ENCRYPTED routing flag (spec §9: cipher, key
// agreement, and replay window are left as an open question for the
// implementation to fix). RealMesh nodes have no keypair identity -- the
// uuid is opaque -- so this package concerns itself only with payload
// confidentiality between nodes that already share a key out of band.
package crypto

import "errors"

// ErrOpenFailed is returned when Open cannot authenticate a sealed payload,
// e.g. wrong key or tampered ciphertext.
var ErrOpenFailed = errors.New("crypto: open failed")

// Cipher seals and opens DATA payloads. Implementations own their own
// nonce management; Seal must produce output safe to send as a packet
// payload (subject to meshtypes.MaxPayloadSize after overhead).
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NopCipher is the identity cipher: it neither encrypts nor authenticates.
// Nodes that never set the ENCRYPTED flag can use this as their default so
// pkg/node never needs a nil check.
type NopCipher struct{}

func (NopCipher) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (NopCipher) Open(sealed []byte) ([]byte, error)    { return sealed, nil }
