package crypto

import "testing"

func TestNopCipherRoundTrip(t *testing.T) {
	var c NopCipher
	sealed, err := c.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "hello" {
		t.Fatalf("got %q", opened)
	}
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewChaCha20Poly1305(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305: %v", err)
	}
	sealed, err := c.Seal([]byte("mesh payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "mesh payload" {
		t.Fatalf("got %q", opened)
	}
}

func TestChaCha20Poly1305RejectsTampered(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewChaCha20Poly1305(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305: %v", err)
	}
	sealed, err := c.Seal([]byte("mesh payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := c.Open(sealed); err == nil {
		t.Fatalf("expected tampered ciphertext to fail authentication")
	}
}
