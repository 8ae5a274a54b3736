package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// KeyPair is a long-term X25519 identity for one device. The private
// half never leaves the device that generated it.
type KeyPair struct {
	Private [KeySize]byte
	Public  PublicKey
}

// GenerateKeyPair returns a fresh X25519 key pair. The private scalar
// is clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Encode returns the base64 wire form of the public key.
func (p PublicKey) Encode() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

// DecodePublicKey parses a base64-encoded X25519 public key.
func DecodePublicKey(s string) (PublicKey, error) {
	var pub PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != KeySize {
		return pub, errors.New("decode public key: not 32 bytes")
	}
	copy(pub[:], raw)
	return pub, nil
}
