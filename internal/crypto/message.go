// Package crypto implements the authenticated asymmetric message
// encryption used for direct conversations. A shared secret is derived
// from an X25519 exchange (our private key, peer public key), stretched
// through HKDF-SHA256, and used as a ChaCha20-Poly1305 key with a fresh
// random nonce per call.
//
// Every outgoing message is encrypted twice: once for the recipient
// (sender private x recipient public) and once for the sender's own
// later retrieval (sender private x sender public). Both envelopes live
// on the same message record; a reader selects the one matching its
// role relative to the sender.
package crypto

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryption marks an authentication-tag mismatch or otherwise
// undecryptable envelope. Callers render a placeholder; this error must
// never escape past the render boundary.
var ErrDecryption = errors.New("crypto: message authentication failed")

// Role identifies which of the two stored ciphertexts a reader owns.
// It is always passed explicitly, never inferred from record shape.
type Role int

const (
	// RoleRecipient reads the copy encrypted under the recipient's key.
	RoleRecipient Role = iota
	// RoleSender reads the sender's self-addressed copy.
	RoleSender
)

var hkdfInfo = []byte("whisperwire/v1 message key")

// Envelope is one ciphertext+nonce pair produced by a single seal.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
}

// Encrypt seals plaintext under the shared secret of (ourPriv, peerPub)
// with a nonce drawn fresh from crypto/rand. Reusing a nonce for a
// given key pair breaks Poly1305, so there is no caller-supplied nonce
// path.
func Encrypt(plaintext []byte, ourPriv [KeySize]byte, peerPub PublicKey) (Envelope, error) {
	aead, err := deriveAEAD(ourPriv, peerPub)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	return Envelope{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens an envelope using the shared secret of (ourPriv,
// peerPub). It returns ErrDecryption on any authentication failure and
// never panics on malformed input.
func Decrypt(env Envelope, ourPriv [KeySize]byte, peerPub PublicKey) ([]byte, error) {
	aead, err := deriveAEAD(ourPriv, peerPub)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// DualEncrypt applies the dual-encryption policy: the recipient copy is
// sealed under (senderPriv, recipientPub), the sender's own copy under
// (senderPriv, senderPub). Each call draws its own nonce.
func DualEncrypt(plaintext []byte, sender *KeyPair, recipientPub PublicKey) (forRecipient, forSender Envelope, err error) {
	forRecipient, err = Encrypt(plaintext, sender.Private, recipientPub)
	if err != nil {
		return Envelope{}, Envelope{}, fmt.Errorf("encrypt for recipient: %w", err)
	}
	forSender, err = Encrypt(plaintext, sender.Private, sender.Public)
	if err != nil {
		return Envelope{}, Envelope{}, fmt.Errorf("encrypt for sender: %w", err)
	}
	return forRecipient, forSender, nil
}

func deriveAEAD(ourPriv [KeySize]byte, peerPub PublicKey) (stdcipher.AEAD, error) {
	secret, err := curve25519.X25519(ourPriv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	return chacha20poly1305.New(key)
}
