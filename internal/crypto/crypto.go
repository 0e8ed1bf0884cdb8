// Package crypto provides the cryptographic primitives for secure tunnels.
// It uses X25519 for key exchange and ChaCha20-Poly1305 for symmetric encryption.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// SealOverhead is the total overhead added to each sealed message.
	// This includes the nonce (12 bytes) prepended and the auth tag (16 bytes) appended.
	SealOverhead = NonceSize + TagSize

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "mydia-tunnel-v1"
)

var (
	// ErrDecryptionFailed is returned when opening a sealed message fails.
	// It covers tampered ciphertext, a wrong key, and wrong additional data
	// uniformly so callers cannot distinguish the cases.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidCiphertext is returned when a sealed message is too short
	// to contain a nonce and authentication tag.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// GenerateKeypair generates a new X25519 keypair. The same routine serves
// ephemeral handshake keys (discard the private half after ECDH) and device
// static keys (persist the private half client-side only).
func GenerateKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// PublicKey computes the X25519 public key for a private key.
func PublicKey(privateKey [KeySize]byte) [KeySize]byte {
	var publicKey [KeySize]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return publicKey
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns
// the shared secret. The shared secret should be passed to DeriveSessionKey.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	// Check for low-order points (all zeros public key is invalid)
	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	// Check for low-order result (shared secret should not be all zeros)
	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives a 32-byte symmetric session key from an ECDH
// shared secret. The prologue and both public keys are mixed into the
// derivation so a handshake transcript is bound to one session and cannot
// be replayed into another.
//
// Parameters:
//   - sharedSecret: The raw ECDH shared secret
//   - prologue: Session binding data (session ID and server instance identity)
//   - initiatorPub: The initiator's (client) public key used in the exchange
//   - responderPub: The responder's (server) public key used in the exchange
func DeriveSessionKey(sharedSecret [KeySize]byte, prologue []byte,
	initiatorPub, responderPub [KeySize]byte) [KeySize]byte {

	// Salt: initiatorPub || responderPub. The prologue goes into the info
	// field so both sides must agree on the session binding exactly.
	salt := make([]byte, KeySize+KeySize)
	copy(salt[0:KeySize], initiatorPub[:])
	copy(salt[KeySize:], responderPub[:])

	info := make([]byte, 0, len(hkdfInfo)+1+len(prologue))
	info = append(info, hkdfInfo...)
	info = append(info, 0x00)
	info = append(info, prologue...)

	reader := hkdf.New(sha256.New, sharedSecret[:], salt, info)

	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return key
}

// Seal encrypts plaintext under key with a random nonce, binding the
// additional data into the authentication tag. Output format:
//
//	nonce (12 bytes) || ciphertext || tag (16 bytes)
func Seal(key [KeySize]byte, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])

	return aead.Seal(out, nonce[:], plaintext, additionalData), nil
}

// Open decrypts a message produced by Seal. The additional data must match
// the value used when sealing; any mismatch, tampering, or wrong key yields
// ErrDecryptionFailed with no further detail.
func Open(key [KeySize]byte, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < SealOverhead {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory. Use this to clear ephemeral private keys after computing
// the shared secret.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
