// Package cryptoutils provides the symmetric envelope used for asset
// payloads, key derivation for the per-execution session key, and
// attestation quote generation and verification for the two stages.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// nonceSize is the standard GCM nonce length.
const nonceSize = 12

// GenerateKey returns a fresh random 32-byte symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// SealAsset encrypts plaintext under key with AES-256-GCM and returns the
// envelope nonce || ciphertext || tag. The associated data binds the
// envelope to its content reference so a ciphertext cannot be replayed
// under a different identity.
func SealAsset(key, plaintext, associatedData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, associatedData), nil
}

// OpenAsset decrypts an envelope produced by SealAsset. An authentication
// failure is reported as interfaces.ErrIntegrityFailure and is fatal to
// the execution that observed it.
func OpenAsset(key, envelope, associatedData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(envelope) < nonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", interfaces.ErrIntegrityFailure)
	}

	nonce := envelope[:nonceSize]
	ciphertext := envelope[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrIntegrityFailure, err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aesGCM, nil
}

// DeriveSubkey derives a purpose-bound subkey from the session key via
// HKDF-SHA256. The two stages derive the same subkeys independently, so
// the dataset and application payloads travel under separate keys even
// though only one session key is custodied.
func DeriveSubkey(sessionKey []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, sessionKey, nil, []byte(purpose))
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive %s subkey: %w", purpose, err)
	}
	return subkey, nil
}

// IntegrityTag computes the keyed plaintext tag H(plaintext, sessionKey)
// carried between the two stages alongside each re-encrypted payload.
func IntegrityTag(sessionKey, plaintext []byte) [32]byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write(plaintext)
	var tag [32]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// VerifyIntegrityTag checks a tag in constant time.
func VerifyIntegrityTag(sessionKey, plaintext []byte, tag [32]byte) bool {
	expected := IntegrityTag(sessionKey, plaintext)
	return hmac.Equal(expected[:], tag[:])
}

// Zero overwrites a buffer holding key material or plaintext. Stages call
// this on every sensitive buffer before returning to untrusted code.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
