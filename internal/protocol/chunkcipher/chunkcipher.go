// Package chunkcipher seals individual file chunks with AES-256-GCM. Each
// chunk carries its own random 96-bit nonce.
package chunkcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/protocol/wire"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// MaxPlaintext is the largest chunk whose sealed envelope fits in a message of
// limit bytes.
func MaxPlaintext(limit int) int {
	return max(wire.MaxCiphertext(limit, NonceSize)-TagSize, 0)
}

// Secret is a derived session key ready for chunk encryption.
type Secret struct {
	aead cipher.AEAD
	sum  [sha256.Size]byte
}

func NewSecret(key []byte) (*Secret, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrKeyExchangeFailure, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyExchangeFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyExchangeFailure, err)
	}
	return &Secret{aead: aead, sum: sha256.Sum256(key)}, nil
}

// Fingerprint is a short hex digest of the key. Both peers print it so the
// users can compare it out of band.
func (s *Secret) Fingerprint() string {
	return hex.EncodeToString(s.sum[:10])
}

// Equal reports whether both secrets hold the same key.
func (s *Secret) Equal(other *Secret) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.sum == other.sum
}

func (s *Secret) Encrypt(plaintext []byte) (*wire.Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &wire.Envelope{
		Ciphertext: s.aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens an envelope. Any tag mismatch yields
// domain.ErrAuthenticationFailure and no plaintext.
func (s *Secret) Decrypt(env *wire.Envelope) ([]byte, error) {
	if env == nil || len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", domain.ErrAuthenticationFailure, NonceSize)
	}
	plaintext, err := s.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailure, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
