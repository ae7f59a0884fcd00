// Package secretbox seals device shared secrets before they reach the store.
package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "hwconfirm device secret v1"

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("secretbox: cannot open sealed value")

// Box encrypts small values with XChaCha20-Poly1305.
// Sealed layout: nonce || ciphertext || tag.
type Box struct {
	aead cipher.AEAD
}

// New derives the sealing key from master via HKDF-SHA256.
func New(master []byte) (*Box, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("secretbox: master key too short (%d bytes)", len(master))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: init cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// FromHex builds a Box from a hex master key. An empty key yields a random
// process-local key; sealed values will not survive a restart, so config only
// allows it with the memory store.
func FromHex(masterHex string) (*Box, error) {
	if masterHex == "" {
		log.Println("[SecretBox] DEVICE_SECRET_KEY not set, using an ephemeral key; stored device secrets will not survive a restart")
		master := make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("secretbox: generate key: %w", err)
		}
		return New(master)
	}

	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("secretbox: master key is not hex: %w", err)
	}
	return New(master)
}

func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretbox: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *Box) Open(sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
