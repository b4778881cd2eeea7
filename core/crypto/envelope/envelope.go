// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the authenticated symmetric cipher envelope:
// nonce(12) || ciphertext || tag(16), built on chacha20poly1305 keyed from
// a session's 16-byte SessionKey. Envelope construction is stateless aside
// from the CSPRNG draw, so it is safe for any number of goroutines to call
// Seal/Open concurrently on the same key without a shared lock: each call
// builds its own AEAD instance rather than reusing one from a pool.
package envelope

import (
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	swrand "github.com/duskrelay/securewire/core/crypto/rand"
)

const (
	// NonceSize is the length in bytes of the random nonce prefix.
	NonceSize = 12
	// TagSize is the length in bytes of the AEAD authentication tag.
	TagSize = 16
	// KeySize is the length in bytes of a session key as derived by the
	// handshake (spec: 16-byte SessionKey).
	KeySize = 16
)

var (
	// ErrMalformedEnvelope is returned when an envelope is shorter than
	// the nonce prefix.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
	// ErrAuthenticationFailed is returned when the AEAD tag fails to
	// verify; the channel embedding this must treat it as fatal tampering.
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")
)

// aead expands the 16-byte session key to chacha20poly1305's native
// 32-byte key via HKDF-SHA256 and constructs a fresh cipher.AEAD. It is
// cheap enough (single HKDF expand + cipher init) to call on every
// Seal/Open without a shared, lockable instance.
func aead(key *[KeySize]byte) (cipher.AEAD, error) {
	expanded := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, key[:], nil, []byte("securewire envelope key"))
	if _, err := io.ReadFull(kdf, expanded); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(expanded)
}

// Seal encrypts plaintext under key and returns nonce || ciphertext || tag.
// A fresh random nonce is drawn per call from the package-local CSPRNG.
func Seal(key *[KeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := aead(key)
	if err != nil {
		return nil, err
	}
	nonce, err := swrand.Bytes(NonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open verifies and decrypts an envelope produced by Seal. A tag mismatch
// returns ErrAuthenticationFailed; an envelope shorter than NonceSize
// returns ErrMalformedEnvelope.
func Open(key *[KeySize]byte, env []byte) ([]byte, error) {
	if len(env) < NonceSize {
		return nil, ErrMalformedEnvelope
	}
	aead, err := aead(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := env[:NonceSize], env[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	// An empty message opens to a non-nil empty slice, never nil.
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
