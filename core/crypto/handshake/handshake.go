// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake implements ephemeral X25519 key agreement with an
// optional PSK-authenticated public key payload, deriving a 16-byte
// SessionKey via HKDF-SHA256. It is transport-agnostic: callers supply
// the raw bytes read from and written to the wire (a stream frame or a
// datagram payload) and this package only handles the cryptographic
// exchange and key derivation.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	swrand "github.com/duskrelay/securewire/core/crypto/rand"
)

const (
	// PublicKeySize is the length in bytes of an X25519 public key.
	PublicKeySize = 32
	// privateKeySize is the length in bytes of an X25519 scalar.
	privateKeySize = 32
	// hmacSize is the length in bytes of an HMAC-SHA256 tag.
	hmacSize = 32
	// SessionKeySize is the length in bytes of the derived SessionKey.
	SessionKeySize = 16

	// StreamInfo is the HKDF expand-info label used for stream sessions.
	StreamInfo = "Secure Channel Session Key"
	// DatagramInfo is the HKDF expand-info label used for datagram
	// sessions.
	DatagramInfo = "SecureDatagramSocket Session Key"
)

var (
	// ErrHandshakeAuthFailed indicates a PSK-HMAC mismatch on a received
	// public key payload.
	ErrHandshakeAuthFailed = errors.New("handshake: psk authentication failed")
	// ErrHandshakeFailed indicates any other handshake failure: a
	// malformed key payload, a short read, or a crypto error.
	ErrHandshakeFailed = errors.New("handshake: failed")
)

// KeyPair is an ephemeral X25519 key pair generated fresh for one
// handshake; it is never reused across sessions.
type KeyPair struct {
	Private [privateKeySize]byte
	Public  [PublicKeySize]byte
}

// GenerateKeyPair draws a fresh ephemeral X25519 key pair from the CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	priv, err := swrand.Bytes(privateKeySize)
	if err != nil {
		return nil, err
	}
	copy(kp.Private[:], priv)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SessionKey is the 16-byte symmetric key derived at the end of a
// handshake. It is held in a memguard.LockedBuffer so the key material is
// mlock'd and wiped on Destroy rather than left in a plain Go byte slice
// subject to GC-driven copies.
type SessionKey struct {
	buf *memguard.LockedBuffer
}

// Bytes returns the 16-byte key as a fixed-size array view for use by the
// envelope package. The returned array is a copy; callers must not retain
// it beyond the call that needs it.
func (k *SessionKey) Bytes() (out [SessionKeySize]byte) {
	copy(out[:], k.buf.Bytes())
	return out
}

// Destroy wipes and releases the underlying locked buffer. Safe to call
// more than once.
func (k *SessionKey) Destroy() {
	if k.buf != nil {
		k.buf.Destroy()
	}
}

// EncodePublicKey builds the wire payload for a handshake public key
// message: HMAC-SHA256(psk, pubkey) || pubkey when psk is non-nil, or the
// bare public key bytes when psk is nil (unauthenticated mode).
func EncodePublicKey(pub *[PublicKeySize]byte, psk []byte) []byte {
	if psk == nil {
		out := make([]byte, PublicKeySize)
		copy(out, pub[:])
		return out
	}
	mac := hmac.New(sha256.New, psk)
	mac.Write(pub[:])
	tag := mac.Sum(nil)
	out := make([]byte, 0, hmacSize+PublicKeySize)
	out = append(out, tag...)
	out = append(out, pub[:]...)
	return out
}

// DecodePublicKey parses a handshake public key payload, verifying the
// PSK-HMAC in constant time when psk is non-nil. ErrHandshakeAuthFailed is
// returned on a tag mismatch; ErrHandshakeFailed on any malformed payload.
func DecodePublicKey(payload []byte, psk []byte) (*[PublicKeySize]byte, error) {
	var pub [PublicKeySize]byte
	if psk == nil {
		if len(payload) != PublicKeySize {
			return nil, ErrHandshakeFailed
		}
		copy(pub[:], payload)
		return &pub, nil
	}
	if len(payload) != hmacSize+PublicKeySize {
		return nil, ErrHandshakeFailed
	}
	gotTag, keyBytes := payload[:hmacSize], payload[hmacSize:]
	mac := hmac.New(sha256.New, psk)
	mac.Write(keyBytes)
	wantTag := mac.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrHandshakeAuthFailed
	}
	copy(pub[:], keyBytes)
	return &pub, nil
}

// DeriveSessionKey computes the shared X25519 secret between a local
// private key and a peer's public key, then stretches it to a 16-byte
// SessionKey via HKDF-SHA256 (extract=zeros, expand-info=info).
func DeriveSessionKey(priv *[privateKeySize]byte, peerPub *[PublicKeySize]byte, info string) (*SessionKey, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(info))
	out := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	buf := memguard.NewBufferFromBytes(out)
	return &SessionKey{buf: buf}, nil
}
