// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	swrand "github.com/duskrelay/securewire/core/crypto/rand"
)

func randomKey(t *testing.T) *[KeySize]byte {
	t.Helper()
	b, err := swrand.Bytes(KeySize)
	require.NoError(t, err)
	var k [KeySize]byte
	copy(k[:], b)
	return &k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintexts := [][]byte{
		[]byte("hello"),
		[]byte(""),
		[]byte("你好123ABbc"),
		{3, 4, 5, 6, 7},
	}
	for _, p := range plaintexts {
		env, err := Seal(key, p)
		require.NoError(t, err)
		require.Len(t, env, NonceSize+len(p)+TagSize)

		got, err := Open(key, env)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	key := randomKey(t)
	env, err := Seal(key, []byte("tamper me"))
	require.NoError(t, err)

	for i := range env {
		tampered := make([]byte, len(env))
		copy(tampered, env)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered)
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}
}

func TestOpenRejectsShortEnvelope(t *testing.T) {
	key := randomKey(t)
	_, err := Open(key, make([]byte, NonceSize-1))
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNoncesDoNotRepeat(t *testing.T) {
	key := randomKey(t)
	seen := make(map[string]struct{})
	const n = 5000
	for i := 0; i < n; i++ {
		env, err := Seal(key, []byte("x"))
		require.NoError(t, err)
		nonce := string(env[:NonceSize])
		_, dup := seen[nonce]
		require.False(t, dup, "nonce repeated within a session")
		seen[nonce] = struct{}{}
	}
}
