// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	require.EqualValues(t, DefaultMaxFrameSize, c.MaxFrameSize)
	require.Equal(t, DefaultZombieDefenseTimeout, c.ZombieDefenseTimeout)
	require.Equal(t, DefaultBufferSize, c.BufferSize)
	require.Equal(t, DefaultMaxUDPPayload, c.MaxUDPPayload)
	require.True(t, c.KeepAlive)
	require.True(t, c.TCPNoDelay)
	require.Nil(t, c.PSK)
}

func TestNewAppliesOptions(t *testing.T) {
	c, err := New(
		WithMaxFrameSize(1024),
		WithZombieDefenseTimeout(5*time.Second),
		WithBufferSize(4096),
		WithMaxUDPPayload(1200),
		WithPSK([]byte("secret")),
		WithReadTimeout(time.Minute),
		WithKeepAlive(false),
		WithTCPNoDelay(false),
	)
	require.NoError(t, err)
	require.EqualValues(t, 1024, c.MaxFrameSize)
	require.Equal(t, 5*time.Second, c.ZombieDefenseTimeout)
	require.Equal(t, 4096, c.BufferSize)
	require.Equal(t, 1200, c.MaxUDPPayload)
	require.Equal(t, []byte("secret"), c.PSK)
	require.Equal(t, time.Minute, c.ReadTimeout)
	require.False(t, c.KeepAlive)
	require.False(t, c.TCPNoDelay)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	_, err := New(WithMaxFrameSize(0))
	require.Error(t, err)

	_, err = New(WithBufferSize(0))
	require.Error(t, err)

	_, err = New(WithMaxUDPPayload(10))
	require.Error(t, err)

	_, err = New(WithZombieDefenseTimeout(-time.Second))
	require.Error(t, err)

	_, err = New(WithReadTimeout(-time.Second))
	require.Error(t, err)
}

func TestLoadDecodesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "securewire.toml")
	contents := `
max_frame_size = 2048
zombie_defense_timeout_ms = 500
buffer_size = 8192
max_udp_payload = 1400
psk_hex = "deadbeef"
read_timeout_ms = 1000
keep_alive = true
tcp_no_delay = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 2048, c.MaxFrameSize)
	require.Equal(t, 500*time.Millisecond, c.ZombieDefenseTimeout)
	require.Equal(t, 8192, c.BufferSize)
	require.Equal(t, 1400, c.MaxUDPPayload)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, c.PSK)
	require.Equal(t, time.Second, c.ReadTimeout)
}

func TestLoadRejectsInvalidPSKHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "securewire.toml")
	require.NoError(t, os.WriteFile(path, []byte(`psk_hex = "not-hex"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
