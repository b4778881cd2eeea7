// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskrelay/securewire/config"
	"github.com/duskrelay/securewire/transport"
	"github.com/duskrelay/securewire/transport/stream"
)

func testConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	cfg, err := config.New(opts...)
	require.NoError(t, err)
	return cfg
}

func TestListenAcceptRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ln, err := Listen("tcp", "127.0.0.1:0", cfg, nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *stream.Channel, 1)
	acceptErr := make(chan error, 1)
	go func() {
		ch, err := ln.Accept()
		accepted <- ch
		acceptErr <- err
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	client := stream.New(raw, cfg, nil, nil)

	server := <-accepted
	require.NoError(t, <-acceptErr)
	require.NotNil(t, server)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- client.SendString("hello from a dialed client") }()

	got, err := server.ReceiveString()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "hello from a dialed client", *got)
	require.Equal(t, transport.RoleServer, server.Role())
}

func TestListenerDeniesConfiguredPeer(t *testing.T) {
	cfg := testConfig(t)
	ln, err := Listen("tcp", "127.0.0.1:0", cfg, nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	// The deny-set matches on IP alone, so the denied connection is dialed
	// from a second loopback address and the allowed one from 127.0.0.1.
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2)}}
	raw, err := d.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	ln.AddDeny(raw.LocalAddr().String())

	// Dial a second, allowed connection so Accept has something to return
	// once it has skipped over the denied one.
	allowed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer allowed.Close()

	ch, err := ln.Accept()
	require.NoError(t, err)
	require.NotNil(t, ch)
	defer ch.Close()

	require.True(t, ln.DenyList().Contains(raw.LocalAddr().String()))
	raw.Close()
}

func TestDenyListSnapshotRestore(t *testing.T) {
	d := NewDenyList()
	d.Add("203.0.113.5:1234")
	d.Add("203.0.113.6:5678")

	snap, err := d.Snapshot()
	require.NoError(t, err)

	restored := NewDenyList()
	require.NoError(t, restored.Restore(snap))
	require.True(t, restored.Contains("203.0.113.5:0"))
	require.True(t, restored.Contains("203.0.113.6:9"))
	require.False(t, restored.Contains("203.0.113.7:0"))
}

func TestAcceptedChannelAppliesZombieDefenseTimeout(t *testing.T) {
	cfg := testConfig(t, config.WithZombieDefenseTimeout(30*time.Millisecond))
	ln, err := Listen("tcp", "127.0.0.1:0", cfg, nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	// The dialer never completes the handshake; the server side should
	// give up once the zombie-defense window elapses rather than block
	// the accept loop or this goroutine forever.
	_, recvErr := server.ReceiveString()
	require.ErrorIs(t, recvErr, transport.ErrHandshakeTimeout)
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	ln, err := Listen("tcp", "127.0.0.1:0", cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())
}
