// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package datagram implements the Datagram Secure Channel: best-effort,
// per-packet authenticated-encrypted delivery over a net.PacketConn (a
// UDP socket in the common case), with a handshake auto-triggered by the
// first Send or Receive and peer-address auto-learning.
package datagram

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/duskrelay/securewire/config"
	"github.com/duskrelay/securewire/core/crypto/envelope"
	"github.com/duskrelay/securewire/core/crypto/handshake"
	"github.com/duskrelay/securewire/metrics"
	"github.com/duskrelay/securewire/transport"
)

// Channel is a Datagram Secure Channel. The datagram boundary is the
// frame: each UDP payload is exactly one Crypto Envelope (or, for the
// first handshake packet, a key payload), with no length prefix.
type Channel struct {
	conn net.PacketConn
	cfg  *config.Config
	log  *logging.Logger
	mx   *metrics.Metrics

	handshakeMu sync.Mutex
	sendMu      sync.Mutex
	recvMu      sync.Mutex

	stateMu sync.Mutex
	state   transport.State

	roleV  atomic.Int32
	broken atomic.Bool
	closed atomic.Bool

	peerMu sync.Mutex
	peer   net.Addr

	configuredTarget net.Addr

	sessionKey *handshake.SessionKey
}

// New wraps conn as a Datagram Secure Channel. target, if non-nil, is the
// peer address used by Send calls that omit an explicit target; it is
// also the address the initial client-side handshake packet is sent to.
// If target is nil the channel behaves as the server side: its peer
// address is learned from the first packet received.
func New(conn net.PacketConn, target net.Addr, cfg *config.Config, log *logging.Logger, mx *metrics.Metrics) *Channel {
	if mx == nil {
		mx = metrics.New("securewire_unregistered", nil)
	}
	c := &Channel{
		conn:             conn,
		cfg:              cfg,
		log:              log,
		mx:               mx,
		state:            transport.StateInit,
		configuredTarget: target,
	}
	if target != nil {
		c.peer = target
	}
	return c
}

func (c *Channel) setState(s transport.State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() transport.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Role returns the channel's role, or transport.RoleUndecided if neither
// Send nor Receive has been called yet.
func (c *Channel) Role() transport.Role { return transport.Role(c.roleV.Load()) }

func (c *Channel) decideRole(want transport.Role) transport.Role {
	c.roleV.CompareAndSwap(int32(transport.RoleUndecided), int32(want))
	return transport.Role(c.roleV.Load())
}

// IsBroken reports whether the channel has been marked broken.
func (c *Channel) IsBroken() bool { return c.broken.Load() }

func (c *Channel) markBroken() { c.broken.Store(true) }

// Peer returns the currently learned/configured peer address, or nil if
// none is known yet.
func (c *Channel) Peer() net.Addr {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	return c.peer
}

func (c *Channel) setPeer(a net.Addr) {
	c.peerMu.Lock()
	c.peer = a
	c.peerMu.Unlock()
}

// Close is idempotent; only the first caller closes the underlying
// net.PacketConn.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(transport.StateClosed)
	if c.sessionKey != nil {
		c.sessionKey.Destroy()
	}
	return c.conn.Close()
}

// maxPlaintext is the largest plaintext payload that fits in one packet
// given the envelope's nonce+tag overhead.
func (c *Channel) maxPlaintext() int {
	return c.cfg.MaxUDPPayload - envelope.NonceSize - envelope.TagSize
}

// ensureHandshake drives the datagram handshake sequence: the client
// sends its public key to the configured peer; the server learns the
// peer address from that packet and replies with its own public key.
func (c *Channel) ensureHandshake() error {
	if c.State() == transport.StateEstablished {
		return nil
	}
	if c.IsBroken() || c.closed.Load() {
		return transport.ErrChannelClosed
	}

	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	switch c.State() {
	case transport.StateEstablished:
		return nil
	case transport.StateClosed:
		return transport.ErrChannelClosed
	}
	c.setState(transport.StateHandshaking)

	isClient := c.Role() == transport.RoleClient
	var key *handshake.SessionKey
	var err error
	if isClient {
		key, err = c.handshakeAsClient()
	} else {
		key, err = c.handshakeAsServer()
	}

	if err != nil {
		c.setState(transport.StateClosed)
		c.markBroken()
		if c.mx != nil {
			c.mx.HandshakeFailureTotal.WithLabelValues(classifyErr(err).Error()).Inc()
		}
		if c.log != nil {
			c.log.Warningf("datagram handshake failed (role=%s): %v", c.Role(), err)
		}
		return classifyErr(err)
	}

	c.sessionKey = key
	c.setState(transport.StateEstablished)
	if c.mx != nil {
		c.mx.HandshakeSuccessTotal.Inc()
	}
	return nil
}

func classifyErr(err error) error {
	if errors.Is(err, handshake.ErrHandshakeAuthFailed) {
		return transport.ErrHandshakeAuthFailed
	}
	return transport.ErrHandshakeFailed
}

func (c *Channel) handshakeAsClient() (*handshake.SessionKey, error) {
	if c.configuredTarget == nil {
		return nil, errors.New("datagram: client handshake requires a configured target address")
	}
	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	payload := handshake.EncodePublicKey(&kp.Public, c.cfg.PSK)
	if _, err := c.conn.WriteTo(payload, c.configuredTarget); err != nil {
		return nil, err
	}

	buf := make([]byte, c.cfg.MaxUDPPayload)
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	c.setPeer(addr)

	peerPub, err := handshake.DecodePublicKey(buf[:n], c.cfg.PSK)
	if err != nil {
		return nil, err
	}
	return handshake.DeriveSessionKey(&kp.Private, peerPub, handshake.DatagramInfo)
}

func (c *Channel) handshakeAsServer() (*handshake.SessionKey, error) {
	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, c.cfg.MaxUDPPayload)
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	c.setPeer(addr)

	peerPub, err := handshake.DecodePublicKey(buf[:n], c.cfg.PSK)
	if err != nil {
		return nil, err
	}

	payload := handshake.EncodePublicKey(&kp.Public, c.cfg.PSK)
	if _, err := c.conn.WriteTo(payload, addr); err != nil {
		return nil, err
	}

	return handshake.DeriveSessionKey(&kp.Private, peerPub, handshake.DatagramInfo)
}

// Send seals plaintext and writes it as one packet to target. A nil
// target sends to the learned/configured peer address; if no peer is
// known yet this returns an error.
func (c *Channel) Send(plaintext []byte, target net.Addr) error {
	if c.IsBroken() {
		return transport.ErrConnectionBroken
	}
	if len(plaintext) > c.maxPlaintext() {
		return transport.ErrFrameTooLarge
	}
	c.decideRole(transport.RoleClient)
	if err := c.ensureHandshake(); err != nil {
		return err
	}

	dst := target
	if dst == nil {
		dst = c.Peer()
	}
	if dst == nil {
		return errors.New("datagram: no peer address known for send")
	}

	key := c.sessionKey.Bytes()
	env, err := envelope.Seal(&key, plaintext)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.WriteTo(env, dst); err != nil {
		c.markBroken()
		return transport.ErrConnectionBroken
	}
	if c.mx != nil {
		c.mx.BytesSentTotal.Add(float64(len(plaintext)))
	}
	return nil
}

// Receive reads and opens the next packet, returning its plaintext and
// sender address. The first packet received defines the peer address for
// subsequent Send calls that omit an explicit target.
func (c *Channel) Receive() ([]byte, net.Addr, error) {
	if c.IsBroken() {
		return nil, nil, transport.ErrConnectionBroken
	}
	c.decideRole(transport.RoleServer)
	if err := c.ensureHandshake(); err != nil {
		return nil, nil, err
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	buf := make([]byte, c.cfg.MaxUDPPayload)
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		c.markBroken()
		return nil, nil, transport.ErrConnectionBroken
	}
	if c.Peer() == nil {
		c.setPeer(addr)
	}

	key := c.sessionKey.Bytes()
	plaintext, err := envelope.Open(&key, buf[:n])
	if err != nil {
		c.markBroken()
		return nil, addr, transport.ErrAuthenticationFailed
	}
	if c.mx != nil {
		c.mx.BytesReceivedTotal.Add(float64(len(plaintext)))
	}
	return plaintext, addr, nil
}

// SendString is a convenience wrapper sending s's UTF-8 bytes to target
// (nil = learned peer). Pass transport.StringSentinel to send the
// in-band end-of-stream marker.
func (c *Channel) SendString(s string, target net.Addr) error {
	return c.Send([]byte(s), target)
}

// ReceiveString is a convenience wrapper decoding the next packet as a
// string; a nil *string (with nil error) indicates the sentinel.
func (c *Channel) ReceiveString() (*string, net.Addr, error) {
	payload, addr, err := c.Receive()
	if err != nil {
		return nil, addr, err
	}
	s := string(payload)
	if transport.IsSentinelString(s) {
		return nil, addr, nil
	}
	return &s, addr, nil
}

// SendInt32 sends v as 4 big-endian bytes.
func (c *Channel) SendInt32(v int32, target net.Addr) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return c.Send(buf[:], target)
}
