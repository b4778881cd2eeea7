// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package stream implements the Stream Secure Channel: a reliable,
// ordered, bidirectional encrypted message channel over a connected byte
// stream (typically a net.Conn wrapping a TCP socket), with a lazily
// triggered handshake and per-direction serialization locks.
package stream

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/duskrelay/securewire/config"
	"github.com/duskrelay/securewire/core/crypto/envelope"
	"github.com/duskrelay/securewire/core/crypto/handshake"
	"github.com/duskrelay/securewire/core/wire"
	"github.com/duskrelay/securewire/metrics"
	"github.com/duskrelay/securewire/transport"
)

// Channel is a Stream Secure Channel: an encrypted, length-framed message
// channel over a connected byte stream. It is safe for concurrent use:
// writeMu and readMu each serialize one direction's frames, and
// handshakeMu is the one-time gate that promotes the channel from Init to
// Established.
type Channel struct {
	conn net.Conn
	cfg  *config.Config
	log  *logging.Logger
	mx   *metrics.Metrics

	handshakeMu sync.Mutex
	writeMu     sync.Mutex
	readMu      sync.Mutex

	stateMu sync.Mutex
	state   transport.State

	role role32

	broken atomic.Bool
	closed atomic.Bool

	sessionKey *handshake.SessionKey
}

// role32 is a CAS-able wrapper around transport.Role so that whichever of
// Send*/Receive* is called first wins the race to decide the channel's
// role, exactly once.
type role32 struct {
	v atomic.Int32
}

func (r *role32) decide(want transport.Role) transport.Role {
	r.v.CompareAndSwap(int32(transport.RoleUndecided), int32(want))
	return transport.Role(r.v.Load())
}

func (r *role32) fix(want transport.Role) {
	r.v.Store(int32(want))
}

func (r *role32) get() transport.Role {
	return transport.Role(r.v.Load())
}

// New wraps conn as a Stream Secure Channel with its role undecided: the
// role is fixed to Client or Server by whichever of the Send*/Receive*
// methods is called first. Use NewServerSide for connections accepted by
// a Listener, which must be fixed to the server role without performing
// the handshake.
func New(conn net.Conn, cfg *config.Config, log *logging.Logger, mx *metrics.Metrics) *Channel {
	if mx == nil {
		mx = metrics.New("securewire_unregistered", nil)
	}
	return &Channel{
		conn:  conn,
		cfg:   cfg,
		log:   log,
		mx:    mx,
		state: transport.StateInit,
	}
}

// NewServerSide wraps conn as a Stream Secure Channel with its role fixed
// to Server. No handshake is performed until the caller's first
// Send*/Receive* call, keeping acceptance O(1).
func NewServerSide(conn net.Conn, cfg *config.Config, log *logging.Logger, mx *metrics.Metrics) *Channel {
	c := New(conn, cfg, log, mx)
	c.role.fix(transport.RoleServer)
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
// Send* nor Receive* has been called yet.
func (c *Channel) Role() transport.Role { return c.role.get() }

// IsBroken reports whether the channel has been marked broken. Once set
// this never clears.
func (c *Channel) IsBroken() bool { return c.broken.Load() }

func (c *Channel) markBroken() { c.broken.Store(true) }

// LocalAddr returns the underlying connection's local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close is idempotent: only the first call tears down the underlying
// connection; subsequent calls are no-ops. A compare-and-swap on the
// closed flag resolves races between concurrent Close callers.
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

// ensureHandshake is the one-time gate of the channel's state machine. It
// is safe to call concurrently: a second caller blocks on handshakeMu and
// observes StateEstablished (or the failure) once the first caller
// completes.
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

	// A server-side channel accepted via a Listener already has a
	// zombie-defense read deadline armed on conn from Accept(); clear it
	// once the handshake finishes so it doesn't leak into the first
	// receiveEnvelope call, which arms its own per-call deadline.
	isServer := c.role.get() == transport.RoleServer

	var key *handshake.SessionKey
	var err error
	if isServer {
		key, err = c.handshakeAsServer()
	} else {
		key, err = c.handshakeAsClient()
	}

	if isServer {
		c.conn.SetReadDeadline(time.Time{})
	}

	if err != nil {
		c.setState(transport.StateClosed)
		c.markBroken()
		kind := classifyHandshakeError(err, isServer)
		if c.mx != nil {
			if kind == transport.ErrHandshakeTimeout {
				c.mx.HandshakeTimeoutTotal.Inc()
			} else {
				c.mx.HandshakeFailureTotal.WithLabelValues(kind.Error()).Inc()
			}
		}
		if c.log != nil {
			c.log.Warningf("handshake failed (role=%s): %v", c.role.get(), err)
		}
		_ = c.conn.Close()
		return kind
	}

	c.sessionKey = key
	c.setState(transport.StateEstablished)
	if c.mx != nil {
		c.mx.HandshakeSuccessTotal.Inc()
	}
	if c.log != nil {
		c.log.Debugf("handshake established (role=%s)", c.role.get())
	}
	return nil
}

func classifyHandshakeError(err error, isServer bool) error {
	switch {
	case errors.Is(err, handshake.ErrHandshakeAuthFailed):
		return transport.ErrHandshakeAuthFailed
	case isServer && isTimeoutErr(err):
		return transport.ErrHandshakeTimeout
	default:
		return transport.ErrHandshakeFailed
	}
}

func isTimeoutErr(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(err, wire.ErrTruncated) // a timed-out partial header read surfaces as ErrTruncated
}

// handshakeAsServer sends the server's ephemeral public key first, then
// reads the client's.
func (c *Channel) handshakeAsServer() (*handshake.SessionKey, error) {
	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := c.sendRaw(handshake.EncodePublicKey(&kp.Public, c.cfg.PSK)); err != nil {
		return nil, err
	}
	payload, err := c.recvRaw()
	if err != nil {
		return nil, err
	}
	peerPub, err := handshake.DecodePublicKey(payload, c.cfg.PSK)
	if err != nil {
		return nil, err
	}
	return handshake.DeriveSessionKey(&kp.Private, peerPub, handshake.StreamInfo)
}

// handshakeAsClient waits for the server's ephemeral public key, then
// sends the client's.
func (c *Channel) handshakeAsClient() (*handshake.SessionKey, error) {
	kp, err := handshake.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	payload, err := c.recvRaw()
	if err != nil {
		return nil, err
	}
	peerPub, err := handshake.DecodePublicKey(payload, c.cfg.PSK)
	if err != nil {
		return nil, err
	}
	if err := c.sendRaw(handshake.EncodePublicKey(&kp.Public, c.cfg.PSK)); err != nil {
		return nil, err
	}
	return handshake.DeriveSessionKey(&kp.Private, peerPub, handshake.StreamInfo)
}

// sendRaw and recvRaw bypass the Crypto Envelope; they exist only for the
// handshake's own key-payload exchange. Unencrypted framing is
// deliberately not part of the exported API.
func (c *Channel) sendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, payload, c.cfg.MaxFrameSize)
}

func (c *Channel) recvRaw() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return wire.ReadFrame(c.conn, c.cfg.MaxFrameSize)
}

// sendEnvelope decides the client role if undecided, drives the
// handshake to completion, and writes one sealed frame.
func (c *Channel) sendEnvelope(plaintext []byte) error {
	if c.IsBroken() {
		return transport.ErrConnectionBroken
	}
	c.role.decide(transport.RoleClient)
	if err := c.ensureHandshake(); err != nil {
		return err
	}

	key := c.sessionKey.Bytes()
	env, err := envelope.Seal(&key, plaintext)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsBroken() {
		return transport.ErrConnectionBroken
	}
	if err := wire.WriteFrame(c.conn, env, c.cfg.MaxFrameSize); err != nil {
		if errors.Is(err, wire.ErrConnectionBroken) || errors.Is(err, wire.ErrFrameTooLarge) {
			c.markBroken()
			return transport.ErrConnectionBroken
		}
		return err
	}
	if c.mx != nil {
		c.mx.BytesSentTotal.Add(float64(len(plaintext)))
	}
	return nil
}

// receiveEnvelope decides the server role if undecided, drives the
// handshake to completion, and reads+opens one frame.
func (c *Channel) receiveEnvelope() ([]byte, error) {
	if c.IsBroken() {
		return nil, transport.ErrConnectionBroken
	}
	c.role.decide(transport.RoleServer)
	if err := c.ensureHandshake(); err != nil {
		return nil, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.IsBroken() {
		return nil, transport.ErrConnectionBroken
	}

	if c.cfg.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	env, err := wire.ReadFrame(c.conn, c.cfg.MaxFrameSize)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrPeerClosed):
			c.setState(transport.StateClosed)
			return nil, transport.ErrPeerClosed
		case errors.Is(err, wire.ErrFrameTooLarge):
			c.markBroken()
			return nil, transport.ErrFrameTooLarge
		case errors.Is(err, wire.ErrTruncated):
			c.markBroken()
			return nil, transport.ErrTruncated
		default:
			if isTimeoutErr(err) {
				return nil, transport.ErrTimeout
			}
			return nil, err
		}
	}

	key := c.sessionKey.Bytes()
	plaintext, err := envelope.Open(&key, env)
	if err != nil {
		c.markBroken()
		_ = c.Close()
		return nil, transport.ErrAuthenticationFailed
	}
	if c.mx != nil {
		c.mx.BytesReceivedTotal.Add(float64(len(plaintext)))
	}
	return plaintext, nil
}

// SendString sends s as an encrypted frame. To send the in-band
// end-of-stream sentinel, pass transport.StringSentinel.
func (c *Channel) SendString(s string) error {
	return c.sendEnvelope([]byte(s))
}

// ReceiveString decrypts and returns the next frame as a string. A nil
// *string return (with a nil error) indicates the peer sent the
// end-of-stream sentinel.
func (c *Channel) ReceiveString() (*string, error) {
	payload, err := c.receiveEnvelope()
	if err != nil {
		return nil, err
	}
	s := string(payload)
	if transport.IsSentinelString(s) {
		return nil, nil
	}
	return &s, nil
}

// SendBytes sends b as an encrypted frame. To send the in-band
// end-of-stream sentinel, pass []byte{transport.ByteSentinel}.
func (c *Channel) SendBytes(b []byte) error {
	return c.sendEnvelope(b)
}

// ReceiveBytes decrypts and returns the next frame as a byte slice. A nil
// slice return (with a nil error) indicates the peer sent the
// end-of-stream sentinel; a non-nil empty slice is a legitimate
// zero-length message.
func (c *Channel) ReceiveBytes() ([]byte, error) {
	payload, err := c.receiveEnvelope()
	if err != nil {
		return nil, err
	}
	if transport.IsSentinelBytes(payload) {
		return nil, nil
	}
	return payload, nil
}

// SendInt32 sends v as 4 big-endian bytes inside an encrypted frame.
func (c *Channel) SendInt32(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return c.sendEnvelope(buf[:])
}

// ReceiveInt32 decrypts the next frame and decodes it as a big-endian
// int32. ErrTruncated is returned if the decrypted payload is not
// exactly 4 bytes.
func (c *Channel) ReceiveInt32() (int32, error) {
	payload, err := c.receiveEnvelope()
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		c.markBroken()
		return 0, transport.ErrTruncated
	}
	return int32(binary.BigEndian.Uint32(payload)), nil
}
