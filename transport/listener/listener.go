// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package listener accepts raw TCP connections, applies an IP deny-set and
// socket hygiene options, bounds each connection's handshake window against
// a silent peer, and hands back a Stream Secure Channel with role fixed to
// Server — without performing the handshake itself, so acceptance stays
// O(1) and the cryptographic work happens lazily on the channel's first
// Send/Receive call.
package listener

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/duskrelay/securewire/config"
	"github.com/duskrelay/securewire/core/version"
	"github.com/duskrelay/securewire/core/worker"
	"github.com/duskrelay/securewire/metrics"
	"github.com/duskrelay/securewire/transport/stream"
)

// ErrListenerClosed is returned by Accept once the listener has been
// closed.
var ErrListenerClosed = errors.New("listener: closed")

// DenyList is a concurrent-safe set of denied peer IP addresses with O(1)
// membership tests.
type DenyList struct {
	mu   sync.RWMutex
	addr map[string]struct{}
}

// NewDenyList returns an empty DenyList.
func NewDenyList() *DenyList {
	return &DenyList{addr: make(map[string]struct{})}
}

// Add denies addr (its IP, ignoring port).
func (d *DenyList) Add(addr string) {
	ip := hostOf(addr)
	d.mu.Lock()
	d.addr[ip] = struct{}{}
	d.mu.Unlock()
}

// Remove un-denies addr.
func (d *DenyList) Remove(addr string) {
	ip := hostOf(addr)
	d.mu.Lock()
	delete(d.addr, ip)
	d.mu.Unlock()
}

// Contains reports whether addr's IP is currently denied.
func (d *DenyList) Contains(addr string) bool {
	ip := hostOf(addr)
	d.mu.RLock()
	_, ok := d.addr[ip]
	d.mu.RUnlock()
	return ok
}

// Snapshot cbor-encodes the current deny-set, for operators who want to
// persist it across a process restart. The transport itself carries no
// session state across restarts — only this address list is exportable.
func (d *DenyList) Snapshot() ([]byte, error) {
	d.mu.RLock()
	addrs := make([]string, 0, len(d.addr))
	for a := range d.addr {
		addrs = append(addrs, a)
	}
	d.mu.RUnlock()
	return cbor.Marshal(addrs)
}

// Restore replaces the deny-set's contents from a Snapshot produced
// earlier.
func (d *DenyList) Restore(data []byte) error {
	var addrs []string
	if err := cbor.Unmarshal(data, &addrs); err != nil {
		return err
	}
	d.mu.Lock()
	d.addr = make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		d.addr[a] = struct{}{}
	}
	d.mu.Unlock()
	return nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Listener wraps a net.Listener (normally a *net.TCPListener), applying
// the deny-set and zombie-defense window on every accepted connection
// before returning it as a lazily-handshaking stream.Channel.
type Listener struct {
	worker.Worker

	raw  net.Listener
	cfg  *config.Config
	log  *logging.Logger
	mx   *metrics.Metrics
	deny *DenyList

	closeOnce sync.Once
}

// Listen binds addr (e.g. "0.0.0.0:4433") and returns a Listener
// configured per cfg. SO_REUSEADDR is requested implicitly by net.Listen
// on platforms where it matters for quick restarts.
func Listen(network, addr string, cfg *config.Config, log *logging.Logger, mx *metrics.Metrics) (*Listener, error) {
	raw, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if mx == nil {
		mx = metrics.New("securewire_unregistered", nil)
	}
	if log != nil {
		log.Infof("securewire listener starting on %s (%s)", raw.Addr(), version.String())
	}
	return &Listener{
		raw:  raw,
		cfg:  cfg,
		log:  log,
		mx:   mx,
		deny: NewDenyList(),
	}, nil
}

// AddDeny denies addr.
func (l *Listener) AddDeny(addr string) { l.deny.Add(addr) }

// RemoveDeny un-denies addr.
func (l *Listener) RemoveDeny(addr string) { l.deny.Remove(addr) }

// DenyList exposes the underlying deny-set, e.g. for Snapshot/Restore.
func (l *Listener) DenyList() *DenyList { return l.deny }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.raw.Addr() }

// Accept blocks for a raw connection, loops past denied peers, applies
// socket hygiene and the zombie-defense read timeout, and returns a
// stream.Channel with role fixed to Server — without performing the
// handshake.
func (l *Listener) Accept() (*stream.Channel, error) {
	for {
		raw, err := l.raw.Accept()
		if err != nil {
			if l.IsHalted() {
				return nil, ErrListenerClosed
			}
			return nil, err
		}

		peer := raw.RemoteAddr().String()
		if l.deny.Contains(peer) {
			if l.mx != nil {
				l.mx.DeniedTotal.Inc()
			}
			if l.log != nil {
				l.log.Warningf("denied peer %s rejected", peer)
			}
			_ = raw.Close()
			continue
		}

		if tc, ok := raw.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(l.cfg.KeepAlive)
			_ = tc.SetNoDelay(l.cfg.TCPNoDelay)
			_ = tc.SetReadBuffer(l.cfg.BufferSize)
			_ = tc.SetWriteBuffer(l.cfg.BufferSize)
		}

		if l.mx != nil {
			l.mx.AcceptedTotal.Inc()
		}
		if l.log != nil {
			l.log.Debugf("accepted connection from %s", peer)
		}

		// Bound the handshake window before handing the connection back:
		// a peer that never speaks must not hold the socket open past
		// ZombieDefenseTimeout, even if the caller queues the channel for
		// a while before its first Send/Receive. SetReadDeadline is not
		// blocking or cryptographic work, so this keeps Accept cheap.
		_ = raw.SetReadDeadline(time.Now().Add(l.cfg.ZombieDefenseTimeout))

		ch := stream.NewServerSide(raw, l.cfg, l.log, l.mx)
		return ch, nil
	}
}

// Close stops the accept loop and closes the underlying net.Listener.
// Idempotent.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.Halt()
		err = l.raw.Close()
	})
	return err
}
