// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config holds the immutable, per-instance knobs for securewire
// channels and listeners. There is no global mutable configuration: a
// Listener or Channel owns its own Config, built once at construction via
// Option functions or decoded from a TOML file.
package config

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultMaxFrameSize is the default maximum frame payload size (64 MiB).
	DefaultMaxFrameSize = 64 << 20
	// DefaultZombieDefenseTimeout is the default server-side handshake window.
	DefaultZombieDefenseTimeout = 1000 * time.Millisecond
	// DefaultBufferSize is the default internal read/write buffer size.
	DefaultBufferSize = 32 << 10
	// DefaultMaxUDPPayload is the default maximum UDP datagram size.
	DefaultMaxUDPPayload = 65507
)

// Config is the immutable set of knobs governing a channel or listener.
// Build one with New and zero or more Options, or load one with Load.
type Config struct {
	// MaxFrameSize rejects/closes the channel on stream frames larger
	// than this. Datagram channels do not use it.
	MaxFrameSize uint32
	// ZombieDefenseTimeout bounds how long the server side of a stream
	// handshake will wait for the peer's key payload.
	ZombieDefenseTimeout time.Duration
	// BufferSize sizes internal read/write buffering.
	BufferSize int
	// MaxUDPPayload bounds a single datagram channel packet; datagram
	// plaintext is limited to MaxUDPPayload - 12 - 16.
	MaxUDPPayload int
	// PSK, when non-nil, authenticates handshake public-key payloads via
	// HMAC-SHA256. Nil means unauthenticated (insecure against active
	// MITM) mode.
	PSK []byte
	// ReadTimeout is the default read deadline applied to Receive* calls
	// once a channel is established (0 = unbounded).
	ReadTimeout time.Duration
	// KeepAlive enables TCP keep-alive on accepted/dialed connections.
	KeepAlive bool
	// TCPNoDelay disables Nagle's algorithm on accepted/dialed connections.
	TCPNoDelay bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithMaxFrameSize overrides MaxFrameSize.
func WithMaxFrameSize(n uint32) Option { return func(c *Config) { c.MaxFrameSize = n } }

// WithZombieDefenseTimeout overrides ZombieDefenseTimeout.
func WithZombieDefenseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ZombieDefenseTimeout = d }
}

// WithBufferSize overrides BufferSize.
func WithBufferSize(n int) Option { return func(c *Config) { c.BufferSize = n } }

// WithMaxUDPPayload overrides MaxUDPPayload.
func WithMaxUDPPayload(n int) Option { return func(c *Config) { c.MaxUDPPayload = n } }

// WithPSK sets the pre-shared key used to authenticate handshake payloads.
func WithPSK(psk []byte) Option { return func(c *Config) { c.PSK = psk } }

// WithReadTimeout overrides the default post-handshake read timeout.
func WithReadTimeout(d time.Duration) Option { return func(c *Config) { c.ReadTimeout = d } }

// WithKeepAlive overrides KeepAlive.
func WithKeepAlive(on bool) Option { return func(c *Config) { c.KeepAlive = on } }

// WithTCPNoDelay overrides TCPNoDelay.
func WithTCPNoDelay(on bool) Option { return func(c *Config) { c.TCPNoDelay = on } }

// New builds a Config from defaults plus the given options, then validates it.
func New(opts ...Option) (*Config, error) {
	c := &Config{
		MaxFrameSize:         DefaultMaxFrameSize,
		ZombieDefenseTimeout: DefaultZombieDefenseTimeout,
		BufferSize:           DefaultBufferSize,
		MaxUDPPayload:        DefaultMaxUDPPayload,
		KeepAlive:            true,
		TCPNoDelay:           true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// fileConfig mirrors Config's field names for TOML decoding; durations are
// expressed as integer milliseconds. The booleans are pointers so that a
// key absent from the file can be told apart from an explicit false.
type fileConfig struct {
	MaxFrameSize            uint32 `toml:"max_frame_size"`
	ZombieDefenseTimeoutMS  int64  `toml:"zombie_defense_timeout_ms"`
	BufferSize              int    `toml:"buffer_size"`
	MaxUDPPayload           int    `toml:"max_udp_payload"`
	PSKHex                  string `toml:"psk_hex"`
	ReadTimeoutMS           int64  `toml:"read_timeout_ms"`
	KeepAlive               *bool  `toml:"keep_alive"`
	TCPNoDelay              *bool  `toml:"tcp_no_delay"`
}

// Load decodes a Config from a TOML file, applying defaults for any
// numeric field left at zero and for any key absent from the file.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, err
	}
	c, err := New()
	if err != nil {
		return nil, err
	}
	if fc.MaxFrameSize != 0 {
		c.MaxFrameSize = fc.MaxFrameSize
	}
	if fc.ZombieDefenseTimeoutMS != 0 {
		c.ZombieDefenseTimeout = time.Duration(fc.ZombieDefenseTimeoutMS) * time.Millisecond
	}
	if fc.BufferSize != 0 {
		c.BufferSize = fc.BufferSize
	}
	if fc.MaxUDPPayload != 0 {
		c.MaxUDPPayload = fc.MaxUDPPayload
	}
	if fc.ReadTimeoutMS != 0 {
		c.ReadTimeout = time.Duration(fc.ReadTimeoutMS) * time.Millisecond
	}
	if fc.KeepAlive != nil {
		c.KeepAlive = *fc.KeepAlive
	}
	if fc.TCPNoDelay != nil {
		c.TCPNoDelay = *fc.TCPNoDelay
	}
	if fc.PSKHex != "" {
		psk, err := hex.DecodeString(fc.PSKHex)
		if err != nil {
			return nil, err
		}
		c.PSK = psk
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects nonsensical configurations at construction time rather
// than at first use.
func (c *Config) Validate() error {
	if c.MaxFrameSize == 0 {
		return errors.New("config: max frame size must be non-zero")
	}
	if c.ZombieDefenseTimeout < 0 {
		return errors.New("config: zombie defense timeout must be non-negative")
	}
	if c.BufferSize <= 0 {
		return errors.New("config: buffer size must be positive")
	}
	if c.MaxUDPPayload <= 28 {
		return errors.New("config: max udp payload too small")
	}
	if c.ReadTimeout < 0 {
		return errors.New("config: read timeout must be non-negative")
	}
	return nil
}
