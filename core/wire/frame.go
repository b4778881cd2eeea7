// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the length-prefixed frame codec shared by the
// stream and handshake layers: a 4-byte big-endian length header followed
// by exactly that many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

const (
	// HeaderSize is the length in bytes of the frame length header.
	HeaderSize = 4
	// DefaultMaxFrameSize is the default upper bound on a frame's payload.
	DefaultMaxFrameSize = 64 << 20 // 64 MiB
)

var (
	// ErrFrameTooLarge is returned when a frame's header announces a
	// payload longer than the configured maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	// ErrTruncated is returned when fewer than len(payload) bytes follow
	// a successfully read header.
	ErrTruncated = errors.New("wire: truncated frame body")
	// ErrPeerClosed is returned when the peer closes the connection
	// cleanly before any header byte is read.
	ErrPeerClosed = errors.New("wire: peer closed connection")
	// ErrConnectionBroken canonicalizes OS-level pipe/reset/closed errors
	// observed while writing a frame.
	ErrConnectionBroken = errors.New("wire: connection broken")
)

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize
// before allocating the payload buffer. A clean EOF before any header
// byte is reported as ErrPeerClosed (non-fatal to the caller's channel,
// which may simply close). Any other read failure once a header byte has
// been consumed — including a short body — is reported as ErrTruncated,
// which the caller must treat as fatal.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && (errors.Is(err, io.EOF)) {
			return nil, ErrPeerClosed
		}
		if isTimeout(err) && n == 0 {
			return nil, err
		}
		return nil, ErrTruncated
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncated
	}
	return payload, nil
}

// WriteFrame emits the 4-byte big-endian length header and payload as a
// single buffer so that the caller's write (plus any required flush)
// happens atomically from the wire's perspective: no frame is ever
// partially observable to a concurrent reader of the same stream.
func WriteFrame(w io.Writer, payload []byte, maxSize uint32) error {
	if uint32(len(payload)) > maxSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		if IsBrokenPipe(err) {
			return ErrConnectionBroken
		}
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			if IsBrokenPipe(err) {
				return ErrConnectionBroken
			}
			return err
		}
	}
	return nil
}

// IsBrokenPipe canonicalizes the platform-specific broken-pipe /
// connection-reset / already-closed error categories into a single
// predicate, rather than matching locale-sensitive error strings as the
// original implementation did.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	// Fallback for wrapped errors without an errors.Is-compatible chain.
	return strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
