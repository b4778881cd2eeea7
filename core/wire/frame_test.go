// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello frame"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, p := range payloads {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, p, DefaultMaxFrameSize))

		got, err := ReadFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 100), 50)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len(), "no bytes should be written once the size check fails")
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100), DefaultMaxFrameSize))
	_, err := ReadFrame(&buf, 50)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameReportsPeerClosedOnCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadFrameReportsTruncatedOnPartialHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x01})
	_, err := ReadFrame(buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameReportsTruncatedOnPartialBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abcdefgh"), DefaultMaxFrameSize))
	truncated := bytes.NewBuffer(buf.Bytes()[:HeaderSize+3])
	_, err := ReadFrame(truncated, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameOverPipeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(a, []byte("over the wire"), DefaultMaxFrameSize)
	}()

	got, err := ReadFrame(b, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, []byte("over the wire"), got)
	require.NoError(t, <-done)
}

func TestReadFrameTimeoutBeforeHeaderIsNotTruncated(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := ReadFrame(b, DefaultMaxFrameSize)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTruncated)
	require.NotErrorIs(t, err, ErrPeerClosed)
}

func TestIsBrokenPipeRecognizesClosedNetworkConnection(t *testing.T) {
	a, b := net.Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	_, err := b.Write([]byte("x"))
	require.Error(t, err)
	require.True(t, IsBrokenPipe(err))
}

func TestIsBrokenPipeRejectsUnrelatedError(t *testing.T) {
	require.False(t, IsBrokenPipe(nil))
	require.False(t, IsBrokenPipe(errors.New("some unrelated failure")))
}
