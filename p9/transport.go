// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package p9

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrSocket is returned in cases of a socket issue.
//
// This may be treated differently than other errors.
type ErrSocket struct {
	// error is the socket error.
	error
}

// Unwrap returns the underlying socket error.
func (e ErrSocket) Unwrap() error { return e.error }

// ErrNoValidMessage indicates no valid message could be decoded.
var ErrNoValidMessage = errors.New("buffer contained no valid message")

// Transport moves whole 9P frames.
//
// ReadFrame is only called from one goroutine at a time, and so is
// WriteFrame. A ReadFrame error ends the connection.
type Transport interface {
	// ReadFrame returns the next frame, size field included.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one complete frame.
	WriteFrame(frame []byte) error

	Close() error
}

// maxSizer is implemented by transports that bound frame sizes. The client
// lowers the bound once the message size is negotiated.
type maxSizer interface {
	SetMaxSize(n uint32)
}

// StreamTransport frames 9P messages over a byte stream using the size
// prefix of each message.
type StreamTransport struct {
	conn    io.ReadWriteCloser
	maxSize atomic.Uint32
	hdr     [4]byte
}

var _ Transport = &StreamTransport{}

// NewTransport returns a Transport over conn that rejects frames larger than
// maxSize.
func NewTransport(conn io.ReadWriteCloser, maxSize uint32) *StreamTransport {
	t := &StreamTransport{conn: conn}
	t.maxSize.Store(maxSize)
	return t
}

// SetMaxSize changes the largest frame accepted in either direction.
func (t *StreamTransport) SetMaxSize(n uint32) {
	t.maxSize.Store(n)
}

// ReadFrame implements Transport.ReadFrame.
//
// A clean end of stream between frames is reported as ErrSocket{io.EOF}. A
// frame whose size field is out of range cannot be skipped, so it is also an
// error.
func (t *StreamTransport) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(t.conn, t.hdr[:]); err != nil {
		return nil, ErrSocket{err}
	}
	size := binary.LittleEndian.Uint32(t.hdr[:])
	if size < headerLength {
		return nil, ErrSocket{fmt.Errorf("%w: frame size %d", ErrNoValidMessage, size)}
	}
	if max := t.maxSize.Load(); size > max {
		return nil, ErrSocket{fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMessageTooLarge, size, max)}
	}

	frame := make([]byte, size)
	copy(frame, t.hdr[:])
	if _, err := io.ReadFull(t.conn, frame[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, ErrSocket{err}
	}
	return frame, nil
}

// WriteFrame implements Transport.WriteFrame.
func (t *StreamTransport) WriteFrame(frame []byte) error {
	if max := t.maxSize.Load(); uint64(len(frame)) > uint64(max) {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMessageTooLarge, len(frame), max)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return ErrSocket{err}
	}
	return nil
}

// Close implements Transport.Close.
func (t *StreamTransport) Close() error {
	return t.conn.Close()
}
