// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the declared payload length of a single frame. A frame
// claiming more than this is unrecoverable: the reader has no way to resync,
// so callers must treat ErrFrameTooLarge as connection-fatal.
const MaxFrameSize = 10 * 1024 * 1024

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Encode serializes a message as a 4-byte big-endian length prefix followed
// by the JSON encoding of the message.
func Encode(m *Message) ([]byte, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	if len(buf) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(out[:4], uint32(len(buf)))
	copy(out[4:], buf)
	return out, nil
}

// WriteMessage encodes m and writes the full frame to w. Callers sharing w
// across goroutines must serialize calls themselves; the frame must never be
// interleaved with another writer's bytes.
func WriteMessage(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadMessage blocks until a full frame has been read from r and returns the
// decoded message. A close at any point before the frame completes, whether
// between frames or mid-frame, returns io.EOF: a peer dying mid-write is a
// disconnect, not a protocol violation. The length prefix is validated before
// any payload bytes are consumed; an oversized declaration returns
// ErrFrameTooLarge.
func ReadMessage(r io.Reader) (*Message, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame size: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("declared length %d: %w", size, ErrFrameTooLarge)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling frame: %w", err)
	}
	return &m, nil
}
