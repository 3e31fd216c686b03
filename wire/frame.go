// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the current protocol version, carried in every frame
// header. Peers speaking a different version are rejected.
const Version = 1

// magic is the four bytes opening every frame.
var magic = [4]byte{'H', 'O', 'M', 'C'}

// headerSize is the fixed frame header length: magic (4), version
// (1), message type (1), compression (1), reserved (1), payload
// length (8).
const headerSize = 16

// MaxPayloadSize caps the declared payload length a decoder will
// accept. Frames beyond it fail with ErrOverflow before any payload
// byte is read.
const MaxPayloadSize = 2 << 30

// Protocol error kinds. Session code matches them with errors.Is; all
// of them terminate the connection.
var (
	// ErrOverflow reports a frame whose declared payload exceeds
	// MaxPayloadSize.
	ErrOverflow = errors.New("frame payload exceeds size limit")

	// ErrVersion reports a frame carrying an unsupported protocol
	// version.
	ErrVersion = errors.New("unsupported protocol version")

	// ErrMalformed reports a frame that cannot be decoded: bad magic,
	// unknown message type, or a payload that does not parse.
	ErrMalformed = errors.New("malformed frame")

	// ErrPeerClosed reports a connection that ended in the middle of
	// a frame, or before an expected frame arrived.
	ErrPeerClosed = errors.New("peer closed connection mid-message")
)

// Send encodes message onto w as one frame, compressing the payload
// with the given algorithm.
func Send(w io.Writer, message Message, algorithm Compression) error {
	payload, err := marshalBody(message)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", message.Kind(), err)
	}

	// An empty body has nothing to compress, and the block codecs
	// reject empty input.
	if len(payload) == 0 {
		algorithm = CompressionNone
	}

	payload, err = compress(payload, algorithm)
	if err != nil {
		return fmt.Errorf("compressing %s payload: %w", message.Kind(), err)
	}

	var header [headerSize]byte
	copy(header[:4], magic[:])
	header[4] = Version
	header[5] = byte(message.Kind())
	header[6] = byte(algorithm)
	binary.BigEndian.PutUint64(header[8:], uint64(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Receive reads exactly one frame from r and decodes it. The read
// blocks until the full frame arrives; a connection that closes
// mid-frame yields ErrPeerClosed. A clean close before the first
// header byte also yields ErrPeerClosed so callers have a single
// condition to match.
func Receive(r io.Reader) (Message, error) {
	message, _, err := ReceiveFrame(r)
	return message, err
}

// ReceiveFrame is Receive plus the compression algorithm the sender
// chose, for peers that mirror it in their replies.
func ReceiveFrame(r io.Reader) (Message, Compression, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, CompressionNone, ErrPeerClosed
		}
		return nil, CompressionNone, fmt.Errorf("reading frame header: %w", err)
	}

	if [4]byte(header[:4]) != magic {
		return nil, CompressionNone, fmt.Errorf("%w: bad magic %q", ErrMalformed, header[:4])
	}
	if header[4] != Version {
		return nil, CompressionNone, fmt.Errorf("%w: got %d, want %d", ErrVersion, header[4], Version)
	}

	kind := Kind(header[5])
	algorithm := Compression(header[6])
	payloadSize := binary.BigEndian.Uint64(header[8:])
	if payloadSize > MaxPayloadSize {
		return nil, algorithm, fmt.Errorf("%w: declared %d bytes", ErrOverflow, payloadSize)
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, algorithm, ErrPeerClosed
		}
		return nil, algorithm, fmt.Errorf("reading frame payload: %w", err)
	}

	payload, err := decompress(payload, algorithm)
	if err != nil {
		return nil, algorithm, err
	}

	message, err := unmarshalBody(kind, payload)
	if err != nil {
		return nil, algorithm, err
	}
	return message, algorithm, nil
}
