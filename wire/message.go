// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Kind identifies a message type on the wire. Protocol constants —
// do not renumber.
type Kind uint8

const (
	// KindArgumentRequest opens a compilation: argv, cwd, sandbox
	// selection, and the digest of every dependency file.
	KindArgumentRequest Kind = 1

	// KindDependencyRequest is the server's reply listing the digests
	// it does not have cached.
	KindDependencyRequest Kind = 2

	// KindFileTransfer carries one dependency file's content.
	KindFileTransfer Kind = 3

	// KindFilesSent marks the end of the client's file uploads.
	KindFilesSent Kind = 4

	// KindCompilationResult carries the compiler's exit code, output
	// streams, and produced object files.
	KindCompilationResult Kind = 5

	// KindConnectionRefused tells a client the server is saturated.
	KindConnectionRefused Kind = 6
)

// String returns the message type name for logs and errors.
func (k Kind) String() string {
	switch k {
	case KindArgumentRequest:
		return "ArgumentRequest"
	case KindDependencyRequest:
		return "DependencyRequest"
	case KindFileTransfer:
		return "FileTransfer"
	case KindFilesSent:
		return "FilesSent"
	case KindCompilationResult:
		return "CompilationResult"
	case KindConnectionRefused:
		return "ConnectionRefused"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is one protocol message. The concrete types below are the
// only implementations.
type Message interface {
	// Kind returns the type tag written into the frame header.
	Kind() Kind
}

// ArgumentRequest is the client's opening message.
type ArgumentRequest struct {
	// Args is the full compiler argv, argv[0] included.
	Args []string `json:"args"`

	// Cwd is the client's working directory, absolute.
	Cwd string `json:"cwd"`

	// Profile selects a schroot profile on the server. Empty means
	// no chroot.
	Profile string `json:"profile,omitempty"`

	// DockerContainer selects a running container on the server.
	// Empty means no container.
	DockerContainer string `json:"docker_container,omitempty"`

	// DependencyHashes maps each dependency path (as the server
	// should see it) to its content digest.
	DependencyHashes map[string]string `json:"dependency_hashes"`
}

func (*ArgumentRequest) Kind() Kind { return KindArgumentRequest }

// DependencyRequest lists the digests the server still needs.
type DependencyRequest struct {
	Needed []string `json:"needed"`
}

func (*DependencyRequest) Kind() Kind { return KindDependencyRequest }

// FileTransfer carries one dependency file. Unlike the other
// structured messages its body is binary: three big-endian u64
// lengths followed by the path, digest, and content bytes.
type FileTransfer struct {
	Path    string
	Digest  string
	Content []byte
}

func (*FileTransfer) Kind() Kind { return KindFileTransfer }

// FilesSent terminates the client's upload phase. It has no body.
type FilesSent struct{}

func (*FilesSent) Kind() Kind { return KindFilesSent }

// ObjectFile is one compiler output artifact inside a
// CompilationResult.
type ObjectFile struct {
	// Path is the client-side path the artifact should be written to.
	Path string `json:"path"`

	// Content is the artifact bytes. JSON-encoded as base64.
	Content []byte `json:"content"`
}

// CompilationResult reports the outcome of a compile job.
type CompilationResult struct {
	// ExitCode is the compiler's exit status, unsigned on the wire.
	// Clients on platforms with signed exit codes sign-extend it.
	ExitCode uint32 `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	ObjectFiles []ObjectFile `json:"object_files"`
}

func (*CompilationResult) Kind() Kind { return KindCompilationResult }

// ConnectionRefused is sent instead of a DependencyRequest when the
// server is at its concurrency limit.
type ConnectionRefused struct {
	Reason string `json:"reason"`
}

func (*ConnectionRefused) Kind() Kind { return KindConnectionRefused }

// marshalBody serializes a message body. Structured messages use
// JSON; FileTransfer uses its binary layout; FilesSent is empty.
func marshalBody(message Message) ([]byte, error) {
	switch m := message.(type) {
	case *FilesSent:
		return nil, nil

	case *FileTransfer:
		path := []byte(m.Path)
		digest := []byte(m.Digest)
		body := make([]byte, 24+len(path)+len(digest)+len(m.Content))
		binary.BigEndian.PutUint64(body[0:], uint64(len(path)))
		binary.BigEndian.PutUint64(body[8:], uint64(len(digest)))
		binary.BigEndian.PutUint64(body[16:], uint64(len(m.Content)))
		offset := 24
		offset += copy(body[offset:], path)
		offset += copy(body[offset:], digest)
		copy(body[offset:], m.Content)
		return body, nil

	default:
		return json.Marshal(message)
	}
}

// unmarshalBody parses a payload according to the frame's type tag.
func unmarshalBody(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindArgumentRequest:
		message := new(ArgumentRequest)
		return message, unmarshalJSON(kind, payload, message)

	case KindDependencyRequest:
		message := new(DependencyRequest)
		return message, unmarshalJSON(kind, payload, message)

	case KindFileTransfer:
		return unmarshalFileTransfer(payload)

	case KindFilesSent:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: FilesSent with %d payload bytes", ErrMalformed, len(payload))
		}
		return &FilesSent{}, nil

	case KindCompilationResult:
		message := new(CompilationResult)
		return message, unmarshalJSON(kind, payload, message)

	case KindConnectionRefused:
		message := new(ConnectionRefused)
		return message, unmarshalJSON(kind, payload, message)

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformed, uint8(kind))
	}
}

func unmarshalJSON(kind Kind, payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, kind, err)
	}
	return nil
}

func unmarshalFileTransfer(payload []byte) (*FileTransfer, error) {
	if len(payload) < 24 {
		return nil, fmt.Errorf("%w: FileTransfer body shorter than its header", ErrMalformed)
	}
	pathSize := binary.BigEndian.Uint64(payload[0:])
	digestSize := binary.BigEndian.Uint64(payload[8:])
	contentSize := binary.BigEndian.Uint64(payload[16:])

	total := uint64(24) + pathSize + digestSize + contentSize
	if pathSize > MaxPayloadSize || digestSize > MaxPayloadSize || contentSize > MaxPayloadSize ||
		total != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: FileTransfer lengths disagree with body size", ErrMalformed)
	}

	offset := uint64(24)
	message := &FileTransfer{
		Path:   string(payload[offset : offset+pathSize]),
		Digest: string(payload[offset+pathSize : offset+pathSize+digestSize]),
	}
	offset += pathSize + digestSize
	message.Content = make([]byte, contentSize)
	copy(message.Content, payload[offset:])
	return message, nil
}
