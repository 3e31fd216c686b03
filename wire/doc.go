// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed message protocol spoken between
// the homcc client and the homccd server.
//
// Every message travels as one frame: a fixed 16-byte header followed
// by the payload. The header carries a magic, a protocol version, the
// message type, the compression algorithm applied to the payload, and
// the payload length. All header integers are big-endian.
//
// Structured message bodies (ArgumentRequest, DependencyRequest,
// CompilationResult, ConnectionRefused) are encoded as JSON so that
// clients and servers written in other languages can interoperate.
// FileTransfer bodies carry raw file content and use a small fixed
// binary header instead, avoiding a base64 round trip for large
// blobs.
//
// Compression is chosen per message by the sender; the receiver reads
// the algorithm from the frame header. Compressed payloads are
// prefixed with the uncompressed size (u64 big-endian) because the
// LZO and LZ4 block decoders need the output size up front.
package wire
