// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rasky/go-lzo"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies the algorithm applied to a frame payload.
// The values are protocol constants shared with non-Go peers —
// changing them breaks wire compatibility.
type Compression uint8

const (
	// CompressionNone indicates an uncompressed payload.
	CompressionNone Compression = 0

	// CompressionLZO indicates LZO1X block compression. Cheap to
	// decode, modest ratios. The historical default of distcc-style
	// tools.
	CompressionLZO Compression = 1

	// CompressionLZMA indicates LZMA stream compression. Slow but
	// dense — the right choice for very narrow uplinks.
	CompressionLZMA Compression = 2

	// CompressionZstd indicates zstd at its default level. Extension
	// tag: only sent to peers whose host entry asked for it.
	CompressionZstd Compression = 3

	// CompressionLZ4 indicates LZ4 block compression. Extension tag,
	// same negotiation rule as zstd.
	CompressionLZ4 Compression = 4
)

// String returns the name used in hosts files and config for the
// compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZO:
		return "lzo"
	case CompressionLZMA:
		return "lzma"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name as written in hosts
// files ("lzo", "lzma", "zstd", "lz4") or config. The empty string
// parses as CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lzo":
		return CompressionLZO, nil
	case "lzma":
		return CompressionLZMA, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// zstdEncoder and zstdDecoder are shared across all frames. Both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies the algorithm to data. For every algorithm except
// CompressionNone the result starts with the uncompressed size as a
// u64 big-endian prefix.
func compress(data []byte, algorithm Compression) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}

	var body []byte
	switch algorithm {
	case CompressionLZO:
		body = lzo.Compress1X(data)

	case CompressionLZMA:
		var buffer bytes.Buffer
		writer, err := lzma.NewWriter(&buffer)
		if err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		body = buffer.Bytes()

	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			// Incompressible input: CompressBlock signals this with a
			// zero length. Store the raw bytes; the decoder detects
			// this case by comparing the body length against the size
			// prefix.
			body = data
		} else {
			body = destination[:written]
		}

	default:
		return nil, fmt.Errorf("unsupported compression %d", algorithm)
	}

	result := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(result, uint64(len(data)))
	copy(result[8:], body)
	return result, nil
}

// decompress reverses compress. The size prefix is authoritative: a
// decoded payload of any other length is an error.
func decompress(data []byte, algorithm Compression) ([]byte, error) {
	if algorithm == CompressionNone {
		return data, nil
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: compressed payload shorter than its size prefix", ErrMalformed)
	}
	uncompressedSize := binary.BigEndian.Uint64(data)
	body := data[8:]

	var result []byte
	switch algorithm {
	case CompressionLZO:
		decoded, err := lzo.Decompress1X(bytes.NewReader(body), len(body), int(uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("lzo decompress: %w", err)
		}
		result = decoded

	case CompressionLZMA:
		reader, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("lzma decompress: %w", err)
		}
		decoded := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(reader, decoded); err != nil {
			return nil, fmt.Errorf("lzma decompress: %w", err)
		}
		result = decoded

	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		result = decoded

	case CompressionLZ4:
		if uint64(len(body)) == uncompressedSize {
			// Stored raw: the encoder found the input incompressible.
			result = body
		} else {
			decoded := make([]byte, uncompressedSize)
			read, err := lz4.UncompressBlock(body, decoded)
			if err != nil {
				return nil, fmt.Errorf("lz4 decompress: %w", err)
			}
			result = decoded[:read]
		}

	default:
		return nil, fmt.Errorf("unsupported compression %d", algorithm)
	}

	if uint64(len(result)) != uncompressedSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, header declared %d",
			ErrMalformed, len(result), uncompressedSize)
	}
	return result, nil
}
