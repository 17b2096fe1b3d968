package recorder

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm to use
type CompressionType int

const (
	// NoCompression indicates no compression
	NoCompression CompressionType = iota
	// ZstdCompression indicates Zstandard compression
	ZstdCompression
)

var (
	// DefaultCompression is the default compression algorithm
	DefaultCompression = ZstdCompression

	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)

	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func (ct CompressionType) String() string {
	switch ct {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration value to a CompressionType.
func ParseCompression(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "zstd":
		return ZstdCompression, nil
	case "none", "off":
		return NoCompression, nil
	}
	return NoCompression, fmt.Errorf("unknown compression %q", s)
}

// CompressData compresses a byte slice using the specified compression algorithm
func CompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	if compressionType == NoCompression {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// DecompressData decompresses a byte slice using the specified compression algorithm
func DecompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	if compressionType == NoCompression {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewCompressedWriter returns a writer that compresses data before writing.
// Closing it ends the compressed frame but leaves w open.
func NewCompressedWriter(w io.Writer, compressionType CompressionType) (io.WriteCloser, error) {
	if compressionType == NoCompression {
		return nopWriteCloser{w}, nil
	}
	return zstd.NewWriter(w)
}

// NewCompressedReader returns a reader that decompresses data after reading
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.ReadCloser, error) {
	if compressionType == NoCompression {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// DetectCompression peeks at the start of r to tell a zstd stream from plain
// JSON lines. The returned reader yields the whole input.
func DetectCompression(r io.Reader) (io.Reader, CompressionType, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return br, NoCompression, err
	}
	if bytes.Equal(head, zstdMagic) {
		return br, ZstdCompression, nil
	}
	return br, NoCompression, nil
}
