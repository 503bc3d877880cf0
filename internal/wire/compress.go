package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// maxDecompressed bounds Decompress output.
const maxDecompressed = 64 * 1024 * 1024

// Compress compresses data as an LZ4 frame.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.ChecksumOption(true), lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("wire: lz4 options: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("wire: lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	data, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("wire: lz4 decompress: %w", err)
	}
	if len(data) > maxDecompressed {
		return nil, fmt.Errorf("wire: lz4 decompress: output exceeds %d bytes", maxDecompressed)
	}
	return data, nil
}
