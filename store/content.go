package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Content blobs carry a 1-byte scheme tag so the on-disk encoding can evolve
// without a schema migration.
const (
	contentRaw  byte = 0
	contentZstd byte = 1
)

// compressThreshold is the content size above which zstd kicks in. Short
// content compresses poorly and is stored raw.
const compressThreshold = 512

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeContent encodes memory content for storage, compressing large values.
func EncodeContent(content string) []byte {
	raw := []byte(content)
	if len(raw) < compressThreshold {
		return append([]byte{contentRaw}, raw...)
	}
	compressed := zstdEncoder.EncodeAll(raw, []byte{contentZstd})
	if len(compressed) >= len(raw)+1 {
		return append([]byte{contentRaw}, raw...)
	}
	return compressed
}

// DecodeContent reverses EncodeContent.
func DecodeContent(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	switch blob[0] {
	case contentRaw:
		return string(blob[1:]), nil
	case contentZstd:
		raw, err := zstdDecoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return "", fmt.Errorf("decompress content: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown content encoding scheme %d", blob[0])
	}
}
