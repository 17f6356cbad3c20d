// Package msgcodec provides transcript compression and decompression.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm a stored transcript was encoded
// with. Values are persisted; never renumber.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data using zstd and returns the
// compressed bytes along with the Compression value to persist next to
// them.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decompresses data according to the given compression
// value. Returns an error for unsupported values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %d", compression)
	}
}
