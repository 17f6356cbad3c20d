package msgcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	inputs := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, world!"}]}}`,
		`{"content":"short"}`,
		`{}`,
		// Repetitive content that benefits from compression.
		`{"type":"assistant","message":{"content":[{"type":"text","text":"` +
			"Lorem ipsum dolor sit amet, consectetur adipiscing elit. " +
			"Lorem ipsum dolor sit amet, consectetur adipiscing elit. " +
			"Lorem ipsum dolor sit amet, consectetur adipiscing elit. " +
			`"}]}}`,
	}

	for _, input := range inputs {
		data := []byte(input)
		compressed, compression := Compress(data)
		assert.Equal(t, CompressionZstd, compression)

		decompressed, err := Decompress(compressed, compression)
		require.NoError(t, err)
		assert.Equal(t, data, decompressed)
	}
}

func TestDecompressNone(t *testing.T) {
	data := []byte(`{"content":"hello"}`)
	result, err := Decompress(data, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, data, result)
}

func TestDecompressUnsupportedValueReturnsError(t *testing.T) {
	data := []byte(`{"content":"hello"}`)
	_, err := Decompress(data, Compression(99))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression")
}
