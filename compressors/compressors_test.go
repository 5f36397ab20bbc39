package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/seriesdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("k"),
		"repetitive": bytes.Repeat([]byte("\x00\x00\x04\x00\x01k111v111"), 200),
		"mixed":      []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2"),
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())

		for name, data := range payloads {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				compressed, err := c.Compress(data)
				require.NoError(t, err)
				out, err := DecompressBlock(c, compressed)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(out))
				assert.True(t, bytes.Equal(data, out))

				var buf bytes.Buffer
				buf.WriteString("stale")
				require.NoError(t, c.CompressTo(&buf, data))
				out, err = DecompressBlock(c, buf.Bytes())
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, out))
			})
		}
	}
}

func TestLZ4_ShrinksRepetitiveInput(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 4096)
	compressed, err := NewLz4Compressor().Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
}

func TestLZ4_CorruptedHeader(t *testing.T) {
	_, err := NewLz4Compressor().Decompress(nil)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestForType_Unknown(t *testing.T) {
	_, err := ForType(core.CompressionType(42))
	assert.Error(t, err)
}
