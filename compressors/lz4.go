package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/seriesdb/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
//
// The block format does not record the uncompressed size, so every output
// starts with a uvarint holding it. A zero compressed length from the
// library means the input was incompressible; such blocks are stored raw
// behind a uvarint of 0 followed by the original bytes.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var hdr [binary.MaxVarintLen64]byte
	block := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(src) {
		dst.Write(hdr[:binary.PutUvarint(hdr[:], 0)])
		dst.Write(src)
		return nil
	}
	dst.Write(hdr[:binary.PutUvarint(hdr[:], uint64(len(src)))])
	dst.Write(block[:n])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 block header: %w", core.ErrCorrupted)
	}
	data = data[n:]
	if size == 0 {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	dst := make([]byte, size)
	written, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(written) != size {
		return nil, fmt.Errorf("lz4 decompressed %d bytes, want %d: %w", written, size, core.ErrCorrupted)
	}
	return io.NopCloser(bytes.NewReader(dst)), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
