package compressors

import (
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/seriesdb/core"
)

var (
	zstdOnce sync.Once
	zstdInst *ZstdCompressor
	zstdErr  error
)

// ForType returns the compressor that handles t. The zstd compressor is
// created once and shared.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		zstdOnce.Do(func() { zstdInst, zstdErr = NewZstdCompressor() })
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdInst, nil
	}
	return nil, fmt.Errorf("unknown compression type %d", t)
}

// DecompressBlock fully decompresses data with c.
func DecompressBlock(c core.Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s decompress read error: %w", c.Type(), err)
	}
	return out, nil
}
