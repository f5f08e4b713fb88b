package store

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// ZLibCompressor deflates blobs before the disk store seals them. Message literals are mostly text
// and shrink well. The zero Level means zlib's default level.
type ZLibCompressor struct {
	Level int
}

func (c ZLibCompressor) Compress(raw []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}

	var buf bytes.Buffer

	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("invalid zlib level %v: %w", level, err)
	}

	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to deflate blob: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to deflate blob: %w", err)
	}

	return buf.Bytes(), nil
}

func (ZLibCompressor) Decompress(deflated []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(deflated))
	if err != nil {
		return nil, fmt.Errorf("blob is not zlib data: %w", err)
	}

	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate blob: %w", err)
	}

	return raw, nil
}
