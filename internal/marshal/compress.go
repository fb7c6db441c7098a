package marshal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/git-pkgs/gemserver/internal/core"
)

// Compression identifies the framing applied to an encoded artifact.
type Compression string

const (
	None Compression = ""
	Gz   Compression = "gzip"
	Rz   Compression = "zlib"
)

// Extension returns the file suffix used for the compression.
func (c Compression) Extension() string {
	switch c {
	case Gz:
		return ".gz"
	case Rz:
		return ".rz"
	default:
		return ""
	}
}

// Compress frames data with the compression.
func (c Compression) Compress(data []byte) ([]byte, error) {
	switch c {
	case Gz:
		return Gzip(data)
	case Rz:
		return Deflate(data)
	default:
		return data, nil
	}
}

// Decompress removes the framing applied by Compress.
func (c Compression) Decompress(data []byte) ([]byte, error) {
	switch c {
	case Gz:
		return Gunzip(data)
	case Rz:
		return Inflate(data)
	default:
		return data, nil
	}
}

// Gzip compresses data with a zero header timestamp so output is
// reproducible for identical input.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip writer: %v", core.ErrEncoding, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", core.ErrEncoding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", core.ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses a gzip stream.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Deflate compresses data as a zlib stream, the framing of quick files.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib writer: %v", core.ErrEncoding, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", core.ErrEncoding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", core.ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

// Inflate decompresses a zlib stream.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
