// Package gemspec reads the metadata of a .gem archive.
//
// A .gem file is a tar archive holding data.tar.gz, checksums.yaml.gz and
// metadata.gz, the last being a gzipped YAML dump of the Gem::Specification.
// Very old archives carry an uncompressed "metadata" member instead.
package gemspec

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/git-pkgs/gemserver/internal/core"
)

// DefaultMaxDescriptorSize bounds the decompressed metadata document.
const DefaultMaxDescriptorSize = 4 << 20

const (
	metadataMember      = "metadata.gz"
	plainMetadataMember = "metadata"
)

// Extractor turns gem archives into specs. It holds no mutable state and is
// safe for concurrent use.
type Extractor struct {
	maxDescriptorSize int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxDescriptorSize sets the largest metadata document accepted.
func WithMaxDescriptorSize(n int64) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxDescriptorSize = n
		}
	}
}

// New returns an Extractor.
func New(opts ...Option) *Extractor {
	x := &Extractor{maxDescriptorSize: DefaultMaxDescriptorSize}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract reads the gem specification from archive. It fails with
// core.ErrCorruptArchive when the archive cannot be read and with
// core.ErrMissingMetadata when it holds no usable specification.
func (x *Extractor) Extract(archive []byte) (*core.Spec, error) {
	doc, err := x.readDescriptor(archive)
	if err != nil {
		return nil, err
	}
	spec, err := parseSpec(doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(archive)
	spec.Checksum = hex.EncodeToString(sum[:])
	return spec, nil
}

func (x *Extractor) readDescriptor(archive []byte) ([]byte, error) {
	if len(archive) == 0 {
		return nil, core.Corrupt("empty archive")
	}

	tr := tar.NewReader(bytes.NewReader(archive))
	var plain []byte
	members := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, core.Corrupt("reading tar: %v", err)
		}
		members++
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		switch hdr.Name {
		case metadataMember:
			return x.gunzipDescriptor(tr)
		case plainMetadataMember:
			plain, err = x.readLimited(tr)
			if err != nil {
				return nil, err
			}
		}
	}
	if members == 0 {
		return nil, core.Corrupt("archive has no members")
	}
	if plain != nil {
		return plain, nil
	}
	return nil, core.Missing("archive has no %s", metadataMember)
}

func (x *Extractor) gunzipDescriptor(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, core.Corrupt("%s: %v", metadataMember, err)
	}
	defer func() { _ = zr.Close() }()
	return x.readLimited(zr)
}

func (x *Extractor) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, x.maxDescriptorSize+1))
	if err != nil {
		return nil, core.Corrupt("reading metadata: %v", err)
	}
	if int64(len(data)) > x.maxDescriptorSize {
		return nil, core.Corrupt("metadata exceeds %d bytes", x.maxDescriptorSize)
	}
	return data, nil
}

func validate(spec *core.Spec) error {
	if spec.Name == "" {
		return core.Missing("specification has no name")
	}
	if spec.Version == "" {
		return core.Missing("specification has no version")
	}
	if err := core.ValidateName(spec.Name); err != nil {
		return core.Missing("%v", err)
	}
	if !core.ValidVersion(spec.Version) {
		return core.Missing("invalid version %q", spec.Version)
	}
	if err := core.ValidateName(spec.Platform); err != nil {
		return core.Missing("invalid platform %q", spec.Platform)
	}
	return nil
}
