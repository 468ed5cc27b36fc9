package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const sniffSize = 512

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Input is an opened data file, transparently decompressed.
type Input struct {
	*bufio.Reader
	closers []io.Closer
	name    string
}

// OpenInput opens path for reading. "-" reads standard input. Gzip and zstd
// compressed files are detected by their magic bytes and decompressed on the fly.
func OpenInput(path string) (*Input, error) {
	var f io.ReadCloser
	if path == "-" {
		f = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		f = file
	}

	in, err := NewInput(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	in.closers = append(in.closers, f)
	return in, nil
}

// NewInput wraps r, decompressing it when it starts with a gzip or zstd header.
// Closing the Input does not close r.
func NewInput(r io.Reader, name string) (*Input, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	magic, _ := br.Peek(len(zstdMagic))

	in := &Input{name: name}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip input %s: %w", name, err)
		}
		in.Reader = bufio.NewReaderSize(gz, 64*1024)
		in.closers = append(in.closers, gz)
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd input %s: %w", name, err)
		}
		rc := zr.IOReadCloser()
		in.Reader = bufio.NewReaderSize(rc, 64*1024)
		in.closers = append(in.closers, rc)
	default:
		in.Reader = br
	}
	return in, nil
}

// Name returns the path the input was opened from.
func (in *Input) Name() string {
	return in.name
}

// Sniff inspects the first bytes of the (decompressed) input without consuming them.
func (in *Input) Sniff() Format {
	prefix, _ := in.Peek(sniffSize)
	return Detect(prefix)
}

// Close releases the decompressor and the underlying file.
func (in *Input) Close() error {
	var first error
	for _, c := range in.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
