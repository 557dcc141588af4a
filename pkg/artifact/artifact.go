// Package artifact writes and reads backup artifacts: optional gzip compression,
// optional encryption, and a sha256 digest over the bytes that land on disk.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// File name suffixes marking the encoding layers of an artifact
const (
	SuffixGzip      = ".gz"
	SuffixEncrypted = ".enc"
)

// Options selects the encoding layers applied to an artifact
type Options struct {
	Compress   bool
	Encrypt    bool
	Passphrase string
}

// FileName appends the encoding suffixes for opts to base
func FileName(base string, opts Options) string {
	if opts.Compress {
		base += SuffixGzip
	}
	if opts.Encrypt {
		base += SuffixEncrypted
	}
	return base
}

// OptionsForPath infers the encoding layers from a file name
func OptionsForPath(path, passphrase string) Options {
	name := path
	opts := Options{Passphrase: passphrase}
	if strings.HasSuffix(name, SuffixEncrypted) {
		opts.Encrypt = true
		name = strings.TrimSuffix(name, SuffixEncrypted)
	}
	if strings.HasSuffix(name, SuffixGzip) {
		opts.Compress = true
	}
	return opts
}

// Result describes a finished artifact
type Result struct {
	Path     string
	Size     int64
	Checksum string
}

// Writer encodes everything written to it into an artifact file
type Writer struct {
	path    string
	file    *os.File
	hash    hashCounter
	layers  []io.WriteCloser
	top     io.Writer
	closed  bool
	aborted bool
}

type hashCounter struct {
	h hash.Hash
	n int64
}

func (c *hashCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return c.h.Write(p)
}

// Create opens a new file at path for writing with the layers selected by opts.
// An existing file at path is never overwritten.
func Create(path string, opts Options) (*Writer, error) {
	if opts.Encrypt && opts.Passphrase == "" {
		return nil, errors.New("encryption requested without a key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	w := &Writer{path: path, file: file, hash: hashCounter{h: sha256.New()}}
	var sink io.Writer = io.MultiWriter(file, &w.hash)

	if opts.Encrypt {
		enc, err := NewEncryptWriter(sink, opts.Passphrase)
		if err != nil {
			w.Abort()
			return nil, err
		}
		w.layers = append(w.layers, enc)
		sink = enc
	}
	if opts.Compress {
		gz := gzip.NewWriter(sink)
		w.layers = append(w.layers, gz)
		sink = gz
	}
	w.top = sink
	return w, nil
}

// Write encodes p into the artifact
func (w *Writer) Write(p []byte) (int, error) {
	return w.top.Write(p)
}

// Close flushes every layer and returns the artifact's size and digest
func (w *Writer) Close() (*Result, error) {
	if w.closed {
		return nil, errors.New("artifact writer already closed")
	}
	w.closed = true

	for i := len(w.layers) - 1; i >= 0; i-- {
		if err := w.layers[i].Close(); err != nil {
			w.file.Close()
			os.Remove(w.path)
			return nil, fmt.Errorf("failed to finalize artifact: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.path)
		return nil, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return nil, fmt.Errorf("failed to close artifact: %w", err)
	}

	return &Result{
		Path:     w.path,
		Size:     w.hash.n,
		Checksum: hex.EncodeToString(w.hash.h.Sum(nil)),
	}, nil
}

// Abort closes and removes a partially written artifact
func (w *Writer) Abort() {
	if w.closed || w.aborted {
		return
	}
	w.aborted = true
	w.file.Close()
	os.Remove(w.path)
}

// Reader decodes an artifact file
type Reader struct {
	file *os.File
	gz   *gzip.Reader
	r    io.Reader
}

// Open opens path and decodes the layers selected by opts
func Open(path string, opts Options) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	rd := &Reader{file: file, r: file}
	if opts.Encrypt {
		if opts.Passphrase == "" {
			file.Close()
			return nil, errors.New("artifact is encrypted but no key is configured")
		}
		dec, err := NewDecryptReader(rd.r, opts.Passphrase)
		if err != nil {
			file.Close()
			return nil, err
		}
		rd.r = dec
	}
	if opts.Compress {
		gz, err := gzip.NewReader(rd.r)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		rd.gz = gz
		rd.r = gz
	}
	return rd, nil
}

// Read returns decoded artifact bytes
func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Close releases the underlying file
func (r *Reader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.file.Close()
}

// Checksum computes the sha256 digest and size of the file at path
func Checksum(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
