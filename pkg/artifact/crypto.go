package artifact

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted artifacts are a header followed by AES-256-GCM sealed segments.
//
//	header:  magic(4) | salt(16) | nonce prefix(8)
//	segment: plaintext length(4) | ciphertext(length + tag)
//
// Each segment nonce is the prefix followed by a big-endian counter. The additional
// data marks the final segment so truncation is detected on read.
const (
	segmentSize   = 64 * 1024
	saltSize      = 16
	prefixSize    = 8
	kdfIterations = 100000
)

var (
	magic = []byte("DRG1")

	// ErrTruncated is returned when an encrypted stream ends before its final segment
	ErrTruncated = errors.New("encrypted artifact is truncated")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, 32, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

func segmentNonce(prefix []byte, counter uint32) []byte {
	nonce := make([]byte, prefixSize+4)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[prefixSize:], counter)
	return nonce
}

func segmentAD(final bool) []byte {
	if final {
		return []byte{1}
	}
	return []byte{0}
}

// encryptWriter seals everything written to it into segments on w
type encryptWriter struct {
	w       io.Writer
	gcm     cipher.AEAD
	prefix  []byte
	counter uint32
	buf     []byte
	closed  bool
}

// NewEncryptWriter returns a writer that encrypts to w with a key derived from passphrase.
// Close must be called to write the final segment; it does not close w.
func NewEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	salt := make([]byte, saltSize)
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(magic)+saltSize+prefixSize)
	header = append(header, magic...)
	header = append(header, salt...)
	header = append(header, prefix...)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write encryption header: %w", err)
	}

	return &encryptWriter{
		w:      w,
		gcm:    gcm,
		prefix: prefix,
		buf:    make([]byte, 0, segmentSize),
	}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encrypt writer")
	}
	written := 0
	for len(p) > 0 {
		room := segmentSize - len(e.buf)
		n := len(p)
		if n > room {
			n = room
		}
		e.buf = append(e.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(e.buf) == segmentSize {
			if err := e.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (e *encryptWriter) flush(final bool) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(e.buf)))

	sealed := e.gcm.Seal(nil, segmentNonce(e.prefix, e.counter), e.buf, segmentAD(final))
	e.counter++
	e.buf = e.buf[:0]

	if _, err := e.w.Write(length[:]); err != nil {
		return err
	}
	_, err := e.w.Write(sealed)
	return err
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.flush(true)
}

// decryptReader opens segments produced by encryptWriter
type decryptReader struct {
	r       io.Reader
	gcm     cipher.AEAD
	prefix  []byte
	counter uint32
	plain   []byte
	done    bool
}

// NewDecryptReader returns a reader yielding the plaintext of an encrypted stream
func NewDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	header := make([]byte, len(magic)+saltSize+prefixSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read encryption header: %w", err)
	}
	if string(header[:len(magic)]) != string(magic) {
		return nil, errors.New("artifact is not an encrypted backup")
	}

	salt := header[len(magic) : len(magic)+saltSize]
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	return &decryptReader{
		r:      r,
		gcm:    gcm,
		prefix: append([]byte(nil), header[len(magic)+saltSize:]...),
	}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.plain) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}

func (d *decryptReader) next() error {
	var length [4]byte
	if _, err := io.ReadFull(d.r, length[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > segmentSize {
		return errors.New("encrypted segment exceeds maximum size")
	}

	sealed := make([]byte, int(size)+d.gcm.Overhead())
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	nonce := segmentNonce(d.prefix, d.counter)
	plain, err := d.gcm.Open(nil, nonce, sealed, segmentAD(false))
	if err != nil {
		plain, err = d.gcm.Open(nil, nonce, sealed, segmentAD(true))
		if err != nil {
			return fmt.Errorf("failed to decrypt segment %d: wrong key or corrupted artifact", d.counter)
		}
		d.done = true
	}
	d.counter++
	d.plain = plain
	return nil
}
