// Package entryproc implements the per-entry pipeline: decompressed raw
// bytes in, a tap that accumulates SHA-256, CRC-32, and size, Brotli
// compression out to a fresh CAS temp file, and an atomic commit.
package entryproc

import (
	"crypto/sha256"
	"hash"
	"hash/crc32"
	"io"

	"github.com/filecas/filecas/internal/errs"
)

// Tap wraps an io.Reader, accumulating a SHA-256 digest, a CRC-32
// (IEEE/zip polynomial, matching hash/crc32's default table exactly) and
// a running byte count of everything read through it. If maxBytes is
// nonzero, reading more than that many bytes fails with
// errs.KindFileTooLarge.
type Tap struct {
	r        io.Reader
	sha      hash.Hash
	crc      hash.Hash32
	size     uint64
	maxBytes uint64
}

// NewTap creates a Tap over r. maxBytes of 0 disables the size cap.
func NewTap(r io.Reader, maxBytes uint64) *Tap {
	return &Tap{
		r:        r,
		sha:      sha256.New(),
		crc:      crc32.NewIEEE(),
		maxBytes: maxBytes,
	}
}

// Read implements io.Reader.
func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.sha.Write(p[:n])  //nolint:errcheck // hash.Hash.Write never fails
		t.crc.Write(p[:n])  //nolint:errcheck // hash.Hash.Write never fails
		t.size += uint64(n) //nolint:gosec // n is non-negative by io.Reader contract
		if t.maxBytes != 0 && t.size > t.maxBytes {
			return n, errs.New(errs.KindFileTooLarge, "entry exceeds max file size")
		}
	}
	return n, err
}

// SHA256 returns the SHA-256 sum of every byte read so far.
func (t *Tap) SHA256() []byte { return t.sha.Sum(nil) }

// CRC32 returns the CRC-32 (IEEE) checksum of every byte read so far.
func (t *Tap) CRC32() uint32 { return t.crc.Sum32() }

// Size returns the number of bytes read so far.
func (t *Tap) Size() uint64 { return t.size }
