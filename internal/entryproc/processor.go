package entryproc

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"
	digest "github.com/opencontainers/go-digest"

	"github.com/filecas/filecas/internal/cas"
)

// BrotliQuality is the fixed encoder quality used for every stored
// object, per spec.md §4.5.
const BrotliQuality = 5

// Result is the outcome of processing one entry's raw bytes.
type Result struct {
	SHA256  digest.Digest
	RawSize uint64
	CRC32   uint32
}

// Processor runs the entry pipeline against a CAS store.
type Processor struct {
	store       *cas.Store
	maxFileSize uint64
}

// New creates a Processor committing into store, rejecting any entry
// whose raw size exceeds maxFileSize (0 disables the cap).
func New(store *cas.Store, maxFileSize uint64) *Processor {
	return &Processor{store: store, maxFileSize: maxFileSize}
}

// Process streams raw (already-decompressed) bytes through the tap,
// Brotli-compresses them to a fresh CAS temp file, and atomically
// commits the result. It returns the raw SHA-256, size, and CRC-32 of
// the content that passed through, regardless of whether this exact
// object was already present in the store.
func (p *Processor) Process(ctx context.Context, raw io.Reader) (*Result, error) {
	tmp, err := p.store.TempFile("obj")
	if err != nil {
		return nil, fmt.Errorf("entryproc: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	bw := brotli.NewWriterLevel(tmp, BrotliQuality)
	tap := NewTap(raw, p.maxFileSize)

	if _, err := copyContext(ctx, bw, tap); err != nil {
		bw.Close()
		tmp.Close()
		removeTemp(tmpPath)
		return nil, err
	}
	if err := bw.Close(); err != nil {
		tmp.Close()
		removeTemp(tmpPath)
		return nil, fmt.Errorf("entryproc: close brotli encoder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		removeTemp(tmpPath)
		return nil, fmt.Errorf("entryproc: close temp file: %w", err)
	}

	hash := digest.NewDigestFromBytes(digest.SHA256, tap.SHA256())
	if err := p.store.CommitObject(hash, tmpPath); err != nil {
		return nil, fmt.Errorf("entryproc: commit object: %w", err)
	}

	return &Result{SHA256: hash, RawSize: tap.Size(), CRC32: tap.CRC32()}, nil
}

func removeTemp(path string) {
	_ = os.Remove(path)
}

// copyContext is io.Copy with periodic context cancellation checks
// between chunks, so a cancelled ingest (client disconnect, cap
// overflow elsewhere in the pipeline) doesn't keep grinding through a
// large entry.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 64<<10)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
