// Package spool implements the duplicating read side of ingest: every
// chunk read from an upload body is written to both a durable on-disk
// spool file and the in-memory byte-queue that feeds the streaming ZIP
// reader, bounded by a running byte cap.
package spool

import (
	"context"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/filecas/filecas/internal/byteq"
	"github.com/filecas/filecas/internal/errs"
)

// Tee reads an upload body once and fans it out to a spool file and a
// byte-queue, enforcing a total byte cap across the whole body.
type Tee struct {
	dir      string
	maxBytes int64

	file  *os.File
	queue *byteq.Queue

	budget *semaphore.Weighted
	eg     *errgroup.Group
	ctx    context.Context //nolint:containedctx // captured from errgroup.WithContext for the Run goroutine
}

// New creates a Tee that spools into a fresh exclusive-create file under
// dir and feeds q, rejecting any body exceeding maxBytes (0 disables
// the cap) with errs.KindZipTooLarge.
func New(dir string, q *byteq.Queue, maxBytes int64) (*Tee, error) {
	f, err := os.CreateTemp(dir, "upload-*.zip")
	if err != nil {
		return nil, err
	}

	var budget *semaphore.Weighted
	if maxBytes > 0 {
		budget = semaphore.NewWeighted(maxBytes)
	}

	return &Tee{
		dir:      dir,
		maxBytes: maxBytes,
		file:     f,
		queue:    q,
		budget:   budget,
	}, nil
}

// SpoolPath returns the path of the spool file being written.
func (t *Tee) SpoolPath() string { return t.file.Name() }

// Run consumes body, writing every chunk to the spool file and the
// byte-queue, until body is exhausted or an error occurs. It blocks
// until the whole body has been durably written to the spool file (or
// an error terminates the tee), so callers can safely proceed to
// Central Directory reconciliation against SpoolPath() afterward.
//
// The byte-queue is always closed (for writing) before Run returns,
// whether it finished cleanly or was torn down by an error.
func (t *Tee) Run(ctx context.Context, body io.Reader) error {
	eg, egCtx := errgroup.WithContext(ctx)
	t.eg = eg
	t.ctx = egCtx

	chunks := make(chan []byte, 8)

	eg.Go(func() error {
		defer close(chunks)
		buf := make([]byte, 64<<10)
		for {
			if err := egCtx.Err(); err != nil {
				return err
			}
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				// A chunk larger than the whole budget can never be
				// granted in full; acquire at most maxBytes so it still
				// reaches the writer, whose running total rejects it.
				weight := int64(n)
				if t.budget != nil && weight > t.maxBytes {
					weight = t.maxBytes
				}
				if t.budget != nil {
					if acqErr := t.budget.Acquire(egCtx, weight); acqErr != nil {
						return acqErr
					}
				}
				select {
				case chunks <- chunk:
				case <-egCtx.Done():
					if t.budget != nil {
						t.budget.Release(weight)
					}
					return egCtx.Err()
				}
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	})

	eg.Go(func() error {
		var total int64
		var writeErr error
		for chunk := range chunks {
			total += int64(len(chunk))
			if t.maxBytes > 0 && total > t.maxBytes {
				writeErr = errs.New(errs.KindZipTooLarge, "upload exceeds maximum zip size")
				break
			}
			if _, err := t.file.Write(chunk); err != nil {
				writeErr = err
				break
			}
			if _, err := t.queue.Write(chunk); err != nil {
				writeErr = err
				break
			}
			if t.budget != nil {
				t.budget.Release(int64(len(chunk)))
			}
		}
		t.queue.CloseProducer(writeErr)
		if writeErr != nil {
			return writeErr
		}
		return t.file.Sync()
	})

	err := eg.Wait()
	_ = t.file.Close()
	if err != nil {
		_ = os.Remove(t.file.Name())
	}
	return err
}

// Close removes the spool file. Callers that want to keep the spool
// around for debugging should rename it elsewhere before calling Close.
func (t *Tee) Close() error {
	return os.Remove(t.file.Name())
}
