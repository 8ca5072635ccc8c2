// Package byteq implements the asynchronous byte reservoir that sits
// between the HTTP body producer (via the spool tee) and the forward ZIP
// stream reader. It is a single-producer, single-consumer byte pipe with
// a bounded in-memory buffer for backpressure, precise uint32-LE peeking,
// and the ability to switch into a "discard future output" mode once the
// streaming phase has given up on the rest of the body.
package byteq

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/filecas/filecas/internal/errs"
)

// DefaultHighWater is the default number of buffered-but-unread bytes
// above which Write blocks until the consumer catches up.
const DefaultHighWater = 1 << 20 // 1 MiB

// Queue is a byte reservoir fed by one producer goroutine (Write,
// CloseProducer) and drained by one consumer goroutine (Ensure, Read,
// PeekUint32LE, StreamExact, StreamUnknown, DiscardFuture).
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte // unread bytes, oldest first
	ended     bool   // producer called CloseProducer
	endErr    error  // non-nil if producer ended abnormally
	discard   bool   // DiscardFuture was called
	highWater int

	consumedTotal uint64
}

// New creates a Queue with the given high-water mark for producer
// backpressure. A highWater of 0 uses DefaultHighWater.
func New(highWater int) *Queue {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	q := &Queue{highWater: highWater}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write implements io.Writer for the producer side. It blocks while the
// buffered-but-unread bytes exceed the high-water mark, unless the queue
// has switched to discard mode, in which case the bytes are silently
// absorbed.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ended {
		return 0, io.ErrClosedPipe
	}
	if q.discard {
		return len(p), nil
	}

	for len(q.buf) >= q.highWater && !q.discard {
		q.cond.Wait()
	}
	if q.discard {
		return len(p), nil
	}

	q.buf = append(q.buf, p...)
	q.cond.Broadcast()
	return len(p), nil
}

// CloseProducer signals that the producer has finished. err is nil for a
// graceful end of input, non-nil if the upload failed or was cancelled.
func (q *Queue) CloseProducer(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return
	}
	q.ended = true
	q.endErr = err
	q.cond.Broadcast()
}

// Ensure blocks until at least n bytes are buffered or the producer has
// ended. It returns *errs.Error{Kind: KindInputTruncated} if the stream
// ends before n bytes are available (and the producer did not report its
// own error, which is returned verbatim instead).
func (q *Queue) Ensure(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) < n && !q.ended {
		q.cond.Wait()
	}
	if len(q.buf) >= n {
		return nil
	}
	if q.endErr != nil {
		return q.endErr
	}
	return errs.New(errs.KindInputTruncated, "producer ended mid-frame")
}

// Read consumes and returns exactly n bytes. The caller must have called
// Ensure(n) first (or know the bytes are already buffered); Read panics
// if fewer than n bytes are available, since that indicates a caller bug
// rather than a recoverable I/O condition.
func (q *Queue) Read(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) < n {
		panic("byteq: Read called without Ensure")
	}
	out := make([]byte, n)
	copy(out, q.buf[:n])
	q.buf = q.buf[n:]
	q.consumedTotal += uint64(n)
	q.cond.Broadcast()
	return out
}

// PeekUint32LE performs a non-consuming 4-byte little-endian read. ok is
// false if fewer than 4 bytes will ever be available (producer ended).
func (q *Queue) PeekUint32LE() (value uint32, ok bool, err error) {
	_ = q.Ensure(4) // best-effort wait; insufficient bytes is reported via ok below
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) < 4 {
		return 0, false, nil
	}
	return binary.LittleEndian.Uint32(q.buf[:4]), true, nil
}

// ConsumedTotal returns the monotonic count of bytes returned by Read,
// used to compute local-header offsets.
func (q *Queue) ConsumedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumedTotal
}

// StreamExact returns an io.Reader yielding exactly n bytes from the
// queue. The returned reader is finite and not restartable.
func (q *Queue) StreamExact(n int) io.Reader {
	return &exactReader{q: q, remaining: n}
}

type exactReader struct {
	q         *Queue
	remaining int
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	want := len(p)
	if want > r.remaining {
		want = r.remaining
	}
	if want == 0 {
		return 0, nil
	}
	chunk := want
	if chunk > 64<<10 {
		chunk = 64 << 10
	}
	if err := r.q.Ensure(chunk); err != nil {
		return 0, err
	}
	b := r.q.Read(chunk)
	n := copy(p, b)
	r.remaining -= n
	return n, nil
}

// StreamUnknown returns an io.Reader that yields bytes from the queue
// until the producer ends. The returned reader is finite and not
// restartable.
func (q *Queue) StreamUnknown() io.Reader {
	return &unknownReader{q: q}
}

type unknownReader struct {
	q *Queue
}

func (r *unknownReader) Read(p []byte) (int, error) {
	q := r.q
	q.mu.Lock()
	for len(q.buf) == 0 && !q.ended {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		err := q.endErr
		q.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	q.consumedTotal += uint64(n)
	q.cond.Broadcast()
	q.mu.Unlock()
	return n, nil
}

// DiscardFuture drops all currently buffered bytes and switches the
// queue into a mode where subsequent Write calls are silently absorbed
// without error. Used once the ZIP stream reader has determined the
// streaming phase is complete (it saw a central-directory or EOCD
// signature, or an unrecognized one) and the remaining body is of no
// further interest to it.
func (q *Queue) DiscardFuture() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
	q.discard = true
	q.cond.Broadcast()
}
