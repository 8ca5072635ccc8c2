// Package zipstream implements the forward, single-pass ZIP parser that
// reads local file headers and entry bodies directly off the byte-queue
// fed by the upload's spool tee.
package zipstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/filecas/filecas/internal/byteq"
	"github.com/filecas/filecas/internal/errs"
	"github.com/filecas/filecas/internal/zipfmt"
)

// Header is a streaming-phase Local File Header, with ZIP64 extras
// already substituted in.
type Header struct {
	LocalHeaderOffset uint64
	NameRaw           []byte
	Extra             []byte
	Method            uint16
	Flags             uint16
	CompressedSize    uint64
	UncompressedSize  uint64
	CRC32             uint32
}

// HasDataDescriptor reports whether flag bit 3 is set.
func (h *Header) HasDataDescriptor() bool {
	return h.Flags&zipfmt.FlagDataDescriptor != 0
}

// DeferredError is returned by Next when an entry with a data
// descriptor is encountered. For STORE+DD, the body length can't be
// known without scanning for a descriptor signature that might collide
// with payload bytes (spec's own documented reason). For DEFLATE+DD,
// the compressed stream is in principle self-terminating, but this
// reader defers it to the same fallback rather than decode it inline:
// klauspost/compress/flate (like the standard library's compress/flate)
// may read ahead into its own internal buffer by more than the
// compressed stream actually needs, and that overread is not something
// this reader can safely recover from the shared queue afterward. This
// is a deliberate, recorded implementation choice (see DESIGN.md), not
// an unresolved question: both cases defer to central directory
// reconciliation via random access to the spool (see §4.7), which
// independently verifies size and CRC-32 against the authoritative
// record either way.
type DeferredError struct {
	Offset uint64
	Method uint16
}

func (e *DeferredError) Error() string {
	if e.Method == zipfmt.MethodStore {
		return fmt.Sprintf("Deferred STORE+DD at offset %d", e.Offset)
	}
	return fmt.Sprintf("Deferred DEFLATE+DD at offset %d (resolved via central directory fallback)", e.Offset)
}

// Reader is a forward, single-pass ZIP parser over a byte-queue.
type Reader struct {
	q *byteq.Queue
}

// New creates a Reader over q.
func New(q *byteq.Queue) *Reader {
	return &Reader{q: q}
}

// Next returns the next entry's header, or ok=false once the streaming
// phase has determined there are no more entries it can safely parse
// (central directory or EOCD signature seen, an unrecognized signature,
// or the producer ended). When ok is false because a signature ended
// the phase or an entry was deferred, the queue has already been
// switched to discard-future mode; it is not switched when the producer
// ended or an error is returned. A *DeferredError is returned (with
// ok=false) when a data-descriptor entry (STORE or DEFLATE) ends the
// streaming phase early; the caller should log it as a warning, not
// treat it as fatal.
func (r *Reader) Next() (*Header, bool, error) {
	sig, present, err := r.q.PeekUint32LE()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}

	switch sig {
	case zipfmt.SigCentralDirHeader, zipfmt.SigEOCD:
		r.q.DiscardFuture()
		return nil, false, nil
	case zipfmt.SigLocalFileHeader:
		// fall through to header parsing below
	default:
		r.q.DiscardFuture()
		return nil, false, nil
	}

	offset := r.q.ConsumedTotal()
	if err := r.q.Ensure(30); err != nil {
		return nil, false, err
	}
	lfh := r.q.Read(30)

	h := &Header{
		LocalHeaderOffset: offset,
		Method:            binary.LittleEndian.Uint16(lfh[8:10]),
		Flags:             binary.LittleEndian.Uint16(lfh[6:8]),
		CRC32:             binary.LittleEndian.Uint32(lfh[14:18]),
		CompressedSize:    uint64(binary.LittleEndian.Uint32(lfh[18:22])),
		UncompressedSize:  uint64(binary.LittleEndian.Uint32(lfh[22:26])),
	}
	nameLen := binary.LittleEndian.Uint16(lfh[26:28])
	extraLen := binary.LittleEndian.Uint16(lfh[28:30])

	if err := r.q.Ensure(int(nameLen) + int(extraLen)); err != nil {
		return nil, false, err
	}
	h.NameRaw = r.q.Read(int(nameLen))
	h.Extra = r.q.Read(int(extraLen))

	if h.Method != zipfmt.MethodStore && h.Method != zipfmt.MethodDeflate {
		return nil, false, errs.New(errs.KindUnsupportedMethod, fmt.Sprintf("method %d at offset %d", h.Method, offset))
	}

	needUncompressed := h.UncompressedSize == uint64(zipfmt.Sentinel32)
	needCompressed := h.CompressedSize == uint64(zipfmt.Sentinel32)
	if needUncompressed || needCompressed {
		fields, err := zipfmt.ParseZip64Extra(h.Extra, needUncompressed, needCompressed, false, false)
		if err != nil {
			return nil, false, err
		}
		if needUncompressed {
			h.UncompressedSize = fields.UncompressedSize
		}
		if needCompressed {
			h.CompressedSize = fields.CompressedSize
		}
	}

	if h.HasDataDescriptor() {
		r.q.DiscardFuture()
		return h, false, &DeferredError{Offset: offset, Method: h.Method}
	}

	return h, true, nil
}

// Body returns a reader over the entry's raw (still-compressed) body
// bytes. Next never returns ok=true for a data-descriptor entry, so by
// the time Body is called the length is always known from the header.
func (r *Reader) Body(h *Header) io.Reader {
	return r.q.StreamExact(int(h.CompressedSize))
}
