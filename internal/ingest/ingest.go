// Package ingest wires the byte-queue, spool tee, ZIP stream reader,
// entry processor, central directory reader, and CAS store together
// into a single ingest operation: streaming phase, then Central
// Directory reconciliation with fallback re-reads, then canonical
// manifest commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/flate"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/filecas/filecas/internal/byteq"
	"github.com/filecas/filecas/internal/cas"
	"github.com/filecas/filecas/internal/centraldir"
	"github.com/filecas/filecas/internal/entryproc"
	"github.com/filecas/filecas/internal/errs"
	"github.com/filecas/filecas/internal/manifest"
	"github.com/filecas/filecas/internal/pathutil"
	"github.com/filecas/filecas/internal/spool"
	"github.com/filecas/filecas/internal/zipstream"
)

// Limits bounds a single ingest. Zero disables the corresponding cap.
// MaxEntries and MaxTotalBytes are counted over the entries processed
// in the streaming phase only; entries resolved by Central Directory
// fallback do not count toward them. MaxFileBytes applies to every
// entry, and MaxZipBytes to the whole upload.
type Limits struct {
	MaxEntries    uint64
	MaxFileBytes  uint64
	MaxTotalBytes uint64
	MaxZipBytes   int64
}

// Orchestrator runs ingests against a single CAS store.
type Orchestrator struct {
	store     *cas.Store
	limits    Limits
	keepSpool bool
	log       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeepSpool retains the spool file after a successful ingest
// instead of unlinking it, for operator debugging.
func WithKeepSpool(keep bool) Option {
	return func(o *Orchestrator) { o.keepSpool = keep }
}

// WithLogger overrides the orchestrator's logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator over store, enforcing limits.
func New(store *cas.Store, limits Limits, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: store, limits: limits, log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the outcome of a successful ingest.
type Result struct {
	Manifest   manifest.Manifest
	FilesetID  digest.Digest
	UpdatedRef string // empty if update_ref was not requested
}

// streamedEntry is a processed entry from the streaming phase, keyed by
// local header offset.
type streamedEntry struct {
	result entryproc.Result
	crc32  uint32
}

// Ingest reads a ZIP archive from body, processes it through the
// streaming and reconciliation phases, and commits its canonical
// manifest (and, if ref is non-empty, a ref pointing at it).
func (o *Orchestrator) Ingest(ctx context.Context, body io.Reader, ref string) (*Result, error) {
	q := byteq.New(0)
	tee, err := spool.New(o.store.TmpDir(), q, o.limits.MaxZipBytes)
	if err != nil {
		return nil, fmt.Errorf("ingest: create spool: %w", err)
	}

	proc := entryproc.New(o.store, o.limits.MaxFileBytes)
	streamed := make(map[uint64]streamedEntry)
	var warnings []string
	var entryCount, totalBytes uint64

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return tee.Run(egCtx, body) })
	eg.Go(func() error {
		err := o.runStreamingPhase(egCtx, q, proc, streamed, &warnings, &entryCount, &totalBytes)
		if err != nil {
			// The queue does not watch the context: release a tee
			// writer that may be blocked on a full queue.
			q.DiscardFuture()
		}
		return err
	})

	if err := eg.Wait(); err != nil {
		_ = tee.Close()
		return nil, err
	}

	result, err := o.reconcile(ctx, tee.SpoolPath(), proc, streamed, warnings, ref)

	if o.keepSpool && err == nil {
		o.log.Info("retained spool path", "path", tee.SpoolPath())
	} else if removeErr := os.Remove(tee.SpoolPath()); removeErr != nil && !os.IsNotExist(removeErr) {
		o.log.Warn("failed to remove spool file", "path", tee.SpoolPath(), "error", removeErr)
	}

	return result, err
}

// runStreamingPhase drives the ZIP stream reader over q, processing
// every entry it can safely parse in a single forward pass.
func (o *Orchestrator) runStreamingPhase(
	ctx context.Context,
	q *byteq.Queue,
	proc *entryproc.Processor,
	streamed map[uint64]streamedEntry,
	warnings *[]string,
	entryCount, totalBytes *uint64,
) error {
	zr := zipstream.New(q)

	for {
		h, ok, err := zr.Next()
		if err != nil {
			var deferred *zipstream.DeferredError
			if errors.As(err, &deferred) {
				*warnings = append(*warnings, deferred.Error())
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}

		*entryCount++
		if o.limits.MaxEntries > 0 && *entryCount > o.limits.MaxEntries {
			return errs.New(errs.KindTooManyEntries, "entry count exceeds maximum")
		}

		raw, err := rawBodyReader(h.Method, zr.Body(h))
		if err != nil {
			return err
		}

		res, err := proc.Process(ctx, raw)
		if err != nil {
			return err
		}

		*totalBytes += res.RawSize
		if o.limits.MaxTotalBytes > 0 && *totalBytes > o.limits.MaxTotalBytes {
			return errs.New(errs.KindTotalTooLarge, "total uncompressed size exceeds maximum")
		}

		if h.UncompressedSize != 0 && res.RawSize != h.UncompressedSize {
			return errs.New(errs.KindSizeCRCMismatch, "size mismatch (local header)")
		}
		if h.CRC32 != 0 && res.CRC32 != h.CRC32 {
			return errs.New(errs.KindSizeCRCMismatch, "crc mismatch (local header)")
		}

		streamed[h.LocalHeaderOffset] = streamedEntry{result: *res, crc32: res.CRC32}
	}
}

// rawBodyReader wraps body with a raw-DEFLATE decoder for method 8, or
// passes it through unchanged for method 0.
func rawBodyReader(method uint16, body io.Reader) (io.Reader, error) {
	switch method {
	case 0:
		return body, nil
	case 8:
		return flate.NewReader(body), nil
	default:
		return nil, errs.New(errs.KindUnsupportedMethod, fmt.Sprintf("method %d", method))
	}
}

// reconcile reads the Central Directory from the spool, cross-checks it
// against the streamed results, falls back to random-access re-reads
// for anything missing, builds the canonical manifest, and commits it
// (plus an optional ref).
func (o *Orchestrator) reconcile(
	ctx context.Context,
	spoolPath string,
	proc *entryproc.Processor,
	streamed map[uint64]streamedEntry,
	warnings []string,
	ref string,
) (*Result, error) {
	f, err := os.Open(spoolPath) //nolint:gosec // spoolPath is a path we created ourselves
	if err != nil {
		return nil, fmt.Errorf("ingest: open spool: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ingest: stat spool: %w", err)
	}

	cdEntries, cdWarnings, err := centraldir.Read(f, info.Size())
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, cdWarnings...)

	byPath := make(map[string]int) // path -> index into files
	var files []manifest.File

	for _, cd := range cdEntries {
		if cd.IsDirectory {
			continue
		}
		if cd.Method != 0 && cd.Method != 8 {
			return nil, errs.New(errs.KindUnsupportedMethod, "unsupported method in central directory")
		}

		path, err := pathutil.Normalize(cd.Path)
		if err != nil {
			return nil, err
		}
		if path == "" {
			continue
		}

		var rawSize uint64
		var sha256hex digest.Digest

		if se, found := streamed[cd.LocalHeaderOffset]; found {
			if se.result.RawSize != cd.UncompressedSize || se.crc32 != cd.CRC32 {
				return nil, errs.New(errs.KindSizeCRCMismatch, fmt.Sprintf("size/crc mismatch vs central directory for %s", path))
			}
			rawSize = se.result.RawSize
			sha256hex = se.result.SHA256
		} else {
			res, err := o.fallbackProcess(ctx, f, cd, proc)
			if err != nil {
				return nil, err
			}
			rawSize = res.RawSize
			sha256hex = res.SHA256
		}

		entry := manifest.File{Path: path, SHA256: sha256hex.Encoded(), Size: rawSize}
		if idx, dup := byPath[path]; dup {
			files[idx] = entry
			warnings = append(warnings, fmt.Sprintf("Duplicate path: %s (last wins)", path))
		} else {
			byPath[path] = len(files)
			files = append(files, entry)
		}
	}

	m := manifest.Build(files, warnings)
	data, err := manifest.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal manifest: %w", err)
	}

	id, err := digest.Parse("sha256:" + m.FilesetID)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse fileset id: %w", err)
	}
	if err := o.store.PutManifest(id, data); err != nil {
		return nil, fmt.Errorf("ingest: commit manifest: %w", err)
	}

	result := &Result{Manifest: m, FilesetID: id}
	if ref != "" {
		if err := o.store.PutRef(ref, id); err != nil {
			return nil, fmt.Errorf("ingest: update ref: %w", err)
		}
		result.UpdatedRef = ref
	}

	o.log.Info("ingest complete",
		"fileset_id", m.FilesetID,
		"file_count", m.FileCount,
		"total_bytes", m.TotalBytes,
		"warnings", len(m.Warnings),
	)

	return result, nil
}

// fallbackProcess re-reads a CD entry's compressed body directly from
// the spool file by random access, for entries the streaming phase
// never resolved (deferred data-descriptor entries, or anything after
// them that the stream reader gave up on).
func (o *Orchestrator) fallbackProcess(ctx context.Context, f *os.File, cd centraldir.Entry, proc *entryproc.Processor) (*entryproc.Result, error) {
	lfh := make([]byte, 30)
	off := int64(cd.LocalHeaderOffset) //nolint:gosec // bounded by real archive sizes
	if _, err := f.ReadAt(lfh, off); err != nil {
		return nil, errs.Wrap(errs.KindSignatureMismatch, err, "reading local header for fallback")
	}
	if lfh[0] != 0x50 || lfh[1] != 0x4b || lfh[2] != 0x03 || lfh[3] != 0x04 {
		return nil, errs.New(errs.KindSignatureMismatch, "local header signature mismatch during fallback")
	}

	nameLen := int64(lfh[26]) | int64(lfh[27])<<8
	extraLen := int64(lfh[28]) | int64(lfh[29])<<8
	dataStart := off + 30 + nameLen + extraLen

	section := io.NewSectionReader(f, dataStart, int64(cd.CompressedSize)) //nolint:gosec // bounded by real archive sizes

	raw, err := rawBodyReader(cd.Method, section)
	if err != nil {
		return nil, err
	}

	res, err := proc.Process(ctx, raw)
	if err != nil {
		return nil, err
	}
	if res.RawSize != cd.UncompressedSize || res.CRC32 != cd.CRC32 {
		return nil, errs.New(errs.KindSizeCRCMismatch, fmt.Sprintf("fallback size/crc mismatch for %s", cd.Path))
	}
	return res, nil
}
