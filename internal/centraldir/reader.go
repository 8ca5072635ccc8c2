// Package centraldir implements the random-access parser over the spool
// file that locates the End Of Central Directory record (plus its ZIP64
// locator and record when needed) and enumerates Central Directory
// entries with their authoritative sizes, CRCs, offsets, and filenames.
package centraldir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"

	"github.com/filecas/filecas/internal/errs"
	"github.com/filecas/filecas/internal/zipfmt"
)

// maxEOCDCommentWindow bounds the EOCD search window: the maximum
// 16-bit comment length (65535) plus the fixed 22-byte record.
const maxEOCDCommentWindow = 65535 + 22

// Entry is a single Central Directory record with ZIP64 substitution
// already applied and its filename decoded (but not yet path-normalized;
// that is internal/pathutil's job).
type Entry struct {
	LocalHeaderOffset uint64
	Path              string
	IsDirectory       bool
	Method            uint16
	Flags             uint16
	CompressedSize    uint64
	UncompressedSize  uint64
	CRC32             uint32
}

// Read parses the Central Directory of the archive stored in ra (a
// spool file of the given size). It returns the decoded entries in
// on-disk order and any non-fatal warnings (e.g. a missing ZIP64
// locator).
func Read(ra io.ReaderAt, size int64) ([]Entry, []string, error) {
	var warnings []string

	eocdOff, rec, err := findEOCD(ra, size)
	if err != nil {
		return nil, nil, err
	}

	totalEntries16 := binary.LittleEndian.Uint16(rec[10:12])
	cdSize32 := binary.LittleEndian.Uint32(rec[12:16])
	cdOff32 := binary.LittleEndian.Uint32(rec[16:20])

	needsZip64 := totalEntries16 == zipfmt.Sentinel16 || cdSize32 == zipfmt.Sentinel32 || cdOff32 == zipfmt.Sentinel32

	cdSize := uint64(cdSize32)
	cdOff := uint64(cdOff32)

	if needsZip64 {
		locOff := eocdOff - 20
		foundLocator := false
		if locOff >= 0 {
			locBuf := make([]byte, 20)
			if _, err := readAt(ra, locBuf, locOff); err == nil {
				if binary.LittleEndian.Uint32(locBuf[0:4]) == zipfmt.SigEOCD64Locator {
					eocd64Off := int64(binary.LittleEndian.Uint64(locBuf[8:16])) //nolint:gosec // file offsets bounded by real file sizes
					eocd64Buf := make([]byte, 56)
					if _, err := readAt(ra, eocd64Buf, eocd64Off); err == nil &&
						binary.LittleEndian.Uint32(eocd64Buf[0:4]) == zipfmt.SigEOCD64 {
						cdSize = binary.LittleEndian.Uint64(eocd64Buf[40:48])
						cdOff = binary.LittleEndian.Uint64(eocd64Buf[48:56])
						foundLocator = true
					}
				}
			}
		}
		if !foundLocator {
			warnings = append(warnings, "Zip64 needed but Zip64 locator not found; using 32-bit CD fields")
		}
	}

	entries, err := readEntries(ra, cdOff, cdSize)
	if err != nil {
		return nil, nil, err
	}
	return entries, warnings, nil
}

func readEntries(ra io.ReaderAt, cdOff, cdSize uint64) ([]Entry, error) {
	var entries []Entry
	pos := int64(cdOff) //nolint:gosec // bounded by real archive sizes
	end := pos + int64(cdSize)

	for pos < end {
		hdr := make([]byte, 46)
		if _, err := readAt(ra, hdr, pos); err != nil {
			return nil, errs.Wrap(errs.KindSignatureMismatch, err, "reading central directory header")
		}
		if binary.LittleEndian.Uint32(hdr[0:4]) != zipfmt.SigCentralDirHeader {
			return nil, errs.New(errs.KindSignatureMismatch, fmt.Sprintf("expected central directory signature at %d", pos))
		}

		flags := binary.LittleEndian.Uint16(hdr[8:10])
		method := binary.LittleEndian.Uint16(hdr[10:12])
		crc32 := binary.LittleEndian.Uint32(hdr[16:20])
		compressedSize := uint64(binary.LittleEndian.Uint32(hdr[20:24]))
		uncompressedSize := uint64(binary.LittleEndian.Uint32(hdr[24:28]))
		nameLen := binary.LittleEndian.Uint16(hdr[28:30])
		extraLen := binary.LittleEndian.Uint16(hdr[30:32])
		commentLen := binary.LittleEndian.Uint16(hdr[32:34])
		localHeaderOffset := uint64(binary.LittleEndian.Uint32(hdr[42:46]))

		nameBuf := make([]byte, nameLen)
		if _, err := readAt(ra, nameBuf, pos+46); err != nil {
			return nil, errs.Wrap(errs.KindSignatureMismatch, err, "reading central directory filename")
		}
		extraBuf := make([]byte, extraLen)
		if _, err := readAt(ra, extraBuf, pos+46+int64(nameLen)); err != nil {
			return nil, errs.Wrap(errs.KindSignatureMismatch, err, "reading central directory extra field")
		}

		needUncompressed := uncompressedSize == uint64(zipfmt.Sentinel32)
		needCompressed := compressedSize == uint64(zipfmt.Sentinel32)
		needOffset := localHeaderOffset == uint64(zipfmt.Sentinel32)
		if needUncompressed || needCompressed || needOffset {
			fields, err := zipfmt.ParseZip64Extra(extraBuf, needUncompressed, needCompressed, needOffset, false)
			if err != nil {
				return nil, err
			}
			if needUncompressed {
				uncompressedSize = fields.UncompressedSize
			}
			if needCompressed {
				compressedSize = fields.CompressedSize
			}
			if needOffset {
				localHeaderOffset = fields.LocalHeaderOffset
			}
		}

		name := decodeFilename(nameBuf, flags, extraBuf)

		entries = append(entries, Entry{
			LocalHeaderOffset: localHeaderOffset,
			Path:              name,
			IsDirectory:       len(name) > 0 && name[len(name)-1] == '/',
			Method:            method,
			Flags:             flags,
			CompressedSize:    compressedSize,
			UncompressedSize:  uncompressedSize,
			CRC32:             crc32,
		})

		pos += 46 + int64(nameLen) + int64(extraLen) + int64(commentLen)
	}
	return entries, nil
}

// decodeFilename applies the filename decoding order from spec.md §4.3:
// UTF-8 flag -> Unicode Path Extra Field -> Shift-JIS (strict) -> Latin-1.
func decodeFilename(raw []byte, flags uint16, extra []byte) string {
	if flags&zipfmt.FlagUTF8 != 0 {
		return string(raw)
	}
	if override, ok := zipfmt.ParseUnicodePathExtra(extra); ok {
		return override
	}
	if decoded, err := decodeStrict(japanese.ShiftJIS.NewDecoder(), raw); err == nil {
		return decoded
	}
	decoded, err := decodeStrict(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		// Latin-1 accepts every byte sequence; this path is unreachable
		// but keeps decodeFilename from silently losing bytes if that
		// ever stops being true.
		return string(raw)
	}
	return decoded
}

// decodeStrict decodes raw with dec and fails if the decoder reported an
// error or substituted U+FFFD, which x/text decoders emit for invalid
// input instead of returning an error.
func decodeStrict(dec *encoding.Decoder, raw []byte) (string, error) {
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", err
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", errors.New("centraldir: invalid byte sequence")
	}
	return string(out), nil
}

// findEOCD scans the last min(size, 65557) bytes of ra for the EOCD
// signature, scanning backwards, and returns its file offset plus the
// fixed 22-byte record starting there.
func findEOCD(ra io.ReaderAt, size int64) (int64, []byte, error) {
	windowSize := int64(maxEOCDCommentWindow)
	if windowSize > size {
		windowSize = size
	}
	start := size - windowSize
	if start < 0 {
		start = 0
	}

	window := make([]byte, size-start)
	if _, err := readAt(ra, window, start); err != nil {
		return 0, nil, errs.Wrap(errs.KindSignatureMismatch, err, "reading EOCD search window")
	}

	for i := len(window) - 4; i >= 0; i-- {
		if binary.LittleEndian.Uint32(window[i:i+4]) != zipfmt.SigEOCD {
			continue
		}
		recOff := start + int64(i)
		if len(window)-i < 22 {
			continue
		}
		rec := window[i : i+22]
		commentLen := binary.LittleEndian.Uint16(rec[20:22])
		if recOff+22+int64(commentLen) == size {
			return recOff, rec, nil
		}
	}
	return 0, nil, errs.New(errs.KindSignatureMismatch, "EOCD signature not found")
}

func readAt(ra io.ReaderAt, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.New(errs.KindSignatureMismatch, "negative file offset")
	}
	return io.ReadFull(&offsetReaderAt{ra: ra, off: off}, buf)
}

// offsetReaderAt adapts a single io.ReaderAt call at a fixed offset into
// an io.Reader for io.ReadFull.
type offsetReaderAt struct {
	ra  io.ReaderAt
	off int64
}

func (o *offsetReaderAt) Read(p []byte) (int, error) {
	n, err := o.ra.ReadAt(p, o.off)
	o.off += int64(n)
	return n, err
}
