// Package zipfmt holds constants and extra-field parsers shared by the
// forward ZIP stream reader and the random-access central directory
// reader: signatures, the ZIP64 extra field, and the Unicode Path extra
// field.
package zipfmt

import (
	"encoding/binary"

	"github.com/filecas/filecas/internal/errs"
)

// Signatures.
const (
	SigLocalFileHeader  uint32 = 0x04034b50
	SigCentralDirHeader uint32 = 0x02014b50
	SigEOCD             uint32 = 0x06054b50
	SigEOCD64Locator    uint32 = 0x07064b50
	SigEOCD64           uint32 = 0x06064b50
	SigDataDescriptor   uint32 = 0x08074b50
)

// Extra field tags.
const (
	TagZip64       uint16 = 0x0001
	TagUnicodePath uint16 = 0x7075
)

// Sentinels indicating a ZIP64 extra field must supply the real value.
const (
	Sentinel32 uint32 = 0xFFFFFFFF
	Sentinel16 uint16 = 0xFFFF
)

// Methods supported by this implementation.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
)

// Flag bits.
const (
	FlagDataDescriptor uint16 = 0x0008
	FlagUTF8           uint16 = 0x0800 // bit 11
)

// Zip64Fields is the subset of ZIP64 values that can appear (in this
// fixed order) inside a tag-0x0001 extra field record.
type Zip64Fields struct {
	UncompressedSize  uint64
	CompressedSize    uint64
	LocalHeaderOffset uint64
	DiskStartNumber   uint32
}

// ParseZip64Extra scans extra for a tag-0x0001 record and decodes
// exactly the fields the caller asks for (in the fixed ZIP64 order:
// uncompressed size, compressed size, local header offset, disk start
// number), requiring that many 8/4-byte fields to be present. Any field
// not requested is left zero in the result.
func ParseZip64Extra(extra []byte, needUncompressed, needCompressed, needOffset, needDisk bool) (Zip64Fields, error) {
	var out Zip64Fields

	rec, err := findExtraRecord(extra, TagZip64)
	if err != nil {
		return out, err
	}
	if rec == nil {
		return out, errs.New(errs.KindZip64Missing, "zip64 extra field not present")
	}

	need := 0
	if needUncompressed {
		need += 8
	}
	if needCompressed {
		need += 8
	}
	if needOffset {
		need += 8
	}
	if needDisk {
		need += 4
	}
	if len(rec) < need {
		return out, errs.New(errs.KindZip64Missing, "zip64 extra field too short for required fields")
	}

	pos := 0
	if needUncompressed {
		out.UncompressedSize = binary.LittleEndian.Uint64(rec[pos : pos+8])
		pos += 8
	}
	if needCompressed {
		out.CompressedSize = binary.LittleEndian.Uint64(rec[pos : pos+8])
		pos += 8
	}
	if needOffset {
		out.LocalHeaderOffset = binary.LittleEndian.Uint64(rec[pos : pos+8])
		pos += 8
	}
	if needDisk {
		out.DiskStartNumber = binary.LittleEndian.Uint32(rec[pos : pos+4])
		pos += 4
	}
	return out, nil
}

// ParseUnicodePathExtra scans extra for a tag-0x7075 record with version
// byte 1 and returns its UTF-8 override name, if present.
func ParseUnicodePathExtra(extra []byte) (name string, ok bool) {
	rec, err := findExtraRecord(extra, TagUnicodePath)
	if err != nil || rec == nil {
		return "", false
	}
	if len(rec) < 5 {
		return "", false
	}
	if rec[0] != 1 {
		return "", false
	}
	// rec[1:5] is a CRC32 of the original name; the remainder is the
	// UTF-8 encoded name override.
	return string(rec[5:]), true
}

// findExtraRecord linearly scans a packed sequence of (tag uint16, size
// uint16, data[size]) records for the first one matching tag.
func findExtraRecord(extra []byte, tag uint16) ([]byte, error) {
	i := 0
	for i+4 <= len(extra) {
		t := binary.LittleEndian.Uint16(extra[i : i+2])
		size := binary.LittleEndian.Uint16(extra[i+2 : i+4])
		i += 4
		if i+int(size) > len(extra) {
			return nil, errs.New(errs.KindZip64Missing, "truncated extra field record")
		}
		if t == tag {
			return extra[i : i+int(size)], nil
		}
		i += int(size)
	}
	return nil, nil
}
