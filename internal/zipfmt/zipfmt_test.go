package zipfmt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecas/filecas/internal/errs"
)

func extraRecord(tag uint16, data []byte) []byte {
	rec := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(rec[0:2], tag)
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(data)))
	copy(rec[4:], data)
	return rec
}

func TestParseZip64ExtraExactFieldCount(t *testing.T) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], 123456789)
	binary.LittleEndian.PutUint64(payload[8:16], 987654321)
	extra := extraRecord(TagZip64, payload)

	fields, err := ParseZip64Extra(extra, true, true, false, false)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), fields.UncompressedSize)
	require.Equal(t, uint64(987654321), fields.CompressedSize)
}

func TestParseZip64ExtraMissingRecord(t *testing.T) {
	_, err := ParseZip64Extra(nil, true, false, false, false)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindZip64Missing, kind)
}

func TestParseZip64ExtraTooShortForRequestedFields(t *testing.T) {
	payload := make([]byte, 8) // only one 8-byte field present
	extra := extraRecord(TagZip64, payload)

	_, err := ParseZip64Extra(extra, true, true, false, false)
	require.Error(t, err)
}

func TestParseUnicodePathExtra(t *testing.T) {
	data := append([]byte{1, 0xde, 0xad, 0xbe, 0xef}, []byte("日本.txt")...)
	extra := extraRecord(TagUnicodePath, data)

	name, ok := ParseUnicodePathExtra(extra)
	require.True(t, ok)
	require.Equal(t, "日本.txt", name)
}

func TestParseUnicodePathExtraAbsentTag(t *testing.T) {
	_, ok := ParseUnicodePathExtra(nil)
	require.False(t, ok)
}

func TestParseUnicodePathExtraWrongVersion(t *testing.T) {
	data := append([]byte{2, 0, 0, 0, 0}, []byte("ignored.txt")...)
	extra := extraRecord(TagUnicodePath, data)

	_, ok := ParseUnicodePathExtra(extra)
	require.False(t, ok)
}
