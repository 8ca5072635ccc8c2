package zipstream

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecas/filecas/internal/byteq"
)

func feed(t *testing.T, data []byte) *byteq.Queue {
	t.Helper()
	q := byteq.New(0)
	go func() {
		_, _ = q.Write(data)
		q.CloseProducer(nil)
	}()
	return q
}

func localHeader(name string, flags, method uint16, crc, csize, usize uint32) []byte {
	hdr := make([]byte, 30+len(name))
	binary.LittleEndian.PutUint32(hdr[0:4], 0x04034b50)
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	binary.LittleEndian.PutUint16(hdr[8:10], method)
	binary.LittleEndian.PutUint32(hdr[14:18], crc)
	binary.LittleEndian.PutUint32(hdr[18:22], csize)
	binary.LittleEndian.PutUint32(hdr[22:26], usize)
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(name)))
	copy(hdr[30:], name)
	return hdr
}

func TestNextParsesStoreEntry(t *testing.T) {
	payload := []byte("hello\n")
	data := append(localHeader("hello.txt", 0, 0, 0xdeadbeef, uint32(len(payload)), uint32(len(payload))), payload...)

	q := feed(t, data)
	r := New(q)

	h, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello.txt", string(h.NameRaw))
	require.Equal(t, uint64(6), h.CompressedSize)

	body, err := io.ReadAll(r.Body(h))
	require.NoError(t, err)
	require.Equal(t, payload, body)
}

func TestNextDefersStoreDataDescriptorEntry(t *testing.T) {
	data := localHeader("a.txt", 0x0008, 0, 0, 0, 0)

	q := feed(t, data)
	r := New(q)

	h, ok, err := r.Next()
	require.False(t, ok)
	require.NotNil(t, h)
	var deferred *DeferredError
	require.ErrorAs(t, err, &deferred)
	require.Equal(t, uint64(0), deferred.Offset)
	require.Equal(t, uint16(0), deferred.Method)
	require.Equal(t, "Deferred STORE+DD at offset 0", deferred.Error())
}

func TestNextDefersDeflateDataDescriptorEntry(t *testing.T) {
	data := localHeader("b.txt", 0x0008, 8, 0, 0, 0)

	q := feed(t, data)
	r := New(q)

	h, ok, err := r.Next()
	require.False(t, ok)
	require.NotNil(t, h)
	var deferred *DeferredError
	require.ErrorAs(t, err, &deferred)
	require.Equal(t, uint64(0), deferred.Offset)
	require.Equal(t, uint16(8), deferred.Method)
	require.Equal(t, "Deferred DEFLATE+DD at offset 0 (resolved via central directory fallback)", deferred.Error())
}

func TestNextStopsAtCentralDirectorySignature(t *testing.T) {
	cd := make([]byte, 4)
	binary.LittleEndian.PutUint32(cd, 0x02014b50)

	q := feed(t, cd)
	r := New(q)

	h, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, h)
}

func TestNextStopsOnEmptyInput(t *testing.T) {
	q := feed(t, nil)
	r := New(q)

	h, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, h)
}

func TestNextRejectsUnsupportedMethod(t *testing.T) {
	data := localHeader("x.bin", 0, 99, 0, 0, 0)

	q := feed(t, data)
	r := New(q)

	_, _, err := r.Next()
	require.Error(t, err)
}
