package byteq

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureReadRoundTrip(t *testing.T) {
	q := New(0)
	go func() {
		_, _ = q.Write([]byte("hello world"))
		q.CloseProducer(nil)
	}()

	require.NoError(t, q.Ensure(5))
	assert.Equal(t, []byte("hello"), q.Read(5))
	assert.Equal(t, uint64(5), q.ConsumedTotal())

	require.NoError(t, q.Ensure(6))
	assert.Equal(t, []byte(" world"), q.Read(6))
}

func TestEnsureTruncated(t *testing.T) {
	q := New(0)
	go func() {
		_, _ = q.Write([]byte("ab"))
		q.CloseProducer(nil)
	}()

	// Wait for producer to finish before requiring more than it sent.
	_ = q.Ensure(2)
	err := q.Ensure(10)
	require.Error(t, err)
}

func TestPeekUint32LEDoesNotConsume(t *testing.T) {
	q := New(0)
	go func() {
		_, _ = q.Write([]byte{0x50, 0x4b, 0x03, 0x04, 0xff})
		q.CloseProducer(nil)
	}()

	v, ok, err := q.PeekUint32LE()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x04034b50), v)
	assert.Equal(t, uint64(0), q.ConsumedTotal())

	require.NoError(t, q.Ensure(5))
	assert.Equal(t, []byte{0x50, 0x4b, 0x03, 0x04, 0xff}, q.Read(5))
}

func TestStreamExact(t *testing.T) {
	q := New(0)
	go func() {
		_, _ = q.Write([]byte("0123456789"))
		q.CloseProducer(nil)
	}()

	r := q.StreamExact(5)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(got))
}

func TestStreamUnknown(t *testing.T) {
	q := New(0)
	go func() {
		_, _ = q.Write([]byte("abc"))
		_, _ = q.Write([]byte("def"))
		q.CloseProducer(nil)
	}()

	got, err := io.ReadAll(q.StreamUnknown())
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
}

func TestDiscardFutureAbsorbsWrites(t *testing.T) {
	q := New(0)
	_, _ = q.Write([]byte("buffered"))
	q.DiscardFuture()

	n, err := q.Write([]byte("more data"))
	require.NoError(t, err)
	assert.Equal(t, len("more data"), n)
}
