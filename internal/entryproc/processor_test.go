package entryproc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/filecas/filecas/internal/cas"
	"github.com/filecas/filecas/internal/errs"
)

func TestProcessCommitsAndHashesDigest(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	content := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200)
	p := New(store, 0)

	res, err := p.Process(context.Background(), strings.NewReader(content))
	require.NoError(t, err)

	want := digest.FromBytes([]byte(content))
	require.Equal(t, want, res.SHA256)
	require.True(t, store.HasObject(want))

	f, err := store.OpenObject(want)
	require.NoError(t, err)
	defer f.Close()

	br := brotli.NewReader(f)
	got, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
}

func TestProcessRejectsOversizeEntry(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	p := New(store, 10)
	_, err = p.Process(context.Background(), bytes.NewReader(make([]byte, 100)))
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindFileTooLarge, kind)
}

func TestProcessDedupesIdenticalContent(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	p := New(store, 0)
	content := "duplicate payload"

	res1, err := p.Process(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	res2, err := p.Process(context.Background(), strings.NewReader(content))
	require.NoError(t, err)

	require.Equal(t, res1.SHA256, res2.SHA256)
	require.Equal(t, res1.CRC32, res2.CRC32)
}

func TestProcessCancelledContext(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(store, 0)
	_, err = p.Process(ctx, strings.NewReader("irrelevant"))
	require.ErrorIs(t, err, context.Canceled)
}
