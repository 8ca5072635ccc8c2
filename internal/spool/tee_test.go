package spool

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecas/filecas/internal/byteq"
	"github.com/filecas/filecas/internal/errs"
)

func TestTeeDuplicatesToSpoolAndQueue(t *testing.T) {
	dir := t.TempDir()
	q := byteq.New(0)

	tee, err := New(dir, q, 0)
	require.NoError(t, err)

	content := strings.Repeat("payload-chunk ", 500)

	var got []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, _ = io.ReadAll(q.StreamUnknown())
	}()

	require.NoError(t, tee.Run(context.Background(), strings.NewReader(content)))
	<-done

	require.Equal(t, content, string(got))

	spooled, err := os.ReadFile(tee.SpoolPath())
	require.NoError(t, err)
	require.Equal(t, content, string(spooled))
}

func TestTeeEnforcesMaxBytes(t *testing.T) {
	dir := t.TempDir()
	q := byteq.New(0)

	tee, err := New(dir, q, 10)
	require.NoError(t, err)

	drain := make(chan struct{})
	go func() {
		defer close(drain)
		_, _ = io.ReadAll(q.StreamUnknown())
	}()

	err = tee.Run(context.Background(), strings.NewReader(strings.Repeat("x", 1000)))
	<-drain
	require.Error(t, err)

	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindZipTooLarge, kind)

	_, statErr := os.Stat(tee.SpoolPath())
	require.True(t, os.IsNotExist(statErr))
}

func TestTeeRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	q := byteq.New(0)

	tee, err := New(dir, q, 0)
	require.NoError(t, err)

	drain := make(chan struct{})
	go func() {
		defer close(drain)
		_, _ = io.ReadAll(q.StreamUnknown())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = tee.Run(ctx, strings.NewReader(strings.Repeat("y", 1000)))
	<-drain
	require.Error(t, err)
}
