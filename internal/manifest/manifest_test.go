package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyFilesetID(t *testing.T) {
	m := Build(nil, nil)
	want := sha256.Sum256([]byte("v1 "))
	require.Equal(t, hex.EncodeToString(want[:]), m.FilesetID)
	require.Equal(t, 0, m.FileCount)
	require.Equal(t, uint64(0), m.TotalBytes)
	require.Empty(t, m.Files)
}

func TestBuildSortsByPath(t *testing.T) {
	m := Build([]File{
		{Path: "z.txt", SHA256: "aa", Size: 1},
		{Path: "a.txt", SHA256: "bb", Size: 2},
	}, nil)

	require.Equal(t, []string{"a.txt", "z.txt"}, []string{m.Files[0].Path, m.Files[1].Path})
	require.Equal(t, uint64(3), m.TotalBytes)
	require.Equal(t, 2, m.FileCount)
}

func TestIdenticalFinalSetsYieldSameID(t *testing.T) {
	a := Build([]File{
		{Path: "a.txt", SHA256: "aa", Size: 1},
		{Path: "b.txt", SHA256: "bb", Size: 2},
	}, nil)
	b := Build([]File{
		{Path: "b.txt", SHA256: "bb", Size: 2},
		{Path: "a.txt", SHA256: "aa", Size: 1},
	}, []string{"unrelated warning"})

	require.Equal(t, a.FilesetID, b.FilesetID)
}

func TestMarshalRoundTrip(t *testing.T) {
	m := Build([]File{{Path: "a.txt", SHA256: "aa", Size: 1}}, []string{"Duplicate path: dup.txt (last wins)"})

	data, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, m, got)
}
