// Package manifest builds and serializes fileset manifests: the
// canonical, deterministic record of a successful ingest's final
// (path, sha256, size) entries and the fileset id derived from them.
package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Schema is the fixed schema tag carried by every manifest this package
// produces.
const Schema = "fileset.v1"

// File is one entry in a fileset manifest.
type File struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   uint64 `json:"size"`
}

// Manifest is the canonical JSON document stored at
// filesets/<id[0:2]>/<id[2:]>.json.
type Manifest struct {
	Schema     string   `json:"schema"`
	FilesetID  string   `json:"fileset_id"`
	FileCount  int      `json:"file_count"`
	TotalBytes uint64   `json:"total_bytes"`
	Files      []File   `json:"files"`
	Warnings   []string `json:"warnings"`
}

// Build sorts files by path (code-point order), computes the fileset
// id, and assembles the manifest. files and warnings are not mutated;
// Build copies what it needs.
func Build(files []File, warnings []string) Manifest {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var total uint64
	for _, f := range sorted {
		total += f.Size
	}

	id := FilesetID(sorted)

	w := make([]string, len(warnings))
	copy(w, warnings)

	return Manifest{
		Schema:     Schema,
		FilesetID:  id.Encoded(),
		FileCount:  len(sorted),
		TotalBytes: total,
		Files:      sorted,
		Warnings:   w,
	}
}

// FilesetID computes SHA-256("v1 " || canonical) over files, which must
// already be sorted by path; CanonicalString documents the exact
// concatenation.
func FilesetID(files []File) digest.Digest {
	sum := sha256.Sum256([]byte(CanonicalString(files)))
	return digest.NewDigestFromBytes(digest.SHA256, sum[:])
}

// CanonicalString returns the deterministic text form of files used to
// compute a fileset id: the literal "v1 " followed by, for every entry
// in order, "<path> sha256:<hash> <size>\n".
func CanonicalString(files []File) string {
	var b strings.Builder
	b.WriteString("v1 ")
	for _, f := range files {
		b.WriteString(f.Path)
		b.WriteString(" sha256:")
		b.WriteString(f.SHA256)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(f.Size, 10))
		b.WriteByte('\n')
	}
	return b.String()
}

// Marshal renders m as the JSON bytes stored in the CAS.
func Marshal(m Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses manifest JSON bytes as stored in the CAS.
func Unmarshal(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
