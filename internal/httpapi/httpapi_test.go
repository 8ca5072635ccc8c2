package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"

	"github.com/filecas/filecas/internal/cas"
	"github.com/filecas/filecas/internal/ingest"
)

func newTestServer(t *testing.T) (*httptest.Server, *cas.Store, *ingest.Orchestrator) {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)
	orch := ingest.New(store, ingest.Limits{MaxEntries: 8000, MaxFileBytes: 500 << 20, MaxTotalBytes: 2 << 30, MaxZipBytes: 300 << 20})
	srv := New(store, orch)
	return httptest.NewServer(srv), store, orch
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// TestRoundTripCreateFetchFilesetAndObject exercises spec.md's own
// round-trip law: ingesting a ZIP and then fetching the fileset and
// every object it names reconstructs the original contents.
func TestRoundTripCreateFetchFilesetAndObject(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	data := buildZip(t, map[string]string{"hello.txt": "hello\n"})

	createReq, err := http.NewRequest(http.MethodPost, ts.URL+"/filesets", bytes.NewReader(data))
	require.NoError(t, err)
	createReq.Header.Set("Content-Type", "application/zip")
	createReq.Header.Set("Accept", "application/json")

	createResp, err := http.DefaultClient.Do(createReq)
	require.NoError(t, err)
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	location := createResp.Header.Get("Location")
	require.NotEmpty(t, location)

	getResp, err := http.Get(ts.URL + location)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	manifestBody, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(manifestBody), `"path":"hello.txt"`)

	var manifest struct {
		Files []struct {
			Path   string `json:"path"`
			SHA256 string `json:"sha256"`
			Size   uint64 `json:"size"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(manifestBody, &manifest))
	require.Len(t, manifest.Files, 1)

	objReq, err := http.NewRequest(http.MethodGet, ts.URL+"/objects/"+manifest.Files[0].SHA256, nil)
	require.NoError(t, err)
	// Without an explicit header Go's transport sends "Accept-Encoding:
	// gzip", which the handler answers with 406.
	objReq.Header.Set("Accept-Encoding", "br")
	objResp, err := http.DefaultClient.Do(objReq)
	require.NoError(t, err)
	defer objResp.Body.Close()
	require.Equal(t, http.StatusOK, objResp.StatusCode)
	require.Equal(t, "br", objResp.Header.Get("Content-Encoding"))

	raw, err := io.ReadAll(brotli.NewReader(objResp.Body))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(raw))
}

func TestGetObjectIfNoneMatchReturnsNotModified(t *testing.T) {
	ts, _, orch := newTestServer(t)
	defer ts.Close()

	data := buildZip(t, map[string]string{"a.txt": "A"})
	res, err := orch.Ingest(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)
	sha := res.Manifest.Files[0].SHA256

	etag := `"sha256:` + sha + `"`

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/objects/"+sha, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestGetObjectAcceptEncodingRejectsIdentity(t *testing.T) {
	ts, _, orch := newTestServer(t)
	defer ts.Close()

	data := buildZip(t, map[string]string{"a.txt": "A"})
	res, err := orch.Ingest(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)
	sha := res.Manifest.Files[0].SHA256

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/objects/"+sha, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestCreateFilesetRejectsWrongContentType(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/filesets", bytes.NewReader([]byte("not a zip")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestGetFilesetNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/filesets/" + sha256zero)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRefRoundTrip(t *testing.T) {
	ts, _, orch := newTestServer(t)
	defer ts.Close()

	data := buildZip(t, map[string]string{"a.txt": "A"})
	res, err := orch.Ingest(context.Background(), bytes.NewReader(data), "latest")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/refs/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "sha256:"+res.FilesetID.Encoded(), string(body))
}

func TestGetRefNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/refs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestStaticAssets(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	for _, path := range []string{"/openapi.yaml", "/openapi.json", "/apidocs"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

const sha256zero = "0000000000000000000000000000000000000000000000000000000000000000"
