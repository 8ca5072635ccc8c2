// Package httpapi is the one place in this module that knows about
// net/http: route registration, content negotiation, and the mapping
// from internal/errs.Kind to an HTTP status. Core packages (ingest,
// cas, manifest) never import net/http; this package is their only
// transport-facing collaborator.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/filecas/filecas/internal/cas"
	"github.com/filecas/filecas/internal/errs"
	"github.com/filecas/filecas/internal/ingest"
)

// defaultUpdateRef is applied when the client omits update_ref entirely.
const defaultUpdateRef = "latest"

// Server serves the fileset-ingest HTTP surface over a single CAS store
// and ingest orchestrator.
type Server struct {
	mux   *http.ServeMux
	store *cas.Store
	orch  *ingest.Orchestrator
	log   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds a Server backed by store and orch and registers its routes.
func New(store *cas.Store, orch *ingest.Orchestrator, opts ...Option) *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		store: store,
		orch:  orch,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /filesets", s.handleCreateFileset)
	s.mux.HandleFunc("GET /filesets/{id}", s.handleGetFileset)
	s.mux.HandleFunc("GET /objects/{sha}", s.handleGetObject)
	s.mux.HandleFunc("GET /refs/{name}", s.handleGetRef)
	// A {name} wildcard never matches an empty segment; these exact
	// trailing-slash routes reach the handlers' empty-value 400 branch.
	s.mux.HandleFunc("GET /filesets/{$}", s.handleGetFileset)
	s.mux.HandleFunc("GET /objects/{$}", s.handleGetObject)
	s.mux.HandleFunc("GET /refs/{$}", s.handleGetRef)
	s.mux.HandleFunc("GET /openapi.yaml", s.handleStaticAsset("assets/openapi.yaml", "application/yaml"))
	s.mux.HandleFunc("GET /openapi.json", s.handleStaticAsset("assets/openapi.json", "application/json"))
	s.mux.HandleFunc("GET /apidocs", s.handleStaticAsset("assets/apidocs/index.html", "text/html; charset=utf-8"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStaticAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(assetsFS, name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// filesetCreateResponse is the JSON body of a successful POST /filesets
// when the client accepts JSON.
type filesetCreateResponse struct {
	FilesetID  string          `json:"filesetId"`
	UpdatedRef *string         `json:"updatedRef"`
	Manifest   json.RawMessage `json:"manifest"`
}

func (s *Server) handleCreateFileset(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/zip" {
		http.Error(w, "Expected Content-Type: application/zip", http.StatusUnsupportedMediaType)
		return
	}

	ref := defaultUpdateRef
	if q := r.URL.Query(); q.Has("update_ref") {
		ref = q.Get("update_ref")
	}

	result, err := s.orch.Ingest(r.Context(), r.Body, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	manifestJSON, err := json.Marshal(result.Manifest)
	if err != nil {
		s.log.Error("marshal manifest for response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/filesets/"+result.FilesetID.Encoded())

	if acceptsJSON(r) {
		var updatedRef *string
		if result.UpdatedRef != "" {
			updatedRef = &result.UpdatedRef
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(filesetCreateResponse{
			FilesetID:  result.FilesetID.Encoded(),
			UpdatedRef: updatedRef,
			Manifest:   manifestJSON,
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprint(w, result.FilesetID.Encoded())
}

func (s *Server) handleGetFileset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "empty fileset id", http.StatusBadRequest)
		return
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, id)
	if err := d.Validate(); err != nil {
		http.NotFound(w, r)
		return
	}

	data, err := s.store.GetManifest(d)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("read manifest", "fileset_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", quoteETag(d))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")
	if sha == "" {
		http.Error(w, "empty object sha", http.StatusBadRequest)
		return
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, sha)
	if err := d.Validate(); err != nil {
		http.NotFound(w, r)
		return
	}

	etag := quoteETag(d)
	if ifNoneMatchHas(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if ae := r.Header.Get("Accept-Encoding"); ae != "" && !encodingAccepts(ae, "br") {
		http.Error(w, "Not Acceptable (need br)", http.StatusNotAcceptable)
		return
	}

	f, err := s.store.OpenObject(d)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("open object", "sha256", sha, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "br")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func (s *Server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "empty ref name", http.StatusBadRequest)
		return
	}

	d, err := s.store.GetRef(name)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("read ref", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, d.String())
}

// writeError maps err's errs.Kind to an HTTP status per the closed
// taxonomy and writes a plain-text body. Anything that isn't an
// *errs.Error (a bug, an I/O failure the core didn't classify) maps to
// 500, matching spec's own "everything else is 500" table.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		s.log.Error("unclassified ingest error", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Error(w, kind.String(), statusForKind(kind))
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindNotAcceptable:
		return http.StatusNotAcceptable
	default:
		return http.StatusInternalServerError
	}
}

// acceptsJSON reports whether r's Accept header includes application/json
// or */*, treating an absent header as accepting anything.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(part)
		if semi := strings.IndexByte(mediaType, ';'); semi >= 0 {
			mediaType = strings.TrimSpace(mediaType[:semi])
		}
		if mediaType == "application/json" || mediaType == "*/*" {
			return true
		}
	}
	return false
}

// ifNoneMatchHas reports whether header (a comma-separated, trimmed list
// of quoted ETags) contains etag.
func ifNoneMatchHas(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, tok := range strings.Split(header, ",") {
		if strings.TrimSpace(tok) == etag {
			return true
		}
	}
	return false
}

// encodingAccepts reports whether a comma-separated Accept-Encoding
// header (ignoring q-values) includes coding or the wildcard "*".
func encodingAccepts(header, coding string) bool {
	for _, tok := range strings.Split(header, ",") {
		name := strings.TrimSpace(tok)
		if semi := strings.IndexByte(name, ';'); semi >= 0 {
			name = strings.TrimSpace(name[:semi])
		}
		if name == coding || name == "*" {
			return true
		}
	}
	return false
}

func quoteETag(d digest.Digest) string {
	return `"` + d.String() + `"`
}
