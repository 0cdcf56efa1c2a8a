// Package fileserver serves NDJSON artifacts over HTTP for a FHIR server's
// bulk $import to fetch.
package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"fhirsieve/internal/fhir"
	"fhirsieve/internal/logging"
)

// Config holds file server configuration.
type Config struct {
	// Dir is the directory whose files are served. Must exist.
	Dir string

	Logger *slog.Logger
}

// Server serves one directory of artifacts. Only flat, non-hidden file names
// are reachable; the directory index at / lists what can be imported.
type Server struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	inFlight sync.WaitGroup // tracks in-flight requests for graceful drain
	draining atomic.Bool
}

func New(cfg Config) (*Server, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("serve directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("serve directory: %s is not a directory", cfg.Dir)
	}

	return &Server{
		dir:    cfg.Dir,
		logger: logging.Default(cfg.Logger).With("component", "fileserver"),
	}, nil
}

// Serve starts the server on the given listener and blocks until it is
// stopped or fails.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("file server starting", "addr", listener.Addr().String(), "dir", s.dir)

	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Addr returns the bound listen address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server. New requests are rejected while
// in-flight ones finish, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	s.logger.Info("file server stopping")
	err := server.Shutdown(ctx)

	// Shutdown does not wait for hijacked connections, and h2c requests run
	// on hijacked connections. Wait for those separately.
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Handler returns the full handler chain, h2c wrapping included. Useful for
// testing or embedding in another server.
func (s *Server) Handler() http.Handler {
	handler := s.trackingMiddleware(headerMiddleware(s.routes()))
	return h2c.NewHandler(handler, &http2.Server{})
}

// headerMiddleware sets the CORS and cache headers every response carries.
// The FHIR server fetches inputs cross-origin, and must re-fetch on every
// import rather than trust a cached artifact.
func headerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")

		// Preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 if ready to accept traffic
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/", s.handleFiles)
	return mux
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" {
		s.handleIndex(w, r)
		return
	}

	// The corpus is flat; sub-paths, parent references and hidden names
	// (in-progress artifacts stage under dot-prefixed names) are refused.
	if strings.Contains(name, "/") || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("file not found", "name", name)
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		s.logger.Error("open failed", "name", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "not a file", http.StatusForbidden)
		return
	}

	contentType, encoding := fileHeaders(name)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, f)
	if err != nil {
		s.logger.Warn("serve aborted", "name", name, "error", err)
		return
	}
	s.logger.Debug("file served", "name", name, "bytes", n)
}

// Entry describes one importable file in the directory index.
type Entry struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ResourceType string `json:"resourceType"`
}

// Index lists the servable record files, sorted by name. Hidden files and
// anything that is not a regular NDJSON file are excluded.
func (s *Server) Index() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	index := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() || !isNDJSON(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		index = append(index, Entry{
			Name:         name,
			Size:         info.Size(),
			ResourceType: fhir.ResourceTypeFor(name),
		})
	}
	return index, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	index, err := s.Index()
	if err != nil {
		s.logger.Error("index failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(index); err != nil {
		s.logger.Warn("index write aborted", "error", err)
	}
}

func isNDJSON(name string) bool {
	for _, suffix := range []string{".ndjson", ".ndjson.gz", ".ndjson.zst"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// fileHeaders picks the response content type, and the content encoding for
// pre-compressed files served verbatim.
func fileHeaders(name string) (contentType, encoding string) {
	switch {
	case strings.HasSuffix(name, ".ndjson"):
		return fhir.MediaTypeNDJSON, ""
	case strings.HasSuffix(name, ".ndjson.gz"):
		return fhir.MediaTypeNDJSON, "gzip"
	default:
		if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
			return ct, ""
		}
		return "application/octet-stream", ""
	}
}
