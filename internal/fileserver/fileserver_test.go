package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fhirsieve/internal/logging"
)

const patientLines = `{"resourceType":"Patient","id":"P001"}` + "\n" +
	`{"resourceType":"Patient","id":"P002"}` + "\n"

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "MimicPatient.ndjson"), []byte(patientLines), 0o640); err != nil {
		t.Fatal(err)
	}
	writeGzip(t, filepath.Join(dir, "MimicObservation.ndjson.gz"), `{"resourceType":"Observation","id":"O1"}`+"\n")
	if err := os.WriteFile(filepath.Join(dir, "SUMMARY.txt"), []byte("total matched: 3\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".MimicCondition.ndjson.partial"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Dir: dir, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetPlain(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/MimicPatient.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/fhir+ndjson" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != patientLines {
		t.Errorf("body = %q, want %q", body, patientLines)
	}
}

func TestGetGzipServedVerbatim(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	// Disable transparent decompression so the wire form is observable.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Get(srv.URL + "/MimicObservation.ndjson.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/fhir+ndjson" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}

	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"resourceType":"Observation","id":"O1"}` + "\n"
	if string(decoded) != want {
		t.Errorf("decoded body = %q, want %q", decoded, want)
	}
}

func TestIndex(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var index []Entry
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		t.Fatalf("decode index: %v", err)
	}

	if len(index) != 2 {
		t.Fatalf("index has %d entries, want 2: %+v", len(index), index)
	}
	if index[0].Name != "MimicObservation.ndjson.gz" || index[0].ResourceType != "Observation" {
		t.Errorf("entry 0 = %+v", index[0])
	}
	if index[1].Name != "MimicPatient.ndjson" || index[1].ResourceType != "Patient" {
		t.Errorf("entry 1 = %+v", index[1])
	}
	for _, entry := range index {
		if entry.Size <= 0 {
			t.Errorf("%s: size = %d, want > 0", entry.Name, entry.Size)
		}
	}
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/MimicEncounter.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestForbiddenNames(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	for _, target := range []string{
		"/sub/MimicPatient.ndjson",
		"/.MimicCondition.ndjson.partial",
	} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusForbidden {
			t.Errorf("GET %s: status = %d, want 403", target, rr.Code)
		}
	}
}

func TestOptionsPreflight(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/MimicPatient.ndjson", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestHead(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Head(srv.URL + "/MimicPatient.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.ContentLength != int64(len(patientLines)) {
		t.Errorf("Content-Length = %d, want %d", resp.ContentLength, len(patientLines))
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("HEAD body has %d bytes", len(body))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/MimicPatient.ndjson", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestDrainingRejectsRequests(t *testing.T) {
	s := newTestServer(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/MimicPatient.ndjson", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestServeAndStop(t *testing.T) {
	s := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	if s.Addr() == "" {
		t.Error("Addr() is empty while serving")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Dir: filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Error("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{Dir: file}); err == nil {
		t.Error("expected error for non-directory")
	}
}
