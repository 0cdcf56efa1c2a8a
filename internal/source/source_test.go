package source

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestCompressionFor(t *testing.T) {
	tests := []struct {
		path string
		want Compression
	}{
		{"Patient.ndjson", CompressionNone},
		{"Patient.ndjson.gz", CompressionGzip},
		{"Patient.ndjson.zst", CompressionZstd},
		{"/data/fhir/Observation.ndjson.gz", CompressionGzip},
	}
	for _, tt := range tests {
		if got := CompressionFor(tt.path); got != tt.want {
			t.Errorf("CompressionFor(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestStem(t *testing.T) {
	tests := []struct {
		file File
		want string
	}{
		{File{Path: "/data/Patient.ndjson", Compression: CompressionNone}, "Patient.ndjson"},
		{File{Path: "/data/Patient.ndjson.gz", Compression: CompressionGzip}, "Patient.ndjson"},
		{File{Path: "/data/Patient.ndjson.zst", Compression: CompressionZstd}, "Patient.ndjson"},
	}
	for _, tt := range tests {
		if got := tt.file.Stem(); got != tt.want {
			t.Errorf("Stem(%q) = %q, want %q", tt.file.Path, got, tt.want)
		}
	}
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeZstd(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Patient.ndjson"), []byte("{}\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	writeGzip(t, filepath.Join(dir, "Observation.ndjson.gz"), "{}\n")
	writeZstd(t, filepath.Join(dir, "Condition.ndjson.zst"), "{}\n")
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not records\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	files, err := Discover(dir, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(files) != 3 {
		t.Fatalf("Discover found %d files, want 3: %v", len(files), files)
	}

	// Sorted by path: Condition, Observation, Patient.
	wantStems := []string{"Condition.ndjson", "Observation.ndjson", "Patient.ndjson"}
	wantComp := []Compression{CompressionZstd, CompressionGzip, CompressionNone}
	for i, f := range files {
		if f.Stem() != wantStems[i] {
			t.Errorf("files[%d].Stem() = %q, want %q", i, f.Stem(), wantStems[i])
		}
		if f.Compression != wantComp[i] {
			t.Errorf("files[%d].Compression = %v, want %v", i, f.Compression, wantComp[i])
		}
		if f.Size == 0 {
			t.Errorf("files[%d].Size = 0, want > 0", i)
		}
	}
}

func TestDiscoverPrefersUncompressed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Patient.ndjson"), []byte("{}\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	writeGzip(t, filepath.Join(dir, "Patient.ndjson.gz"), "{}\n")

	files, err := Discover(dir, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(files) != 1 {
		t.Fatalf("Discover found %d files, want 1 (duplicate stem collapsed): %v", len(files), files)
	}
	if files[0].Compression != CompressionNone {
		t.Errorf("Compression = %v, want uncompressed variant preferred", files[0].Compression)
	}
}

func TestDiscoverEmptyDir(t *testing.T) {
	files, err := Discover(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Discover found %d files in empty dir, want 0", len(files))
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestOpenPlain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.ndjson")
	const content = "{\"id\":\"P001\"}\n{\"id\":\"P002\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	f := File{Path: path, Compression: CompressionNone}
	rc, err := f.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = rc.Close() }()

	// Plain files expose the raw descriptor for subprocess handoff.
	if _, ok := rc.(*os.File); !ok {
		t.Errorf("Open returned %T, want *os.File for plain files", rc)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("read %q, want %q", got, content)
	}
}

func TestOpenGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.ndjson.gz")
	const content = "{\"id\":\"P001\"}\n"
	writeGzip(t, path, content)

	f := File{Path: path, Compression: CompressionGzip}
	rc, err := f.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("read %q, want %q", got, content)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenZstd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.ndjson.zst")
	const content = "{\"id\":\"P001\"}\n"
	writeZstd(t, path, content)

	f := File{Path: path, Compression: CompressionZstd}
	rc, err := f.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("read %q, want %q", got, content)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	f := File{Path: filepath.Join(t.TempDir(), "gone.ndjson")}
	if _, err := f.Open(); err == nil {
		t.Fatal("expected error opening missing file")
	}
}
