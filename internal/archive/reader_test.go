package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/RecallRecover/core/evidence"
)

func writeTestEntries(t *testing.T, tw *tar.Writer) {
	t.Helper()
	entries := []struct {
		name string
		body string
	}{
		{"out/recovered.db", "SQLite format 3\x00"},
		{"out/manifest.json", `{"version":"1"}`},
	}
	for _, e := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
}

func createTestTarGz(t *testing.T, dir string) string {
	path := filepath.Join(dir, "test.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	writeTestEntries(t, tw)
	tw.Close()
	gw.Close()
	return path
}

func createTestTarXz(t *testing.T, dir string) string {
	path := filepath.Join(dir, "test.tar.xz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	tw := tar.NewWriter(xw)
	writeTestEntries(t, tw)
	tw.Close()
	xw.Close()
	return path
}

func TestNewReader(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"tar.gz", createTestTarGz(t, dir), false},
		{"tar.xz", createTestTarXz(t, dir), false},
		{"missing", filepath.Join(dir, "nope.tar.xz"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewReader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if r != nil {
				r.Close()
			}
		})
	}
}

func TestNewReader_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	os.WriteFile(path, []byte("PK"), 0644)
	if _, err := NewReader(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestNewReader_CorruptedXz(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.xz")
	os.WriteFile(path, []byte("not xz data"), 0644)
	if _, err := NewReader(path); err == nil {
		t.Error("expected error for corrupted xz")
	}
}

func TestReaderIterate_StopEarly(t *testing.T) {
	path := createTestTarXz(t, t.TempDir())
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	seen := 0
	err = r.Iterate(func(_ *tar.Header, _ io.Reader) (bool, error) {
		seen++
		return true, nil
	})
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if seen != 1 {
		t.Errorf("visited %d entries, want 1", seen)
	}
}

func TestReaderIterate_VisitorError(t *testing.T) {
	path := createTestTarGz(t, t.TempDir())
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	err = r.Iterate(func(_ *tar.Header, _ io.Reader) (bool, error) {
		return false, io.ErrUnexpectedEOF
	})
	if err != io.ErrUnexpectedEOF {
		t.Errorf("Iterate() error = %v, want visitor error", err)
	}
}

func TestReadFile(t *testing.T) {
	path := createTestTarXz(t, t.TempDir())

	tests := []struct {
		name    string
		file    string
		want    string
		wantErr bool
	}{
		{"base name", "manifest.json", `{"version":"1"}`, false},
		{"full name", "out/recovered.db", "SQLite format 3\x00", false},
		{"missing", "backup.sql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadFile(path, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("ReadFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestList(t *testing.T) {
	path := createTestTarGz(t, t.TempDir())
	names, err := List(path)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	sort.Strings(names)
	want := []string{"out/manifest.json", "out/recovered.db"}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestIsBundle(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "ukg.db")
	os.WriteFile(plain, []byte("SQLite format 3\x00"), 0644)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"xz", createTestTarXz(t, dir), true},
		{"gzip", createTestTarGz(t, dir), true},
		{"sqlite", plain, false},
		{"missing", filepath.Join(dir, "nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBundle(tt.path); got != tt.want {
				t.Errorf("IsBundle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewReader_IgnoresSuffix(t *testing.T) {
	src := createTestTarXz(t, t.TempDir())
	renamed := filepath.Join(t.TempDir(), "case.bin")
	if err := os.Rename(src, renamed); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(renamed, "manifest.json"); err != nil {
		t.Errorf("ReadFile() on renamed bundle: %v", err)
	}
}

// outputWithManifest writes two outputs and a manifest over them, plus a
// source entry that a bundle never carries.
func outputWithManifest(t *testing.T) (dir string, m *evidence.Manifest) {
	t.Helper()
	dir = filepath.Join(t.TempDir(), "Recover_Output")
	os.MkdirAll(dir, 0755)
	source := filepath.Join(t.TempDir(), "ukg.db")
	os.WriteFile(source, []byte("evidence"), 0644)
	os.WriteFile(filepath.Join(dir, "backup.sql"), []byte("CREATE TABLE t(x);\n"), 0644)
	os.WriteFile(filepath.Join(dir, "remained.db-wal"), []byte("wal"), 0644)

	m = &evidence.Manifest{ID: "case"}
	for _, f := range []struct{ path, role string }{
		{source, "source"},
		{filepath.Join(dir, "backup.sql"), "dump"},
		{filepath.Join(dir, "remained.db-wal"), "repaired_wal"},
	} {
		if _, err := m.Add(f.path, f.role); err != nil {
			t.Fatal(err)
		}
	}
	return dir, m
}

func TestVerifyBundle(t *testing.T) {
	dir, m := outputWithManifest(t)
	if err := m.Write(filepath.Join(dir, evidence.ManifestFileName)); err != nil {
		t.Fatal(err)
	}
	bundle, err := Bundle(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	got, mismatches, err := VerifyBundle(bundle)
	if err != nil {
		t.Fatalf("VerifyBundle() error = %v", err)
	}
	if got.ID != "case" || len(got.Files) != 3 {
		t.Errorf("manifest = %+v", got)
	}
	if len(mismatches) != 0 {
		t.Errorf("mismatches = %+v, want none", mismatches)
	}
}

func TestVerifyBundle_Changed(t *testing.T) {
	dir, m := outputWithManifest(t)
	if err := m.Write(filepath.Join(dir, evidence.ManifestFileName)); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "backup.sql"), []byte("DROP TABLE t;\n"), 0644)
	os.Remove(filepath.Join(dir, "remained.db-wal"))

	bundle, err := Bundle(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	_, mismatches, err := VerifyBundle(bundle)
	if err != nil {
		t.Fatalf("VerifyBundle() error = %v", err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("got %d mismatches, want 2: %+v", len(mismatches), mismatches)
	}
	if mismatches[0].Actual == "" || filepath.Base(mismatches[0].Path) != "backup.sql" {
		t.Errorf("changed dump = %+v", mismatches[0])
	}
	if mismatches[1].Actual != "" || filepath.Base(mismatches[1].Path) != "remained.db-wal" {
		t.Errorf("missing wal = %+v", mismatches[1])
	}
}

func TestVerifyBundle_NoManifest(t *testing.T) {
	dir, _ := outputWithManifest(t)
	bundle, err := Bundle(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := VerifyBundle(bundle); err == nil {
		t.Error("expected error for bundle without manifest")
	}
}
