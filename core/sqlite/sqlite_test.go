package sqlite

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDriverInfo(t *testing.T) {
	info := GetInfo()

	if info.DriverName == "" {
		t.Error("DriverName should not be empty")
	}
	if info.Package == "" {
		t.Error("Package should not be empty")
	}
	if info.DriverName != DriverName() {
		t.Errorf("DriverName mismatch: info=%s, func=%s", info.DriverName, DriverName())
	}
	if info.IsCGO != IsCGO() {
		t.Errorf("IsCGO mismatch: info=%v, func=%v", info.IsCGO, IsCGO())
	}

	t.Logf("SQLite driver: %s (%s) from %s", info.DriverName, info.DriverType, info.Package)
}

func TestDriverTypeConsistency(t *testing.T) {
	switch DriverType() {
	case "purego":
		if IsCGO() {
			t.Error("IsCGO() should be false for purego driver")
		}
		if DriverName() != "sqlite" {
			t.Errorf("purego driver should use 'sqlite' name, got '%s'", DriverName())
		}
	case "cgo":
		if !IsCGO() {
			t.Error("IsCGO() should be true for cgo driver")
		}
		if DriverName() != "sqlite3" {
			t.Errorf("cgo driver should use 'sqlite3' name, got '%s'", DriverName())
		}
	default:
		t.Errorf("unknown driver type: %s", DriverType())
	}
}

func TestOpenReadOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ukg.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE WindowCapture (Id INTEGER PRIMARY KEY, Name TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO WindowCapture (Name) VALUES (?)`, "WindowCaptureEvent"); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	db.Close()

	rodb, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("failed to open read-only: %v", err)
	}
	defer rodb.Close()

	var name string
	if err := rodb.QueryRow(`SELECT Name FROM WindowCapture WHERE Id = 1`).Scan(&name); err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if name != "WindowCaptureEvent" {
		t.Errorf("expected 'WindowCaptureEvent', got '%s'", name)
	}

	if _, err := rodb.Exec(`INSERT INTO WindowCapture (Name) VALUES ('x')`); err == nil {
		t.Error("expected write to read-only database to fail")
	}
}

func TestOpenReadOnlySpecialCharacters(t *testing.T) {
	for _, dirName := range []string{"case#12", "100%", "two words"} {
		t.Run(dirName, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), dirName)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			dbPath := filepath.Join(dir, "ukg.db")

			db, err := Open(dbPath)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, err := db.Exec(`CREATE TABLE App (Id INTEGER PRIMARY KEY)`); err != nil {
				t.Fatalf("create: %v", err)
			}
			db.Close()

			rodb, err := OpenXReadOnly(dbPath)
			if err != nil {
				t.Fatalf("OpenXReadOnly: %v", err)
			}
			defer rodb.Close()
			ok, err := TableExists(rodb, "App")
			if err != nil || !ok {
				t.Errorf("TableExists(App) via %s = %v, %v", readOnlyDSN(dbPath), ok, err)
			}
		})
	}
}

func TestReadOnlyDSN(t *testing.T) {
	got := readOnlyDSN("/evidence/case#12/50%/ukg?.db")
	want := "file:///evidence/case%2312/50%25/ukg%3F.db?mode=ro"
	if got != want {
		t.Errorf("readOnlyDSN() = %q, want %q", got, want)
	}
	if !strings.HasSuffix(readOnlyDSN("ukg.db"), "/ukg.db?mode=ro") {
		t.Errorf("relative path not made absolute: %q", readOnlyDSN("ukg.db"))
	}
}

func TestTableExists(t *testing.T) {
	db, err := OpenX(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("OpenX: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE lost_and_found (id INTEGER, c0, c1)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := TableExists(db, "lost_and_found")
	if err != nil || !ok {
		t.Errorf("TableExists(lost_and_found) = %v, %v; want true, nil", ok, err)
	}
	ok, err = TableExists(db, "re_WindowCapture")
	if err != nil || ok {
		t.Errorf("TableExists(re_WindowCapture) = %v, %v; want false, nil", ok, err)
	}
}

func TestIsConstraintError(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (Id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.Exec(`INSERT INTO t VALUES (1)`)
	if !IsConstraintError(err) {
		t.Errorf("IsConstraintError(%v) = false, want true", err)
	}
	if IsConstraintError(nil) {
		t.Error("IsConstraintError(nil) = true")
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"App", `"App"`},
		{`we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
