package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/evidence"
	"github.com/FocuswithJustin/RecallRecover/core/recovery"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
)

const testPageSize = 4096

var recallSchema = []string{
	`PRAGMA page_size = 4096`,
	`CREATE TABLE "App" (Id INTEGER PRIMARY KEY, WindowsAppId TEXT, IconUri TEXT, Name TEXT, Path TEXT, Properties TEXT)`,
	`CREATE TABLE "Web" (Id INTEGER PRIMARY KEY, Domain TEXT, Uri TEXT, IconUri TEXT, Properties TEXT)`,
	`CREATE TABLE "WindowCapture" (Id INTEGER PRIMARY KEY, Name TEXT, ImageToken TEXT)`,
}

// buildDB creates a Recall-shaped database with apps rows in App and
// returns its path and the App root page.
func buildDB(t *testing.T, dir, name string, apps int, captureIDs ...int) (string, int) {
	t.Helper()
	path := filepath.Join(dir, name)
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, s := range recallSchema {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	for i := 1; i <= apps; i++ {
		if _, err := db.Exec(`INSERT INTO App (Id, Name) VALUES (?, ?)`, i, "app"); err != nil {
			t.Fatalf("insert app: %v", err)
		}
	}
	for _, id := range captureIDs {
		if _, err := db.Exec(`INSERT INTO WindowCapture (Id, Name) VALUES (?, 'WindowCaptureEvent')`, id); err != nil {
			t.Fatalf("insert capture: %v", err)
		}
	}

	var root int
	if err := db.QueryRow(`SELECT rootpage FROM sqlite_master WHERE name = 'App'`).Scan(&root); err != nil {
		t.Fatalf("rootpage: %v", err)
	}
	return path, root
}

func readPage(t *testing.T, path string, pg int) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	off := (pg - 1) * testPageSize
	return append([]byte(nil), data[off:off+testPageSize]...)
}

// walWith builds a WAL image holding one non-commit frame per page, all
// tagged with pg.
func walWith(pg int, pages ...[]byte) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[0:], 0x377f0682)
	binary.BigEndian.PutUint32(buf[4:], 3007000)
	binary.BigEndian.PutUint32(buf[8:], testPageSize)
	for _, p := range pages {
		hdr := make([]byte, 24)
		binary.BigEndian.PutUint32(hdr[0:], uint32(pg))
		buf = append(buf, hdr...)
		buf = append(buf, p...)
	}
	return buf
}

func countApps(t *testing.T, path string) int {
	t.Helper()
	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM App`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// fixture writes ukg.db with one App row and a WAL whose frames hold a
// three-row page and a header-wiped five-row page for App.
func fixture(t *testing.T) RecoveryConfig {
	t.Helper()
	dir := t.TempDir()
	src, root := buildDB(t, dir, "ukg.db", 1, 20, 21)

	scratch := t.TempDir()
	three, root3 := buildDB(t, scratch, "three.db", 3)
	five, root5 := buildDB(t, scratch, "five.db", 5)
	if root3 != root || root5 != root {
		t.Fatalf("root pages differ: %d %d %d", root, root3, root5)
	}

	wiped := readPage(t, five, root)
	wiped[3], wiped[4] = 0, 0

	walPath := filepath.Join(dir, "ukg.wal")
	if err := os.WriteFile(walPath, walWith(root, readPage(t, three, root), wiped), 0o644); err != nil {
		t.Fatal(err)
	}

	return RecoveryConfig{
		SourceDB:  src,
		WALPath:   walPath,
		OutputDir: filepath.Join(dir, "out"),
		Tables:    []string{"App", "Missing"},
	}
}

func TestRepairWALSplicesBestFrame(t *testing.T) {
	cfg := fixture(t)
	p := New(cfg, nil)
	rep := &Report{}

	if err := p.RepairWAL(context.Background(), rep); err != nil {
		t.Fatalf("RepairWAL() error = %v", err)
	}
	if len(rep.Tables) != 2 {
		t.Fatalf("got %d table reports, want 2", len(rep.Tables))
	}

	app := rep.Tables[0]
	if !app.Spliced || app.Frames != 2 || app.Repaired != 1 || app.RecordCount != 5 || app.SelectedFrame != 2 {
		t.Errorf("App report = %+v", app)
	}
	if got := countApps(t, p.Path(WALDatabaseName)); got != 5 {
		t.Errorf("App rows after splice = %d, want 5", got)
	}

	missing := rep.Tables[1]
	if missing.Spliced || missing.Err == "" {
		t.Errorf("Missing report = %+v, want skipped with error", missing)
	}

	// The repaired count is written back into the WAL copy.
	remained, err := os.ReadFile(p.Path(RemainedWALName))
	if err != nil {
		t.Fatal(err)
	}
	second := 32 + 2*24 + testPageSize
	if got := binary.BigEndian.Uint16(remained[second+3:]); got != 5 {
		t.Errorf("remained wal record count = %d, want 5", got)
	}

	// Inputs are untouched.
	orig, _ := os.ReadFile(cfg.WALPath)
	if binary.BigEndian.Uint16(orig[second+3:]) != 0 {
		t.Error("source WAL was modified")
	}
	if got := countApps(t, cfg.SourceDB); got != 1 {
		t.Errorf("source App rows = %d, want 1", got)
	}
}

func TestRepairWALCancelled(t *testing.T) {
	p := New(fixture(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.RepairWAL(ctx, &Report{}); !errors.Is(err, context.Canceled) {
		t.Errorf("RepairWAL() error = %v, want context.Canceled", err)
	}
}

func TestRepairWALReadOnlyInputs(t *testing.T) {
	cfg := fixture(t)
	for _, path := range []string{cfg.SourceDB, cfg.WALPath} {
		if err := os.Chmod(path, 0o444); err != nil {
			t.Fatal(err)
		}
	}

	p := New(cfg, nil)
	rep := &Report{}
	if err := p.RepairWAL(context.Background(), rep); err != nil {
		t.Fatalf("RepairWAL() error = %v", err)
	}
	if !rep.Tables[0].Spliced {
		t.Errorf("App report = %+v, want spliced", rep.Tables[0])
	}
	info, err := os.Stat(cfg.SourceDB)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("source mode = %v, want 0444", info.Mode().Perm())
	}
}

func TestRunMissingInputs(t *testing.T) {
	dir := t.TempDir()
	src, _ := buildDB(t, dir, "ukg.db", 1)

	tests := []struct {
		name string
		cfg  RecoveryConfig
		want error
	}{
		{"no source", RecoveryConfig{}, rerrors.ErrInvalidInput},
		{"missing source", RecoveryConfig{SourceDB: filepath.Join(dir, "nope.db")}, recovery.ErrSourceNotFound},
		{"missing wal", RecoveryConfig{SourceDB: src}, rerrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil).Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunNothingToRecover(t *testing.T) {
	dir := t.TempDir()
	src, _ := buildDB(t, dir, "ukg.db", 1, 3, 4, 5)
	walPath := filepath.Join(dir, "evidence.wal")
	os.WriteFile(walPath, walWith(2), 0o644)

	var stages []string
	rec := ReporterFunc(func(_ context.Context, stage string, _ int, _ string) {
		stages = append(stages, stage)
	})

	out := filepath.Join(dir, "out")
	rep, err := New(RecoveryConfig{SourceDB: src, WALPath: walPath, OutputDir: out}, rec).Run(context.Background())
	if !errors.Is(err, ErrNothingToRecover) {
		t.Fatalf("Run() error = %v, want ErrNothingToRecover", err)
	}
	if rep.Precheck == nil || rep.Precheck.MinID != 3 || rep.Precheck.Threshold != DefaultMinIDThreshold {
		t.Errorf("Precheck = %+v", rep.Precheck)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output directory created for a run with nothing to recover")
	}
	if len(stages) == 0 || stages[0] != "precheck" {
		t.Errorf("stages = %v", stages)
	}
}

// liveEvidence copies ukg.db and an uncheckpointed ukg.db-wal out of a
// database that is still open, the way an acquisition captures them. The
// WAL inserts WindowCapture 30 and deletes 20.
func liveEvidence(t *testing.T) string {
	t.Helper()
	live := t.TempDir()
	src, _ := buildDB(t, live, "ukg.db", 1, 20)

	db, err := sqlite.Open(src)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	for _, s := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA wal_autocheckpoint = 0`,
		`INSERT INTO WindowCapture (Id, Name) VALUES (30, 'WindowCaptureEvent')`,
		`DELETE FROM WindowCapture WHERE Id = 20`,
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}

	dir := t.TempDir()
	for _, name := range []string{"ukg.db", "ukg.db-wal"} {
		data, err := os.ReadFile(filepath.Join(live, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o444); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func snapshotDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		files[e.Name()] = string(data)
	}
	return files
}

func TestRunLeavesEvidenceDirUntouched(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
	}{
		{"stops at precheck", 100},
		{"full run", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := liveEvidence(t)
			before := snapshotDir(t, dir)

			cfg := RecoveryConfig{
				SourceDB:       filepath.Join(dir, "ukg.db"),
				OutputDir:      filepath.Join(t.TempDir(), "out"),
				Tables:         []string{"App"},
				MinIDThreshold: tt.threshold,
			}
			rep, err := New(cfg, nil).Run(context.Background())
			if tt.threshold > 0 && !errors.Is(err, ErrNothingToRecover) {
				t.Fatalf("Run() error = %v, want ErrNothingToRecover", err)
			}
			// The precheck must see the WAL's committed rows.
			if rep == nil || rep.Precheck == nil || rep.Precheck.MinID != 30 {
				t.Fatalf("Precheck = %+v", rep)
			}

			after := snapshotDir(t, dir)
			if len(after) != len(before) {
				names := make([]string, 0, len(after))
				for n := range after {
					names = append(names, n)
				}
				t.Fatalf("evidence dir = %v, want only ukg.db and ukg.db-wal", names)
			}
			for name, data := range before {
				if after[name] != data {
					t.Errorf("%s changed", name)
				}
			}
		})
	}
}

func TestPrecheck(t *testing.T) {
	dir := t.TempDir()
	withRows, _ := buildDB(t, dir, "rows.db", 0, 42)
	empty, _ := buildDB(t, dir, "empty.db", 0)
	noTable := filepath.Join(dir, "bare.db")
	db, _ := sqlite.Open(noTable)
	db.Exec(`CREATE TABLE t (x)`)
	db.Close()

	tests := []struct {
		name    string
		cfg     RecoveryConfig
		minID   int64
		skipped bool
		hasWarn bool
	}{
		{"min id", RecoveryConfig{SourceDB: withRows}, 42, false, false},
		{"no rows", RecoveryConfig{SourceDB: empty}, 0, false, true},
		{"no table", RecoveryConfig{SourceDB: noTable}, 0, false, true},
		{"skipped", RecoveryConfig{SourceDB: withRows, SkipPrecheck: true}, 0, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := New(tt.cfg, nil).precheck(context.Background())
			if pc.MinID != tt.minID || pc.Skipped != tt.skipped || (pc.Warning != "") != tt.hasWarn {
				t.Errorf("precheck() = %+v", pc)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	p := New(RecoveryConfig{SourceDB: "/evidence/ukg.db"}, nil)
	cfg := p.Config()
	if cfg.WALPath != "/evidence/ukg.db-wal" {
		t.Errorf("WALPath = %q", cfg.WALPath)
	}
	if cfg.OutputDir != DefaultOutputDir {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if len(cfg.Tables) != len(DefaultTables) {
		t.Errorf("Tables = %v", cfg.Tables)
	}
	if cfg.MinIDThreshold != DefaultMinIDThreshold {
		t.Errorf("MinIDThreshold = %d", cfg.MinIDThreshold)
	}
}

func TestMultiReporter(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := ReporterFunc(func(context.Context, string, int, string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	MultiReporter{r, r, LogReporter{}}.Progress(context.Background(), "copy", 10, "x")
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRunEndToEnd(t *testing.T) {
	if _, err := recovery.NewDriver("").CheckRecover(context.Background()); err != nil {
		t.Skipf("sqlite3 with .recover unavailable: %v", err)
	}
	cfg := fixture(t)
	cfg.SkipPrecheck = true

	rep, err := New(cfg, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Recovery == nil || rep.Recovery.Succeeded == 0 {
		t.Errorf("Recovery = %+v", rep.Recovery)
	}

	m, err := evidence.Load(rep.Evidence)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	roles := map[string]bool{}
	for _, f := range m.Files {
		roles[f.Role] = true
	}
	for _, r := range []string{"source", "source_wal", "wal_spliced", "recovered", "dump"} {
		if !roles[r] {
			t.Errorf("manifest missing role %q", r)
		}
	}
	var embedded Report
	if err := json.Unmarshal(m.Report, &embedded); err != nil {
		t.Fatalf("report: %v", err)
	}
	if embedded.ID != rep.ID {
		t.Errorf("embedded report id = %q, want %q", embedded.ID, rep.ID)
	}
	if mismatches, err := m.Verify(); err != nil || len(mismatches) != 0 {
		t.Errorf("Verify() = %v, %v", mismatches, err)
	}
}
