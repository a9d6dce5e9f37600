package classify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
)

// lostAndFoundSchema mirrors the table .recover creates: bookkeeping
// columns followed by generic value columns.
func lostAndFoundSchema(valueColumns int) string {
	cols := []string{"rootpgno INTEGER", "pgno INTEGER", "nfield INTEGER", "id INTEGER"}
	for i := 0; i < valueColumns; i++ {
		cols = append(cols, fmt.Sprintf("c%d", i))
	}
	return "CREATE TABLE lost_and_found(" + strings.Join(cols, ", ") + ")"
}

func newDB(t *testing.T, stmts ...string) (string, *sqlx.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recovered_with_sqlite_recovery.db")
	db, err := sqlite.OpenX(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	return path, db
}

// insertRow inserts a lost_and_found row with id and the given c-column values.
func insertRow(t *testing.T, db *sqlx.DB, id int64, values map[int]any) {
	t.Helper()
	cols := []string{"rootpgno", "pgno", "nfield", "id"}
	args := []any{2, 7, 13, id}
	for c, v := range values {
		cols = append(cols, fmt.Sprintf("c%d", c))
		args = append(args, v)
	}
	q := "INSERT INTO lost_and_found(" + strings.Join(cols, ", ") + ") VALUES(?" + strings.Repeat(", ?", len(args)-1) + ")"
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func count(t *testing.T, db *sqlx.DB, table string) int {
	t.Helper()
	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM "+table); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestClassifyNoLostAndFound(t *testing.T) {
	path, _ := newDB(t, `CREATE TABLE App(Id INTEGER PRIMARY KEY)`)

	moved, skipped, err := Classify(context.Background(), path)
	if err != nil || moved != 0 || skipped != 0 {
		t.Errorf("Classify() = %d, %d, %v; want 0, 0, nil", moved, skipped, err)
	}
}

func TestClassifyMissingDatabase(t *testing.T) {
	_, _, err := Classify(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	if !errors.Is(err, rerrors.ErrNotFound) {
		t.Errorf("Classify() error = %v, want ErrNotFound", err)
	}
}

func TestClassifyEmptyLostAndFoundIsIdempotent(t *testing.T) {
	path, db := newDB(t, lostAndFoundSchema(15))

	for run := 0; run < 2; run++ {
		moved, skipped, err := Classify(context.Background(), path)
		if err != nil || moved != 0 || skipped != 0 {
			t.Fatalf("run %d: Classify() = %d, %d, %v", run, moved, skipped, err)
		}
	}
	if n := count(t, db, TargetTable); n != 0 {
		t.Errorf("%s rows = %d, want 0", TargetTable, n)
	}
}

func TestClassifySparseRow(t *testing.T) {
	path, db := newDB(t, lostAndFoundSchema(15))
	insertRow(t, db, 5, map[int]any{1: "WindowCaptureEvent"})

	moved, skipped, err := Classify(context.Background(), path)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if moved != 0 || skipped != 1 {
		t.Errorf("Classify() = %d moved, %d skipped; want 0, 1", moved, skipped)
	}
	if n := count(t, db, LostAndFound); n != 0 {
		t.Errorf("lost_and_found rows = %d, want 0", n)
	}
	if n := count(t, db, TargetTable); n != 0 {
		t.Errorf("%s rows = %d, want 0", TargetTable, n)
	}
}

func TestClassifyMovesRichRow(t *testing.T) {
	path, db := newDB(t, lostAndFoundSchema(15))
	insertRow(t, db, 42, map[int]any{
		1: "WindowCaptureEvent",
		2: "token-abc",
		3: 1,
		4: 65812,
		5: `{"x":0,"y":0,"w":1920,"h":1080}`,
		6: "Inbox - Outlook",
		7: `{"app":"outlook"}`,
		8: "1717000000000",
		9: 0,
	})

	moved, skipped, err := Classify(context.Background(), path)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if moved != 1 || skipped != 0 {
		t.Errorf("Classify() = %d moved, %d skipped; want 1, 0", moved, skipped)
	}
	if n := count(t, db, LostAndFound); n != 0 {
		t.Errorf("lost_and_found rows = %d, want 0", n)
	}

	got, err := ListRecovered(context.Background(), db)
	if err != nil {
		t.Fatalf("ListRecovered() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListRecovered() = %d rows, want 1", len(got))
	}
	wc := got[0]
	if wc.ID != 42 || wc.Name.String != "WindowCaptureEvent" || wc.WindowTitle.String != "Inbox - Outlook" {
		t.Errorf("row = %+v", wc)
	}
	if wc.WindowID.String != "65812" || wc.TimeStamp.String != "1717000000000" {
		t.Errorf("WindowId = %q, TimeStamp = %q", wc.WindowID.String, wc.TimeStamp.String)
	}
	if wc.ActivationURI.Valid || wc.FallbackURI.Valid {
		t.Error("unset columns should be NULL")
	}
}

func TestClassifyMixedRows(t *testing.T) {
	_, db := newDB(t, lostAndFoundSchema(15))
	rich := map[int]any{1: "ForegroundChangedEvent", 2: "t", 3: 1, 4: 2}
	insertRow(t, db, 1, rich)
	insertRow(t, db, 1, rich) // duplicate id, removed before classification
	insertRow(t, db, 2, map[int]any{4: "WindowDestroyedEvent", 5: "x"})
	insertRow(t, db, 3, map[int]any{1: "SomeOtherEvent", 2: "a", 3: "b", 4: "c"})
	insertRow(t, db, 4, map[int]any{12: "WindowChangedEvent", 1: "n", 2: "t", 3: 0})

	res, err := ClassifyDB(context.Background(), db)
	if err != nil {
		t.Fatalf("ClassifyDB() error = %v", err)
	}
	want := Result{Moved: 2, Skipped: 1, Duplicates: 1, Untagged: 1}
	if *res != want {
		t.Errorf("ClassifyDB() = %+v, want %+v", *res, want)
	}

	var left []int64
	if err := db.Select(&left, `SELECT id FROM lost_and_found ORDER BY id`); err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0] != 3 {
		t.Errorf("lost_and_found ids = %v, want [3]", left)
	}
	if n := count(t, db, TargetTable); n != 2 {
		t.Errorf("%s rows = %d, want 2", TargetTable, n)
	}
}

func TestClassifyRerunClearsTarget(t *testing.T) {
	path, db := newDB(t, lostAndFoundSchema(15))
	insertRow(t, db, 9, map[int]any{1: "WindowCreatedEvent", 2: "a", 3: "b", 4: "c"})

	if moved, _, err := Classify(context.Background(), path); err != nil || moved != 1 {
		t.Fatalf("first Classify() = %d, %v", moved, err)
	}
	if moved, _, err := Classify(context.Background(), path); err != nil || moved != 0 {
		t.Fatalf("second Classify() = %d, %v", moved, err)
	}
	if n := count(t, db, TargetTable); n != 0 {
		t.Errorf("%s rows after rerun = %d, want 0", TargetTable, n)
	}
}

func TestClassifyMissingColumns(t *testing.T) {
	path, db := newDB(t, lostAndFoundSchema(5))
	insertRow(t, db, 1, map[int]any{1: "WindowCaptureEvent"})

	_, _, err := Classify(context.Background(), path)
	var verr *rerrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Classify() error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Message, "c12") {
		t.Errorf("message %q should name c12", verr.Message)
	}
}

func TestHasEventTag(t *testing.T) {
	tests := []struct {
		values []any
		want   bool
	}{
		{[]any{"WindowCaptureEvent"}, true},
		{[]any{nil, int64(4), []byte("WindowCreatedEvent")}, true},
		{[]any{"windowcaptureevent"}, false},
		{[]any{"WindowCaptureEvent2"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := HasEventTag(tt.values); got != tt.want {
			t.Errorf("HasEventTag(%v) = %v, want %v", tt.values, got, tt.want)
		}
	}
}
