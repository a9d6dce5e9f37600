// Package classify moves window-capture rows out of the lost_and_found
// table that .recover produces and into re_WindowCapture.
//
// lost_and_found has no schema of its own: every salvaged row is stored as
// id plus generic columns c0..cN. Rows whose values include a Recall window
// event tag are WindowCapture rows; the tag's column position fixes the
// mapping to WindowCapture's columns.
package classify

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// LostAndFound is the staging table written by .recover.
const LostAndFound = "lost_and_found"

// TargetTable receives classified rows.
const TargetTable = "re_WindowCapture"

// MinFields is the largest non-null count that still marks a row as too
// sparse to keep.
const MinFields = 3

// EventTags are the Recall window event names that identify a
// WindowCapture row.
var EventTags = []string{
	"WindowCaptureEvent",
	"WindowCreatedEvent",
	"WindowChangedEvent",
	"WindowDestroyedEvent",
	"ForegroundChangedEvent",
}

// ColumnMap pairs each re_WindowCapture column with its lost_and_found
// source, in insert order.
var ColumnMap = []struct {
	Target string
	Source string
}{
	{"Id", "id"},
	{"Name", "c1"},
	{"ImageToken", "c2"},
	{"IsForeground", "c3"},
	{"WindowId", "c4"},
	{"WindowBounds", "c5"},
	{"WindowTitle", "c6"},
	{"Properties", "c7"},
	{"TimeStamp", "c8"},
	{"IsProcessed", "c9"},
	{"ActivationUri", "c10"},
	{"ActivityId", "c11"},
	{"FallbackUri", "c12"},
}

const createTarget = `CREATE TABLE IF NOT EXISTS re_WindowCapture (
	Id INTEGER PRIMARY KEY,
	Name TEXT,
	ImageToken TEXT,
	IsForeground BOOLEAN,
	WindowId INTEGER,
	WindowBounds TEXT,
	WindowTitle TEXT,
	Properties TEXT,
	TimeStamp TEXT,
	IsProcessed BOOLEAN,
	ActivationUri TEXT,
	ActivityId TEXT,
	FallbackUri TEXT
)`

const insertTarget = `INSERT INTO re_WindowCapture (
	Id, Name, ImageToken, IsForeground, WindowId, WindowBounds,
	WindowTitle, Properties, TimeStamp, IsProcessed, ActivationUri,
	ActivityId, FallbackUri
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Result counts what one classification pass did.
type Result struct {
	Moved             int // inserted into re_WindowCapture and removed
	Skipped           int // tagged but sparse, removed
	Duplicates        int // ids that had more than one row
	Untagged          int // left in lost_and_found
	IntegrityFailures int // insert rejected by a constraint, left in place
}

// Classify opens dbPath and classifies its lost_and_found rows. A database
// without lost_and_found yields (0, 0, nil).
func Classify(ctx context.Context, dbPath string) (moved, skipped int, err error) {
	if _, err := os.Stat(dbPath); err != nil {
		return 0, 0, rerrors.NewNotFound("database", dbPath)
	}
	db, err := sqlite.OpenX(dbPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	res, err := ClassifyDB(ctx, db)
	if err != nil {
		return 0, 0, err
	}
	return res.Moved, res.Skipped, nil
}

// ClassifyDB runs the classification against an open database.
func ClassifyDB(ctx context.Context, db *sqlx.DB) (*Result, error) {
	res := &Result{}

	exists, err := sqlite.TableExists(db, LostAndFound)
	if err != nil {
		return nil, err
	}
	if !exists {
		logging.InfoContext(ctx, "classify_nothing_to_do", "reason", "no lost_and_found table")
		return res, nil
	}

	if err := prepare(ctx, db, res); err != nil {
		return nil, err
	}

	columns, rows, err := readRows(ctx, db)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	var missing []string
	for _, m := range ColumnMap {
		if _, ok := index[m.Source]; !ok {
			missing = append(missing, m.Source)
		}
	}
	if len(missing) > 0 {
		return nil, &rerrors.ValidationError{
			Field:   LostAndFound,
			Value:   fmt.Sprint(columns),
			Message: fmt.Sprintf("missing required columns %v", missing),
		}
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin classify: %w", err)
	}
	if err := moveRows(ctx, tx, index, rows, res); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("commit classify: %w", err)
	}

	logging.InfoContext(ctx, "classify_complete",
		"moved", res.Moved,
		"skipped", res.Skipped,
		"duplicates", res.Duplicates,
		"untagged", res.Untagged,
		"integrity_failures", res.IntegrityFailures,
	)
	return res, nil
}

// prepare drops duplicate ids from lost_and_found, keeping the lowest rowid,
// and creates an empty re_WindowCapture.
func prepare(ctx context.Context, db *sqlx.DB, res *Result) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prepare: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var dups []struct {
		ID    any `db:"id"`
		Count int `db:"count"`
	}
	if err := tx.SelectContext(ctx, &dups,
		`SELECT id, COUNT(*) AS count FROM lost_and_found GROUP BY id HAVING count > 1`); err != nil {
		return fmt.Errorf("find duplicate ids: %w", err)
	}
	for _, d := range dups {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lost_and_found WHERE id = ? AND rowid NOT IN (
				SELECT MIN(rowid) FROM lost_and_found WHERE id = ?)`, d.ID, d.ID); err != nil {
			return fmt.Errorf("remove duplicates of id %v: %w", d.ID, err)
		}
	}
	res.Duplicates = len(dups)
	if len(dups) > 0 {
		logging.InfoContext(ctx, "classify_duplicates_removed", "ids", len(dups))
	}

	if _, err := tx.ExecContext(ctx, createTarget); err != nil {
		return fmt.Errorf("create %s: %w", TargetTable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM re_WindowCapture`); err != nil {
		return fmt.Errorf("clear %s: %w", TargetTable, err)
	}
	return tx.Commit()
}

// readRows loads lost_and_found whole; rows are deleted while iterating.
func readRows(ctx context.Context, db *sqlx.DB) ([]string, [][]any, error) {
	rows, err := db.QueryxContext(ctx, `SELECT * FROM lost_and_found`)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", LostAndFound, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", LostAndFound, err)
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

// HasEventTag reports whether any value is one of EventTags.
func HasEventTag(values []any) bool {
	for _, v := range values {
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			continue
		}
		for _, tag := range EventTags {
			if s == tag {
				return true
			}
		}
	}
	return false
}

func moveRows(ctx context.Context, tx *sqlx.Tx, index map[string]int, rows [][]any, res *Result) error {
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		mapped := make([]any, len(ColumnMap))
		nonNull := 0
		for i, m := range ColumnMap {
			mapped[i] = row[index[m.Source]]
			if mapped[i] != nil {
				nonNull++
			}
		}
		if !HasEventTag(mapped[1:]) {
			res.Untagged++
			continue
		}
		id := mapped[0]

		if nonNull <= MinFields {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lost_and_found WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete sparse row %v: %w", id, err)
			}
			res.Skipped++
			continue
		}

		if _, err := tx.ExecContext(ctx, insertTarget, mapped...); err != nil {
			if sqlite.IsConstraintError(err) {
				res.IntegrityFailures++
				logging.WarnContext(ctx, "classify_integrity_error", "id", id, "error", err.Error())
				continue
			}
			return fmt.Errorf("insert row %v into %s: %w", id, TargetTable, err)
		}
		res.Moved++
		if _, err := tx.ExecContext(ctx, `DELETE FROM lost_and_found WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete moved row %v: %w", id, err)
		}
	}
	return nil
}

// WindowCapture is one row of re_WindowCapture. Recovered values are not
// guaranteed to match the declared column types, so everything but Id is
// read as text.
type WindowCapture struct {
	ID            int64          `db:"Id"`
	Name          sql.NullString `db:"Name"`
	ImageToken    sql.NullString `db:"ImageToken"`
	IsForeground  sql.NullString `db:"IsForeground"`
	WindowID      sql.NullString `db:"WindowId"`
	WindowBounds  sql.NullString `db:"WindowBounds"`
	WindowTitle   sql.NullString `db:"WindowTitle"`
	Properties    sql.NullString `db:"Properties"`
	TimeStamp     sql.NullString `db:"TimeStamp"`
	IsProcessed   sql.NullString `db:"IsProcessed"`
	ActivationURI sql.NullString `db:"ActivationUri"`
	ActivityID    sql.NullString `db:"ActivityId"`
	FallbackURI   sql.NullString `db:"FallbackUri"`
}

// ListRecovered returns every re_WindowCapture row ordered by Id.
func ListRecovered(ctx context.Context, db sqlx.QueryerContext) ([]WindowCapture, error) {
	var out []WindowCapture
	if err := sqlx.SelectContext(ctx, db, &out, `SELECT * FROM re_WindowCapture ORDER BY Id`); err != nil {
		return nil, fmt.Errorf("list %s: %w", TargetTable, err)
	}
	return out, nil
}
