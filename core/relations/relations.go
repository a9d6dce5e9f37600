// Package relations copies the App and Web lookup tables, and the tables
// linking them to captures, from the WAL-spliced database into re_* tables
// of the recovery database, so recovered captures can be joined to the
// apps and sites they belong to.
package relations

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// Table describes one source table and the re_* table it is copied into.
type Table struct {
	Source  string
	Target  string
	Columns []string
	Create  string
}

// DefaultTables are the tables carried over after a WAL splice.
var DefaultTables = []Table{
	{
		Source:  "App",
		Target:  "re_App",
		Columns: []string{"Id", "WindowsAppId", "IconUri", "Name", "Path", "Properties"},
		Create: `CREATE TABLE re_App (
			Id INTEGER PRIMARY KEY,
			WindowsAppId TEXT,
			IconUri TEXT,
			Name TEXT,
			Path TEXT,
			Properties TEXT
		)`,
	},
	{
		Source:  "Web",
		Target:  "re_Web",
		Columns: []string{"Id", "Domain", "Uri", "IconUri", "Properties"},
		Create: `CREATE TABLE re_Web (
			Id INTEGER PRIMARY KEY,
			Domain TEXT,
			Uri TEXT,
			IconUri TEXT,
			Properties TEXT
		)`,
	},
	{
		Source:  "WindowCaptureAppRelation",
		Target:  "re_WindowCaptureAppRelation",
		Columns: []string{"WindowCaptureId", "AppId"},
		Create: `CREATE TABLE re_WindowCaptureAppRelation (
			WindowCaptureId INTEGER,
			AppId INTEGER,
			PRIMARY KEY (WindowCaptureId, AppId)
		)`,
	},
	{
		Source:  "WindowCaptureWebRelation",
		Target:  "re_WindowCaptureWebRelation",
		Columns: []string{"WindowCaptureId", "WebId"},
		Create: `CREATE TABLE re_WindowCaptureWebRelation (
			WindowCaptureId INTEGER,
			WebId INTEGER,
			PRIMARY KEY (WindowCaptureId, WebId)
		)`,
	},
}

// TableReport is the outcome for one copied table.
type TableReport struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Rows     int    `json:"rows"`
	Rejected int    `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Copy carries DefaultTables from srcPath into dstPath.
func Copy(ctx context.Context, srcPath, dstPath string) ([]TableReport, error) {
	for _, p := range []string{srcPath, dstPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, rerrors.NewNotFound("database", p)
		}
	}

	src, err := sqlite.OpenXReadOnly(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := sqlite.OpenX(dstPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dstPath, err)
	}
	defer dst.Close()

	return CopyDB(ctx, src, dst, DefaultTables)
}

// CopyDB copies tables from src to dst in one transaction on dst. A source
// table that cannot be read is reported and skipped. Rows rejected by a
// constraint are counted and skipped. Any other write failure rolls back
// every table.
func CopyDB(ctx context.Context, src *sqlx.DB, dst *sqlx.DB, tables []Table) ([]TableReport, error) {
	tx, err := dst.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin relation copy: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	reports := make([]TableReport, 0, len(tables))
	for _, tbl := range tables {
		rep := TableReport{Source: tbl.Source, Target: tbl.Target}

		rows, err := readTable(ctx, src, tbl)
		if err != nil {
			rep.Error = err.Error()
			logging.TableSkipped(ctx, tbl.Source, err, "stage", "relations")
			reports = append(reports, rep)
			continue
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlite.QuoteIdent(tbl.Target)); err != nil {
			return nil, fmt.Errorf("drop %s: %w", tbl.Target, err)
		}
		if _, err := tx.ExecContext(ctx, tbl.Create); err != nil {
			return nil, fmt.Errorf("create %s: %w", tbl.Target, err)
		}

		insert := fmt.Sprintf("INSERT INTO %s VALUES (?%s)",
			sqlite.QuoteIdent(tbl.Target), strings.Repeat(", ?", len(tbl.Columns)-1))
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
				if sqlite.IsConstraintError(err) {
					rep.Rejected++
					continue
				}
				return nil, fmt.Errorf("insert into %s: %w", tbl.Target, err)
			}
			rep.Rows++
		}

		logging.InfoContext(ctx, "relation_copied",
			"source", tbl.Source,
			"target", tbl.Target,
			"rows", rep.Rows,
			"rejected", rep.Rejected,
		)
		reports = append(reports, rep)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit relation copy: %w", err)
	}
	return reports, nil
}

func readTable(ctx context.Context, src *sqlx.DB, tbl Table) ([][]any, error) {
	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		cols[i] = sqlite.QuoteIdent(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), sqlite.QuoteIdent(tbl.Source))

	rows, err := src.QueryxContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
