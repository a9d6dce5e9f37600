// Package sqlite provides a unified SQLite interface supporting both
// pure Go (modernc.org/sqlite) and CGO (mattn/go-sqlite3) implementations.
//
// Build modes:
//   - Default (CGO_ENABLED=0): Uses pure Go modernc.org/sqlite
//   - CGO mode (CGO_ENABLED=1 -tags cgo_sqlite): Uses mattn/go-sqlite3 via contrib/sqlite-external
//
// Use Open() instead of sql.Open() to ensure the correct driver is used.
// Recovered databases are always opened through this package so that the
// classifier, the dump replay and the relation copy see the same engine.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
)

// DriverName returns the SQL driver name to use.
func DriverName() string {
	return driverName
}

// DriverType returns a string identifying the underlying implementation.
// Returns "cgo" for mattn/go-sqlite3, "purego" for modernc.org/sqlite.
func DriverType() string {
	return driverType
}

// IsCGO returns true if the CGO implementation is being used.
func IsCGO() bool {
	return driverType == "cgo"
}

// Open opens a SQLite database using the appropriate driver.
func Open(dataSourceName string) (*sql.DB, error) {
	return sql.Open(driverName, dataSourceName)
}

// OpenReadOnly opens a SQLite database in read-only mode. SQLite may still
// create a -shm beside a database that has a -wal, so evidence files are
// copied before they are opened at all.
func OpenReadOnly(path string) (*sql.DB, error) {
	return Open(readOnlyDSN(path))
}

// OpenX opens a SQLite database wrapped in sqlx for dynamic row access.
func OpenX(dataSourceName string) (*sqlx.DB, error) {
	db, err := Open(dataSourceName)
	if err != nil {
		return nil, err
	}
	return sqlx.NewDb(db, driverName), nil
}

// OpenXReadOnly is OpenX in read-only mode.
func OpenXReadOnly(path string) (*sqlx.DB, error) {
	db, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return sqlx.NewDb(db, driverName), nil
}

// readOnlyDSN builds a mode=ro URI filename, which both drivers accept.
// The path is percent-encoded so '#', '?' and '%' in a case directory
// name stay part of the filename.
func readOnlyDSN(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		// Windows drive letter: file:///C:/...
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: "mode=ro"}
	return u.String()
}

// TableExists reports whether a table with the given name exists in the schema.
func TableExists(q sqlx.Queryer, table string) (bool, error) {
	var name string
	err := sqlx.Get(q, &name,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return true, nil
}

// QuoteIdent quotes an identifier for use in generated SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsConstraintError reports whether err is a UNIQUE / PRIMARY KEY violation.
// Both drivers surface the SQLite message text, so matching on it works for
// either build mode.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY") ||
		strings.Contains(msg, "constraint failed")
}

// Info contains information about the SQLite driver configuration.
type Info struct {
	DriverName string `json:"driver_name"`
	DriverType string `json:"driver_type"`
	IsCGO      bool   `json:"is_cgo"`
	Package    string `json:"package"`
}

// GetInfo returns information about the current SQLite configuration.
func GetInfo() Info {
	return Info{
		DriverName: driverName,
		DriverType: driverType,
		IsCGO:      IsCGO(),
		Package:    driverPackage,
	}
}
