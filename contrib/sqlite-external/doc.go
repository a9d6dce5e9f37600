// Package sqliteexternal provides optional external SQLite drivers.
//
// This package is part of the main github.com/FocuswithJustin/RecallRecover module
// and provides the CGO-based SQLite driver for large evidence databases.
//
// # CGO SQLite Driver
//
// To use the CGO driver (github.com/mattn/go-sqlite3):
//
//	import _ "github.com/FocuswithJustin/RecallRecover/contrib/sqlite-external"
//
// Build with:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite ./cmd/recall-recover
//
// # Default Pure Go Driver
//
// By default RecallRecover uses modernc.org/sqlite, which requires no CGO and
// cross-compiles to the Windows examiner workstation from any host.
// See github.com/FocuswithJustin/RecallRecover/core/sqlite for details.
package sqliteexternal
