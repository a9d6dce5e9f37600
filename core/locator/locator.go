// Package locator finds a table's root page inside a raw SQLite file by
// searching for the literal CREATE TABLE text stored in the schema.
//
// The schema record layout is (type, name, tbl_name, rootpage, sql), so the
// byte immediately preceding the sql text is the low byte of rootpage. This
// holds for every root page below 256, which covers the Recall tables.
package locator

import (
	"bytes"
	"fmt"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/format"
)

// singleQuoted lists the FTS shadow tables whose schema text uses '...'.
var singleQuoted = map[string]bool{
	"WindowCaptureTextIndex_content": true,
	"WindowCaptureTextIndex_docsize": true,
}

// TableRootLocation is where a table's root page lives in the file.
type TableRootLocation struct {
	TableName       string
	PatternOffsets  []int // every match, ascending
	SchemaOffset    int   // the match that was used (the maximum)
	PageNumber      int
	PageSize        int
	StartPageOffset int64
}

func (l *TableRootLocation) String() string {
	return fmt.Sprintf("%s: page %d at 0x%x (schema text at 0x%x, %d match(es))",
		l.TableName, l.PageNumber, l.StartPageOffset, l.SchemaOffset, len(l.PatternOffsets))
}

// Pattern returns the exact byte sequence searched for table.
func Pattern(table string) []byte {
	quote := `"`
	if singleQuoted[table] {
		quote = `'`
	}
	return []byte("CREATE TABLE " + quote + table + quote)
}

// FindAll returns every offset of pattern in data, overlapping matches included.
func FindAll(data, pattern []byte) []int {
	if len(pattern) == 0 {
		return nil
	}
	var offsets []int
	start := 0
	for start <= len(data)-len(pattern) {
		i := bytes.Index(data[start:], pattern)
		if i < 0 {
			break
		}
		offsets = append(offsets, start+i)
		start += i + 1
	}
	return offsets
}

// Locate finds the root page of table in db. Later schema copies sit at
// higher offsets, so the highest match wins.
//
// A table whose text never appears, or whose rootpage byte is unusable,
// yields a *errors.NotFoundError; the caller skips that table and carries on.
func Locate(db []byte, table string) (*TableRootLocation, error) {
	pageSize, err := format.ReadPageSize(db)
	if err != nil {
		return nil, err
	}

	offsets := FindAll(db, Pattern(table))
	if len(offsets) == 0 {
		return nil, rerrors.NewNotFound("table", table)
	}

	schemaOffset := offsets[len(offsets)-1]
	if schemaOffset == 0 {
		return nil, &rerrors.NotFoundError{Resource: "table", ID: table,
			Err: rerrors.NewFormat("schema record", 0, "no rootpage byte before CREATE TABLE text")}
	}

	pageNumber := int(db[schemaOffset-1])
	if pageNumber == 0 {
		return nil, &rerrors.NotFoundError{Resource: "table", ID: table,
			Err: rerrors.NewFormat("schema record", int64(schemaOffset-1), "rootpage byte is zero")}
	}

	start := format.PageOffset(pageNumber, pageSize)
	if start+int64(pageSize) > int64(len(db)) {
		return nil, rerrors.NewFormat("schema record", int64(schemaOffset-1),
			fmt.Sprintf("root page %d of %s lies beyond end of file (%d bytes)", pageNumber, table, len(db)))
	}

	return &TableRootLocation{
		TableName:       table,
		PatternOffsets:  offsets,
		SchemaOffset:    schemaOffset,
		PageNumber:      pageNumber,
		PageSize:        pageSize,
		StartPageOffset: start,
	}, nil
}
