// Package btree reads and repairs SQLite table b-tree leaf pages taken from
// WAL frames.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/FocuswithJustin/RecallRecover/core/format"
)

// Page type constants (first byte of page header)
const (
	PageTypeInteriorIndex = format.PageTypeInteriorIndex
	PageTypeInteriorTable = format.PageTypeInteriorTable
	PageTypeLeafIndex     = format.PageTypeLeafIndex
	PageTypeLeafTable     = format.PageTypeLeafTable
)

// PageHeader represents the parsed header of a b-tree page
type PageHeader struct {
	PageType         byte   // Page type (0x02, 0x05, 0x0a, 0x0d)
	FirstFreeblock   uint16 // Offset to first freeblock (0 if none)
	NumCells         uint16 // Number of cells on this page
	CellContentStart uint16 // Start of cell content area
	FragmentedBytes  byte   // Number of fragmented free bytes
}

// ParsePageHeader parses the 8-byte leaf header at the start of page.
// Unlike a strict reader it accepts any type byte so damaged pages can
// still be described in logs.
func ParsePageHeader(page []byte) (*PageHeader, error) {
	if len(page) < format.BtreeHeaderSizeLeaf {
		return nil, fmt.Errorf("page data too small: %d bytes", len(page))
	}
	return &PageHeader{
		PageType:         page[format.BtreePageType],
		FirstFreeblock:   binary.BigEndian.Uint16(page[format.BtreeFirstFreeblock:]),
		NumCells:         binary.BigEndian.Uint16(page[format.BtreeCellCount:]),
		CellContentStart: binary.BigEndian.Uint16(page[format.BtreeCellContentStart:]),
		FragmentedBytes:  page[format.BtreeFragmentedBytes],
	}, nil
}

// IsLeafTable reports whether the header describes a table leaf page.
func (h *PageHeader) IsLeafTable() bool {
	return h.PageType == PageTypeLeafTable
}

// String returns a string representation of the page header
func (h *PageHeader) String() string {
	pageTypeStr := "unknown"
	switch h.PageType {
	case PageTypeInteriorIndex:
		pageTypeStr = "interior index"
	case PageTypeInteriorTable:
		pageTypeStr = "interior table"
	case PageTypeLeafIndex:
		pageTypeStr = "leaf index"
	case PageTypeLeafTable:
		pageTypeStr = "leaf table"
	}

	return fmt.Sprintf("PageHeader{type=%s, cells=%d, contentStart=%d, freeblock=%d, fragmented=%d}",
		pageTypeStr, h.NumCells, h.CellContentStart, h.FirstFreeblock, h.FragmentedBytes)
}

// IsLeafTablePage reports whether byte 0 of page is 0x0D.
func IsLeafTablePage(page []byte) bool {
	return len(page) > 0 && page[0] == PageTypeLeafTable
}

// RecordCount returns the cell count stored in bytes 3-4.
func RecordCount(page []byte) int {
	if len(page) < format.BtreeCellCount+2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(page[format.BtreeCellCount:]))
}

// Pointers walks the cell pointer array from offset 8 and returns every
// entry up to the first 00 00 terminator or the end of the page.
func Pointers(page []byte) []uint16 {
	var ptrs []uint16
	for off := format.BtreeHeaderSizeLeaf; off+2 <= len(page); off += 2 {
		p := binary.BigEndian.Uint16(page[off:])
		if p == 0 {
			break
		}
		ptrs = append(ptrs, p)
	}
	return ptrs
}

// CountPointers returns len(Pointers(page)) without allocating.
func CountPointers(page []byte) int {
	n := 0
	for off := format.BtreeHeaderSizeLeaf; off+2 <= len(page); off += 2 {
		if page[off] == 0 && page[off+1] == 0 {
			break
		}
		n++
	}
	return n
}
