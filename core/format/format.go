// Package format defines the SQLite on-disk constants the recovery engine
// depends on: the 100-byte database header, b-tree page header offsets and
// the WAL header and frame layout.
//
// Every offset here is bit-exact with the SQLite file format. Recovery code
// reads evidence bytes directly with encoding/binary and never goes through
// the SQLite library for these structures.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
)

// ErrInvalidPageSize reports a page size field outside the legal range.
var ErrInvalidPageSize = errors.New("invalid page size")

// SQLite file format constants
const (
	// HeaderSize is the database header size in bytes (first 100 bytes of the database file).
	HeaderSize = 100

	// MagicString is the magic header string for SQLite 3 database files.
	MagicString = "SQLite format 3\000"

	// MinPageSize is the minimum allowed page size (512 bytes).
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size (65536 bytes).
	MaxPageSize = 65536
)

// Header offsets - byte positions in the 100-byte database header
const (
	OffsetMagic             = 0
	OffsetPageSize          = 16 // 2 bytes big-endian, 1 means 65536
	OffsetWriteVersion      = 18 // 1 legacy, 2 WAL
	OffsetReadVersion       = 19
	OffsetReservedSpace     = 20
	OffsetFileChangeCounter = 24
	OffsetDatabaseSize      = 28 // in pages
	OffsetFirstFreelist     = 32
	OffsetFreelistCount     = 36
	OffsetSchemaCookie      = 40
	OffsetTextEncoding      = 56
	OffsetUserVersion       = 60
	OffsetAppID             = 68
	OffsetSQLiteVersion     = 96
)

// Page types - first byte of B-tree page header
const (
	PageTypeInteriorIndex = 0x02
	PageTypeInteriorTable = 0x05
	PageTypeLeafIndex     = 0x0a
	PageTypeLeafTable     = 0x0d
)

// B-tree page header offsets
const (
	// BtreePageType is the page type (1 byte).
	BtreePageType = 0

	// BtreeFirstFreeblock is the first freeblock offset (2 bytes big-endian).
	BtreeFirstFreeblock = 1

	// BtreeCellCount is the number of cells (2 bytes big-endian).
	BtreeCellCount = 3

	// BtreeCellContentStart is the start of cell content area (2 bytes big-endian).
	BtreeCellContentStart = 5

	// BtreeFragmentedBytes is the number of fragmented free bytes (1 byte).
	BtreeFragmentedBytes = 7

	// BtreeHeaderSizeLeaf is the size of a leaf page header; the cell
	// pointer array starts right after it.
	BtreeHeaderSizeLeaf = 8
)

// WAL layout
const (
	// WALHeaderSize is the size of the header at the start of a -wal file.
	WALHeaderSize = 32

	// WALFrameHeaderSize is the size of the header preceding each page image.
	// The first 4 bytes are the page number, the next 4 the commit size
	// (non-zero only for the last frame of a transaction).
	WALFrameHeaderSize = 24

	// WALMagicLE and WALMagicBE select the checksum byte order.
	WALMagicLE = 0x377f0682
	WALMagicBE = 0x377f0683
)

// Header is the subset of the database header that recovery reports on.
type Header struct {
	PageSize          int
	WriteVersion      uint8
	ReadVersion       uint8
	ReservedSpace     uint8
	FileChangeCounter uint32
	DatabaseSize      uint32
	FirstFreelist     uint32
	FreelistCount     uint32
	SchemaCookie      uint32
	TextEncoding      uint32
	UserVersion       uint32
	AppID             uint32
	SQLiteVersion     uint32
}

// IsWAL reports whether the header marks the database as WAL-mode.
func (h *Header) IsWAL() bool {
	return h.WriteVersion == 2 && h.ReadVersion == 2
}

// ParseHeader decodes the 100-byte database header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, rerrors.NewFormat("database header", 0,
			fmt.Sprintf("got %d bytes, want %d", len(data), HeaderSize))
	}
	if string(data[OffsetMagic:OffsetMagic+16]) != MagicString {
		return nil, rerrors.NewFormat("database header", 0,
			fmt.Sprintf("bad magic %q", data[OffsetMagic:OffsetMagic+16]))
	}

	pageSize, err := ReadPageSize(data)
	if err != nil {
		return nil, err
	}

	return &Header{
		PageSize:          pageSize,
		WriteVersion:      data[OffsetWriteVersion],
		ReadVersion:       data[OffsetReadVersion],
		ReservedSpace:     data[OffsetReservedSpace],
		FileChangeCounter: binary.BigEndian.Uint32(data[OffsetFileChangeCounter:]),
		DatabaseSize:      binary.BigEndian.Uint32(data[OffsetDatabaseSize:]),
		FirstFreelist:     binary.BigEndian.Uint32(data[OffsetFirstFreelist:]),
		FreelistCount:     binary.BigEndian.Uint32(data[OffsetFreelistCount:]),
		SchemaCookie:      binary.BigEndian.Uint32(data[OffsetSchemaCookie:]),
		TextEncoding:      binary.BigEndian.Uint32(data[OffsetTextEncoding:]),
		UserVersion:       binary.BigEndian.Uint32(data[OffsetUserVersion:]),
		AppID:             binary.BigEndian.Uint32(data[OffsetAppID:]),
		SQLiteVersion:     binary.BigEndian.Uint32(data[OffsetSQLiteVersion:]),
	}, nil
}

// ReadPageSize returns the page size stored at offset 16. The magic string
// is not checked: carved or partially overwritten files still carry a usable
// page size even when the first bytes are damaged.
func ReadPageSize(data []byte) (int, error) {
	if len(data) < OffsetPageSize+2 {
		return 0, rerrors.NewFormat("database header", OffsetPageSize,
			fmt.Sprintf("file too short (%d bytes) for page size field", len(data)))
	}

	raw := int(binary.BigEndian.Uint16(data[OffsetPageSize:]))
	if raw == 1 {
		raw = MaxPageSize
	}
	if !IsValidPageSize(raw) {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPageSize, rerrors.NewFormat("database header", OffsetPageSize,
			fmt.Sprintf("page size %d is not a power of two in [%d, %d]", raw, MinPageSize, MaxPageSize)))
	}
	return raw, nil
}

// IsValidPageSize checks if a page size is valid.
// Valid page sizes are powers of 2 between 512 and 65536 inclusive.
func IsValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// PageOffset returns the byte offset of a 1-based page number.
func PageOffset(pageNumber, pageSize int) int64 {
	if pageNumber < 1 {
		return 0
	}
	return int64(pageNumber-1) * int64(pageSize)
}
