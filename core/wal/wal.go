// Package wal scans a SQLite write-ahead log for frames that carry a given
// page. Frames are matched by the first eight bytes of their frame header
// rather than by walking the frame chain, so frames whose salts or
// checksums no longer validate are still found.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/format"
)

// TagSize is the number of frame-header bytes matched by Scan.
const TagSize = 8

// Frame is one WAL frame whose header tags the requested page.
type Frame struct {
	Index         int   // 1-based position among the matches
	TagOffset     int   // offset of the frame header in the WAL
	PayloadOffset int   // TagOffset + 24
	Page          []byte
}

// Tag returns the 8-byte frame-header prefix for a non-commit frame of
// pageNumber, or nil when the page number does not fit in one byte.
func Tag(pageNumber int) []byte {
	if pageNumber < 1 || pageNumber > 0xFF {
		return nil
	}
	return []byte{0, 0, 0, byte(pageNumber), 0, 0, 0, 0}
}

// Scan returns every frame in walBytes tagged with pageNumber, in file
// order. Each Frame.Page is a private copy of pageSize bytes. Matches whose
// payload would run past the end of walBytes are dropped.
func Scan(walBytes []byte, pageNumber, pageSize int) []Frame {
	tag := Tag(pageNumber)
	if tag == nil || pageSize <= 0 {
		return nil
	}

	var frames []Frame
	for pos := 0; pos < len(walBytes)-TagSize; pos++ {
		if walBytes[pos] != 0 || !bytes.Equal(walBytes[pos:pos+TagSize], tag) {
			continue
		}
		payload := pos + format.WALFrameHeaderSize
		if payload+pageSize > len(walBytes) {
			continue
		}
		page := make([]byte, pageSize)
		copy(page, walBytes[payload:payload+pageSize])
		frames = append(frames, Frame{
			Index:         len(frames) + 1,
			TagOffset:     pos,
			PayloadOffset: payload,
			Page:          page,
		})
	}
	return frames
}

// Patch overwrites the payload of f inside walBytes with page.
func Patch(walBytes []byte, f Frame, page []byte) error {
	end := f.PayloadOffset + len(page)
	if f.PayloadOffset < 0 || end > len(walBytes) {
		return rerrors.NewFormat("wal frame", int64(f.TagOffset),
			fmt.Sprintf("payload [0x%x, 0x%x) outside wal of %d bytes", f.PayloadOffset, end, len(walBytes)))
	}
	copy(walBytes[f.PayloadOffset:], page)
	return nil
}

// Header is the 32-byte WAL file header.
type Header struct {
	Magic          uint32
	FormatVersion  uint32
	PageSize       int
	CheckpointSeq  uint32
	Salt1, Salt2   uint32
	Checksum1      uint32
	Checksum2      uint32
	BigEndianCksum bool
}

// ParseHeader decodes the WAL header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < format.WALHeaderSize {
		return nil, rerrors.NewFormat("wal header", 0,
			fmt.Sprintf("need %d bytes, have %d", format.WALHeaderSize, len(data)))
	}

	h := &Header{
		Magic:         binary.BigEndian.Uint32(data[0:4]),
		FormatVersion: binary.BigEndian.Uint32(data[4:8]),
		CheckpointSeq: binary.BigEndian.Uint32(data[12:16]),
		Salt1:         binary.BigEndian.Uint32(data[16:20]),
		Salt2:         binary.BigEndian.Uint32(data[20:24]),
		Checksum1:     binary.BigEndian.Uint32(data[24:28]),
		Checksum2:     binary.BigEndian.Uint32(data[28:32]),
	}
	switch h.Magic {
	case format.WALMagicLE:
	case format.WALMagicBE:
		h.BigEndianCksum = true
	default:
		return nil, rerrors.NewFormat("wal header", 0, fmt.Sprintf("bad magic 0x%08x", h.Magic))
	}

	h.PageSize = int(binary.BigEndian.Uint32(data[8:12]))
	if h.PageSize == 1 {
		h.PageSize = format.MaxPageSize
	}
	return h, nil
}

// FrameHeader is the 24-byte header preceding each WAL frame payload.
type FrameHeader struct {
	PageNumber uint32
	CommitSize uint32 // database size in pages for commit frames, else 0
	Salt1      uint32
	Salt2      uint32
	Checksum1  uint32
	Checksum2  uint32
}

// IsCommit reports whether the frame ends a transaction.
func (h FrameHeader) IsCommit() bool { return h.CommitSize != 0 }

// ParseFrameHeader decodes the frame header at offset.
func ParseFrameHeader(data []byte, offset int) (*FrameHeader, error) {
	if offset < 0 || offset+format.WALFrameHeaderSize > len(data) {
		return nil, rerrors.NewFormat("wal frame header", int64(offset), "truncated")
	}
	b := data[offset : offset+format.WALFrameHeaderSize]
	return &FrameHeader{
		PageNumber: binary.BigEndian.Uint32(b[0:4]),
		CommitSize: binary.BigEndian.Uint32(b[4:8]),
		Salt1:      binary.BigEndian.Uint32(b[8:12]),
		Salt2:      binary.BigEndian.Uint32(b[12:16]),
		Checksum1:  binary.BigEndian.Uint32(b[16:20]),
		Checksum2:  binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

// FrameCount returns how many whole frames follow the header for pageSize.
func FrameCount(walLen, pageSize int) int {
	if pageSize <= 0 || walLen <= format.WALHeaderSize {
		return 0
	}
	return (walLen - format.WALHeaderSize) / (format.WALFrameHeaderSize + pageSize)
}
