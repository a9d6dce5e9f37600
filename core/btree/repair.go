package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/FocuswithJustin/RecallRecover/core/format"
)

// RepairResult describes what Repair did to one page image.
type RepairResult struct {
	Page            []byte // repaired copy, or an unmodified copy
	Repaired        bool   // header count and pointers were rewritten
	Partial         bool   // a duplicate could not be resolved
	RecordCount     int    // pointers counted before rewriting
	DuplicatesFixed int    // pointer slots given a new value
}

var (
	zeroRun3 = []byte{0, 0, 0}
	zeroRun2 = []byte{0, 0}
)

// Repair fixes a table leaf page whose header claims zero cells while its
// pointer array is still populated, which is how Recall leaves pages after
// deleting their rows.
//
// Repeated adjacent pointers mark deleted cells. Each duplicate is moved to
// the next 00 00 00 (or 00 00) run after the cell it copies, since that run
// is where the following record begins. The cell count becomes the number of
// pointers found and the content-area start becomes the last pointer.
//
// page is never modified. Pages that are not table leaves, or whose header
// count is already non-zero, come back unchanged.
func Repair(page []byte) *RepairResult {
	out := make([]byte, len(page))
	copy(out, page)
	res := &RepairResult{Page: out}

	if !IsLeafTablePage(out) || len(out) < format.BtreeHeaderSizeLeaf {
		return res
	}

	res.RecordCount = CountPointers(out)
	if RecordCount(out) != 0 || res.RecordCount == 0 {
		return res
	}

	res.DuplicatesFixed, res.Partial = fixDuplicatePointers(out)
	binary.BigEndian.PutUint16(out[format.BtreeCellCount:], uint16(res.RecordCount))
	updateContentStart(out)
	res.Repaired = true
	return res
}

// NeedsRepair reports whether Repair would rewrite page.
func NeedsRepair(page []byte) bool {
	return IsLeafTablePage(page) && len(page) >= format.BtreeHeaderSizeLeaf &&
		RecordCount(page) == 0 && CountPointers(page) > 0
}

// findZeroRun returns the offset and length of the first 00 00 00 or 00 00
// run at or after start. A three-byte run is only taken when at least four
// bytes remain.
func findZeroRun(data []byte, start int) (int, int) {
	if start < 0 {
		start = 0
	}
	for pos := start; pos < len(data)-1; pos++ {
		if pos < len(data)-3 && bytes.Equal(data[pos:pos+3], zeroRun3) {
			return pos, 3
		}
		if bytes.Equal(data[pos:pos+2], zeroRun2) {
			return pos, 2
		}
	}
	return -1, 0
}

func fixDuplicatePointers(page []byte) (fixed int, partial bool) {
	for slot := format.BtreeHeaderSizeLeaf; slot < len(page)-2; slot += 2 {
		if page[slot] == 0 && page[slot+1] == 0 {
			break
		}
		if slot+4 > len(page) {
			break
		}
		cur := page[slot : slot+2]
		next := page[slot+2 : slot+4]
		if !bytes.Equal(cur, next) {
			continue
		}

		dup := [2]byte{cur[0], cur[1]}
		zeroPos, runLen := findZeroRun(page, int(binary.BigEndian.Uint16(cur)))
		if zeroPos < 0 {
			return fixed, true
		}
		binary.BigEndian.PutUint16(page[slot+2:], uint16(zeroPos))
		fixed++

		for upd := slot + 4; upd < len(page)-1 && page[upd] == dup[0] && page[upd+1] == dup[1]; upd += 2 {
			nextPos, nextLen := findZeroRun(page, zeroPos+runLen)
			if nextPos < 0 {
				partial = true
				break
			}
			binary.BigEndian.PutUint16(page[upd:], uint16(nextPos))
			fixed++
			zeroPos, runLen = nextPos, nextLen
		}
	}
	return fixed, partial
}

// updateContentStart stores the last pointer before the terminator in
// bytes 5-6.
func updateContentStart(page []byte) {
	last := [2]byte{page[8], page[9]}
	for off := format.BtreeHeaderSizeLeaf; off < len(page)-1; off += 2 {
		if page[off] == 0 && page[off+1] == 0 {
			break
		}
		last = [2]byte{page[off], page[off+1]}
	}
	page[format.BtreeCellContentStart] = last[0]
	page[format.BtreeCellContentStart+1] = last[1]
}
