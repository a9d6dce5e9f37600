package btree

// LeafCell is the decoded prefix of a table leaf cell.
type LeafCell struct {
	Offset      uint16 // cell pointer value
	PayloadSize uint64
	RowID       int64
}

// getVarint reads a SQLite varint: up to eight 7-bit groups, high bit set
// on continuation, and a full ninth byte.
func getVarint(p []byte) (uint64, int) {
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(p) {
			return 0, 0
		}
		v = (v << 7) | uint64(p[i]&0x7f)
		if p[i] < 0x80 {
			return v, i + 1
		}
	}
	if len(p) < 9 {
		return 0, 0
	}
	return (v << 8) | uint64(p[8]), 9
}

// LeafCells decodes the payload size and rowid of every cell reachable from
// the pointer array. Pointers that land outside the page, or on bytes that
// do not decode, are skipped.
func LeafCells(page []byte) []LeafCell {
	if !IsLeafTablePage(page) {
		return nil
	}
	var cells []LeafCell
	for _, ptr := range Pointers(page) {
		off := int(ptr)
		if off >= len(page) {
			continue
		}
		size, n := getVarint(page[off:])
		if n == 0 {
			continue
		}
		rowid, m := getVarint(page[off+n:])
		if m == 0 {
			continue
		}
		cells = append(cells, LeafCell{Offset: ptr, PayloadSize: size, RowID: int64(rowid)})
	}
	return cells
}
