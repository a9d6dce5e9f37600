package btree

import (
	"fmt"
	"strings"
)

// HeaderDumpSize is how much of a page is dumped around a repair.
const HeaderDumpSize = 0x20

// HexDump renders the first n bytes of data as upper-case hex, sixteen
// bytes per line.
func HexDump(data []byte, n int) string {
	if n > len(data) {
		n = len(data)
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		switch {
		case i == 0:
		case i%16 == 0:
			sb.WriteByte('\n')
		default:
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", data[i])
	}
	return sb.String()
}
