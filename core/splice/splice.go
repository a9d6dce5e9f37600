// Package splice writes the best WAL frame for a table back over the
// table's root page in a working copy of the database.
package splice

import (
	"errors"
	"fmt"
	"io"

	"github.com/FocuswithJustin/RecallRecover/core/btree"
	"github.com/FocuswithJustin/RecallRecover/core/wal"
)

// ErrNoLeafCandidate means none of the frames was a table leaf page.
var ErrNoLeafCandidate = errors.New("no table leaf candidate among wal frames")

// Options tune candidate selection.
type Options struct {
	// PreferLatest keeps the last frame seen when record counts tie
	// instead of the first.
	PreferLatest bool
}

// Choice is the frame Select picked.
type Choice struct {
	Frame       wal.Frame
	RecordCount int
	Eligible    int // candidates that were table leaves
}

// Select picks the table leaf frame with the highest record count.
func Select(cands []wal.Frame, opts Options) (*Choice, error) {
	var best *Choice
	eligible := 0
	for _, f := range cands {
		if !btree.IsLeafTablePage(f.Page) {
			continue
		}
		eligible++
		n := btree.RecordCount(f.Page)
		if best == nil || n > best.RecordCount || (opts.PreferLatest && n == best.RecordCount) {
			best = &Choice{Frame: f, RecordCount: n}
		}
	}
	if best == nil {
		return nil, ErrNoLeafCandidate
	}
	best.Eligible = eligible
	return best, nil
}

// Splice writes the best candidate at offset in out and returns its record
// count. Nothing is written when no candidate is a table leaf.
func Splice(cands []wal.Frame, offset int64, out io.WriterAt) (int, error) {
	return SpliceWith(cands, offset, out, Options{})
}

// SpliceWith is Splice with explicit selection options.
func SpliceWith(cands []wal.Frame, offset int64, out io.WriterAt, opts Options) (int, error) {
	choice, err := Select(cands, opts)
	if err != nil {
		return 0, err
	}
	n, err := out.WriteAt(choice.Frame.Page, offset)
	if err != nil {
		return 0, fmt.Errorf("write frame %d at 0x%x: %w", choice.Frame.Index, offset, err)
	}
	if n != len(choice.Frame.Page) {
		return 0, fmt.Errorf("write frame %d at 0x%x: %w", choice.Frame.Index, offset, io.ErrShortWrite)
	}
	return choice.RecordCount, nil
}
