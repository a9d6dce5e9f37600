package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/FocuswithJustin/RecallRecover/core/btree"
	"github.com/FocuswithJustin/RecallRecover/core/classify"
	"github.com/FocuswithJustin/RecallRecover/core/evidence"
	"github.com/FocuswithJustin/RecallRecover/core/format"
	"github.com/FocuswithJustin/RecallRecover/core/locator"
	"github.com/FocuswithJustin/RecallRecover/core/pipeline"
	"github.com/FocuswithJustin/RecallRecover/core/recovery"
	"github.com/FocuswithJustin/RecallRecover/core/splice"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
	"github.com/FocuswithJustin/RecallRecover/core/wal"
	"github.com/FocuswithJustin/RecallRecover/internal/api"
	"github.com/FocuswithJustin/RecallRecover/internal/archive"
	"github.com/FocuswithJustin/RecallRecover/internal/config"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
	"github.com/FocuswithJustin/RecallRecover/internal/validation"
)

// SourceFlags are shared by run and wal.
type SourceFlags struct {
	Source       string   `arg:"" help:"Path to ukg.db" type:"existingfile"`
	WAL          string   `name:"wal" help:"Path to the WAL (default <source>-wal)" type:"path"`
	Out          string   `name:"out" short:"o" help:"Output directory (default Recover_Output)" type:"path"`
	Table        []string `name:"table" short:"t" help:"Table to splice (repeatable)"`
	AllTables    bool     `name:"all-tables" help:"Splice every Recall table"`
	PreferLatest bool     `name:"prefer-latest" help:"Keep the latest frame when record counts tie"`
}

func (f SourceFlags) recoveryConfig(cfg *config.Config) (pipeline.RecoveryConfig, error) {
	rc := cfg.Recovery(f.Source)
	rc.WALPath = f.WAL
	if f.Out != "" {
		rc.OutputDir = f.Out
	}
	switch {
	case f.AllTables:
		rc.Tables = pipeline.AllTables
	case len(f.Table) > 0:
		rc.Tables = f.Table
	}
	rc.PreferLatest = f.PreferLatest

	if err := validation.CheckFile(f.Source, validation.FileTypeSQLite); err != nil {
		return rc, err
	}
	walPath := rc.WALPath
	if walPath == "" {
		walPath = f.Source + "-wal"
	}
	if err := validation.CheckFile(walPath, validation.FileTypeWAL); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Frames are found by tag, so a damaged WAL header is not fatal.
		logging.Warn("wal_header_unrecognized", "path", walPath, "error", err)
	}
	return rc, nil
}

// RunCmd runs the full pipeline.
type RunCmd struct {
	SourceFlags `embed:""`
	SQLite3      string `name:"sqlite3" help:"Path to the sqlite3 shell" type:"path"`
	MinID        int64  `name:"min-id" help:"Nothing is recovered when MIN(WindowCapture.Id) is at or below this (default 8)"`
	SkipPrecheck bool   `name:"skip-precheck" help:"Run even when the precheck finds nothing deleted"`
	Bundle       bool   `name:"bundle" help:"Pack the output directory into <out>.tar.xz"`
}

func (c *RunCmd) Run(ctx context.Context, cfg *config.Config) error {
	rc, err := c.recoveryConfig(cfg)
	if err != nil {
		return err
	}
	if c.SQLite3 != "" {
		rc.SQLiteBinary = c.SQLite3
	}
	if c.MinID != 0 {
		rc.MinIDThreshold = c.MinID
	}
	rc.SkipPrecheck = c.SkipPrecheck

	p := pipeline.New(rc, nil)
	rep, err := p.Run(ctx)
	if err != nil {
		return err
	}
	printReport(rep)

	if c.Bundle {
		path, err := archive.Bundle(p.Config().OutputDir, "")
		if err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		fmt.Printf("Bundle: %s\n", path)
	}
	return nil
}

// WALCmd runs only the copy, repair and splice steps.
type WALCmd struct {
	SourceFlags `embed:""`
}

func (c *WALCmd) Run(ctx context.Context, cfg *config.Config) error {
	rc, err := c.recoveryConfig(cfg)
	if err != nil {
		return err
	}
	p := pipeline.New(rc, nil)
	rep := &pipeline.Report{Config: p.Config()}
	if err := p.RepairWAL(ctx, rep); err != nil {
		return err
	}
	printTables(rep.Tables)
	fmt.Printf("Spliced database: %s\n", p.Path(pipeline.WALDatabaseName))
	fmt.Printf("Repaired WAL:     %s\n", p.Path(pipeline.RemainedWALName))
	return nil
}

// RecoverCmd runs sqlite3 .recover into a fresh database.
type RecoverCmd struct {
	Source    string `arg:"" help:"Database to recover" type:"existingfile"`
	Recovered string `arg:"" help:"Database to create" type:"path"`
	SQLite3   string `name:"sqlite3" help:"Path to the sqlite3 shell" type:"path"`
}

func (c *RecoverCmd) Run(ctx context.Context, cfg *config.Config) error {
	bin := c.SQLite3
	if bin == "" {
		bin = cfg.SQLiteBinary
	}
	res, err := recovery.NewDriver(bin).Recover(ctx, c.Source, c.Recovered)
	if err != nil {
		return err
	}
	printRecovery(res)
	return nil
}

// ClassifyCmd classifies lost_and_found rows in place.
type ClassifyCmd struct {
	Recovered string `arg:"" help:"Recovered database" type:"existingfile"`
	List      bool   `name:"list" help:"Print the classified WindowCapture rows afterwards"`
}

func (c *ClassifyCmd) Run(ctx context.Context) error {
	moved, skipped, err := classify.Classify(ctx, c.Recovered)
	if err != nil {
		return err
	}
	if moved == 0 && skipped == 0 {
		fmt.Println("Nothing to classify")
	} else {
		fmt.Printf("Moved %d row(s) into %s, skipped %d sparse row(s)\n", moved, classify.TargetTable, skipped)
	}
	if c.List {
		return listRecovered(ctx, c.Recovered, os.Stdout)
	}
	return nil
}

// listRecovered writes one line per re_WindowCapture row.
func listRecovered(ctx context.Context, path string, out io.Writer) error {
	db, err := sqlite.OpenXReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	exists, err := sqlite.TableExists(db, classify.TargetTable)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Fprintf(out, "No %s table\n", classify.TargetTable)
		return nil
	}
	rows, err := classify.ListRecovered(ctx, db)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tWINDOW TITLE\tNAME")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.TimeStamp.String, r.WindowTitle.String, r.Name.String)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s row(s)\n", humanize.Comma(int64(len(rows))))
	return nil
}

// LocateCmd prints table root pages.
type LocateCmd struct {
	DB     string   `arg:"" help:"Database file" type:"existingfile"`
	Tables []string `arg:"" optional:"" help:"Tables to locate (default every Recall table)"`
}

func (c *LocateCmd) Run() error {
	data, err := os.ReadFile(c.DB)
	if err != nil {
		return err
	}
	tables := c.Tables
	if len(tables) == 0 {
		tables = pipeline.AllTables
	}
	for _, t := range tables {
		loc, err := locator.Locate(data, t)
		if err != nil {
			fmt.Printf("%s: %v\n", t, err)
			continue
		}
		fmt.Println(loc)
	}
	return nil
}

// InspectCmd dumps what recovery would work with.
type InspectCmd struct {
	DB  string `arg:"" help:"Database file" type:"existingfile"`
	WAL string `name:"wal" help:"Path to the WAL (default <db>-wal)" type:"path"`
	Hex bool   `name:"hex" help:"Log the frame header, rowids and page header hex of each candidate frame"`
}

func (c *InspectCmd) Run() error {
	data, err := os.ReadFile(c.DB)
	if err != nil {
		return err
	}
	fmt.Printf("Database: %s (%s)\n", c.DB, humanize.IBytes(uint64(len(data))))
	if h, err := format.ParseHeader(data); err != nil {
		fmt.Printf("  header: %v\n", err)
	} else {
		fmt.Printf("  page size %s, %s pages, wal mode %v, change counter %d, freelist %d\n",
			humanize.IBytes(uint64(h.PageSize)), humanize.Comma(int64(h.DatabaseSize)),
			h.IsWAL(), h.FileChangeCounter, h.FreelistCount)
	}

	walPath := c.WAL
	if walPath == "" {
		walPath = c.DB + "-wal"
	}
	walBytes, err := os.ReadFile(walPath)
	if err != nil {
		fmt.Printf("WAL: %v\n", err)
		walBytes = nil
	} else {
		fmt.Printf("WAL: %s (%s)\n", walPath, humanize.IBytes(uint64(len(walBytes))))
		if h, err := wal.ParseHeader(walBytes); err != nil {
			fmt.Printf("  header: %v\n", err)
		} else {
			fmt.Printf("  page size %s, checkpoint %d, salts %08x/%08x, ~%d frames\n",
				humanize.IBytes(uint64(h.PageSize)), h.CheckpointSeq, h.Salt1, h.Salt2,
				wal.FrameCount(len(walBytes), h.PageSize))
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tPAGE\tOFFSET\tFRAMES\tNEEDS REPAIR\tBEST FRAME\tRECORDS\tROWIDS")
	for _, t := range pipeline.AllTables {
		loc, err := locator.Locate(data, t)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t%v\n", t, err)
			continue
		}
		frames := wal.Scan(walBytes, loc.PageNumber, loc.PageSize)
		broken := 0
		for _, f := range frames {
			if btree.NeedsRepair(f.Page) {
				broken++
			}
			if c.Hex {
				logging.Info("frame", append([]any{"table", t}, frameAttrs(walBytes, f)...)...)
			}
		}
		best, records, rowids := "-", "-", "-"
		if choice, err := splice.Select(frames, splice.Options{}); err == nil {
			best = fmt.Sprint(choice.Frame.Index)
			records = fmt.Sprint(choice.RecordCount)
			rowids = rowIDSpan(rowIDs(choice.Frame.Page))
		}
		fmt.Fprintf(w, "%s\t%d\t0x%x\t%d\t%d\t%s\t%s\t%s\n",
			t, loc.PageNumber, loc.StartPageOffset, len(frames), broken, best, records, rowids)
	}
	return w.Flush()
}

// frameAttrs describes a candidate frame: where it sits, what its WAL frame
// header says, and the rowids its cell pointers reach.
func frameAttrs(walBytes []byte, f wal.Frame) []any {
	attrs := []any{"frame", f.Index, "offset", fmt.Sprintf("0x%x", f.TagOffset)}
	if h, err := wal.ParseFrameHeader(walBytes, f.TagOffset); err == nil {
		attrs = append(attrs,
			"page", h.PageNumber,
			"commit", h.IsCommit(),
			"salts", fmt.Sprintf("%08x/%08x", h.Salt1, h.Salt2),
		)
	}
	return append(attrs,
		"rowids", rowIDs(f.Page),
		"dump", btree.HexDump(f.Page, btree.HeaderDumpSize),
	)
}

func rowIDs(page []byte) []int64 {
	cells := btree.LeafCells(page)
	ids := make([]int64, len(cells))
	for i, c := range cells {
		ids[i] = c.RowID
	}
	return ids
}

// rowIDSpan renders rowids as "first..last (n)", or "-" when there are none.
func rowIDSpan(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	lo, hi := ids[0], ids[0]
	for _, id := range ids[1:] {
		lo, hi = min(lo, id), max(hi, id)
	}
	return fmt.Sprintf("%d..%d (%d)", lo, hi, len(ids))
}

// HashCmd prints evidence digests or verifies a manifest.
type HashCmd struct {
	Files  []string `arg:"" optional:"" help:"Files to hash" type:"existingfile"`
	Verify string   `name:"verify" help:"Verify the files listed in a manifest.json, or the outputs inside a bundle" type:"existingfile"`
}

func (c *HashCmd) Run() error {
	if c.Verify != "" {
		return c.verify()
	}

	if len(c.Files) == 0 {
		return errors.New("no files given")
	}
	for _, path := range c.Files {
		h, err := evidence.HashFile(path, "")
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n  sha256 %s\n  blake3 %s\n", path, humanize.IBytes(uint64(h.Size)), h.SHA256, h.BLAKE3)
	}
	return nil
}

func (c *HashCmd) verify() error {
	var (
		m          *evidence.Manifest
		mismatches []evidence.Mismatch
		err        error
	)
	if archive.IsBundle(c.Verify) {
		m, mismatches, err = archive.VerifyBundle(c.Verify)
	} else {
		m, err = evidence.Load(c.Verify)
		if err == nil {
			mismatches, err = m.Verify()
		}
	}
	if err != nil {
		return err
	}

	for _, mm := range mismatches {
		if mm.Actual == "" {
			fmt.Printf("MISSING  %s\n", mm.Path)
			continue
		}
		fmt.Printf("MISMATCH %s: expected %s, got %s\n", mm.Path, mm.Expected, mm.Actual)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d of %d file(s) changed", len(mismatches), len(m.Files))
	}
	fmt.Printf("OK: %d file(s) match %s\n", len(m.Files), c.Verify)
	return nil
}

// BundleCmd archives an output directory.
type BundleCmd struct {
	Dir string `arg:"" help:"Output directory" type:"existingdir"`
	Out string `name:"out" short:"o" help:"Bundle path (default <dir>.tar.xz)" type:"path"`
}

func (c *BundleCmd) Run() error {
	path, err := archive.Bundle(c.Dir, c.Out)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("Bundle: %s (%s)\n", path, humanize.IBytes(uint64(info.Size())))
	return nil
}

// ServeCmd starts the job API.
type ServeCmd struct {
	Addr    string   `name:"addr" help:"Listen address (default :8787)"`
	BaseDir string   `name:"base-dir" help:"Confine job paths to this directory" type:"path"`
	Origins []string `name:"origin" help:"Allowed CORS/websocket origin (repeatable)"`
	SQLite3 string   `name:"sqlite3" help:"Path to the sqlite3 shell" type:"path"`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config) error {
	addr := c.Addr
	if addr == "" {
		addr = cfg.Addr
	}
	defaults := cfg.Recovery("")
	if c.SQLite3 != "" {
		defaults.SQLiteBinary = c.SQLite3
	}
	s := api.NewServer(api.Config{
		Addr:           addr,
		BaseDir:        c.BaseDir,
		Defaults:       defaults,
		AllowedOrigins: c.Origins,
	}, nil)
	return s.ListenAndServe(ctx)
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("recall-recover version %s (sqlite driver %s)\n", pipeline.Version, sqlite.DriverType())
	return nil
}

func printReport(rep *pipeline.Report) {
	printTables(rep.Tables)
	if rep.Recovery != nil {
		printRecovery(rep.Recovery)
	}
	fmt.Printf("Classified: moved %d, skipped %d\n", rep.Moved, rep.Skipped)
	for _, r := range rep.Relations {
		status := fmt.Sprintf("%d row(s)", r.Rows)
		if r.Error != "" {
			status = r.Error
		}
		fmt.Printf("Relation %s -> %s: %s\n", r.Source, r.Target, status)
	}
	if rep.Evidence != "" {
		fmt.Printf("Evidence manifest: %s\n", rep.Evidence)
	}
}

func printTables(tables []pipeline.TableReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tPAGE\tFRAMES\tREPAIRED\tFRAME\tRECORDS\tRESULT")
	for _, t := range tables {
		result := "spliced"
		if !t.Spliced {
			result = "skipped: " + t.Err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t.Table, t.PageNumber, t.Frames, t.Repaired, t.SelectedFrame, t.RecordCount, result)
	}
	w.Flush()
}

func printRecovery(res *recovery.Result) {
	fmt.Printf("Recovered statements: %d ok, %d failed (%d catalog, %d control dropped)\n",
		res.Succeeded, res.Failed, res.Filtered, res.Control)
	fmt.Printf("Integrity: %s\n", strings.TrimSpace(res.Integrity))
	fmt.Printf("Dump: %s\n", filepath.Base(res.DumpPath))
}
