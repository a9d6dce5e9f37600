// Package pipeline runs the full Recall recovery: WAL frame repair and
// splice, sqlite3 .recover replay, lost_and_found classification and the
// relation carry-over, leaving an evidence manifest in the output directory.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/RecallRecover/core/btree"
	"github.com/FocuswithJustin/RecallRecover/core/classify"
	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/evidence"
	"github.com/FocuswithJustin/RecallRecover/core/locator"
	"github.com/FocuswithJustin/RecallRecover/core/recovery"
	"github.com/FocuswithJustin/RecallRecover/core/relations"
	"github.com/FocuswithJustin/RecallRecover/core/splice"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
	"github.com/FocuswithJustin/RecallRecover/core/wal"
	"github.com/FocuswithJustin/RecallRecover/internal/fileutil"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// Version is recorded in every evidence manifest.
var Version = "0.1.0"

// Files written into the output directory.
const (
	DefaultOutputDir      = "Recover_Output"
	WALDatabaseName       = "recovered_with_wal.db"
	RemainedWALName       = "remained.db-wal"
	RecoveredDatabaseName = "recovered_with_sqlite_recovery.db"
)

// DefaultMinIDThreshold is the WindowCapture id at or below which nothing
// has been deleted.
const DefaultMinIDThreshold = 8

// ErrNothingToRecover is returned when the precheck finds no deleted rows.
// It is a status, not a failure.
var ErrNothingToRecover = errors.New("nothing to recover")

// DefaultTables are spliced when no table list is configured.
var DefaultTables = []string{
	"App",
	"Web",
	"WindowCaptureAppRelation",
	"WindowCaptureWebRelation",
}

// AllTables is every table of the Recall database.
var AllTables = []string{
	"App",
	"AppDwellTime",
	"File",
	"ScreenRegion",
	"Web",
	"WindowCapture",
	"WindowCaptureAppRelation",
	"WindowCaptureFileRelation",
	"WindowCaptureTextIndex_content",
	"WindowCaptureTextIndex_docsize",
	"WindowCaptureWebRelation",
}

// RecoveryConfig carries every path and knob of a run. No component
// derives paths from the working directory.
type RecoveryConfig struct {
	SourceDB       string   `json:"source_db"`
	WALPath        string   `json:"wal_path,omitempty"`   // default SourceDB + "-wal"
	OutputDir      string   `json:"output_dir,omitempty"` // default Recover_Output
	Tables         []string `json:"tables,omitempty"`     // default DefaultTables
	SQLiteBinary   string   `json:"sqlite3,omitempty"`
	MinIDThreshold int64    `json:"min_id_threshold"` // 0 means DefaultMinIDThreshold
	SkipPrecheck   bool     `json:"skip_precheck,omitempty"`
	PreferLatest   bool     `json:"prefer_latest,omitempty"`
}

// withDefaults fills empty fields.
func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.WALPath == "" {
		c.WALPath = c.SourceDB + "-wal"
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if len(c.Tables) == 0 {
		c.Tables = DefaultTables
	}
	if c.MinIDThreshold == 0 {
		c.MinIDThreshold = DefaultMinIDThreshold
	}
	return c
}

// Validate checks the fields that cannot be defaulted.
func (c RecoveryConfig) Validate() error {
	if c.SourceDB == "" {
		return rerrors.NewValidation("source_db", "is required")
	}
	if c.MinIDThreshold < 0 {
		return rerrors.NewValidation("min_id_threshold", "must not be negative")
	}
	return nil
}

// Precheck is the outcome of the deleted-row precheck.
type Precheck struct {
	Skipped   bool   `json:"skipped,omitempty"`
	MinID     int64  `json:"min_id,omitempty"`
	Threshold int64  `json:"threshold"`
	Warning   string `json:"warning,omitempty"`
}

// TableReport is the WAL splice outcome for one table.
type TableReport struct {
	Table         string `json:"table"`
	PageNumber    int    `json:"page_number,omitempty"`
	PageOffset    int64  `json:"page_offset,omitempty"`
	Frames        int    `json:"frames"`
	Repaired      int    `json:"repaired"`
	Partial       int    `json:"partial,omitempty"`
	SelectedFrame int    `json:"selected_frame,omitempty"`
	RecordCount   int    `json:"record_count,omitempty"`
	Spliced       bool   `json:"spliced"`
	Err           string `json:"error,omitempty"`
}

// Report summarizes a run. It is embedded in the evidence manifest.
type Report struct {
	ID             string                  `json:"id"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	Config         RecoveryConfig          `json:"config"`
	Precheck       *Precheck               `json:"precheck,omitempty"`
	Tables         []TableReport           `json:"tables,omitempty"`
	Recovery       *recovery.Result        `json:"recovery,omitempty"`
	Moved          int                     `json:"moved"`
	Skipped        int                     `json:"skipped"`
	Classification *classify.Result        `json:"classification,omitempty"`
	Relations      []relations.TableReport `json:"relations,omitempty"`
	Evidence       string                  `json:"evidence,omitempty"`
}

// Spliced counts the tables whose best frame was written back.
func (r *Report) Spliced() int {
	n := 0
	for _, t := range r.Tables {
		if t.Spliced {
			n++
		}
	}
	return n
}

// Pipeline runs one recovery.
type Pipeline struct {
	cfg      RecoveryConfig
	reporter Reporter
	driver   *recovery.Driver
}

// New creates a Pipeline. A nil reporter logs progress.
func New(cfg RecoveryConfig, reporter Reporter) *Pipeline {
	cfg = cfg.withDefaults()
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Pipeline{
		cfg:      cfg,
		reporter: reporter,
		driver:   recovery.NewDriver(cfg.SQLiteBinary),
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() RecoveryConfig { return p.cfg }

// Path returns name joined to the output directory.
func (p *Pipeline) Path(name string) string {
	return filepath.Join(p.cfg.OutputDir, name)
}

// Run executes every step in order. When the precheck finds nothing to
// recover the report is returned with ErrNothingToRecover.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	rep := &Report{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Config:    p.cfg,
	}
	ctx = logging.WithJobID(ctx, rep.ID)

	if err := p.checkInputs(); err != nil {
		return rep, err
	}

	p.progress(ctx, "precheck", 0, "checking for deleted rows")
	rep.Precheck = p.precheck(ctx)
	if !rep.Precheck.Skipped && rep.Precheck.Warning == "" && rep.Precheck.MinID <= rep.Precheck.Threshold {
		rep.FinishedAt = time.Now().UTC()
		msg := fmt.Sprintf("minimum WindowCapture id %d is at or below %d", rep.Precheck.MinID, rep.Precheck.Threshold)
		p.progress(ctx, "precheck", 100, msg)
		return rep, fmt.Errorf("%w: %s", ErrNothingToRecover, msg)
	}

	manifest := &evidence.Manifest{ID: rep.ID, CreatedAt: rep.StartedAt, Version: Version}
	if err := p.hashInputs(manifest); err != nil {
		return rep, err
	}

	if err := p.RepairWAL(ctx, rep); err != nil {
		return rep, err
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	p.progress(ctx, "sqlite_recover", 50, "running sqlite3 .recover")
	res, err := p.driver.Recover(ctx, p.Path(WALDatabaseName), p.Path(RecoveredDatabaseName))
	if err != nil {
		return rep, fmt.Errorf("sqlite recovery: %w", err)
	}
	rep.Recovery = res
	logging.InfoContext(ctx, "sqlite_recover_done",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"integrity", res.Integrity,
	)

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	p.progress(ctx, "classify", 75, "classifying lost_and_found rows")
	if err := p.classify(ctx, rep); err != nil {
		return rep, err
	}

	p.progress(ctx, "relations", 85, "copying relation tables")
	rels, err := relations.Copy(ctx, p.Path(WALDatabaseName), p.Path(RecoveredDatabaseName))
	if err != nil {
		return rep, fmt.Errorf("copy relations: %w", err)
	}
	rep.Relations = rels

	p.progress(ctx, "evidence", 95, "writing evidence manifest")
	rep.FinishedAt = time.Now().UTC()
	if err := p.writeManifest(manifest, rep); err != nil {
		return rep, err
	}

	p.progress(ctx, "done", 100, fmt.Sprintf("recovered %d rows, skipped %d", rep.Moved, rep.Skipped))
	return rep, nil
}

// RepairWAL runs steps 1 to 3: copy the inputs, repair and splice every
// configured table, then write the patched WAL image.
func (p *Pipeline) RepairWAL(ctx context.Context, rep *Report) error {
	p.progress(ctx, "copy", 10, "copying database and wal")
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return rerrors.NewPermission("create", p.cfg.OutputDir, err.Error())
	}
	if err := copyWritable(p.cfg.SourceDB, p.Path(WALDatabaseName)); err != nil {
		return err
	}
	walBytes, err := os.ReadFile(p.cfg.WALPath)
	if err != nil {
		return rerrors.NewIO("read", p.cfg.WALPath, err)
	}
	if _, err := wal.ParseHeader(walBytes); err != nil {
		logging.WarnContext(ctx, "wal_header_unreadable", "path", p.cfg.WALPath, "error", err)
	}
	if err := os.WriteFile(p.Path(RemainedWALName), walBytes, 0o644); err != nil {
		return rerrors.NewIO("write", p.Path(RemainedWALName), err)
	}

	db, err := os.ReadFile(p.Path(WALDatabaseName))
	if err != nil {
		return rerrors.NewIO("read", p.Path(WALDatabaseName), err)
	}
	out, err := os.OpenFile(p.Path(WALDatabaseName), os.O_RDWR, 0)
	if err != nil {
		return rerrors.NewIO("open", p.Path(WALDatabaseName), err)
	}
	defer out.Close()

	for i, table := range p.cfg.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		pct := 10 + 30*i/len(p.cfg.Tables)
		p.progress(ctx, "wal_splice", pct, "splicing "+table)

		tr := p.spliceTable(ctx, db, walBytes, out, table)
		rep.Tables = append(rep.Tables, tr)
	}
	if err := out.Sync(); err != nil {
		return rerrors.NewIO("sync", p.Path(WALDatabaseName), err)
	}

	if err := os.WriteFile(p.Path(RemainedWALName), walBytes, 0o644); err != nil {
		return rerrors.NewIO("write", p.Path(RemainedWALName), err)
	}
	logging.InfoContext(ctx, "wal_splice_done", "tables", len(rep.Tables), "spliced", rep.Spliced())
	return nil
}

// spliceTable locates, scans, repairs and splices one table. walBytes is
// patched in place with every repaired frame. Failures are recorded in the
// returned report, never propagated.
func (p *Pipeline) spliceTable(ctx context.Context, db, walBytes []byte, out io.WriterAt, table string) TableReport {
	tr := TableReport{Table: table}
	skip := func(err error) TableReport {
		tr.Err = err.Error()
		logging.TableSkipped(ctx, table, err)
		return tr
	}

	loc, err := locator.Locate(db, table)
	if err != nil {
		return skip(err)
	}
	tr.PageNumber = loc.PageNumber
	tr.PageOffset = loc.StartPageOffset

	frames := wal.Scan(walBytes, loc.PageNumber, loc.PageSize)
	tr.Frames = len(frames)
	if len(frames) == 0 {
		return skip(rerrors.NewNotFound("wal frame", fmt.Sprintf("page %d", loc.PageNumber)))
	}

	for i := range frames {
		res := btree.Repair(frames[i].Page)
		if !res.Repaired {
			continue
		}
		tr.Repaired++
		if res.Partial {
			tr.Partial++
		}
		logging.DebugContext(ctx, "frame_repaired",
			"table", table,
			"frame", frames[i].Index,
			"records", res.RecordCount,
			"duplicates_fixed", res.DuplicatesFixed,
			"partial", res.Partial,
			"header", btree.HexDump(res.Page, btree.HeaderDumpSize),
		)
		if err := wal.Patch(walBytes, frames[i], res.Page); err != nil {
			return skip(err)
		}
		frames[i].Page = res.Page
	}

	opts := splice.Options{PreferLatest: p.cfg.PreferLatest}
	choice, err := splice.Select(frames, opts)
	if err != nil {
		return skip(err)
	}
	if _, err := splice.SpliceWith(frames, loc.StartPageOffset, out, opts); err != nil {
		return skip(err)
	}
	tr.SelectedFrame = choice.Frame.Index
	tr.RecordCount = choice.RecordCount
	tr.Spliced = true
	logging.InfoContext(ctx, "table_spliced",
		"table", table,
		"page", loc.PageNumber,
		"frame", choice.Frame.Index,
		"records", choice.RecordCount,
	)
	return tr
}

func (p *Pipeline) checkInputs() error {
	if _, err := os.Stat(p.cfg.SourceDB); err != nil {
		return fmt.Errorf("%w: %s", recovery.ErrSourceNotFound, p.cfg.SourceDB)
	}
	if _, err := os.Stat(p.cfg.WALPath); err != nil {
		return rerrors.NewNotFound("wal", p.cfg.WALPath)
	}
	return nil
}

// precheck reads MIN(Id) from WindowCapture. The source is opened
// read-only so its WAL is never checkpointed.
func (p *Pipeline) precheck(ctx context.Context) *Precheck {
	pc := &Precheck{Threshold: p.cfg.MinIDThreshold}
	if p.cfg.SkipPrecheck {
		pc.Skipped = true
		return pc
	}
	warn := func(err error) *Precheck {
		pc.Warning = err.Error()
		logging.WarnContext(ctx, "precheck_unavailable", "source", p.cfg.SourceDB, "error", err)
		return pc
	}

	// Even a read-only open writes a -shm beside the database when a -wal
	// exists, so the query runs against a scratch copy of both.
	scratch, err := os.MkdirTemp("", "recall-precheck-*")
	if err != nil {
		return warn(err)
	}
	defer os.RemoveAll(scratch)

	dbCopy := filepath.Join(scratch, filepath.Base(p.cfg.SourceDB))
	if err := copyWritable(p.cfg.SourceDB, dbCopy); err != nil {
		return warn(err)
	}
	if _, err := os.Stat(p.cfg.SourceDB + "-wal"); err == nil {
		if err := copyWritable(p.cfg.SourceDB+"-wal", dbCopy+"-wal"); err != nil {
			return warn(err)
		}
	}

	db, err := sqlite.Open(dbCopy)
	if err != nil {
		return warn(err)
	}
	defer db.Close()

	var minID sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MIN(Id) FROM WindowCapture").Scan(&minID); err != nil {
		return warn(err)
	}
	if !minID.Valid {
		return warn(errors.New("WindowCapture has no rows"))
	}
	pc.MinID = minID.Int64
	logging.InfoContext(ctx, "precheck", "min_id", pc.MinID, "threshold", pc.Threshold)
	return pc
}

// copyWritable copies src to dst. Evidence images are often read-only;
// the copy must not be.
func copyWritable(src, dst string) error {
	if err := fileutil.CopyFile(src, dst); err != nil {
		return rerrors.NewIO("copy", src, err)
	}
	if err := os.Chmod(dst, 0o644); err != nil {
		return rerrors.NewIO("chmod", dst, err)
	}
	return nil
}

func (p *Pipeline) classify(ctx context.Context, rep *Report) error {
	db, err := sqlite.OpenX(p.Path(RecoveredDatabaseName))
	if err != nil {
		return fmt.Errorf("open %s: %w", RecoveredDatabaseName, err)
	}
	defer db.Close()

	res, err := classify.ClassifyDB(ctx, db)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	rep.Classification = res
	rep.Moved = res.Moved
	rep.Skipped = res.Skipped
	return nil
}

func (p *Pipeline) hashInputs(m *evidence.Manifest) error {
	for _, in := range []struct{ path, role string }{
		{p.cfg.SourceDB, "source"},
		{p.cfg.WALPath, "source_wal"},
	} {
		if _, err := m.Add(in.path, in.role); err != nil {
			return fmt.Errorf("hash %s: %w", in.role, err)
		}
	}
	return nil
}

func (p *Pipeline) writeManifest(m *evidence.Manifest, rep *Report) error {
	outputs := []struct{ name, role string }{
		{WALDatabaseName, "wal_spliced"},
		{RemainedWALName, "repaired_wal"},
		{recovery.DumpFileName, "dump"},
		{recovery.FilteredFileName, "filtered_dump"},
		{RecoveredDatabaseName, "recovered"},
	}
	for _, o := range outputs {
		if _, err := m.Add(p.Path(o.name), o.role); err != nil {
			return fmt.Errorf("hash %s: %w", o.name, err)
		}
	}
	rep.Evidence = p.Path(evidence.ManifestFileName)
	if err := m.SetReport(rep); err != nil {
		return err
	}
	return m.Write(rep.Evidence)
}
