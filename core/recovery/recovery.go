// Package recovery drives the sqlite3 shell's .recover command over a
// database and replays the salvaged SQL into a fresh file.
package recovery

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
	"github.com/FocuswithJustin/RecallRecover/core/sqldump"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// Output file names written next to the destination database.
const (
	DumpFileName     = "backup.sql"
	FilteredFileName = "backup_filtered.sql"
)

var (
	// ErrRecoveryToolMissing means no sqlite3 executable could be found.
	ErrRecoveryToolMissing = rerrors.NewTool("sqlite3", "command-line shell not found")
	// ErrSourceNotFound means the database to recover does not exist.
	ErrSourceNotFound = errors.New("source database not found")
)

// Injectable functions for testing.
var (
	lookPath   = exec.LookPath
	executable = os.Executable
	goos       = runtime.GOOS
)

// Result summarizes one recovery run.
type Result struct {
	DumpPath     string
	FilteredPath string
	Statements   int    // statements in the raw dump
	Filtered     int    // dropped for naming a catalog table
	Control      int    // BEGIN/COMMIT and friends, dropped
	Succeeded    int    // replayed without error
	Failed       int    // replayed with an error
	Integrity    string // PRAGMA integrity_check output
}

// Driver runs .recover with a located sqlite3 binary.
type Driver struct {
	// Binary is an explicit sqlite3 path. When empty the binary is searched
	// for next to the running executable (Windows) and then on PATH.
	Binary string
	// WorkDir receives backup.sql and backup_filtered.sql. Empty means the
	// destination's directory.
	WorkDir string
	// SystemTables overrides sqldump.SystemTables.
	SystemTables []string
}

// NewDriver creates a Driver using binary, or a PATH search when empty.
func NewDriver(binary string) *Driver {
	return &Driver{Binary: binary}
}

// FindBinary resolves the sqlite3 executable.
func (d *Driver) FindBinary() (string, error) {
	if d.Binary != "" {
		if _, err := os.Stat(d.Binary); err != nil {
			return "", &rerrors.ToolError{Tool: "sqlite3", Reason: "configured path " + d.Binary + " is unusable", Err: ErrRecoveryToolMissing}
		}
		return d.Binary, nil
	}

	if goos == "windows" {
		if exe, err := executable(); err == nil {
			local := filepath.Join(filepath.Dir(exe), "sqlite3.exe")
			if _, err := os.Stat(local); err == nil {
				return local, nil
			}
		}
	}

	for _, name := range []string{"sqlite3", "sqlite3.exe"} {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrRecoveryToolMissing
}

// Recover dumps src with .recover, filters the dump and replays it into
// dst, replacing any existing dst.
func (d *Driver) Recover(ctx context.Context, src, dst string) (*Result, error) {
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, src)
	}
	bin, err := d.FindBinary()
	if err != nil {
		return nil, err
	}

	workDir := d.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(dst)
	}
	if err := ensureWritable(workDir); err != nil {
		return nil, err
	}

	if err := checkRecover(ctx, bin); err != nil {
		return nil, err
	}

	res := &Result{
		DumpPath:     filepath.Join(workDir, DumpFileName),
		FilteredPath: filepath.Join(workDir, FilteredFileName),
	}

	logging.Stage(ctx, "sqlite_recover", "binary", bin, "source", src)
	if err := runRecover(ctx, bin, src, res.DumpPath); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(res.DumpPath)
	if err != nil {
		return nil, rerrors.NewIO("read", res.DumpPath, err)
	}
	stmts, err := sqldump.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("split recover dump: %w", err)
	}
	res.Statements = len(stmts)

	tables := d.SystemTables
	if len(tables) == 0 {
		tables = sqldump.SystemTables
	}
	kept, dropped := sqldump.Filter(stmts, tables)
	res.Filtered = len(dropped)

	replay := kept[:0:0]
	for _, s := range kept {
		if s.IsTransactionControl() {
			res.Control++
			continue
		}
		replay = append(replay, s)
	}

	if err := os.WriteFile(res.FilteredPath, []byte(sqldump.Join(replay)), 0o644); err != nil {
		return nil, rerrors.NewIO("write", res.FilteredPath, err)
	}
	logging.Info("recover_dump_filtered",
		"statements", res.Statements,
		"filtered", res.Filtered,
		"control", res.Control,
		"path", res.FilteredPath,
	)

	res.Succeeded, res.Failed, res.Integrity, err = Replay(ctx, dst, replay)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CheckRecover resolves the sqlite3 shell and confirms it implements
// .recover. Some distribution builds ship without it.
func (d *Driver) CheckRecover(ctx context.Context) (string, error) {
	bin, err := d.FindBinary()
	if err != nil {
		return "", err
	}
	if err := checkRecover(ctx, bin); err != nil {
		return "", err
	}
	return bin, nil
}

// checkRecover runs .recover over an empty in-memory database.
func checkRecover(ctx context.Context, bin string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, ":memory:")
	cmd.Stdin = strings.NewReader(".recover\n")
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil || strings.Contains(stderr.String(), "unknown command") {
		reason := bin + " does not support .recover"
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			reason += ": " + msg
		}
		return &rerrors.ToolError{Tool: "sqlite3", Reason: reason, Err: ErrRecoveryToolMissing}
	}
	return nil
}

// ensureWritable creates dir and proves a file can be written in it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &rerrors.PermissionError{Operation: "create", Path: dir, Reason: err.Error(), Err: err}
	}
	f, err := os.CreateTemp(dir, ".recall-probe-*")
	if err != nil {
		return &rerrors.PermissionError{Operation: "write to", Path: dir, Reason: err.Error(), Err: err}
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// runRecover pipes ".recover" into sqlite3 src and streams stdout to dumpPath.
func runRecover(ctx context.Context, bin, src, dumpPath string) error {
	out, err := os.Create(dumpPath)
	if err != nil {
		return rerrors.NewIO("create", dumpPath, err)
	}
	defer out.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, src)
	cmd.Stdin = strings.NewReader(".recover\n")
	cmd.Stdout = out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("sqlite3 .recover exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("run sqlite3 .recover: %w", err)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		logging.Warn("sqlite_recover_stderr", "output", msg)
	}
	return out.Sync()
}

// removeDatabase deletes path and any journal files left beside it.
func removeDatabase(path string) error {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return rerrors.NewIO("remove", p, err)
		}
	}
	return nil
}

// Replay executes stmts one by one inside a single transaction on a fresh
// dst. Failing statements are logged and counted; the rest still run.
// The integrity_check result is returned but never treated as an error.
func Replay(ctx context.Context, dst string, stmts []sqldump.Statement) (succeeded, failed int, integrity string, err error) {
	if err := removeDatabase(dst); err != nil {
		return 0, 0, "", err
	}

	db, err := sqlite.Open(dst)
	if err != nil {
		return 0, 0, "", fmt.Errorf("open %s: %w", dst, err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, 0, "", fmt.Errorf("connect %s: %w", dst, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		return 0, 0, "", fmt.Errorf("begin replay: %w", err)
	}
	for i, s := range stmts {
		if err := ctx.Err(); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return succeeded, failed, "", err
		}
		if _, err := conn.ExecContext(ctx, s.Text); err != nil {
			failed++
			logging.StatementFailed(ctx, i, s.Text, err)
			continue
		}
		succeeded++
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return succeeded, failed, "", fmt.Errorf("commit replay: %w", err)
	}

	integrity, err = integrityCheck(ctx, conn)
	if err != nil {
		logging.WarnContext(ctx, "integrity_check_failed", "error", err.Error())
		integrity = "error: " + err.Error()
	}
	logging.InfoContext(ctx, "recover_replayed",
		"succeeded", succeeded,
		"failed", failed,
		"integrity", integrity,
	)
	return succeeded, failed, integrity, nil
}

func integrityCheck(ctx context.Context, conn *sql.Conn) (string, error) {
	rows, err := conn.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
