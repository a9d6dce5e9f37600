// Package evidence records SHA-256 and BLAKE3 digests of the input and
// output files of a recovery run, so the evidence can be shown unchanged
// later.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
)

// ManifestFileName is the manifest written into the output directory.
const ManifestFileName = "manifest.json"

// FileHash contains both SHA-256 and BLAKE3 hashes for one file.
type FileHash struct {
	Role   string `json:"role,omitempty"` // e.g. "source", "wal", "output"
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	BLAKE3 string `json:"blake3"`
}

// Manifest ties a run's report to the digests of every file it touched.
type Manifest struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Version   string          `json:"version,omitempty"`
	Files     []FileHash      `json:"files"`
	Report    json.RawMessage `json:"report,omitempty"`
}

// Sum returns the hex SHA-256 and BLAKE3 digests of data.
func Sum(data []byte) (sha, b3 string) {
	s := sha256.Sum256(data)
	b := blake3.Sum256(data)
	return hex.EncodeToString(s[:]), hex.EncodeToString(b[:])
}

// HashReader streams r through both hashes.
func HashReader(r io.Reader) (size int64, sha, b3 string, err error) {
	hs := sha256.New()
	hb := blake3.New()
	size, err = io.Copy(io.MultiWriter(hs, hb), r)
	if err != nil {
		return 0, "", "", err
	}
	return size, hex.EncodeToString(hs.Sum(nil)), hex.EncodeToString(hb.Sum(nil)), nil
}

// HashFile hashes the file at path.
func HashFile(path, role string) (*FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rerrors.NewNotFound("file", path)
		}
		return nil, rerrors.NewIO("open", path, err)
	}
	defer f.Close()

	size, sha, b3, err := HashReader(f)
	if err != nil {
		return nil, rerrors.NewIO("read", path, err)
	}
	return &FileHash{Role: role, Path: path, Size: size, SHA256: sha, BLAKE3: b3}, nil
}

// Add hashes path and appends it to the manifest. Missing files are skipped
// and reported as false.
func (m *Manifest) Add(path, role string) (bool, error) {
	h, err := HashFile(path, role)
	if err != nil {
		if rerrors.Is(err, rerrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	m.Files = append(m.Files, *h)
	return true, nil
}

// SetReport stores v as the manifest's report.
func (m *Manifest) SetReport(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	m.Report = data
	return nil
}

// Write stores the manifest at path atomically.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// Load reads a manifest written by Write.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.NewIO("read", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Mismatch is a file whose current digest differs from the manifest.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"` // empty when the file is gone
}

// Verify rehashes every file in the manifest.
func (m *Manifest) Verify() ([]Mismatch, error) {
	var out []Mismatch
	for _, f := range m.Files {
		h, err := HashFile(f.Path, f.Role)
		if err != nil {
			if rerrors.Is(err, rerrors.ErrNotFound) {
				out = append(out, Mismatch{Path: f.Path, Expected: f.BLAKE3})
				continue
			}
			return nil, err
		}
		if h.BLAKE3 != f.BLAKE3 || h.SHA256 != f.SHA256 {
			out = append(out, Mismatch{Path: f.Path, Expected: f.BLAKE3, Actual: h.BLAKE3})
		}
	}
	return out, nil
}
