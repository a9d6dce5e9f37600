// Package archive packs a recovery output directory into a compressed tar
// bundle and reads bundles back. Both .tar.xz and .tar.gz are supported.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/RecallRecover/core/evidence"
	"github.com/FocuswithJustin/RecallRecover/internal/validation"
)

// Reader is a tar stream over a decompressed bundle.
type Reader struct {
	*tar.Reader
	file *os.File
	gz   *gzip.Reader
}

// NewReader opens a bundle. The compression is chosen from the file's
// magic bytes, not its name.
func NewReader(bundlePath string) (*Reader, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	br := bufio.NewReader(f)
	head, _ := br.Peek(16)
	kind, _ := validation.DetectFileType(bytes.NewReader(head))

	r := &Reader{file: f}
	switch kind {
	case validation.FileTypeXZ:
		xzr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		r.Reader = tar.NewReader(xzr)
	case validation.FileTypeGzip:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		r.gz = gzr
		r.Reader = tar.NewReader(gzr)
	default:
		f.Close()
		return nil, fmt.Errorf("%s: not an xz or gzip bundle (%s)", bundlePath, kind)
	}
	return r, nil
}

// IsBundle reports whether the file at p starts with an xz or gzip header.
func IsBundle(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	kind, err := validation.DetectFileType(f)
	return err == nil && (kind == validation.FileTypeXZ || kind == validation.FileTypeGzip)
}

// Close releases the decompressor and the file.
func (r *Reader) Close() error {
	var gzErr error
	if r.gz != nil {
		gzErr = r.gz.Close()
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	return gzErr
}

// Visitor is called for each entry. Returning stop=true ends the walk.
type Visitor func(header *tar.Header, content io.Reader) (stop bool, err error)

// Iterate walks the entries in order.
func (r *Reader) Iterate(visitor Visitor) error {
	for {
		header, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}

		stop, err := visitor(header, r)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// IterateBundle opens a bundle and walks its entries.
func IterateBundle(bundlePath string, visitor Visitor) error {
	r, err := NewReader(bundlePath)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Iterate(visitor)
}

// entryName drops the bundle's top-level directory, so "out/backup.sql"
// and "backup.sql" name the same entry.
func entryName(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ReadFile returns the content of one entry, matched either by its full
// name or by its name below the top-level directory.
func ReadFile(bundlePath, filename string) ([]byte, error) {
	var content []byte
	err := IterateBundle(bundlePath, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Name != filename && entryName(header.Name) != filename {
			return false, nil
		}
		var err error
		content, err = io.ReadAll(r)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%s not found in %s", filename, bundlePath)
	}
	return content, nil
}

// List returns the names of every regular file in the bundle.
func List(bundlePath string) ([]string, error) {
	var names []string
	err := IterateBundle(bundlePath, func(header *tar.Header, _ io.Reader) (bool, error) {
		if header.Typeflag == tar.TypeReg {
			names = append(names, header.Name)
		}
		return false, nil
	})
	return names, err
}

// inputRoles are manifest entries that describe the evidence itself,
// which never goes into a bundle.
var inputRoles = map[string]bool{"source": true, "source_wal": true}

// VerifyBundle checks the outputs listed in the bundle's manifest.json
// against the copies stored in the same bundle. Source entries are not
// bundled and are skipped.
func VerifyBundle(bundlePath string) (*evidence.Manifest, []evidence.Mismatch, error) {
	type digest struct{ sha, b3 string }
	digests := make(map[string]digest)
	var manifest []byte

	err := IterateBundle(bundlePath, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Typeflag != tar.TypeReg {
			return false, nil
		}
		name := entryName(header.Name)
		if name == evidence.ManifestFileName {
			data, err := io.ReadAll(r)
			manifest = data
			return false, err
		}
		_, sha, b3, err := evidence.HashReader(r)
		if err != nil {
			return false, fmt.Errorf("hash %s: %w", header.Name, err)
		}
		digests[name] = digest{sha, b3}
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if manifest == nil {
		return nil, nil, fmt.Errorf("%s has no %s", bundlePath, evidence.ManifestFileName)
	}

	var m evidence.Manifest
	if err := json.Unmarshal(manifest, &m); err != nil {
		return nil, nil, fmt.Errorf("parse bundled manifest: %w", err)
	}

	var mismatches []evidence.Mismatch
	for _, f := range m.Files {
		if inputRoles[f.Role] {
			continue
		}
		name := filepath.Base(f.Path)
		got, ok := digests[name]
		switch {
		case !ok:
			mismatches = append(mismatches, evidence.Mismatch{Path: f.Path, Expected: f.BLAKE3})
		case got.b3 != f.BLAKE3 || got.sha != f.SHA256:
			mismatches = append(mismatches, evidence.Mismatch{Path: f.Path, Expected: f.BLAKE3, Actual: got.b3})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	return &m, mismatches, nil
}
