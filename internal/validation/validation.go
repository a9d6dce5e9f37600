// Package validation checks user-supplied paths and evidence files before a
// recovery touches them.
package validation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/FocuswithJustin/RecallRecover/core/format"
)

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// Common validation errors.
var (
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrPathTooLong      = errors.New("path too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrTypeMismatch     = errors.New("file type mismatch")
)

// ValidatePath checks length limits and rejects null bytes and control
// characters.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return nil
}

// Within resolves userPath against baseDir and returns the absolute result.
// Relative paths are joined to baseDir; absolute paths must already lie
// inside it.
func Within(baseDir, userPath string) (string, error) {
	if err := ValidatePath(userPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	full := userPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(absBase, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(absBase, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, userPath, baseDir)
	}
	return full, nil
}

// IsPathSafe is Within reduced to a boolean.
func IsPathSafe(baseDir, userPath string) bool {
	_, err := Within(baseDir, userPath)
	return err == nil
}

// FileType identifies an input or output file by content.
type FileType string

const (
	FileTypeSQLite  FileType = "sqlite"
	FileTypeWAL     FileType = "wal"
	FileTypeXZ      FileType = "xz"
	FileTypeGzip    FileType = "gzip"
	FileTypeUnknown FileType = "unknown"
)

var magicBytes = []struct {
	fileType FileType
	magic    []byte
}{
	{FileTypeSQLite, []byte(format.MagicString)},
	{FileTypeXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
	{FileTypeGzip, []byte{0x1f, 0x8b}},
}

// DetectFileType reads the first bytes of r and names the format.
func DetectFileType(r io.Reader) (FileType, error) {
	buf := make([]byte, format.HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, fmt.Errorf("failed to read file header: %w", err)
	}
	return detect(buf[:n]), nil
}

func detect(buf []byte) FileType {
	for _, sig := range magicBytes {
		if bytes.HasPrefix(buf, sig.magic) {
			return sig.fileType
		}
	}
	if len(buf) >= 4 {
		switch binary.BigEndian.Uint32(buf) {
		case format.WALMagicLE, format.WALMagicBE:
			return FileTypeWAL
		}
	}
	return FileTypeUnknown
}

// CheckFile opens path and verifies its content is of type want.
func CheckFile(path string, want FileType) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	got, err := DetectFileType(f)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrTypeMismatch, path, got, want)
	}
	return nil
}
