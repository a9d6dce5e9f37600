package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// BundleSuffix is the extension of recovery output bundles.
const BundleSuffix = ".tar.xz"

// CreateTar writes srcDir as a tar stream to w. Entry names are prefixed
// with baseDir. Paths listed in skip (absolute) are left out.
func CreateTar(w io.Writer, srcDir, baseDir string, skip ...string) error {
	tw := tar.NewWriter(w)

	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		if abs, err := filepath.Abs(s); err == nil {
			skipped[abs] = true
		}
	}

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if abs, err := filepath.Abs(path); err == nil && skipped[abs] {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = baseDir + "/" + filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	return tw.Close()
}

// CreateArchive writes srcDir to dstPath, compressed with xz or gzip
// according to the suffix of dstPath.
func CreateArchive(srcDir, dstPath, baseDir string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	outFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	var cw io.WriteCloser
	switch {
	case strings.HasSuffix(dstPath, ".tar.xz"):
		cw, err = xz.NewWriter(outFile)
		if err != nil {
			return fmt.Errorf("xz writer: %w", err)
		}
	case strings.HasSuffix(dstPath, ".tar.gz"):
		cw = gzip.NewWriter(outFile)
	default:
		return fmt.Errorf("unsupported archive format: %s", dstPath)
	}

	if err := CreateTar(cw, srcDir, baseDir, dstPath); err != nil {
		cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return outFile.Sync()
}

// Bundle archives a recovery output directory. An empty dstPath means
// "<outputDir>.tar.xz" beside the directory. The path written is returned.
func Bundle(outputDir, dstPath string) (string, error) {
	outputDir = filepath.Clean(outputDir)
	if dstPath == "" {
		dstPath = outputDir + BundleSuffix
	}
	info, err := os.Stat(outputDir)
	if err != nil {
		return "", fmt.Errorf("stat output directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", outputDir)
	}
	if err := CreateArchive(outputDir, dstPath, filepath.Base(outputDir)); err != nil {
		return "", err
	}
	return dstPath, nil
}
