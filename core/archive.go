package core

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

type archiveKind string

const (
	archiveRaw   archiveKind = "raw"
	archiveGzip  archiveKind = "gz"
	archiveTarGz archiveKind = "tar.gz"
	archiveZip   archiveKind = "zip"
)

func archiveKindOf(name string) archiveKind {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return archiveTarGz
	case strings.HasSuffix(name, ".gz"):
		return archiveGzip
	case strings.HasSuffix(name, ".zip"):
		return archiveZip
	default:
		return archiveRaw
	}
}

// extractExecutable writes the engine executable contained in archivePath
// to dest. Single-file streams are decompressed as is; archives are searched
// for an entry whose base name is exeName.
func extractExecutable(archivePath string, kind archiveKind, exeName, dest string) error {
	switch kind {
	case archiveZip:
		return extractFromZip(archivePath, exeName, dest)
	case archiveTarGz:
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		gr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gr.Close()
		return extractFromTar(gr, exeName, dest)
	case archiveGzip:
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		gr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gr.Close()
		return writeExecutable(dest, gr)
	default:
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		return writeExecutable(dest, f)
	}
}

func matchesExecutable(entryName, exeName string) bool {
	base := path.Base(strings.ReplaceAll(entryName, "\\", "/"))
	return strings.EqualFold(base, exeName)
}

func extractFromZip(archivePath, exeName, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, file := range zr.File {
		if file.FileInfo().IsDir() || !matchesExecutable(file.Name, exeName) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		err = writeExecutable(dest, rc)
		_ = rc.Close()
		return err
	}
	return fmt.Errorf("%w: %s", ErrExecutableNotFound, exeName)
}

func extractFromTar(r io.Reader, exeName, dest string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg || !matchesExecutable(header.Name, exeName) {
			continue
		}
		return writeExecutable(dest, tr)
	}
	return fmt.Errorf("%w: %s", ErrExecutableNotFound, exeName)
}

func writeExecutable(dest string, r io.Reader) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxDownloadSize+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: empty executable", ErrExecutableNotFound)
	}
	return nil
}
