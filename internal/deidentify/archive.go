package deidentify

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// CreateArchive zips the contents of sourceDir into zipPath with paths
// relative to sourceDir, then removes sourceDir. The working directory is
// only deleted after the archive was written and closed successfully.
func CreateArchive(sourceDir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return archiveErr("creating archive file", zipPath, err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})

	if walkErr != nil {
		zw.Close()
		out.Close()
		os.Remove(zipPath)
		return archiveErr("adding files to archive", zipPath, walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(zipPath)
		return archiveErr("finalizing archive", zipPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(zipPath)
		return archiveErr("closing archive", zipPath, err)
	}

	if err := os.RemoveAll(sourceDir); err != nil {
		return archiveErr("removing working directory", sourceDir, err)
	}
	return nil
}

func archiveErr(op, path string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("deidentify").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
