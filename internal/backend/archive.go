package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// removeAll is replaced in tests.
var removeAll = os.RemoveAll

// archive writes path (a file or directory tree) to <path>.zip and removes
// the original once the archive is complete. The zip is deleted only if it
// could not be completed; once closed it is kept even if removing the
// original fails.
func archive(path string) (err error) {
	target := path + ".zip"
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("archive %s already exists", target)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if err != nil && !keep {
			os.Remove(target)
		}
	}()

	zw := zip.NewWriter(f)
	base := filepath.Dir(path)
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return addEntry(zw, base, p, d)
	})
	if walkErr != nil {
		zw.Close()
		f.Close()
		return fmt.Errorf("archiving %s: %w", path, walkErr)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	keep = true

	if err := removeAll(path); err != nil {
		return fmt.Errorf("archived to %s but removing original failed: %w", target, err)
	}
	return nil
}

func addEntry(zw *zip.Writer, base, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)

	switch {
	case d.IsDir():
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	case d.Type()&fs.ModeSymlink != 0:
		link, err := os.Readlink(p)
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, link)
		return err
	case !d.Type().IsRegular():
		return nil
	}

	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}
