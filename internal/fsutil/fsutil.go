// Package fsutil provides the filesystem helpers used while staging build
// directories: recursive copies and glob-based removal of unwanted files.
package fsutil

import (
	"io"
	"os"
	"path/filepath"

	oerrors "github.com/spacejar/pyoci/internal/errors"
)

// CopyDir copies the tree rooted at src into dst, creating dst if needed.
// Traversal uses an explicit worklist so arbitrarily deep trees do not grow
// the call stack. Symlinks are copied as regular files via their targets.
func CopyDir(src, dst string) error {
	type job struct {
		src string
		dst string
	}

	work := []job{{src: src, dst: dst}}

	for len(work) > 0 {
		j := work[len(work)-1]
		work = work[:len(work)-1]

		if err := os.MkdirAll(j.dst, 0755); err != nil {
			return oerrors.Wrap(oerrors.TypeIO, "copy_dir", err, "failed to create directory").WithResource(j.dst)
		}

		entries, err := os.ReadDir(j.src)
		if err != nil {
			return oerrors.Wrap(oerrors.TypeIO, "copy_dir", err, "failed to read directory").WithResource(j.src)
		}

		for _, entry := range entries {
			srcPath := filepath.Join(j.src, entry.Name())
			dstPath := filepath.Join(j.dst, entry.Name())

			info, err := os.Stat(srcPath)
			if err != nil {
				return oerrors.Wrap(oerrors.TypeIO, "copy_dir", err, "failed to stat entry").WithResource(srcPath)
			}

			if info.IsDir() {
				work = append(work, job{src: srcPath, dst: dstPath})
				continue
			}

			if err := copyFile(srcPath, dstPath, info.Mode()); err != nil {
				return err
			}
		}
	}

	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "copy_file", err, "failed to open source").WithResource(src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "copy_file", err, "failed to create target").WithResource(dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return oerrors.Wrap(oerrors.TypeIO, "copy_file", err, "failed to copy contents").WithResource(dst)
	}

	return out.Close()
}

// RemoveMatching removes every file or directory under dir whose base name
// matches the glob pattern. Matched directories are removed whole.
func RemoveMatching(dir, pattern string) error {
	var matched []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == dir {
			return nil
		}

		ok, matchErr := filepath.Match(pattern, filepath.Base(path))
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matched = append(matched, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "remove_matching", err, "failed to scan directory").WithResource(dir)
	}

	for _, path := range matched {
		if err := os.RemoveAll(path); err != nil {
			return oerrors.Wrap(oerrors.TypeIO, "remove_matching", err, "failed to remove entry").WithResource(path)
		}
	}

	return nil
}
