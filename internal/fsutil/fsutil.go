// Package fsutil collects small afero-backed filesystem helpers shared
// by the runtime composer, preload resolver, and home-directory
// presentation packages, so their directory/symlink-building logic can
// be unit tested against an in-memory filesystem instead of requiring
// root or real bind mounts.
//
// Grounded on the teacher's utils.go (DirExists/FileExists/DirMode/
// FileMode), generalized to take an afero.Fs parameter the way
// nestybox-sysbox-libs' utils/fs.go threads a filesystem root through
// its helpers for testability.
package fsutil

import (
	"os"

	"github.com/spf13/afero"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

const (
	DirMode  os.FileMode = 0700
	FileMode os.FileMode = 0600
)

// DirExists reports whether path exists and is a directory.
func DirExists(fs afero.Fs, path string) bool {
	if path == "" {
		return false
	}
	fi, err := fs.Stat(path)
	return err == nil && fi.IsDir()
}

// FileExists reports whether path exists (file, symlink, or
// directory). Mirrors the teacher's permissive treatment of stat
// errors: an EPERM is not treated as "does not exist", since bwrap can
// run with elevated privileges that see paths the caller cannot stat.
func FileExists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	if err != nil && os.IsNotExist(err) {
		return false
	}
	return true
}

// EnsureDir creates path (and parents) with DirMode if it does not
// already exist as a directory.
func EnsureDir(fs afero.Fs, path string) error {
	if DirExists(fs, path) {
		return nil
	}
	if err := fs.MkdirAll(path, DirMode); err != nil {
		return errs.IOf(err, "fsutil: creating directory %q", path)
	}
	return nil
}

// Symlink creates a symlink at linkPath pointing to target. If
// linkPath already exists as a symlink with the same target, this is a
// no-op; if it exists with a different target, it is an error (the
// conflict-detection rule spec.md section 4.6 requires for preload
// symlink creation).
func Symlink(fs afero.Fs, target, linkPath string) error {
	linker, ok := fs.(afero.Linker)
	if !ok {
		return errs.Unsupportedf("fsutil: filesystem does not support symlinks")
	}

	if existing, err := afero.ReadlinkIfPossible(fs, linkPath); err == nil {
		if existing == target {
			return nil
		}
		return errs.IOf(nil, "fsutil: %q already exists as a symlink to %q, wanted %q", linkPath, existing, target)
	}

	if err := linker.SymlinkIfPossible(target, linkPath); err != nil {
		return errs.IOf(err, "fsutil: creating symlink %q -> %q", linkPath, target)
	}
	return nil
}
