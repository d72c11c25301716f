// Package homedir implements the home-directory presentation modes of
// the runtime composer: either the real host $HOME is shared in
// directly, or a private, idempotently-populated fake home is built
// with the usual XDG subdirectories and compatibility symlinks.
//
// Grounded on the teacher's hugbox.shadowDir/dir/symlink primitives,
// which walk a host directory tree and re-emit it as --dir/--file
// bwrap arguments; generalized away from the teacher's single
// hardcoded "/home/amnesia" fake-home layout into a reusable
// presentation step driven by spec.md's shared-vs-unshared home
// choice.
package homedir

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/fsutil"
)

// xdgSubdirs are created (and compat-symlinked where applicable) in an
// unshared/fake home, mirroring what a freshly-created user account
// would have.
var xdgSubdirs = []string{".cache", ".config", ".local/share"}

// Mode selects how the container's $HOME is presented.
type Mode int

const (
	// Shared binds the host's real home directory straight through.
	Shared Mode = iota
	// Unshared creates an isolated, empty home, seeded only with the
	// XDG base directories a normal session expects to exist.
	Unshared
)

// Present adds the bwrap arguments implementing mode for containerHome
// (the in-container $HOME path). hostHome is the real host home
// directory, used only in Shared mode.
func Present(b *argvfd.Builder, mode Mode, hostHome, containerHome string) {
	b.Env().Set("HOME", containerHome)

	switch mode {
	case Shared:
		b.AddArgs("--bind", hostHome, containerHome)
	case Unshared:
		b.AddArgs("--dir", containerHome)
		for _, sub := range xdgSubdirs {
			b.AddArgs("--dir", filepath.Join(containerHome, sub))
		}
	}
}

// EnsureIdempotent creates containerHome's XDG subdirectories on fs
// if they don't already exist, without disturbing anything already
// present — used when a scratch home directory is reused across
// launches instead of rebuilt from scratch each time.
func EnsureIdempotent(fs afero.Fs, containerHome string) error {
	for _, sub := range xdgSubdirs {
		if err := fsutil.EnsureDir(fs, filepath.Join(containerHome, sub)); err != nil {
			return err
		}
	}
	return nil
}

// CompatSymlink creates the legacy dotfile-location symlinks some
// older applications still expect (e.g. ~/.local/share/Steam from a
// pre-XDG ~/.steam layout), skipping any that already exist with a
// different target rather than overwriting user data.
func CompatSymlink(fs afero.Fs, containerHome, legacyRelPath, targetRelPath string) error {
	legacy := filepath.Join(containerHome, legacyRelPath)
	target := filepath.Join(containerHome, targetRelPath)
	if fsutil.FileExists(fs, legacy) {
		return nil
	}
	return fsutil.Symlink(fs, target, legacy)
}
