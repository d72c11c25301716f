package runtimefs

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

// libexecCandidates is the fixed list of Flatpak-style directories
// searched after $PATH, per the Open Question resolution recorded in
// DESIGN.md.
var libexecCandidates = []string{
	"/usr/libexec",
	"/usr/lib/flatpak",
	"/app/libexec",
}

// FindBwrap resolves the bwrap binary using, in order: the $BWRAP
// environment variable; $PATH; a fixed list of Flatpak-style libexec
// directories; finally a "bwrap" sibling of the running executable.
func FindBwrap() (string, error) {
	if p := os.Getenv("BWRAP"); p != "" {
		if fileIsExecutable(p) {
			return p, nil
		}
		return "", errs.Unsupportedf("runtimefs: $BWRAP=%q is not executable", p)
	}

	if p, err := exec.LookPath("bwrap"); err == nil {
		return p, nil
	}

	for _, dir := range libexecCandidates {
		candidate := filepath.Join(dir, "bwrap")
		if fileIsExecutable(candidate) {
			return candidate, nil
		}
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "bwrap")
		if fileIsExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", errs.Unsupportedf("runtimefs: could not find a bwrap binary via $BWRAP, $PATH, libexec, or alongside this binary")
}

func fileIsExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}
	return st.Mode()&0111 != 0
}

// Version is a parsed "bwrap --version" result.
type Version struct {
	Major, Minor, Patch int
}

// AtLeast reports whether v is >= the given version.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// GetBwrapVersion runs "${bwrapPath} --version" and parses its output.
func GetBwrapVersion(bwrapPath string) (Version, error) {
	cmd := &exec.Cmd{
		Path: bwrapPath,
		Args: []string{bwrapPath, "--version"},
		SysProcAttr: &syscall.SysProcAttr{
			Pdeathsig: syscall.SIGKILL,
		},
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Version{}, errs.IOf(err, "runtimefs: querying bwrap version: %s", strings.TrimSpace(string(out)))
	}

	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(out)), "bubblewrap "))
	parts := strings.Split(s, ".")
	if len(parts) < 3 {
		return Version{}, errs.Unsupportedf("runtimefs: could not parse bwrap version from %q", s)
	}

	var nums [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, errs.Unsupportedf("runtimefs: could not parse bwrap version component %q", parts[i])
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// IsGrsecKernel reports whether the host appears to run a grsecurity/
// PaX-patched kernel, which changes a handful of bwrap's namespace and
// ptrace assumptions.
func IsGrsecKernel() bool {
	for _, f := range []string{"/proc/sys/kernel/grsecurity", "/proc/sys/kernel/pax", "/dev/grsec"} {
		if _, err := os.Stat(f); err == nil {
			return true
		}
	}
	return false
}
