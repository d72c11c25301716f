// Package ldsocache implements the ld.so.cache regeneration helper
// from spec.md section 4.7: it rewrites a runtime directory's
// ld.so.conf to prepend extra search directories, then shells out to
// the host's ldconfig to regenerate ld.so.cache atomically.
//
// Grounded on the teacher's process.go/runProcess helper invocation
// style (spawn an external helper, capture its exit status) applied to
// a new target binary (ldconfig) the teacher never invoked.
package ldsocache

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

const ldconfigPath = "/sbin/ldconfig"

// Regenerate validates extraDirs, writes ${dir}/ld.so.conf as their
// concatenation with the pre-existing ${dir}/runtime-ld.so.conf, runs
// ldconfig against a scratch cache file, and atomically renames it
// into place on success.
//
// Failure here is non-fatal to the caller (spec.md §4.7): the returned
// error should be logged and the caller should retain whatever
// LD_LIBRARY_PATH it already had, rather than aborting the launch.
func Regenerate(log *logrus.Entry, dir string, extraDirs []string, verbose bool) error {
	for _, d := range extraDirs {
		if !filepath.IsAbs(d) {
			return errs.CLIUsagef("ldsocache: extra directory %q is not absolute", d)
		}
		if strings.ContainsAny(d, "\n\t") {
			return errs.CLIUsagef("ldsocache: extra directory %q contains a newline or tab", d)
		}
	}

	confPath := filepath.Join(dir, "ld.so.conf")
	runtimeConfPath := filepath.Join(dir, "runtime-ld.so.conf")

	var conf strings.Builder
	for _, d := range extraDirs {
		conf.WriteString(d)
		conf.WriteByte('\n')
	}
	if existing, err := os.ReadFile(runtimeConfPath); err == nil {
		conf.Write(existing)
	} else if !os.IsNotExist(err) {
		return errs.IOf(err, "ldsocache: reading %q", runtimeConfPath)
	}

	if err := os.WriteFile(confPath, []byte(conf.String()), 0644); err != nil {
		return errs.IOf(err, "ldsocache: writing %q", confPath)
	}

	newCachePath := filepath.Join(dir, "new-ld.so.cache")
	cachePath := filepath.Join(dir, "ld.so.cache")

	args := []string{"-f", confPath, "-C", newCachePath, "-X"}
	if verbose {
		args = append(args, "-v")
	}

	cmd := exec.Command(ldconfigPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errs.IOf(err, "ldsocache: %s %s failed: %s", ldconfigPath, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	log.WithField("output", strings.TrimSpace(string(out))).Debug("ldsocache: ldconfig ran")

	if err := os.Rename(newCachePath, cachePath); err != nil {
		return errs.IOf(err, "ldsocache: renaming %q to %q", newCachePath, cachePath)
	}
	return nil
}
