// Package localegen implements the locale-generation wrapper from
// spec.md section 4.8: it shells out to a locale-gen helper binary,
// treating exit code 72 (EX_OSFILE) as a successful cold-start rather
// than a failure.
//
// Grounded on the teacher's process.go helper-invocation pattern
// (spawn, wait, map exit status) applied to a new target the teacher
// never had a use for (the Tor Browser bundle ships its own locale
// data; a Steam runtime does not).
package localegen

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

const helperName = "pressure-vessel-locale-gen"

// Result describes the outcome of Generate.
type Result struct {
	// Warned is true when locales were missing at the OS level and had
	// to be generated (EX_OSFILE) — a successful but cold-start path the
	// caller should surface as a warning.
	Warned bool
}

// Generate invokes the locale-gen helper against dir, returning a
// Result and, for any outcome other than success or EX_OSFILE, a
// non-nil error.
func Generate(helperPath string, dir string, verbose bool) (Result, error) {
	if helperPath == "" {
		helperPath = helperName
	}

	args := []string{"--output-dir", dir}
	if verbose {
		args = append(args, "--verbose")
	}

	cmd := exec.Command(helperPath, args...)
	err := cmd.Run()
	if err == nil {
		return Result{}, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Result{}, errs.IOf(err, "localegen: failed to run %s", helperPath)
	}
	if exitErr.ExitCode() == errs.ExitOSFile {
		return Result{Warned: true}, nil
	}
	return Result{}, errs.ChildFailedf("localegen: %s exited with status %d", helperPath, exitErr.ExitCode())
}

// NonEmpty reports whether dir contains any generated locale data, the
// signal the caller uses to decide whether to set LOCPATH.
func NonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// LocPath returns the absolute path to use for LOCPATH given the
// directory Generate populated.
func LocPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}
