// Command pv-adverb runs a child process inside an already-prepared
// sandbox, taking care of the lock/fd/environment setup described in
// spec.md sections 4.1, 4.6-4.9: adopting or acquiring locks, resolving
// preloads, regenerating ld.so.cache, generating locales, and finally
// supervising the child (signal forwarding, subreaping, staged
// termination).
//
// Grounded on the teacher's cmd/sandboxed-tor-browser/main.go CLI
// entrypoint shape (flag parsing via cobra, logging setup, explicit
// exit-code return from main instead of os.Exit scattered through the
// program) generalized from a single fixed sandboxed-Tor-Browser launch
// to the adverb's broad, repeatable flag surface.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/dynlib"
	"github.com/steamrt/pressure-vessel/internal/environ"
	"github.com/steamrt/pressure-vessel/internal/errs"
	"github.com/steamrt/pressure-vessel/internal/ldsocache"
	"github.com/steamrt/pressure-vessel/internal/localegen"
	"github.com/steamrt/pressure-vessel/internal/logging"
	"github.com/steamrt/pressure-vessel/internal/ofdlock"
	"github.com/steamrt/pressure-vessel/internal/preload"
	"github.com/steamrt/pressure-vessel/internal/supervisor"
)

const prgname = "pv-adverb"

// lockFileSpec is one --lock-file occurrence, capturing the
// --create/--write/--wait state in effect when it was parsed. Those
// are plain boolean flags, turned off as --create=false etc.; there
// are no --no-create/--no-write/--no-wait spellings.
type lockFileSpec struct {
	path                string
	create, write, wait bool
}

// lockFileFlag accumulates repeatable, order-sensitive flag
// occurrences as the command line is parsed left to right. Plain
// pflag StringSlice/IntSlice flags already accumulate in occurrence
// order; lockFileFlag additionally snapshots the create/write/wait
// booleans at the moment each --lock-file is seen, since those are
// separate boolean flags that toggle shared state.
type lockFileFlag struct {
	specs      *[]lockFileSpec
	create     *bool
	write      *bool
	wait       *bool
}

func (f *lockFileFlag) String() string { return "" }
func (f *lockFileFlag) Type() string   { return "lockFile" }
func (f *lockFileFlag) Set(path string) error {
	*f.specs = append(*f.specs, lockFileSpec{path: path, create: *f.create, write: *f.write, wait: *f.wait})
	return nil
}

type preloadFlag struct {
	descs    *[]preload.Descriptor
	variable preload.Variable
}

func (f *preloadFlag) String() string { return "" }
func (f *preloadFlag) Type() string   { return "preload" }
func (f *preloadFlag) Set(raw string) error {
	path, abi, hasABI, err := parsePreloadDescriptor(raw)
	if err != nil {
		return err
	}
	*f.descs = append(*f.descs, preload.Descriptor{Variable: f.variable, Path: path, ABI: abi, HasABI: hasABI})
	return nil
}

// parsePreloadDescriptor splits "MODULE[:abi=T]" per spec.md §6.
func parsePreloadDescriptor(raw string) (path string, abi dynlib.ABI, hasABI bool, err error) {
	path = raw
	if idx := strings.Index(raw, ":abi="); idx >= 0 {
		path = raw[:idx]
		tag := raw[idx+len(":abi="):]
		switch tag {
		case "x86_64", dynlib.X8664.Name:
			return path, dynlib.X8664, true, nil
		case "i386", dynlib.I386.Name:
			return path, dynlib.I386, true, nil
		default:
			return "", dynlib.ABI{}, false, errs.CLIUsagef("pv-adverb: unknown ABI tag %q", tag)
		}
	}
	return path, dynlib.ABI{}, false, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		fds              []int
		lockSpecs        []lockFileSpec
		passFds          []int
		ldAuditDescs     []preload.Descriptor
		ldPreloadDescs   []preload.Descriptor
		regenDirs        []string
		extraLdSoPaths   []string
		setLdLibraryPath string
		generateLocales  bool
		shellMode        string
		terminalMode     string
		batch            bool
		subreaper        bool
		exitWithParent   bool
		terminateIdle    float64
		terminateTimeout float64
		verbose          bool

		create = true
		write  = true
		wait   = false
	)

	cmd := &cobra.Command{
		Use:          prgname + " -- COMMAND [ARGS...]",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
	}

	flags := cmd.Flags()
	flags.IntSliceVar(&fds, "fd", nil, "adopt an already-locked fd (repeatable)")
	flags.IntSliceVar(&passFds, "pass-fd", nil, "inherit fd into the child without locking (repeatable)")
	flags.BoolVar(&create, "create", create, "create --lock-file targets if missing")
	flags.BoolVar(&write, "write", write, "take a write (exclusive) lock on --lock-file targets")
	flags.BoolVar(&wait, "wait", wait, "block on --lock-file contention instead of failing immediately")
	flags.Var(&lockFileFlag{specs: &lockSpecs, create: &create, write: &write, wait: &wait}, "lock-file", "open-and-lock a file (repeatable)")
	flags.Var(&preloadFlag{descs: &ldAuditDescs, variable: preload.LDAudit}, "ld-audit", "MODULE[:abi=T] (repeatable)")
	flags.Var(&preloadFlag{descs: &ldPreloadDescs, variable: preload.LDPreload}, "ld-preload", "MODULE[:abi=T] (repeatable)")
	flags.StringSliceVar(&regenDirs, "regenerate-ld.so-cache", nil, "regenerate ld.so.cache in DIR (repeatable)")
	flags.StringSliceVar(&extraLdSoPaths, "add-ld.so-path", nil, "extra ld.so.cache search path (repeatable)")
	flags.StringVar(&setLdLibraryPath, "set-ld-library-path", "", "override LD_LIBRARY_PATH")
	flags.BoolVar(&generateLocales, "generate-locales", false, "")
	flags.StringVar(&shellMode, "shell", "none", "{none|after|fail|instead}")
	flags.StringVar(&terminalMode, "terminal", "none", "{none|auto|tty|xterm}")
	flags.BoolVar(&batch, "batch", false, "")
	flags.BoolVar(&subreaper, "subreaper", false, "")
	flags.BoolVar(&exitWithParent, "exit-with-parent", false, "")
	flags.Float64Var(&terminateIdle, "terminate-idle-timeout", 0, "seconds")
	flags.Float64Var(&terminateTimeout, "terminate-timeout", -1, "seconds, negative means wait forever")
	flags.BoolVarP(&verbose, "verbose", "v", false, "")
	flags.Bool("version", false, "")

	cmd.RunE = func(c *cobra.Command, args []string) error {
		if v, _ := c.Flags().GetBool("version"); v {
			fmt.Println(prgname + " (steamrt/pressure-vessel)")
			return nil
		}
		return nil
	}

	var childArgv []string
	if idx := indexOfDashDash(os.Args); idx >= 0 {
		childArgv = os.Args[idx+1:]
		cmd.SetArgs(os.Args[1:idx])
	} else {
		cmd.SetArgs(os.Args[1:])
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prgname, err)
		return errs.ExitUsage
	}
	if v, _ := cmd.Flags().GetBool("version"); v {
		return errs.ExitOK
	}

	log := logging.New(prgname, verbose)
	logEntry := log.WithField("cmd", prgname)

	env := environ.New(os.Environ())
	b := argvfd.New(env)
	defer b.Close()

	for _, fd := range passFds {
		b.AddFd(os.NewFile(uintptr(fd), fmt.Sprintf("pass-fd-%d", fd)))
	}

	for _, fd := range fds {
		// Already locked by the caller; just inherit it.
		b.AddFd(os.NewFile(uintptr(fd), fmt.Sprintf("adopted-fd-%d", fd)))
	}

	var heldLocks []*ofdlock.Lock
	defer func() {
		for _, l := range heldLocks {
			l.Drop()
		}
	}()
	for _, spec := range lockSpecs {
		var lf ofdlock.Flag
		if spec.create {
			lf |= ofdlock.Create
		}
		if spec.write {
			lf |= ofdlock.Write
		}
		if spec.wait {
			lf |= ofdlock.Wait
		}
		l, err := ofdlock.Open(spec.path, lf)
		if err != nil {
			logEntry.WithError(err).Error("failed to acquire lock")
			return errs.ExitCodeForErr(err)
		}
		heldLocks = append(heldLocks, l)
		b.AddFd(os.NewFile(uintptr(l.Fd()), spec.path))
	}

	overridesRoot := os.Getenv("PRESSURE_VESSEL_OVERRIDES")
	if overridesRoot == "" {
		overridesRoot = "/overrides"
	}
	resolver := preload.New(afero.NewOsFs(), overridesRoot, []dynlib.ABI{dynlib.X8664, dynlib.I386})
	allDescs := append(append([]preload.Descriptor(nil), ldAuditDescs...), ldPreloadDescs...)
	if err := resolver.Resolve(allDescs, env); err != nil {
		logEntry.WithError(err).Warn("preload resolution failed, continuing without it")
	}

	regenFailed := false
	for _, dir := range regenDirs {
		if err := ldsocache.Regenerate(logEntry, dir, extraLdSoPaths, verbose); err != nil {
			logEntry.WithError(err).Warn("ld.so.cache regeneration failed, leaving LD_LIBRARY_PATH untouched")
			regenFailed = true
		}
	}

	if setLdLibraryPath != "" && !regenFailed {
		env.Set("LD_LIBRARY_PATH", setLdLibraryPath)
	}

	if generateLocales {
		localeDir := os.Getenv("PRESSURE_VESSEL_LOCALE_GEN_DIR")
		if localeDir == "" {
			localeDir = "/tmp/pressure-vessel-locales"
		}
		res, err := localegen.Generate("", localeDir, verbose)
		if err != nil {
			logEntry.WithError(err).Error("locale generation failed")
			return errs.ExitCodeForErr(err)
		}
		if res.Warned {
			logEntry.Warn("locale generation required a cold-start regeneration")
		}
		if localegen.NonEmpty(localeDir) {
			env.Set("LOCPATH", localegen.LocPath(localeDir))
		}
	}

	if len(childArgv) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no command given after --\n", prgname)
		return errs.ExitUsage
	}

	childArgv, err := planInvocation(childArgv, shellMode, terminalMode, batch)
	if err != nil {
		logEntry.WithError(err).Error("invalid --shell/--terminal combination")
		return errs.ExitUsage
	}

	sup := supervisor.New(logEntry, supervisor.Options{
		ExitWithParent:       exitWithParent,
		Subreaper:            subreaper,
		TerminateIdleTimeout: time.Duration(terminateIdle * float64(time.Second)),
		TerminateTimeout:     time.Duration(terminateTimeout * float64(time.Second)),
	})
	if err := sup.Prepare(); err != nil {
		logEntry.WithError(err).Error("supervisor setup failed")
		return errs.ExitCodeForErr(err)
	}

	b.Finish()
	childCmd := exec.Command(childArgv[0], childArgv[1:]...)
	childCmd.Stdin = os.Stdin
	childCmd.Stdout = os.Stdout
	childCmd.Stderr = os.Stderr
	childCmd.Env = env.Resolve(os.Environ())
	childCmd.ExtraFiles = b.Fds()

	if err := sup.Launch(childCmd); err != nil {
		logEntry.WithError(err).Error("failed to start child")
		return errs.ExitExecFailed
	}

	res, err := sup.Wait(childCmd)
	if err != nil {
		logEntry.WithError(err).Error("supervisor wait failed")
		return errs.ExitSoftware
	}
	return res.ExitCode
}

// planInvocation implements S2's terminal/shell wrapping decision.
// shellMode is one of {none,after,fail,instead}; terminalMode is one
// of {none,auto,tty,xterm}. batch forces both off, since an unattended
// launch has nowhere to put an interactive shell.
func planInvocation(childArgv []string, shellMode, terminalMode string, batch bool) ([]string, error) {
	if batch {
		shellMode, terminalMode = "none", "none"
	}

	switch shellMode {
	case "none", "after", "fail", "instead":
	default:
		return nil, errs.CLIUsagef("pv-adverb: unknown --shell mode %q", shellMode)
	}
	switch terminalMode {
	case "none", "auto", "tty", "xterm":
	default:
		return nil, errs.CLIUsagef("pv-adverb: unknown --terminal mode %q", terminalMode)
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	argv := childArgv
	switch shellMode {
	case "instead":
		argv = []string{shell}
	case "after":
		argv = []string{"/bin/sh", "-c", quoteShellCommand(childArgv) + "; exec " + shell}
	case "fail":
		argv = []string{"/bin/sh", "-c", quoteShellCommand(childArgv) + " || exec " + shell}
	}

	useXterm := terminalMode == "xterm"
	if terminalMode == "auto" {
		if st, err := os.Stdout.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			useXterm = false // already attached to a usable tty
		}
	}
	if useXterm {
		argv = append([]string{"xterm", "-e"}, argv...)
	}
	return argv, nil
}

// quoteShellCommand renders argv as a single POSIX-shell-safe command
// string, single-quoting each argument.
func quoteShellCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func indexOfDashDash(args []string) int {
	for i, a := range args {
		if a == "--" {
			return i
		}
	}
	return -1
}

