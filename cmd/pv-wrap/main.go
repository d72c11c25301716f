// Command pv-wrap is the wrap planner (spec.md §1 component A): a
// one-shot process that locks a Steam runtime, composes the bwrap
// argument vector and inherited-fd set for it (runtime mount plan,
// per-ABI graphics capture, home-directory presentation, desktop
// integration), then launches bwrap with pv-adverb as its entrypoint
// inside the container and waits for it.
//
// Grounded on the teacher's cmd/sandboxed-tor-browser/main.go CLI
// entrypoint shape, generalized to the wrap planner's much broader
// flag surface and to launching bwrap as a tracked child (so the
// runtime lock can be held for its whole lifetime) rather than calling
// a single in-process sandbox-build-and-run function.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/dynlib"
	"github.com/steamrt/pressure-vessel/internal/environ"
	"github.com/steamrt/pressure-vessel/internal/errs"
	"github.com/steamrt/pressure-vessel/internal/homedir"
	"github.com/steamrt/pressure-vessel/internal/logging"
	"github.com/steamrt/pressure-vessel/internal/ofdlock"
	"github.com/steamrt/pressure-vessel/internal/runtimefs"
	"github.com/steamrt/pressure-vessel/internal/steamapp"
)

const prgname = "pv-wrap"

type envIfHostFlag struct {
	entries *map[string]string
}

func (f *envIfHostFlag) String() string { return "" }
func (f *envIfHostFlag) Type() string   { return "envIfHost" }
func (f *envIfHostFlag) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	if !ok {
		return errs.CLIUsagef("pv-wrap: --env-if-host value %q is not VAR=VAL", raw)
	}
	(*f.entries)[k] = v
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		runtimePath     string
		runtimeBase     string
		copyRuntimeInto string
		gcRuntimes      bool
		shareHome       bool
		unshareHome     bool
		homePath        string
		fdoAppID        string
		steamAppID      string
		envIfHost       = map[string]string{}
		hostLdPreload   []string
		removeOverlay   bool
		keepOverlay     bool
		withHostGfx     bool
		withoutHostGfx  bool
		hostFallback    bool
		onlyPrepare     bool
		testMode        bool
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:          prgname + " -- COMMAND [ARGS...]",
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
	}

	flags := cmd.Flags()
	flags.StringVar(&runtimePath, "runtime", os.Getenv("PRESSURE_VESSEL_RUNTIME"), "runtime root directory")
	flags.StringVar(&runtimeBase, "runtime-base", os.Getenv("PRESSURE_VESSEL_RUNTIME_BASE"), "runtime root directory used as-is when --runtime is not given (named trees inside it are not looked up)")
	flags.StringVar(&copyRuntimeInto, "copy-runtime-into", os.Getenv("PRESSURE_VESSEL_COPY_RUNTIME_INTO"), "copy the runtime here before use")
	flags.BoolVar(&gcRuntimes, "gc-runtimes", boolEnv("PRESSURE_VESSEL_GC_RUNTIMES", true), "garbage-collect old copied runtimes")
	flags.BoolVar(&shareHome, "share-home", boolEnv("PRESSURE_VESSEL_SHARE_HOME", true), "bind the real host $HOME into the container")
	flags.BoolVar(&unshareHome, "unshare-home", false, "use an isolated fake $HOME instead of the host's")
	flags.StringVar(&homePath, "home", os.Getenv("PRESSURE_VESSEL_HOME"), "container $HOME path")
	flags.StringVar(&fdoAppID, "freedesktop-app-id", os.Getenv("PRESSURE_VESSEL_FDO_APP_ID"), "")
	flags.StringVar(&steamAppID, "steam-app-id", os.Getenv("SteamAppId"), "")
	flags.Var(&envIfHostFlag{entries: &envIfHost}, "env-if-host", "VAR=VAL, applied only when falling back to host graphics (repeatable)")
	flags.StringSliceVar(&hostLdPreload, "host-ld-preload", nil, "module to preload from the host (repeatable)")
	flags.BoolVar(&removeOverlay, "remove-game-overlay", boolEnv("PRESSURE_VESSEL_REMOVE_GAME_OVERLAY", false), "")
	flags.BoolVar(&keepOverlay, "keep-game-overlay", false, "")
	flags.BoolVar(&withHostGfx, "with-host-graphics", boolEnv("PRESSURE_VESSEL_HOST_GRAPHICS", true), "")
	flags.BoolVar(&withoutHostGfx, "without-host-graphics", false, "")
	flags.BoolVar(&hostFallback, "host-fallback", false, "run directly on the host if the runtime can't be composed")
	flags.BoolVar(&onlyPrepare, "only-prepare", false, "compose the runtime and exit without launching bwrap")
	flags.BoolVar(&testMode, "test", false, "print the planned bwrap argv instead of running it")
	flags.BoolVarP(&verbose, "verbose", "v", boolEnv("PRESSURE_VESSEL_VERBOSE", false), "")

	var childArgv []string
	if idx := indexOfDashDash(os.Args); idx >= 0 {
		childArgv = os.Args[idx+1:]
		cmd.SetArgs(os.Args[1:idx])
	} else {
		cmd.SetArgs(os.Args[1:])
	}

	cmd.RunE = func(*cobra.Command, []string) error { return nil }
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prgname, err)
		return errs.ExitUsage
	}

	if unshareHome {
		shareHome = false
	}
	if removeOverlay {
		keepOverlay = false
	}
	if withoutHostGfx {
		withHostGfx = false
	}

	log := logging.New(prgname, verbose)
	logEntry := log.WithField("cmd", prgname)

	runtimeRoot, err := resolveRuntimeRoot(runtimePath, runtimeBase)
	if err != nil {
		logEntry.WithError(err).Error("could not resolve a runtime root")
		if hostFallback {
			logEntry.Warn("falling back to running directly on the host, per --host-fallback")
			return runHostFallback(childArgv)
		}
		return errs.ExitCodeForErr(err)
	}

	if copyRuntimeInto != "" {
		runtimeRoot, err = copyRuntimeIfNeeded(logEntry, runtimeRoot, copyRuntimeInto, gcRuntimes)
		if err != nil {
			logEntry.WithError(err).Error("could not copy the runtime")
			return errs.ExitCodeForErr(err)
		}
	}

	// A reader lock: any number of launches may share one runtime copy
	// at once, but GC's writer lock below can't acquire while any of
	// these are held.
	refPath := filepath.Join(runtimeRoot, ".ref")
	lock, err := ofdlock.Open(refPath, ofdlock.Create|ofdlock.Wait)
	if err != nil {
		logEntry.WithError(err).Error("could not lock the runtime")
		return errs.ExitCodeForErr(err)
	}
	defer lock.Drop()

	scratchDir, err := os.MkdirTemp("", "pressure-vessel-overrides-")
	if err != nil {
		logEntry.WithError(err).Error("could not create a scratch overrides directory")
		return errs.ExitSoftware
	}
	defer os.RemoveAll(scratchDir)

	env := environ.New(os.Environ())
	b := argvfd.New(env)
	defer b.Close()
	b.AddArgs("--die-with-parent", "--unshare-pid")

	abis := []dynlib.ABI{dynlib.X8664, dynlib.I386}
	var res *runtimefs.Result
	if withHostGfx {
		composer := runtimefs.New(logEntry, runtimeRoot, scratchDir, abis, os.Getuid())
		res, err = composer.Compose(b)
		if err != nil {
			logEntry.WithError(err).Error("runtime composition failed")
			if hostFallback {
				logEntry.Warn("falling back to running directly on the host, per --host-fallback")
				return runHostFallback(childArgv)
			}
			return errs.ExitCodeForErr(err)
		}
		runtimefs.FinalizeEnv(env, res)
	}

	hostHome, _ := os.UserHomeDir()
	containerHome := homePath
	if containerHome == "" {
		containerHome = hostHome
	}
	mode := homedir.Shared
	if !shareHome {
		mode = homedir.Unshared
	}
	homedir.Present(b, mode, hostHome, containerHome)

	if fdoAppID != "" {
		env.Set("PRESSURE_VESSEL_FDO_APP_ID", fdoAppID)
	}
	if steamAppID != "" {
		if installRoot, err := steamapp.InstallRoot(); err == nil {
			if dir, err := steamapp.FindAppInstallDir(installRoot, steamAppID); err == nil {
				env.Set("STEAM_COMPAT_INSTALL_PATH", dir)
			} else {
				logEntry.WithError(err).Warn("could not resolve the Steam app's install directory")
			}
		} else {
			logEntry.WithError(err).Warn("could not locate a Steam installation")
		}
	}

	for k, v := range envIfHost {
		if !withHostGfx {
			env.Set(k, v)
		}
	}
	for _, module := range hostLdPreload {
		env.Set("LD_PRELOAD", appendColonList(env, "LD_PRELOAD", module))
	}
	if removeOverlay {
		env.Unset("ENABLE_GAME_OVERLAY")
	} else if keepOverlay {
		env.Set("ENABLE_GAME_OVERLAY", "1")
	}

	if onlyPrepare {
		logEntry.Info("runtime prepared, --only-prepare given, not launching")
		return errs.ExitOK
	}

	bwrapPath, err := runtimefs.FindBwrap()
	if err != nil {
		logEntry.WithError(err).Error("could not find bwrap")
		return errs.ExitCodeForErr(err)
	}
	if v, err := runtimefs.GetBwrapVersion(bwrapPath); err == nil && !v.AtLeast(0, 3, 0) {
		logEntry.WithField("version", v.String()).Warn("bwrap is older than the minimum version this planner was designed against")
	}
	if runtimefs.IsGrsecKernel() {
		logEntry.Warn("grsecurity/PaX kernel detected; memfd sealing may behave unexpectedly")
	}

	b.AddArgs("--")
	b.AddArgs("/run/host/usr/libexec/pressure-vessel/pv-adverb")
	if verbose {
		b.AddArg("--verbose")
	}
	b.AddArgs("--")
	b.AddArgs(childArgv...)
	b.Finish()
	// Drop the empty-string terminator Finish appended: it marks the end
	// of the vector and is not an argument for bwrap.
	bwrapArgs := b.Args()[:len(b.Args())-1]

	if testMode {
		fmt.Println(bwrapPath + " " + strings.Join(bwrapArgs, " "))
		return errs.ExitOK
	}

	if len(childArgv) == 0 {
		logEntry.Error("no command given to launch inside the container")
		return errs.ExitUsage
	}

	bwrapCmd := exec.Command(bwrapPath, bwrapArgs...)
	bwrapCmd.Env = env.Resolve(os.Environ())
	bwrapCmd.ExtraFiles = b.Fds()
	bwrapCmd.Stdin = os.Stdin
	bwrapCmd.Stdout = os.Stdout
	bwrapCmd.Stderr = os.Stderr

	if err := bwrapCmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		logEntry.WithError(err).Error("launching bwrap failed")
		return errs.ExitExecFailed
	}
	return errs.ExitOK
}

// copyRuntimeIfNeeded copies runtimeRoot into a fresh subdirectory of
// destDir (named by the runtime's base name) unless that copy already
// exists, then optionally removes sibling copies under destDir that
// are not currently locked. Returns the path to use as the runtime
// root from here on.
func copyRuntimeIfNeeded(log *logrus.Entry, runtimeRoot, destDir string, gc bool) (string, error) {
	dest := filepath.Join(destDir, filepath.Base(runtimeRoot))
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		log.Debug("runtime already copied, reusing existing copy")
	} else {
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return "", errs.IOf(err, "pv-wrap: creating %q", destDir)
		}
		if err := copyTree(runtimeRoot, dest); err != nil {
			return "", err
		}
	}

	if gc {
		gcSiblingRuntimes(log, destDir, dest)
	}
	return dest, nil
}

// gcSiblingRuntimes best-effort removes sibling runtime copies under
// destDir other than keep, skipping any still holding a live lock.
func gcSiblingRuntimes(log *logrus.Entry, destDir, keep string) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		candidate := filepath.Join(destDir, de.Name())
		if candidate == keep {
			continue
		}
		refPath := filepath.Join(candidate, ".ref")
		// A writer lock conflicts with any reader or writer already
		// holding the runtime, so this is the exclusive "is it really
		// unused" check GC needs, unlike the shared lock taken for
		// ordinary launches in run() above.
		lock, err := ofdlock.Open(refPath, ofdlock.Create|ofdlock.Write)
		if err != nil {
			continue // someone else holds it; leave it alone
		}
		lock.Drop()
		if err := os.RemoveAll(candidate); err != nil {
			log.WithError(err).Warn("could not remove a stale copied runtime")
		}
	}
}

// copyTree recursively copies src into dst, preserving symlinks and
// regular-file permissions. There is no recursive-copy library in the
// example pack; this is the stdlib fallback documented in DESIGN.md.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func resolveRuntimeRoot(runtimePath, runtimeBase string) (string, error) {
	if runtimePath != "" {
		if st, err := os.Stat(runtimePath); err == nil && st.IsDir() {
			return runtimePath, nil
		}
		return "", errs.Unsupportedf("pv-wrap: --runtime %q is not a directory", runtimePath)
	}
	if runtimeBase != "" {
		if st, err := os.Stat(runtimeBase); err == nil && st.IsDir() {
			return runtimeBase, nil
		}
	}
	return "", errs.Unsupportedf("pv-wrap: no --runtime or --runtime-base given and neither resolved to a directory")
}

func runHostFallback(childArgv []string) int {
	if len(childArgv) == 0 {
		fmt.Fprintln(os.Stderr, prgname+": --host-fallback given but no command to run")
		return errs.ExitUsage
	}
	path, err := exec.LookPath(childArgv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prgname, err)
		return errs.ExitExecFailed
	}
	c := exec.Command(path, childArgv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "%s: exec failed: %v\n", prgname, err)
		return errs.ExitExecFailed
	}
	return errs.ExitOK
}

func appendColonList(env *environ.Policy, name, addition string) string {
	existing, _ := env.Lookup(name)
	if existing == "" {
		return addition
	}
	return existing + ":" + addition
}

func boolEnv(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func indexOfDashDash(args []string) int {
	for i, a := range args {
		if a == "--" {
			return i
		}
	}
	return -1
}
