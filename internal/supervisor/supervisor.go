// Package supervisor implements the adverb supervisor state machine
// from spec.md section 4.9: bootstrap, prepare, plan, launch with
// signal forwarding, wait/reap with staged subreaper termination, and
// exit/cleanup.
//
// Grounded on the teacher's sandbox/process package, which wraps a
// single running bwrap instance with Kill/Wait/Running/AddTermHook;
// this package generalizes that into an explicit state machine with
// PR_SET_CHILD_SUBREAPER-based descendant reaping, which the teacher
// never needed since its sandboxed child (Tor Browser) was expected to
// manage its own descendants.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

// forwardedSignals is the fixed set the supervisor forwards to the
// child once it exists, per spec.md §4.9 S3.
var forwardedSignals = []os.Signal{
	unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2,
}

// Options configures one supervised launch.
type Options struct {
	ExitWithParent bool // PR_SET_PDEATHSIG=SIGTERM
	Subreaper      bool // PR_SET_CHILD_SUBREAPER=1

	// TerminateIdleTimeout is how long S4 waits after the primary child
	// exits before beginning staged termination of remaining
	// descendants. Negative values act as zero.
	TerminateIdleTimeout time.Duration
	// TerminateTimeout is how long to wait after SIGTERM before
	// escalating to SIGKILL. Negative means "drain forever without
	// escalating" (spec.md §4.9 S4).
	TerminateTimeout time.Duration
}

// Supervisor runs a single child process through S1-S5.
type Supervisor struct {
	log  *logrus.Entry
	opts Options

	mu    sync.Mutex
	child *os.Process
}

func New(log *logrus.Entry, opts Options) *Supervisor {
	return &Supervisor{log: log, opts: opts}
}

// Prepare implements S1: applies PDEATHSIG/subreaper prctls. Must be
// called before Launch.
func (s *Supervisor) Prepare() error {
	if s.opts.ExitWithParent {
		if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
			return errs.IOf(err, "supervisor: PR_SET_PDEATHSIG")
		}
	}
	if s.opts.Subreaper || s.opts.TerminateTimeout >= 0 {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			return errs.IOf(err, "supervisor: PR_SET_CHILD_SUBREAPER")
		}
	}
	return nil
}

// Launch implements S3: installs the forwarding signal handler and
// starts cmd. The handler's contract (async-signal-safe in spirit,
// though Go cannot give a literal async-signal-safe handler) is: once
// the child exists, forward; before that, the process's default
// disposition applies because signal.Notify has not yet been called.
func (s *Supervisor) Launch(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return errs.ChildFailedf("supervisor: starting child: %v", err)
	}

	s.mu.Lock()
	s.child = cmd.Process
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, forwardedSignals...)

	go func() {
		for sig := range sigCh {
			s.mu.Lock()
			child := s.child
			s.mu.Unlock()
			if child != nil {
				child.Signal(sig)
			}
		}
	}()

	return nil
}

// WaitResult is the outcome of Wait.
type WaitResult struct {
	ExitCode int
}

// Wait implements S4: reaps the primary child, maps its wait status to
// an exit code, then (if subreaping) drains remaining descendants
// using the staged-termination policy from spec.md §4.9.
func (s *Supervisor) Wait(cmd *exec.Cmd) (WaitResult, error) {
	err := cmd.Wait()
	exitCode := exitCodeFromWaitError(err)

	if s.opts.Subreaper || s.opts.TerminateTimeout >= 0 {
		s.drainDescendants()
	}

	return WaitResult{ExitCode: exitCode}, nil
}

func exitCodeFromWaitError(err error) int {
	if err == nil {
		return errs.ExitOK
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return errs.ExitSoftware
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return errs.ExitSoftware
	}
	if status.Exited() {
		return status.ExitStatus()
	}
	if status.Signaled() {
		return errs.ExitCodeForSignal(int(status.Signal()))
	}
	return errs.ExitSoftware
}

// drainDescendants implements the descendant-reaping policy: immediate
// blocking drain if TerminateTimeout < 0, otherwise an idle wait
// followed by SIGTERM+SIGCONT, a grace period, then SIGKILL+SIGCONT,
// then a final blocking drain.
func (s *Supervisor) drainDescendants() {
	if s.opts.TerminateTimeout < 0 {
		s.reapUntilEmpty(context.Background())
		return
	}

	time.Sleep(s.opts.TerminateIdleTimeout)
	s.signalAllDescendants(unix.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TerminateTimeout)
	drained := s.reapUntilEmptyOrTimeout(ctx)
	cancel()
	if drained {
		return
	}

	s.signalAllDescendants(unix.SIGKILL)
	s.reapUntilEmpty(context.Background())
}

// signalAllDescendants signals the process group the adverb owns.
// A descendant that has already exited simply yields ESRCH, ignored.
func (s *Supervisor) signalAllDescendants(sig syscall.Signal) {
	unix.Kill(-unix.Getpid(), sig)
	unix.Kill(-unix.Getpid(), unix.SIGCONT)
}

// reapPollInterval paces the WNOHANG poll in reapUntilEmpty. Polling
// instead of a blocking Wait4(-1, ..., 0, ...) lets ctx actually cancel
// the wait instead of leaving a syscall stuck until the next
// descendant happens to exit.
const reapPollInterval = 20 * time.Millisecond

// reapUntilEmpty reaps descendants until none remain (Wait4 returns
// ECHILD) or ctx is done.
func (s *Supervisor) reapUntilEmpty(ctx context.Context) {
	for {
		pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
		if err != nil {
			return // ECHILD: no descendants left
		}
		if pid > 0 {
			continue // reaped one; check for more immediately
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reapPollInterval):
		}
	}
}

// reapUntilEmptyOrTimeout reports whether every descendant was reaped
// before ctx expired.
func (s *Supervisor) reapUntilEmptyOrTimeout(ctx context.Context) bool {
	s.reapUntilEmpty(ctx)
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// ChildPid returns the pid of the primary child once Launch has
// started it, or 0 before then.
func (s *Supervisor) ChildPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.Pid
}
