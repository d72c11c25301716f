// Package argvfd implements the Argv/FD builder from spec.md section
// 4.2: an accumulator of command-line arguments plus an ordered set of
// file descriptors to be inherited by a spawned child, with a
// terminator convention and a one-shot "finished" flag.
//
// This generalizes the teacher's hugbox.go, which inlined argument
// accumulation, memfd-backed --file injection, and fd bookkeeping
// directly into the sandbox package; here the accumulator is its own
// reusable type independent of any particular child (bwrap or
// otherwise).
package argvfd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/steamrt/pressure-vessel/internal/environ"
	"github.com/steamrt/pressure-vessel/internal/errs"
)

// Builder accumulates a command line, an associated file-descriptor
// set to be inherited by the child, and an environment policy.
type Builder struct {
	args     []string
	fds      []*os.File
	env      *environ.Policy
	finished bool
}

// New creates an empty Builder. env may be nil, in which case Empty()
// is used.
func New(env *environ.Policy) *Builder {
	if env == nil {
		env = environ.Empty()
	}
	return &Builder{env: env}
}

// Env returns the builder's environment policy for direct manipulation.
func (b *Builder) Env() *environ.Policy { return b.env }

func (b *Builder) checkNotFinished() {
	if b.finished {
		panic("argvfd: append to a finished Builder")
	}
}

// AddArg appends a single argument.
func (b *Builder) AddArg(s string) {
	b.checkNotFinished()
	b.args = append(b.args, s)
}

// AddArgs appends multiple arguments.
func (b *Builder) AddArgs(ss ...string) {
	b.checkNotFinished()
	b.args = append(b.args, ss...)
}

// AddPrintf appends one argument built with fmt.Sprintf.
func (b *Builder) AddPrintf(format string, args ...interface{}) {
	b.AddArg(fmt.Sprintf(format, args...))
}

// AddFd adds fd to the set to be inherited by the child. The Builder
// becomes the owner of fd (it will be closed by Close unless stolen by
// the eventual child-setup code). Returns the index assigned within
// this builder's fd set (for callers that need to reference "the Nth
// extra fd").
func (b *Builder) AddFd(fd *os.File) int {
	b.checkNotFinished()
	b.fds = append(b.fds, fd)
	return len(b.fds) - 1
}

// Fds returns the accumulated file descriptors, in order.
func (b *Builder) Fds() []*os.File { return b.fds }

// childFdBase is the first fd number an inherited file lands on in the
// child: exec.Cmd starts ExtraFiles at fd 3 (0, 1, and 2 are stdin,
// stdout, stderr), so Fds()[i] becomes child fd childFdBase+i.
const childFdBase = 3

// AddArgsData materializes data into a sealed anonymous memfd (falling
// back to an unlinked O_TMPFILE when memfd_create is unavailable),
// records the resulting fd via AddFd, and appends the two tokens
// "--ro-bind-data <fd> <mountPoint>", where <fd> is the fd number the
// child will actually see it on (childFdBase-relative, not this
// builder's 0-based fd-set index). nameHint is used only as the
// memfd's debug name.
func (b *Builder) AddArgsData(nameHint string, data []byte, mountPoint string) error {
	b.checkNotFinished()

	f, err := sealedAnonFile(nameHint, data)
	if err != nil {
		return err
	}
	idx := b.AddFd(f)
	b.AddArgs("--ro-bind-data", fmt.Sprintf("%d", idx+childFdBase), mountPoint)
	return nil
}

// sealedAnonFile writes data into a memfd (or O_TMPFILE fallback) and
// seals it against further writes/growth/shrinking, so the recipient
// cannot mutate what it reads.
func sealedAnonFile(nameHint string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(nameHint, unix.MFD_ALLOW_SEALING)
	var f *os.File
	if err != nil {
		// Fall back to an unlinked O_TMPFILE in /tmp; sealing isn't
		// available but the file is still anonymous and fd-only.
		tf, ferr := os.OpenFile("/tmp", os.O_RDWR|unix.O_TMPFILE, 0600)
		if ferr != nil {
			return nil, errs.IOf(err, "argvfd: memfd_create(%q) and O_TMPFILE fallback both failed", nameHint)
		}
		f = tf
	} else {
		f = os.NewFile(uintptr(fd), nameHint)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, errs.IOf(err, "argvfd: writing memfd contents for %q", nameHint)
	}
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		f.Close()
		return nil, errs.IOf(err, "argvfd: rewinding memfd for %q", nameHint)
	}

	const sealFlags = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, sealFlags) // best-effort; O_TMPFILE fallback can't be sealed.

	return f, nil
}

// Append moves other's args and fds into b; afterwards other is empty
// but remains usable.
func (b *Builder) Append(other *Builder) {
	b.checkNotFinished()
	b.args = append(b.args, other.args...)
	b.fds = append(b.fds, other.fds...)
	other.args = nil
	other.fds = nil
}

// Finish appends the null terminator. Idempotent: calling it twice has
// no additional effect.
func (b *Builder) Finish() {
	if b.finished {
		return
	}
	b.args = append(b.args, "")
	b.finished = true
}

// Finished reports whether Finish has been called.
func (b *Builder) Finished() bool { return b.finished }

// Args returns the accumulated argument vector. If Finish has been
// called, the last element is the empty-string terminator (spec.md
// section 8's invariant: after finish, the last element is the
// terminator and no other element is empty/null).
func (b *Builder) Args() []string { return b.args }

// Close closes every owned fd. Safe to call after the fds have been
// handed off to a child (closing the parent's copy of an fd that the
// child inherited via dup is harmless).
func (b *Builder) Close() {
	for _, f := range b.fds {
		f.Close()
	}
	b.fds = nil
}
