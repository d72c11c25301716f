// Package ofdlock implements advisory fcntl record locking with a
// preference for open-file-description (OFD) locks and a fork-safe
// fallback to classic POSIX process-oriented locks.
//
// OFD locks (F_OFD_SETLK/F_OFD_SETLKW) are owned by the open file
// description rather than the process, so they survive fork() without
// being dropped by a sibling's close of its copy of the descriptor.
// Kernels that predate OFD locks (Linux < 3.15) return EINVAL for the
// OFD commands; the fallback to F_SETLK/F_SETLKW is tolerated there,
// since this module always hands the fd to a child via exec rather
// than duplicating it across threads that might close it independently.
package ofdlock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

// Flag is one element of the set controlling how Open acquires a lock.
type Flag int

const (
	// Create opens the file with O_CREAT (and O_RDWR) if missing.
	Create Flag = 1 << iota
	// Wait blocks until the lock is available (F_SETLKW) instead of
	// returning Busy immediately (F_SETLK).
	Wait
	// Write takes a writer (exclusive) lock and opens O_RDWR.
	Write
	// RequireOFD disables the fallback to process-oriented locks; if
	// the kernel doesn't support OFD locks, Open fails instead.
	RequireOFD
	// ProcessOriented skips the OFD attempt entirely and goes straight
	// to F_SETLK/F_SETLKW semantics.
	ProcessOriented
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Lock represents one advisory lock held on a file via an owned file
// descriptor. While the Lock owns the fd, the lock is held; closing the
// fd (via Drop, or StealFd's caller eventually closing it) releases it.
type Lock struct {
	fd      int
	isOFD   bool
	path    string
	claimed bool // true once StealFd has been called; Drop becomes a no-op.
}

// IsOFD reports whether this lock is an open-file-description lock.
func (l *Lock) IsOFD() bool { return l.isOFD }

// Fd returns the underlying file descriptor without transferring
// ownership.
func (l *Lock) Fd() int { return l.fd }

// StealFd yields the fd and disarms Drop; the caller now owns the fd
// (and, by extension, the lock's lifetime).
func (l *Lock) StealFd() int {
	l.claimed = true
	return l.fd
}

// Drop releases the lock by closing the owned fd, unless the fd has
// already been stolen. For OFD locks this immediately releases the
// lock; for process-oriented locks, the lock is released once the last
// fd referring to the same (file, process) pair is closed.
func (l *Lock) Drop() error {
	if l.claimed || l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}

func flockT(write bool) unix.Flock_t {
	typ := int16(unix.F_RDLCK)
	if write {
		typ = unix.F_WRLCK
	}
	return unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0, // whole file
	}
}

// Open opens path with the given flag set and takes an advisory record
// lock covering the whole file, returning the held Lock.
//
// Lock contention (F_SETLK without Wait) surfaces as an *errs.Error of
// Kind errs.Busy; any other failure surfaces as Kind errs.IO with the
// originating errno preserved via Unwrap.
func Open(path string, flags Flag) (*Lock, error) {
	if flags.has(RequireOFD) && flags.has(ProcessOriented) {
		return nil, errs.Internalf("ofdlock: REQUIRE_OFD and PROCESS_ORIENTED are mutually exclusive")
	}

	openFlags := os.O_RDONLY
	if flags.has(Create) {
		openFlags = os.O_RDWR | os.O_CREATE
	} else if flags.has(Write) {
		openFlags = os.O_RDWR
	}

	fd, err := unix.Open(path, openFlags, 0600)
	if err != nil {
		return nil, errs.IOf(err, "ofdlock: open %q", path)
	}

	l := &Lock{fd: fd, path: path}
	if err := l.acquire(flags); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func (l *Lock) acquire(flags Flag) error {
	// CREATE only affects the open() mode (O_RDWR vs O_RDONLY); the lock
	// itself is a writer lock only when WRITE is explicitly requested,
	// reader otherwise.
	write := flags.has(Write)
	lk := flockT(write)

	tryOFD := !flags.has(ProcessOriented)
	if tryOFD {
		cmd := unix.F_OFD_SETLK
		if flags.has(Wait) {
			cmd = unix.F_OFD_SETLKW
		}
		if err := unix.FcntlFlock(uintptr(l.fd), cmd, &lk); err == nil {
			l.isOFD = true
			return nil
		} else if err == unix.EINVAL && !flags.has(RequireOFD) {
			// Kernel doesn't understand F_OFD_* locks; fall through to
			// the process-oriented path below.
		} else if isLockContention(err) {
			return errs.Busyf("ofdlock: %q is held by another open-file-description lock", l.path)
		} else {
			return errs.IOf(err, "ofdlock: F_OFD_SETLK on %q", l.path)
		}
	}

	cmd := unix.F_SETLK
	if flags.has(Wait) {
		cmd = unix.F_SETLKW
	}
	lk = flockT(write)
	if err := unix.FcntlFlock(uintptr(l.fd), cmd, &lk); err != nil {
		if isLockContention(err) {
			return errs.Busyf("ofdlock: %q is held by another process", l.path)
		}
		return errs.IOf(err, "ofdlock: F_SETLK on %q", l.path)
	}
	l.isOFD = false
	return nil
}

func isLockContention(err error) bool {
	return err == unix.EACCES || err == unix.EAGAIN
}

// Adopt constructs a Lock from an already-open, already-locked fd. The
// caller transfers ownership of fd to the returned Lock. Unless
// processOriented is set, the lock is assumed to be an OFD lock (the
// common case: fds crossing exec boundaries via --fd/--lock-file are
// always opened by this package).
func Adopt(fd int, processOriented bool) *Lock {
	return &Lock{fd: fd, isOFD: !processOriented}
}
