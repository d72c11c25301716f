// Package x11integ synthesizes an Xauthority cookie scoped to the
// container's rewritten hostname/display, for the X11 desktop
// integration step of the runtime composer (spec.md section 4.5 step
// 7).
//
// Grounded on the teacher's sandbox/x11 package's craftAuthority,
// which parses the host Xauthority's binary record format and
// re-encodes a single matching entry under the sandbox's hostname.
// The teacher's cgo/xcb protocol-filtering surrogate (surrogate.go) is
// deliberately not ported: the runtime composer binds the X11 socket
// directly (spec.md §4.5 step 7), it does not proxy the protocol.
package x11integ

import (
	"encoding/binary"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

// SockDir is the host directory holding X11 Unix-domain sockets.
const SockDir = "/tmp/.X11-unix"

const familyAFLocal = 256

// Info is the resolved X11 integration state for one container launch.
type Info struct {
	HostSocket      string
	ContainerDisplay string
	Xauthority      []byte // nil if no usable Xauthority entry was found
}

// Resolve determines the host X11 socket and display, and synthesizes
// a container-scoped Xauthority cookie. displayOverride, if non-empty,
// takes precedence over $DISPLAY. containerHostname is the hostname
// the Xauthority entry will be rewritten to use.
func Resolve(displayOverride, containerHostname string) (*Info, error) {
	display := displayOverride
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return nil, errs.Unsupportedf("x11integ: no DISPLAY set and none provided")
	}
	if !strings.HasPrefix(display, ":") {
		return nil, errs.Unsupportedf("x11integ: non-local X11 displays are not supported")
	}

	displayNum := extractDisplayNumber(display)
	if displayNum == "" {
		return nil, errs.Unsupportedf("x11integ: could not determine display number from %q", display)
	}

	info := &Info{
		HostSocket:       filepath.Join(SockDir, "X"+displayNum),
		ContainerDisplay: ":0",
	}

	xauth, err := craftAuthority(containerHostname, displayNum)
	if err != nil {
		// Some hosts run without an Xauthority file at all (e.g. a
		// trusted local-only X server); this is not fatal, per spec.md
		// §4.5's "best-effort, silently skipped" rule for desktop
		// integrations.
		return info, nil
	}
	info.Xauthority = xauth
	return info, nil
}

func extractDisplayNumber(display string) string {
	var digits []byte
	for _, c := range []byte(strings.TrimLeft(display, ":")) {
		if c < '0' || c > '9' {
			break
		}
		digits = append(digits, c)
	}
	return string(digits)
}

func craftAuthority(containerHostname, realDisplay string) ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	xauthPath := os.Getenv("XAUTHORITY")
	if xauthPath == "" {
		xauthPath = filepath.Join(u.HomeDir, ".Xauthority")
	} else if strings.HasPrefix(xauthPath, "~/") {
		xauthPath = filepath.Join(u.HomeDir, xauthPath[1:])
	}
	real, err := os.ReadFile(xauthPath)
	if err != nil {
		return nil, err
	}

	for len(real) > 0 {
		rec, rest, err := parseXauthRecord(real)
		if err != nil {
			return nil, err
		}
		real = rest

		if rec.family != familyAFLocal || string(rec.addr) != hostname || string(rec.disp) != realDisplay {
			continue
		}

		name := hostname
		if containerHostname != "" {
			name = containerHostname
		}
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, rec.family)
		out = append(out, encodeXString([]byte(name))...)
		out = append(out, encodeXString([]byte("0"))...)
		out = append(out, encodeXString(rec.authMeth)...)
		out = append(out, encodeXString(rec.authData)...)
		return out, nil
	}

	return nil, errs.Unsupportedf("x11integ: no matching Xauthority entry for display %q", realDisplay)
}

type xauthRecord struct {
	family             uint16
	addr, disp         []byte
	authMeth, authData []byte
}

// parseXauthRecord decodes one Xauthority record (family, addr, disp,
// auth-method, auth-data, each a 2-byte big-endian length prefix
// followed by that many bytes) and returns the remaining buffer.
func parseXauthRecord(b []byte) (xauthRecord, []byte, error) {
	var rec xauthRecord
	if len(b) < 2 {
		return rec, nil, errs.IOf(nil, "x11integ: truncated Xauthority record (family)")
	}
	rec.family = binary.BigEndian.Uint16(b)
	b = b[2:]

	var err error
	rec.addr, b, err = extractXString(b)
	if err != nil {
		return rec, nil, err
	}
	rec.disp, b, err = extractXString(b)
	if err != nil {
		return rec, nil, err
	}
	rec.authMeth, b, err = extractXString(b)
	if err != nil {
		return rec, nil, err
	}
	rec.authData, b, err = extractXString(b)
	if err != nil {
		return rec, nil, err
	}
	return rec, b, nil
}

func extractXString(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errs.IOf(nil, "x11integ: truncated Xauthority string (length)")
	}
	l := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < l {
		return nil, nil, errs.IOf(nil, "x11integ: truncated Xauthority string (data): want %d have %d", l, len(b))
	}
	return b[:l], b[l:], nil
}

func encodeXString(s []byte) []byte {
	out := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	return append(out, s...)
}
