// Package pulseintg implements the PulseAudio desktop-integration step
// of the runtime composer (spec.md section 4.5 step 7): locating the
// host's PulseAudio socket and cookie, and injecting a minimal
// client.conf into the container.
//
// Grounded on the teacher's hugbox.enablePulseAudio, generalized from
// bwrap's legacy --file-plus-pipe injection mechanism (h.file, which
// wrote the conf/cookie through a pipe bwrap read synchronously) to
// the argvfd package's sealed-memfd --ro-bind-data mechanism, per
// SPEC_FULL.md's modernization note.
package pulseintg

import (
	"os"
	"path/filepath"
	"strings"

	xdg "github.com/cep21/xdgbasedir"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/environ"
	"github.com/steamrt/pressure-vessel/internal/errs"
)

const (
	envPulseServer       = "PULSE_SERVER"
	envPulseCookie       = "PULSE_COOKIE"
	envPulseClientConfig = "PULSE_CLIENTCONFIG"
	unixPrefix           = "unix:"
)

// clientConf disables shared-memory transport, since a sandboxed
// client and the host daemon don't share a writable /dev/shm region.
const clientConf = "enable-shm=no\n"

// Info describes what was found and wired for PulseAudio.
type Info struct {
	Found bool
}

// Integrate locates the host PulseAudio socket and optional cookie,
// and if found, binds the socket and injects a client.conf and cookie
// into the container at ${runtimeDir}/pulse/, setting the
// corresponding environment variables. Missing PulseAudio is silently
// skipped (spec.md §4.5's best-effort desktop-integration rule), not
// an error.
func Integrate(b *argvfd.Builder, env *environ.Policy, containerRuntimeDir string) (Info, error) {
	sockPath, err := hostSocketPath()
	if err != nil {
		return Info{}, nil
	}

	st, err := os.Stat(sockPath)
	if err != nil || st.Mode()&os.ModeSocket == 0 {
		return Info{}, nil
	}

	containerSock := filepath.Join(containerRuntimeDir, "pulse", "native")
	containerConf := filepath.Join(containerRuntimeDir, "pulse", "client.conf")

	b.AddArgs("--ro-bind", sockPath, containerSock)
	if err := b.AddArgsData("pulse-client-conf", []byte(clientConf), containerConf); err != nil {
		return Info{}, err
	}

	env.Set(envPulseServer, unixPrefix+containerSock)
	env.Set(envPulseClientConfig, containerConf)

	if cookie, cookiePath := readCookie(); cookie != nil {
		containerCookie := filepath.Join(containerRuntimeDir, "pulse", "cookie")
		if err := b.AddArgsData("pulse-cookie", cookie, containerCookie); err != nil {
			return Info{}, errs.IOf(err, "pulseintg: injecting cookie from %q", cookiePath)
		}
		env.Set(envPulseCookie, containerCookie)
	}

	return Info{Found: true}, nil
}

func hostSocketPath() (string, error) {
	sockPath := os.Getenv(envPulseServer)
	if sockPath == "" {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return "", errs.Unsupportedf("pulseintg: XDG_RUNTIME_DIR is not set")
		}
		return filepath.Join(runtimeDir, "pulse", "native"), nil
	}
	if strings.HasPrefix(sockPath, unixPrefix) {
		return strings.TrimPrefix(sockPath, unixPrefix), nil
	}
	return "", errs.Unsupportedf("pulseintg: non-local PULSE_SERVER %q is not supported", sockPath)
}

func readCookie() (cookie []byte, path string) {
	cookiePath := os.Getenv(envPulseCookie)
	if cookiePath == "" {
		var err error
		cookiePath, err = xdg.GetConfigFileLocation("pulse/cookie")
		if err != nil {
			return nil, ""
		}
	}
	data, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, ""
	}
	return data, cookiePath
}
