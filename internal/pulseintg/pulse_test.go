package pulseintg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostSocketPathFromEnv(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/run/user/1000/pulse/native")
	got, err := hostSocketPath()
	require.NoError(t, err)
	require.Equal(t, "/run/user/1000/pulse/native", got)
}

func TestHostSocketPathRejectsRemote(t *testing.T) {
	t.Setenv("PULSE_SERVER", "tcp:remotehost:4713")
	_, err := hostSocketPath()
	require.Error(t, err)
}

func TestHostSocketPathFallsBackToXDGRuntimeDir(t *testing.T) {
	t.Setenv("PULSE_SERVER", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	got, err := hostSocketPath()
	require.NoError(t, err)
	require.Equal(t, "/run/user/1000/pulse/native", got)
}

func TestIntegrateMissingSocketIsNotError(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/nonexistent/socket")
	info, err := Integrate(nil, nil, "/run/user/1000")
	require.NoError(t, err)
	require.False(t, info.Found)
}
