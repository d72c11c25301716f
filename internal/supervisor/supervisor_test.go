package supervisor

import (
	"io"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// The two Supervisor tests below pass TerminateTimeout: -1 with Subreaper left false,
// so Wait's descendant-draining path (which signals this process's own
// process group) never triggers — exercising only the primary-child
// reap and exit-code mapping.

func TestLaunchAndWaitExitCode(t *testing.T) {
	s := New(discardLogger(), Options{TerminateTimeout: -1})
	require.NoError(t, s.Prepare())

	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, s.Launch(cmd))
	require.NotZero(t, s.ChildPid())

	res, err := s.Wait(cmd)
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestWaitSuccessIsExitOK(t *testing.T) {
	s := New(discardLogger(), Options{TerminateTimeout: -1})
	cmd := exec.Command("true")
	require.NoError(t, s.Launch(cmd))

	res, err := s.Wait(cmd)
	require.NoError(t, err)
	require.Equal(t, errs.ExitOK, res.ExitCode)
}

func TestExitCodeFromWaitErrorOnSignal(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	require.Error(t, err)
	require.Equal(t, errs.ExitCodeForSignal(15), exitCodeFromWaitError(err))
}
