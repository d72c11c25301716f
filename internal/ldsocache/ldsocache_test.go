package ldsocache

import (
	"io"
	"os"
	"path/filepath"
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

func TestRegenerateRejectsRelativeExtraDir(t *testing.T) {
	err := Regenerate(discardLogger(), t.TempDir(), []string{"relative/path"}, false)
	require.Error(t, err)
	require.Equal(t, errs.CLIUsage, errs.KindOf(err))
}

func TestRegenerateRejectsNewlineInExtraDir(t *testing.T) {
	err := Regenerate(discardLogger(), t.TempDir(), []string{"/ok\n/bad"}, false)
	require.Error(t, err)
	require.Equal(t, errs.CLIUsage, errs.KindOf(err))
}

func TestRegenerateWritesConcatenatedConf(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runtime-ld.so.conf"), []byte("/usr/lib/runtime\n"), 0644))

	// ldconfig itself will fail in this sandboxed test environment (no
	// /sbin/ldconfig, or no permission to exec it), but the conf file
	// must be written before that happens.
	_ = Regenerate(discardLogger(), dir, []string{"/usr/lib/extra"}, false)

	got, err := os.ReadFile(filepath.Join(dir, "ld.so.conf"))
	require.NoError(t, err)
	require.Contains(t, string(got), "/usr/lib/extra")
	require.Contains(t, string(got), "/usr/lib/runtime")
}
