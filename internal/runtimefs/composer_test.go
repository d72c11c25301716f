package runtimefs

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/dynlib"
	"github.com/steamrt/pressure-vessel/internal/environ"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func buildFakeRuntime(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr", "lib"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "lib"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "cache"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "fonts.conf"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "passwd"), []byte("root:x:0:0"), 0644))
	return root
}

func TestMountUsrDetectsMergedUsr(t *testing.T) {
	root := buildFakeRuntime(t)
	require.NoError(t, os.Symlink("usr/lib", filepath.Join(root, "lib")))

	c := New(discardLogger(), root, t.TempDir(), []dynlib.ABI{dynlib.X8664}, 1000)
	b := argvfd.New(nil)
	require.NoError(t, c.mountUsr(b))

	args := b.Args()
	require.Contains(t, args, "--symlink")
	require.Contains(t, args, "usr/lib")
}

func TestMirrorMutableStateSkipsDenylist(t *testing.T) {
	root := buildFakeRuntime(t)
	c := New(discardLogger(), root, t.TempDir(), []dynlib.ABI{dynlib.X8664}, 1000)
	b := argvfd.New(nil)
	require.NoError(t, c.mirrorMutableState(b))

	args := b.Args()
	require.Contains(t, args, filepath.Join(root, "etc", "fonts.conf"))
	require.NotContains(t, args, filepath.Join(root, "etc", "passwd"))
}

func TestCaptureLibrariesFailsFatalWhenNoABISurvives(t *testing.T) {
	root := buildFakeRuntime(t)
	c := New(discardLogger(), root, t.TempDir(), []dynlib.ABI{dynlib.X8664}, 1000)
	b := argvfd.New(nil)

	_, err := c.captureLibraries(b)
	require.Error(t, err)
}

func TestIntegrateDBusBindsUnixSocketPath(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bus")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+sockPath+",guid=abc")

	c := New(discardLogger(), dir, dir, nil, 1000)
	b := argvfd.New(nil)
	c.integrateDBus(b, "DBUS_SESSION_BUS_ADDRESS")

	args := b.Args()
	require.Contains(t, args, "--bind")
	require.Contains(t, args, sockPath)
	v, ok := b.Env().Lookup("DBUS_SESSION_BUS_ADDRESS")
	require.True(t, ok)
	require.Contains(t, v, sockPath)
}

func TestFinalizeEnvJoinsManifestLists(t *testing.T) {
	res := &Result{
		EGLManifests:    []string{"/overrides/a.json", "/overrides/b.json"},
		VulkanManifests: []string{"/overrides/c.json"},
	}
	env := environ.Empty()
	FinalizeEnv(env, res)

	v, ok := env.Lookup("__EGL_VENDOR_LIBRARY_FILENAMES")
	require.True(t, ok)
	require.Equal(t, "/overrides/a.json:/overrides/b.json", v)

	v, ok = env.Lookup("VK_ICD_FILENAMES")
	require.True(t, ok)
	require.Equal(t, "/overrides/c.json", v)
}
