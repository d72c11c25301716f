package homedir

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/argvfd"
	"github.com/steamrt/pressure-vessel/internal/fsutil"
)

func TestPresentSharedBindsHostHome(t *testing.T) {
	b := argvfd.New(nil)
	Present(b, Shared, "/home/alice", "/home/alice")

	args := b.Args()
	require.Contains(t, args, "--bind")
	v, ok := b.Env().Lookup("HOME")
	require.True(t, ok)
	require.Equal(t, "/home/alice", v)
}

func TestPresentUnsharedCreatesXDGDirs(t *testing.T) {
	b := argvfd.New(nil)
	Present(b, Unshared, "", "/home/sandbox")

	args := b.Args()
	require.Contains(t, args, "/home/sandbox/.cache")
	require.Contains(t, args, "/home/sandbox/.config")
}

func TestEnsureIdempotentIsSafeToRepeat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, EnsureIdempotent(fs, "/home/sandbox"))
	require.NoError(t, EnsureIdempotent(fs, "/home/sandbox"))

	require.True(t, fsutil.DirExists(fs, "/home/sandbox/.config"))
}

func TestCompatSymlinkSkipsExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/sandbox/.steam", []byte("x"), 0600))

	err := CompatSymlink(fs, "/home/sandbox", ".steam", ".local/share/Steam")
	require.NoError(t, err)
}
