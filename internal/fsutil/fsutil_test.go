package fsutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestDirExistsAndFileExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/a/b", DirMode))
	require.NoError(t, afero.WriteFile(fs, "/a/b/f", []byte("x"), FileMode))

	require.True(t, DirExists(fs, "/a/b"))
	require.False(t, DirExists(fs, "/a/b/f"))
	require.True(t, FileExists(fs, "/a/b/f"))
	require.False(t, FileExists(fs, "/a/b/nope"))
}

func TestEnsureDirIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, EnsureDir(fs, "/x/y"))
	require.NoError(t, EnsureDir(fs, "/x/y"))
	require.True(t, DirExists(fs, "/x/y"))
}

func TestSymlinkConflictDetection(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()

	require.NoError(t, Symlink(fs, "/target/a", dir+"/link"))
	require.NoError(t, Symlink(fs, "/target/a", dir+"/link")) // idempotent, same target

	err := Symlink(fs, "/target/b", dir+"/link")
	require.Error(t, err)
}
