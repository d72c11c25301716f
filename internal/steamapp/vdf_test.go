package steamapp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleLibraryFolders = `
"libraryfolders"
{
	"0"
	{
		"path"		"/home/user/.steam/steam"
		"apps"
		{
			"440"		"1234"
		}
	}
	"1"
	{
		"path"		"/mnt/games/SteamLibrary"
		"apps"
		{
			"730"		"5678"
		}
	}
}
`

const sampleAppManifest = `
"AppState"
{
	"appid"		"440"
	"name"		"Team Fortress 2"
	"installdir"		"Team Fortress 2"
}
`

func TestParseVDFNested(t *testing.T) {
	root, err := ParseVDF([]byte(sampleLibraryFolders))
	require.NoError(t, err)

	lf, ok := root.Child("libraryfolders")
	require.True(t, ok)
	zero, ok := lf.Child("0")
	require.True(t, ok)
	path, ok := zero.String("path")
	require.True(t, ok)
	require.Equal(t, "/home/user/.steam/steam", path)
}

func TestParseLibraryFolders(t *testing.T) {
	root, err := ParseVDF([]byte(sampleLibraryFolders))
	require.NoError(t, err)

	folders, err := ParseLibraryFolders(root)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	require.Equal(t, "/mnt/games/SteamLibrary", folders[1].Path)
	require.Equal(t, []string{"730"}, folders[1].Apps)
}

func TestParseVDFHandlesComments(t *testing.T) {
	data := []byte(`
// this whole library config is disabled for now
"libraryfolders"
{
	"0" { "path" "/x" }
}
`)
	root, err := ParseVDF(data)
	require.NoError(t, err)
	_, ok := root.Child("libraryfolders")
	require.True(t, ok)
}

func TestFindAppInstallDir(t *testing.T) {
	dir := t.TempDir()
	steamapps := filepath.Join(dir, "steamapps")
	require.NoError(t, writeFile(filepath.Join(steamapps, "libraryfolders.vdf"), `"libraryfolders"{"0"{"path" "`+dir+`"}}`))
	require.NoError(t, writeFile(filepath.Join(steamapps, "appmanifest_440.acf"), sampleAppManifest))

	got, err := FindAppInstallDir(dir, "440")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "steamapps", "common", "Team Fortress 2"), got)
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
