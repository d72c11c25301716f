package hostgfx

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/dynlib"
)

func newTestInspector(t *testing.T) *Inspector {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(log.WithField("test", true), dynlib.X8664)
}

func TestParseManifestAbsolutePath(t *testing.T) {
	i := newTestInspector(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "foo_icd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ICD":{"library_path":"/usr/lib/libfoo.so"},"file_format_version":"1.0.0"}`), 0644))

	e, err := i.parseManifest(KindEGL, path)
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/libfoo.so", e.LibraryPath)
	require.False(t, e.SonameOnly)
}

func TestParseManifestSonameOnly(t *testing.T) {
	i := newTestInspector(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bar_icd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ICD":{"library_path":"libbar.so"},"file_format_version":"1.0.0"}`), 0644))

	e, err := i.parseManifest(KindVulkan, path)
	require.NoError(t, err)
	require.True(t, e.SonameOnly)
	require.Equal(t, "libbar.so", e.LibraryPath)
}

func TestDedupeSonameOnlyKeepsFirst(t *testing.T) {
	in := []Entry{
		{Kind: KindEGL, LibraryPath: "libfoo.so", SonameOnly: true},
		{Kind: KindEGL, LibraryPath: "libfoo.so", SonameOnly: true},
		{Kind: KindEGL, LibraryPath: "/abs/libfoo.so", SonameOnly: false},
	}
	out := dedupeSonameOnly(in)
	require.Len(t, out, 2)
}

func TestReclassifyOverlayRenderer(t *testing.T) {
	abis := []dynlib.ABI{dynlib.X8664, dynlib.I386}

	abi, ok := ReclassifyOverlayRenderer("/opt/steam/ubuntu12_64/gameoverlayrenderer.so", abis)
	require.True(t, ok)
	require.Equal(t, dynlib.X8664.Name, abi.Name)

	_, ok = ReclassifyOverlayRenderer("/opt/steam/somewhere/other.so", abis)
	require.False(t, ok)
}
