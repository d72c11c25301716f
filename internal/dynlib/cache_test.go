package dynlib

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSyntheticCache constructs a minimal, valid ld.so.cache file
// containing one entry, in the on-disk format LoadCacheFile expects.
func buildSyntheticCache(t *testing.T, key, value string, flags uint32) string {
	t.Helper()

	var strings bytes.Buffer
	strings.WriteByte(0) // index 0 reserved as "empty string"
	keyIdx := strings.Len()
	strings.WriteString(key)
	strings.WriteByte(0)
	valIdx := strings.Len()
	strings.WriteString(value)
	strings.WriteByte(0)

	// String offsets are relative to the start of the new-format header:
	// magic (20 bytes), nlibs + lenStrings + unused[5] (28 bytes), then
	// one 24-byte entry precede the string table.
	const stringsBase = 20 + 7*4 + 24

	var newFormat bytes.Buffer
	newFormat.WriteString("glibc-ld.so.cache1.1")
	writeU32 := func(v uint32) { binary.Write(&newFormat, binary.LittleEndian, v) }
	writeU32(1) // nlibs
	writeU32(uint32(strings.Len()))
	for i := 0; i < 5; i++ {
		writeU32(0) // unused[]
	}
	// one cache_file_new entry: flags, key, value, osVersion, hwcap
	writeU32(flags)
	writeU32(uint32(stringsBase + keyIdx))
	writeU32(uint32(stringsBase + valIdx))
	writeU32(0) // osVersion
	binary.Write(&newFormat, binary.LittleEndian, uint64(0))
	newFormat.Write(strings.Bytes())

	var out bytes.Buffer
	out.WriteString("ld.so-1.7.0\x00")
	binary.Write(&out, binary.LittleEndian, uint32(0)) // nlibs (old format) = 0
	// pad to 8-byte alignment before new_magic
	off := out.Len()
	pad := ((off+8-1)/8)*8 - off
	out.Write(make([]byte, pad))
	out.Write(newFormat.Bytes())

	path := filepath.Join(t.TempDir(), "ld.so.cache")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0644))
	return path
}

func TestLoadCacheFileFiltersByABIFlags(t *testing.T) {
	path := buildSyntheticCache(t, "libfoo.so.1", "/usr/lib/x86_64-linux-gnu/libfoo.so.1", X8664.WantFlags)

	c, err := LoadCacheFile(path, X8664)
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/x86_64-linux-gnu/libfoo.so.1", c.GetLibraryPath("libfoo.so.1"))

	// The same entry does not satisfy the i386 flag mask.
	c32, err := LoadCacheFile(path, I386)
	require.NoError(t, err)
	require.Equal(t, "", c32.GetLibraryPath("libfoo.so.1"))
}

func TestGetLibraryPathUnknown(t *testing.T) {
	c := &Cache{store: map[string]cacheEntries{}}
	require.Equal(t, "", c.GetLibraryPath("nope.so"))
}

func TestResolveOnePrefersLdLibraryPathOverCache(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libbar.so")
	require.NoError(t, os.WriteFile(libPath, []byte("x"), 0644))

	c := &Cache{store: map[string]cacheEntries{
		"libbar.so": {{key: "libbar.so", value: "/other/libbar.so"}},
	}}

	got, inLDLP := resolveOne("libbar.so", []string{dir}, c, nil)
	require.Equal(t, libPath, got)
	require.True(t, inLDLP)
}

func TestResolveOneFallsBackToFallbackSearchPath(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libbaz.so")
	require.NoError(t, os.WriteFile(libPath, []byte("x"), 0644))

	c := &Cache{store: map[string]cacheEntries{}}
	got, inLDLP := resolveOne("libbaz.so", nil, c, []string{dir})
	require.Equal(t, libPath, got)
	require.False(t, inLDLP)
}
