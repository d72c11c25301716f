package localegen

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateOSFileIsWarnNotError(t *testing.T) {
	dir := t.TempDir()
	helper := buildFakeHelper(t, dir, 72)

	res, err := Generate(helper, dir, false)
	require.NoError(t, err)
	require.True(t, res.Warned)
}

func TestGenerateOtherFailureIsError(t *testing.T) {
	dir := t.TempDir()
	helper := buildFakeHelper(t, dir, 1)

	_, err := Generate(helper, dir, false)
	require.Error(t, err)
}

func TestNonEmpty(t *testing.T) {
	dir := t.TempDir()
	require.False(t, NonEmpty(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en_US"), []byte("x"), 0644))
	require.True(t, NonEmpty(dir))
}

// buildFakeHelper writes a tiny shell script standing in for the
// locale-gen helper binary, so tests don't depend on it being
// installed.
func buildFakeHelper(t *testing.T, dir string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, "fake-locale-gen")
	script := "#!/bin/sh\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}
