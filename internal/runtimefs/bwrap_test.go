package runtimefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionAtLeast(t *testing.T) {
	v := Version{Major: 0, Minor: 8, Patch: 0}
	require.True(t, v.AtLeast(0, 1, 3))
	require.True(t, v.AtLeast(0, 8, 0))
	require.False(t, v.AtLeast(0, 8, 1))
	require.False(t, v.AtLeast(1, 0, 0))
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "0.8.2", Version{0, 8, 2}.String())
}

func TestFindBwrapPrefersEnvOverride(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "my-bwrap")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0755))

	t.Setenv("BWRAP", fake)
	got, err := FindBwrap()
	require.NoError(t, err)
	require.Equal(t, fake, got)
}

func TestFindBwrapRejectsNonExecutableOverride(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "not-executable")
	require.NoError(t, os.WriteFile(fake, []byte("x"), 0644))

	t.Setenv("BWRAP", fake)
	_, err := FindBwrap()
	require.Error(t, err)
}

func TestIsGrsecKernelFalseByDefault(t *testing.T) {
	require.False(t, IsGrsecKernel())
}
