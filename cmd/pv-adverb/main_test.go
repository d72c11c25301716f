package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/dynlib"
)

func TestParsePreloadDescriptorPlain(t *testing.T) {
	path, _, hasABI, err := parsePreloadDescriptor("/overrides/libfoo.so")
	require.NoError(t, err)
	require.False(t, hasABI)
	require.Equal(t, "/overrides/libfoo.so", path)
}

func TestParsePreloadDescriptorWithABI(t *testing.T) {
	path, abi, hasABI, err := parsePreloadDescriptor("/overrides/libfoo.so:abi=x86_64")
	require.NoError(t, err)
	require.True(t, hasABI)
	require.Equal(t, dynlib.X8664.Name, abi.Name)
	require.Equal(t, "/overrides/libfoo.so", path)
}

func TestParsePreloadDescriptorUnknownABI(t *testing.T) {
	_, _, _, err := parsePreloadDescriptor("/overrides/libfoo.so:abi=sparc")
	require.Error(t, err)
}

func TestPlanInvocationBatchForcesNone(t *testing.T) {
	argv, err := planInvocation([]string{"game"}, "instead", "xterm", true)
	require.NoError(t, err)
	require.Equal(t, []string{"game"}, argv)
}

func TestPlanInvocationInsteadReplacesCommand(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	argv, err := planInvocation([]string{"game"}, "instead", "none", false)
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/bash"}, argv)
}

func TestPlanInvocationAfterWrapsInShell(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	argv, err := planInvocation([]string{"game", "--flag"}, "after", "none", false)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", argv[0])
	require.Contains(t, argv[2], "exec /bin/bash")
}

func TestPlanInvocationRejectsUnknownShellMode(t *testing.T) {
	_, err := planInvocation([]string{"game"}, "bogus", "none", false)
	require.Error(t, err)
}
