package preload

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/steamrt/pressure-vessel/internal/dynlib"
	"github.com/steamrt/pressure-vessel/internal/environ"
)

func TestResolveCreatesSymlinksAndDeduplicates(t *testing.T) {
	fs := afero.NewOsFs()
	overrides := t.TempDir()
	r := New(fs, overrides, []dynlib.ABI{dynlib.X8664, dynlib.I386})

	env := environ.Empty()
	err := r.Resolve([]Descriptor{
		{Variable: LDPreload, Path: "/opt/lib64/foo.so", ABI: dynlib.X8664, HasABI: true},
		{Variable: LDPreload, Path: "/opt/lib64/foo.so", ABI: dynlib.X8664, HasABI: true}, // duplicate
		{Variable: LDAudit, Path: "/opt/lib64/bar.so", ABI: dynlib.X8664, HasABI: true},
		{Variable: LDPreload, Path: "/raw/no-abi.so"},
	}, env)
	require.NoError(t, err)

	preload, ok := env.Lookup("LD_PRELOAD")
	require.True(t, ok)
	require.Contains(t, preload, "foo.so")
	require.Contains(t, preload, "/raw/no-abi.so")

	audit, ok := env.Lookup("LD_AUDIT")
	require.True(t, ok)
	require.Contains(t, audit, "bar.so")
}

func TestResolveEmptyUnsetsVariable(t *testing.T) {
	fs := afero.NewOsFs()
	r := New(fs, t.TempDir(), nil)
	env := environ.Empty()

	require.NoError(t, r.Resolve(nil, env))
	require.True(t, env.IsUnset("LD_PRELOAD"))
	require.True(t, env.IsUnset("LD_AUDIT"))
}

func TestResolveOverlayRendererInference(t *testing.T) {
	fs := afero.NewOsFs()
	overrides := t.TempDir()
	r := New(fs, overrides, []dynlib.ABI{dynlib.X8664})
	env := environ.Empty()

	err := r.Resolve([]Descriptor{
		{Variable: LDPreload, Path: "/opt/steam/x86_64-linux-gnu/gameoverlayrenderer.so"},
	}, env)
	require.NoError(t, err)

	preload, _ := env.Lookup("LD_PRELOAD")
	require.Contains(t, preload, DLToken)
}
