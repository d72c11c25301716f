package environ

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExactlyOneState(t *testing.T) {
	p := Empty()
	_, isSet := p.Lookup("FOO")
	require.False(t, isSet)
	require.False(t, p.IsUnset("FOO"))

	p.Set("FOO", "bar")
	v, isSet := p.Lookup("FOO")
	require.True(t, isSet)
	require.Equal(t, "bar", v)
	require.False(t, p.IsUnset("FOO"))

	p.Unset("FOO")
	_, isSet = p.Lookup("FOO")
	require.False(t, isSet)
	require.True(t, p.IsUnset("FOO"))

	p.Inherit("FOO")
	_, isSet = p.Lookup("FOO")
	require.False(t, isSet)
	require.False(t, p.IsUnset("FOO"))
}

func TestSetEmptyValueIsNotUnset(t *testing.T) {
	p := Empty()
	p.Set("FOO", "")
	v, isSet := p.Lookup("FOO")
	require.True(t, isSet)
	require.Equal(t, "", v)
	require.False(t, p.IsUnset("FOO"))
}

func TestSetOrUnsetIfEmpty(t *testing.T) {
	p := Empty()
	p.SetOrUnsetIfEmpty("LD_PRELOAD", "")
	require.True(t, p.IsUnset("LD_PRELOAD"))

	p.SetOrUnsetIfEmpty("LD_PRELOAD", "/a.so")
	v, isSet := p.Lookup("LD_PRELOAD")
	require.True(t, isSet)
	require.Equal(t, "/a.so", v)
}

func TestExplicitNamesSortedAndExcludesInherited(t *testing.T) {
	p := Empty()
	p.Set("ZVAR", "1")
	p.Unset("AVAR")
	p.Inherit("BVAR") // no-op, never had an entry

	require.Equal(t, []string{"AVAR", "ZVAR"}, p.ExplicitNames())
}

func TestResolveDeterministicOrderAndOmitsUnset(t *testing.T) {
	base := []string{"HOME=/root", "PATH=/bin", "SECRET=x"}
	p := New(base)
	p.Set("PATH", "/usr/bin")
	p.Unset("SECRET")
	p.Set("NEWVAR", "v")

	got := p.Resolve(base)
	require.Equal(t, []string{"HOME=/root", "NEWVAR=v", "PATH=/usr/bin"}, got)
}

func TestNewFromProcessEnviron(t *testing.T) {
	p := New([]string{"A=1", "B=2=2"})
	v, ok := p.Lookup("A")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, ok = p.Lookup("B")
	require.True(t, ok)
	require.Equal(t, "2=2", v)
}
