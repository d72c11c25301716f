package x11integ

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildXauthEntry(family uint16, addr, disp, authMeth, authData string) []byte {
	var out []byte
	fam := make([]byte, 2)
	binary.BigEndian.PutUint16(fam, family)
	out = append(out, fam...)
	out = append(out, encodeXString([]byte(addr))...)
	out = append(out, encodeXString([]byte(disp))...)
	out = append(out, encodeXString([]byte(authMeth))...)
	out = append(out, encodeXString([]byte(authData))...)
	return out
}

func TestCraftAuthorityRewritesHostname(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	dir := t.TempDir()
	xauthPath := filepath.Join(dir, ".Xauthority")
	entry := buildXauthEntry(familyAFLocal, hostname, "0", "MIT-MAGIC-COOKIE-1", "deadbeef")
	require.NoError(t, os.WriteFile(xauthPath, entry, 0600))
	t.Setenv("XAUTHORITY", xauthPath)

	got, err := craftAuthority("sandboxhost", "0")
	require.NoError(t, err)

	rec, rest, err := parseXauthRecord(got)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, "sandboxhost", string(rec.addr))
	require.Equal(t, "0", string(rec.disp))
	require.Equal(t, "deadbeef", string(rec.authData))
}

func TestCraftAuthorityNoMatch(t *testing.T) {
	dir := t.TempDir()
	xauthPath := filepath.Join(dir, ".Xauthority")
	entry := buildXauthEntry(familyAFLocal, "somewhere-else", "1", "MIT-MAGIC-COOKIE-1", "xx")
	require.NoError(t, os.WriteFile(xauthPath, entry, 0600))
	t.Setenv("XAUTHORITY", xauthPath)

	_, err := craftAuthority("sandboxhost", "0")
	require.Error(t, err)
}

func TestExtractDisplayNumber(t *testing.T) {
	require.Equal(t, "0", extractDisplayNumber(":0"))
	require.Equal(t, "0", extractDisplayNumber(":0.0"))
	require.Equal(t, "12", extractDisplayNumber(":12"))
}

func TestResolveRejectsRemoteDisplay(t *testing.T) {
	_, err := Resolve("remote:0", "host")
	require.Error(t, err)
}
