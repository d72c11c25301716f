// Package dynlib parses the glibc dynamic linker cache
// (/etc/ld.so.cache) and walks ELF import tables, so that the host
// inspector (spec.md section 4.4) can resolve a binary's shared-library
// dependencies to concrete host paths without invoking the dynamic
// linker itself.
//
// Unlike the teacher's dynlib package, which only ever needed to
// resolve dependencies for a single hardcoded amd64 Firefox binary,
// this package is parameterized over ABI (spec.md's notion of a Steam
// runtime "multiarch tuple", e.g. x86_64-linux-gnu or
// i386-linux-gnu) so the host inspector can run the same resolution
// twice, once per architecture a game might need.
package dynlib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

const ldSoCachePath = "/etc/ld.so.cache"

// ABI identifies one dynamic-linker class/flag combination this
// package knows how to filter ld.so.cache entries for.
type ABI struct {
	Name        string // e.g. "x86_64-linux-gnu"
	WantFlags   uint32 // required cacheEntry.flags bits
	ElfMachine  uint16 // expected e_machine, for ELF validation
	LdSoName    string // e.g. "ld-linux-x86-64.so.2"
	LdSoSearch  []string
}

const (
	flagElfLibc6 = 0x0003
	flagLib64    = 0x0300
	flagLib32    = 0x0000 // i386 entries carry no extra class bits beyond flagElfLibc6
)

// X8664 and I386 are the two ABIs the Steam Linux runtime supports.
var (
	X8664 = ABI{
		Name:       "x86_64-linux-gnu",
		WantFlags:  flagLib64 | flagElfLibc6,
		ElfMachine: 62, // EM_X86_64
		LdSoName:   "ld-linux-x86-64.so.2",
		LdSoSearch: []string{"/lib64", "/lib"},
	}
	I386 = ABI{
		Name:       "i386-linux-gnu",
		WantFlags:  flagLib32 | flagElfLibc6,
		ElfMachine: 3, // EM_386
		LdSoName:   "ld-linux.so.2",
		LdSoSearch: []string{"/lib32", "/lib"},
	}
)

// FilterFunc optionally rejects a binary before its dependencies are
// walked.
type FilterFunc func(string) error

// Cache is a parsed representation of /etc/ld.so.cache.
type Cache struct {
	store map[string]cacheEntries
}

// GetLibraryPath returns the best-ranked host path for the named
// library (a bare soname, e.g. "libc.so.6"), or "" if unknown.
func (c *Cache) GetLibraryPath(name string) string {
	ents, ok := c.store[name]
	if !ok || len(ents) == 0 {
		return ""
	}
	return ents[0].value
}

// ResolveLibraries performs a breadth-first walk of binaries and their
// transitive shared-library dependencies, returning a map from
// canonical (symlink-resolved) host path to the set of sonames that
// alias it.
func (c *Cache) ResolveLibraries(binaries []string, extraLibs []string, ldLibraryPath, fallbackSearchPath string, filterFn FilterFunc) (map[string][]string, error) {
	searchPaths := filepath.SplitList(ldLibraryPath)
	fallbackSearchPaths := filepath.SplitList(fallbackSearchPath)
	libraries := make(map[string]string)

	checkedFile := make(map[string]bool)
	checkedLib := make(map[string]bool)
	toCheck := binaries
	for len(toCheck) > 0 {
		newToCheck := make(map[string]bool)
		for _, fn := range toCheck {
			if filterFn != nil {
				if err := filterFn(fn); err != nil {
					return nil, err
				}
			}

			impLibs, err := getImportedLibraries(fn)
			if err != nil {
				return nil, errs.IOf(err, "dynlib: reading ELF imports of %q", fn)
			}
			checkedFile[fn] = true

			if extraLibs != nil {
				impLibs = append(impLibs, extraLibs...)
				extraLibs = nil
			}

			for _, lib := range impLibs {
				if checkedLib[lib] {
					continue
				}

				libPath, inLdLibraryPath := resolveOne(lib, searchPaths, c, fallbackSearchPaths)
				if libPath == "" {
					return nil, errs.Unsupportedf("dynlib: could not find library %q", lib)
				}

				if !inLdLibraryPath {
					libraries[lib] = libPath
				}
				checkedLib[lib] = true

				if !checkedFile[libPath] {
					newToCheck[libPath] = true
				}
			}
		}
		toCheck = toCheck[:0]
		for k := range newToCheck {
			toCheck = append(toCheck, k)
		}
	}

	ret := make(map[string][]string)
	for lib, fn := range libraries {
		f, err := filepath.EvalSymlinks(fn)
		if err != nil {
			return nil, errs.IOf(err, "dynlib: resolving symlinks for %q", fn)
		}
		ret[f] = append(ret[f], lib)
	}
	for _, aliases := range ret {
		sort.Strings(aliases)
	}
	return ret, nil
}

func resolveOne(lib string, searchPaths []string, c *Cache, fallbackSearchPaths []string) (path string, inLdLibraryPath bool) {
	for _, d := range searchPaths {
		candidate := filepath.Join(d, lib)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	if p := c.GetLibraryPath(lib); p != "" {
		return p, false
	}
	for _, d := range fallbackSearchPaths {
		candidate := filepath.Join(d, lib)
		if fileExists(candidate) {
			return candidate, false
		}
	}
	return "", false
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

type cacheEntry struct {
	key, value string
	flags      uint32
	osVersion  uint32
	hwcap      uint64
}

type cacheEntries []*cacheEntry

func (e cacheEntries) Len() int      { return len(e) }
func (e cacheEntries) Swap(i, j int) { e[i], e[j] = e[j], e[i] }
func (e cacheEntries) Less(i, j int) bool {
	if e[i].hwcap != e[j].hwcap {
		return e[i].hwcap > e[j].hwcap
	}
	if e[i].osVersion != e[j].osVersion {
		return e[i].osVersion > e[j].osVersion
	}
	return i < j
}

// getNewLdCache strips the legacy "old format" header, which every
// glibc >= 2.2 cache still embeds for backward compatibility, and
// returns the start of the new-format payload.
func getNewLdCache(b []byte) ([]byte, error) {
	const entrySz = 4 + 4 + 4
	oldMagic := []byte("ld.so-1.7.0\x00")

	if !bytes.HasPrefix(b, oldMagic) {
		return nil, fmt.Errorf("dynlib: ld.so.cache has invalid old_magic")
	}
	off := len(oldMagic)
	b = b[off:]

	if len(b) < 4 {
		return nil, fmt.Errorf("dynlib: ld.so.cache truncated (nlibs)")
	}
	nlibs := int(binary.LittleEndian.Uint32(b))
	off += 4
	b = b[4:]

	nSkip := entrySz * nlibs
	if len(b) < nSkip {
		return nil, fmt.Errorf("dynlib: ld.so.cache truncated (libs[])")
	}
	off += nSkip
	b = b[nSkip:]

	padLen := ((off+8-1)/8)*8 - off
	if len(b) < padLen {
		return nil, fmt.Errorf("dynlib: ld.so.cache truncated (pad)")
	}
	return b[padLen:], nil
}

// LoadCache parses /etc/ld.so.cache, keeping only entries matching
// abi's flag mask. See glibc's sysdeps/generic/dl-cache.h for the wire
// format this implements.
func LoadCache(abi ABI) (*Cache, error) {
	return LoadCacheFile(ldSoCachePath, abi)
}

// LoadCacheFile is LoadCache parameterized over the cache file path,
// so tests can exercise the binary-format parser against a synthetic
// cache without a real glibc installation.
func LoadCacheFile(path string, abi ABI) (*Cache, error) {
	const entrySz = 4 + 4 + 4 + 4 + 8

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IOf(err, "dynlib: reading %s", path)
	}

	b, err := getNewLdCache(raw)
	if err != nil {
		return nil, errs.IOf(err, "dynlib: parsing %s", path)
	}
	stringTable := b

	newMagic := []byte("glibc-ld.so.cache1.1")
	if !bytes.HasPrefix(b, newMagic) {
		return nil, errs.IOf(nil, "dynlib: ld.so.cache has invalid new_magic")
	}
	b = b[len(newMagic):]

	if len(b) < 2*4+5*4 {
		return nil, errs.IOf(nil, "dynlib: ld.so.cache truncated (new header)")
	}
	nlibs := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	lenStrings := int(binary.LittleEndian.Uint32(b))
	b = b[4+20:] // skip unused[]
	rawLibs := b[:nlibs*entrySz]
	b = b[len(rawLibs):]
	if len(b) != lenStrings {
		return nil, errs.IOf(nil, "dynlib: lenStrings field does not match remaining data")
	}

	getString := func(idx int) (string, error) {
		if idx < 0 || idx > len(stringTable) {
			return "", fmt.Errorf("dynlib: string table index out of bounds")
		}
		l := bytes.IndexByte(stringTable[idx:], 0)
		if l <= 0 {
			return "", nil
		}
		return string(stringTable[idx : idx+l]), nil
	}

	c := &Cache{store: make(map[string]cacheEntries)}
	for i := 0; i < nlibs; i++ {
		rawE := rawLibs[entrySz*i : entrySz*(i+1)]

		e := &cacheEntry{
			flags:     binary.LittleEndian.Uint32(rawE[0:]),
			osVersion: binary.LittleEndian.Uint32(rawE[12:]),
			hwcap:     binary.LittleEndian.Uint64(rawE[16:]),
		}
		kIdx := int(binary.LittleEndian.Uint32(rawE[4:]))
		vIdx := int(binary.LittleEndian.Uint32(rawE[8:]))

		var err error
		e.key, err = getString(kIdx)
		if err != nil {
			return nil, errs.IOf(err, "dynlib: reading cache key")
		}
		e.value, err = getString(vIdx)
		if err != nil {
			return nil, errs.IOf(err, "dynlib: reading cache value")
		}

		if e.flags != abi.WantFlags {
			continue
		}
		c.store[e.key] = append(c.store[e.key], e)
	}

	for lib, entries := range c.store {
		if len(entries) > 1 {
			sort.Sort(entries)
			c.store[lib] = entries
		}
	}

	return c, nil
}
