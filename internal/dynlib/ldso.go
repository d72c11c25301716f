package dynlib

import (
	"debug/elf"
	"path/filepath"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

func getImportedLibraries(fn string) ([]string, error) {
	f, err := elf.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.ImportedLibraries()
}

// ValidateLibraryClass opens fn as an ELF file and checks that its
// machine type matches abi, rejecting e.g. an i386 library that ended
// up on the x86_64 search path.
func ValidateLibraryClass(fn string, abi ABI) error {
	f, err := elf.Open(fn)
	if err != nil {
		return errs.IOf(err, "dynlib: opening %q", fn)
	}
	defer f.Close()

	if uint16(f.Machine) != abi.ElfMachine {
		return errs.Unsupportedf("dynlib: %q is ELF machine %v, want %s's %d", fn, f.Machine, abi.Name, abi.ElfMachine)
	}
	return nil
}

// FindLdSo locates the dynamic linker binary for abi (usually a
// symlink to the cache-resolved target), returning both the resolved
// target and the symlink path the caller should bind into the
// sandbox.
func FindLdSo(cache *Cache, abi ABI) (target string, symlinkPath string, err error) {
	for _, dir := range abi.LdSoSearch {
		candidate := filepath.Join(dir, abi.LdSoName)
		if !fileExists(candidate) {
			continue
		}

		actual := cache.GetLibraryPath(abi.LdSoName)
		if actual == "" {
			continue
		}
		resolved, err := filepath.EvalSymlinks(actual)
		if err != nil {
			return "", "", errs.IOf(err, "dynlib: resolving %q", actual)
		}
		return resolved, candidate, nil
	}
	return "", "", errs.Unsupportedf("dynlib: no %s dynamic linker found for %s", abi.LdSoName, abi.Name)
}
