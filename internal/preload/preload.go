// Package preload implements the preload resolver from spec.md section
// 4.6: turning a list of LD_PRELOAD/LD_AUDIT descriptors into per-ABI
// symlinks under the overrides tree and a deduplicated, ${DL_TOKEN}-
// bearing search path for each of LD_PRELOAD and LD_AUDIT.
//
// Grounded on hugbox.go's symlink-creation helpers and its handling of
// bwrap's legacy LD_PRELOAD-injection flags, generalized to the
// multi-ABI, ${PLATFORM}-token scheme the runtime composer (§4.5) and
// host inspector (§4.4) use instead of the teacher's single-ABI case.
package preload

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/steamrt/pressure-vessel/internal/dynlib"
	"github.com/steamrt/pressure-vessel/internal/environ"
	"github.com/steamrt/pressure-vessel/internal/fsutil"
	"github.com/steamrt/pressure-vessel/internal/hostgfx"
)

// DLToken is the dynamic-linker search-path placeholder bwrap/the
// loader expands per-dlopen-site to the running binary's own ABI.
const DLToken = "${PLATFORM}"

// Variable names the two environment variables this resolver populates.
type Variable string

const (
	LDAudit   Variable = "LD_AUDIT"
	LDPreload Variable = "LD_PRELOAD"
)

// Descriptor is one --ld-audit/--ld-preload CLI entry: a module path,
// optionally tagged with an ABI.
type Descriptor struct {
	Variable Variable
	Path     string
	ABI      dynlib.ABI
	HasABI   bool
}

// Resolver turns descriptors into overrides-tree symlinks and sets the
// resulting LD_AUDIT/LD_PRELOAD search paths on an environ.Policy.
type Resolver struct {
	fs        afero.Fs
	overrides string // root of the overrides tree, e.g. "/overrides"
	abis      []dynlib.ABI
}

func New(fs afero.Fs, overridesRoot string, abis []dynlib.ABI) *Resolver {
	return &Resolver{fs: fs, overrides: overridesRoot, abis: abis}
}

// Resolve processes descs in order, creating overrides-tree symlinks
// as a side effect, and sets LD_AUDIT/LD_PRELOAD on env (unset, per
// environ's boundary rule, if the resulting search path is empty).
func (r *Resolver) Resolve(descs []Descriptor, env *environ.Policy) error {
	paths := map[Variable][]string{}
	seen := map[Variable]map[string]bool{
		LDAudit:   {},
		LDPreload: {},
	}

	for _, d := range descs {
		entry := d.Path

		abi, hasABI := d.ABI, d.HasABI
		if !hasABI {
			if inferred, ok := hostgfx.ReclassifyOverlayRenderer(d.Path, r.abis); ok {
				abi, hasABI = inferred, true
			}
		}

		if hasABI {
			base := filepath.Base(d.Path)
			linkDir := filepath.Join(r.overrides, abi.Name)
			if err := fsutil.EnsureDir(r.fs, linkDir); err != nil {
				return err
			}
			linkPath := filepath.Join(linkDir, base)
			if err := fsutil.Symlink(r.fs, d.Path, linkPath); err != nil {
				return err
			}
			entry = filepath.Join(r.overrides, DLToken, base)
		}

		if !seen[d.Variable][entry] {
			seen[d.Variable][entry] = true
			paths[d.Variable] = append(paths[d.Variable], entry)
		}
	}

	env.SetOrUnsetIfEmpty(string(LDAudit), strings.Join(paths[LDAudit], ":"))
	env.SetOrUnsetIfEmpty(string(LDPreload), strings.Join(paths[LDPreload], ":"))
	return nil
}
