// Package hostgfx implements the host inspector from spec.md section
// 4.4: it enumerates the host's graphics driver stack (EGL/Vulkan ICDs,
// VDPAU, VA-API, DRI, and a fixed NVIDIA SONAME glob list) so the
// runtime composer can decide what to capture into the container's
// overrides tree.
//
// Grounded on the teacher's application.go, which walks the same
// search paths (Mesa/NVIDIA's documented EGL/Vulkan ICD directories)
// directly inline in its sandbox-build function; here that walk is
// pulled out into its own package and made data-driven per ABI so it
// can run once per supported architecture instead of once for the
// single Firefox-relevant ABI the teacher needed.
package hostgfx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steamrt/pressure-vessel/internal/dynlib"
)

// Kind classifies the ICD/driver family an Entry belongs to.
type Kind string

const (
	KindEGL      Kind = "egl"
	KindVulkan   Kind = "vulkan"
	KindVDPAU    Kind = "vdpau"
	KindVAAPI    Kind = "va-api"
	KindDRI      Kind = "dri"
	KindNVIDIA   Kind = "nvidia"
)

// Entry is one resolved driver/ICD.
type Entry struct {
	Kind         Kind
	ABI          dynlib.ABI
	ManifestPath string // "" for directory-scanned drivers with no manifest (VDPAU/VA-API/DRI)
	LibraryPath  string // absolute host path, once resolved
	SonameOnly   bool   // true when the manifest named a bare soname, not an absolute path
}

// icdManifest is the subset of the EGL/Vulkan ICD JSON schema this
// package cares about.
type icdManifest struct {
	ICD struct {
		LibraryPath string `json:"library_path"`
	} `json:"ICD"`
	FileFormatVersion string `json:"file_format_version"`
}

var eglSearchDirs = []string{"/usr/share/glvnd/egl_vendor.d", "/etc/glvnd/egl_vendor.d", "/etc/glx"}
var vulkanSearchDirs = []string{"/usr/share/vulkan/icd.d", "/etc/vulkan/icd.d"}

// nvidiaGlobs is the fixed list of proprietary NVIDIA SONAME patterns
// that have no JSON manifest of their own and must be discovered by
// glob instead.
var nvidiaGlobs = []string{
	"libnvidia-glcore.so.*",
	"libnvidia-eglcore.so.*",
	"libnvidia-glsi.so.*",
	"libnvidia-tls.so.*",
	"libnvidia-ptxjitcompiler.so.*",
	"libcuda.so.*",
	"libnvoptix.so.*",
}

// Inspector enumerates one ABI's worth of driver entries.
type Inspector struct {
	log *logrus.Entry
	abi dynlib.ABI
}

func New(log *logrus.Entry, abi dynlib.ABI) *Inspector {
	return &Inspector{log: log, abi: abi}
}

// libdir returns the ABI's conventional per-arch library directory
// name, e.g. "x86_64-linux-gnu".
func (i *Inspector) libdir() string { return i.abi.Name }

// Inspect runs the full enumeration. Per-entry failures are logged and
// skipped; they never fail the overall inspection (spec.md §4.4).
func (i *Inspector) Inspect() []Entry {
	var out []Entry
	out = append(out, i.scanManifests(KindEGL, eglSearchDirs)...)
	out = append(out, i.scanManifests(KindVulkan, vulkanSearchDirs)...)
	out = append(out, i.scanDriverDir(KindVDPAU, filepath.Join("/usr/lib", i.libdir(), "vdpau"))...)
	out = append(out, i.scanDriverDir(KindVAAPI, filepath.Join("/usr/lib", i.libdir(), "dri"))...)
	out = append(out, i.scanDriverDir(KindDRI, filepath.Join("/usr/lib", i.libdir(), "dri"))...)
	out = append(out, i.scanNvidia()...)
	return dedupeSonameOnly(out)
}

func (i *Inspector) scanManifests(kind Kind, dirs []string) []Entry {
	var out []Entry
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, de.Name())
			e, err := i.parseManifest(kind, path)
			if err != nil {
				i.log.WithError(err).WithField("manifest", path).Warn("hostgfx: skipping unreadable ICD manifest")
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

func (i *Inspector) parseManifest(kind Kind, path string) (Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var m icdManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Entry{}, err
	}

	lib := m.ICD.LibraryPath
	e := Entry{Kind: kind, ABI: i.abi, ManifestPath: path}
	if filepath.IsAbs(lib) {
		e.LibraryPath = lib
	} else {
		// $LIB or a bare soname: resolve relative to the manifest's own
		// directory first, then fall back to soname-only classification.
		lib = strings.ReplaceAll(lib, "$LIB", i.libdir())
		candidate := filepath.Join(filepath.Dir(path), lib)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			e.LibraryPath = candidate
		} else {
			e.SonameOnly = true
			e.LibraryPath = lib
		}
	}
	return e, nil
}

func (i *Inspector) scanDriverDir(kind Kind, dir string) []Entry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Entry
	for _, de := range entries {
		if de.IsDir() || !strings.Contains(de.Name(), ".so") {
			continue
		}
		out = append(out, Entry{
			Kind:        kind,
			ABI:         i.abi,
			LibraryPath: filepath.Join(dir, de.Name()),
		})
	}
	return out
}

func (i *Inspector) scanNvidia() []Entry {
	var out []Entry
	for _, dir := range []string{filepath.Join("/usr/lib", i.libdir()), "/usr/lib"} {
		for _, pattern := range nvidiaGlobs {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			for _, m := range matches {
				out = append(out, Entry{Kind: KindNVIDIA, ABI: i.abi, LibraryPath: m})
			}
		}
	}
	return out
}

// dedupeSonameOnly collapses multiple soname-only entries that share
// the same resolved soname down to the first occurrence, per spec.md
// §4.4's tie-break rule; absolute-path entries are left untouched (the
// runtime composer gives each its own numbered subdirectory).
func dedupeSonameOnly(entries []Entry) []Entry {
	seen := make(map[string]bool)
	var out []Entry
	for _, e := range entries {
		if e.SonameOnly {
			key := string(e.Kind) + "|" + e.LibraryPath
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, e)
	}
	return out
}

// ReclassifyOverlayRenderer implements spec.md §4.4's special case: a
// preload basename of gameoverlayrenderer.so whose containing
// directory name matches a known per-ABI suffix is attributed to that
// ABI rather than the ABI under inspection.
func ReclassifyOverlayRenderer(path string, abis []dynlib.ABI) (dynlib.ABI, bool) {
	base := filepath.Base(path)
	if base != "gameoverlayrenderer.so" {
		return dynlib.ABI{}, false
	}
	dir := filepath.Base(filepath.Dir(path))
	for _, abi := range abis {
		if strings.Contains(dir, abi.Name) || strings.HasSuffix(dir, abiSuffix(abi)) {
			return abi, true
		}
	}
	return dynlib.ABI{}, false
}

func abiSuffix(abi dynlib.ABI) string {
	switch abi.Name {
	case dynlib.X8664.Name:
		return "64"
	case dynlib.I386.Name:
		return "32"
	default:
		return ""
	}
}

// SortedByLibraryPath returns entries sorted for deterministic output,
// used by tests and by the overrides-tree numbering scheme.
func SortedByLibraryPath(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].LibraryPath < out[j].LibraryPath })
	return out
}
