package steamapp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/steamrt/pressure-vessel/internal/errs"
)

// InstallRoot returns the root of the current user's Steam
// installation (~/.steam/steam, falling back to ~/.local/share/Steam).
func InstallRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.IOf(err, "steamapp: resolving home directory")
	}

	candidates := []string{
		filepath.Join(home, ".steam", "steam"),
		filepath.Join(home, ".local", "share", "Steam"),
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c, nil
		}
	}
	return "", errs.Unsupportedf("steamapp: no Steam installation found under %v", candidates)
}

// LibraryFolders returns every Steam library folder known to the
// installation rooted at installRoot, including installRoot itself.
func LibraryFolders(installRoot string) ([]LibraryFolder, error) {
	vdfPath := filepath.Join(installRoot, "steamapps", "libraryfolders.vdf")
	root, err := ParseVDFFile(vdfPath)
	if err != nil {
		return nil, errs.IOf(err, "steamapp: reading %q", vdfPath)
	}

	folders, err := ParseLibraryFolders(root)
	if err != nil {
		return nil, err
	}

	// installRoot's own steamapps directory is implicitly library 0 in
	// the legacy format but is sometimes omitted from libraryfolders.vdf
	// entirely; ensure it's always present.
	for _, f := range folders {
		if f.Path == installRoot {
			return folders, nil
		}
	}
	return append([]LibraryFolder{{Path: installRoot}}, folders...), nil
}

// FindAppInstallDir searches every library folder for appID's install
// directory, reading appmanifest_${appID}.acf to get the manifest's
// "installdir" value.
func FindAppInstallDir(installRoot string, appID string) (string, error) {
	folders, err := LibraryFolders(installRoot)
	if err != nil {
		return "", err
	}

	for _, f := range folders {
		manifestPath := filepath.Join(f.Path, "steamapps", fmt.Sprintf("appmanifest_%s.acf", appID))
		root, err := ParseVDFFile(manifestPath)
		if err != nil {
			continue
		}
		appState, ok := root.Child("AppState")
		if !ok {
			continue
		}
		installDir, ok := appState.String("installdir")
		if !ok {
			continue
		}
		return filepath.Join(f.Path, "steamapps", "common", installDir), nil
	}

	return "", errs.Unsupportedf("steamapp: app %s not found in any Steam library folder", appID)
}
