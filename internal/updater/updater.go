// Package updater applies application releases: it reads an update.json
// manifest from the release feed, downloads the files archive, replaces
// only the files whose local checksum differs and prunes orphans the
// manifest no longer lists.
package updater

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"threadwatch/internal/logging"
)

const (
	manifestAsset = "update.json"
	archiveAsset  = "files.zip"
	versionFile   = "version.txt"

	// orphanRoot is the only subtree orphan deletion may touch.
	orphanRoot = "lib"

	downloadTimeout = 10 * time.Minute
)

// ManifestFile is one entry of the release manifest.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest describes one release.
type Manifest struct {
	Version string         `json:"version"`
	Files   []ManifestFile `json:"files"`
}

// Updater fetches and applies releases for one installation directory.
type Updater struct {
	repoSlug string // e.g. "example/threadwatch-releases"
	appDir   string
	baseURL  string
	client   *http.Client
}

// New creates an updater for appDir fed from the GitHub release feed of
// repoSlug. The HTTP client follows redirects, which the release asset
// endpoints rely on.
func New(repoSlug, appDir string) *Updater {
	return &Updater{
		repoSlug: repoSlug,
		appDir:   appDir,
		baseURL:  "https://github.com",
		client:   &http.Client{Timeout: downloadTimeout},
	}
}

func (u *Updater) assetURL(name string) string {
	return fmt.Sprintf("%s/%s/releases/latest/download/%s", u.baseURL, u.repoSlug, name)
}

// FetchManifest downloads and decodes the latest release manifest.
func (u *Updater) FetchManifest(ctx context.Context) (Manifest, error) {
	body, err := u.download(ctx, u.assetURL(manifestAsset))
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer body.Close()

	var m Manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest has no version")
	}
	return m, nil
}

// InstalledVersion reads version.txt; a missing file yields "".
func (u *Updater) InstalledVersion() string {
	data, err := os.ReadFile(filepath.Join(u.appDir, versionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Outdated returns the manifest entries whose local file is absent or
// has a different SHA-256.
func (u *Updater) Outdated(m Manifest) ([]ManifestFile, error) {
	var out []ManifestFile
	for _, f := range m.Files {
		sum, err := fileSHA256(filepath.Join(u.appDir, filepath.FromSlash(f.Path)))
		if err != nil {
			if os.IsNotExist(err) {
				out = append(out, f)
				continue
			}
			return nil, fmt.Errorf("failed to hash %s: %w", f.Path, err)
		}
		if !strings.EqualFold(sum, f.SHA256) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Apply brings the installation up to the manifest: download the
// archive, extract the outdated entries, verify every manifest entry,
// prune orphans under lib/ and record the version. Returns the number
// of files replaced.
func (u *Updater) Apply(ctx context.Context, m Manifest) (int, error) {
	log := logging.Get(logging.CategoryUpdater)

	outdated, err := u.Outdated(m)
	if err != nil {
		return 0, err
	}
	if len(outdated) == 0 {
		log.Infow("installation already current", "version", m.Version)
		return 0, u.writeVersion(m.Version)
	}
	log.Infow("applying update", "version", m.Version, "files", len(outdated))

	archive, err := u.downloadArchive(ctx)
	if err != nil {
		return 0, err
	}
	defer os.Remove(archive)

	if err := u.extract(archive, outdated); err != nil {
		return 0, err
	}
	if err := u.verify(m); err != nil {
		return 0, err
	}
	if err := u.pruneOrphans(m); err != nil {
		return 0, err
	}
	if err := u.writeVersion(m.Version); err != nil {
		return 0, err
	}
	log.Infow("update applied", "version", m.Version)
	return len(outdated), nil
}

// downloadArchive streams files.zip to a staging file and returns its
// path.
func (u *Updater) downloadArchive(ctx context.Context) (string, error) {
	body, err := u.download(ctx, u.assetURL(archiveAsset))
	if err != nil {
		return "", fmt.Errorf("failed to fetch archive: %w", err)
	}
	defer body.Close()

	staged := filepath.Join(u.appDir, archiveAsset+".tmp")
	if err := os.MkdirAll(u.appDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create app directory: %w", err)
	}
	f, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("failed to stage archive: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(staged)
		return "", fmt.Errorf("failed to download archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return "", err
	}
	return staged, nil
}

func (u *Updater) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// extract writes the archive entries named in wanted into the app
// directory. Each file stages to {name}.tmp and is renamed into place.
func (u *Updater) extract(archivePath string, wanted []ManifestFile) error {
	wantedSet := make(map[string]struct{}, len(wanted))
	for _, f := range wanted {
		wantedSet[f.Path] = struct{}{}
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, entry := range r.File {
		name := filepath.ToSlash(entry.Name)
		if _, ok := wantedSet[name]; !ok {
			continue
		}
		if strings.Contains(name, "..") {
			return fmt.Errorf("archive entry %q escapes the app directory", name)
		}
		if err := u.extractEntry(entry, name); err != nil {
			return err
		}
		delete(wantedSet, name)
	}
	if len(wantedSet) > 0 {
		missing := make([]string, 0, len(wantedSet))
		for name := range wantedSet {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return fmt.Errorf("archive is missing %d outdated file(s): %s",
			len(missing), strings.Join(missing, ", "))
	}
	return nil
}

func (u *Updater) extractEntry(entry *zip.File, name string) error {
	target := filepath.Join(u.appDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", name, err)
	}
	defer src.Close()

	tmp := target + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to extract %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

// verify checks every manifest entry against its on-disk checksum.
func (u *Updater) verify(m Manifest) error {
	for _, f := range m.Files {
		sum, err := fileSHA256(filepath.Join(u.appDir, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("post-update verification of %s failed: %w", f.Path, err)
		}
		if !strings.EqualFold(sum, f.SHA256) {
			return fmt.Errorf("post-update checksum mismatch for %s", f.Path)
		}
	}
	return nil
}

// pruneOrphans deletes files under lib/ the manifest no longer lists and
// removes directories emptied by that, never touching the app root.
func (u *Updater) pruneOrphans(m Manifest) error {
	log := logging.Get(logging.CategoryUpdater)

	listed := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		listed[f.Path] = struct{}{}
	}

	root := filepath.Join(u.appDir, orphanRoot)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	var emptied []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root {
				emptied = append(emptied, path)
			}
			return nil
		}
		rel, err := filepath.Rel(u.appDir, path)
		if err != nil {
			return err
		}
		if _, ok := listed[filepath.ToSlash(rel)]; ok {
			return nil
		}
		log.Infow("removing orphan", "path", rel)
		return os.Remove(path)
	})
	if err != nil {
		return fmt.Errorf("failed to prune orphans: %w", err)
	}

	// Deepest directories first so emptied parents go too.
	sort.Slice(emptied, func(i, j int) bool { return len(emptied[i]) > len(emptied[j]) })
	for _, dir := range emptied {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			os.Remove(dir)
		}
	}
	return nil
}

// writeVersion records the installed version atomically.
func (u *Updater) writeVersion(version string) error {
	path := filepath.Join(u.appDir, versionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to stage version file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
