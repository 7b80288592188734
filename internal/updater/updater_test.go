package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// releaseServer serves a manifest and archive for the given files,
// routed through a redirect the way release asset downloads are.
func releaseServer(t *testing.T, version string, files map[string][]byte) *httptest.Server {
	t.Helper()

	manifest := Manifest{Version: version}
	for path, data := range files {
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:   path,
			SHA256: sha(data),
			Size:   int64(len(data)),
		})
	}

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for path, data := range files {
		w, err := zw.Create(path)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/example/releases/releases/latest/download/update.json",
		func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/assets/update.json", http.StatusFound)
		})
	mux.HandleFunc("/example/releases/releases/latest/download/files.zip",
		func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/assets/files.zip", http.StatusFound)
		})
	mux.HandleFunc("/assets/update.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/assets/files.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive.Bytes())
	})
	return httptest.NewServer(mux)
}

func testUpdater(t *testing.T, srv *httptest.Server) *Updater {
	t.Helper()
	u := New("example/releases", t.TempDir())
	u.baseURL = srv.URL
	return u
}

func TestApplyFreshInstall(t *testing.T) {
	files := map[string][]byte{
		"lib/core.jar":  []byte("core v2"),
		"lib/extra.jar": []byte("extra v2"),
		"app.cfg":       []byte("cfg"),
	}
	srv := releaseServer(t, "2.0.0", files)
	defer srv.Close()

	u := testUpdater(t, srv)
	m, err := u.FetchManifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version)

	n, err := u.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for path, want := range files {
		got, err := os.ReadFile(filepath.Join(u.appDir, path))
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
	assert.Equal(t, "2.0.0", u.InstalledVersion())
}

func TestApplyReplacesOnlyOutdatedFiles(t *testing.T) {
	files := map[string][]byte{
		"lib/core.jar":  []byte("core v2"),
		"lib/fresh.jar": []byte("already current"),
	}
	srv := releaseServer(t, "2.1.0", files)
	defer srv.Close()

	u := testUpdater(t, srv)
	require.NoError(t, os.MkdirAll(filepath.Join(u.appDir, "lib"), 0o755))
	// One file current, one stale.
	require.NoError(t, os.WriteFile(filepath.Join(u.appDir, "lib/fresh.jar"), []byte("already current"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(u.appDir, "lib/core.jar"), []byte("core v1"), 0o644))

	m, err := u.FetchManifest(context.Background())
	require.NoError(t, err)

	outdated, err := u.Outdated(m)
	require.NoError(t, err)
	require.Len(t, outdated, 1)
	assert.Equal(t, "lib/core.jar", outdated[0].Path)

	n, err := u.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := os.ReadFile(filepath.Join(u.appDir, "lib/core.jar"))
	require.NoError(t, err)
	assert.Equal(t, []byte("core v2"), got)
}

func TestApplyPrunesOrphansUnderLib(t *testing.T) {
	files := map[string][]byte{"lib/core.jar": []byte("core v2")}
	srv := releaseServer(t, "2.2.0", files)
	defer srv.Close()

	u := testUpdater(t, srv)
	require.NoError(t, os.MkdirAll(filepath.Join(u.appDir, "lib/old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(u.appDir, "lib/old/gone.jar"), []byte("obsolete"), 0o644))
	// Files outside lib/ are never touched by orphan pruning.
	require.NoError(t, os.WriteFile(filepath.Join(u.appDir, "user-notes.txt"), []byte("keep"), 0o644))

	m, err := u.FetchManifest(context.Background())
	require.NoError(t, err)
	_, err = u.Apply(context.Background(), m)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(u.appDir, "lib/old/gone.jar"))
	assert.True(t, os.IsNotExist(err), "orphan removed")
	_, err = os.Stat(filepath.Join(u.appDir, "lib/old"))
	assert.True(t, os.IsNotExist(err), "emptied directory pruned")
	_, err = os.Stat(filepath.Join(u.appDir, "lib"))
	assert.NoError(t, err, "lib root survives")
	_, err = os.Stat(filepath.Join(u.appDir, "user-notes.txt"))
	assert.NoError(t, err, "files outside lib untouched")
}

func TestApplyNothingOutdated(t *testing.T) {
	data := []byte("current")
	files := map[string][]byte{"lib/core.jar": data}
	srv := releaseServer(t, "2.3.0", files)
	defer srv.Close()

	u := testUpdater(t, srv)
	require.NoError(t, os.MkdirAll(filepath.Join(u.appDir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(u.appDir, "lib/core.jar"), data, 0o644))

	m, err := u.FetchManifest(context.Background())
	require.NoError(t, err)
	n, err := u.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "2.3.0", u.InstalledVersion(), "version recorded even without file changes")
}

func TestFetchManifestNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := testUpdater(t, srv)
	_, err := u.FetchManifest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestApplyFailsWhenArchiveMissesOutdatedFile(t *testing.T) {
	// Manifest lists a file the archive does not contain.
	files := map[string][]byte{"lib/core.jar": []byte("core v2")}
	srv := releaseServer(t, "2.4.0", files)
	defer srv.Close()

	u := testUpdater(t, srv)
	m, err := u.FetchManifest(context.Background())
	require.NoError(t, err)
	m.Files = append(m.Files, ManifestFile{Path: "lib/phantom.jar", SHA256: sha([]byte("x"))})

	_, err = u.Apply(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lib/phantom.jar")
}

func TestInstalledVersionMissing(t *testing.T) {
	u := New("example/releases", t.TempDir())
	assert.Equal(t, "", u.InstalledVersion())
}
