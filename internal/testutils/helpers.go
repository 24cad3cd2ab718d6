package testutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conneroisu/stencil/internal/config"
	"github.com/conneroisu/stencil/internal/registry"
	"github.com/conneroisu/stencil/internal/scanner"
	"github.com/conneroisu/stencil/internal/types"
	"github.com/stretchr/testify/require"
)

// ViewExtension is the file suffix used by the helpers below
const ViewExtension = ".html"

// CreateTempProject creates a temporary project structure for testing
func CreateTempProject(t *testing.T) string {
	tempDir := t.TempDir()

	dirs := []string{
		"views",
		"views/Shared",
		".stencil",
	}

	for _, dir := range dirs {
		err := os.MkdirAll(filepath.Join(tempDir, dir), 0755)
		require.NoError(t, err)
	}

	return tempDir
}

// WriteView writes content for the view key under root and returns its path
func WriteView(t *testing.T, root, key, content string) string {
	viewPath := filepath.Join(root, filepath.FromSlash(key)+ViewExtension)
	require.NoError(t, os.MkdirAll(filepath.Dir(viewPath), 0755))
	require.NoError(t, os.WriteFile(viewPath, []byte(content), 0644))
	return viewPath
}

// CreateViewTree writes one file per key into a fresh view root
func CreateViewTree(t *testing.T, files map[string]string) string {
	root := filepath.Join(t.TempDir(), "views")
	require.NoError(t, os.MkdirAll(root, 0755))
	for key, content := range files {
		WriteView(t, root, key, content)
	}
	return root
}

// CreateTestConfig creates a test configuration rooted at projectDir
func CreateTestConfig(projectDir string) *config.Config {
	cfg := config.Default()
	cfg.Views.Roots = []string{filepath.Join(projectDir, "views")}
	cfg.Views.Extensions = []string{ViewExtension}
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Watch.RetryInterval = 5 * time.Millisecond
	cfg.Watch.RetryMaxInterval = 20 * time.Millisecond
	cfg.Watch.RetryLimit = 5
	cfg.Cache.SnapshotPath = filepath.Join(projectDir, ".stencil", "cache.json")
	cfg.Server.Port = 0
	return cfg
}

// NewTemplate builds a template for key with a real fingerprint
func NewTemplate(key, text string) *types.Template {
	name := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		name = key[i+1:]
	}
	return &types.Template{
		Name:        name,
		FullName:    key,
		Path:        key + ViewExtension,
		RawText:     text,
		Fingerprint: scanner.Fingerprint([]byte(text)),
	}
}

// CreateTestStore creates a store holding one template per entry
func CreateTestStore(files map[string]string) *registry.Store {
	store := registry.NewStore()
	for key, text := range files {
		store.PutTemplate(NewTemplate(key, text))
	}
	return store
}

// SampleSite returns a small site: a master, a partial, two pages and a fragment
func SampleSite() map[string]string {
	return map[string]string{
		"Shared/Master": "<html><head><title>%%Placeholder=title%%</title>%%Head%%</head>" +
			"<body>%%Partial=Nav%%%%View%%</body></html>",
		"Shared/Nav":           "<nav>{{user}}</nav>",
		"Shared/Fragment/Card": "<div class=\"card\">{|title|}</div>",
		"Home/Index":           "%%Master=Master%%[title]Home[/title][[<meta name=\"page\" content=\"home\">]]<p>Welcome {|user|}</p>",
		"Home/About":           "%%Master=Master%%[title]About[/title]<p>About</p>",
	}
}

// AssertFilePermissions checks that files have the expected permissions
func AssertFilePermissions(t *testing.T, path string, expectedMode os.FileMode) {
	info, err := os.Stat(path)
	require.NoError(t, err)

	actualMode := info.Mode()
	require.Equal(t, expectedMode, actualMode&os.FileMode(0777),
		"File %s has incorrect permissions: got %o, want %o",
		path, actualMode&os.FileMode(0777), expectedMode)
}

// WaitFor polls cond until it holds or the timeout elapses
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v", timeout)
}
