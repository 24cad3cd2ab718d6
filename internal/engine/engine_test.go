package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/stencil/internal/config"
	"github.com/conneroisu/stencil/internal/snapshot"
	"github.com/conneroisu/stencil/internal/testutils"
	"github.com/conneroisu/stencil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var basicSite = map[string]string{
	"Shared/Master": "<html>%%View%%</html>",
	"Home/Index":    "%%Master=Master%%Hello {{name}}",
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Interval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Limit: 3}
}

func newTestEngine(t *testing.T, roots ...string) *Engine {
	t.Helper()
	e, err := New(Options{Roots: roots, Extensions: []string{".html"}, Retry: fastRetry()})
	require.NoError(t, err)
	return e
}

// recorder collects the keys passed to recompile listeners
type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) listen(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, keys)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func TestEngineCompileAllAndRender(t *testing.T) {
	root := testutils.CreateViewTree(t, testutils.SampleSite())
	e := newTestEngine(t, root)

	require.NoError(t, e.CompileAll())
	assert.True(t, e.CacheUpdated())

	result, ok := e.Render("Home/Index", map[string]string{"user": "Bob"})
	require.True(t, ok)
	assert.Equal(t,
		`<html><head><title>Home</title><meta name="page" content="home"></head>`+
			`<body><nav>Bob</nav><p>Welcome Bob</p></body></html>`,
		result)

	result, ok = e.Render("Shared/Fragment/Card", map[string]string{"title": "<b>"})
	require.True(t, ok)
	assert.Equal(t, `<div class="card">&lt;b&gt;</div>`, result)

	_, ok = e.Render("Home/Missing", nil)
	assert.False(t, ok)
}

func TestEngineScenario(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	view, ok := e.Store().View("Home/Index")
	require.True(t, ok)
	assert.Equal(t, "<html>Hello {{name}}</html>", view.CompiledText)

	result, ok := e.Render("Home/Index", map[string]string{"name": "Bob"})
	require.True(t, ok)
	assert.Equal(t, "<html>Hello Bob</html>", result)
}

func TestEngineCompile(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())
	_, err := e.GetSnapshot()
	require.NoError(t, err)

	err = e.Compile("Home/Nope")
	require.Error(t, err)
	assert.False(t, e.CacheUpdated())

	require.NoError(t, e.Compile("Home/Index"))
	assert.True(t, e.CacheUpdated())
}

func TestRenderRecompileMarksCacheUpdated(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	path := testutils.WriteView(t, root, "Home/Index", "%%Master=Master%%Bye {{name}}")
	updated, err := e.Loader().LoadOne(path)
	require.NoError(t, err)
	e.Store().PutTemplate(updated)
	_, err = e.GetSnapshot()
	require.NoError(t, err)
	require.False(t, e.CacheUpdated())

	result, ok := e.Render("Home/Index", map[string]string{"name": "Bob"})
	require.True(t, ok)
	assert.Equal(t, "<html>Bye Bob</html>", result)
	assert.True(t, e.CacheUpdated())
}

// brokenCodec fails every encode
type brokenCodec struct{ snapshot.JSONCodec }

func (brokenCodec) Encode(*snapshot.Snapshot) ([]byte, error) {
	return nil, stderrors.New("disk full")
}

func TestGetSnapshotFailureKeepsCacheUpdated(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e, err := New(Options{Roots: []string{root}, Extensions: []string{".html"}, Codec: brokenCodec{}, Retry: fastRetry()})
	require.NoError(t, err)
	require.NoError(t, e.CompileAll())

	_, err = e.GetSnapshot()
	require.Error(t, err)
	assert.True(t, e.CacheUpdated())
}

func TestEngineCompileAllReportsFailures(t *testing.T) {
	root := testutils.CreateViewTree(t, map[string]string{
		"Home/Index": "%%Master=DoesNotExist%%x",
		"Home/Other": "<p>fine</p>",
	})
	e := newTestEngine(t, root)

	err := e.CompileAll()
	require.Error(t, err)
	_, ok := e.Store().View("Home/Index")
	assert.False(t, ok)
	_, ok = e.Store().View("Home/Other")
	assert.True(t, ok)
}

func TestOnExternalChangePropagatesToDependents(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	rec := &recorder{}
	e.OnRecompile(rec.listen)
	require.NoError(t, e.CompileAll())
	_, err := e.GetSnapshot()
	require.NoError(t, err)

	path := testutils.WriteView(t, root, "Shared/Master", "<html><body>%%View%%</body></html>")
	require.NoError(t, e.OnExternalChange(context.Background(), path))

	result, ok := e.Render("Home/Index", map[string]string{"name": "Bob"})
	require.True(t, ok)
	assert.Equal(t, "<html><body>Hello Bob</body></html>", result)
	assert.True(t, e.CacheUpdated())
	assert.ElementsMatch(t, []string{"Shared/Master", "Home/Index"}, rec.last())
}

func TestOnExternalChangeIgnoresSpuriousNotifications(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())
	_, err := e.GetSnapshot()
	require.NoError(t, err)

	rec := &recorder{}
	e.OnRecompile(rec.listen)

	path := testutils.WriteView(t, root, "Home/Index", basicSite["Home/Index"])
	require.NoError(t, e.OnExternalChange(context.Background(), path))

	assert.False(t, e.CacheUpdated())
	assert.Zero(t, rec.count())
}

func TestOnExternalChangeIgnoresForeignPaths(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())
	_, err := e.GetSnapshot()
	require.NoError(t, err)

	outside := testutils.WriteView(t, t.TempDir(), "Home/Index", "other")
	require.NoError(t, e.OnExternalChange(context.Background(), outside))

	notes := filepath.Join(root, "Home", "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("x"), 0644))
	require.NoError(t, e.OnExternalChange(context.Background(), notes))

	assert.False(t, e.CacheUpdated())
	templates, _ := e.Store().Count()
	assert.Equal(t, 2, templates)
}

func TestOnExternalChangeAddsNewView(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	path := testutils.WriteView(t, root, "Home/About", "%%Master=Master%%About")
	require.NoError(t, e.OnExternalChange(context.Background(), path))

	result, ok := e.Render("Home/About", nil)
	require.True(t, ok)
	assert.Equal(t, "<html>About</html>", result)
}

func TestOnExternalChangeCompilesViewWaitingForMaster(t *testing.T) {
	root := testutils.CreateViewTree(t, map[string]string{
		"Home/Index": "%%Master=Master%%Hello",
	})
	e := newTestEngine(t, root)
	require.Error(t, e.CompileAll())
	_, ok := e.Render("Home/Index", nil)
	require.False(t, ok)

	var rec recorder
	e.OnRecompile(rec.listen)

	path := testutils.WriteView(t, root, "Shared/Master", "<html>%%View%%</html>")
	require.NoError(t, e.OnExternalChange(context.Background(), path))

	result, ok := e.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, "<html>Hello</html>", result)
	assert.Contains(t, rec.last(), "Home/Index")
}

func TestOnExternalChangeHandlesDeletion(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	rec := &recorder{}
	e.OnRecompile(rec.listen)
	require.NoError(t, e.CompileAll())

	path := filepath.Join(root, "Shared", "Master.html")
	require.NoError(t, os.Remove(path))
	require.NoError(t, e.OnExternalChange(context.Background(), path))

	_, ok := e.Store().Template("Shared/Master")
	assert.False(t, ok)
	_, ok = e.Render("Home/Index", nil)
	assert.False(t, ok, "dependent of a removed master keeps no view")
	assert.Contains(t, rec.last(), "Shared/Master")

	// Removing a file that was never loaded is a no-op
	require.NoError(t, e.OnExternalChange(context.Background(), filepath.Join(root, "Home", "Ghost.html")))
}

func TestOnExternalChangeRespectsRootPrecedence(t *testing.T) {
	primary := testutils.CreateViewTree(t, map[string]string{"Home/Index": "<p>primary</p>"})
	secondary := testutils.CreateViewTree(t, map[string]string{"Home/Index": "<p>secondary</p>"})
	e := newTestEngine(t, primary, secondary)
	require.NoError(t, e.CompileAll())

	result, _ := e.Render("Home/Index", nil)
	assert.Equal(t, "<p>primary</p>", result)

	shadowed := testutils.WriteView(t, secondary, "Home/Index", "<p>secondary v2</p>")
	require.NoError(t, e.OnExternalChange(context.Background(), shadowed))
	result, _ = e.Render("Home/Index", nil)
	assert.Equal(t, "<p>primary</p>", result)

	primaryPath := filepath.Join(primary, "Home", "Index.html")
	require.NoError(t, os.Remove(primaryPath))
	require.NoError(t, e.OnExternalChange(context.Background(), primaryPath))
	result, ok := e.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, "<p>secondary v2</p>", result)
}

func TestOnExternalChangeRetriesHeldFile(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	var mu sync.Mutex
	attempts := 0
	realLoad := e.load
	e.load = func(path string) (*types.Template, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("sharing violation on %s", path)
		}
		return realLoad(path)
	}

	path := testutils.WriteView(t, root, "Home/Index", "%%Master=Master%%Bye")
	require.NoError(t, e.OnExternalChange(context.Background(), path))
	assert.Equal(t, 3, attempts)

	result, ok := e.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, "<html>Bye</html>", result)
}

func TestOnExternalChangeDropsPermanentlyHeldFile(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	attempts := 0
	e.load = func(path string) (*types.Template, error) {
		attempts++
		return nil, fmt.Errorf("locked")
	}

	path := testutils.WriteView(t, root, "Home/Index", "changed")
	assert.NoError(t, e.OnExternalChange(context.Background(), path))
	assert.Equal(t, fastRetry().Limit+1, attempts)

	tmpl, ok := e.Store().Template("Home/Index")
	require.True(t, ok)
	assert.Equal(t, basicSite["Home/Index"], tmpl.RawText)
}

func TestLoadWithRetryReportsTransientError(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	e.load = func(path string) (*types.Template, error) {
		return nil, fmt.Errorf("locked")
	}

	_, err := e.loadWithRetry(context.Background(), filepath.Join(root, "Home", "Index.html"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FILE_LOCKED")
}

func TestWarmStart(t *testing.T) {
	root := testutils.CreateViewTree(t, testutils.SampleSite())
	first := newTestEngine(t, root)
	require.NoError(t, first.CompileAll())
	blob, err := first.GetSnapshot()
	require.NoError(t, err)
	assert.False(t, first.CacheUpdated())

	t.Run("unchanged files keep their views", func(t *testing.T) {
		e := newTestEngine(t, root)
		require.NoError(t, e.Warm(blob))
		assert.False(t, e.CacheUpdated())

		result, ok := e.Render("Home/About", map[string]string{"user": "Ann"})
		require.True(t, ok)
		assert.Contains(t, result, "<nav>Ann</nav>")
	})

	t.Run("changed master recompiles dependents", func(t *testing.T) {
		testutils.WriteView(t, root, "Shared/Nav", "<nav>menu {{user}}</nav>")
		require.NoError(t, os.Remove(filepath.Join(root, "Home", "About.html")))

		e := newTestEngine(t, root)
		require.NoError(t, e.Warm(blob))
		assert.True(t, e.CacheUpdated())

		result, ok := e.Render("Home/Index", map[string]string{"user": "Ann"})
		require.True(t, ok)
		assert.Contains(t, result, "<nav>menu Ann</nav>")

		_, ok = e.Render("Home/About", nil)
		assert.False(t, ok)
	})

	t.Run("corrupt snapshot", func(t *testing.T) {
		e := newTestEngine(t, root)
		assert.Error(t, e.Warm([]byte("{not json")))
	})
}

func TestSnapshotFiles(t *testing.T) {
	projectDir := testutils.CreateTempProject(t)
	cfg := testutils.CreateTestConfig(projectDir)
	cfg.Cache.Format = snapshot.FormatMsgpack
	for key, text := range basicSite {
		testutils.WriteView(t, cfg.Views.Roots[0], key, text)
	}

	e, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	// A missing snapshot falls back to a full compile
	require.NoError(t, e.WarmFromFile(cfg.Cache.SnapshotPath))
	written, err := e.SaveSnapshot(cfg.Cache.SnapshotPath)
	require.NoError(t, err)
	assert.True(t, written)
	testutils.AssertFilePermissions(t, cfg.Cache.SnapshotPath, 0644)

	written, err = e.SaveSnapshot(cfg.Cache.SnapshotPath)
	require.NoError(t, err)
	assert.False(t, written, "nothing changed since the last snapshot")

	warm, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, warm.WarmFromFile(cfg.Cache.SnapshotPath))
	result, ok := warm.Render("Home/Index", map[string]string{"name": "Bob"})
	require.True(t, ok)
	assert.Equal(t, "<html>Hello Bob</html>", result)
}

func TestOptionsFromConfig(t *testing.T) {
	projectDir := testutils.CreateTempProject(t)
	manifest := filepath.Join(projectDir, "bundles.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("site.css:\n  - /css/a.css\n"), 0644))

	cfg := testutils.CreateTestConfig(projectDir)
	cfg.Render.Debug = true
	cfg.Render.BundleManifest = manifest
	testutils.WriteView(t, cfg.Views.Roots[0], "Home/Index", "<head>%%Bundle=site.css%%</head>")

	e, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.CompileAll())
	result, ok := e.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, `<head><link href="/css/a.css" rel="stylesheet" type="text/css" /></head>`, result)

	cfg.Render.BundleManifest = filepath.Join(projectDir, "missing.yaml")
	opts, err := OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Compiler.Bundles)

	cfg.Cache.Format = "gob"
	_, err = OptionsFromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestNewRequiresRoots(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = NewFromConfig(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestConcurrentRenderDuringChanges(t *testing.T) {
	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				result, ok := e.Render("Home/Index", map[string]string{"name": "x"})
				if ok && result != "<html>Hello x</html>" && result != "<html><b>Hello x</b></html>" {
					t.Errorf("partial view observed: %q", result)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		body := "<html>%%View%%</html>"
		if i%2 == 0 {
			body = "<html><b>%%View%%</b></html>"
		}
		path := testutils.WriteView(t, root, "Shared/Master", body)
		require.NoError(t, e.OnExternalChange(ctx, path))
	}
	cancel()
	wg.Wait()
}

func TestWatchDeliversChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watcher test in short mode")
	}

	root := testutils.CreateViewTree(t, basicSite)
	e := newTestEngine(t, root)
	require.NoError(t, e.CompileAll())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register the roots
	time.Sleep(100 * time.Millisecond)
	testutils.WriteView(t, root, "Shared/Master", "<main>%%View%%</main>")

	testutils.WaitFor(t, 3*time.Second, func() bool {
		result, ok := e.Render("Home/Index", map[string]string{"name": "Bob"})
		return ok && result == "<main>Hello Bob</main>"
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not stop")
	}
}

func TestWithKey(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, withKey("a", []string{"b"}))
	assert.Equal(t, []string{"b", "a"}, withKey("a", []string{"b", "a"}))
	assert.Equal(t, []string{"a"}, withKey("a", nil))
}

func TestRetryPolicyDo(t *testing.T) {
	policy := RetryPolicy{Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Limit: 4}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("busy")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops at the limit", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return fmt.Errorf("busy")
		})
		require.Error(t, err)
		assert.Equal(t, 5, calls)
		assert.Contains(t, err.Error(), "after 5 attempts")
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		sentinel := fmt.Errorf("gone")
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return permanent(sentinel)
		})
		assert.True(t, stderrors.Is(err, sentinel))
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		unbounded := RetryPolicy{Interval: time.Hour, Limit: 0}
		err := unbounded.Do(ctx, func() error { return fmt.Errorf("busy") })
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, context.Canceled))
	})

	t.Run("unbounded retries until success", func(t *testing.T) {
		unbounded := RetryPolicy{Interval: time.Millisecond, MaxInterval: time.Millisecond}
		calls := 0
		err := unbounded.Do(context.Background(), func() error {
			calls++
			if calls < 50 {
				return fmt.Errorf("busy")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 50, calls)
	})
}
