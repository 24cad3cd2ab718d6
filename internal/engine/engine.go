// Package engine is the host-facing facade over the loader, the view store
// and the compiler. It owns the change-notification path: one change is
// handled at a time, from waiting for the writer to release the file to the
// end of the resulting recompilation.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/stencil/internal/build"
	"github.com/conneroisu/stencil/internal/errors"
	"github.com/conneroisu/stencil/internal/logging"
	"github.com/conneroisu/stencil/internal/registry"
	"github.com/conneroisu/stencil/internal/scanner"
	"github.com/conneroisu/stencil/internal/snapshot"
	"github.com/conneroisu/stencil/internal/types"
	"github.com/conneroisu/stencil/internal/watcher"
)

// RecompileListener is told which keys hold a fresh view after a change
type RecompileListener func(keys []string)

// Options configures an Engine
type Options struct {
	Roots      []string
	Extensions []string
	Compiler   build.Options
	Codec      snapshot.Codec
	Retry      RetryPolicy
	Logger     logging.Logger
}

// Engine compiles and renders the views found under a set of roots
type Engine struct {
	loader   *scanner.Loader
	store    *registry.Store
	compiler *build.Compiler
	codec    snapshot.Codec
	retry    RetryPolicy
	logger   logging.Logger

	// load reads one template; replaced in tests to simulate a held file
	load func(path string) (*types.Template, error)

	changeMu     sync.Mutex
	cacheUpdated atomic.Bool

	listenerMu sync.RWMutex
	listeners  []RecompileListener
}

// New creates an engine with an empty store. Call CompileAll or Warm before
// rendering.
func New(opts Options) (*Engine, error) {
	loader, err := scanner.NewLoader(opts.Roots, opts.Extensions)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	codec := opts.Codec
	if codec == nil {
		codec = snapshot.JSONCodec{}
	}
	retry := opts.Retry
	if retry.Interval <= 0 {
		retry = DefaultRetryPolicy()
	}

	store := registry.NewStore()
	e := &Engine{
		loader:   loader,
		store:    store,
		compiler: build.NewCompiler(store, opts.Compiler, logger),
		codec:    codec,
		retry:    retry,
		logger:   logger.WithComponent("engine"),
		load:     loader.LoadOne,
	}
	// Any mutation, including a recompile inside Render, makes the cache dirty
	store.OnChange(func(registry.StoreEvent) { e.cacheUpdated.Store(true) })
	return e, nil
}

// Store returns the underlying view store
func (e *Engine) Store() *registry.Store { return e.store }

// Compiler returns the underlying compiler
func (e *Engine) Compiler() *build.Compiler { return e.compiler }

// Loader returns the template loader
func (e *Engine) Loader() *scanner.Loader { return e.loader }

// OnRecompile registers a listener called after every change that leaves
// fresh views behind.
func (e *Engine) OnRecompile(listener RecompileListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) notify(keys []string) {
	if len(keys) == 0 {
		return
	}
	e.listenerMu.RLock()
	listeners := make([]RecompileListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(keys)
	}
}

// CompileAll loads every template under the roots and compiles all of them.
// Per-view failures are returned joined after the whole pass has run.
func (e *Engine) CompileAll() error {
	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	if _, err := e.syncTemplates(); err != nil {
		return err
	}
	err := e.compiler.CompileAll()
	e.notify(e.viewKeys())
	return err
}

// Compile recompiles one view on demand.
func (e *Engine) Compile(key string) error {
	return e.compiler.Compile(key)
}

// Render returns the rendered output of key, or false if there is no view.
func (e *Engine) Render(key string, tags map[string]string) (string, bool) {
	return e.compiler.Render(key, tags)
}

// CacheUpdated reports whether the store changed since the last snapshot.
func (e *Engine) CacheUpdated() bool {
	return e.cacheUpdated.Load()
}

// GetSnapshot encodes the store and clears CacheUpdated. The flag is
// cleared before the capture, so a mutation racing with it stays flagged for
// the next snapshot.
func (e *Engine) GetSnapshot() ([]byte, error) {
	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	e.cacheUpdated.Store(false)
	data, err := e.codec.Encode(snapshot.Capture(e.store))
	if err != nil {
		e.cacheUpdated.Store(true)
		return nil, err
	}
	return data, nil
}

// EncodeSnapshot encodes the store without touching CacheUpdated, for
// readers that do not persist the result.
func (e *Engine) EncodeSnapshot() ([]byte, error) {
	return e.codec.Encode(snapshot.Capture(e.store))
}

// SnapshotFormat names the codec used for snapshots
func (e *Engine) SnapshotFormat() string {
	return e.codec.Format()
}

// Warm restores a snapshot and reconciles it with the files on disk.
// Templates whose fingerprint still matches keep their compiled view; the
// rest are loaded and recompiled along with everything that depends on them.
func (e *Engine) Warm(blob []byte) error {
	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	ctx := context.Background()
	perf := logging.StartOperation(e.logger, "warm_start")

	snap, err := e.codec.Decode(blob)
	if err != nil {
		return err
	}
	if err := snap.Restore(e.store); err != nil {
		return errors.NewIOError(errors.CodeSnapshotCodec, "restoring snapshot", err)
	}

	changed, err := e.syncTemplates()
	if err != nil {
		return err
	}

	targets := make(map[string]bool)
	for _, key := range changed {
		targets[key] = true
		for _, dependent := range e.store.TransitiveDependents(key) {
			targets[dependent] = true
		}
	}
	for _, t := range e.store.Templates() {
		if view, ok := e.store.View(t.FullName); !ok || view.IsStaleFor(t) {
			targets[t.FullName] = true
		}
	}

	keys := make([]string, 0, len(targets))
	for key := range targets {
		keys = append(keys, key)
	}
	recompiled, refreshErr := e.compiler.Refresh(keys)

	perf.End(ctx, "changed", len(changed), "recompiled", len(recompiled))
	if refreshErr != nil {
		return refreshErr
	}
	return nil
}

// syncTemplates makes the store's templates match the loader. It returns
// the keys that were added, replaced or removed.
func (e *Engine) syncTemplates() ([]string, error) {
	loaded, err := e.loader.LoadAll()
	if err != nil {
		return nil, err
	}

	var changed []string
	seen := make(map[string]bool, len(loaded))
	for _, t := range loaded {
		seen[t.FullName] = true
		if existing, ok := e.store.Template(t.FullName); ok && existing.Fingerprint == t.Fingerprint {
			continue
		}
		e.store.PutTemplate(t)
		changed = append(changed, t.FullName)
	}
	for _, key := range e.store.TemplateKeys() {
		if !seen[key] {
			e.store.RemoveTemplate(key)
			changed = append(changed, key)
		}
	}
	return changed, nil
}

func (e *Engine) viewKeys() []string {
	views := e.store.Views()
	keys := make([]string, 0, len(views))
	for _, v := range views {
		keys = append(keys, v.FullName)
	}
	return keys
}

// OnExternalChange handles one change notification for path. It blocks
// other notifications until the reload and recompilation are finished.
// A file that stays unreadable past the retry policy is logged and dropped.
func (e *Engine) OnExternalChange(ctx context.Context, path string) error {
	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	index := e.loader.RootIndex(path)
	if index < 0 || !e.loader.Matches(path) {
		e.logger.Debug(ctx, "ignoring change outside view roots", "path", path)
		return nil
	}
	key, err := e.loader.KeyForPath(path)
	if err != nil {
		return err
	}

	t, err := e.loadWithRetry(ctx, path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return e.handleRemoval(ctx, key, path)
		}
		e.logger.Warn(ctx, err, "change dropped, file stayed unreadable", "path", path)
		return nil
	}

	if existing, ok := e.store.Template(key); ok {
		if e.loader.RootIndex(existing.Path) < index {
			e.logger.Debug(ctx, "ignoring change to shadowed view", "key", key, "path", path)
			return nil
		}
		if existing.Fingerprint == t.Fingerprint {
			e.logger.Debug(ctx, "ignoring spurious change", "key", key)
			return nil
		}
	}

	e.store.PutTemplate(t)
	recompiled, compileErr := e.compiler.RecompileAffected(key)
	e.logger.Info(ctx, "view changed", "key", key, "recompiled", len(recompiled))
	e.notify(withKey(key, recompiled))
	return compileErrOrNil(ctx, e.logger, compileErr, key)
}

// handleRemoval drops a deleted view. If another root still provides the
// same key, that file takes over.
func (e *Engine) handleRemoval(ctx context.Context, key, path string) error {
	existing, ok := e.store.Template(key)
	if !ok {
		return nil
	}
	if filepath.Clean(existing.Path) != path {
		return nil
	}

	for _, root := range e.loader.Roots() {
		candidate := filepath.Join(root, filepath.FromSlash(key)+filepath.Ext(path))
		if candidate == path {
			continue
		}
		if t, err := e.load(candidate); err == nil {
			e.store.PutTemplate(t)
			recompiled, compileErr := e.compiler.RecompileAffected(key)
			e.logger.Info(ctx, "view now served from another root", "key", key, "path", candidate)
			e.notify(withKey(key, recompiled))
			return compileErrOrNil(ctx, e.logger, compileErr, key)
		}
	}

	e.store.RemoveTemplate(key)
	recompiled, compileErr := e.compiler.RecompileAffected(key)
	e.logger.Info(ctx, "view removed", "key", key, "recompiled", len(recompiled))
	e.notify(withKey(key, recompiled))
	return compileErrOrNil(ctx, e.logger, compileErr, key)
}

// compileErrOrNil logs recompilation failures after a change. They belong
// to the dependent views, not to the notification.
func compileErrOrNil(ctx context.Context, logger logging.Logger, err error, key string) error {
	if err != nil {
		logger.Warn(ctx, err, "recompilation after change left failures", "key", key)
	}
	return nil
}

// withKey prepends key to keys unless it is already present
func withKey(key string, keys []string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append([]string{key}, keys...)
}

// loadWithRetry reads path, retrying while the writer still holds it.
// Exhausting the policy yields a recoverable transient error.
func (e *Engine) loadWithRetry(ctx context.Context, path string) (*types.Template, error) {
	var t *types.Template
	attempts := 0
	err := e.retry.Do(ctx, func() error {
		attempts++
		loaded, err := e.load(path)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return permanent(err)
			}
			return err
		}
		t = loaded
		return nil
	})
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, errors.NewTransientIOError(errors.CodeFileLocked,
			fmt.Sprintf("file unreadable after %d attempts", attempts), err).WithLocation(path, 0)
	}
	if attempts > 1 {
		e.logger.Debug(ctx, "file became readable", "path", path, "attempts", attempts)
	}
	return t, nil
}

// Watch delivers file changes under every root to OnExternalChange until
// ctx ends. Batches are handled one at a time.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	fw, err := watcher.NewFileWatcher(debounce, e.logger)
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Stop()

	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.NoTempFilter)
	fw.AddFilter(e.loader.Matches)
	fw.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
		collector := errors.NewErrorCollector()
		for _, event := range events {
			if err := e.OnExternalChange(ctx, event.Path); err != nil {
				collector.Add(event.Path, err)
			}
		}
		return collector.Err()
	})

	for _, root := range e.loader.Roots() {
		if err := fw.AddRecursive(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
	}

	if err := fw.Start(ctx); err != nil {
		return err
	}
	e.logger.Info(ctx, "watching view roots", "roots", e.loader.Roots())

	<-ctx.Done()
	return nil
}

// WarmFromFile warm-starts from the snapshot at path. A missing snapshot
// falls back to CompileAll.
func (e *Engine) WarmFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return e.CompileAll()
		}
		return errors.NewIOError(errors.CodeLoadFailed, "reading snapshot", err).WithLocation(path, 0)
	}
	return e.Warm(data)
}

// SaveSnapshot writes a snapshot to path when the store changed since the
// last one. It reports whether a file was written.
func (e *Engine) SaveSnapshot(path string) (bool, error) {
	if !e.CacheUpdated() {
		return false, nil
	}
	data, err := e.GetSnapshot()
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, errors.NewIOError(errors.CodeSnapshotCodec, "creating snapshot directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, errors.NewIOError(errors.CodeSnapshotCodec, "writing snapshot", err).WithLocation(path, 0)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, errors.NewIOError(errors.CodeSnapshotCodec, "replacing snapshot", err).WithLocation(path, 0)
	}
	return true, nil
}
