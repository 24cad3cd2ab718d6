package build

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/stencil/internal/errors"
	"github.com/conneroisu/stencil/internal/logging"
	"github.com/conneroisu/stencil/internal/registry"
	"github.com/conneroisu/stencil/internal/renderer"
	"github.com/conneroisu/stencil/internal/security"
	"github.com/conneroisu/stencil/internal/types"
)

// TagResolver substitutes caller tags into rendered text
type TagResolver interface {
	Resolve(content string, tags map[string]string) string
}

// HTMLMinifier compacts full-page output
type HTMLMinifier interface {
	MinifyHTML(raw string) (string, error)
}

// Options configures a Compiler
type Options struct {
	// SharedSegment is the key path segment searched by ResolveKey
	SharedSegment string
	// FragmentMarker marks keys that bypass the directive pipeline
	FragmentMarker string
	// Debug expands bundles into their individual files
	Debug bool
	// ResourceRoot prefixes link paths that carry no separator
	ResourceRoot string
	// HelperBundles feeds the %%HelperBundles%% marker
	HelperBundles map[string]string
	// WellFormedCheck checks full pages after rendering
	WellFormedCheck bool
	// Minify compacts well-formed full pages
	Minify bool
	// MaxExpansions bounds the resolutions per phase that introduce new
	// directive tokens
	MaxExpansions int

	Bundles  BundleResolver
	Tokens   TokenGenerator
	Tags     TagResolver
	Minifier HTMLMinifier
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		SharedSegment:   "Shared",
		FragmentMarker:  "Fragment",
		ResourceRoot:    "/Resources",
		WellFormedCheck: true,
		MaxExpansions:   DefaultMaxExpansions,
	}
}

// Compiler turns templates in a Store into compiled views and renders them.
// Compilation is serialized; rendering runs concurrently with it.
type Compiler struct {
	store    *registry.Store
	pipeline *Pipeline
	linker   *BundleLinker
	opts     Options
	logger   logging.Logger
	metrics  *CompileMetrics

	compileMu sync.Mutex

	helperMu      sync.RWMutex
	helperBundles map[string]string
}

// NewCompiler creates a compiler over store with the built-in handlers
// registered.
func NewCompiler(store *registry.Store, opts Options, logger logging.Logger) *Compiler {
	if opts.SharedSegment == "" {
		opts.SharedSegment = "Shared"
	}
	if opts.Tokens == nil {
		opts.Tokens = security.NewTokenGenerator()
	}
	if opts.Tags == nil {
		opts.Tags = renderer.NewTagResolver(renderer.NewMarkdown())
	}
	if opts.Minify && opts.Minifier == nil {
		opts.Minifier = renderer.NewMinifier()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	c := &Compiler{
		store:   store,
		linker:  NewBundleLinker(opts.Bundles, opts.Debug, opts.ResourceRoot),
		opts:    opts,
		logger:  logger.WithComponent("compiler"),
		metrics: NewCompileMetrics(),
	}
	c.SetHelperBundles(opts.HelperBundles)

	c.pipeline = NewPipeline().
		AddPreprocessor(CommentSubstitution{}).
		AddDirective(MasterPageDirective{}).
		AddSubstitution(HeadSubstitution{}).
		AddDirective(PartialPageDirective{}).
		AddDirective(PlaceholderDirective{}).
		AddDirective(NewBundleDirective(c.linker)).
		AddDirective(NewIncludeDirective(c.linker)).
		AddSubstitution(NewAntiForgeryTokenSubstitution(opts.Tokens)).
		AddSubstitution(NewHelperBundlesSubstitution(c.linker, c.HelperBundles))
	c.pipeline.SetMaxExpansions(opts.MaxExpansions)

	return c
}

// Store returns the store the compiler writes to
func (c *Compiler) Store() *registry.Store {
	return c.store
}

// Pipeline returns the handler pipeline, for registering extra handlers
func (c *Compiler) Pipeline() *Pipeline {
	return c.pipeline
}

// Metrics returns the compile and render counters
func (c *Compiler) Metrics() *CompileMetrics {
	return c.metrics
}

// SetHelperBundles replaces the map used by %%HelperBundles%%
func (c *Compiler) SetHelperBundles(bundles map[string]string) {
	copied := make(map[string]string, len(bundles))
	for k, v := range bundles {
		copied[k] = v
	}
	c.helperMu.Lock()
	c.helperBundles = copied
	c.helperMu.Unlock()
}

// HelperBundles returns the current helper bundle map
func (c *Compiler) HelperBundles() map[string]string {
	c.helperMu.RLock()
	defer c.helperMu.RUnlock()
	return c.helperBundles
}

// IsFragment reports whether key names a fragment
func (c *Compiler) IsFragment(key string) bool {
	return types.IsFragment(key, c.opts.FragmentMarker)
}

// ResolveKey maps a directive value onto a template key. An exact key wins;
// otherwise the first key, in sorted order, that is the value under a shared
// segment, then the first key containing "<segment>/<value>".
func (c *Compiler) ResolveKey(value string) (string, bool) {
	keys := c.store.TemplateKeys()
	shared := c.opts.SharedSegment + "/" + value

	for _, key := range keys {
		if key == value {
			return key, true
		}
	}
	for _, key := range keys {
		if key == shared || strings.HasSuffix(key, "/"+shared) {
			return key, true
		}
	}
	for _, key := range keys {
		if strings.Contains(key, shared) {
			return key, true
		}
	}
	return "", false
}

// CompileAll compiles every template in the store. Views of templates that
// no longer exist are dropped. Failures do not stop the pass; they are
// returned joined.
func (c *Compiler) CompileAll() error {
	c.compileMu.Lock()
	defer c.compileMu.Unlock()

	ctx := context.Background()
	perf := logging.StartOperation(c.logger, "compile_all")

	keys := c.store.TemplateKeys()
	for _, view := range c.store.Views() {
		if _, ok := c.store.Template(view.FullName); !ok {
			c.store.RemoveView(view.FullName)
		}
	}

	s := c.newSession(keys)
	collector := errors.NewErrorCollector()
	for _, key := range keys {
		if _, err := s.compile(key); err != nil {
			collector.Add(key, err)
		}
	}

	if collector.HasErrors() {
		c.logger.Warn(ctx, collector.Err(), collector.Summary())
	}
	perf.End(ctx, "templates", len(keys), "failed", len(collector.GetErrors()))
	return collector.Err()
}

// Compile recompiles one view. Unknown keys yield a not-found error.
func (c *Compiler) Compile(key string) error {
	c.compileMu.Lock()
	defer c.compileMu.Unlock()

	if _, ok := c.store.Template(key); !ok {
		return errors.NewNotFoundError(key)
	}
	_, err := c.newSession([]string{key}).compile(key)
	return err
}

// RecompileAffected recompiles everything that depends on changed, directly
// or through other views. With no dependents, changed itself is recompiled.
// Templates left without a view by an earlier failure are retried too, since
// changed may be the file they were missing. It returns the keys that now
// hold a fresh view.
func (c *Compiler) RecompileAffected(changed string) ([]string, error) {
	targets := c.store.TransitiveDependents(changed)
	if len(targets) == 0 {
		targets = []string{changed}
	}
	queued := make(map[string]bool, len(targets))
	for _, key := range targets {
		queued[key] = true
	}
	for _, key := range c.store.TemplateKeys() {
		if _, ok := c.store.View(key); !ok && !queued[key] {
			targets = append(targets, key)
		}
	}
	return c.Refresh(targets)
}

// Refresh recompiles keys as one session. Keys without a template lose
// their view.
func (c *Compiler) Refresh(keys []string) ([]string, error) {
	c.compileMu.Lock()
	defer c.compileMu.Unlock()

	ctx := context.Background()
	s := c.newSession(keys)
	collector := errors.NewErrorCollector()
	var recompiled []string

	for _, key := range keys {
		if _, ok := c.store.Template(key); !ok {
			c.store.RemoveView(key)
			continue
		}
		if _, err := s.compile(key); err != nil {
			collector.Add(key, err)
			continue
		}
		recompiled = append(recompiled, key)
	}

	sort.Strings(recompiled)
	if collector.HasErrors() {
		c.logger.Warn(ctx, collector.Err(), collector.Summary(), "requested", len(keys))
	}
	return recompiled, collector.Err()
}

// Render produces the final output of key. A missing view yields ("", false).
// A stale view is recompiled first; if that fails the previous view is used.
func (c *Compiler) Render(key string, tags map[string]string) (string, bool) {
	ctx := context.Background()

	view, ok := c.store.View(key)
	if !ok {
		return "", false
	}
	if t, ok := c.store.Template(key); ok && view.IsStaleFor(t) {
		if err := c.Compile(key); err != nil {
			c.logger.Warn(ctx, err, "recompiling stale view failed, rendering previous version", "key", key)
		} else if fresh, ok := c.store.View(key); ok {
			view = fresh
		}
	}

	text, err := c.pipeline.Run(PhaseRender, key, view.CompiledText, nil)
	if err != nil {
		c.logger.Error(ctx, err, "render phase failed", "key", key)
		return "", false
	}
	text = strings.ReplaceAll(text, HeadMarker, "")
	text = c.opts.Tags.Resolve(text, tags)

	malformed := false
	if !c.IsFragment(key) {
		text, malformed = c.finishPage(ctx, key, text)
	}

	view.SetResult(text)
	c.metrics.RecordRender(malformed)
	return text, true
}

// finishPage checks and optionally minifies a full page. A page that fails
// the check is returned unchanged.
func (c *Compiler) finishPage(ctx context.Context, key, text string) (string, bool) {
	if c.opts.WellFormedCheck {
		if err := CheckWellFormed(text); err != nil {
			c.logger.Warn(ctx, err, "rendered page is not well formed, returning it unchecked", "key", key)
			return text, true
		}
	}
	if c.opts.Minify && c.opts.Minifier != nil {
		minified, err := c.opts.Minifier.MinifyHTML(text)
		if err != nil {
			c.logger.Warn(ctx, err, "minification failed", "key", key)
			return text, false
		}
		return minified, false
	}
	return text, false
}

// session is one serialized compilation pass. Keys in invalid are compiled
// again before use even if their view looks fresh.
type session struct {
	c       *Compiler
	invalid map[string]bool
	done    map[string]bool
	failed  map[string]error
	layouts map[string]string
	active  []string
}

func (c *Compiler) newSession(invalid []string) *session {
	s := &session{
		c:       c,
		invalid: make(map[string]bool, len(invalid)),
		done:    make(map[string]bool),
		failed:  make(map[string]error),
		layouts: make(map[string]string),
	}
	for _, key := range invalid {
		s.invalid[key] = true
	}
	return s
}

// enter pushes key on the active stack, failing if it is already there
func (s *session) enter(key string) error {
	for i, active := range s.active {
		if active == key {
			chain := append(append([]string(nil), s.active[i:]...), key)
			return errors.NewCycleError(errors.CodeIncludeCycle, chain).WithKey(key)
		}
	}
	s.active = append(s.active, key)
	return nil
}

func (s *session) leave() {
	s.active = s.active[:len(s.active)-1]
}

// needsCompile reports whether key's view must be rebuilt before use
func (s *session) needsCompile(key string) bool {
	if s.done[key] {
		return false
	}
	if s.invalid[key] {
		return true
	}
	view, ok := s.c.store.View(key)
	if !ok {
		return true
	}
	t, _ := s.c.store.Template(key)
	return view.IsStaleFor(t)
}

// compile builds and stores key's view. On failure any existing view for
// key is removed.
func (s *session) compile(key string) (*types.CompiledView, error) {
	if err, ok := s.failed[key]; ok {
		return nil, err
	}
	if s.done[key] {
		if view, ok := s.c.store.View(key); ok {
			return view, nil
		}
	}

	t, ok := s.c.store.Template(key)
	if !ok {
		return nil, errors.NewNotFoundError(key)
	}
	if err := s.enter(key); err != nil {
		return nil, err
	}
	defer s.leave()

	start := time.Now()
	s.c.store.EnsureDependencyEntry(key)
	text, err := s.run(t)
	s.c.metrics.RecordCompile(time.Since(start), err)
	if err != nil {
		s.failed[key] = err
		s.c.store.RemoveView(key)
		s.c.logger.Debug(context.Background(), "compile failed", "key", key, "error", err.Error())
		return nil, err
	}

	view := types.NewCompiledView(t, text)
	s.c.store.PutView(view)
	s.done[key] = true
	return view, nil
}

// run applies the compile and after-compile phases to t
func (s *session) run(t *types.Template) (string, error) {
	if s.c.IsFragment(t.FullName) {
		return t.RawText, nil
	}
	text, err := s.c.pipeline.Run(PhaseCompile, t.FullName, t.RawText, &sessionResolver{s: s, owner: t.FullName})
	if err != nil {
		return "", err
	}
	return s.c.pipeline.Run(PhaseAfterCompile, t.FullName, text, &sessionResolver{s: s, owner: t.FullName})
}

// layout returns key's compile-phase text, memoized for the session
func (s *session) layout(key string) (string, error) {
	if text, ok := s.layouts[key]; ok {
		return text, nil
	}
	t, ok := s.c.store.Template(key)
	if !ok {
		return "", errors.NewNotFoundError(key)
	}
	if err := s.enter(key); err != nil {
		return "", err
	}
	defer s.leave()

	text := t.RawText
	if !s.c.IsFragment(key) {
		var err error
		text, err = s.c.pipeline.Run(PhaseCompile, key, t.RawText, &sessionResolver{s: s, owner: key})
		if err != nil {
			return "", err
		}
	}
	s.layouts[key] = text
	return text, nil
}

// sessionResolver serves directive lookups for one owner view
type sessionResolver struct {
	s     *session
	owner string
}

// ResolveKey records edges to the keys value would resolve to once it exists,
// so adding that file recompiles the owner.
func (r *sessionResolver) ResolveKey(value string) (string, bool) {
	key, ok := r.s.c.ResolveKey(value)
	if !ok {
		r.s.c.store.RecordDependency(r.owner, value)
		r.s.c.store.RecordDependency(r.owner, r.s.c.opts.SharedSegment+"/"+value)
	}
	return key, ok
}

func (r *sessionResolver) Layout(key string) (string, error) {
	r.s.c.store.RecordDependency(r.owner, key)
	return r.s.layout(key)
}

func (r *sessionResolver) Include(key string) (string, error) {
	r.s.c.store.RecordDependency(r.owner, key)
	if !r.s.needsCompile(key) {
		if view, ok := r.s.c.store.View(key); ok {
			return view.CompiledText, nil
		}
	}
	view, err := r.s.compile(key)
	if err != nil {
		return "", err
	}
	return view.CompiledText, nil
}
