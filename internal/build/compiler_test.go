package build

import (
	"strings"
	"sync"
	"testing"

	"github.com/conneroisu/stencil/internal/errors"
	"github.com/conneroisu/stencil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiledText(t *testing.T, c *Compiler, key string) string {
	t.Helper()
	view, ok := c.Store().View(key)
	require.True(t, ok, "no view for %s", key)
	return view.CompiledText
}

func TestCompileMasterScenario(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%View%%</html>",
		"Home/Index":    "%%Master=Master%%Hello {{name}}",
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t, "<html>Hello {{name}}</html>", compiledText(t, c, "Home/Index"))

	result, ok := c.Render("Home/Index", map[string]string{"name": "Bob"})
	require.True(t, ok)
	assert.Equal(t, "<html>Hello Bob</html>", result)

	view, _ := c.Store().View("Home/Index")
	assert.Equal(t, result, view.Result())
	assert.Equal(t, []string{"Shared/Master"}, c.Store().Dependencies("Home/Index"))
}

func TestCompileUnresolvedMaster(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Index": "%%Master=DoesNotExist%%Hello",
	})

	err := c.CompileAll()
	require.Error(t, err)
	assert.True(t, errors.IsUnresolvedReference(err))

	_, ok := c.Store().View("Home/Index")
	assert.False(t, ok)

	_, ok = c.Render("Home/Index", nil)
	assert.False(t, ok)
}

func TestCompileUnknownKey(t *testing.T) {
	c := newTestCompiler(t, nil)
	err := c.Compile("Nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRenderUnknownKey(t *testing.T) {
	c := newTestCompiler(t, nil)
	result, ok := c.Render("Nope", map[string]string{"a": "b"})
	assert.False(t, ok)
	assert.Empty(t, result)
}

func TestCompileLeavesNoCompileDirectives(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Layout": "<html><head><title>%%Placeholder=title%%</title>%%Head%%</head><body>%%Partial=Nav%%%%View%%</body></html>",
		"Shared/Nav":    "<nav>%%Partial=Links%%</nav>",
		"Shared/Links":  "<a>home</a>",
		"Home/Index":    "%%Master=Layout%%[title]Home[/title][[<meta name=\"x\">]]<p>@@ hidden @@hi</p>",
		"Home/About":    "%%Master=Layout%%<p>about</p>",
	})

	require.NoError(t, c.CompileAll())

	compileNames := c.Pipeline().DirectiveNames(PhaseCompile)
	afterNames := c.Pipeline().DirectiveNames(PhaseAfterCompile)
	for _, view := range c.Store().Views() {
		for _, m := range DirectivePattern.FindAllStringSubmatch(view.CompiledText, -1) {
			assert.False(t, compileNames[m[1]] || afterNames[m[1]], "%s still holds %s", view.FullName, m[0])
		}
	}

	assert.Equal(t,
		`<html><head><title>Home</title><meta name="x">%%Head%%</head><body><nav><a>home</a></nav><p>hi</p></body></html>`,
		compiledText(t, c, "Home/Index"))

	result, ok := c.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, `<html><head><title>Home</title><meta name="x"></head><body><nav><a>home</a></nav><p>hi</p></body></html>`, result)
}

func TestNestedMastersAccumulateHeads(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Outer": "<html><head>%%Head%%</head><body>%%View%%</body></html>",
		"Shared/Inner": "%%Master=Outer%%[[<link inner>]]<main>%%View%%</main>",
		"Home/Page":    "%%Master=Inner%%[[<meta page>]]<p>x</p>",
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t,
		"<html><head><link inner><meta page>%%Head%%</head><body><main><p>x</p></main></body></html>",
		compiledText(t, c, "Home/Page"))
	assert.ElementsMatch(t, []string{"Shared/Inner"}, c.Store().Dependencies("Home/Page"))
	assert.ElementsMatch(t, []string{"Shared/Outer"}, c.Store().Dependencies("Shared/Inner"))
}

func TestFragmentsBypassPipeline(t *testing.T) {
	raw := "%%Master=Master%%<li>{{item}}</li>@@keep@@[[head]]"
	c := newTestCompiler(t, map[string]string{
		"Shared/Master":       "<html>%%View%%</html>",
		"Shared/Fragment/Row": raw,
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t, raw, compiledText(t, c, "Shared/Fragment/Row"))

	result, ok := c.Render("Shared/Fragment/Row", map[string]string{"item": "one"})
	require.True(t, ok)
	assert.Equal(t, "%%Master=Master%%<li>one</li>@@keep@@[[head]]", result)
}

func TestPartialIncludesFragmentVerbatim(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Fragment/Item": "<li>{{label}}</li>",
		"Home/List":            "<ul>%%Partial=Fragment/Item%%</ul>",
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t, "<ul><li>{{label}}</li></ul>", compiledText(t, c, "Home/List"))
}

func TestCompileIdempotent(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%Head%%%%View%%</html>",
		"Home/Index":    "%%Master=Master%%[[<meta>]]Hello",
	})

	require.NoError(t, c.Compile("Home/Index"))
	first := compiledText(t, c, "Home/Index")
	require.NoError(t, c.Compile("Home/Index"))
	assert.Equal(t, first, compiledText(t, c, "Home/Index"))
}

func TestDependencyPropagation(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%View%%</html>",
		"Home/Index":    "%%Master=Master%%Hello",
	})
	require.NoError(t, c.CompileAll())

	c.Store().PutTemplate(template("Shared/Master", "<body>%%View%%</body>"))
	recompiled, err := c.RecompileAffected("Shared/Master")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home/Index"}, recompiled)
	assert.Equal(t, "<body>Hello</body>", compiledText(t, c, "Home/Index"))
}

func TestTransitivePropagation(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Links": "<a>v1</a>",
		"Shared/Nav":   "<nav>%%Partial=Links%%</nav>",
		"Home/Index":   "<html>%%Partial=Nav%%</html>",
	})
	require.NoError(t, c.CompileAll())

	c.Store().PutTemplate(template("Shared/Links", "<a>v2</a>"))
	recompiled, err := c.RecompileAffected("Shared/Links")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home/Index", "Shared/Nav"}, recompiled)
	assert.Equal(t, "<html><nav><a>v2</a></nav></html>", compiledText(t, c, "Home/Index"))
}

func TestRecompileAffectedLeaf(t *testing.T) {
	c := newTestCompiler(t, map[string]string{"Home/Index": "v1"})
	require.NoError(t, c.CompileAll())

	c.Store().PutTemplate(template("Home/Index", "v2"))
	recompiled, err := c.RecompileAffected("Home/Index")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home/Index"}, recompiled)
	assert.Equal(t, "v2", compiledText(t, c, "Home/Index"))
}

func TestRecompileAfterDeletion(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%View%%</html>",
		"Home/Index":    "%%Master=Master%%Hello",
	})
	require.NoError(t, c.CompileAll())

	c.Store().RemoveTemplate("Shared/Master")
	_, err := c.RecompileAffected("Shared/Master")
	require.Error(t, err)
	assert.True(t, errors.IsUnresolvedReference(err))
	_, ok := c.Store().View("Home/Index")
	assert.False(t, ok)
}

func TestMasterAddedAfterFailedCompile(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Index": "%%Master=Master%%Hello",
	})
	require.Error(t, c.CompileAll())
	assert.Contains(t, c.Store().Dependents("Shared/Master"), "Home/Index")

	c.Store().PutTemplate(template("Shared/Master", "<html>%%View%%</html>"))
	recompiled, err := c.RecompileAffected("Shared/Master")
	require.NoError(t, err)
	assert.Contains(t, recompiled, "Home/Index")
	assert.Equal(t, "<html>Hello</html>", compiledText(t, c, "Home/Index"))
}

func TestRecompileAffectedRetriesViewlessTemplates(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Index": "%%Partial=Nav%%",
	})
	require.Error(t, c.CompileAll())

	// Resolved through the suffix rule, so no edge names this key
	c.Store().PutTemplate(template("Site/Shared/Nav", "<nav></nav>"))
	recompiled, err := c.RecompileAffected("Site/Shared/Nav")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home/Index", "Site/Shared/Nav"}, recompiled)
	assert.Equal(t, "<nav></nav>", compiledText(t, c, "Home/Index"))
}

func TestRenderRecompilesStaleView(t *testing.T) {
	c := newTestCompiler(t, map[string]string{"Home/Index": "<p>v1</p>"})
	require.NoError(t, c.CompileAll())

	c.Store().PutTemplate(template("Home/Index", "<p>v2</p>"))
	result, ok := c.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, "<p>v2</p>", result)
}

func TestRenderKeepsPreviousViewWhenRecompileFails(t *testing.T) {
	c := newTestCompiler(t, map[string]string{"Home/Index": "<p>v1</p>"})
	require.NoError(t, c.CompileAll())

	c.Store().PutTemplate(template("Home/Index", "%%Master=Gone%%"))
	result, ok := c.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, "<p>v1</p>", result)

	_, ok = c.Store().View("Home/Index")
	assert.False(t, ok)
	_, ok = c.Render("Home/Index", nil)
	assert.False(t, ok)
}

func TestIncludeCycle(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/A": "a%%Partial=B%%",
		"Shared/B": "b%%Partial=A%%",
		"Shared/M": "%%Master=M%%%%View%%",
	})

	err := c.CompileAll()
	require.Error(t, err)
	assert.True(t, errors.IsCycle(err))
	for _, key := range []string{"Shared/A", "Shared/B", "Shared/M"} {
		_, ok := c.Store().View(key)
		assert.False(t, ok, key)
	}
}

func TestCommentedOutDirectiveIsIgnored(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%View%%</html>",
		"Home/Index":    "@@ old: %%Master=Legacy%% @@%%Master=Master%%Hi",
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t, "<html>Hi</html>", compiledText(t, c, "Home/Index"))
	assert.Equal(t, []string{"Shared/Master"}, c.Store().Dependencies("Home/Index"))
}

func TestManyPartialsCompile(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Item": "<li>item</li>",
		"Home/List":   "<ul>" + strings.Repeat("%%Partial=Item%%", 300) + "</ul>",
	})

	require.NoError(t, c.CompileAll())
	assert.Equal(t, "<ul>"+strings.Repeat("<li>item</li>", 300)+"</ul>", compiledText(t, c, "Home/List"))
}

func TestAntiForgeryTokensDistinct(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Form": `<form><input value="%%AntiForgeryToken%%"><input value="%%AntiForgeryToken%%"></form>`,
	})
	require.NoError(t, c.CompileAll())

	result, ok := c.Render("Home/Form", nil)
	require.True(t, ok)
	assert.NotContains(t, result, AntiForgeryMarker)
	assert.Contains(t, result, "tok-1")
	assert.Contains(t, result, "tok-2")

	again, _ := c.Render("Home/Form", nil)
	assert.NotEqual(t, result, again)
}

func TestRenderBundles(t *testing.T) {
	files := map[string]string{
		"Home/Index": "<head>%%Bundle=site.css%%%%Include=app.js%%%%HelperBundles%%</head>",
	}
	bundles := StaticResolver{"site.css": {"/css/a.css"}}

	debug := newTestCompiler(t, files, func(o *Options) {
		o.Debug = true
		o.Bundles = bundles
		o.HelperBundles = map[string]string{"help.js": "x"}
	})
	require.NoError(t, debug.CompileAll())
	result, ok := debug.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, `<head><link href="/css/a.css" rel="stylesheet" type="text/css" />`+
		`<script src="/Resources/app.js" type="text/javascript"></script>`+
		`<script src="/Resources/help.js" type="text/javascript"></script></head>`, result)

	release := newTestCompiler(t, files, func(o *Options) { o.Bundles = bundles })
	require.NoError(t, release.CompileAll())
	result, ok = release.Render("Home/Index", nil)
	require.True(t, ok)
	assert.Equal(t, `<head><link href="/Resources/site.css" rel="stylesheet" type="text/css" />`+
		`<script src="/Resources/app.js" type="text/javascript"></script></head>`, result)

	release.SetHelperBundles(map[string]string{"late.css": ""})
	result, _ = release.Render("Home/Index", nil)
	assert.Contains(t, result, "/Resources/late.css")
}

func TestRenderTagEncodings(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Index": "<div>{{raw}}|{|enc|}|{!md!}|{{missing}}</div>",
	})
	require.NoError(t, c.CompileAll())

	result, ok := c.Render("Home/Index", map[string]string{"raw": "<b>", "enc": "<b>", "md": "*x*"})
	require.True(t, ok)
	assert.Equal(t, "<div><b>|&lt;b&gt;|<p><em>x</em></p>|</div>", result)
}

func TestRenderMalformedFallsBack(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Broken":         "<div><p>open",
		"Shared/Fragment/Cut": "<li>open",
	}, func(o *Options) { o.Minify = true })
	require.NoError(t, c.CompileAll())

	result, ok := c.Render("Home/Broken", nil)
	require.True(t, ok)
	assert.Equal(t, "<div><p>open", result)

	result, ok = c.Render("Shared/Fragment/Cut", nil)
	require.True(t, ok)
	assert.Equal(t, "<li>open", result)

	snap := c.Metrics().GetSnapshot()
	assert.Equal(t, int64(2), snap.Renders)
	assert.Equal(t, int64(1), snap.MalformedRenders)
}

func TestRenderMinifiesFullPages(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Home/Index": "<html>\n  <body>\n    <p>hi</p>\n  </body>\n</html>",
	}, func(o *Options) { o.Minify = true })
	require.NoError(t, c.CompileAll())

	result, ok := c.Render("Home/Index", nil)
	require.True(t, ok)
	assert.NotContains(t, result, "\n")
	assert.Contains(t, result, "<p>hi</p>")
}

func TestResolveKey(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Admin/Shared/Header": "a",
		"Shared/Header":       "b",
		"Shared/Forms/Input":  "c",
		"Home/Index":          "d",
		"Shared/HeaderWide":   "e",
	})

	testCases := []struct {
		value    string
		expected string
		found    bool
	}{
		{"Home/Index", "Home/Index", true},
		{"Header", "Admin/Shared/Header", true},
		{"Forms/Input", "Shared/Forms/Input", true},
		{"Footer", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			key, ok := c.ResolveKey(tc.value)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.expected, key)
		})
	}
}

func TestCompileAllDropsOrphanViews(t *testing.T) {
	c := newTestCompiler(t, map[string]string{"Home/A": "a"})
	c.Store().PutView(types.NewCompiledView(template("Home/Orphan", "x"), "x"))

	require.NoError(t, c.CompileAll())
	_, ok := c.Store().View("Home/Orphan")
	assert.False(t, ok)
	_, views := c.Store().Count()
	assert.Equal(t, 1, views)
}

func TestConcurrentRenderDuringRecompile(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"Shared/Master": "<html>%%View%%</html>",
		"Home/Index":    "%%Master=Master%%<p>{{n}}</p>",
	})
	require.NoError(t, c.CompileAll())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				result, ok := c.Render("Home/Index", map[string]string{"n": "1"})
				if ok {
					assert.True(t, strings.HasSuffix(result, "<p>1</p></html>") || strings.HasSuffix(result, "<p>1</p></body>"), result)
				}
			}
		}()
	}

	for j := 0; j < 20; j++ {
		master := "<html>%%View%%</html>"
		if j%2 == 1 {
			master = "<body>%%View%%</body>"
		}
		c.Store().PutTemplate(template("Shared/Master", master))
		_, err := c.RecompileAffected("Shared/Master")
		require.NoError(t, err)
	}
	wg.Wait()
}
