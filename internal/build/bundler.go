package build

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BundleResolver lists the files making up a named resource bundle.
type BundleResolver interface {
	GetFiles(bundleName string) ([]string, bool)
}

// LinkTag renders a stylesheet or script tag for p. Paths without a
// separator are resolved against resourceRoot. Unknown extensions yield "".
func LinkTag(p, resourceRoot string) string {
	if !strings.Contains(p, "/") {
		p = strings.TrimRight(resourceRoot, "/") + "/" + p
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".css":
		return fmt.Sprintf(`<link href="%s" rel="stylesheet" type="text/css" />`, p)
	case ".js":
		return fmt.Sprintf(`<script src="%s" type="text/javascript"></script>`, p)
	default:
		return ""
	}
}

// BundleLinker turns bundle names and resource paths into link markup.
// Bundle expansions are memoized per name for the linker's lifetime.
type BundleLinker struct {
	resolver     BundleResolver
	debug        bool
	resourceRoot string

	mu   sync.Mutex
	memo map[string]string
}

// NewBundleLinker creates a linker. resolver may be nil when no bundles are
// configured.
func NewBundleLinker(resolver BundleResolver, debug bool, resourceRoot string) *BundleLinker {
	return &BundleLinker{
		resolver:     resolver,
		debug:        debug,
		resourceRoot: resourceRoot,
		memo:         make(map[string]string),
	}
}

// Include renders the tag for exactly one path.
func (b *BundleLinker) Include(p string) string {
	return LinkTag(p, b.resourceRoot)
}

// Bundle renders the tags for a bundle. In debug mode every file the resolver
// lists gets its own tag; otherwise a single tag points at the prebuilt
// bundle named name. An unknown bundle renders as "".
func (b *BundleLinker) Bundle(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if out, ok := b.memo[name]; ok {
		return out
	}

	var out string
	if !b.debug {
		out = LinkTag(name, b.resourceRoot)
	} else if b.resolver != nil {
		if files, ok := b.resolver.GetFiles(name); ok {
			var sb strings.Builder
			for _, f := range files {
				sb.WriteString(LinkTag(f, b.resourceRoot))
			}
			out = sb.String()
		}
	}

	b.memo[name] = out
	return out
}

// HelperBundles renders one tag per bundle name, ordered by name.
func (b *BundleLinker) HelperBundles(bundles map[string]string) string {
	names := make([]string, 0, len(bundles))
	for name := range bundles {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(LinkTag(name, b.resourceRoot))
	}
	return sb.String()
}

// StaticResolver is an in-memory BundleResolver.
type StaticResolver map[string][]string

// GetFiles implements BundleResolver
func (r StaticResolver) GetFiles(bundleName string) ([]string, bool) {
	files, ok := r[bundleName]
	return files, ok
}

// ManifestResolver resolves bundles from a YAML manifest of the form
//
//	site.css:
//	  - /Resources/reset.css
//	  - /Resources/site.css
type ManifestResolver struct {
	bundles map[string][]string
}

// ParseManifest decodes a YAML bundle manifest
func ParseManifest(data []byte) (*ManifestResolver, error) {
	bundles := make(map[string][]string)
	if err := yaml.Unmarshal(data, &bundles); err != nil {
		return nil, fmt.Errorf("parsing bundle manifest: %w", err)
	}
	return &ManifestResolver{bundles: bundles}, nil
}

// LoadManifest reads and decodes a YAML bundle manifest file
func LoadManifest(filename string) (*ManifestResolver, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading bundle manifest %s: %w", filename, err)
	}
	return ParseManifest(data)
}

// GetFiles implements BundleResolver
func (m *ManifestResolver) GetFiles(bundleName string) ([]string, bool) {
	files, ok := m.bundles[bundleName]
	return files, ok
}

// Names returns the bundle names in the manifest, sorted
func (m *ManifestResolver) Names() []string {
	names := make([]string, 0, len(m.bundles))
	for name := range m.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
