// Package scanner loads template sources from one or more view roots.
//
// The loader walks each root for files with a configured extension, reads them
// through a small worker pool and projects every path onto a slash-separated
// key (its fullName). A CRC32 Castagnoli checksum of the content serves as the
// fingerprint used to tell real edits from spurious change notifications.
package scanner

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/conneroisu/stencil/internal/errors"
	"github.com/conneroisu/stencil/internal/types"
	"golang.org/x/text/unicode/norm"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Fingerprint returns the content hash of a template source.
func Fingerprint(content []byte) string {
	return strconv.FormatUint(uint64(crc32.Checksum(content, crcTable)), 16)
}

// ErrOutsideRoots is returned by LoadOne for paths under no configured root.
var ErrOutsideRoots = errors.NewValidationError("OUTSIDE_ROOTS", "path is not under any view root")

// Loader reads templates from a set of view roots.
type Loader struct {
	// roots are absolute view-root directories, searched in order
	roots []string
	// extensions are the file suffixes treated as templates
	extensions []string
	// workerCount bounds concurrent file reads in LoadAll
	workerCount int
}

// NewLoader creates a loader over roots. Relative roots are resolved against
// the working directory.
func NewLoader(roots []string, extensions []string) (*Loader, error) {
	if len(roots) == 0 {
		return nil, errors.NewConfigError(errors.CodeInvalidConfig, "at least one view root is required")
	}
	if len(extensions) == 0 {
		extensions = []string{".html"}
	}

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			return nil, fmt.Errorf("resolving view root %s: %w", root, err)
		}
		absRoots = append(absRoots, abs)
	}

	workerCount := runtime.NumCPU()
	if workerCount > 8 {
		workerCount = 8
	}

	return &Loader{
		roots:       absRoots,
		extensions:  extensions,
		workerCount: workerCount,
	}, nil
}

// Roots returns the absolute view roots.
func (l *Loader) Roots() []string {
	return append([]string(nil), l.roots...)
}

// Matches reports whether path has a template extension.
func (l *Loader) Matches(path string) bool {
	ext := filepath.Ext(path)
	for _, candidate := range l.extensions {
		if strings.EqualFold(ext, candidate) {
			return true
		}
	}
	return false
}

// KeyForPath projects a file path onto its fullName: the path relative to
// its view root, extension stripped, slash-separated and NFC-normalized.
func (l *Loader) KeyForPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	for _, root := range l.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
		return norm.NFC.String(filepath.ToSlash(rel)), nil
	}

	return "", ErrOutsideRoots
}

// RootIndex returns the position of the root containing path, or -1.
// Lower indices take precedence when two roots provide the same key.
func (l *Loader) RootIndex(path string) int {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return -1
	}
	for i, root := range l.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return i
	}
	return -1
}

// LoadOne reads a single template from path. A missing file yields an error
// matching fs.ErrNotExist.
func (l *Loader) LoadOne(path string) (*types.Template, error) {
	key, err := l.KeyForPath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening template %s: %w", path, err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.NewIOError(errors.CodeLoadFailed, "reading template", err).WithLocation(path, 0)
	}

	base := filepath.Base(path)
	return &types.Template{
		Name:        norm.NFC.String(strings.TrimSuffix(base, filepath.Ext(base))),
		FullName:    key,
		Path:        path,
		RawText:     string(content),
		Fingerprint: Fingerprint(content),
	}, nil
}

type loadResult struct {
	template *types.Template
	err      error
}

// LoadAll reads every template under every root. When two roots provide the
// same fullName the earlier root wins and the later file is skipped. The
// result is ordered by fullName.
func (l *Loader) LoadAll() ([]*types.Template, error) {
	var files []string
	claimed := make(map[string]bool)

	for _, root := range l.roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !l.Matches(path) {
				return nil
			}
			key, err := l.KeyForPath(path)
			if err != nil || claimed[key] {
				return nil
			}
			claimed[key] = true
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, errors.NewIOError(errors.CodeLoadFailed, "walking view root", err).WithLocation(root, 0)
		}
	}

	jobs := make(chan string)
	results := make(chan loadResult, len(files))
	var wg sync.WaitGroup
	for i := 0; i < l.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				t, err := l.LoadOne(path)
				results <- loadResult{template: t, err: err}
			}
		}()
	}
	for _, path := range files {
		jobs <- path
	}
	close(jobs)
	wg.Wait()
	close(results)

	templates := make([]*types.Template, 0, len(files))
	var firstErr error
	for result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
			}
			continue
		}
		templates = append(templates, result.template)
	}
	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].FullName < templates[j].FullName })
	return templates, nil
}
