// Package ingest feeds source trees into the engine: a one-shot pipeline for
// full passes and an fsnotify watcher for incremental updates.
package ingest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/gobwas/glob"

	"github.com/sigraph-io/sigraph/internal/extract"
)

// FileEntry is one source file queued for extraction.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the workspace root, always
	// slash-separated. Graph entities carry this form.
	RelPath string

	// Content is the file content.
	Content []byte
}

// Default patterns to skip in addition to .gitignore.
var defaultIgnorePatterns = []string{
	".git/",
	"target/",
	"node_modules/",
	".sigraph/",
	"vendor/",
	".DS_Store",
}

// WalkOptions filters the file walk.
type WalkOptions struct {
	// Include restricts the walk to paths matching any of these glob
	// patterns (relative, slash-separated). Empty means everything.
	Include []string

	// Exclude drops paths matching any of these glob patterns, applied
	// after Include.
	Exclude []string
}

type pathFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func newPathFilter(opts WalkOptions) (*pathFilter, error) {
	f := &pathFilter{}
	for _, pat := range opts.Include {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, err
		}
		f.include = append(f.include, g)
	}
	for _, pat := range opts.Exclude {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, err
		}
		f.exclude = append(f.exclude, g)
	}
	return f, nil
}

func (f *pathFilter) match(relPath string) bool {
	if len(f.include) > 0 {
		ok := false
		for _, g := range f.include {
			if g.Match(relPath) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range f.exclude {
		if g.Match(relPath) {
			return false
		}
	}
	return true
}

// WalkWorkspace walks the workspace and returns all supported source files,
// honoring .gitignore plus the given include/exclude globs.
func WalkWorkspace(root string, opts WalkOptions) ([]FileEntry, error) {
	filter, err := newPathFilter(opts)
	if err != nil {
		return nil, err
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		return nil, err
	}
	allPatterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		allPatterns = append(allPatterns, gitignore.ParsePattern(p, nil))
	}
	allPatterns = append(allPatterns, patterns...)
	matcher := gitignore.NewMatcher(allPatterns)

	var entries []FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if shouldSkipDir(d.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if extract.ForPath(path) == nil {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if matcher.Match(splitPath(relPath), false) {
			return nil
		}
		if !filter.match(relPath) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{
			Path:    path,
			RelPath: relPath,
			Content: content,
		})
		return nil
	})

	return entries, err
}

// loadGitignore loads .gitignore patterns from the workspace root.
func loadGitignore(root string) ([]gitignore.Pattern, error) {
	gitignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(gitignorePath)
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

// shouldSkipDir checks if a directory should be skipped entirely.
func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" || name == ".sigraph" || name == "target" {
		return true
	}
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(filepath.ToSlash(relPath)), true)
}

func splitPath(path string) []string {
	return strings.Split(path, "/")
}
