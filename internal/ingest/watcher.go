package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/extract"
	"github.com/sigraph-io/sigraph/internal/isg"
)

// debounceWindow batches rapid-fire editor events (write, rename, chmod
// bursts) into one update per file.
const debounceWindow = 500 * time.Millisecond

// BatchReport summarizes one applied watch batch.
type BatchReport struct {
	Updated     []string
	Removed     []string
	ParseErrors []*isg.ParseError
}

// WatchOptions configures the watcher loop.
type WatchOptions struct {
	// Walk filters which files are watched, matching the pipeline's rules.
	Walk WalkOptions

	// OnBatch is called after each applied batch; may be nil.
	OnBatch func(BatchReport)
}

// Watch monitors the workspace and applies file changes to the engine as
// they settle. Blocks until the context is cancelled.
//
// Changes to the same file are applied in arrival order; the debounce map
// keeps only the latest state per path, so a save storm costs one
// re-extraction. Deletions remove the file's entities and demote edges that
// pointed at them back to pending.
func Watch(ctx context.Context, root string, eng *engine.Engine, opts WatchOptions) error {
	filter, err := newPathFilter(opts.Walk)
	if err != nil {
		return err
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		patterns = nil
	}
	matcher := gitignore.NewMatcher(patterns)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if shouldSkipDir(info.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changed := make(map[string]struct{})
	batchTimer := time.NewTimer(debounceWindow)
	batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// New directories need their own watch before files inside
			// them produce events.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !shouldSkipDir(info.Name(), event.Name, root, matcher) {
						_ = watcher.Add(event.Name)
					}
					continue
				}
			}

			relPath, ok := watchedPath(event.Name, root, matcher, filter)
			if !ok {
				continue
			}
			changed[relPath] = struct{}{}
			batchTimer.Reset(debounceWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			report := applyBatch(root, eng, changed)
			changed = make(map[string]struct{})
			if opts.OnBatch != nil {
				opts.OnBatch(report)
			}
		}
	}
}

// applyBatch applies one settled batch of changed files to the engine.
func applyBatch(root string, eng *engine.Engine, changed map[string]struct{}) BatchReport {
	var report BatchReport

	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, relPath := range paths {
		absPath := filepath.Join(root, filepath.FromSlash(relPath))

		info, err := os.Stat(absPath)
		if os.IsNotExist(err) {
			if eng.RemoveFile(relPath) > 0 {
				report.Removed = append(report.Removed, relPath)
			}
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", relPath, err)
			continue
		}

		err = eng.IngestFile(relPath, content)
		var parseErr *isg.ParseError
		if errors.As(err, &parseErr) {
			report.ParseErrors = append(report.ParseErrors, parseErr)
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "updating %s: %v\n", relPath, err)
			continue
		}
		report.Updated = append(report.Updated, relPath)
	}

	return report
}

// watchedPath reports whether an event path belongs to the watched set and
// returns its workspace-relative form.
func watchedPath(path, root string, matcher gitignore.Matcher, filter *pathFilter) (string, bool) {
	if extract.ForPath(path) == nil {
		return "", false
	}
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	relPath = filepath.ToSlash(relPath)
	if matcher != nil && matcher.Match(splitPath(relPath), false) {
		return "", false
	}
	if !filter.match(relPath) {
		return "", false
	}
	return relPath, true
}
