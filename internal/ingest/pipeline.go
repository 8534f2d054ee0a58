package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/isg"
)

// Result summarizes a full ingestion pass.
type Result struct {
	Files        int
	Entities     int
	Edges        int
	Pending      int
	ParseErrors  []*isg.ParseError
	Warnings     []isg.Warning
	DurationSecs float64
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// Options configures a full ingestion pass.
type Options struct {
	// Walk filters which files enter the pass.
	Walk WalkOptions

	// Workers bounds parallel extraction; 0 means one per CPU.
	Workers int

	// Progress receives phase updates; may be nil.
	Progress ProgressCallback
}

// Run executes a full ingestion pass over the workspace: walk, parallel
// extract-and-apply, then a pending-edge sweep so references to entities
// that no longer exist anywhere are dropped with a warning each.
//
// Parse failures do not abort the pass; the failing files keep their
// last-good graph content and are reported in the result.
func Run(ctx context.Context, root string, eng *engine.Engine, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if opts.Progress != nil {
		opts.Progress("Walking files", 0.0)
	}
	entries, err := WalkWorkspace(root, opts.Walk)
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}
	result.Files = len(entries)
	if opts.Progress != nil {
		opts.Progress("Walking files", 1.0)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	eng.BeginPass()

	if opts.Progress != nil {
		opts.Progress("Extracting", 0.0)
	}

	var mu sync.Mutex
	var done int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := eng.IngestFile(entry.RelPath, entry.Content)

			mu.Lock()
			defer mu.Unlock()
			done++
			if opts.Progress != nil {
				opts.Progress("Extracting", float64(done)/float64(len(entries)))
			}
			var parseErr *isg.ParseError
			if errors.As(err, &parseErr) {
				result.ParseErrors = append(result.ParseErrors, parseErr)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.Progress != nil {
		opts.Progress("Resolving references", 0.0)
	}
	result.Warnings = eng.SweepPending()
	if opts.Progress != nil {
		opts.Progress("Resolving references", 1.0)
	}

	if err := eng.CheckIntegrity(); err != nil {
		return nil, err
	}

	stats := eng.Stats()
	result.Entities = stats["entities"]
	result.Edges = stats["edges"]
	result.Pending = stats["pending_edges"]
	result.DurationSecs = time.Since(start).Seconds()
	return result, nil
}
