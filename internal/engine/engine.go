// Package engine wires the graph store, discovery index, extractor, and
// signature hasher into one injectable service object.
//
// The engine owns the reader-writer lock that arbitrates the shared state:
// many concurrent readers, serialized writers. Extraction and hashing (the
// expensive part) always run outside the critical section; only the final
// diff apply — graph removals, insertions, and the matching discovery update
// — holds the write lock, so a reader can never observe a graph with old
// entities removed but new ones not yet inserted.
package engine

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sigraph-io/sigraph/internal/discovery"
	"github.com/sigraph-io/sigraph/internal/extract"
	"github.com/sigraph-io/sigraph/internal/isg"
	"github.com/sigraph-io/sigraph/internal/sig"
	"sync"
)

// parseCacheSize bounds the extraction cache. Entries are keyed by content
// hash, so repeated saves of identical bytes never re-parse.
const parseCacheSize = 4096

// Engine is one workspace's interface signature graph service. Independent
// instances coexist freely; nothing here is process-global.
type Engine struct {
	mu    sync.RWMutex
	graph *isg.Graph
	index *discovery.Index

	// fileHash maps ingested file paths to their content hash, used to
	// short-circuit no-op change events.
	fileHash map[string]uint64

	parseCache *lru.Cache[uint64, *extract.FileFacts]
}

// New creates an engine with an empty graph.
func New() *Engine {
	cache, _ := lru.New[uint64, *extract.FileFacts](parseCacheSize)
	return &Engine{
		graph:      isg.NewGraph(),
		index:      discovery.NewIndex(),
		fileHash:   make(map[string]uint64),
		parseCache: cache,
	}
}

// Load creates an engine from previously persisted entities and edges; the
// discovery index is rebuilt deterministically from the entities.
func Load(entities []*isg.Entity, edges []*isg.Edge) *Engine {
	e := New()
	e.graph.UpsertEntities(entities)
	e.graph.UpsertEdges(edges)
	e.index.Rebuild(entities)
	for _, ent := range entities {
		if _, ok := e.fileHash[ent.FilePath]; !ok {
			e.fileHash[ent.FilePath] = 0
		}
	}
	return e
}

// View runs fn under the read lock, giving it a consistent snapshot of graph
// and discovery index for the duration of one query.
func (e *Engine) View(fn func(g *isg.Graph, ix *discovery.Index)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.graph, e.index)
}

// IngestFile extracts one file and applies the resulting diff atomically.
//
// Parse failure leaves the previous version of the file's entities and edges
// in place (last-good policy), marks the file stale, and returns the
// *isg.ParseError for the caller to surface.
func (e *Engine) IngestFile(filePath string, src []byte) error {
	ex := extract.ForPath(filePath)
	if ex == nil {
		return nil
	}

	contentHash := sig.ContentHash(src)
	e.mu.RLock()
	prev, seen := e.fileHash[filePath]
	e.mu.RUnlock()
	if seen && prev == contentHash && !e.graph.IsStale(filePath) {
		e.graph.TouchFile(filePath)
		return nil
	}

	facts, ok := e.parseCache.Get(contentHash)
	if !ok {
		var err error
		facts, err = ex.Extract(filePath, src)
		if err != nil {
			e.graph.MarkStale(filePath)
			return err
		}
		e.parseCache.Add(contentHash, facts)
	}

	entities, edges := Materialize(facts)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph.RemoveFile(filePath)
	e.graph.UpsertEntities(entities)
	e.graph.UpsertEdges(edges)
	e.index.ReplaceFile(filePath, entities)
	e.graph.MarkFresh(filePath)
	e.fileHash[filePath] = contentHash
	return nil
}

// RemoveFile drops a deleted file's entities, edges, and discovery entries
// in one critical section.
func (e *Engine) RemoveFile(filePath string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.graph.RemoveFile(filePath)
	e.index.RemoveFile(filePath)
	delete(e.fileHash, filePath)
	return n
}

// BeginPass marks the start of a full ingestion pass; SweepPending then
// drops pending edges that predate it, returning one warning per drop.
func (e *Engine) BeginPass() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph.BeginPass()
}

// SweepPending expires pending edges older than the current pass.
func (e *Engine) SweepPending() []isg.Warning {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.SweepPending()
}

// Get returns an entity by id with any stale warning for its owning file.
func (e *Engine) Get(id isg.SigHash) (*isg.Entity, []isg.Warning, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent := e.graph.Get(id)
	if ent == nil {
		return nil, nil, isg.ErrNotFound
	}
	var warnings []isg.Warning
	if e.graph.IsStale(ent.FilePath) {
		warnings = append(warnings, isg.Warning{
			Kind:   isg.WarnStaleEntity,
			Detail: fmt.Sprintf("%s answered from last-good content of %s", ent.QualifiedPath, ent.FilePath),
		})
	}
	return ent, warnings, nil
}

// Lookup resolves a partial key through the discovery index.
func (e *Engine) Lookup(key string, limit int) []discovery.Candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.Lookup(key, limit)
}

// Resolve turns a user-supplied key — hex id, qualified path, or short name
// — into a single entity id, preferring the best discovery candidate. It
// holds the engine's read lock across both checks so a concurrent file apply
// can never make a surviving entity look momentarily absent.
func (e *Engine) Resolve(key string) (isg.SigHash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if id, ok := parseHash(key); ok {
		if e.graph.Get(id) != nil {
			return id, nil
		}
	}
	candidates := e.index.Lookup(key, 1)
	if len(candidates) == 0 {
		return 0, isg.ErrNotFound
	}
	return candidates[0].ID, nil
}

// Stats returns a size summary of the shared state.
func (e *Engine) Stats() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := e.graph.Stats()
	stats["files"] = len(e.fileHash)
	stats["discovery_entries"] = e.index.Size()
	return stats
}

// CheckIntegrity verifies the graph invariants; a corruption error forces a
// full rebuild upstream.
func (e *Engine) CheckIntegrity() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.CheckIntegrity()
}

// Snapshot returns the persistable state: all entities and edges.
func (e *Engine) Snapshot() ([]*isg.Entity, []*isg.Edge) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.Entities(), e.graph.Edges()
}

// Files returns the ingested file paths, sorted.
func (e *Engine) Files() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	files := make([]string, 0, len(e.fileHash))
	for f := range e.fileHash {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Materialize converts extracted file facts into graph entities and edges.
// Reference targets start pending; the graph resolves them opportunistically
// as their entities arrive.
func Materialize(facts *extract.FileFacts) ([]*isg.Entity, []*isg.Edge) {
	byPath := make(map[string]isg.SigHash, len(facts.Decls))
	entities := make([]*isg.Entity, 0, len(facts.Decls))

	for _, d := range facts.Decls {
		id := sig.Hash(sig.Descriptor{
			QualifiedPath: d.QualifiedPath,
			Kind:          d.Kind,
			Signature:     d.Signature,
			TraitPath:     d.TraitPath,
			TypePath:      d.TypePath,
			GenericParams: d.GenericParams,
		})
		byPath[d.QualifiedPath] = id
		entities = append(entities, &isg.Entity{
			ID:            id,
			Kind:          d.Kind,
			Name:          d.Name,
			QualifiedPath: d.QualifiedPath,
			FilePath:      facts.FilePath,
			Span:          d.Span,
			Visibility:    d.Visibility,
			Signature:     d.Signature,
		})
	}

	var edges []*isg.Edge

	// Containment: each declaration hangs off its innermost same-file
	// ancestor, falling back to the file's module entity.
	for _, d := range facts.Decls {
		if d.QualifiedPath == facts.ModulePath {
			continue
		}
		parentID, ok := byPath[parentPath(d.QualifiedPath, byPath)]
		if !ok {
			parentID = byPath[facts.ModulePath]
		}
		childID := byPath[d.QualifiedPath]
		if parentID == 0 || parentID == childID {
			continue
		}
		edges = append(edges, &isg.Edge{
			Kind:       isg.EdgeContains,
			SourceID:   parentID,
			TargetID:   childID,
			Confidence: isg.ConfidenceExact,
			FilePath:   facts.FilePath,
			Line:       d.Span.Start,
		})
	}

	for _, r := range facts.Refs {
		sourceID, ok := byPath[r.SourcePath]
		if !ok {
			continue
		}
		var kind isg.EdgeKind
		switch r.Kind {
		case extract.RefCall:
			kind = isg.EdgeCalls
		case extract.RefUses:
			kind = isg.EdgeUses
		case extract.RefModuleDep:
			kind = isg.EdgeDependsOnModule
		case extract.RefImplements:
			kind = isg.EdgeImplements
		default:
			continue
		}

		edge := &isg.Edge{
			Kind:       kind,
			SourceID:   sourceID,
			TargetKey:  r.TargetKey,
			Confidence: r.Confidence,
			FilePath:   facts.FilePath,
			Line:       r.Line,
		}
		// Same-file targets resolve immediately.
		if id, ok := byPath[r.TargetKey]; ok {
			edge.TargetID = id
			edge.TargetKey = ""
		}
		if edge.Pending() || edge.SourceID != edge.TargetID {
			edges = append(edges, edge)
		}
	}

	return entities, edges
}

// parentPath returns the longest strict qualified-path prefix of qpath that
// names a declaration in the same file.
func parentPath(qpath string, byPath map[string]isg.SigHash) string {
	for {
		idx := strings.LastIndex(qpath, "::")
		if idx < 0 {
			return ""
		}
		qpath = qpath[:idx]
		if _, ok := byPath[qpath]; ok {
			return qpath
		}
	}
}

// parseHash accepts the 16-digit hex form produced by SigHash.String.
func parseHash(s string) (isg.SigHash, bool) {
	if len(s) != 16 {
		return 0, false
	}
	var v uint64
	for _, ch := range s {
		var d uint64
		switch {
		case ch >= '0' && ch <= '9':
			d = uint64(ch - '0')
		case ch >= 'a' && ch <= 'f':
			d = uint64(ch-'a') + 10
		case ch >= 'A' && ch <= 'F':
			d = uint64(ch-'A') + 10
		default:
			return 0, false
		}
		v = v<<4 | d
	}
	return isg.SigHash(v), true
}
