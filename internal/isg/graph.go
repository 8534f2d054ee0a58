// Package isg provides the in-memory interface signature graph for sigraph.
//
// The graph is a map-backed store of Entity nodes keyed by SigHash with
// adjacency lists in both directions. Secondary indexes on qualified path,
// short name, and owning file keep lookups and per-file removal proportional
// to the result set rather than the total graph size.
package isg

import (
	"fmt"
	"strings"
	"sync"
)

// Graph is the in-memory directed graph of program entities and their
// relationships for one workspace.
//
// Nodes are keyed uniquely by SigHash; structurally identical edges collapse
// to one. Edges whose target has not been ingested are held as pending and
// resolved opportunistically as entities arrive. The graph may legitimately
// contain cycles; cycle detection is a query, not a structural constraint.
//
// All methods are safe for concurrent use: many readers, serialized writers.
// A Graph is an ordinary value owned by its caller, so independent instances
// can coexist in tests and daemons.
type Graph struct {
	mu       sync.RWMutex
	entities map[SigHash]*Entity
	edges    map[string]*Edge

	// Secondary indexes, kept in sync by the add/remove helpers.
	byQualified map[string]SigHash
	byName      map[string]map[SigHash]struct{}
	byFile      map[string]map[SigHash]struct{}
	edgesByFile map[string]map[string]struct{}
	outgoing    map[SigHash]map[string]*Edge
	incoming    map[SigHash]map[string]*Edge

	// pendingByKey maps unresolved target keys to the pending edges waiting
	// on them. edgeGen records the ingestion pass each edge was seen in, so
	// pending edges that outlive a full pass can be swept.
	pendingByKey map[string]map[string]*Edge
	edgeGen      map[string]uint64
	gen          uint64

	// staleFiles tracks files whose latest content failed to parse; their
	// last-good entities remain and answers touching them carry a warning.
	staleFiles map[string]struct{}
}

// NewGraph creates an empty interface signature graph.
func NewGraph() *Graph {
	return &Graph{
		entities:     make(map[SigHash]*Entity),
		edges:        make(map[string]*Edge),
		byQualified:  make(map[string]SigHash),
		byName:       make(map[string]map[SigHash]struct{}),
		byFile:       make(map[string]map[SigHash]struct{}),
		edgesByFile:  make(map[string]map[string]struct{}),
		outgoing:     make(map[SigHash]map[string]*Edge),
		incoming:     make(map[SigHash]map[string]*Edge),
		pendingByKey: make(map[string]map[string]*Edge),
		edgeGen:      make(map[string]uint64),
		staleFiles:   make(map[string]struct{}),
	}
}

// EntityCount returns the number of entities without list materialization.
func (g *Graph) EntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// EdgeCount returns the number of edges, pending included.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// PendingCount returns the number of edges still awaiting target resolution.
func (g *Graph) PendingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, waiting := range g.pendingByKey {
		n += len(waiting)
	}
	return n
}

// Get returns the entity with the given id, or nil if it does not exist.
func (g *Graph) Get(id SigHash) *Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entities[id]
}

// GetByQualified returns the entity with the given qualified path, or nil.
func (g *Graph) GetByQualified(qpath string) *Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.byQualified[qpath]; ok {
		return g.entities[id]
	}
	return nil
}

// UpsertEntities inserts entities, replacing any with the same id. Pending
// edges waiting on a new entity's qualified path or short name are resolved
// in the same step. Idempotent.
func (g *Graph) UpsertEntities(entities []*Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ent := range entities {
		g.upsertEntityLocked(ent)
	}
}

// UpsertEdges inserts edges, collapsing structural duplicates. Edges with an
// unresolved target are recorded as pending; if the target key already names
// a known entity, the edge resolves immediately. Idempotent.
func (g *Graph) UpsertEdges(edges []*Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range edges {
		g.upsertEdgeLocked(e)
	}
}

// EntitiesForFile returns the ids of all entities owned by the given file.
// The incremental updater snapshots this set before re-ingesting the file.
func (g *Graph) EntitiesForFile(filePath string) []SigHash {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]SigHash, 0, len(g.byFile[filePath]))
	for id := range g.byFile[filePath] {
		ids = append(ids, id)
	}
	return ids
}

// RemoveFile removes every entity and edge owned by the file. Edges from
// other files that targeted a removed entity are demoted back to pending
// (keyed on the removed entity's qualified path) rather than left dangling.
// Returns the number of entities removed.
func (g *Graph) RemoveFile(filePath string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeFileLocked(filePath)
}

// Neighbors returns the ids adjacent to id over resolved edges of the given
// kind. An empty kind matches all edge kinds.
func (g *Graph) Neighbors(id SigHash, kind EdgeKind, dir Direction) []SigHash {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := g.outgoing[id]
	if dir == Incoming {
		adj = g.incoming[id]
	}

	ids := make([]SigHash, 0, len(adj))
	for _, e := range adj {
		if e.Pending() {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if dir == Incoming {
			ids = append(ids, e.SourceID)
		} else {
			ids = append(ids, e.TargetID)
		}
	}
	return ids
}

// NeighborEdges returns the resolved edges adjacent to id, for callers that
// need confidence tags and citation lines alongside the neighbor ids.
func (g *Graph) NeighborEdges(id SigHash, kind EdgeKind, dir Direction) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := g.outgoing[id]
	if dir == Incoming {
		adj = g.incoming[id]
	}

	edges := make([]*Edge, 0, len(adj))
	for _, e := range adj {
		if e.Pending() {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		edges = append(edges, e)
	}
	return edges
}

// HasPending reports whether id has any pending edge in the given direction.
// Query results touching such nodes are flagged as incomplete.
func (g *Graph) HasPending(id SigHash, dir Direction) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if dir == Outgoing {
		for _, e := range g.outgoing[id] {
			if e.Pending() {
				return true
			}
		}
		return false
	}
	// Pending edges are not indexed under a target id; an incoming check asks
	// whether anything still waits on this node's qualified path or name.
	ent := g.entities[id]
	if ent == nil {
		return false
	}
	if len(g.pendingByKey[ent.QualifiedPath]) > 0 {
		return true
	}
	return len(g.pendingByKey[ent.Name]) > 0
}

// MarkStale records that the file's latest content failed to parse and its
// last-good entities are being served. MarkFresh clears the flag after a
// successful re-ingestion.
func (g *Graph) MarkStale(filePath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.staleFiles[filePath] = struct{}{}
}

// MarkFresh clears the stale flag for a file.
func (g *Graph) MarkFresh(filePath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.staleFiles, filePath)
}

// IsStale reports whether the file is currently answered from last-good content.
func (g *Graph) IsStale(filePath string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.staleFiles[filePath]
	return ok
}

// BeginPass marks the start of a full ingestion pass. SweepPending drops
// pending edges recorded before the current pass and returns one warning per
// dropped edge.
func (g *Graph) BeginPass() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
}

// TouchFile refreshes the pass generation of every edge recorded from the
// file. Callers that skip re-extraction of unchanged files use this so the
// sweep does not mistake their pending edges for leftovers.
func (g *Graph) TouchFile(filePath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.edgesByFile[filePath] {
		g.edgeGen[key] = g.gen
	}
}

// SweepPending drops pending edges older than the current ingestion pass.
func (g *Graph) SweepPending() []Warning {
	g.mu.Lock()
	defer g.mu.Unlock()

	var warnings []Warning
	for key, waiting := range g.pendingByKey {
		for edgeKey, e := range waiting {
			if g.edgeGen[edgeKey] >= g.gen {
				continue
			}
			g.deleteEdgeLocked(e)
			warnings = append(warnings, Warning{
				Kind:   WarnUnresolvedReference,
				Detail: fmt.Sprintf("%s edge from %s to unresolved %q dropped (%s:%d)", e.Kind, e.SourceID, key, e.FilePath, e.Line),
			})
		}
	}
	return warnings
}

// CheckIntegrity verifies the structural invariants: every non-pending edge
// references two present entities. A violation is fatal; the caller must
// rebuild from source rather than trust a partially valid graph.
func (g *Graph) CheckIntegrity() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, e := range g.edges {
		if e.Pending() {
			continue
		}
		if _, ok := g.entities[e.SourceID]; !ok {
			return &GraphCorruptionError{Detail: fmt.Sprintf("edge %s has dangling source %s", e.Key(), e.SourceID)}
		}
		if _, ok := g.entities[e.TargetID]; !ok {
			return &GraphCorruptionError{Detail: fmt.Sprintf("edge %s has dangling target %s", e.Key(), e.TargetID)}
		}
	}
	return nil
}

// Entities returns a snapshot of all entities, for persistence and rebuilds.
func (g *Graph) Entities() []*Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Entity, 0, len(g.entities))
	for _, ent := range g.entities {
		out = append(out, ent)
	}
	return out
}

// Edges returns a snapshot of all edges, pending included.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	return out
}

// Stats returns a summary of graph size.
func (g *Graph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pending := 0
	for _, waiting := range g.pendingByKey {
		pending += len(waiting)
	}
	return map[string]int{
		"entities":      len(g.entities),
		"edges":         len(g.edges),
		"pending_edges": pending,
	}
}

// Locked helpers. All must be called with the write lock held.

func (g *Graph) upsertEntityLocked(ent *Entity) {
	if old, ok := g.entities[ent.ID]; ok {
		// Same id, possibly relocated declaration; refresh file index.
		if old.FilePath != ent.FilePath {
			delete(g.byFile[old.FilePath], ent.ID)
		}
		if old.Name != ent.Name {
			delete(g.byName[old.Name], ent.ID)
		}
	}

	g.entities[ent.ID] = ent
	g.byQualified[ent.QualifiedPath] = ent.ID

	if g.byName[ent.Name] == nil {
		g.byName[ent.Name] = make(map[SigHash]struct{})
	}
	g.byName[ent.Name][ent.ID] = struct{}{}

	if g.byFile[ent.FilePath] == nil {
		g.byFile[ent.FilePath] = make(map[SigHash]struct{})
	}
	g.byFile[ent.FilePath][ent.ID] = struct{}{}

	g.resolvePendingLocked(ent.QualifiedPath, ent.ID, false)
	g.resolvePendingLocked(ent.Name, ent.ID, true)
}

func (g *Graph) upsertEdgeLocked(e *Edge) {
	if e.Pending() {
		// Opportunistic resolution at insert time: the target may already be
		// known under its qualified path or short name.
		if id, ok := g.byQualified[e.TargetKey]; ok {
			e.TargetID = id
			e.TargetKey = ""
		} else if ids, ok := g.byName[e.TargetKey]; ok && len(ids) > 0 {
			for id := range ids {
				e.TargetID = id
				break
			}
			e.TargetKey = ""
			e.Confidence = ConfidenceInferred
		}
	}

	key := e.Key()
	if _, ok := g.edges[key]; ok {
		g.edgeGen[key] = g.gen
		return
	}

	g.edges[key] = e
	g.edgeGen[key] = g.gen

	if g.edgesByFile[e.FilePath] == nil {
		g.edgesByFile[e.FilePath] = make(map[string]struct{})
	}
	g.edgesByFile[e.FilePath][key] = struct{}{}

	if g.outgoing[e.SourceID] == nil {
		g.outgoing[e.SourceID] = make(map[string]*Edge)
	}
	g.outgoing[e.SourceID][key] = e

	if e.Pending() {
		if g.pendingByKey[e.TargetKey] == nil {
			g.pendingByKey[e.TargetKey] = make(map[string]*Edge)
		}
		g.pendingByKey[e.TargetKey][key] = e
		return
	}

	if g.incoming[e.TargetID] == nil {
		g.incoming[e.TargetID] = make(map[string]*Edge)
	}
	g.incoming[e.TargetID][key] = e
}

// resolvePendingLocked promotes pending edges waiting on key to the entity id.
// Name-keyed matches are resolved with Inferred confidence.
func (g *Graph) resolvePendingLocked(key string, id SigHash, inferred bool) {
	waiting, ok := g.pendingByKey[key]
	if !ok {
		return
	}
	delete(g.pendingByKey, key)

	for oldKey, e := range waiting {
		delete(g.edges, oldKey)
		delete(g.outgoing[e.SourceID], oldKey)
		delete(g.edgesByFile[e.FilePath], oldKey)
		gen := g.edgeGen[oldKey]
		delete(g.edgeGen, oldKey)

		e.TargetID = id
		e.TargetKey = ""
		if inferred {
			e.Confidence = ConfidenceInferred
		}

		newKey := e.Key()
		g.edges[newKey] = e
		g.edgeGen[newKey] = gen
		if g.edgesByFile[e.FilePath] == nil {
			g.edgesByFile[e.FilePath] = make(map[string]struct{})
		}
		g.edgesByFile[e.FilePath][newKey] = struct{}{}
		if g.outgoing[e.SourceID] == nil {
			g.outgoing[e.SourceID] = make(map[string]*Edge)
		}
		g.outgoing[e.SourceID][newKey] = e
		if g.incoming[id] == nil {
			g.incoming[id] = make(map[string]*Edge)
		}
		g.incoming[id][newKey] = e
	}
}

func (g *Graph) removeFileLocked(filePath string) int {
	// Drop edges owned by the file first.
	for key := range g.edgesByFile[filePath] {
		if e, ok := g.edges[key]; ok {
			g.deleteEdgeLocked(e)
		}
	}
	delete(g.edgesByFile, filePath)

	ids := g.byFile[filePath]
	if len(ids) == 0 {
		delete(g.byFile, filePath)
		delete(g.staleFiles, filePath)
		return 0
	}

	removed := 0
	for id := range ids {
		ent := g.entities[id]
		if ent == nil {
			continue
		}
		g.detachEntityLocked(ent)
		removed++
	}

	delete(g.byFile, filePath)
	delete(g.staleFiles, filePath)
	return removed
}

// detachEntityLocked removes one entity: its outgoing edges are deleted and
// incoming edges from surviving files are demoted to pending on its
// qualified path, preserving the no-dangling-edge invariant.
func (g *Graph) detachEntityLocked(ent *Entity) {
	delete(g.entities, ent.ID)
	if g.byQualified[ent.QualifiedPath] == ent.ID {
		delete(g.byQualified, ent.QualifiedPath)
	}
	delete(g.byName[ent.Name], ent.ID)
	if len(g.byName[ent.Name]) == 0 {
		delete(g.byName, ent.Name)
	}

	for _, e := range g.outgoing[ent.ID] {
		g.deleteEdgeLocked(e)
	}
	delete(g.outgoing, ent.ID)

	for _, e := range g.incoming[ent.ID] {
		g.demoteEdgeLocked(e, ent.QualifiedPath)
	}
	delete(g.incoming, ent.ID)
}

func (g *Graph) deleteEdgeLocked(e *Edge) {
	key := e.Key()
	delete(g.edges, key)
	delete(g.edgeGen, key)
	delete(g.outgoing[e.SourceID], key)
	if e.Pending() {
		delete(g.pendingByKey[e.TargetKey], key)
		if len(g.pendingByKey[e.TargetKey]) == 0 {
			delete(g.pendingByKey, e.TargetKey)
		}
	} else {
		delete(g.incoming[e.TargetID], key)
	}
	if byFile, ok := g.edgesByFile[e.FilePath]; ok {
		delete(byFile, key)
	}
}

// demoteEdgeLocked converts a resolved edge back to pending on targetKey.
func (g *Graph) demoteEdgeLocked(e *Edge, targetKey string) {
	oldKey := e.Key()
	gen := g.edgeGen[oldKey]
	delete(g.edges, oldKey)
	delete(g.edgeGen, oldKey)
	delete(g.outgoing[e.SourceID], oldKey)
	if byFile, ok := g.edgesByFile[e.FilePath]; ok {
		delete(byFile, oldKey)
	}

	e.TargetID = 0
	e.TargetKey = targetKey

	newKey := e.Key()
	g.edges[newKey] = e
	g.edgeGen[newKey] = gen
	g.outgoing[e.SourceID][newKey] = e
	if g.edgesByFile[e.FilePath] == nil {
		g.edgesByFile[e.FilePath] = make(map[string]struct{})
	}
	g.edgesByFile[e.FilePath][newKey] = struct{}{}
	if g.pendingByKey[targetKey] == nil {
		g.pendingByKey[targetKey] = make(map[string]*Edge)
	}
	g.pendingByKey[targetKey][newKey] = e
}

// LookupByName returns the ids of all entities with the given short name.
func (g *Graph) LookupByName(name string) []SigHash {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]SigHash, 0, len(g.byName[name]))
	for id := range g.byName[name] {
		ids = append(ids, id)
	}
	return ids
}

// ModuleOf returns the qualified path prefix of an entity, its containing
// module path, or "" for top-level entities.
func ModuleOf(ent *Entity) string {
	if idx := strings.LastIndex(ent.QualifiedPath, "::"); idx >= 0 {
		return ent.QualifiedPath[:idx]
	}
	return ""
}
