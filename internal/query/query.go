// Package query answers graph questions: callers, implementers, blast
// radius, dependency cycles, and unreferenced entities.
//
// Every answer carries an explicit completeness verdict. A result is
// complete only when no node it touches has pending edges, no file it
// touches is stale, and no deadline cut the traversal short; anything less
// is reported as partial with the warnings that explain why.
package query

import (
	"context"
	"sort"

	"github.com/sigraph-io/sigraph/internal/discovery"
	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/isg"
)

// Node is one entity in a query result.
type Node struct {
	ID            isg.SigHash    `json:"id"`
	Kind          isg.EntityKind `json:"kind"`
	Name          string         `json:"name"`
	QualifiedPath string         `json:"qualified_path"`
	FilePath      string         `json:"file_path"`
	Span          isg.LineSpan   `json:"span"`
	Signature     string         `json:"signature,omitempty"`

	// Depth is the traversal distance from the query root, 0 for the root.
	Depth int `json:"depth"`

	// Confidence is the weakest edge confidence on the path from the root.
	Confidence isg.Confidence `json:"confidence"`
}

// Result is a query answer with its completeness verdict.
type Result struct {
	Root  *Node  `json:"root,omitempty"`
	Nodes []Node `json:"nodes"`

	// Complete is false when pending edges, stale files, a deadline, or a
	// result cap affected the answer; Warnings carries the reasons.
	Complete  bool          `json:"complete"`
	Truncated bool          `json:"truncated"`
	Warnings  []isg.Warning `json:"warnings,omitempty"`
}

// Service runs queries against one engine.
type Service struct {
	eng *engine.Engine
}

// NewService creates a query service over an engine.
func NewService(eng *engine.Engine) *Service {
	return &Service{eng: eng}
}

// Lookup exposes discovery resolution for ambiguous keys.
func (s *Service) Lookup(key string, limit int) []discovery.Candidate {
	return s.eng.Lookup(key, limit)
}

// Get returns a single entity by key.
func (s *Service) Get(ctx context.Context, key string) (*Result, error) {
	id, err := s.eng.Resolve(key)
	if err != nil {
		return nil, err
	}

	result := &Result{Complete: true}
	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		ent := g.Get(id)
		if ent == nil {
			err = isg.ErrNotFound
			return
		}
		root := nodeOf(ent, 0, isg.ConfidenceExact)
		result.Root = &root
		s.noteStale(g, ent, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Callers returns the entities whose bodies call the given function,
// direct callers only. Inferred method-call matches are included and
// tagged with their confidence.
func (s *Service) Callers(ctx context.Context, key string) (*Result, error) {
	return s.reverseNeighbors(ctx, key, isg.EdgeCalls)
}

// Implementers returns the trait impls registered against a trait.
func (s *Service) Implementers(ctx context.Context, key string) (*Result, error) {
	return s.reverseNeighbors(ctx, key, isg.EdgeImplements)
}

func (s *Service) reverseNeighbors(ctx context.Context, key string, kind isg.EdgeKind) (*Result, error) {
	id, err := s.eng.Resolve(key)
	if err != nil {
		return nil, err
	}

	result := &Result{Complete: true}
	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		ent := g.Get(id)
		if ent == nil {
			err = isg.ErrNotFound
			return
		}
		root := nodeOf(ent, 0, isg.ConfidenceExact)
		result.Root = &root
		s.noteStale(g, ent, result)

		for _, e := range g.NeighborEdges(id, kind, isg.Incoming) {
			src := g.Get(e.SourceID)
			if src == nil {
				continue
			}
			result.Nodes = append(result.Nodes, nodeOf(src, 1, e.Confidence))
			s.noteStale(g, src, result)
		}

		// Unresolved references elsewhere may still name this entity; the
		// caller list could grow once they resolve.
		if g.HasPending(id, isg.Incoming) {
			result.Complete = false
			result.Warnings = append(result.Warnings, isg.Warning{
				Kind:   isg.WarnUnresolvedReference,
				Detail: "pending references may match " + ent.QualifiedPath,
			})
		}
	})
	if err != nil {
		return nil, err
	}

	sortNodes(result.Nodes)
	return result, nil
}

// BlastOptions bounds a blast radius traversal.
type BlastOptions struct {
	// MaxDepth caps traversal depth; 0 means the default of 3.
	MaxDepth int

	// MaxResults caps the result size; 0 means unbounded. Hitting the cap
	// sets Truncated and marks the result partial.
	MaxResults int

	// Kinds restricts which edge kinds propagate impact; empty means
	// calls, uses, implements, and module dependencies.
	Kinds []isg.EdgeKind
}

var defaultBlastKinds = []isg.EdgeKind{
	isg.EdgeCalls, isg.EdgeUses, isg.EdgeImplements, isg.EdgeDependsOnModule,
}

// BlastRadius returns every entity transitively reachable from the given
// one: breadth-first over outgoing edges, so depth 1 is what the root calls,
// uses, or implements directly, depth 2 what those reach, and so on. Each
// node reports its distance from the root and the weakest confidence on its
// path.
func (s *Service) BlastRadius(ctx context.Context, key string, opts BlastOptions) (*Result, error) {
	id, err := s.eng.Resolve(key)
	if err != nil {
		return nil, err
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = defaultBlastKinds
	}

	result := &Result{Complete: true}
	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		ent := g.Get(id)
		if ent == nil {
			err = isg.ErrNotFound
			return
		}
		root := nodeOf(ent, 0, isg.ConfidenceExact)
		result.Root = &root
		s.noteStale(g, ent, result)

		type item struct {
			id         isg.SigHash
			depth      int
			confidence isg.Confidence
		}
		visited := map[isg.SigHash]struct{}{id: {}}
		queue := []item{{id: id, depth: 0, confidence: isg.ConfidenceExact}}

		for len(queue) > 0 {
			if ctx.Err() != nil {
				result.Complete = false
				result.Truncated = true
				result.Warnings = append(result.Warnings, isg.Warning{
					Kind:   isg.WarnTimeoutExceeded,
					Detail: "traversal stopped at deadline; results are partial",
				})
				return
			}

			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= maxDepth {
				continue
			}

			if g.HasPending(cur.id, isg.Outgoing) {
				result.Complete = false
				if curEnt := g.Get(cur.id); curEnt != nil {
					result.Warnings = append(result.Warnings, isg.Warning{
						Kind:   isg.WarnUnresolvedReference,
						Detail: "unresolved references from " + curEnt.QualifiedPath + " may extend the radius",
					})
				}
			}

			for _, kind := range kinds {
				for _, e := range g.NeighborEdges(cur.id, kind, isg.Outgoing) {
					if _, seen := visited[e.TargetID]; seen {
						continue
					}
					tgt := g.Get(e.TargetID)
					if tgt == nil {
						continue
					}
					visited[e.TargetID] = struct{}{}

					confidence := cur.confidence
					if e.Confidence == isg.ConfidenceInferred {
						confidence = isg.ConfidenceInferred
					}

					result.Nodes = append(result.Nodes, nodeOf(tgt, cur.depth+1, confidence))
					s.noteStale(g, tgt, result)

					if opts.MaxResults > 0 && len(result.Nodes) >= opts.MaxResults {
						result.Complete = false
						result.Truncated = true
						return
					}
					queue = append(queue, item{id: e.TargetID, depth: cur.depth + 1, confidence: confidence})
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result.Nodes, func(i, j int) bool {
		if result.Nodes[i].Depth != result.Nodes[j].Depth {
			return result.Nodes[i].Depth < result.Nodes[j].Depth
		}
		return result.Nodes[i].QualifiedPath < result.Nodes[j].QualifiedPath
	})
	return result, nil
}

// Cycle is one dependency cycle, listed in traversal order starting from
// its lexicographically smallest member.
type Cycle struct {
	Members []Node `json:"members"`
}

// CyclesResult lists dependency cycles with the usual completeness verdict.
type CyclesResult struct {
	Cycles    []Cycle       `json:"cycles"`
	Complete  bool          `json:"complete"`
	Truncated bool          `json:"truncated"`
	Warnings  []isg.Warning `json:"warnings,omitempty"`
}

// Cycles detects module dependency cycles with an iterative DFS over
// depends-on-module edges. Each distinct cycle is reported once.
func (s *Service) Cycles(ctx context.Context) (*CyclesResult, error) {
	result := &CyclesResult{Complete: true}

	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		modules := make([]*isg.Entity, 0)
		for _, ent := range g.Entities() {
			if ent.Kind == isg.KindModule {
				modules = append(modules, ent)
			}
		}
		sort.Slice(modules, func(i, j int) bool {
			return modules[i].QualifiedPath < modules[j].QualifiedPath
		})

		const (
			white = 0
			gray  = 1
			black = 2
		)
		color := make(map[isg.SigHash]int)
		seenCycles := make(map[string]struct{})

		var stack []isg.SigHash
		onStack := make(map[isg.SigHash]int)

		// DFS with an explicit frame stack so a long dependency chain costs
		// heap, not goroutine stack.
		type frame struct {
			id        isg.SigHash
			neighbors []isg.SigHash
			next      int
		}
		push := func(frames []frame, id isg.SigHash) []frame {
			color[id] = gray
			onStack[id] = len(stack)
			stack = append(stack, id)
			return append(frames, frame{
				id:        id,
				neighbors: g.Neighbors(id, isg.EdgeDependsOnModule, isg.Outgoing),
			})
		}

		visit := func(root isg.SigHash) {
			frames := push(nil, root)
			for len(frames) > 0 {
				if ctx.Err() != nil {
					return
				}
				f := &frames[len(frames)-1]
				if f.next >= len(f.neighbors) {
					stack = stack[:len(stack)-1]
					delete(onStack, f.id)
					color[f.id] = black
					frames = frames[:len(frames)-1]
					continue
				}
				next := f.neighbors[f.next]
				f.next++
				switch color[next] {
				case white:
					frames = push(frames, next)
				case gray:
					// Back edge: the cycle is the stack suffix from next.
					cyc := append([]isg.SigHash(nil), stack[onStack[next]:]...)
					if key := canonicalCycleKey(g, cyc); key != "" {
						if _, dup := seenCycles[key]; !dup {
							seenCycles[key] = struct{}{}
							result.Cycles = append(result.Cycles, buildCycle(g, cyc))
						}
					}
				}
			}
		}

		for _, mod := range modules {
			if ctx.Err() != nil {
				result.Complete = false
				result.Truncated = true
				result.Warnings = append(result.Warnings, isg.Warning{
					Kind:   isg.WarnTimeoutExceeded,
					Detail: "cycle detection stopped at deadline; results are partial",
				})
				return
			}
			if color[mod.ID] == white {
				visit(mod.ID)
			}
			if g.IsStale(mod.FilePath) {
				result.Complete = false
			}
		}

		if ctx.Err() != nil {
			result.Complete = false
			result.Truncated = true
		}
	})

	sort.Slice(result.Cycles, func(i, j int) bool {
		return result.Cycles[i].Members[0].QualifiedPath < result.Cycles[j].Members[0].QualifiedPath
	})
	return result, nil
}

// Unreferenced returns functions, structs, enums, and traits with no
// resolved incoming call, use, or implements edge. Pending edges that could
// still name an entity keep it out of the list.
func (s *Service) Unreferenced(ctx context.Context) (*Result, error) {
	result := &Result{Complete: true}

	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		for _, ent := range g.Entities() {
			switch ent.Kind {
			case isg.KindFunction, isg.KindStruct, isg.KindEnum, isg.KindTrait:
			default:
				continue
			}
			if ent.Name == "main" {
				continue
			}

			referenced := false
			for _, kind := range []isg.EdgeKind{isg.EdgeCalls, isg.EdgeUses, isg.EdgeImplements} {
				if len(g.Neighbors(ent.ID, kind, isg.Incoming)) > 0 {
					referenced = true
					break
				}
			}
			if referenced || g.HasPending(ent.ID, isg.Incoming) {
				continue
			}

			result.Nodes = append(result.Nodes, nodeOf(ent, 0, isg.ConfidenceExact))
			s.noteStale(g, ent, result)
		}
	})

	sortNodes(result.Nodes)
	return result, nil
}

func nodeOf(ent *isg.Entity, depth int, confidence isg.Confidence) Node {
	return Node{
		ID:            ent.ID,
		Kind:          ent.Kind,
		Name:          ent.Name,
		QualifiedPath: ent.QualifiedPath,
		FilePath:      ent.FilePath,
		Span:          ent.Span,
		Signature:     ent.Signature,
		Depth:         depth,
		Confidence:    confidence,
	}
}

// noteStale marks a result partial when it includes an entity answered from
// a stale file, warning once per file.
func (s *Service) noteStale(g *isg.Graph, ent *isg.Entity, result *Result) {
	if !g.IsStale(ent.FilePath) {
		return
	}
	result.Complete = false
	for _, w := range result.Warnings {
		if w.Kind == isg.WarnStaleEntity && w.Detail == staleDetail(ent.FilePath) {
			return
		}
	}
	result.Warnings = append(result.Warnings, isg.Warning{
		Kind:   isg.WarnStaleEntity,
		Detail: staleDetail(ent.FilePath),
	})
}

func staleDetail(filePath string) string {
	return filePath + " failed its last parse; answers use its last-good content"
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].QualifiedPath < nodes[j].QualifiedPath
	})
}

// canonicalCycleKey rotates a cycle to start at its smallest member so the
// same cycle found from different entry points deduplicates.
func canonicalCycleKey(g *isg.Graph, ids []isg.SigHash) string {
	if len(ids) == 0 {
		return ""
	}
	start := 0
	for i := range ids {
		a, b := g.Get(ids[i]), g.Get(ids[start])
		if a == nil || b == nil {
			return ""
		}
		if a.QualifiedPath < b.QualifiedPath {
			start = i
		}
	}
	key := ""
	for i := range ids {
		ent := g.Get(ids[(start+i)%len(ids)])
		key += ent.QualifiedPath + "->"
	}
	return key
}

func buildCycle(g *isg.Graph, ids []isg.SigHash) Cycle {
	start := 0
	for i := range ids {
		if g.Get(ids[i]).QualifiedPath < g.Get(ids[start]).QualifiedPath {
			start = i
		}
	}
	var cyc Cycle
	for i := range ids {
		ent := g.Get(ids[(start+i)%len(ids)])
		cyc.Members = append(cyc.Members, nodeOf(ent, i, isg.ConfidenceExact))
	}
	return cyc
}
