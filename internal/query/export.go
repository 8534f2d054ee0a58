package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/sigraph-io/sigraph/internal/discovery"
	"github.com/sigraph-io/sigraph/internal/isg"
)

// Citation points a statement at the source that backs it.
type Citation struct {
	FilePath string       `json:"file_path"`
	Span     isg.LineSpan `json:"span"`
}

// ContextEntry is one related entity inside a context bundle.
type ContextEntry struct {
	Relation   string         `json:"relation"`
	Node       Node           `json:"node"`
	Confidence isg.Confidence `json:"confidence"`
	Citation   Citation       `json:"citation"`
}

// ContextBundle is an exportable digest of one entity and its graph
// neighborhood, every line citable back to source.
type ContextBundle struct {
	Root     Node           `json:"root"`
	Module   string         `json:"module"`
	Entries  []ContextEntry `json:"entries"`
	Complete bool           `json:"complete"`
	Warnings []isg.Warning  `json:"warnings,omitempty"`
}

// Context assembles the export bundle for an entity: its definition, its
// containment chain, and its direct callers, callees, implementers, and
// used types.
func (s *Service) Context(ctx context.Context, key string) (*ContextBundle, error) {
	id, err := s.eng.Resolve(key)
	if err != nil {
		return nil, err
	}

	bundle := &ContextBundle{Complete: true}
	result := &Result{Complete: true} // reuse stale bookkeeping

	s.eng.View(func(g *isg.Graph, _ *discovery.Index) {
		ent := g.Get(id)
		if ent == nil {
			err = isg.ErrNotFound
			return
		}
		bundle.Root = nodeOf(ent, 0, isg.ConfidenceExact)
		bundle.Module = isg.ModuleOf(ent)
		s.noteStale(g, ent, result)

		collect := func(relation string, kind isg.EdgeKind, dir isg.Direction) {
			for _, e := range g.NeighborEdges(id, kind, dir) {
				otherID := e.TargetID
				if dir == isg.Incoming {
					otherID = e.SourceID
				}
				other := g.Get(otherID)
				if other == nil {
					continue
				}
				bundle.Entries = append(bundle.Entries, ContextEntry{
					Relation:   relation,
					Node:       nodeOf(other, 1, e.Confidence),
					Confidence: e.Confidence,
					Citation:   Citation{FilePath: e.FilePath, Span: isg.LineSpan{Start: e.Line, End: e.Line}},
				})
				s.noteStale(g, other, result)
			}
		}

		collect("contained-in", isg.EdgeContains, isg.Incoming)
		collect("contains", isg.EdgeContains, isg.Outgoing)
		collect("calls", isg.EdgeCalls, isg.Outgoing)
		collect("called-by", isg.EdgeCalls, isg.Incoming)
		collect("implements", isg.EdgeImplements, isg.Outgoing)
		collect("implemented-by", isg.EdgeImplements, isg.Incoming)
		collect("uses", isg.EdgeUses, isg.Outgoing)

		if g.HasPending(id, isg.Outgoing) || g.HasPending(id, isg.Incoming) {
			result.Complete = false
			result.Warnings = append(result.Warnings, isg.Warning{
				Kind:   isg.WarnUnresolvedReference,
				Detail: "unresolved references touch " + ent.QualifiedPath + "; context may be incomplete",
			})
		}
	})
	if err != nil {
		return nil, err
	}

	bundle.Complete = result.Complete
	bundle.Warnings = result.Warnings
	return bundle, nil
}

// Markdown renders a bundle as a compact document for feeding to a language
// model or a human, one cited line per fact.
func (b *ContextBundle) Markdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", b.Root.QualifiedPath)
	fmt.Fprintf(&sb, "- kind: %s\n", b.Root.Kind)
	if b.Module != "" {
		fmt.Fprintf(&sb, "- module: %s\n", b.Module)
	}
	if b.Root.Signature != "" {
		fmt.Fprintf(&sb, "- signature: `%s`\n", b.Root.Signature)
	}
	fmt.Fprintf(&sb, "- defined: %s\n", citeString(Citation{FilePath: b.Root.FilePath, Span: b.Root.Span}))

	byRelation := make(map[string][]ContextEntry)
	order := []string{}
	for _, entry := range b.Entries {
		if _, seen := byRelation[entry.Relation]; !seen {
			order = append(order, entry.Relation)
		}
		byRelation[entry.Relation] = append(byRelation[entry.Relation], entry)
	}

	for _, relation := range order {
		fmt.Fprintf(&sb, "\n## %s\n\n", relation)
		for _, entry := range byRelation[relation] {
			line := fmt.Sprintf("- %s (%s)", entry.Node.QualifiedPath, citeString(entry.Citation))
			if entry.Confidence == isg.ConfidenceInferred {
				line += " [inferred]"
			}
			sb.WriteString(line + "\n")
		}
	}

	if !b.Complete {
		sb.WriteString("\n## caveats\n\n")
		for _, w := range b.Warnings {
			fmt.Fprintf(&sb, "- %s: %s\n", w.Kind, w.Detail)
		}
	}

	return sb.String()
}

func citeString(c Citation) string {
	if c.Span.Start == c.Span.End || c.Span.End == 0 {
		return fmt.Sprintf("%s:%d", c.FilePath, c.Span.Start)
	}
	return fmt.Sprintf("%s:%d-%d", c.FilePath, c.Span.Start, c.Span.End)
}
