// Package isg provides the interface signature graph data model for sigraph.
//
// It defines the entity and relationship types that represent program
// constructs (functions, structs, enums, traits, impls, modules, constants)
// and the typed, directed edges between them (calls, contains, implements,
// uses, module dependencies).
package isg

import "fmt"

// SigHash is the deterministic identity of an entity, derived from its
// normalized signature. It is a pure function of semantic content: two
// declarations with the same qualified path, kind, and signature shape share
// a hash regardless of where in the workspace they live.
type SigHash uint64

// String renders the hash in the fixed-width hex form used in output and keys.
func (h SigHash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// EntityKind represents the kind of a graph entity.
type EntityKind string

const (
	KindFunction  EntityKind = "function"
	KindStruct    EntityKind = "struct"
	KindEnum      EntityKind = "enum"
	KindTrait     EntityKind = "trait"
	KindTraitImpl EntityKind = "trait_impl"
	KindModule    EntityKind = "module"
	KindConstant  EntityKind = "constant"
)

// EdgeKind represents the type of relationship between entities.
type EdgeKind string

const (
	EdgeCalls           EdgeKind = "calls"
	EdgeContains        EdgeKind = "contains"
	EdgeImplements      EdgeKind = "implements"
	EdgeUses            EdgeKind = "uses"
	EdgeDependsOnModule EdgeKind = "depends_on_module"
)

// Confidence tags how an edge target was resolved. Statically resolved
// targets are Exact; method calls and other dynamic-dispatch sites that were
// matched by name only are Inferred, and downstream consumers decide how to
// treat them.
type Confidence string

const (
	ConfidenceExact    Confidence = "exact"
	ConfidenceInferred Confidence = "inferred"
)

// Visibility of an entity at its declaration site.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityCrate   Visibility = "crate"
	VisibilityPrivate Visibility = "private"
)

// LineSpan is a 1-based inclusive line range within a file.
type LineSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is a node in the interface signature graph.
type Entity struct {
	// ID is the signature hash; the unique node key.
	ID SigHash `json:"id"`

	// Kind is the entity kind.
	Kind EntityKind `json:"kind"`

	// Name is the short declared name.
	Name string `json:"name"`

	// QualifiedPath is the module-qualified path, e.g. "net::server::listen".
	QualifiedPath string `json:"qualified_path"`

	// FilePath is the workspace-relative path of the owning file.
	FilePath string `json:"file_path"`

	// Span is the declaration's line range in the owning file.
	Span LineSpan `json:"span"`

	// Visibility of the declaration.
	Visibility Visibility `json:"visibility"`

	// Signature is the normalized declaration shape used for identity.
	Signature string `json:"signature"`

	// Stale marks an entity answered from last-good content after a failed
	// re-ingestion of its file.
	Stale bool `json:"stale,omitempty"`
}

// Edge is a directed, typed relationship between two entity ids.
//
// An edge whose target has not been ingested yet is pending: TargetID is zero
// and TargetKey holds the reference the extractor saw. Pending edges are
// resolved opportunistically as more files arrive, and dropped with a
// diagnostic if they outlive a full ingestion pass.
type Edge struct {
	Kind     EdgeKind `json:"kind"`
	SourceID SigHash  `json:"source_id"`
	TargetID SigHash  `json:"target_id"`

	// TargetKey is the unresolved reference text for pending edges.
	TargetKey string `json:"target_key,omitempty"`

	// Confidence of target resolution.
	Confidence Confidence `json:"confidence"`

	// FilePath is the owning file (the file whose ingestion produced the edge).
	FilePath string `json:"file_path"`

	// Line is the reference site line, for citations.
	Line int `json:"line,omitempty"`
}

// Pending reports whether the edge still awaits target resolution.
func (e *Edge) Pending() bool {
	return e.TargetID == 0
}

// Key returns a stable dedup key for the edge. Two structurally identical
// edges collapse to one.
func (e *Edge) Key() string {
	if e.Pending() {
		return fmt.Sprintf("%s|%s|?%s", e.SourceID, e.Kind, e.TargetKey)
	}
	return fmt.Sprintf("%s|%s|%s", e.SourceID, e.Kind, e.TargetID)
}

// Direction selects adjacency orientation for neighbor iteration.
type Direction int

const (
	// Outgoing follows edges from source to target.
	Outgoing Direction = iota
	// Incoming follows edges from target back to source.
	Incoming
)
