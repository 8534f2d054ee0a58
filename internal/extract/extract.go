// Package extract turns one source file into a normalized list of entity
// declarations and intra-file reference sites.
//
// Extraction is pure and file-scoped: no extractor state survives a call, and
// nothing outside the given file is consulted. Cross-file target resolution
// happens later in the graph, where references that cannot be resolved yet
// are held as pending edges.
package extract

import "github.com/sigraph-io/sigraph/internal/isg"

// Decl is one top-level or nested declaration found in a file.
type Decl struct {
	// Name is the short declared name. For trait impls it is the synthetic
	// "Type as Trait" form.
	Name string

	// Kind is the entity kind.
	Kind isg.EntityKind

	// QualifiedPath is the module-qualified path within the crate.
	QualifiedPath string

	// Span is the declaration's 1-based inclusive line range.
	Span isg.LineSpan

	// Visibility at the declaration site.
	Visibility isg.Visibility

	// Signature is the declaration shape: parameters, return type, generic
	// parameters and bounds, with bodies omitted.
	Signature string

	// GenericParams holds declared generic parameters with bounds.
	GenericParams []string

	// TraitPath and TypePath identify the two sides of a trait impl.
	TraitPath string
	TypePath  string
}

// RefKind classifies a reference site.
type RefKind string

const (
	// RefCall is a function or method call site.
	RefCall RefKind = "call"

	// RefUses is a type or item usage (fields, use declarations).
	RefUses RefKind = "uses"

	// RefModuleDep is a module-level dependency from a use declaration.
	RefModuleDep RefKind = "module_dep"

	// RefImplements is the impl-of-trait relationship.
	RefImplements RefKind = "implements"
)

// Ref is one reference site inside a declaration body.
type Ref struct {
	Kind RefKind

	// SourcePath is the qualified path of the declaration containing the site.
	SourcePath string

	// TargetKey is what the source text names: a fully qualified path when
	// the site was path-qualified or import-resolved, otherwise a short name.
	TargetKey string

	// Line is the reference site line.
	Line int

	// Confidence is Exact for statically resolved paths and Inferred for
	// name-only matches such as method calls through dynamic dispatch.
	Confidence isg.Confidence
}

// FileFacts is everything extracted from one file.
type FileFacts struct {
	// FilePath is the workspace-relative path.
	FilePath string

	// ModulePath is the crate-relative module path of the file itself.
	ModulePath string

	// Decls are the declarations, modules included, in source order.
	Decls []Decl

	// Refs are the reference sites found in declaration bodies.
	Refs []Ref
}

// Extractor parses one source language.
type Extractor interface {
	// Extract parses source text. It returns *isg.ParseError for
	// syntactically invalid input and must not panic; the caller keeps the
	// previous version of the file's entities on failure.
	Extract(filePath string, src []byte) (*FileFacts, error)

	// Language returns the language this extractor handles.
	Language() string
}

// ForPath returns the extractor responsible for a file path, or nil for
// unsupported file types.
func ForPath(path string) Extractor {
	if hasRustExt(path) {
		return NewRustExtractor()
	}
	return nil
}
