package extract

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sigraph-io/sigraph/internal/isg"
)

// RustExtractor scans Rust source with a line-oriented tokenizer and item
// regexes. It captures all top-level declarations, impl-of-trait
// relationships, direct call sites, and module containment.
//
// Known-incomplete cases, by design of a single-file scanner: call targets
// behind dynamic dispatch are reported with Inferred confidence only, and
// entities introduced purely by macro expansion are a best-effort capture
// (derive/attribute macros are not expanded).
type RustExtractor struct{}

// NewRustExtractor creates a new Rust extractor.
func NewRustExtractor() *RustExtractor {
	return &RustExtractor{}
}

// Language returns the language this extractor handles.
func (e *RustExtractor) Language() string {
	return "rust"
}

var (
	fnRe     = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?(?:default\s+)?(?:const\s+)?(?:async\s+)?(?:unsafe\s+)?(?:extern\s+"[^"]*"\s+)?fn\s+([A-Za-z_]\w*)\s*(<[^>]*>)?\s*\(`)
	structRe = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_]\w*)\s*(<[^>]*>)?`)
	enumRe   = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_]\w*)\s*(<[^>]*>)?`)
	traitRe  = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?(?:unsafe\s+)?trait\s+([A-Za-z_]\w*)\s*(<[^>]*>)?`)
	implRe   = regexp.MustCompile(`^impl\s*(<[^>]*>)?\s*(?:([\w:]+)\s*(?:<[^>]*>)?\s+for\s+)?([\w:]+)`)
	modRe    = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?mod\s+([A-Za-z_]\w*)\s*([{;])`)
	constRe  = regexp.MustCompile(`^(pub(?:\([^)]*\))?\s+)?(?:const|static)\s+(?:mut\s+)?([A-Za-z_]\w*)\s*:`)
	useRe    = regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?use\s+([\w:]+(?:::\{[^}]*\}|::\*)?)\s*;`)

	pathCallRe   = regexp.MustCompile(`([A-Za-z_]\w*(?:::[A-Za-z_]\w*)+)\s*\(`)
	bareCallRe   = regexp.MustCompile(`(^|[^\w:.!])([a-z_]\w*)\s*\(`)
	methodCallRe = regexp.MustCompile(`\.([a-z_]\w*)\s*\(`)
	fieldRe      = regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?([a-z_]\w*)\s*:\s*(.+?),?\s*$`)
	typeNameRe   = regexp.MustCompile(`\b([A-Z]\w*)\b`)
)

// rustKeywords are identifiers the call regexes must not treat as callees.
var rustKeywords = map[string]struct{}{
	"if": {}, "else": {}, "match": {}, "while": {}, "for": {}, "loop": {},
	"return": {}, "fn": {}, "let": {}, "mut": {}, "move": {}, "ref": {},
	"struct": {}, "enum": {}, "trait": {}, "impl": {}, "mod": {}, "use": {},
	"pub": {}, "const": {}, "static": {}, "unsafe": {}, "async": {},
	"await": {}, "dyn": {}, "where": {}, "as": {}, "in": {}, "assert": {},
}

// scope is one brace-delimited region the scanner is inside.
type scope struct {
	kind    isg.EntityKind
	qpath   string // qualified path contributed to nested items
	declIdx int    // index into facts.Decls, or -1
	depth   int    // brace depth before the opening brace
	fnPath  string // innermost function path for call attribution
}

// Extract parses Rust source text.
func (e *RustExtractor) Extract(filePath string, src []byte) (*FileFacts, error) {
	modPath := fileModulePath(filePath)
	facts := &FileFacts{
		FilePath:   filePath,
		ModulePath: modPath,
		Decls:      []Decl{},
		Refs:       []Ref{},
	}

	// The file itself is a module entity.
	facts.Decls = append(facts.Decls, Decl{
		Name:          lastSegment(modPath),
		Kind:          isg.KindModule,
		QualifiedPath: modPath,
		Span:          isg.LineSpan{Start: 1, End: strings.Count(string(src), "\n") + 1},
		Visibility:    isg.VisibilityPublic,
		Signature:     "mod " + modPath,
	})

	lines := strings.Split(string(src), "\n")
	imports := make(map[string]string) // local alias -> full path

	stack := []scope{{kind: isg.KindModule, qpath: modPath, declIdx: 0, depth: 0}}
	depth := 0
	commentDepth := 0

	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		code, newCommentDepth := stripComments(lines[i], commentDepth)
		commentDepth = newCommentDepth
		code = stripStrings(code)
		trimmed := strings.TrimSpace(code)

		cur := &stack[len(stack)-1]

		// use declarations: module dependencies and item imports.
		if m := useRe.FindStringSubmatch(trimmed); m != nil {
			e.recordUse(facts, imports, cur.qpath, scopeModule(stack), m[1], lineNo)
			continue
		}

		opened := false
		if trimmed != "" && commentDepth == 0 {
			if d, header, consumed, ok := e.matchItem(lines, i, trimmed, cur, imports); ok {
				facts.Decls = append(facts.Decls, d)
				declIdx := len(facts.Decls) - 1
				if d.Kind == isg.KindTraitImpl {
					facts.Refs = append(facts.Refs, Ref{
						Kind:       RefImplements,
						SourcePath: d.QualifiedPath,
						TargetKey:  d.TraitPath,
						Line:       lineNo,
						Confidence: isg.ConfidenceExact,
					})
					facts.Refs = append(facts.Refs, Ref{
						Kind:       RefUses,
						SourcePath: d.QualifiedPath,
						TargetKey:  d.TypePath,
						Line:       lineNo,
						Confidence: isg.ConfidenceExact,
					})
				}

				// Skip the consumed continuation lines; re-point at the line
				// holding the body opener or terminator.
				i += consumed
				lineNo = i + 1

				if strings.Contains(header, "{") {
					fnPath := cur.fnPath
					if d.Kind == isg.KindFunction {
						fnPath = d.QualifiedPath
					}
					childPath := d.QualifiedPath
					if d.Kind == isg.KindTraitImpl {
						childPath = d.TypePath
						if !strings.Contains(childPath, "::") {
							childPath = joinPath(scopeModule(stack), childPath)
						}
					}
					stack = append(stack, scope{
						kind:    d.Kind,
						qpath:   childPath,
						declIdx: declIdx,
						depth:   depth,
						fnPath:  fnPath,
					})
					opened = true
				} else {
					facts.Decls[declIdx].Span.End = lineNo
				}
				code, _ = stripComments(lines[i], 0)
				code = stripStrings(code)
			}
		}

		// Struct/enum fields become Uses references.
		if !opened && (cur.kind == isg.KindStruct || cur.kind == isg.KindEnum) {
			if m := fieldRe.FindStringSubmatch(trimmed); m != nil {
				for _, tm := range typeNameRe.FindAllStringSubmatch(m[2], -1) {
					facts.Refs = append(facts.Refs, Ref{
						Kind:       RefUses,
						SourcePath: cur.qpath,
						TargetKey:  resolvePath(tm[1], imports, scopeModule(stack)),
						Line:       lineNo,
						Confidence: isg.ConfidenceInferred,
					})
				}
			}
		}

		// Call sites inside function bodies.
		if !opened && cur.fnPath != "" {
			e.recordCalls(facts, imports, cur.fnPath, scopeModule(stack), code, lineNo)
		}

		// Apply brace movement and pop closed scopes.
		for _, ch := range code {
			switch ch {
			case '{':
				depth++
			case '}':
				depth--
				if depth < 0 {
					return nil, &isg.ParseError{FilePath: filePath, Line: lineNo, Msg: "unbalanced closing brace"}
				}
				for len(stack) > 1 && depth == stack[len(stack)-1].depth {
					top := stack[len(stack)-1]
					if top.declIdx >= 0 {
						facts.Decls[top.declIdx].Span.End = lineNo
					}
					stack = stack[:len(stack)-1]
				}
			}
		}
	}

	if depth != 0 {
		return nil, &isg.ParseError{FilePath: filePath, Line: len(lines), Msg: "unbalanced braces at end of file"}
	}
	if commentDepth != 0 {
		return nil, &isg.ParseError{FilePath: filePath, Line: len(lines), Msg: "unterminated block comment"}
	}

	return facts, nil
}

// matchItem tries the item regexes against a trimmed line. On a match it
// builds the Decl and returns the joined header text plus the number of
// continuation lines consumed while looking for the body opener.
func (e *RustExtractor) matchItem(lines []string, i int, trimmed string, cur *scope, imports map[string]string) (Decl, string, int, bool) {
	lineNo := i + 1

	if m := modRe.FindStringSubmatch(trimmed); m != nil {
		qpath := joinPath(cur.qpath, m[2])
		return Decl{
			Name:          m[2],
			Kind:          isg.KindModule,
			QualifiedPath: qpath,
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     "mod " + qpath,
		}, m[3], 0, true
	}

	if m := fnRe.FindStringSubmatch(trimmed); m != nil {
		header, consumed := joinHeader(lines, i)
		parent := cur.qpath
		return Decl{
			Name:          m[2],
			Kind:          isg.KindFunction,
			QualifiedPath: joinPath(parent, m[2]),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     headerSignature(header),
			GenericParams: splitGenerics(m[3]),
		}, header, consumed, true
	}

	if m := structRe.FindStringSubmatch(trimmed); m != nil {
		header, consumed := joinHeader(lines, i)
		return Decl{
			Name:          m[2],
			Kind:          isg.KindStruct,
			QualifiedPath: joinPath(cur.qpath, m[2]),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     headerSignature(header),
			GenericParams: splitGenerics(m[3]),
		}, header, consumed, true
	}

	if m := enumRe.FindStringSubmatch(trimmed); m != nil {
		header, consumed := joinHeader(lines, i)
		return Decl{
			Name:          m[2],
			Kind:          isg.KindEnum,
			QualifiedPath: joinPath(cur.qpath, m[2]),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     headerSignature(header),
			GenericParams: splitGenerics(m[3]),
		}, header, consumed, true
	}

	if m := traitRe.FindStringSubmatch(trimmed); m != nil {
		header, consumed := joinHeader(lines, i)
		return Decl{
			Name:          m[2],
			Kind:          isg.KindTrait,
			QualifiedPath: joinPath(cur.qpath, m[2]),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     headerSignature(header),
			GenericParams: splitGenerics(m[3]),
		}, header, consumed, true
	}

	if m := implRe.FindStringSubmatch(trimmed); m != nil && strings.HasPrefix(trimmed, "impl") {
		header, consumed := joinHeader(lines, i)
		typePath := resolvePath(m[3], imports, cur.qpath)
		// Unqualified names in an impl header refer to the enclosing module.
		if !strings.Contains(typePath, "::") {
			typePath = joinPath(cur.qpath, typePath)
		}
		if m[2] == "" {
			// Inherent impl: a container scope only, not an entity.
			return Decl{
				Name:          lastSegment(typePath),
				Kind:          isg.KindTraitImpl,
				QualifiedPath: joinPath(cur.qpath, "<"+lastSegment(typePath)+">"),
				Span:          isg.LineSpan{Start: lineNo, End: lineNo},
				Visibility:    isg.VisibilityPrivate,
				Signature:     headerSignature(header),
				TypePath:      typePath,
			}, header, consumed, true
		}
		traitPath := resolvePath(m[2], imports, cur.qpath)
		if !strings.Contains(traitPath, "::") {
			traitPath = joinPath(cur.qpath, traitPath)
		}
		name := lastSegment(typePath) + " as " + lastSegment(traitPath)
		return Decl{
			Name:          name,
			Kind:          isg.KindTraitImpl,
			QualifiedPath: joinPath(cur.qpath, "<"+name+">"),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    isg.VisibilityPublic,
			Signature:     headerSignature(header),
			GenericParams: splitGenerics(m[1]),
			TraitPath:     traitPath,
			TypePath:      typePath,
		}, header, consumed, true
	}

	if m := constRe.FindStringSubmatch(trimmed); m != nil {
		return Decl{
			Name:          m[2],
			Kind:          isg.KindConstant,
			QualifiedPath: joinPath(cur.qpath, m[2]),
			Span:          isg.LineSpan{Start: lineNo, End: lineNo},
			Visibility:    visibilityOf(m[1]),
			Signature:     headerSignature(trimmed),
		}, strings.TrimSuffix(trimmed, "{"), 0, true
	}

	return Decl{}, "", 0, false
}

// recordUse records module dependency and item usage references for one use
// declaration, and extends the local import map.
func (e *RustExtractor) recordUse(facts *FileFacts, imports map[string]string, scopePath, modPath, usePath string, line int) {
	base := usePath
	var items []string

	if idx := strings.Index(usePath, "::{"); idx >= 0 {
		base = usePath[:idx]
		group := strings.TrimSuffix(usePath[idx+3:], "}")
		for _, item := range strings.Split(group, ",") {
			item = strings.TrimSpace(item)
			if item != "" && item != "self" {
				items = append(items, item)
			}
		}
	} else if strings.HasSuffix(usePath, "::*") {
		base = strings.TrimSuffix(usePath, "::*")
	} else if idx := strings.LastIndex(usePath, "::"); idx >= 0 {
		base = usePath[:idx]
		items = append(items, usePath[idx+2:])
	}

	base = resolvePath(base, imports, modPath)

	facts.Refs = append(facts.Refs, Ref{
		Kind:       RefModuleDep,
		SourcePath: modPath,
		TargetKey:  base,
		Line:       line,
		Confidence: isg.ConfidenceExact,
	})

	for _, item := range items {
		full := joinPath(base, item)
		imports[item] = full
		facts.Refs = append(facts.Refs, Ref{
			Kind:       RefUses,
			SourcePath: scopePath,
			TargetKey:  full,
			Line:       line,
			Confidence: isg.ConfidenceExact,
		})
	}
}

// recordCalls extracts call sites from one body line.
func (e *RustExtractor) recordCalls(facts *FileFacts, imports map[string]string, fnPath, modPath, code string, line int) {
	seen := make(map[string]struct{})

	for _, m := range pathCallRe.FindAllStringSubmatch(code, -1) {
		target := resolvePath(m[1], imports, modPath)
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		facts.Refs = append(facts.Refs, Ref{
			Kind:       RefCall,
			SourcePath: fnPath,
			TargetKey:  target,
			Line:       line,
			Confidence: isg.ConfidenceExact,
		})
	}

	bare := pathCallRe.ReplaceAllString(code, "")
	for _, m := range bareCallRe.FindAllStringSubmatch(bare, -1) {
		name := m[2]
		if _, kw := rustKeywords[name]; kw {
			continue
		}
		target := name
		conf := isg.ConfidenceExact
		if full, ok := imports[name]; ok {
			target = full
		} else {
			target = joinPath(modPath, name)
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		facts.Refs = append(facts.Refs, Ref{
			Kind:       RefCall,
			SourcePath: fnPath,
			TargetKey:  target,
			Line:       line,
			Confidence: conf,
		})
	}

	for _, m := range methodCallRe.FindAllStringSubmatch(code, -1) {
		name := m[1]
		if _, kw := rustKeywords[name]; kw {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		// Receiver type is unknown to a single-file scanner; name-only match.
		facts.Refs = append(facts.Refs, Ref{
			Kind:       RefCall,
			SourcePath: fnPath,
			TargetKey:  name,
			Line:       line,
			Confidence: isg.ConfidenceInferred,
		})
	}
}

// Helpers.

// joinHeader joins a declaration header that may span lines, up to and
// including the line with the body opener or terminator. Returns the joined
// text and the number of extra lines consumed.
func joinHeader(lines []string, start int) (string, int) {
	var sb strings.Builder
	for off := 0; start+off < len(lines) && off < 16; off++ {
		code, _ := stripComments(lines[start+off], 0)
		sb.WriteString(strings.TrimSpace(code))
		sb.WriteString(" ")
		if strings.ContainsAny(code, "{;") {
			return sb.String(), off
		}
	}
	return sb.String(), 0
}

// headerSignature trims the body opener and collapses whitespace.
func headerSignature(header string) string {
	header = strings.TrimSpace(header)
	if idx := strings.IndexAny(header, "{;"); idx >= 0 {
		header = header[:idx]
	}
	return strings.Join(strings.Fields(header), " ")
}

func visibilityOf(pubGroup string) isg.Visibility {
	pubGroup = strings.TrimSpace(pubGroup)
	switch {
	case pubGroup == "pub":
		return isg.VisibilityPublic
	case strings.HasPrefix(pubGroup, "pub("):
		return isg.VisibilityCrate
	default:
		return isg.VisibilityPrivate
	}
}

// splitGenerics splits "<T: Clone, U>" into its top-level parameters.
func splitGenerics(group string) []string {
	group = strings.TrimSpace(group)
	if len(group) < 2 {
		return nil
	}
	group = group[1 : len(group)-1]

	var params []string
	level := 0
	start := 0
	for i, ch := range group {
		switch ch {
		case '<', '(':
			level++
		case '>', ')':
			level--
		case ',':
			if level == 0 {
				if p := strings.TrimSpace(group[start:i]); p != "" {
					params = append(params, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(group[start:]); p != "" {
		params = append(params, p)
	}
	return params
}

// resolvePath expands crate/self/super prefixes and local imports into a
// crate-relative qualified path. External paths pass through unchanged.
func resolvePath(path string, imports map[string]string, modPath string) string {
	segments := strings.Split(path, "::")
	switch segments[0] {
	case "crate":
		return joinPath("crate", strings.Join(segments[1:], "::"))
	case "self":
		return joinPath(modPath, strings.Join(segments[1:], "::"))
	case "super":
		parent := modPath
		if idx := strings.LastIndex(parent, "::"); idx >= 0 {
			parent = parent[:idx]
		}
		return joinPath(parent, strings.Join(segments[1:], "::"))
	}
	if full, ok := imports[segments[0]]; ok {
		return joinPath(full, strings.Join(segments[1:], "::"))
	}
	return path
}

func joinPath(base, rest string) string {
	if rest == "" {
		return base
	}
	if base == "" {
		return rest
	}
	return base + "::" + rest
}

func lastSegment(qpath string) string {
	if idx := strings.LastIndex(qpath, "::"); idx >= 0 {
		return qpath[idx+2:]
	}
	return qpath
}

// scopeModule walks the scope stack down to the innermost module path.
func scopeModule(stack []scope) string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].kind == isg.KindModule {
			return stack[i].qpath
		}
	}
	return stack[0].qpath
}

// fileModulePath derives the crate-relative module path from a file path:
// src/net/server.rs -> crate::net::server, src/lib.rs -> crate.
func fileModulePath(path string) string {
	path = filepath.ToSlash(path)
	path = strings.TrimSuffix(path, ".rs")

	parts := strings.Split(path, "/")
	if len(parts) > 0 && parts[0] == "src" {
		parts = parts[1:]
	}
	if n := len(parts); n > 0 {
		switch parts[n-1] {
		case "lib", "main", "mod":
			parts = parts[:n-1]
		}
	}
	if len(parts) == 0 {
		return "crate"
	}
	return "crate::" + strings.Join(parts, "::")
}

func hasRustExt(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".rs")
}

// stripComments removes line comments and tracks nested block comments.
// Returns the code portion of the line and the block-comment depth after it.
func stripComments(line string, depth int) (string, int) {
	var sb strings.Builder
	i := 0
	for i < len(line) {
		if depth > 0 {
			if strings.HasPrefix(line[i:], "*/") {
				depth--
				i += 2
				continue
			}
			if strings.HasPrefix(line[i:], "/*") {
				depth++
				i += 2
				continue
			}
			i++
			continue
		}
		if strings.HasPrefix(line[i:], "//") {
			break
		}
		if strings.HasPrefix(line[i:], "/*") {
			depth++
			i += 2
			continue
		}
		sb.WriteByte(line[i])
		i++
	}
	return sb.String(), depth
}

// stripStrings blanks out string and char literals so braces and parens
// inside them do not confuse the scanner.
func stripStrings(line string) string {
	var sb strings.Builder
	inStr := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
				sb.WriteByte('"')
			}
			continue
		}
		if ch == '"' {
			inStr = true
			sb.WriteByte('"')
			continue
		}
		// Char literal: 'x' or '\n'; lifetimes ('a) pass through untouched.
		if ch == '\'' && i+2 < len(line) {
			if line[i+1] == '\\' && i+3 < len(line) && line[i+3] == '\'' {
				i += 3
				continue
			}
			if line[i+2] == '\'' {
				i += 2
				continue
			}
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}
