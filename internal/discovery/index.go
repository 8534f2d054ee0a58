// Package discovery maintains the secondary lookup index from human-usable
// keys to candidate entity ids.
//
// Users rarely know an exact signature, so alongside the exact-identity graph
// the engine keeps this index of short names, qualified paths, and name
// tokens (camelCase and snake_case splits). Entries are derived from entity
// changes and replaced per file in the same transaction that updates the
// graph, so the index can never return a candidate the graph no longer holds.
package discovery

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sigraph-io/sigraph/internal/isg"
)

// Candidate is one discovery result, ordered by relevance.
type Candidate struct {
	ID            isg.SigHash    `json:"id"`
	Name          string         `json:"name"`
	QualifiedPath string         `json:"qualified_path"`
	FilePath      string         `json:"file_path"`
	Kind          isg.EntityKind `json:"kind"`
	Score         float64        `json:"score"`
}

type entry struct {
	id       isg.SigHash
	name     string
	qpath    string
	filePath string
	kind     isg.EntityKind
	tokens   map[string]struct{}
}

// Index is the in-memory discovery index. Safe for concurrent readers with
// serialized writers, mirroring the graph's locking discipline.
type Index struct {
	mu      sync.RWMutex
	entries map[isg.SigHash]*entry
	byName  map[string]map[isg.SigHash]struct{}
	byToken map[string]map[isg.SigHash]struct{}
	byQual  map[string]isg.SigHash
	byFile  map[string]map[isg.SigHash]struct{}
}

// NewIndex creates an empty discovery index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[isg.SigHash]*entry),
		byName:  make(map[string]map[isg.SigHash]struct{}),
		byToken: make(map[string]map[isg.SigHash]struct{}),
		byQual:  make(map[string]isg.SigHash),
		byFile:  make(map[string]map[isg.SigHash]struct{}),
	}
}

// Size returns the number of indexed entities.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// ReplaceFile atomically swaps all entries owned by a file for the given
// entities. Called by the incremental updater inside the engine's write
// critical section, never independently by queries.
func (ix *Index) ReplaceFile(filePath string, entities []*isg.Entity) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for id := range ix.byFile[filePath] {
		ix.removeLocked(id)
	}
	delete(ix.byFile, filePath)

	for _, ent := range entities {
		ix.addLocked(ent)
	}
}

// RemoveFile drops all entries owned by a file.
func (ix *Index) RemoveFile(filePath string) {
	ix.ReplaceFile(filePath, nil)
}

// Rebuild replaces the whole index from a set of entities, used after
// loading a snapshot.
func (ix *Index) Rebuild(entities []*isg.Entity) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries = make(map[isg.SigHash]*entry)
	ix.byName = make(map[string]map[isg.SigHash]struct{})
	ix.byToken = make(map[string]map[isg.SigHash]struct{})
	ix.byQual = make(map[string]isg.SigHash)
	ix.byFile = make(map[string]map[isg.SigHash]struct{})

	for _, ent := range entities {
		ix.addLocked(ent)
	}
}

// Lookup resolves a partial key to an ordered candidate list. Supported key
// shapes: exact short name, name prefix, fuzzy token match, and
// path-qualified ("net::server::listen" or a trailing fragment of it).
// Ordering: exact qualified path, then exact name, then same-module
// qualified matches, then prefix and token matches by overlap score.
func (ix *Index) Lookup(key string, limit int) []Candidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	scores := make(map[isg.SigHash]float64)

	if strings.Contains(key, "::") {
		ix.lookupQualifiedLocked(key, scores)
	} else {
		ix.lookupNameLocked(key, scores)
	}

	out := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		ent := ix.entries[id]
		if ent == nil {
			continue
		}
		out = append(out, Candidate{
			ID:            id,
			Name:          ent.name,
			QualifiedPath: ent.qpath,
			FilePath:      ent.filePath,
			Kind:          ent.kind,
			Score:         score,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].QualifiedPath < out[j].QualifiedPath
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Locked lookup helpers.

func (ix *Index) lookupQualifiedLocked(key string, scores map[isg.SigHash]float64) {
	if id, ok := ix.byQual[key]; ok {
		scores[id] = 1000
	}

	// Trailing-fragment matches: "server::listen" finds
	// "crate::net::server::listen". Same-module candidates outrank global
	// ones when the query carries a module prefix.
	module := key[:strings.LastIndex(key, "::")]
	for qpath, id := range ix.byQual {
		if qpath == key {
			continue
		}
		if strings.HasSuffix(qpath, "::"+key) {
			scores[id] = max(scores[id], 500)
			continue
		}
		if strings.HasSuffix(qpath, "::"+lastSegment(key)) && strings.Contains(qpath, module) {
			scores[id] = max(scores[id], 250)
		}
	}
}

func (ix *Index) lookupNameLocked(key string, scores map[isg.SigHash]float64) {
	for id := range ix.byName[key] {
		scores[id] = 800
	}

	lower := strings.ToLower(key)
	for name, ids := range ix.byName {
		if name == key {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), lower) {
			for id := range ids {
				scores[id] = max(scores[id], 400)
			}
		}
	}

	// Token overlap scoring for fuzzy queries like "read config file".
	queryTokens := tokenize(key)
	if len(queryTokens) == 0 {
		return
	}
	for _, tok := range queryTokens {
		for id := range ix.byToken[tok] {
			scores[id] += 100.0 / float64(len(queryTokens))
		}
	}
}

// Locked mutation helpers.

func (ix *Index) addLocked(ent *isg.Entity) {
	e := &entry{
		id:       ent.ID,
		name:     ent.Name,
		qpath:    ent.QualifiedPath,
		filePath: ent.FilePath,
		kind:     ent.Kind,
		tokens:   make(map[string]struct{}),
	}
	for _, tok := range tokenize(ent.Name) {
		e.tokens[tok] = struct{}{}
	}

	ix.entries[ent.ID] = e
	ix.byQual[ent.QualifiedPath] = ent.ID

	if ix.byName[ent.Name] == nil {
		ix.byName[ent.Name] = make(map[isg.SigHash]struct{})
	}
	ix.byName[ent.Name][ent.ID] = struct{}{}

	for tok := range e.tokens {
		if ix.byToken[tok] == nil {
			ix.byToken[tok] = make(map[isg.SigHash]struct{})
		}
		ix.byToken[tok][ent.ID] = struct{}{}
	}

	if ix.byFile[ent.FilePath] == nil {
		ix.byFile[ent.FilePath] = make(map[isg.SigHash]struct{})
	}
	ix.byFile[ent.FilePath][ent.ID] = struct{}{}
}

func (ix *Index) removeLocked(id isg.SigHash) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	if ix.byQual[e.qpath] == id {
		delete(ix.byQual, e.qpath)
	}
	delete(ix.byName[e.name], id)
	if len(ix.byName[e.name]) == 0 {
		delete(ix.byName, e.name)
	}
	for tok := range e.tokens {
		delete(ix.byToken[tok], id)
		if len(ix.byToken[tok]) == 0 {
			delete(ix.byToken, tok)
		}
	}
}

var tokenSplitRe = regexp.MustCompile(`[_\.\-\s:]+`)
var camelRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// tokenize splits an identifier or free-text query into lowercase tokens,
// handling camelCase, snake_case, and path separators.
func tokenize(text string) []string {
	if text == "" {
		return nil
	}

	seen := make(map[string]struct{})
	camelSplit := camelRe.ReplaceAllString(text, "$1 $2")
	for _, part := range tokenSplitRe.Split(camelSplit, -1) {
		for _, field := range strings.Fields(part) {
			if field != "" {
				seen[strings.ToLower(field)] = struct{}{}
			}
		}
	}

	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

func lastSegment(qpath string) string {
	if idx := strings.LastIndex(qpath, "::"); idx >= 0 {
		return qpath[idx+2:]
	}
	return qpath
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
