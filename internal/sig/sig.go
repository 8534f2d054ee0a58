// Package sig derives deterministic signature hashes for graph entities.
//
// A signature hash is a pure function of an entity's semantic identity: its
// qualified path, kind, and normalized signature shape. Byte offsets, line
// numbers, and file location never enter the hash, so edits that do not
// change a signature keep the same identity across incremental updates.
package sig

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/sigraph-io/sigraph/internal/isg"
)

// Descriptor is the normalized identity of one entity, assembled by the
// extractor before hashing.
type Descriptor struct {
	// QualifiedPath is the module-qualified name, e.g. "net::server::listen".
	QualifiedPath string

	// Kind is the entity kind.
	Kind isg.EntityKind

	// Signature is the normalized declaration shape: parameter types, return
	// type, generic parameters and bounds, with whitespace collapsed.
	Signature string

	// TraitPath and TypePath identify the two sides of a trait impl; empty
	// for other kinds.
	TraitPath string
	TypePath  string

	// GenericParams are the declared generic parameter names with bounds,
	// order-insensitive for identity purposes.
	GenericParams []string
}

// Hash computes the signature hash for a descriptor. Deterministic across
// runs and machines: the canonical encoding length-prefixes every field so
// distinct descriptors can never encode to the same byte stream, and xxh3's
// 64-bit width makes accidental collision probability negligible. A collision
// between distinct descriptors is a correctness bug, not a tolerated event.
func Hash(d Descriptor) isg.SigHash {
	h := xxh3.New()

	writeField(h, string(d.Kind))
	writeField(h, d.QualifiedPath)
	writeField(h, normalize(d.Signature))
	writeField(h, d.TraitPath)
	writeField(h, d.TypePath)

	params := make([]string, len(d.GenericParams))
	for i, p := range d.GenericParams {
		params[i] = normalize(p)
	}
	sort.Strings(params)
	for _, p := range params {
		writeField(h, p)
	}

	return isg.SigHash(h.Sum64())
}

// ContentHash hashes raw file bytes, used by the incremental updater to
// short-circuit no-op change events.
func ContentHash(data []byte) uint64 {
	return xxh3.Hash(data)
}

func writeField(h *xxh3.Hasher, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(s))
}

// normalize collapses all whitespace runs to single spaces so formatting
// changes never move an identity.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
