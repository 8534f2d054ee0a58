package sig

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sigraph-io/sigraph/internal/isg"
)

func TestHash(t *testing.T) {
	t.Parallel()

	base := Descriptor{
		QualifiedPath: "crate::net::server::listen",
		Kind:          isg.KindFunction,
		Signature:     "pub fn listen(addr: SocketAddr) -> Result<Listener, Error>",
	}

	t.Run("DeterministicAcrossCalls", func(t *testing.T) {
		assert.Equal(t, Hash(base), Hash(base))
	})

	t.Run("WhitespaceDoesNotChangeIdentity", func(t *testing.T) {
		reformatted := base
		reformatted.Signature = "pub fn listen(addr:  SocketAddr)   -> Result<Listener, Error>"
		assert.Equal(t, Hash(base), Hash(reformatted))
	})

	t.Run("GenericParamOrderDoesNotChangeIdentity", func(t *testing.T) {
		a := base
		a.GenericParams = []string{"T: Clone", "U: Send"}
		b := base
		b.GenericParams = []string{"U: Send", "T: Clone"}
		assert.Equal(t, Hash(a), Hash(b))
	})

	t.Run("SignatureChangeChangesIdentity", func(t *testing.T) {
		changed := base
		changed.Signature = "pub fn listen(addr: SocketAddr, backlog: usize) -> Result<Listener, Error>"
		assert.NotEqual(t, Hash(base), Hash(changed))
	})

	t.Run("PathChangeChangesIdentity", func(t *testing.T) {
		moved := base
		moved.QualifiedPath = "crate::net::listener::listen"
		assert.NotEqual(t, Hash(base), Hash(moved))
	})

	t.Run("KindDisambiguates", func(t *testing.T) {
		asStruct := base
		asStruct.Kind = isg.KindStruct
		assert.NotEqual(t, Hash(base), Hash(asStruct))
	})

	t.Run("FieldBoundariesAreUnambiguous", func(t *testing.T) {
		// "ab"+"c" must not collide with "a"+"bc" across adjacent fields.
		a := Descriptor{QualifiedPath: "ab", Kind: isg.KindFunction, Signature: "c"}
		b := Descriptor{QualifiedPath: "a", Kind: isg.KindFunction, Signature: "bc"}
		assert.NotEqual(t, Hash(a), Hash(b))
	})

	t.Run("TraitImplSidesMatter", func(t *testing.T) {
		impl := Descriptor{
			QualifiedPath: "crate::geom::<Point as Display>",
			Kind:          isg.KindTraitImpl,
			TraitPath:     "std::fmt::Display",
			TypePath:      "crate::geom::Point",
		}
		other := impl
		other.TraitPath = "std::fmt::Debug"
		assert.NotEqual(t, Hash(impl), Hash(other))
	})
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ContentHash([]byte("fn main() {}")), ContentHash([]byte("fn main() {}")))
	assert.NotEqual(t, ContentHash([]byte("fn main() {}")), ContentHash([]byte("fn main() { }")))
}
