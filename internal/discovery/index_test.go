package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigraph-io/sigraph/internal/isg"
)

func entity(id isg.SigHash, name, qpath, file string) *isg.Entity {
	return &isg.Entity{
		ID:            id,
		Kind:          isg.KindFunction,
		Name:          name,
		QualifiedPath: qpath,
		FilePath:      file,
	}
}

func indexWith(entities ...*isg.Entity) *Index {
	ix := NewIndex()
	ix.Rebuild(entities)
	return ix
}

func TestLookupExactName(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "listen", "crate::net::server::listen", "src/net/server.rs"),
		entity(2, "listener", "crate::net::server::listener", "src/net/server.rs"),
	)

	got := ix.Lookup("listen", 10)
	require.NotEmpty(t, got)
	assert.Equal(t, isg.SigHash(1), got[0].ID)
	assert.Greater(t, got[0].Score, got[1].Score, "exact name outranks prefix match")
}

func TestLookupQualified(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "listen", "crate::net::server::listen", "src/net/server.rs"),
		entity(2, "listen", "crate::admin::listen", "src/admin.rs"),
	)

	t.Run("ExactPath", func(t *testing.T) {
		got := ix.Lookup("crate::net::server::listen", 10)
		require.NotEmpty(t, got)
		assert.Equal(t, isg.SigHash(1), got[0].ID)
	})

	t.Run("TrailingFragment", func(t *testing.T) {
		got := ix.Lookup("server::listen", 10)
		require.NotEmpty(t, got)
		assert.Equal(t, isg.SigHash(1), got[0].ID)
	})
}

func TestLookupFuzzyTokens(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "read_config_file", "crate::cfg::read_config_file", "src/cfg.rs"),
		entity(2, "write_output", "crate::out::write_output", "src/out.rs"),
	)

	got := ix.Lookup("config read", 10)
	require.NotEmpty(t, got)
	assert.Equal(t, isg.SigHash(1), got[0].ID)
}

func TestLookupCamelCaseTokens(t *testing.T) {
	t.Parallel()

	ix := indexWith(entity(1, "HttpServer", "crate::net::HttpServer", "src/net.rs"))

	got := ix.Lookup("server", 10)
	require.NotEmpty(t, got)
	assert.Equal(t, isg.SigHash(1), got[0].ID)
}

func TestLookupLimitAndOrdering(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "parse", "crate::a::parse", "src/a.rs"),
		entity(2, "parse", "crate::b::parse", "src/b.rs"),
		entity(3, "parse", "crate::c::parse", "src/c.rs"),
	)

	got := ix.Lookup("parse", 2)
	require.Len(t, got, 2)
	// Equal scores tie-break on qualified path for deterministic output.
	assert.Equal(t, "crate::a::parse", got[0].QualifiedPath)
	assert.Equal(t, "crate::b::parse", got[1].QualifiedPath)
}

func TestReplaceFile(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "old_name", "crate::a::old_name", "src/a.rs"),
		entity(2, "keep", "crate::b::keep", "src/b.rs"),
	)
	require.Equal(t, 2, ix.Size())

	ix.ReplaceFile("src/a.rs", []*isg.Entity{
		entity(3, "new_name", "crate::a::new_name", "src/a.rs"),
	})

	assert.Equal(t, 2, ix.Size())
	assert.Empty(t, ix.Lookup("old_name", 10))
	assert.NotEmpty(t, ix.Lookup("new_name", 10))
	assert.NotEmpty(t, ix.Lookup("keep", 10))
}

func TestRemoveFile(t *testing.T) {
	t.Parallel()

	ix := indexWith(
		entity(1, "gone", "crate::a::gone", "src/a.rs"),
		entity(2, "keep", "crate::b::keep", "src/b.rs"),
	)

	ix.RemoveFile("src/a.rs")
	assert.Equal(t, 1, ix.Size())
	assert.Empty(t, ix.Lookup("gone", 10))
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	assert.ElementsMatch(t, []string{"read", "config", "file"}, tokenize("read_config_file"))
	assert.ElementsMatch(t, []string{"http", "server"}, tokenize("HttpServer"))
	assert.ElementsMatch(t, []string{"crate", "net", "listen"}, tokenize("crate::net::listen"))
	assert.Empty(t, tokenize(""))
}
