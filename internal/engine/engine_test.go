package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigraph-io/sigraph/internal/discovery"
	"github.com/sigraph-io/sigraph/internal/isg"
)

const serverSrc = `pub fn listen(addr: SocketAddr) -> Result<(), Error> {
    accept()
}

fn accept() {}
`

func TestIngestFile(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/net/server.rs", []byte(serverSrc)))

	stats := eng.Stats()
	// Module entity plus two functions.
	assert.Equal(t, 3, stats["entities"])
	assert.Equal(t, 1, stats["files"])
	assert.Equal(t, stats["entities"], stats["discovery_entries"])

	t.Run("LookupFindsIngestedEntities", func(t *testing.T) {
		got := eng.Lookup("listen", 5)
		require.NotEmpty(t, got)
		assert.Equal(t, "crate::net::server::listen", got[0].QualifiedPath)
	})

	t.Run("SameFileCallResolved", func(t *testing.T) {
		listenID, err := eng.Resolve("crate::net::server::listen")
		require.NoError(t, err)
		acceptID, err := eng.Resolve("crate::net::server::accept")
		require.NoError(t, err)

		eng.View(func(g *isg.Graph, _ *discovery.Index) {
			assert.Contains(t, g.Neighbors(acceptID, isg.EdgeCalls, isg.Incoming), listenID)
		})
	})

	t.Run("UnsupportedFileIgnored", func(t *testing.T) {
		require.NoError(t, eng.IngestFile("README.md", []byte("# nope")))
		assert.Equal(t, 1, eng.Stats()["files"])
	})
}

func TestIngestFileIdempotent(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/net/server.rs", []byte(serverSrc)))
	first := eng.Stats()

	require.NoError(t, eng.IngestFile("src/net/server.rs", []byte(serverSrc)))
	assert.Equal(t, first, eng.Stats())
}

func TestIngestFileRename(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn original() {}\n")))
	origID, err := eng.Resolve("crate::a::original")
	require.NoError(t, err)

	// Renaming the function replaces the identity; the old one disappears.
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn renamed() {}\n")))

	_, _, err = eng.Get(origID)
	assert.ErrorIs(t, err, isg.ErrNotFound)

	newID, err := eng.Resolve("crate::a::renamed")
	require.NoError(t, err)
	assert.NotEqual(t, origID, newID)
	assert.Empty(t, eng.Lookup("original", 5))
}

func TestIngestFileParseFailureKeepsLastGood(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn stable() {}\n")))
	id, err := eng.Resolve("crate::a::stable")
	require.NoError(t, err)

	err = eng.IngestFile("src/a.rs", []byte("pub fn broken( {\n"))
	var parseErr *isg.ParseError
	require.ErrorAs(t, err, &parseErr)

	// Last-good content still answers, flagged stale.
	ent, warnings, err := eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "crate::a::stable", ent.QualifiedPath)
	require.Len(t, warnings, 1)
	assert.Equal(t, isg.WarnStaleEntity, warnings[0].Kind)

	// A good save clears the stale flag.
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn stable() {}\n")))
	_, warnings, err = eng.Get(id)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestCrossFileResolutionAndRemoval(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/a.rs", []byte(
		"pub fn caller() {\n    crate::b::callee();\n}\n")))
	require.NoError(t, eng.IngestFile("src/b.rs", []byte("pub fn callee() {}\n")))

	calleeID, err := eng.Resolve("crate::b::callee")
	require.NoError(t, err)
	eng.View(func(g *isg.Graph, _ *discovery.Index) {
		assert.Len(t, g.Neighbors(calleeID, isg.EdgeCalls, isg.Incoming), 1)
	})

	// Deleting the target demotes the caller's edge to pending.
	assert.Greater(t, eng.RemoveFile("src/b.rs"), 0)
	callerID, err := eng.Resolve("crate::a::caller")
	require.NoError(t, err)
	eng.View(func(g *isg.Graph, _ *discovery.Index) {
		assert.True(t, g.HasPending(callerID, isg.Outgoing))
	})
	require.NoError(t, eng.CheckIntegrity())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn target() {}\n")))

	id, err := eng.Resolve("crate::a::target")
	require.NoError(t, err)

	t.Run("ByHexHash", func(t *testing.T) {
		got, err := eng.Resolve(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("ByShortName", func(t *testing.T) {
		got, err := eng.Resolve("target")
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := eng.Resolve("no_such_entity")
		assert.ErrorIs(t, err, isg.ErrNotFound)
	})
}

func TestResolveConcurrentWithReingest(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/a.rs", []byte("pub fn one() {}\n")))

	// The module entity survives every rewrite below, so resolving it by hex
	// id must never hit the window between removal and re-insertion.
	modID, err := eng.Resolve("crate::a")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			src := "pub fn one() {}\n"
			if i%2 == 1 {
				src = "pub fn two() {}\n"
			}
			_ = eng.IngestFile("src/a.rs", []byte(src))
		}
	}()

	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		default:
		}
		_, err := eng.Resolve(modID.String())
		require.NoError(t, err)
	}
}

func TestIncrementalMatchesFullRebuild(t *testing.T) {
	t.Parallel()

	finalA := "pub fn alpha() {\n    crate::b::helper();\n}\n"
	finalC := "pub fn gamma() {\n    crate::a::alpha();\n}\n"

	// A sequence of per-file edits and a deletion...
	inc := New()
	require.NoError(t, inc.IngestFile("src/a.rs", []byte("pub fn alpha() {}\n")))
	require.NoError(t, inc.IngestFile("src/b.rs", []byte("pub fn helper() {}\n")))
	require.NoError(t, inc.IngestFile("src/c.rs", []byte("pub fn gamma() {}\n")))
	require.NoError(t, inc.IngestFile("src/a.rs", []byte(finalA)))
	require.NoError(t, inc.IngestFile("src/c.rs", []byte(finalC)))
	inc.RemoveFile("src/b.rs")

	// ...converges on the same graph as a fresh ingest of the final contents,
	// down to the edge demoted back to pending by the deletion.
	full := New()
	require.NoError(t, full.IngestFile("src/a.rs", []byte(finalA)))
	require.NoError(t, full.IngestFile("src/c.rs", []byte(finalC)))

	incEntities, incEdges := inc.Snapshot()
	fullEntities, fullEdges := full.Snapshot()
	assert.ElementsMatch(t, fullEntities, incEntities)
	assert.ElementsMatch(t, fullEdges, incEdges)
	assert.Equal(t, full.Stats(), inc.Stats())
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/net/server.rs", []byte(serverSrc)))
	entities, edges := eng.Snapshot()

	restored := Load(entities, edges)
	require.NoError(t, restored.CheckIntegrity())
	assert.Equal(t, eng.Stats()["entities"], restored.Stats()["entities"])
	assert.Equal(t, eng.Stats()["edges"], restored.Stats()["edges"])

	// Discovery is rebuilt from entities, not persisted.
	got := restored.Lookup("listen", 5)
	require.NotEmpty(t, got)
	assert.Equal(t, "crate::net::server::listen", got[0].QualifiedPath)
}

func TestMaterializeContainment(t *testing.T) {
	t.Parallel()

	eng := New()
	require.NoError(t, eng.IngestFile("src/geom.rs", []byte(
		"pub struct Point {\n    x: f64,\n}\n\nimpl Point {\n    pub fn norm(&self) -> f64 {\n        0.0\n    }\n}\n")))

	modID, err := eng.Resolve("crate::geom")
	require.NoError(t, err)
	pointID, err := eng.Resolve("crate::geom::Point")
	require.NoError(t, err)
	normID, err := eng.Resolve("crate::geom::Point::norm")
	require.NoError(t, err)

	eng.View(func(g *isg.Graph, _ *discovery.Index) {
		assert.Contains(t, g.Neighbors(modID, isg.EdgeContains, isg.Outgoing), pointID)
		// Methods hang off their type, not the file module.
		assert.Contains(t, g.Neighbors(pointID, isg.EdgeContains, isg.Outgoing), normID)
	})
}
