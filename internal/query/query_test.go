package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/isg"
)

func ingestAll(t *testing.T, files map[string]string) *Service {
	t.Helper()
	eng := engine.New()
	for path, src := range files {
		require.NoError(t, eng.IngestFile(path, []byte(src)))
	}
	return NewService(eng)
}

func paths(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.QualifiedPath)
	}
	return out
}

func TestGet(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/geom.rs": "pub fn area() -> f64 {\n    0.0\n}\n",
	})

	result, err := svc.Get(context.Background(), "crate::geom::area")
	require.NoError(t, err)
	require.NotNil(t, result.Root)
	assert.Equal(t, "crate::geom::area", result.Root.QualifiedPath)
	assert.Equal(t, "pub fn area() -> f64", result.Root.Signature)
	assert.True(t, result.Complete)

	_, err = svc.Get(context.Background(), "no_such_thing")
	assert.ErrorIs(t, err, isg.ErrNotFound)
}

func TestCallers(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/geom.rs":   "pub fn area() -> f64 {\n    0.0\n}\n",
		"src/draw.rs":   "pub fn paint() {\n    crate::geom::area();\n}\n",
		"src/report.rs": "pub fn summarize() {\n    crate::geom::area();\n}\n",
	})

	result, err := svc.Callers(context.Background(), "crate::geom::area")
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, "crate::geom::area", result.Root.QualifiedPath)
	assert.Equal(t, []string{"crate::draw::paint", "crate::report::summarize"}, paths(result.Nodes))
	for _, n := range result.Nodes {
		assert.Equal(t, 1, n.Depth)
		assert.Equal(t, isg.ConfidenceExact, n.Confidence)
	}
}

func TestCallersStaleFilePartial(t *testing.T) {
	t.Parallel()

	eng := engine.New()
	require.NoError(t, eng.IngestFile("src/geom.rs", []byte("pub fn area() -> f64 {\n    0.0\n}\n")))
	require.NoError(t, eng.IngestFile("src/draw.rs", []byte("pub fn paint() {\n    crate::geom::area();\n}\n")))

	// The caller's file fails its next parse; answers touching it are partial.
	err := eng.IngestFile("src/draw.rs", []byte("pub fn paint( {\n"))
	var parseErr *isg.ParseError
	require.ErrorAs(t, err, &parseErr)

	result, err := NewService(eng).Callers(context.Background(), "crate::geom::area")
	require.NoError(t, err)
	assert.Equal(t, []string{"crate::draw::paint"}, paths(result.Nodes))
	assert.False(t, result.Complete)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, isg.WarnStaleEntity, result.Warnings[0].Kind)
	assert.Contains(t, result.Warnings[0].Detail, "src/draw.rs")
}

func TestImplementers(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/shape.rs": `pub trait Shape {
    fn area(&self) -> f64;
}

pub struct Circle;

impl Shape for Circle {
    fn area(&self) -> f64 {
        0.0
    }
}
`,
	})

	result, err := svc.Implementers(context.Background(), "crate::shape::Shape")
	require.NoError(t, err)
	assert.True(t, result.Complete)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, isg.KindTraitImpl, result.Nodes[0].Kind)
	assert.Equal(t, "crate::shape::<Circle as Shape>", result.Nodes[0].QualifiedPath)
}

func blastFixture(t *testing.T) *Service {
	t.Helper()
	return ingestAll(t, map[string]string{
		"src/core.rs": "pub fn base() {}\n",
		"src/mid.rs":  "pub fn middle() {\n    crate::core::base();\n}\n",
		"src/top.rs":  "pub fn apex() {\n    crate::mid::middle();\n}\n",
	})
}

func TestBlastRadius(t *testing.T) {
	t.Parallel()

	svc := blastFixture(t)

	// apex calls middle calls base: the radius of apex is what it reaches.
	result, err := svc.BlastRadius(context.Background(), "crate::top::apex", BlastOptions{MaxDepth: 2})
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.False(t, result.Truncated)

	require.Len(t, result.Nodes, 2)
	assert.Equal(t, "crate::mid::middle", result.Nodes[0].QualifiedPath)
	assert.Equal(t, 1, result.Nodes[0].Depth)
	assert.Equal(t, "crate::core::base", result.Nodes[1].QualifiedPath)
	assert.Equal(t, 2, result.Nodes[1].Depth)
}

func TestBlastRadiusMaxDepth(t *testing.T) {
	t.Parallel()

	svc := blastFixture(t)

	result, err := svc.BlastRadius(context.Background(), "crate::top::apex", BlastOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"crate::mid::middle"}, paths(result.Nodes))
	assert.True(t, result.Complete)
}

func TestBlastRadiusLeafIsEmpty(t *testing.T) {
	t.Parallel()

	svc := blastFixture(t)

	result, err := svc.BlastRadius(context.Background(), "crate::core::base", BlastOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.True(t, result.Complete)
}

func TestBlastRadiusMaxResults(t *testing.T) {
	t.Parallel()

	svc := blastFixture(t)

	result, err := svc.BlastRadius(context.Background(), "crate::top::apex", BlastOptions{MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, result.Nodes, 1)
	assert.True(t, result.Truncated)
	assert.False(t, result.Complete)
}

func TestBlastRadiusCancelled(t *testing.T) {
	t.Parallel()

	svc := blastFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.BlastRadius(ctx, "crate::top::apex", BlastOptions{})
	require.NoError(t, err)
	assert.False(t, result.Complete)
	assert.True(t, result.Truncated)
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, isg.WarnTimeoutExceeded, result.Warnings[0].Kind)
}

func TestBlastRadiusConfidenceWeakening(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/util.rs":  "pub fn normalize() {\n    crate::extra::finish();\n}\n",
		"src/extra.rs": "pub fn finish() {}\n",
		"src/a.rs":     "pub fn use_it(p: Point) {\n    p.normalize();\n}\n",
		"src/b.rs":     "pub fn outer() {\n    crate::a::use_it();\n}\n",
	})

	result, err := svc.BlastRadius(context.Background(), "crate::b::outer", BlastOptions{})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)

	// The inferred method-call edge weakens everything downstream of it.
	assert.Equal(t, "crate::a::use_it", result.Nodes[0].QualifiedPath)
	assert.Equal(t, isg.ConfidenceExact, result.Nodes[0].Confidence)
	assert.Equal(t, "crate::util::normalize", result.Nodes[1].QualifiedPath)
	assert.Equal(t, isg.ConfidenceInferred, result.Nodes[1].Confidence)
	assert.Equal(t, "crate::extra::finish", result.Nodes[2].QualifiedPath)
	assert.Equal(t, isg.ConfidenceInferred, result.Nodes[2].Confidence)
}

func TestCycles(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/alpha.rs": "use crate::beta::helper;\n\npub fn a() {}\n",
		"src/beta.rs":  "use crate::gamma::helper;\n\npub fn b() {}\n",
		"src/gamma.rs": "use crate::alpha::helper;\n\npub fn c() {}\n",
		"src/solo.rs":  "pub fn standalone() {}\n",
	})

	result, err := svc.Cycles(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Complete)

	require.Len(t, result.Cycles, 1)
	members := result.Cycles[0].Members
	require.Len(t, members, 3)
	// Cycles start at their lexicographically smallest member.
	assert.Equal(t, "crate::alpha", members[0].QualifiedPath)
	assert.ElementsMatch(t,
		[]string{"crate::alpha", "crate::beta", "crate::gamma"},
		paths(members))
}

func TestCyclesDeepChain(t *testing.T) {
	t.Parallel()

	// A dependency chain orders of magnitude deeper than any real module
	// tree, closed into a single cycle.
	const n = 2048
	entities := make([]*isg.Entity, n)
	edges := make([]*isg.Edge, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("m%04d", i)
		entities[i] = &isg.Entity{
			ID:            isg.SigHash(i + 1),
			Kind:          isg.KindModule,
			Name:          name,
			QualifiedPath: "crate::" + name,
			FilePath:      "src/" + name + ".rs",
			Span:          isg.LineSpan{Start: 1, End: 1},
		}
	}
	for i := 0; i < n; i++ {
		edges[i] = &isg.Edge{
			Kind:       isg.EdgeDependsOnModule,
			SourceID:   entities[i].ID,
			TargetID:   entities[(i+1)%n].ID,
			Confidence: isg.ConfidenceExact,
			FilePath:   entities[i].FilePath,
			Line:       1,
		}
	}

	svc := NewService(engine.Load(entities, edges))
	result, err := svc.Cycles(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Complete)

	require.Len(t, result.Cycles, 1)
	members := result.Cycles[0].Members
	require.Len(t, members, n)
	assert.Equal(t, "crate::m0000", members[0].QualifiedPath)
}

func TestCyclesNoneFound(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/a.rs": "use crate::b::helper;\n\npub fn run() {}\n",
		"src/b.rs": "pub fn helper() {}\n",
	})

	result, err := svc.Cycles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Cycles)
	assert.True(t, result.Complete)
}

func TestUnreferenced(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/main.rs": "pub fn main() {\n    used();\n}\n\npub fn used() {}\n\npub fn orphan() {}\n",
	})

	result, err := svc.Unreferenced(context.Background())
	require.NoError(t, err)
	// main is an entry point; used has a caller; orphan has nothing.
	assert.Equal(t, []string{"crate::orphan"}, paths(result.Nodes))
}

func TestContext(t *testing.T) {
	t.Parallel()

	svc := ingestAll(t, map[string]string{
		"src/geom.rs": "pub fn area() -> f64 {\n    0.0\n}\n",
		"src/draw.rs": "pub fn paint() {\n    crate::geom::area();\n}\n",
	})

	bundle, err := svc.Context(context.Background(), "crate::geom::area")
	require.NoError(t, err)
	assert.True(t, bundle.Complete)
	assert.Equal(t, "crate::geom::area", bundle.Root.QualifiedPath)
	assert.Equal(t, "crate::geom", bundle.Module)

	relations := make(map[string][]string)
	for _, entry := range bundle.Entries {
		relations[entry.Relation] = append(relations[entry.Relation], entry.Node.QualifiedPath)
	}
	assert.Equal(t, []string{"crate::geom"}, relations["contained-in"])
	assert.Equal(t, []string{"crate::draw::paint"}, relations["called-by"])

	t.Run("Markdown", func(t *testing.T) {
		md := bundle.Markdown()
		assert.Contains(t, md, "# crate::geom::area")
		assert.Contains(t, md, "- module: crate::geom")
		assert.Contains(t, md, "- signature: `pub fn area() -> f64`")
		assert.Contains(t, md, "## called-by")
		assert.Contains(t, md, "crate::draw::paint (src/draw.rs:")
		assert.NotContains(t, md, "## caveats")
	})
}

func TestContextMarkdownCaveats(t *testing.T) {
	t.Parallel()

	eng := engine.New()
	require.NoError(t, eng.IngestFile("src/geom.rs", []byte("pub fn area() -> f64 {\n    0.0\n}\n")))
	err := eng.IngestFile("src/geom.rs", []byte("pub fn area( {\n"))
	var parseErr *isg.ParseError
	require.ErrorAs(t, err, &parseErr)

	bundle, err := NewService(eng).Context(context.Background(), "crate::geom::area")
	require.NoError(t, err)
	assert.False(t, bundle.Complete)

	md := bundle.Markdown()
	assert.Contains(t, md, "## caveats")
	assert.Contains(t, md, "src/geom.rs")
}
