package snapshot

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigraph-io/sigraph/internal/isg"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "snapshot"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState() ([]*isg.Entity, []*isg.Edge) {
	entities := []*isg.Entity{
		{
			ID:            1,
			Kind:          isg.KindFunction,
			Name:          "listen",
			QualifiedPath: "crate::net::listen",
			FilePath:      "src/net.rs",
			Span:          isg.LineSpan{Start: 3, End: 9},
			Visibility:    isg.VisibilityPublic,
			Signature:     "pub fn listen(addr: SocketAddr) -> Result<(), Error>",
		},
		{
			ID:            2,
			Kind:          isg.KindFunction,
			Name:          "accept",
			QualifiedPath: "crate::net::accept",
			FilePath:      "src/net.rs",
			Span:          isg.LineSpan{Start: 11, End: 14},
		},
	}
	edges := []*isg.Edge{
		{
			Kind: isg.EdgeCalls, SourceID: 1, TargetID: 2,
			Confidence: isg.ConfidenceExact, FilePath: "src/net.rs", Line: 5,
		},
		{
			Kind: isg.EdgeCalls, SourceID: 2, TargetKey: "crate::io::flush",
			Confidence: isg.ConfidenceExact, FilePath: "src/net.rs", Line: 12,
		},
	}
	return entities, edges
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openStore(t)

	entities, edges := sampleState()
	require.NoError(t, store.Save(entities, edges))

	gotEntities, gotEdges, err := store.Load()
	require.NoError(t, err)
	assert.ElementsMatch(t, entities, gotEntities)
	assert.ElementsMatch(t, edges, gotEdges)
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	store := openStore(t)

	entities, edges := sampleState()
	require.NoError(t, store.Save(entities, edges))
	require.NoError(t, store.Save(entities[:1], nil))

	gotEntities, gotEdges, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, gotEntities, 1)
	assert.Empty(t, gotEdges)
}

func TestLoadEmptyStore(t *testing.T) {
	store := openStore(t)

	assert.True(t, store.Empty())
	_, _, err := store.Load()
	assert.ErrorIs(t, err, isg.ErrIncompatibleSnapshot)
}

func TestLoadRejectsFormatMismatch(t *testing.T) {
	store := openStore(t)

	entities, edges := sampleState()
	require.NoError(t, store.Save(entities, edges))

	// Overwrite the meta record with a future format version.
	futureMeta, err := json.Marshal(meta{FormatVersion: FormatVersion + 1, Language: "rust"})
	require.NoError(t, err)
	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyMeta), futureMeta)
	}))

	_, _, err = store.Load()
	assert.ErrorIs(t, err, isg.ErrIncompatibleSnapshot)
}

func TestLoadReportsCorruption(t *testing.T) {
	store := openStore(t)

	entities, edges := sampleState()
	require.NoError(t, store.Save(entities, edges))

	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixEntity+isg.SigHash(1).String()), []byte("{not json"))
	}))

	_, _, err := store.Load()
	var corrupt *isg.GraphCorruptionError
	assert.ErrorAs(t, err, &corrupt)
}

func TestEmpty(t *testing.T) {
	store := openStore(t)

	assert.True(t, store.Empty())
	require.NoError(t, store.Save(nil, nil))
	assert.False(t, store.Empty())
}
