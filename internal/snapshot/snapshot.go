// Package snapshot persists the graph to a BadgerDB store so a restarted
// process can serve queries without re-parsing the workspace.
//
// The snapshot is versioned: a format bump makes old stores unreadable on
// purpose, and the loader reports that as isg.ErrIncompatibleSnapshot so the
// caller falls back to a full re-ingestion instead of guessing at old bytes.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/sigraph-io/sigraph/internal/isg"
)

// FormatVersion identifies the snapshot layout. Bump on any change to the
// persisted entity or edge encoding.
const FormatVersion = 1

// Key prefixes for different record types.
const (
	keyMeta      = "m:format"
	prefixEntity = "n:"
	prefixEdge   = "r:"
)

type meta struct {
	FormatVersion int    `json:"format_version"`
	Language      string `json:"language"`
}

// Store is a BadgerDB-backed snapshot store.
type Store struct {
	db *badger.DB
}

// Open opens or creates the snapshot database at the given path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save replaces the stored snapshot with the given graph state.
func (s *Store) Save(entities []*isg.Entity, edges []*isg.Edge) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clearing snapshot store: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	metaData, err := json.Marshal(meta{FormatVersion: FormatVersion, Language: "rust"})
	if err != nil {
		return err
	}
	if err := wb.Set([]byte(keyMeta), metaData); err != nil {
		return fmt.Errorf("writing snapshot meta: %w", err)
	}

	for _, ent := range entities {
		data, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("marshaling entity %s: %w", ent.QualifiedPath, err)
		}
		if err := wb.Set([]byte(prefixEntity+ent.ID.String()), data); err != nil {
			return fmt.Errorf("writing entity: %w", err)
		}
	}

	for i, e := range edges {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling edge: %w", err)
		}
		if err := wb.Set([]byte(fmt.Sprintf("%s%012d", prefixEdge, i)), data); err != nil {
			return fmt.Errorf("writing edge: %w", err)
		}
	}

	return wb.Flush()
}

// Load reads the stored snapshot. It returns isg.ErrIncompatibleSnapshot
// when the store was written by a different format version, and a
// *isg.GraphCorruptionError when stored bytes fail to decode; both mean the
// caller should re-ingest from source.
func (s *Store) Load() ([]*isg.Entity, []*isg.Edge, error) {
	var entities []*isg.Entity
	var edges []*isg.Edge

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyMeta))
		if err == badger.ErrKeyNotFound {
			return isg.ErrIncompatibleSnapshot
		}
		if err != nil {
			return err
		}
		var m meta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return &isg.GraphCorruptionError{Detail: "snapshot meta record is unreadable"}
		}
		if m.FormatVersion != FormatVersion {
			return isg.ErrIncompatibleSnapshot
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEntity)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var ent isg.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ent)
			}); err != nil {
				it.Close()
				return &isg.GraphCorruptionError{Detail: "entity record is unreadable"}
			}
			entities = append(entities, &ent)
		}
		it.Close()

		opts.Prefix = []byte(prefixEdge)
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e isg.Edge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return &isg.GraphCorruptionError{Detail: "edge record is unreadable"}
			}
			edges = append(edges, &e)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entities, edges, nil
}

// Empty reports whether the store holds no snapshot yet.
func (s *Store) Empty() bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyMeta))
		return err
	})
	return err == badger.ErrKeyNotFound
}
