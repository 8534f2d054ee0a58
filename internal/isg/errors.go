package isg

import (
	"errors"
	"fmt"
)

// ParseError reports a syntactically invalid source file. It is file-scoped:
// ingestion of other files continues, and the previous version of the failing
// file's entities stays in the graph.
type ParseError struct {
	FilePath string
	Line     int
	Msg      string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s:%d: %s", e.FilePath, e.Line, e.Msg)
	}
	return fmt.Sprintf("parse error in %s: %s", e.FilePath, e.Msg)
}

// GraphCorruptionError reports a violated graph invariant, such as a
// non-pending edge referencing a missing node. It is fatal for the current
// graph: callers must discard it and rebuild from source.
type GraphCorruptionError struct {
	Detail string
}

func (e *GraphCorruptionError) Error() string {
	return "graph corruption: " + e.Detail
}

// ErrNotFound is returned when an entity id or discovery key resolves to nothing.
var ErrNotFound = errors.New("entity not found")

// ErrIncompatibleSnapshot is returned when a persisted snapshot has a
// different format version than this build understands. The caller falls back
// to a full re-ingestion rather than misreading the snapshot.
var ErrIncompatibleSnapshot = errors.New("incompatible snapshot version")

// WarningKind classifies non-fatal conditions attached to query responses.
type WarningKind string

const (
	// WarnUnresolvedReference marks a pending edge that never resolved.
	WarnUnresolvedReference WarningKind = "unresolved_reference"

	// WarnStaleEntity marks an answer served from last-good content after a
	// failed re-ingestion of the owning file.
	WarnStaleEntity WarningKind = "stale_entity"

	// WarnTimeoutExceeded marks a partial result returned because the query
	// deadline was reached.
	WarnTimeoutExceeded WarningKind = "timeout_exceeded"
)

// Warning is a structured, non-fatal diagnostic. Warnings travel with query
// responses instead of being logged and dropped, so downstream consumers can
// avoid presenting partial data as ground truth.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (w Warning) String() string {
	return string(w.Kind) + ": " + w.Detail
}
