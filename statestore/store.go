// Package statestore provides durable storage for per-module state: a
// keyed table of current records, an append-only history, and
// whole-system snapshots. State values are opaque to the store and
// persisted as JSON.
//
// The current record and the history are deliberately two separate
// tables. The current record is overwritten on every save; history
// entries are immutable and only removed by explicit retention trims.
package statestore

import (
	"context"
	"encoding/json"
	"time"
)

// SaverMap maps module ids to their saveState hooks. The orchestrator
// produces this shape for snapshot capture and autosave.
type SaverMap = map[string]func(context.Context) (any, error)

// Record is one stored state value for a module. For the current table
// there is exactly one record per module id; history holds one
// immutable record per save.
type Record struct {
	ModuleID string            `json:"moduleId"`
	State    json.RawMessage   `json:"state"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SavedAt  time.Time         `json:"savedAt"`
}

// Value unmarshals the stored state into out.
func (r *Record) Value(out any) error {
	return json.Unmarshal(r.State, out)
}

// SaveOptions carries the optional version tag and metadata for a save.
type SaveOptions struct {
	Version  string
	Metadata map[string]string
}

// Snapshot is a point-in-time capture of every module's saveState
// output. Snapshots are immutable once created and identified by an
// opaque ascending id (a ULID).
type Snapshot struct {
	ID        string                     `json:"id"`
	CreatedAt time.Time                  `json:"createdAt"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
	Modules   map[string]json.RawMessage `json:"modules"`

	// Failures records modules whose saveState hook failed during
	// capture; those modules have no entry in Modules.
	Failures map[string]string `json:"failures,omitempty"`
}

// Store is the persistence surface consumed by the orchestrator and
// the remote sync channel.
type Store interface {
	// SaveState upserts the current record for id and appends one
	// history entry. A history-append failure is logged but does not
	// fail the primary save.
	SaveState(ctx context.Context, id string, state any, opts SaveOptions) (*Record, error)

	// LoadState returns the current record for id, or nil if absent.
	// A non-empty version that does not match the stored version
	// returns nil rather than a mismatched record.
	LoadState(ctx context.Context, id, version string) (*Record, error)

	// History returns up to limit history entries for id, most recent
	// first. limit <= 0 means no cap.
	History(ctx context.Context, id string, limit int) ([]*Record, error)

	// CreateSnapshot invokes every saver and stores one snapshot
	// atomically. Individual saver failures are recorded in the
	// snapshot and do not abort it.
	CreateSnapshot(ctx context.Context, savers SaverMap, metadata map[string]string) (*Snapshot, error)

	// RestoreSnapshot returns the stored snapshot payload. Applying it
	// (calling each module's restoreState) is the caller's
	// responsibility.
	RestoreSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// ListSnapshots returns snapshot ids and timestamps, newest first.
	ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error)

	// TrimHistory deletes history entries older than the given age.
	// Current records and snapshots are never trimmed. Returns the
	// number of deleted entries.
	TrimHistory(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}
