package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/hotmod"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed Store implementation. The driver is
// pure Go (modernc.org/sqlite), so ":memory:" works everywhere,
// including tests.
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger hotmod.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (and migrates) a SQLite store at the given path. Use
// ":memory:" for an ephemeral store.
func Open(path string, logger hotmod.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", hotmod.ErrPersistence)
	}
	if logger == nil {
		logger = hotmod.NewSlogLogger(nil)
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", hotmod.ErrPersistence, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", hotmod.ErrPersistence, err)
	}

	// The in-memory DSN opens a new database per connection; a single
	// connection keeps every query on the same database.
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: migrations fs: %v", hotmod.ErrPersistence, err)
	}
	if err := applyMigrations(sqlDB, sub); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", hotmod.ErrPersistence, err)
	}

	return &SQLiteStore{sqlDB: sqlDB, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying sql.DB, mainly for tests.
func (s *SQLiteStore) DB() *sql.DB { return s.sqlDB }

// SaveState upserts the current record for id and appends one history
// entry. The two writes are a best-effort pair: a history-append
// failure is logged but does not fail the primary save.
func (s *SQLiteStore) SaveState(ctx context.Context, id string, state any, opts SaveOptions) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: module id is required", hotmod.ErrPersistence)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal state for %s: %v", hotmod.ErrPersistence, id, err)
	}
	meta, err := encodeMetadata(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metadata for %s: %v", hotmod.ErrPersistence, id, err)
	}

	now := time.Now().UTC()
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO module_state (module_id, state, version, metadata, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (module_id) DO UPDATE SET
    state = excluded.state,
    version = excluded.version,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		id, string(raw), opts.Version, meta, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("%w: save state for %s: %v", hotmod.ErrPersistence, id, err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO module_state_history (module_id, state, version, metadata, saved_at)
VALUES (?, ?, ?, ?, ?)`,
		id, string(raw), opts.Version, meta, toMillis(now)); err != nil {
		s.logger.Error("History append failed", "module", id, "error", err)
	}

	return &Record{
		ModuleID: id,
		State:    raw,
		Version:  opts.Version,
		Metadata: opts.Metadata,
		SavedAt:  now,
	}, nil
}

// LoadState returns the current record for id, or nil when absent or
// when a requested version does not match the stored one.
func (s *SQLiteStore) LoadState(ctx context.Context, id, version string) (*Record, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT state, version, metadata, updated_at FROM module_state WHERE module_id = ?`, id)

	var (
		state   string
		stored  string
		meta    string
		savedAt int64
	)
	if err := row.Scan(&state, &stored, &meta, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load state for %s: %v", hotmod.ErrPersistence, id, err)
	}
	if version != "" && version != stored {
		return nil, nil
	}

	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: decode metadata for %s: %v", hotmod.ErrPersistence, id, err)
	}
	return &Record{
		ModuleID: id,
		State:    json.RawMessage(state),
		Version:  stored,
		Metadata: metadata,
		SavedAt:  fromMillis(savedAt),
	}, nil
}

// History returns up to limit history entries for id, most recent
// first.
func (s *SQLiteStore) History(ctx context.Context, id string, limit int) ([]*Record, error) {
	query := `
SELECT state, version, metadata, saved_at FROM module_state_history
WHERE module_id = ? ORDER BY saved_at DESC, id DESC`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: history for %s: %v", hotmod.ErrPersistence, id, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			state   string
			version string
			meta    string
			savedAt int64
		)
		if err := rows.Scan(&state, &version, &meta, &savedAt); err != nil {
			return nil, fmt.Errorf("%w: scan history for %s: %v", hotmod.ErrPersistence, id, err)
		}
		metadata, err := decodeMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("%w: decode history metadata for %s: %v", hotmod.ErrPersistence, id, err)
		}
		records = append(records, &Record{
			ModuleID: id,
			State:    json.RawMessage(state),
			Version:  version,
			Metadata: metadata,
			SavedAt:  fromMillis(savedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows for %s: %v", hotmod.ErrPersistence, id, err)
	}
	return records, nil
}

// CreateSnapshot invokes every saver and stores one snapshot record.
// Individual saver failures are recorded in the snapshot's Failures map
// and do not abort the capture.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, savers SaverMap, metadata map[string]string) (*Snapshot, error) {
	snapshot := &Snapshot{
		ID:        ulid.Make().String(),
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
		Modules:   make(map[string]json.RawMessage, len(savers)),
	}

	for id, save := range savers {
		state, err := save(ctx)
		if err != nil {
			s.logger.Warn("Snapshot: saveState failed", "module", id, "error", err)
			if snapshot.Failures == nil {
				snapshot.Failures = make(map[string]string)
			}
			snapshot.Failures[id] = err.Error()
			continue
		}
		raw, err := json.Marshal(state)
		if err != nil {
			if snapshot.Failures == nil {
				snapshot.Failures = make(map[string]string)
			}
			snapshot.Failures[id] = err.Error()
			continue
		}
		snapshot.Modules[id] = raw
	}

	modules, err := json.Marshal(snapshot.Modules)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal snapshot modules: %v", hotmod.ErrPersistence, err)
	}
	failures, err := json.Marshal(snapshot.Failures)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal snapshot failures: %v", hotmod.ErrPersistence, err)
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal snapshot metadata: %v", hotmod.ErrPersistence, err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (id, created_at, metadata, modules, failures)
VALUES (?, ?, ?, ?, ?)`,
		snapshot.ID, toMillis(snapshot.CreatedAt), meta, string(modules), string(failures)); err != nil {
		return nil, fmt.Errorf("%w: store snapshot: %v", hotmod.ErrPersistence, err)
	}

	s.logger.Info("Snapshot created", "snapshot", snapshot.ID,
		"modules", len(snapshot.Modules), "failures", len(snapshot.Failures))
	return snapshot, nil
}

// RestoreSnapshot returns the stored snapshot payload.
func (s *SQLiteStore) RestoreSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT created_at, metadata, modules, failures FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row, id)
}

// ListSnapshots returns snapshots newest first, up to limit.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error) {
	query := `SELECT id, created_at, metadata, modules, failures FROM snapshots ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", hotmod.ErrPersistence, err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		var (
			id        string
			createdAt int64
			meta      string
			modules   string
			failures  string
		)
		if err := rows.Scan(&id, &createdAt, &meta, &modules, &failures); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot: %v", hotmod.ErrPersistence, err)
		}
		snapshot, err := decodeSnapshot(id, createdAt, meta, modules, failures)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: snapshot rows: %v", hotmod.ErrPersistence, err)
	}
	return snapshots, nil
}

// TrimHistory deletes history entries older than the given age. Current
// records and snapshots are untouched.
func (s *SQLiteStore) TrimHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM module_state_history WHERE saved_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: trim history: %v", hotmod.ErrPersistence, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: trim history rows affected: %v", hotmod.ErrPersistence, err)
	}
	if deleted > 0 {
		s.logger.Info("History trimmed", "deleted", deleted, "olderThan", olderThan)
	}
	return deleted, nil
}

func scanSnapshot(row *sql.Row, id string) (*Snapshot, error) {
	var (
		createdAt int64
		meta      string
		modules   string
		failures  string
	)
	if err := row.Scan(&createdAt, &meta, &modules, &failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", hotmod.ErrSnapshotNotFound, id)
		}
		return nil, fmt.Errorf("%w: load snapshot %s: %v", hotmod.ErrPersistence, id, err)
	}
	return decodeSnapshot(id, createdAt, meta, modules, failures)
}

func decodeSnapshot(id string, createdAt int64, meta, modules, failures string) (*Snapshot, error) {
	snapshot := &Snapshot{ID: id, CreatedAt: fromMillis(createdAt)}

	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: decode snapshot metadata %s: %v", hotmod.ErrPersistence, id, err)
	}
	snapshot.Metadata = metadata

	if err := json.Unmarshal([]byte(modules), &snapshot.Modules); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot modules %s: %v", hotmod.ErrPersistence, id, err)
	}
	if failures != "" && failures != "null" {
		if err := json.Unmarshal([]byte(failures), &snapshot.Failures); err != nil {
			return nil, fmt.Errorf("%w: decode snapshot failures %s: %v", hotmod.ErrPersistence, id, err)
		}
	}
	return snapshot, nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMetadata(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "{}" || value == "null" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(value), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func toMillis(value time.Time) int64 { return value.UTC().UnixMilli() }

func fromMillis(value int64) time.Time { return time.UnixMilli(value).UTC() }
