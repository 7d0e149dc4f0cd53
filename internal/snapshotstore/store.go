// Package snapshotstore persists the append-only event log and per-shard
// snapshot manifests the engine needs for crash-safe recovery (spec.md
// §4.4: "on start each shard replays its event log from the last snapshot
// checkpoint... replay must be deterministic"). It replaces the teacher's
// JSON-file store (internal/store/store.go) with a schema-versioned
// modernc.org/sqlite database, connection-string PRAGMAs adapted from the
// aristath-sentinel ledger profile (WAL, full fsync, no auto-vacuum — safe
// for an append-only audit trail rather than the teacher's ephemeral
// per-market position blobs).
package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ims-engine/internal/codec"
	"ims-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	shard_id    INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	event_id    TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	PRIMARY KEY (shard_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshot_manifest (
	shard_id       INTEGER PRIMARY KEY,
	seq            INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	payload        BLOB NOT NULL,
	created_at     INTEGER NOT NULL
);
`

// Store wraps the sqlite connection backing the event log and snapshot
// manifests.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates (or attaches to) the database at path, applying a
// ledger-profile connection string: WAL journaling, full synchronous fsync,
// and no auto-vacuum, since this is an append-only audit trail, not
// reclaimable cache.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("snapshotstore: resolve path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("snapshotstore: create dir: %w", err)
		}
		path = absPath
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // single writer per shard database; avoids SQLITE_BUSY under WAL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("snapshotstore: ping: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("snapshotstore: migrate schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// AppendEvent journals one envelope at (shardID, seq). seq must be
// monotonically increasing per shard; the primary key rejects out-of-order
// or duplicate writes.
func (s *Store) AppendEvent(ctx context.Context, shardID int, seq int64, env types.Envelope, recordedAt time.Time) error {
	payload, err := codec.Encode(env)
	if err != nil {
		return fmt.Errorf("snapshotstore: encode event: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO event_log (shard_id, seq, event_id, recorded_at, payload) VALUES (?, ?, ?, ?, ?)`,
		shardID, seq, env.EventID, recordedAt.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: append event shard=%d seq=%d: %w", shardID, seq, err)
	}
	return nil
}

// ReplayFrom walks the event log for shardID starting at fromSeq (exclusive
// of anything before it), invoking fn in seq order. Replay stops and
// returns fn's error immediately, same as applying the live stream.
func (s *Store) ReplayFrom(ctx context.Context, shardID int, fromSeq int64, fn func(seq int64, env types.Envelope) error) error {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, payload FROM event_log WHERE shard_id = ? AND seq >= ? ORDER BY seq ASC`,
		shardID, fromSeq,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: query event log shard=%d: %w", shardID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("snapshotstore: scan event row: %w", err)
		}
		env, err := codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("snapshotstore: decode event shard=%d seq=%d: %w", shardID, seq, err)
		}
		if err := fn(seq, env); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveSnapshot records the latest checkpoint for a shard, overwriting any
// prior one (spec.md §4.4: "snapshots are taken every N events or T
// seconds").
func (s *Store) SaveSnapshot(ctx context.Context, shardID int, seq int64, schemaVersion int, payload []byte, now time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO snapshot_manifest (shard_id, seq, schema_version, payload, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(shard_id) DO UPDATE SET seq = excluded.seq, schema_version = excluded.schema_version,
		   payload = excluded.payload, created_at = excluded.created_at`,
		shardID, seq, schemaVersion, payload, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: save snapshot shard=%d: %w", shardID, err)
	}
	return nil
}

// Snapshot is the latest checkpoint recorded for a shard.
type Snapshot struct {
	Seq           int64
	SchemaVersion int
	Payload       []byte
	CreatedAt     time.Time
}

// LoadLatestSnapshot returns the most recent snapshot for shardID, or
// ok=false if none has ever been saved (fresh shard, replay from seq 0).
func (s *Store) LoadLatestSnapshot(ctx context.Context, shardID int) (Snapshot, bool, error) {
	var snap Snapshot
	var createdAt int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT seq, schema_version, payload, created_at FROM snapshot_manifest WHERE shard_id = ?`,
		shardID,
	).Scan(&snap.Seq, &snap.SchemaVersion, &snap.Payload, &createdAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshotstore: load snapshot shard=%d: %w", shardID, err)
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return snap, true, nil
}

// Path returns the backing file path, mainly for diagnostics/logging.
func (s *Store) Path() string {
	return s.path
}
