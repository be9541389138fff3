// Package store persists projected timeline events and backfill cursors
// in SQLite. Events are keyed by fingerprint, so re-ingesting a page is a
// cheap no-op instead of a correctness problem.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agenc-labs/replay/core/pkg/backfill"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// SQLiteTimelineStore implements backfill.TimelineStore for one trace.
type SQLiteTimelineStore struct {
	db      *sql.DB
	traceID string
}

// NewSQLiteTimelineStore binds a store to a trace and runs migrations.
func NewSQLiteTimelineStore(db *sql.DB, traceID string) (*SQLiteTimelineStore, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	s := &SQLiteTimelineStore{db: db, traceID: traceID}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteTimelineStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS timeline_events (
		fingerprint TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		entity_ref TEXT NOT NULL DEFAULT '',
		slot INTEGER NOT NULL,
		signature TEXT NOT NULL,
		source_event_name TEXT NOT NULL,
		source_event_sequence INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		payload JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_trace_order
		ON timeline_events (trace_id, slot, signature);

	CREATE TABLE IF NOT EXISTS replay_cursors (
		trace_id TEXT PRIMARY KEY,
		slot INTEGER NOT NULL,
		signature TEXT NOT NULL,
		trace_span_id TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save inserts projected events, absorbing rows whose fingerprint is
// already present. The whole batch commits or rolls back together so a
// partial page can never look durable.
func (s *SQLiteTimelineStore) Save(ctx context.Context, events []projector.Event) (backfill.SaveResult, error) {
	var res backfill.SaveResult
	if len(events) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT OR IGNORE INTO timeline_events (
		fingerprint, trace_id, seq, event_type, entity_ref, slot, signature,
		source_event_name, source_event_sequence, timestamp_ms, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return res, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return backfill.SaveResult{}, fmt.Errorf("marshal payload seq %d: %w", ev.Seq, err)
		}
		out, err := stmt.ExecContext(ctx,
			ev.Fingerprint, s.traceID, ev.Seq, ev.Type, ev.EntityRef, ev.Slot, ev.Signature,
			ev.SourceEventName, ev.SourceEventSequence, ev.TimestampMs, string(payload),
		)
		if err != nil {
			return backfill.SaveResult{}, fmt.Errorf("insert event seq %d: %w", ev.Seq, err)
		}
		affected, err := out.RowsAffected()
		if err != nil {
			return backfill.SaveResult{}, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return backfill.SaveResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// GetCursor returns the persisted cursor for the bound trace, or nil when
// no backfill has completed a page yet.
func (s *SQLiteTimelineStore) GetCursor(ctx context.Context) (*backfill.Cursor, error) {
	query := `SELECT slot, signature, trace_span_id FROM replay_cursors WHERE trace_id = ?`

	c := &backfill.Cursor{TraceID: s.traceID}
	err := s.db.QueryRowContext(ctx, query, s.traceID).Scan(&c.Slot, &c.Signature, &c.TraceSpanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cursor: %w", err)
	}
	return c, nil
}

// SaveCursor upserts the cursor. A nil cursor clears the resume position.
func (s *SQLiteTimelineStore) SaveCursor(ctx context.Context, cursor *backfill.Cursor) error {
	if cursor == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM replay_cursors WHERE trace_id = ?`, s.traceID)
		if err != nil {
			return fmt.Errorf("clear cursor: %w", err)
		}
		return nil
	}

	query := `INSERT INTO replay_cursors (trace_id, slot, signature, trace_span_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			slot = excluded.slot,
			signature = excluded.signature,
			trace_span_id = excluded.trace_span_id`

	_, err := s.db.ExecContext(ctx, query, s.traceID, cursor.Slot, cursor.Signature, cursor.TraceSpanID)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// LoadEvents reads the stored timeline for the bound trace in canonical
// order, for replay and incident construction over persisted history.
func (s *SQLiteTimelineStore) LoadEvents(ctx context.Context) ([]projector.Event, error) {
	query := `SELECT fingerprint, seq, event_type, entity_ref, slot, signature,
		source_event_name, source_event_sequence, timestamp_ms, payload
	FROM timeline_events
	WHERE trace_id = ?
	ORDER BY slot, signature, seq`

	rows, err := s.db.QueryContext(ctx, query, s.traceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []projector.Event
	for rows.Next() {
		var ev projector.Event
		var payload string
		if err := rows.Scan(
			&ev.Fingerprint, &ev.Seq, &ev.Type, &ev.EntityRef, &ev.Slot, &ev.Signature,
			&ev.SourceEventName, &ev.SourceEventSequence, &ev.TimestampMs, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload seq %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Count returns the number of stored events for the bound trace.
func (s *SQLiteTimelineStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline_events WHERE trace_id = ?`, s.traceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
