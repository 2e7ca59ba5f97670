// Package eventlog persists emergency events to SQLite for audit and
// post-incident review. It implements estop.EventSink; persistence failures
// are reported to the caller, which logs them without blocking the safety
// path.
package eventlog

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/safety-control/estopd/internal/estop"
)

type Store struct {
	*sql.DB
}

// schema.sql defines the emergency_events audit table.
//
//go:embed schema.sql
var schemaSQL string

// Open creates or opens the audit database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply event schema: %v", err)
	}
	return &Store{db}, nil
}

// Append inserts one emergency event record.
func (s *Store) Append(ev estop.EmergencyEvent) error {
	actions, err := json.Marshal(ev.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %v", err)
	}
	_, err = s.Exec(`
		INSERT INTO emergency_events (id, timestamp, source, reason, actions, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Source, ev.Reason, string(actions), nullableTime(ev.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %v", ev.ID, err)
	}
	return nil
}

// Resolve stamps the resolution time on a previously appended event.
func (s *Store) Resolve(id string, at time.Time) error {
	res, err := s.Exec(`
		UPDATE emergency_events SET resolved_at = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to resolve event %s: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

// Recent returns up to limit events, most recent first. limit <= 0 returns
// all.
func (s *Store) Recent(limit int) ([]estop.EmergencyEvent, error) {
	query := `
		SELECT id, timestamp, source, reason, actions, resolved_at
		FROM emergency_events ORDER BY timestamp DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %v", err)
	}
	defer rows.Close()

	var out []estop.EmergencyEvent
	for rows.Next() {
		var (
			ev         estop.EmergencyEvent
			ts         string
			actions    sql.NullString
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Source, &ev.Reason, &actions, &resolvedAt); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp of event %s: %v", ev.ID, err)
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &ev.Actions); err != nil {
				return nil, fmt.Errorf("failed to decode actions of event %s: %v", ev.ID, err)
			}
		}
		if resolvedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse resolution of event %s: %v", ev.ID, err)
			}
			ev.ResolvedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
