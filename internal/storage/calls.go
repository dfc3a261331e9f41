package storage

import (
	"fmt"
	"time"

	"github.com/mvdwerf/bouwdeck/internal/call"
)

// CallRecord is one finished call as stored in the log.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// RecordCall writes one terminal session to the call log. Re-recording the
// same call id overwrites the previous row, which makes the writer safe
// against duplicate end events.
func (d *DB) RecordCall(info call.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO call_log (id, caller_id, receiver_id, kind, state, reason, detail, duration_ms, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			detail = excluded.detail,
			duration_ms = excluded.duration_ms,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`,
		info.ID, info.CallerID, info.ReceiverID, string(info.Kind), string(info.State),
		string(info.EndReason), info.Detail, info.Duration().Milliseconds(),
		info.StartedAt, info.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", info.ID, err)
	}
	return nil
}

// ListCalls returns the most recent calls, newest first.
func (d *DB) ListCalls(limit int) ([]CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, caller_id, receiver_id, kind, state, reason, detail, duration_ms, started_at, ended_at
		FROM call_log
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &r.Kind, &r.State,
			&r.Reason, &r.Detail, &r.DurationMS, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
