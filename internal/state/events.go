package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// AppendEvent adds an event to the job's append-only log and sets e.Seq to
// the next sequence number for that job.
func (db *DB) AppendEvent(ctx context.Context, e *models.Event) error {
	data := string(e.Data)
	if data == "" {
		data = "{}"
	}
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		var seq int64
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?`, e.JobID)
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("next event seq: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (job_id, seq, type, data, timestamp) VALUES (?, ?, ?, ?, ?)
		`, e.JobID, seq, string(e.Type), data, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		e.Seq = seq
		return nil
	})
}

// ListEvents returns a job's events with seq greater than afterSeq, in order.
func (db *DB) ListEvents(ctx context.Context, jobID string, afterSeq int64) ([]models.Event, error) {
	rows, err := db.Query(ctx, `
		SELECT job_id, seq, type, data, timestamp FROM events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq
	`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var data, ts string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		e.Timestamp, _ = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastEventSeq returns the highest event sequence for a job, or 0.
func (db *DB) LastEventSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	row := db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE job_id = ?`, jobID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}
