package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScheduleMeta is the human-facing side of a job: who asked for it, in which
// chat, and the original request text shown in listings. It is denormalized
// from job data for display; the jobs table stays the source of truth for
// scheduling, and when the two disagree the jobs table wins.
type ScheduleMeta struct {
	JobID           string
	OwnerID         int64
	ChatID          int64
	TaskKind        string
	OriginalRequest string
	Preferences     json.RawMessage
	CreatedAt       time.Time
}

func (s *Store) PutScheduleMeta(ctx context.Context, m ScheduleMeta) error {
	if m.JobID == "" {
		return errors.New("storage: schedule job id is empty")
	}
	prefs := any(nil)
	if len(m.Preferences) > 0 {
		prefs = string(m.Preferences)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(job_id, owner_id, chat_id, task_kind, original_request, preferences, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   owner_id=excluded.owner_id,
		   chat_id=excluded.chat_id,
		   task_kind=excluded.task_kind,
		   original_request=excluded.original_request,
		   preferences=excluded.preferences,
		   created_at=excluded.created_at`,
		m.JobID, m.OwnerID, m.ChatID, m.TaskKind, nullStr(m.OriginalRequest), prefs, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: put schedule meta %s: %w", m.JobID, err)
	}
	return nil
}

func (s *Store) GetScheduleMeta(ctx context.Context, jobID string) (ScheduleMeta, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, owner_id, chat_id, task_kind, original_request, preferences, created_at
		 FROM schedules WHERE job_id = ?`, jobID)
	m, err := scanScheduleMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleMeta{}, false, nil
	}
	if err != nil {
		return ScheduleMeta{}, false, fmt.Errorf("storage: get schedule meta %s: %w", jobID, err)
	}
	return m, true, nil
}

// ListSchedulesByOwner returns every entry for the owner, oldest first.
func (s *Store) ListSchedulesByOwner(ctx context.Context, ownerID int64) ([]ScheduleMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, owner_id, chat_id, task_kind, original_request, preferences, created_at
		 FROM schedules WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list schedules for %d: %w", ownerID, err)
	}
	defer rows.Close()

	var out []ScheduleMeta
	for rows.Next() {
		m, err := scanScheduleMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteScheduleMeta removes the entry, reporting whether it existed.
func (s *Store) DeleteScheduleMeta(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("storage: delete schedule meta %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanScheduleMeta(row rowScanner) (ScheduleMeta, error) {
	var (
		m         ScheduleMeta
		request   sql.NullString
		prefs     sql.NullString
		createdMS int64
	)
	if err := row.Scan(&m.JobID, &m.OwnerID, &m.ChatID, &m.TaskKind,
		&request, &prefs, &createdMS); err != nil {
		return ScheduleMeta{}, err
	}
	if request.Valid {
		m.OriginalRequest = request.String
	}
	if prefs.Valid {
		m.Preferences = json.RawMessage(prefs.String)
	}
	m.CreatedAt = time.UnixMilli(createdMS).UTC()
	return m, nil
}
