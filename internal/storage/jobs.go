package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sidekick/internal/trigger"

	logx "sidekick/pkg/logx"
)

// JobState is the engine-owned lifecycle state persisted with each record.
type JobState string

const (
	JobPending  JobState = "pending"
	JobFiring   JobState = "firing"
	JobDisabled JobState = "disabled"
)

// JobRecord is the persisted form of a job. The handler is referenced by its
// symbolic kind plus a plain-data payload, so a record is fully
// reconstructable from the database and the process's handler registry alone.
type JobRecord struct {
	ID          string
	OwnerID     int64
	HandlerKind string
	Spec        trigger.Spec
	Payload     json.RawMessage
	State       JobState
	NextFireAt  *time.Time
	CreatedAt   time.Time
}

// PutJob upserts the record by id. The single-statement upsert keeps the
// operation atomic with respect to concurrent puts/removes of the same id.
func (s *Store) PutJob(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return errors.New("storage: job id is empty")
	}
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return fmt.Errorf("storage: marshal spec for %s: %w", rec.ID, err)
	}

	var next any
	if rec.NextFireAt != nil {
		next = rec.NextFireAt.UnixMilli()
	}
	payload := any(nil)
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, owner_id, handler_kind, spec, payload, state, next_fire_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id,
		   handler_kind=excluded.handler_kind,
		   spec=excluded.spec,
		   payload=excluded.payload,
		   state=excluded.state,
		   next_fire_at=excluded.next_fire_at,
		   created_at=excluded.created_at`,
		rec.ID, rec.OwnerID, rec.HandlerKind, string(specJSON), payload,
		string(rec.State), next, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: put job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob returns the record for id, with ok=false when absent.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, handler_kind, spec, payload, state, next_fire_at, created_at
		 FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("storage: get job %s: %w", id, err)
	}
	return rec, true, nil
}

// RemoveJob deletes the record, reporting whether it existed. Idempotent.
func (s *Store) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("storage: remove job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadJobs reads every persisted record, used once at startup to repopulate
// the engine. Records whose handler kind the predicate rejects, and records
// whose spec no longer parses, are logged and skipped: one bad record must
// not keep every other job from loading.
func (s *Store) LoadJobs(ctx context.Context, known func(kind string) bool) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, handler_kind, spec, payload, state, next_fire_at, created_at
		 FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: load jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			s.log.Warn("skipping unreadable job record", logx.Err(err))
			continue
		}
		if known != nil && !known(rec.HandlerKind) {
			s.log.Warn("skipping job with unknown handler kind",
				logx.String("job", rec.ID), logx.String("kind", rec.HandlerKind))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		rec       JobRecord
		specJSON  string
		payload   sql.NullString
		state     string
		nextMS    sql.NullInt64
		createdMS int64
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.HandlerKind, &specJSON,
		&payload, &state, &nextMS, &createdMS); err != nil {
		return JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(specJSON), &rec.Spec); err != nil {
		return JobRecord{}, fmt.Errorf("job %s: bad spec: %w", rec.ID, err)
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.State = JobState(state)
	if nextMS.Valid {
		t := time.UnixMilli(nextMS.Int64).UTC()
		rec.NextFireAt = &t
	}
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	return rec, nil
}
