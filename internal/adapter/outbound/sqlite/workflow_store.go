// Package sqlite provides durable persistence for workflow instances.
//
// Browser handles are not serializable, so sessions are not snapshotted:
// after a restart the pool starts empty and a resumed workflow transparently
// re-acquires a session for its owner fingerprint. The workflow record
// (phase + collected fields) is the minimal serializable unit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/formbridge/formbridge/internal/domain/workflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	fingerprint   TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	phase         TEXT NOT NULL,
	failed_at     TEXT NOT NULL DEFAULT '',
	fatal         INTEGER NOT NULL DEFAULT 0,
	fields        TEXT NOT NULL DEFAULT '{}',
	result        TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_last_activity ON workflows(last_activity);
`

// WorkflowStore implements workflow.Store on a local sqlite database.
type WorkflowStore struct {
	db *sql.DB
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*WorkflowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &WorkflowStore{db: db}, nil
}

// Close closes the underlying database.
func (s *WorkflowStore) Close() error {
	return s.db.Close()
}

// Create stores a new instance.
func (s *WorkflowStore) Create(ctx context.Context, inst *workflow.Instance) error {
	fields, result, err := encodeMaps(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, fingerprint, session_id, phase, failed_at, fatal,
			fields, result, attempts, last_error, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Fingerprint, inst.SessionID, string(inst.Phase),
		string(inst.FailedAt), boolToInt(inst.Fatal), fields, result,
		inst.Attempts, inst.LastError,
		inst.CreatedAt.UnixMicro(), inst.LastActivity.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", inst.ID, err)
	}
	return nil
}

// Get retrieves an instance by id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, session_id, phase, failed_at, fatal,
			fields, result, attempts, last_error, created_at, last_activity
		FROM workflows WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	return inst, err
}

// Update saves changes to an existing instance.
func (s *WorkflowStore) Update(ctx context.Context, inst *workflow.Instance) error {
	fields, result, err := encodeMaps(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET fingerprint = ?, session_id = ?, phase = ?,
			failed_at = ?, fatal = ?, fields = ?, result = ?, attempts = ?,
			last_error = ?, last_activity = ?
		WHERE id = ?`,
		inst.Fingerprint, inst.SessionID, string(inst.Phase),
		string(inst.FailedAt), boolToInt(inst.Fatal), fields, result,
		inst.Attempts, inst.LastError, inst.LastActivity.UnixMicro(), inst.ID)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

// Delete removes an instance. Absent ids are a no-op.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// ListIdle returns instances whose last activity is older than the cutoff.
func (s *WorkflowStore) ListIdle(ctx context.Context, before time.Time) ([]*workflow.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, session_id, phase, failed_at, fatal,
			fields, result, attempts, last_error, created_at, last_activity
		FROM workflows WHERE last_activity < ?`, before.UnixMicro())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Size returns the number of stored instances, for the active-workflows
// gauge. Errors read as zero; the gauge is best-effort.
func (s *WorkflowStore) Size() int {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM workflows`).Scan(&n)
	return n
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*workflow.Instance, error) {
	var (
		inst              workflow.Instance
		phase, failedAt   string
		fatal             int
		fields            string
		result            sql.NullString
		created, activity int64
	)
	err := row.Scan(&inst.ID, &inst.Fingerprint, &inst.SessionID, &phase,
		&failedAt, &fatal, &fields, &result, &inst.Attempts,
		&inst.LastError, &created, &activity)
	if err != nil {
		return nil, err
	}
	inst.Phase = workflow.Phase(phase)
	inst.FailedAt = workflow.Phase(failedAt)
	inst.Fatal = fatal != 0
	inst.CreatedAt = time.UnixMicro(created).UTC()
	inst.LastActivity = time.UnixMicro(activity).UTC()
	if err := json.Unmarshal([]byte(fields), &inst.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of workflow %s: %w", inst.ID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &inst.Result); err != nil {
			return nil, fmt.Errorf("decode result of workflow %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func encodeMaps(inst *workflow.Instance) (fields string, result sql.NullString, err error) {
	f, err := json.Marshal(inst.Fields)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode fields: %w", err)
	}
	if inst.Result != nil {
		r, err := json.Marshal(inst.Result)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(r), Valid: true}
	}
	return string(f), result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var _ workflow.Store = (*WorkflowStore)(nil)
