package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepo persists attempts with pgx. It assumes the following tables:
//
//   tasks       (amazon_id PK, enabled, topic, show_host,
//                min_call_duration_seconds, leave_voicemail_after_seconds,
//                approval_code, created_at)
//   workers     (amazon_id PK, name, gender, location, caller_id, created_at)
//   assignments (amazon_id PK, task_id FK, worker_id FK, call_step,
//                call_started_at, call_connected_at, call_completed_at,
//                words_to_pronounce TEXT[], progress TEXT[],
//                voicemail_url, voicemail_duration_seconds,
//                feedback, user_agent, created_at, updated_at)
//
// The progress trail is an embedded TEXT[] column rather than a side table so
// it commits (or rolls back) atomically with the step transition that
// produced it.

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

const taskColumns = `
amazon_id, enabled, topic, show_host,
min_call_duration_seconds, leave_voicemail_after_seconds,
approval_code, created_at
`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var minCallSecs, voicemailAfterSecs int64
	err := row.Scan(
		&t.AmazonID,
		&t.Enabled,
		&t.Topic,
		&t.ShowHost,
		&minCallSecs,
		&voicemailAfterSecs,
		&t.ApprovalCode,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	t.MinCallDuration = time.Duration(minCallSecs) * time.Second
	t.LeaveVoicemailAfter = time.Duration(voicemailAfterSecs) * time.Second
	return t, nil
}

func (r *PostgresRepo) GetTask(ctx context.Context, amazonID string) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE amazon_id = $1 AND enabled`
	return scanTask(r.pool.QueryRow(ctx, q, amazonID))
}

func (r *PostgresRepo) LatestTask(ctx context.Context) (Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE enabled ORDER BY created_at DESC LIMIT 1`
	return scanTask(r.pool.QueryRow(ctx, q))
}

func (r *PostgresRepo) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	const q = `
INSERT INTO workers (amazon_id, name, gender, location, caller_id, created_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (amazon_id)
DO UPDATE SET location  = EXCLUDED.location,
              caller_id = EXCLUDED.caller_id
RETURNING amazon_id, name, gender, location, caller_id, created_at
`
	var out Worker
	err := r.pool.QueryRow(ctx, q, w.AmazonID, w.Name, w.Gender, w.Location, w.CallerID).Scan(
		&out.AmazonID,
		&out.Name,
		&out.Gender,
		&out.Location,
		&out.CallerID,
		&out.CreatedAt,
	)
	if err != nil {
		return Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	return out, nil
}

const workerColumns = `amazon_id, name, gender, location, caller_id, created_at`

func (r *PostgresRepo) GetWorker(ctx context.Context, amazonID string) (Worker, error) {
	q := `SELECT ` + workerColumns + ` FROM workers WHERE amazon_id = $1`
	var w Worker
	err := r.pool.QueryRow(ctx, q, amazonID).Scan(
		&w.AmazonID,
		&w.Name,
		&w.Gender,
		&w.Location,
		&w.CallerID,
		&w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Worker{}, ErrNotFound
		}
		return Worker{}, err
	}
	return w, nil
}

func (r *PostgresRepo) UpdateWorkerName(ctx context.Context, amazonID, name string, gender Gender) error {
	const q = `UPDATE workers SET name = $2, gender = $3 WHERE amazon_id = $1`
	tag, err := r.pool.Exec(ctx, q, amazonID, name, string(gender))
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const assignmentColumns = `
amazon_id, task_id, worker_id, call_step,
call_started_at, call_connected_at, call_completed_at,
words_to_pronounce, progress,
voicemail_url, voicemail_duration_seconds,
feedback, user_agent, created_at, updated_at
`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var step string
	var voicemailSecs int64
	err := row.Scan(
		&a.AmazonID,
		&a.TaskID,
		&a.WorkerID,
		&step,
		&a.CallStartedAt,
		&a.CallConnectedAt,
		&a.CallCompletedAt,
		&a.WordsToPronounce,
		&a.Progress,
		&a.VoicemailURL,
		&voicemailSecs,
		&a.Feedback,
		&a.UserAgent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, err
	}
	parsed, err := ParseCallStep(step)
	if err != nil {
		return Assignment{}, err
	}
	a.CallStep = parsed
	a.VoicemailDuration = time.Duration(voicemailSecs) * time.Second
	return a, nil
}

func (r *PostgresRepo) Upsert(ctx context.Context, a Assignment) (Assignment, error) {
	// Handshake refresh keeps the call state of an existing row; only the
	// identity fields are rewritten.
	const q = `
INSERT INTO assignments (
  amazon_id, task_id, worker_id, call_step,
  words_to_pronounce, progress, user_agent,
  voicemail_url, voicemail_duration_seconds, feedback,
  created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0, '', now(), now())
ON CONFLICT (amazon_id)
DO UPDATE SET task_id    = EXCLUDED.task_id,
              worker_id  = EXCLUDED.worker_id,
              user_agent = CASE WHEN EXCLUDED.user_agent <> '' THEN EXCLUDED.user_agent
                                ELSE assignments.user_agent END,
              updated_at = now()
RETURNING ` + assignmentColumns
	row := r.pool.QueryRow(ctx, q,
		a.AmazonID,
		a.TaskID,
		a.WorkerID,
		string(a.CallStep),
		a.WordsToPronounce,
		a.Progress,
		a.UserAgent,
	)
	out, err := scanAssignment(row)
	if err != nil {
		return Assignment{}, fmt.Errorf("upsert assignment: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, amazonID string) (Assignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM assignments WHERE amazon_id = $1`
	return scanAssignment(r.pool.QueryRow(ctx, q, amazonID))
}

// Mutate serializes concurrent webhook deliveries for one attempt behind a
// SELECT ... FOR UPDATE row lock. fn returning an error rolls the whole
// transaction back, so no partial transition or orphaned progress record can
// be observed.
func (r *PostgresRepo) Mutate(ctx context.Context, amazonID string, fn func(a *Assignment, task Task) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + assignmentColumns + ` FROM assignments WHERE amazon_id = $1 FOR UPDATE`
	a, err := scanAssignment(tx.QueryRow(ctx, q, amazonID))
	if err != nil {
		return err
	}

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE amazon_id = $1`, a.TaskID))
	if err != nil {
		return err
	}

	if err := fn(&a, task); err != nil {
		return err
	}

	const update = `
UPDATE assignments
SET call_step                  = $2,
    call_started_at            = $3,
    call_connected_at          = $4,
    call_completed_at          = $5,
    words_to_pronounce         = $6,
    progress                   = $7,
    voicemail_url              = $8,
    voicemail_duration_seconds = $9,
    feedback                   = $10,
    updated_at                 = $11
WHERE amazon_id = $1
`
	_, err = tx.Exec(ctx, update,
		a.AmazonID,
		string(a.CallStep),
		a.CallStartedAt,
		a.CallConnectedAt,
		a.CallCompletedAt,
		a.WordsToPronounce,
		a.Progress,
		a.VoicemailURL,
		int64(a.VoicemailDuration/time.Second),
		a.Feedback,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return tx.Commit(ctx)
}
