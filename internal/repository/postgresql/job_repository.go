package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"playful-backend/internal/entity"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate job id")
)

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO jobs (id, name, template, parameters, state, created_at, updated_at, log)
VALUES ($1, $2, $3, $4, $5, $6, $6, '[]'::jsonb);
`
	_, err = r.pool.Exec(ctx, q,
		job.ID, job.Name, job.Template, params, string(job.State), job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

const jobColumns = `
id, name, template, parameters, state,
remote_run_id, remote_status, remote_conclusion, run_url,
output_url, error, log,
created_at, updated_at, dispatched_at, started_at, finished_at
`

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByState returns a snapshot of all jobs currently in one of the given
// states, oldest first.
func (r *JobRepository) ListByState(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE state = ANY($1) ORDER BY created_at;`

	ss := make([]string, len(states))
	for i, s := range states {
		ss[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, q, ss)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Patch applies a partial update as a single UPDATE statement, so two
// workers patching the same job cannot lose each other's fields.
// remote_run_id and output_url keep their first value: once set they are
// never reassigned, whatever a later patch carries.
func (r *JobRepository) Patch(ctx context.Context, id uuid.UUID, p entity.JobPatch) error {
	const q = `
UPDATE jobs SET
	state             = COALESCE($2, state),
	remote_run_id     = COALESCE(remote_run_id, $3),
	remote_status     = COALESCE($4, remote_status),
	remote_conclusion = COALESCE($5, remote_conclusion),
	run_url           = COALESCE($6, run_url),
	output_url        = COALESCE(output_url, $7),
	error             = COALESCE($8, error),
	dispatched_at     = COALESCE(dispatched_at, $9),
	started_at        = COALESCE(started_at, $10),
	finished_at       = COALESCE(finished_at, $11),
	updated_at        = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id,
		(*string)(p.State),
		p.RemoteRunID,
		p.RemoteStatus,
		p.RemoteConclusion,
		p.RunURL,
		p.OutputURL,
		p.Error,
		p.DispatchedAt,
		p.StartedAt,
		p.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog appends one timestamped line to the job's log array.
func (r *JobRepository) AppendLog(ctx context.Context, id uuid.UUID, msg string) error {
	entry, err := json.Marshal([]entity.LogEntry{{At: time.Now().UTC(), Message: msg}})
	if err != nil {
		return err
	}

	const q = `UPDATE jobs SET log = log || $2::jsonb WHERE id = $1;`

	tag, err := r.pool.Exec(ctx, q, id, entry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job        entity.Job
		stateText  string
		paramBytes []byte
		logBytes   []byte
		runURL     *string
		remStatus  *string
		remConcl   *string
	)

	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Template,
		&paramBytes,
		&stateText,
		&job.RemoteRunID,
		&remStatus,
		&remConcl,
		&runURL,
		&job.OutputURL,
		&job.Error,
		&logBytes,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.DispatchedAt,
		&job.StartedAt,
		&job.FinishedAt,
	); err != nil {
		return nil, err
	}

	job.State = entity.JobState(stateText)
	if remStatus != nil {
		job.RemoteStatus = *remStatus
	}
	if remConcl != nil {
		job.RemoteConclusion = *remConcl
	}
	if runURL != nil {
		job.RunURL = *runURL
	}
	if len(paramBytes) > 0 {
		if err := json.Unmarshal(paramBytes, &job.Parameters); err != nil {
			return nil, err
		}
	}
	if len(logBytes) > 0 {
		if err := json.Unmarshal(logBytes, &job.Log); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
