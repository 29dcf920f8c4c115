package jobstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

//go:embed schema.sql
var schema string

const jobColumns = `
	id, tenant_id, user_id, status, options, media, result, error_msg, attempts,
	estimated_minutes, actual_minutes, committed, idempotency_key, worker_id,
	started_at, completed_at, created_at, updated_at
`

// OpenPool creates a pgx connection pool and verifies it with a ping
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	return openPoolDSN(ctx, dsn, cfg.MaxConns, cfg.MinConns)
}

func openPoolDSN(ctx context.Context, dsn string, maxConns, minConns int) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolConfig.MinConns = int32(minConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// PostgresStore persists jobs in the transcription_jobs table. Transitions
// are a single conditional UPDATE, so concurrent workers race on the row and
// exactly one wins.
type PostgresStore struct {
	pool *pgxpool.Pool
	hook terminalHook
}

// NewPostgresStore creates a store on an open pool
func NewPostgresStore(pool *pgxpool.Pool, releaser Releaser, logger *logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		hook: terminalHook{releaser: releaser, logger: logger},
	}
}

// Migrate creates the jobs table and indexes if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job store: %w", err)
	}
	return nil
}

// Create inserts a new queued job
func (s *PostgresStore) Create(ctx context.Context, job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.JobStatusQueued

	options, err := json.Marshal(job.Options)
	if err != nil {
		return "", fmt.Errorf("failed to marshal options: %w", err)
	}
	media, err := json.Marshal(job.Media)
	if err != nil {
		return "", fmt.Errorf("failed to marshal media: %w", err)
	}

	query := `
		INSERT INTO transcription_jobs (id, tenant_id, user_id, status, options, media,
		                                estimated_minutes, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = s.pool.QueryRow(ctx, query,
		job.ID, job.TenantID, job.UserID, string(job.Status), options, media,
		job.EstimatedMinutes, job.IdempotencyKey,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	return job.ID, nil
}

// Get retrieves a job by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcription_jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Transition applies a compare-and-swap state change
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to models.JobStatus, update Update) (*models.Job, error) {
	if !models.CanTransition(from, to) {
		terr := &models.TransitionError{JobID: id, From: from, To: to, Actual: from}
		s.hook.rejected(terr)
		return nil, terr
	}

	var result []byte
	if update.Result != nil {
		var err error
		if result, err = json.Marshal(update.Result); err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE transcription_jobs SET
			status         = $3,
			updated_at     = NOW(),
			attempts       = attempts + CASE WHEN $3 = 'running' THEN 1 ELSE 0 END,
			worker_id      = CASE WHEN $3 = 'running' THEN $4
			                      WHEN $3 = 'queued' THEN '' ELSE worker_id END,
			started_at     = CASE WHEN $3 = 'running' THEN NOW()
			                      WHEN $3 = 'queued' THEN NULL ELSE started_at END,
			completed_at   = CASE WHEN $3 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			result         = COALESCE($5, result),
			error_msg      = CASE WHEN $6 <> '' THEN $6 ELSE error_msg END,
			actual_minutes = CASE WHEN $7 > 0 THEN $7 ELSE actual_minutes END,
			committed      = committed OR $8
		WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, string(from), string(to), update.WorkerID, result,
		update.ErrorMsg, update.ActualMinutes, update.Committed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMiss(ctx, id, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	s.hook.after(ctx, job)
	return job, nil
}

// explainMiss tells a missing job apart from a state mismatch
func (s *PostgresStore) explainMiss(ctx context.Context, id string, from, to models.JobStatus) error {
	var actual models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM transcription_jobs WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}

	terr := &models.TransitionError{JobID: id, From: from, To: to, Actual: actual}
	s.hook.rejected(terr)
	return terr
}

// Heartbeat refreshes a running job's updated_at
func (s *PostgresStore) Heartbeat(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcription_jobs SET updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return models.ErrLeaseLost
	}
	return nil
}

// ListStale returns jobs in status not updated since olderThan, oldest first
func (s *PostgresStore) ListStale(ctx context.Context, status models.JobStatus, olderThan time.Time) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM transcription_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT 500
	`

	rows, err := s.pool.Query(ctx, query, string(status), olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job                    models.Job
		options, media, result []byte
	)

	err := row.Scan(
		&job.ID, &job.TenantID, &job.UserID, &job.Status, &options, &media, &result,
		&job.ErrorMsg, &job.Attempts, &job.EstimatedMinutes, &job.ActualMinutes,
		&job.Committed, &job.IdempotencyKey, &job.WorkerID,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := job.Options.Scan(options); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if err := job.Media.Scan(media); err != nil {
		return nil, fmt.Errorf("failed to decode media: %w", err)
	}
	if len(result) > 0 {
		job.Result = &models.Transcript{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	return &job, nil
}
