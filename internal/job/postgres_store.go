package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS videos (
    id            TEXT PRIMARY KEY,
    original_name TEXT NOT NULL,
    input_ref     TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'uploaded',
    output_path   TEXT NOT NULL DEFAULT '',
    resolutions   TEXT[] NOT NULL DEFAULT '{}',
    error         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
`

const jobColumns = `id, original_name, input_ref, status, output_path, resolutions, error, created_at, updated_at, completed_at`

// PostgresStore keeps jobs in the videos table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPool opens a connection pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, unavailable("connect database", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the videos table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j      Job
		status string
	)
	if err := row.Scan(
		&j.ID,
		&j.Name,
		&j.InputRef,
		&status,
		&j.OutputRef,
		&j.Resolutions,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	query := `
INSERT INTO videos (id, original_name, input_ref, status, output_path, resolutions, error, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	resolutions := j.Resolutions
	if resolutions == nil {
		resolutions = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		j.ID,
		j.Name,
		j.InputRef,
		string(j.Status),
		j.OutputRef,
		resolutions,
		j.ErrorMessage,
		j.CreatedAt,
		j.UpdatedAt,
		j.CompletedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, j.ID)
	}
	if err != nil {
		return unavailable("insert job", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM videos WHERE id = $1;`
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return j, nil
}

// UpdateStatus is a single conditional UPDATE: the row only changes when its
// current status is one that may move to next.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, next Status, f Fields) (*Job, error) {
	prior := make([]string, 0, 3)
	for _, st := range PriorStatuses(next) {
		prior = append(prior, string(st))
	}

	var resolutions []string
	if f.Resolutions != nil {
		resolutions = f.Resolutions
	}

	query := `
UPDATE videos
SET status = $2,
    updated_at = NOW(),
    output_path = COALESCE(NULLIF($3, ''), output_path),
    resolutions = COALESCE($4, resolutions),
    error = COALESCE(NULLIF($5, ''), error),
    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END
WHERE id = $1 AND status = ANY($7)
RETURNING ` + jobColumns + `;
`
	j, err := scanJob(s.pool.QueryRow(ctx, query,
		id,
		string(next),
		f.OutputRef,
		resolutions,
		f.Error,
		next.Terminal(),
		prior,
	))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("update job", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, transitionError(id, current.Status, next)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM videos WHERE ($1 = '' OR status = $1);`
	if err := s.pool.QueryRow(ctx, countQuery, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, unavailable("count jobs", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	query := `
SELECT ` + jobColumns + `
FROM videos
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;
`
	rows, err := s.pool.Query(ctx, query, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, unavailable("list jobs", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, unavailable("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list jobs", err)
	}
	return jobs, total, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status;`)
	if err != nil {
		return c, unavailable("job stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, unavailable("job stats", err)
		}
		c.add(Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return c, unavailable("job stats", err)
	}
	return c, nil
}
