package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS videos (
	id          TEXT PRIMARY KEY,
	source_ref  TEXT NOT NULL,
	profile     JSONB NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
`

// Postgres is a Store on a videos table. Status changes lock the row and
// validate the step before writing.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the videos table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate videos table: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, job *process.VideoJob) error {
	prof, err := json.Marshal(job.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO videos (id, source_ref, profile, status, reason, chunk_count, output_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.SourceRef, prof, string(job.Status), job.Reason, job.ChunkCount, job.OutputPath, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*process.VideoJob, error) {
	var (
		job    process.VideoJob
		prof   []byte
		status string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, source_ref, profile, status, reason, chunk_count, output_path, created_at, updated_at
		FROM videos WHERE id = $1`, id,
	).Scan(&job.ID, &job.SourceRef, &prof, &status, &job.Reason, &job.ChunkCount, &job.OutputPath, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select video %s: %w", id, err)
	}
	if err := json.Unmarshal(prof, &job.Profile); err != nil {
		return nil, fmt.Errorf("decode profile of video %s: %w", id, err)
	}
	job.Status = process.Status(status)
	return &job, nil
}

func (p *Postgres) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT profile FROM videos WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("select profile of video %s: %w", id, err)
	}
	var prof profile.Profile
	if err := json.Unmarshal(raw, &prof); err != nil {
		return profile.Profile{}, fmt.Errorf("decode profile of video %s: %w", id, err)
	}
	return prof, nil
}

func (p *Postgres) SetStatus(ctx context.Context, id string, upd StatusUpdate) (Transition, error) {
	var t Transition
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock video %s: %w", id, err)
		}

		job := process.VideoJob{ID: id, Status: process.Status(current)}
		t, err = apply(&job, upd, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("video %s: %w", id, err)
		}
		if !t.Applied {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE videos SET
				status      = $2,
				reason      = CASE WHEN $3::text <> '' THEN $3::text ELSE reason END,
				chunk_count = CASE WHEN $4::int > 0 THEN $4::int ELSE chunk_count END,
				output_path = CASE WHEN $5::text <> '' THEN $5::text ELSE output_path END,
				updated_at  = $6
			WHERE id = $1`,
			id, string(upd.Status), upd.Reason, upd.ChunkCount, upd.OutputPath, job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update video %s: %w", id, err)
		}
		return nil
	})
	return t, err
}
