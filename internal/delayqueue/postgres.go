package delayqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for the Postgres backend.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS kv_lists (
	id         BIGSERIAL PRIMARY KEY,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists (key, id);

CREATE TABLE IF NOT EXISTS kv_sets (
	key        TEXT NOT NULL,
	member     TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (key, member)
);
`

// Expiry is computed with the database clock so that every process agrees on it.
const expiresAtExpr = `CASE WHEN $3::float8 > 0 THEN NOW() + $3::float8 * INTERVAL '1 second' END`

// Postgres implements Backend on top of three small tables.
type Postgres struct {
	pg     *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres backend.
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *Postgres {
	return &Postgres{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

// EnsureSchema creates the backend tables if needed.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.pg.EnsureSchema(ctx, "delay_queue", Schema)
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	query := `
		SELECT value
		FROM kv_entries
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	var value string
	if err := p.db.GetContext(ctx, &value, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, ` + expiresAtExpr + `)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at
	`
	if opts.OnlyIfAbsent {
		// An expired holder counts as absent; the conflicting row is locked
		// while the WHERE clause is evaluated.
		query += `
		WHERE kv_entries.expires_at IS NOT NULL
		  AND kv_entries.expires_at <= NOW()
		`
	}

	result, err := p.db.ExecContext(ctx, query, key, value, opts.TTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1 AND value = $2`, key, value)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func (p *Postgres) ListAppend(ctx context.Context, key, value string) error {
	if _, err := p.db.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES ($1, $2)`, key, value); err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) ListReadAll(ctx context.Context, key string) ([]string, error) {
	var values []string
	if err := p.db.SelectContext(ctx, &values, `SELECT value FROM kv_lists WHERE key = $1 ORDER BY id`, key); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

type listRow struct {
	ID    int64  `db:"id"`
	Value string `db:"value"`
}

// ListDrain uses a single DELETE ... RETURNING. Rows committed after the
// statement's snapshot are not touched and stay for the next drain; a
// concurrent drain blocks on the row locks and then skips rows already gone.
func (p *Postgres) ListDrain(ctx context.Context, key string) ([]string, error) {
	var rows []listRow
	if err := p.db.SelectContext(ctx, &rows, `DELETE FROM kv_lists WHERE key = $1 RETURNING id, value`, key); err != nil {
		return nil, fmt.Errorf("failed to drain %s: %w", key, err)
	}

	// RETURNING carries no ordering guarantee.
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	values := make([]string, len(rows))
	for i, r := range rows {
		values[i] = r.Value
	}

	if len(values) > 0 {
		p.logger.Debug("List drained",
			slog.String("key", key),
			slog.Int("count", len(values)),
		)
	}

	return values, nil
}

func (p *Postgres) SetAdd(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO kv_sets (key, member, expires_at)
		VALUES ($1, $2, ` + expiresAtExpr + `)
		ON CONFLICT (key, member) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE kv_sets.expires_at IS NOT NULL
		  AND kv_sets.expires_at <= NOW()
	`

	result, err := p.db.ExecContext(ctx, query, key, member, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to add to set %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func (p *Postgres) SetContains(ctx context.Context, key, member string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM kv_sets
			WHERE key = $1
			  AND member = $2
			  AND (expires_at IS NULL OR expires_at > NOW())
		)
	`

	var exists bool
	if err := p.db.GetContext(ctx, &exists, query, key, member); err != nil {
		return false, fmt.Errorf("failed to check set %s: %w", key, err)
	}
	return exists, nil
}

// PurgeExpired removes expired entries and set members. Reads already ignore
// them, this only reclaims space.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, query := range []string{
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
		`DELETE FROM kv_sets WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
	} {
		result, err := p.db.ExecContext(ctx, query)
		if err != nil {
			return total, fmt.Errorf("failed to purge expired rows: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
