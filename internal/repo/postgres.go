package repo

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/tinoosan/cidscope/internal/data"
	"github.com/tinoosan/cidscope/internal/reqid"
)

// PostgresRepo implements EntryRepo backed by PostgreSQL.
// Every statement carries the correlation id of its context as a leading
// SQL comment so it can be matched in pg_stat_activity and server logs.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo constructs a repository using the provided DSN.
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRepoFromEnv constructs a DSN using component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (cidscope),
//	POSTGRES_USER (cidscope), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func NewPostgresRepoFromEnv() (*PostgresRepo, error) {
	return NewPostgresRepo(DSNFromEnv())
}

// DSNFromEnv builds a postgres URL from the POSTGRES_* variables.
// Credentials and db name are URL-encoded to handle special characters safely.
func DSNFromEnv() string {
	host := getenv("POSTGRES_HOST", "postgres")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "cidscope")
	user := getenv("POSTGRES_USER", "cidscope")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS journal_entries (
    id UUID PRIMARY KEY,
    correlation_id TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status INTEGER NOT NULL,
    duration_ms BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_entries_correlation_id ON journal_entries (correlation_id);
`)
	return err
}

const selectEntry = `SELECT id,correlation_id,source,method,path,status,duration_ms,created_at FROM journal_entries`

// List implements EntryReader.List
func (r *PostgresRepo) List(ctx context.Context, limit int) (data.Entries, error) {
	q := selectEntry + ` ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		q = `SELECT * FROM (` + selectEntry + ` ORDER BY created_at DESC LIMIT $1) recent ORDER BY created_at ASC`
		args = append(args, limit)
	}
	return r.query(ctx, q, args...)
}

// Get implements EntryReader.Get
func (r *PostgresRepo) Get(ctx context.Context, id string) (*data.Entry, error) {
	row := r.db.QueryRowContext(ctx, annotate(ctx, selectEntry+` WHERE id=$1`), id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByCorrelation implements EntryReader.ListByCorrelation
func (r *PostgresRepo) ListByCorrelation(ctx context.Context, correlationID string) (data.Entries, error) {
	return r.query(ctx, selectEntry+` WHERE correlation_id=$1 ORDER BY created_at ASC`, correlationID)
}

// Add implements EntryWriter.Add
func (r *PostgresRepo) Add(ctx context.Context, e *data.Entry) (*data.Entry, error) {
	if !e.Source.Valid() {
		return nil, data.ErrBadSource
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, annotate(ctx, `INSERT INTO journal_entries (id,correlation_id,source,method,path,status,duration_ms,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`),
		id, e.CorrelationID, string(e.Source), e.Method, e.Path, e.Status, e.DurationMS, e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) (data.Entries, error) {
	rows, err := r.db.QueryContext(ctx, annotate(ctx, q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.Entries{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(rs rowScanner) (*data.Entry, error) {
	var (
		e      data.Entry
		source string
	)
	if err := rs.Scan(&e.ID, &e.CorrelationID, &source, &e.Method, &e.Path, &e.Status, &e.DurationMS, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Source = data.Source(source)
	return &e, nil
}

// annotate prefixes q with a comment naming the correlation id of ctx.
func annotate(ctx context.Context, q string) string {
	id, ok := reqid.From(ctx)
	if !ok {
		return q
	}
	return "/* correlation_id='" + sanitizeComment(id) + "' */ " + q
}

// sanitizeComment keeps only [A-Za-z0-9._:-] so caller supplied ids can
// neither close the comment nor the quote.
func sanitizeComment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == ':', r == '-':
			return r
		}
		return -1
	}, s)
}
