package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Times are stored as unix nanoseconds so ordering and cutoffs compare as
// integers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteColumns = `id, recipient, payload, fire_at, status, attempts, last_error, created_at, updated_at`

func (s *sqliteStore) Put(ctx context.Context, job reminder.Job) error {
	job, err := normalizeNew(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+sqliteColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Recipient, job.Payload, job.FireAt.UnixNano(), string(job.Status),
		job.Attempts, nullStr(job.LastError), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", reminder.ErrDuplicateID, job.ID)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id), id)
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reminder.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id), id)
	if err != nil {
		return reminder.Job{}, err
	}
	if err := reminder.CheckTransition(cur, status, attempts); err != nil {
		return reminder.Job{}, err
	}
	next := cur.Apply(status, attempts, lastError, time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(next.Status), next.Attempts, nullStr(next.LastError), next.UpdatedAt.UnixNano(), id,
	); err != nil {
		return reminder.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return reminder.Job{}, err
	}
	return next, nil
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]reminder.Job, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE status = ?`, string(reminder.StatusPending))
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]reminder.Job, error) {
	q := `SELECT ` + sqliteColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND updated_at < ?`,
		string(reminder.StatusSent), string(reminder.StatusFailed), string(reminder.StatusCancelled),
		before.UTC().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]reminder.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Job
	for rows.Next() {
		j, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner, id string) (reminder.Job, error) {
	var (
		j                        reminder.Job
		status                   string
		lastErr                  sql.NullString
		fireAt, created, updated int64
	)
	err := r.Scan(&j.ID, &j.Recipient, &j.Payload, &fireAt, &status, &j.Attempts, &lastErr, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err != nil {
		return reminder.Job{}, err
	}
	j.Status = reminder.Status(status)
	j.LastError = lastErr.String
	j.FireAt = time.Unix(0, fireAt).UTC()
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return j, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
