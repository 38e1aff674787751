package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "weekplan/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

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

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) CurrentTaskSet(ctx context.Context) (json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var tasks string
	err := s.db.QueryRowContext(ctx, `SELECT tasks FROM task_set WHERE id = 1`).Scan(&tasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(tasks), nil
}

func (s *sqliteStore) ReplaceTaskSet(ctx context.Context, tasks json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT tasks FROM task_set WHERE id = 1`).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO history(archived_at, tasks) VALUES(?,?)`,
			time.Now().UTC().Format(time.RFC3339Nano), prev)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_set(id, tasks, updated_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET tasks=excluded.tasks, updated_at=excluded.updated_at`,
		string(tasks), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) History(ctx context.Context, limit int) ([]Archive, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, archived_at, tasks FROM history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		var (
			a  Archive
			at string
			ts string
		)
		if err := rows.Scan(&a.ID, &at, &ts); err != nil {
			return nil, err
		}
		if a.ArchivedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		a.Tasks = json.RawMessage(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneHistory(ctx context.Context, keep int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`, keep)
	return err
}

func (s *sqliteStore) SaveReport(ctx context.Context, report json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report(id, report, updated_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET report=excluded.report, updated_at=excluded.updated_at`,
		string(report), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) LatestReport(ctx context.Context) (json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var report string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM report WHERE id = 1`).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(report), nil
}
