package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "picbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	ulocks *userLocks
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log, ulocks: newUserLocks()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", cfg.Path))
	return s, nil
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

func (s *sqliteStore) LockUser(id string) func() { return s.ulocks.lock(id) }

func (s *sqliteStore) Users(ctx context.Context) (map[string]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, time FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]UserRecord{}
	for rows.Next() {
		var id, t string
		if err := rows.Scan(&id, &t); err != nil {
			return nil, err
		}
		out[id] = UserRecord{Time: t}
	}
	return out, rows.Err()
}

func (s *sqliteStore) User(ctx context.Context, id string) (UserRecord, bool, error) {
	var t string
	err := s.db.QueryRowContext(ctx, `SELECT time FROM users WHERE id = ?`, id).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return UserRecord{Time: t}, true, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, id string, rec UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, time) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET time=excluded.time`,
		id, rec.Time,
	)
	return err
}

func (s *sqliteStore) History(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image FROM sent WHERE user_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var img string
		if err := rows.Scan(&img); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutHistory(ctx context.Context, id string, images []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sent WHERE user_id = ?`, id); err != nil {
		return err
	}
	for i, img := range images {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sent(user_id, position, image) VALUES(?,?,?)`, id, i, img); err != nil {
			return err
		}
	}
	return tx.Commit()
}
