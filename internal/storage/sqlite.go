package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

// openDB opens a SQLite file and applies the schema. Both the owner store
// and the archive use it, so one file may serve both.
func openDB(ctx context.Context, path string, busy time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	db, err := openDB(ctx, cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Owners(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id FROM owner_state ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q queryer, owner int64) (digest.OwnerState, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM owner_state WHERE owner_id = ?`, owner).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.NewOwnerState(owner), nil
	}
	if err != nil {
		return digest.OwnerState{}, err
	}
	return decodeState(owner, []byte(data))
}

func (s *sqliteStore) LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error) {
	return loadState(ctx, s.db, owner)
}

func (s *sqliteStore) UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx, owner)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	b, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO owner_state(owner_id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		owner, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
