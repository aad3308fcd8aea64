// Package sqlite persists sessions in a local SQLite database, one JSON
// document per session.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"clinscribe/internal/models"
	"clinscribe/internal/schema"
	"clinscribe/internal/storage"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		createdAt TEXT NOT NULL,
		updatedAt TEXT NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS sessions_createdAt ON sessions(createdAt);
`

// Store is a storage.Store backed by SQLite.
type Store struct {
	db        *sql.DB
	validator *schema.Validator
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// DefaultPath returns the default database path under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "clinscribe.sqlite"
	}
	return filepath.Join(dir, "clinscribe", "clinscribe.sqlite")
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps writes serialized and ":memory:" shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, validator: schema.New(), now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	if err := s.validator.Validate(sess); err != nil {
		return err
	}
	return s.write(ctx, s.db, sess)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, db execer, sess *models.Session) error {
	doc, err := json.Marshal(toRecord(sess))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, createdAt, updatedAt, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updatedAt = excluded.updatedAt,
			document = excluded.document
	`, sess.ID, string(sess.Status), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) read(ctx context.Context, db queryer, id string) (*models.Session, error) {
	var doc string
	err := db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return decode(doc)
}

func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.read(ctx, s.db, id)
}

func (s *Store) Update(ctx context.Context, id string, p models.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.read(ctx, tx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("update %s: %w", id, storage.ErrNotFound)
	}
	p.Apply(sess)
	sess.UpdatedAt = s.now()
	if err := s.validator.Validate(sess); err != nil {
		return err
	}
	if err := s.write(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM sessions ORDER BY createdAt DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
