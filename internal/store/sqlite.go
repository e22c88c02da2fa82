// Package store provides SQLite-backed persistence for ledger snapshots.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultHistoryDepth is how many past snapshots are kept per key.
const DefaultHistoryDepth = 50

// SQLite stores named blobs in a SQLite database.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	depth  int
	logger *slog.Logger
}

// Options configures the SQLite store.
type Options struct {
	// Path to the SQLite database file.
	// If empty, uses an in-memory database.
	Path string

	// HistoryDepth is the number of past snapshots kept per key.
	HistoryDepth int

	Logger *slog.Logger
}

// HistoryEntry is one past snapshot.
type HistoryEntry struct {
	Key     string    `json:"key"`
	Blob    []byte    `json:"blob"`
	SavedAt time.Time `json:"saved_at"`
}

// Open opens (and migrates) the database.
func Open(ctx context.Context, opts Options) (*SQLite, error) {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dsn := ":memory:"
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.Path == "" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db, opts.Logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{
		db:     db,
		path:   opts.Path,
		depth:  opts.HistoryDepth,
		logger: opts.Logger,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys, goose.WithSlog(logger))
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Debug("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Save upserts blob under key and appends it to the key's history.
func (s *SQLite) Save(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (key, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, key, blob, now); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_history (key, blob, saved_at) VALUES (?, ?, ?)
	`, key, blob, now); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshot_history
		WHERE key = ? AND id NOT IN (
			SELECT id FROM snapshot_history WHERE key = ? ORDER BY id DESC LIMIT ?
		)
	`, key, key, s.depth); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	return tx.Commit()
}

// Load returns the blob saved under key, or nil when there is none.
func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", key, err)
	}
	return blob, nil
}

// History returns up to limit past snapshots for key, newest first.
func (s *SQLite) History(ctx context.Context, key string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = s.depth
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, blob, saved_at FROM snapshot_history
		WHERE key = ? ORDER BY id DESC LIMIT ?
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			savedAt string
		)
		if err := rows.Scan(&e.Key, &e.Blob, &savedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
			e.SavedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
