// Package storage implements the embedded relational store behind trak.
//
// The store is a rebuildable materialization of the event log: every command
// opens it, operates, and closes it. SQLite runs in WAL mode with foreign
// keys enforced; schema migration is idempotent and happens on every open.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/trakhq/trak/internal/debug"
)

const (
	// DirName is the per-project state directory.
	DirName = ".trak"
	// DBFileName is the relational store inside DirName.
	DBFileName = "trak.db"
	// LogFileName is the event log inside DirName.
	LogFileName = "trak.jsonl"
)

var (
	// ErrNotFound is returned when a task id resolves to nothing.
	ErrNotFound = errors.New("task not found")
	// ErrAmbiguousID is returned when a partial id matches several tasks.
	ErrAmbiguousID = errors.New("ambiguous task id")
	// ErrInitRequired is returned when no .trak directory exists.
	ErrInitRequired = errors.New("no .trak directory found (run 'trak init' first)")
)

// Store is a handle on the trak database. Not safe for concurrent use from
// multiple goroutines beyond what database/sql provides; commands are
// short-lived single-threaded processes.
type Store struct {
	queries
	db   *sql.DB
	dir  string // the .trak directory
	path string // the database file
}

// Tx exposes the row-level operations inside one transaction.
type Tx struct {
	queries
}

// FindTrakDir locates the .trak directory for the current process.
// Resolution order: TRAK_DB env override (its parent directory); walk from
// the working directory up to the enclosing git root; ~/.trak. Returns ""
// when nothing exists.
func FindTrakDir() string {
	if p := os.Getenv("TRAK_DB"); p != "" {
		return filepath.Dir(p)
	}

	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, DirName)
			if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
				return candidate
			}
			// Stop at the git root: a .trak above it belongs to someone else.
			if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
				break
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, DirName)
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate
		}
	}
	return ""
}

// DBPath resolves the database file path, honoring the TRAK_DB override.
func DBPath() string {
	if p := os.Getenv("TRAK_DB"); p != "" {
		return p
	}
	dir := FindTrakDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, DBFileName)
}

// Open opens the store for the current project. Fails with ErrInitRequired
// when no .trak directory exists.
func Open(ctx context.Context) (*Store, error) {
	path := DBPath()
	if path == "" {
		return nil, ErrInitRequired
	}
	return openAt(ctx, path)
}

// Init creates the .trak directory under root (plus its .gitignore) and opens
// a fresh store there. Idempotent.
func Init(ctx context.Context, root string) (*Store, error) {
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	gitignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		content := "# trak local state; trak.jsonl is the shared source of truth\ntrak.db\ntrak.db-wal\ntrak.db-shm\ndebug.log\nlocks/\n"
		if err := os.WriteFile(gitignore, []byte(content), 0644); err != nil { // #nosec G306 -- meant to be committed
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return openAt(ctx, filepath.Join(dir, DBFileName))
}

func openAt(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrInitRequired
	}
	debug.SetLogDir(dir)

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{queries: queries{h: db}, db: db, dir: dir, path: path}, nil
}

// Dir returns the .trak directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// LogPath returns the event log path next to the database.
func (s *Store) LogPath() string { return filepath.Join(s.dir, LogFileName) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// InTx runs fn inside one transaction. fn returning an error (or panicking)
// rolls back; returning nil commits.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{queries: queries{h: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// dbtx is the subset of *sql.DB / *sql.Tx the row-level operations need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
