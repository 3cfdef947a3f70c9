// Package sqlite provides the SQLite-backed registry store.
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/landchain/registry/internal/store"
	"github.com/landchain/registry/internal/store/sqlite/migrations"
)

// Store persists transfers, assets and users in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// Single writer. Every multi-statement change runs in one transaction.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func receiptColumns(r *store.Receipt) (sql.NullString, sql.NullInt64, sql.NullString) {
	if r == nil {
		return sql.NullString{}, sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullString{String: r.TxHash, Valid: true},
		sql.NullInt64{Int64: int64(r.BlockNumber), Valid: true},
		sql.NullString{String: r.TransferHash, Valid: true}
}

func receiptFrom(tx sql.NullString, block sql.NullInt64, hash sql.NullString) *store.Receipt {
	if !tx.Valid {
		return nil
	}
	return &store.Receipt{
		TxHash:       tx.String,
		BlockNumber:  uint64(block.Int64),
		TransferHash: hash.String,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// uniqueViolation reports whether err is a unique constraint failure,
// optionally on the named column ("table.column").
func uniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return column == "" || strings.Contains(err.Error(), column)
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") &&
		(column == "" || strings.Contains(msg, column))
}

var (
	_ store.TransferStore = (*Store)(nil)
	_ store.AssetStore    = (*Store)(nil)
	_ store.UserStore     = (*Store)(nil)
)
