package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added expression index on attrs.work_unit_id
const currentSchemaVersion = 1

// Store is the SQLite ledger backend. It implements ledger.Backend.
type Store struct {
	db *sql.DB
}

var _ ledger.Backend = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes the work unit reference inside attrs, which most
// projections filter on.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_ledger_work_unit
		ON ledger_entries(json_extract(attrs, '$.work_unit_id'), sequence)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Head implements ledger.Backend.
func (s *Store) Head(ctx context.Context) (ir.LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		ORDER BY sequence DESC
		LIMIT 1
	`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.LedgerEntry{}, false, nil
	}
	if err != nil {
		return ir.LedgerEntry{}, false, fmt.Errorf("read head: %w", err)
	}
	return e, true, nil
}

// Insert implements ledger.Backend. The batch is written in one
// transaction; the first row is inserted only if it extends the current
// head.
func (s *Store) Insert(ctx context.Context, entries []ir.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	first := entries[0]
	attrs, err := marshalAttrs(first.Attrs)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(sequence, prev_hash, entry_hash, kind, payload_ref, actor_id, timestamp, attrs)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT MAX(sequence) FROM ledger_entries), 0) = ?
		  AND COALESCE((SELECT entry_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1), ?) = ?
	`,
		first.Sequence, first.PrevHash, first.EntryHash, string(first.Kind),
		first.PayloadRef, first.ActorID, first.Timestamp.UTC().UnixNano(), attrs,
		first.Sequence-1, ir.GenesisHash, first.PrevHash,
	)
	if err != nil {
		return classifyInsertError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert: rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrSequenceTaken
	}

	for i, e := range entries[1:] {
		prev := entries[i]
		if e.Sequence != prev.Sequence+1 || e.PrevHash != prev.EntryHash {
			return fmt.Errorf("insert: batch is not contiguous at sequence %d", e.Sequence)
		}
		attrs, err := marshalAttrs(e.Attrs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(sequence, prev_hash, entry_hash, kind, payload_ref, actor_id, timestamp, attrs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.Sequence, e.PrevHash, e.EntryHash, string(e.Kind),
			e.PayloadRef, e.ActorID, e.Timestamp.UTC().UnixNano(), attrs,
		)
		if err != nil {
			return classifyInsertError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyInsertError(err)
	}
	return nil
}

// classifyInsertError maps key collisions from a concurrent writer to
// ledger.ErrSequenceTaken.
func classifyInsertError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return ledger.ErrSequenceTaken
		}
	}
	return fmt.Errorf("insert: %w", err)
}

// Range implements ledger.Backend.
func (s *Store) Range(ctx context.Context, from, to uint64) ([]ir.LedgerEntry, error) {
	f := ledger.Filter{FromSeq: from, ToSeq: to}
	return s.Scan(ctx, f)
}

// Scan implements ledger.Backend.
func (s *Store) Scan(ctx context.Context, f ledger.Filter) ([]ir.LedgerEntry, error) {
	query, params := compileFilter(f)
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	var entries []ir.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

const entryColumns = "sequence, prev_hash, entry_hash, kind, payload_ref, actor_id, timestamp, attrs"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ir.LedgerEntry, error) {
	var (
		e     ir.LedgerEntry
		kind  string
		ts    int64
		attrs string
	)
	if err := row.Scan(&e.Sequence, &e.PrevHash, &e.EntryHash, &kind, &e.PayloadRef, &e.ActorID, &ts, &attrs); err != nil {
		return ir.LedgerEntry{}, err
	}
	e.Kind = ir.EntryKind(kind)
	e.Timestamp = ir.FromUnixNanos(ts)
	if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("decode attrs at sequence %d: %w", e.Sequence, err)
	}
	return e, nil
}

// marshalAttrs stores attrs as canonical JSON so that the stored text is
// exactly the hashed encoding.
func marshalAttrs(attrs ir.IRObject) (string, error) {
	if attrs == nil {
		attrs = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(data), nil
}
