// Package store implements the miner's local persisted state:
// a SQLite-backed key/value cache for raw transactions and token groups,
// and a YAML-encoded operator configuration blob.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"go.dmint.dev/miner/types"
)

// SQLiteCache is the local K/V cache keyed by txid for raw transactions and
// by ref for token groups (Persisted state).
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (creating if absent) the SQLite database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: applying pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_tx (
			txid BLOB PRIMARY KEY,
			raw  BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS token_group (
			ref_txid BLOB NOT NULL,
			ref_vout INTEGER NOT NULL,
			metadata BLOB NOT NULL,
			PRIMARY KEY (ref_txid, ref_vout)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("store: initializing schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteCache) Close() error { return s.db.Close() }

// PutRawTx caches raw under txid.
func (s *SQLiteCache) PutRawTx(ctx context.Context, txid types.TxID, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO raw_tx(txid, raw) VALUES (?, ?)`, txid[:], raw)
	if err != nil {
		return fmt.Errorf("store: caching raw tx %s: %w", txid, err)
	}
	return nil
}

// GetRawTx returns the cached raw transaction for txid, or ok=false if
// absent.
func (s *SQLiteCache) GetRawTx(ctx context.Context, txid types.TxID) (raw []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT raw FROM raw_tx WHERE txid = ?`, txid[:])
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: fetching raw tx %s: %w", txid, err)
	}
	return raw, true, nil
}

// PutTokenGroup caches a token's raw CBOR metadata under ref.
func (s *SQLiteCache) PutTokenGroup(ctx context.Context, ref types.Ref, metadata []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO token_group(ref_txid, ref_vout, metadata) VALUES (?, ?, ?)`,
		ref.TxID[:], ref.Vout, metadata)
	if err != nil {
		return fmt.Errorf("store: caching token group %s: %w", ref, err)
	}
	return nil
}

// GetTokenGroup returns the cached raw CBOR metadata for ref, or ok=false
// if absent.
func (s *SQLiteCache) GetTokenGroup(ctx context.Context, ref types.Ref) (metadata []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM token_group WHERE ref_txid = ? AND ref_vout = ?`, ref.TxID[:], ref.Vout)
	if err := row.Scan(&metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: fetching token group %s: %w", ref, err)
	}
	return metadata, true, nil
}
