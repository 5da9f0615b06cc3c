// Package sqlite persists CoValue rows in SQLite databases, one per store
// name, under a shared base directory.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a storage.Backend over a single SQLite file.
type Store struct {
	db     *sql.DB
	name   string
	dbPath string
}

var _ storage.Backend = (*Store)(nil)

func OpenStore(basePath, name string) (*Store, error) {
	dir := filepath.Join(basePath, "stores", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(dir, "colog.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, name: name, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) DBPath() string {
	return s.dbPath
}

func (s *Store) GetCoValue(ctx context.Context, id types.CoID) (*storage.CoValueRow, error) {
	row := storage.CoValueRow{ID: id}
	var header string
	err := s.db.QueryRowContext(ctx,
		`SELECT rowID, header FROM coValues WHERE id = ?`, id).Scan(&row.RowID, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(header), &row.Header); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", id, err)
	}
	return &row, nil
}

func (s *Store) GetCoValueSessions(ctx context.Context, coValueRowID int64) ([]storage.SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowID, coValue, sessionID, lastIdx, lastSignature, bytesSinceLastSignature
		 FROM sessions WHERE coValue = ? ORDER BY sessionID`, coValueRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SessionRow
	for rows.Next() {
		var r storage.SessionRow
		if err := scanSession(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetSignatures(ctx context.Context, sessionRowID int64, firstNewTxIdx int) ([]storage.SignatureAfterRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, signature FROM signatureAfter WHERE ses = ? AND idx >= ? ORDER BY idx`,
		sessionRowID, firstNewTxIdx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SignatureAfterRow
	for rows.Next() {
		var r storage.SignatureAfterRow
		var sig string
		if err := rows.Scan(&r.Idx, &sig); err != nil {
			return nil, err
		}
		r.Signature = crypto.Signature(sig)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetNewTransactionInSession(ctx context.Context, sessionRowID int64, fromIdx int) ([]storage.TransactionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, tx FROM transactions WHERE ses = ? AND idx >= ? ORDER BY idx`,
		sessionRowID, fromIdx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TransactionRow
	for rows.Next() {
		var r storage.TransactionRow
		var raw string
		if err := rows.Scan(&r.Idx, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Tx); err != nil {
			return nil, fmt.Errorf("decode transaction %d of session row %d: %w", r.Idx, sessionRowID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transaction runs fn inside a SQL transaction and rolls it back if fn fails.
func (s *Store) Transaction(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner, r *storage.SessionRow) error {
	var sid, sig string
	if err := row.Scan(&r.RowID, &r.CoValue, &sid, &r.LastIdx, &sig, &r.BytesSinceLastSignature); err != nil {
		return err
	}
	r.SessionID = types.SessionID(sid)
	r.LastSignature = crypto.Signature(sig)
	return nil
}
