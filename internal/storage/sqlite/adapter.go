package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// storeTx is the write side of a Store, bound to one SQL transaction.
type storeTx struct {
	tx *sql.Tx
}

var _ storage.Tx = (*storeTx)(nil)

func (t *storeTx) GetSingleCoValueSession(ctx context.Context, coValueRowID int64, sessionID types.SessionID) (*storage.SessionRow, error) {
	var r storage.SessionRow
	err := scanSession(t.tx.QueryRowContext(ctx,
		`SELECT rowID, coValue, sessionID, lastIdx, lastSignature, bytesSinceLastSignature
		 FROM sessions WHERE coValue = ? AND sessionID = ?`,
		coValueRowID, sessionID), &r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *storeTx) AddCoValue(ctx context.Context, id types.CoID, header *types.Header) (int64, error) {
	b, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode header of %s: %w", id, err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO coValues (id, header) VALUES (?, ?)`, id, string(b))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *storeTx) AddSessionUpdate(ctx context.Context, update storage.SessionRow) (int64, error) {
	if update.RowID != 0 {
		_, err := t.tx.ExecContext(ctx,
			`UPDATE sessions SET lastIdx = ?, lastSignature = ?, bytesSinceLastSignature = ?
			 WHERE rowID = ?`,
			update.LastIdx, update.LastSignature, update.BytesSinceLastSignature, update.RowID)
		return update.RowID, err
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (coValue, sessionID, lastIdx, lastSignature, bytesSinceLastSignature)
		 VALUES (?, ?, ?, ?, ?)`,
		update.CoValue, update.SessionID, update.LastIdx, update.LastSignature, update.BytesSinceLastSignature)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *storeTx) AddTransaction(ctx context.Context, sessionRowID int64, idx int, tx types.Transaction) error {
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %d: %w", idx, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO transactions (ses, idx, tx) VALUES (?, ?, ?)`,
		sessionRowID, idx, string(b))
	return err
}

func (t *storeTx) AddSignatureAfter(ctx context.Context, sessionRowID int64, idx int, sig crypto.Signature) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO signatureAfter (ses, idx, signature) VALUES (?, ?, ?)
		 ON CONFLICT(ses, idx) DO UPDATE SET signature = excluded.signature`,
		sessionRowID, idx, sig)
	return err
}
