package storage

import (
	"context"
	"errors"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
	// ErrAbandoned is reported to queued stores dropped after an earlier
	// store for the same CoValue failed.
	ErrAbandoned = errors.New("storage: abandoned after earlier failure")
)

// CoValueRow is a stored header.
type CoValueRow struct {
	RowID  int64
	ID     types.CoID
	Header *types.Header
}

// SessionRow is the stored tail of one session. LastIdx counts the stored
// transactions.
type SessionRow struct {
	RowID                   int64
	CoValue                 int64
	SessionID               types.SessionID
	LastIdx                 int
	LastSignature           crypto.Signature
	BytesSinceLastSignature int
}

// SignatureAfterRow is an intermediate signature over a session up to and
// including Idx.
type SignatureAfterRow struct {
	Idx       int
	Signature crypto.Signature
}

// TransactionRow is one stored transaction.
type TransactionRow struct {
	Idx int
	Tx  types.Transaction
}

// Backend persists CoValue rows. Reads may run concurrently; all writes for
// one session update go through a single Transaction so a failure leaves no
// partial session behind.
type Backend interface {
	// GetCoValue returns ErrNotFound if id was never stored.
	GetCoValue(ctx context.Context, id types.CoID) (*CoValueRow, error)
	GetCoValueSessions(ctx context.Context, coValueRowID int64) ([]SessionRow, error)
	// GetSignatures returns intermediate signatures at or after firstNewTxIdx.
	GetSignatures(ctx context.Context, sessionRowID int64, firstNewTxIdx int) ([]SignatureAfterRow, error)
	// GetNewTransactionInSession returns transactions from fromIdx on, in order.
	GetNewTransactionInSession(ctx context.Context, sessionRowID int64, fromIdx int) ([]TransactionRow, error)
	// Transaction runs fn atomically. If fn returns an error nothing it wrote is kept.
	Transaction(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the write side of a Backend, valid inside Transaction.
type Tx interface {
	// GetSingleCoValueSession returns nil if the session has no rows yet.
	GetSingleCoValueSession(ctx context.Context, coValueRowID int64, sessionID types.SessionID) (*SessionRow, error)
	AddCoValue(ctx context.Context, id types.CoID, header *types.Header) (int64, error)
	// AddSessionUpdate inserts the session when update.RowID is zero and
	// updates it otherwise. It returns the session row ID.
	AddSessionUpdate(ctx context.Context, update SessionRow) (int64, error)
	AddTransaction(ctx context.Context, sessionRowID int64, idx int, tx types.Transaction) error
	AddSignatureAfter(ctx context.Context, sessionRowID int64, idx int, sig crypto.Signature) error
}
