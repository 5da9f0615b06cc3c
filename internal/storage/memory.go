package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// MemoryBackend keeps rows in process memory. Transactions are serialized
// and their writes are applied only on success.
type MemoryBackend struct {
	writeMu sync.Mutex

	mu           sync.RWMutex
	nextRowID    int64
	coValues     map[types.CoID]CoValueRow
	sessions     map[int64]SessionRow
	sessionIndex map[int64]map[types.SessionID]int64
	signatures   map[int64]map[int]crypto.Signature
	transactions map[int64]map[int]types.Transaction
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		coValues:     make(map[types.CoID]CoValueRow),
		sessions:     make(map[int64]SessionRow),
		sessionIndex: make(map[int64]map[types.SessionID]int64),
		signatures:   make(map[int64]map[int]crypto.Signature),
		transactions: make(map[int64]map[int]types.Transaction),
	}
}

func (b *MemoryBackend) GetCoValue(_ context.Context, id types.CoID) (*CoValueRow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.coValues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (b *MemoryBackend) GetCoValueSessions(_ context.Context, coValueRowID int64) ([]SessionRow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SessionRow, 0, len(b.sessionIndex[coValueRowID]))
	for _, rowID := range b.sessionIndex[coValueRowID] {
		out = append(out, b.sessions[rowID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (b *MemoryBackend) GetSignatures(_ context.Context, sessionRowID int64, firstNewTxIdx int) ([]SignatureAfterRow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []SignatureAfterRow
	for idx, sig := range b.signatures[sessionRowID] {
		if idx >= firstNewTxIdx {
			out = append(out, SignatureAfterRow{Idx: idx, Signature: sig})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (b *MemoryBackend) GetNewTransactionInSession(_ context.Context, sessionRowID int64, fromIdx int) ([]TransactionRow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []TransactionRow
	for idx, tx := range b.transactions[sessionRowID] {
		if idx >= fromIdx {
			out = append(out, TransactionRow{Idx: idx, Tx: tx})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (b *MemoryBackend) Transaction(ctx context.Context, fn func(Tx) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx := &memoryTx{
		b:        b,
		coValues: make(map[types.CoID]CoValueRow),
		sessions: make(map[int64]SessionRow),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, row := range tx.coValues {
		b.coValues[id] = row
	}
	for rowID, s := range tx.sessions {
		b.sessions[rowID] = s
		if b.sessionIndex[s.CoValue] == nil {
			b.sessionIndex[s.CoValue] = make(map[types.SessionID]int64)
		}
		b.sessionIndex[s.CoValue][s.SessionID] = rowID
	}
	for _, sig := range tx.signatures {
		if b.signatures[sig.session] == nil {
			b.signatures[sig.session] = make(map[int]crypto.Signature)
		}
		b.signatures[sig.session][sig.idx] = sig.sig
	}
	for _, t := range tx.transactions {
		if b.transactions[t.session] == nil {
			b.transactions[t.session] = make(map[int]types.Transaction)
		}
		b.transactions[t.session][t.idx] = t.tx
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) allocRowID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRowID++
	return b.nextRowID
}

// memoryTx stages writes until its transaction commits.
type memoryTx struct {
	b            *MemoryBackend
	coValues     map[types.CoID]CoValueRow
	sessions     map[int64]SessionRow
	signatures   []stagedSignature
	transactions []stagedTransaction
}

type stagedSignature struct {
	session int64
	idx     int
	sig     crypto.Signature
}

type stagedTransaction struct {
	session int64
	idx     int
	tx      types.Transaction
}

func (t *memoryTx) GetSingleCoValueSession(_ context.Context, coValueRowID int64, sessionID types.SessionID) (*SessionRow, error) {
	for _, s := range t.sessions {
		if s.CoValue == coValueRowID && s.SessionID == sessionID {
			return &s, nil
		}
	}
	t.b.mu.RLock()
	defer t.b.mu.RUnlock()
	rowID, ok := t.b.sessionIndex[coValueRowID][sessionID]
	if !ok {
		return nil, nil
	}
	s := t.b.sessions[rowID]
	return &s, nil
}

func (t *memoryTx) AddCoValue(_ context.Context, id types.CoID, header *types.Header) (int64, error) {
	row := CoValueRow{RowID: t.b.allocRowID(), ID: id, Header: header}
	t.coValues[id] = row
	return row.RowID, nil
}

func (t *memoryTx) AddSessionUpdate(_ context.Context, update SessionRow) (int64, error) {
	if update.RowID == 0 {
		update.RowID = t.b.allocRowID()
	}
	t.sessions[update.RowID] = update
	return update.RowID, nil
}

func (t *memoryTx) AddTransaction(_ context.Context, sessionRowID int64, idx int, tx types.Transaction) error {
	t.transactions = append(t.transactions, stagedTransaction{sessionRowID, idx, tx})
	return nil
}

func (t *memoryTx) AddSignatureAfter(_ context.Context, sessionRowID int64, idx int, sig crypto.Signature) error {
	t.signatures = append(t.signatures, stagedSignature{sessionRowID, idx, sig})
	return nil
}
