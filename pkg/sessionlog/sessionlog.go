// Package sessionlog implements the append-only, signed transaction log of
// one writer session in one CoValue.
package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

var (
	ErrInvalidSignature = errors.New("sessionlog: invalid signature")
	ErrNonContiguous    = errors.New("sessionlog: transactions do not continue the log")
	ErrUnknownKey       = errors.New("sessionlog: private transaction references an unknown key")
	ErrUnknownSigner    = errors.New("sessionlog: session signer is not known")
	ErrNotPrivate       = errors.New("sessionlog: transaction is not private")
	ErrOutOfRange       = errors.New("sessionlog: transaction index out of range")
)

// Log is one session's transactions plus its signature chain. A Log is not
// safe for concurrent use; the owning CoValue serializes access.
type Log struct {
	crypto    crypto.Provider
	coID      types.CoID
	sessionID types.SessionID
	signer    crypto.SignerID

	transactions            []types.Transaction
	lastSignature           crypto.Signature
	signatureAfter          map[int]crypto.Signature
	bytesSinceLastSignature int

	hash      *crypto.StreamingHash
	decrypted map[int]json.RawMessage
}

// New creates an empty log for sessionID in coID. signer is the public key the
// session owner signs with; it may be empty when only trusted replay is used.
func New(provider crypto.Provider, coID types.CoID, sessionID types.SessionID, signer crypto.SignerID) *Log {
	return &Log{
		crypto:         provider,
		coID:           coID,
		sessionID:      sessionID,
		signer:         signer,
		signatureAfter: map[int]crypto.Signature{},
		hash:           provider.NewStreamingHash(),
		decrypted:      map[int]json.RawMessage{},
	}
}

func (l *Log) SessionID() types.SessionID { return l.sessionID }

// Len is the number of transactions, i.e. the next free index.
func (l *Log) Len() int { return len(l.transactions) }

func (l *Log) LastSignature() crypto.Signature { return l.lastSignature }

func (l *Log) BytesSinceLastSignature() int { return l.bytesSinceLastSignature }

// SetSigner supplies the signer once the session owner has been resolved.
func (l *Log) SetSigner(id crypto.SignerID) { l.signer = id }

func (l *Log) Signer() crypto.SignerID { return l.signer }

// Transaction returns the transaction at idx.
func (l *Log) Transaction(idx int) (types.Transaction, bool) {
	if idx < 0 || idx >= len(l.transactions) {
		return types.Transaction{}, false
	}
	return l.transactions[idx], true
}

// Transactions returns a copy of the transactions from index from onward.
func (l *Log) Transactions(from int) []types.Transaction {
	if from >= len(l.transactions) {
		return nil
	}
	if from < 0 {
		from = 0
	}
	return append([]types.Transaction(nil), l.transactions[from:]...)
}

// SignatureAfter returns a copy of the intermediate signature points.
func (l *Log) SignatureAfter() map[int]crypto.Signature {
	out := make(map[int]crypto.Signature, len(l.signatureAfter))
	for idx, sig := range l.signatureAfter {
		out[idx] = sig
	}
	return out
}

// Source exposes the log to the content builder.
func (l *Log) Source() protocol.SessionSource {
	return protocol.SessionSource{
		SessionID:      l.sessionID,
		Transactions:   l.Transactions(0),
		SignatureAfter: l.SignatureAfter(),
		LastSignature:  l.lastSignature,
	}
}

// TryAdd appends txs, which start at index after, and checks newSignature
// against the hash of the whole resulting log. Transactions already present
// are skipped. On any error the log is left unchanged. It returns the number of
// transactions actually appended.
func (l *Log) TryAdd(after int, txs []types.Transaction, newSignature crypto.Signature, skipVerify bool) (int, error) {
	if after < 0 || after > len(l.transactions) {
		return 0, fmt.Errorf("%w: after %d, have %d", ErrNonContiguous, after, len(l.transactions))
	}
	skip := len(l.transactions) - after
	if skip >= len(txs) {
		return 0, nil
	}
	fresh := txs[skip:]

	for i := range fresh {
		if err := l.checkKey(&fresh[i]); err != nil {
			return 0, err
		}
	}

	next := l.hash.Clone()
	var digest crypto.Hash
	for i := range fresh {
		h, err := next.Update(fresh[i])
		if err != nil {
			return 0, fmt.Errorf("hash transaction %d: %w", after+skip+i, err)
		}
		digest = h
	}

	if !skipVerify {
		if l.signer == "" {
			return 0, ErrUnknownSigner
		}
		if !l.crypto.Verify(newSignature, digest, l.signer) {
			return 0, fmt.Errorf("%w: session %s up to %d", ErrInvalidSignature, l.sessionID, after+len(txs))
		}
	}

	l.commit(next, fresh, newSignature)
	return len(fresh), nil
}

func (l *Log) checkKey(tx *types.Transaction) error {
	if tx.Privacy != types.PrivacyPrivate {
		return nil
	}
	if !crypto.IsKeyID(string(tx.KeyUsed)) || tx.EncryptedChanges == "" {
		return fmt.Errorf("%w: %q", ErrUnknownKey, tx.KeyUsed)
	}
	return nil
}

// commit appends a verified batch. A signature point is recorded once the
// bytes since the previous one exceed MaxRecommendedTxSize, matching what
// storage persists for the same batch.
func (l *Log) commit(hash *crypto.StreamingHash, txs []types.Transaction, sig crypto.Signature) {
	l.hash = hash
	for i := range txs {
		l.bytesSinceLastSignature += txs[i].Size()
	}
	l.transactions = append(l.transactions, txs...)
	l.lastSignature = sig
	if l.bytesSinceLastSignature > types.MaxRecommendedTxSize {
		l.signatureAfter[len(l.transactions)-1] = sig
		l.bytesSinceLastSignature = 0
	}
}

// AddNewTrustingTransaction signs and appends a plaintext transaction.
func (l *Log) AddNewTrustingTransaction(signer crypto.SignerSecret, changes []json.RawMessage, madeAt int64, meta json.RawMessage) (crypto.Signature, types.Transaction, error) {
	tx, err := types.NewTrustingTransaction(madeAt, changes)
	if err != nil {
		return "", types.Transaction{}, fmt.Errorf("encode changes: %w", err)
	}
	if len(meta) > 0 {
		tx.Meta = string(meta)
	}
	return l.addSigned(signer, tx)
}

// AddNewPrivateTransaction encrypts changes with key and appends the result.
func (l *Log) AddNewPrivateTransaction(signer crypto.SignerSecret, changes []json.RawMessage, key crypto.KeyPair, madeAt int64, meta json.RawMessage) (crypto.Signature, types.Transaction, error) {
	if changes == nil {
		changes = []json.RawMessage{}
	}
	enc, err := l.crypto.Encrypt(changes, key.Secret, l.nonceMaterial(len(l.transactions)))
	if err != nil {
		return "", types.Transaction{}, fmt.Errorf("encrypt changes: %w", err)
	}
	tx := types.Transaction{
		Privacy:          types.PrivacyPrivate,
		MadeAt:           madeAt,
		KeyUsed:          key.ID,
		EncryptedChanges: enc,
	}
	if len(meta) > 0 {
		tx.Meta = string(meta)
	}
	return l.addSigned(signer, tx)
}

func (l *Log) addSigned(secret crypto.SignerSecret, tx types.Transaction) (crypto.Signature, types.Transaction, error) {
	next := l.hash.Clone()
	digest, err := next.Update(tx)
	if err != nil {
		return "", types.Transaction{}, fmt.Errorf("hash transaction: %w", err)
	}
	sig, err := l.crypto.Sign(secret, digest)
	if err != nil {
		return "", types.Transaction{}, fmt.Errorf("sign transaction: %w", err)
	}
	l.commit(next, []types.Transaction{tx}, sig)
	return sig, tx, nil
}

func (l *Log) nonceMaterial(idx int) types.TxNonceMaterial {
	return types.TxNonceMaterial{
		In: l.coID,
		Tx: types.TransactionID{SessionID: l.sessionID, TxIndex: idx},
	}
}

// DecryptNextTransactionChangesJSON decrypts the changes of the private
// transaction at idx with key. Successful results are cached.
func (l *Log) DecryptNextTransactionChangesJSON(idx int, key crypto.KeySecret) (json.RawMessage, error) {
	if cached, ok := l.decrypted[idx]; ok {
		return cached, nil
	}
	tx, ok := l.Transaction(idx)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, idx)
	}
	if tx.Privacy != types.PrivacyPrivate {
		return nil, ErrNotPrivate
	}
	raw, err := l.crypto.Decrypt(tx.EncryptedChanges, key, l.nonceMaterial(idx))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s/%d: %w", l.sessionID, idx, err)
	}
	l.decrypted[idx] = raw
	return raw, nil
}

// Changes returns the decoded changes of the transaction at idx. Private
// transactions are decrypted with key, which may be empty for trusting ones.
func (l *Log) Changes(idx int, key crypto.KeySecret) ([]json.RawMessage, error) {
	tx, ok := l.Transaction(idx)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, idx)
	}
	raw := json.RawMessage(tx.Changes)
	if tx.Privacy == types.PrivacyPrivate {
		dec, err := l.DecryptNextTransactionChangesJSON(idx, key)
		if err != nil {
			return nil, err
		}
		raw = dec
	}
	var changes []json.RawMessage
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("decode changes %s/%d: %w", l.sessionID, idx, err)
	}
	return changes, nil
}
