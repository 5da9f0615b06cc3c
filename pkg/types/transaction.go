package types

import (
	"encoding/json"

	"github.com/relves/colog/pkg/crypto"
)

// Privacy distinguishes plaintext from encrypted transactions.
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// Transaction is one signed entry of a session log. Changes and Meta are
// stringified JSON so the signed bytes never depend on re-encoding.
type Transaction struct {
	Privacy          Privacy          `json:"privacy"`
	MadeAt           int64            `json:"madeAt"`
	Changes          string           `json:"changes,omitempty"`
	KeyUsed          crypto.KeyID     `json:"keyUsed,omitempty"`
	EncryptedChanges crypto.Encrypted `json:"encryptedChanges,omitempty"`
	Meta             string           `json:"meta,omitempty"`
}

// NewTrustingTransaction encodes changes as a plaintext transaction.
func NewTrustingTransaction(madeAt int64, changes []json.RawMessage) (Transaction, error) {
	b, err := json.Marshal(changes)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Privacy: PrivacyTrusting, MadeAt: madeAt, Changes: string(b)}, nil
}

// Size approximates the wire size of a transaction for signature spacing.
func (t *Transaction) Size() int {
	if t.Privacy == PrivacyPrivate {
		return len(t.EncryptedChanges) + len(t.Meta)
	}
	return len(t.Changes) + len(t.Meta)
}

// TransactionID locates a transaction within a CoValue.
type TransactionID struct {
	SessionID SessionID `json:"sessionID"`
	TxIndex   int       `json:"txIndex"`
}

// TxNonceMaterial is the nonce material for encrypting a transaction's changes.
type TxNonceMaterial struct {
	In CoID          `json:"in"`
	Tx TransactionID `json:"tx"`
}

// MaxRecommendedTxSize is the number of bytes after which a session log
// records an intermediate signature and a content stream starts a new message.
const MaxRecommendedTxSize = 100 * 1024
