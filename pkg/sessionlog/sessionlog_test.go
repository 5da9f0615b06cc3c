package sessionlog_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/sessionlog"
	"github.com/relves/colog/pkg/types"
)

type fixture struct {
	provider *crypto.GoProvider
	secret   crypto.SignerSecret
	signer   crypto.SignerID
	session  types.SessionID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	p := crypto.MustGoProvider()
	secret := p.NewRandomSigner()
	id, err := p.SignerID(secret)
	require.NoError(t, err)
	return fixture{provider: p, secret: secret, signer: id, session: types.NewSessionID("agent", "s1")}
}

func (f fixture) newLog() *sessionlog.Log {
	return sessionlog.New(f.provider, "co_zTest", f.session, f.signer)
}

func change(t *testing.T, v any) []json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return []json.RawMessage{b}
}

func TestReplicaAcceptsSignedTransactions(t *testing.T) {
	f := newFixture(t)
	writer := f.newLog()

	var sig crypto.Signature
	for i := 0; i < 3; i++ {
		s, _, err := writer.AddNewTrustingTransaction(f.secret, change(t, map[string]any{"op": "set", "key": "k", "value": i}), int64(1000+i), nil)
		require.NoError(t, err)
		sig = s
	}
	assert.Equal(t, 3, writer.Len())
	assert.Equal(t, sig, writer.LastSignature())

	replica := f.newLog()
	added, err := replica.TryAdd(0, writer.Transactions(0), sig, false)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, writer.Transactions(0), replica.Transactions(0))

	// Replaying what is already known is a no-op.
	added, err = replica.TryAdd(0, writer.Transactions(0), sig, false)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestTryAddRejectsWithoutChangingState(t *testing.T) {
	f := newFixture(t)
	writer := f.newLog()
	sig1, _, err := writer.AddNewTrustingTransaction(f.secret, change(t, "a"), 1, nil)
	require.NoError(t, err)
	sig2, _, err := writer.AddNewTrustingTransaction(f.secret, change(t, "b"), 2, nil)
	require.NoError(t, err)

	replica := f.newLog()
	_, err = replica.TryAdd(0, writer.Transactions(0)[:1], sig1, false)
	require.NoError(t, err)

	_, err = replica.TryAdd(2, writer.Transactions(1), sig2, false)
	assert.ErrorIs(t, err, sessionlog.ErrNonContiguous)
	_, err = replica.TryAdd(-1, writer.Transactions(0), sig2, true)
	assert.ErrorIs(t, err, sessionlog.ErrNonContiguous)
	assert.Equal(t, 1, replica.Len())

	_, err = replica.TryAdd(1, writer.Transactions(1), sig1, false)
	assert.ErrorIs(t, err, sessionlog.ErrInvalidSignature)
	assert.Equal(t, 1, replica.Len())
	assert.Equal(t, sig1, replica.LastSignature())

	// The rejected attempt must not have advanced the hash chain.
	_, err = replica.TryAdd(1, writer.Transactions(1), sig2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, replica.Len())
}

func TestTryAddRejectsBadKeyReference(t *testing.T) {
	f := newFixture(t)
	bad := types.Transaction{Privacy: types.PrivacyPrivate, MadeAt: 1, KeyUsed: "nope", EncryptedChanges: "encrypted_Uxx"}
	_, err := f.newLog().TryAdd(0, []types.Transaction{bad}, "", true)
	assert.ErrorIs(t, err, sessionlog.ErrUnknownKey)

	key := f.provider.NewRandomKeySecret()
	bad.KeyUsed = key.ID
	bad.EncryptedChanges = ""
	log := f.newLog()
	_, err = log.TryAdd(0, []types.Transaction{bad}, "", true)
	assert.ErrorIs(t, err, sessionlog.ErrUnknownKey)
	assert.Zero(t, log.Len())
}

func TestUnknownSigner(t *testing.T) {
	f := newFixture(t)
	writer := f.newLog()
	sig, _, err := writer.AddNewTrustingTransaction(f.secret, change(t, 1), 1, nil)
	require.NoError(t, err)

	replica := sessionlog.New(f.provider, "co_zTest", f.session, "")
	_, err = replica.TryAdd(0, writer.Transactions(0), sig, false)
	assert.ErrorIs(t, err, sessionlog.ErrUnknownSigner)

	_, err = replica.TryAdd(0, writer.Transactions(0), sig, true)
	require.NoError(t, err)
}

func TestPrivateTransactions(t *testing.T) {
	f := newFixture(t)
	key := f.provider.NewRandomKeySecret()
	other := f.provider.NewRandomKeySecret()

	log := f.newLog()
	_, tx, err := log.AddNewPrivateTransaction(f.secret, change(t, map[string]string{"secret": "value"}), key, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, types.PrivacyPrivate, tx.Privacy)
	assert.Equal(t, key.ID, tx.KeyUsed)
	assert.Empty(t, tx.Changes)

	_, err = log.DecryptNextTransactionChangesJSON(0, other.Secret)
	assert.ErrorIs(t, err, crypto.ErrDecrypt)

	changes, err := log.Changes(0, key.Secret)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.JSONEq(t, `{"secret":"value"}`, string(changes[0]))

	_, err = log.DecryptNextTransactionChangesJSON(3, key.Secret)
	assert.ErrorIs(t, err, sessionlog.ErrOutOfRange)
}

func TestSignatureSpacing(t *testing.T) {
	f := newFixture(t)
	log := f.newLog()
	chunk := strings.Repeat("x", types.MaxRecommendedTxSize/4)

	var sigs []crypto.Signature
	for i := 0; i < 4; i++ {
		sig, _, err := log.AddNewTrustingTransaction(f.secret, change(t, chunk), int64(i), nil)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}

	// The fourth transaction pushes the running size past the limit.
	after := log.SignatureAfter()
	require.Len(t, after, 1)
	assert.Equal(t, sigs[3], after[3])
	assert.Zero(t, log.BytesSinceLastSignature())

	src := log.Source()
	assert.Equal(t, 4, src.Total())
	assert.Equal(t, sigs[3], src.LastSignature)
}
