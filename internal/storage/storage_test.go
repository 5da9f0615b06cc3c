package storage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

const testSession = types.SessionID("sealer_zA/signer_zB_session_zC")

func header(uniqueness string) *types.Header {
	return &types.Header{
		Type:       types.TypeCoMap,
		Ruleset:    types.Ruleset{Type: types.RulesetUnsafeAllowAll},
		Uniqueness: uniqueness,
	}
}

func txOfSize(n int) types.Transaction {
	return types.Transaction{Privacy: types.PrivacyTrusting, MadeAt: 1, Changes: strings.Repeat("x", n)}
}

func piece(after int, sig string, txs ...types.Transaction) map[types.SessionID]protocol.SessionNewContent {
	return map[types.SessionID]protocol.SessionNewContent{
		testSession: {After: after, NewTransactions: txs, LastSignature: crypto.Signature(sig)},
	}
}

func newManager(t *testing.T, backend storage.Backend) *storage.Manager {
	t.Helper()
	m, err := storage.NewManager(storage.ManagerConfig{Backend: backend})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestSignatureSpacing(t *testing.T) {
	backend := storage.NewMemoryBackend()
	m := newManager(t, backend)
	ctx := context.Background()
	id := types.CoID("co_zSpacing")
	unit := types.MaxRecommendedTxSize / 100

	require.NoError(t, m.Store(ctx, []*protocol.ContentMessage{
		{ID: id, Header: header("a"), New: piece(0, "signature_z1", txOfSize(40*unit), txOfSize(40*unit))},
		{ID: id, New: piece(2, "signature_z2", txOfSize(40*unit))},
		{ID: id, New: piece(3, "signature_z3", txOfSize(30*unit))},
	}, nil))

	row, err := backend.GetCoValue(ctx, id)
	require.NoError(t, err)
	sessions, err := backend.GetCoValueSessions(ctx, row.RowID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 4, sessions[0].LastIdx)
	assert.Equal(t, crypto.Signature("signature_z3"), sessions[0].LastSignature)
	assert.Equal(t, 30*unit, sessions[0].BytesSinceLastSignature)

	sigs, err := backend.GetSignatures(ctx, sessions[0].RowID, 0)
	require.NoError(t, err)
	assert.Equal(t, []storage.SignatureAfterRow{{Idx: 2, Signature: "signature_z2"}}, sigs)

	// Replay cuts content at the stored signature.
	var msgs []*protocol.ContentMessage
	found, err := m.Load(ctx, types.EmptyKnownState(id), func(msg protocol.Message) {
		if c, ok := msg.(*protocol.ContentMessage); ok {
			msgs = append(msgs, c)
		}
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, msgs, 2)
	assert.Equal(t, 0, msgs[0].New[testSession].After)
	assert.Equal(t, crypto.Signature("signature_z2"), msgs[0].New[testSession].LastSignature)
	assert.Equal(t, 3, msgs[1].New[testSession].After)
}

func TestStoreSkipsOverlapAndCorrectsGaps(t *testing.T) {
	m := newManager(t, storage.NewMemoryBackend())
	ctx := context.Background()
	id := types.CoID("co_zGaps")

	var corrections []types.KnownState
	onCorrection := func(ks types.KnownState) { corrections = append(corrections, ks) }

	require.NoError(t, m.Store(ctx, []*protocol.ContentMessage{
		{ID: id, Header: header("b"), New: piece(0, "signature_z1", txOfSize(5), txOfSize(5))},
		{ID: id, New: piece(1, "signature_z2", txOfSize(5), txOfSize(5))},
	}, onCorrection))
	assert.Empty(t, corrections)

	require.NoError(t, m.Store(ctx, []*protocol.ContentMessage{
		{ID: id, New: piece(5, "signature_z9", txOfSize(5))},
	}, onCorrection))
	require.Len(t, corrections, 1)
	assert.Equal(t, 3, corrections[0].Sessions[testSession])

	// A negative offset is treated like a gap.
	require.NoError(t, m.Store(ctx, []*protocol.ContentMessage{
		{ID: id, New: piece(-1, "signature_z8", txOfSize(5), txOfSize(5), txOfSize(5), txOfSize(5), txOfSize(5))},
	}, onCorrection))
	require.Len(t, corrections, 2)
	assert.Equal(t, 3, corrections[1].Sessions[testSession])

	known, err := m.KnownState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, known.Sessions[testSession])
}

func TestHeaderlessStoreForUnknownCoValue(t *testing.T) {
	m := newManager(t, storage.NewMemoryBackend())
	var got *types.KnownState
	err := m.Store(context.Background(), []*protocol.ContentMessage{
		{ID: "co_zUnknown", New: piece(0, "signature_z1", txOfSize(5))},
	}, func(ks types.KnownState) { got = &ks })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Header)

	_, err = m.KnownState(context.Background(), "co_zUnknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

var errDisk = errors.New("disk on fire")

// gatedBackend fails its first transaction once released.
type gatedBackend struct {
	storage.Backend
	release chan struct{}
	calls   atomic.Int32
}

func (b *gatedBackend) Transaction(ctx context.Context, fn func(storage.Tx) error) error {
	if b.calls.Add(1) == 1 {
		<-b.release
		return errDisk
	}
	return b.Backend.Transaction(ctx, fn)
}

func TestStoreQueueAbandonsPendingWorkAfterFailure(t *testing.T) {
	backend := &gatedBackend{Backend: storage.NewMemoryBackend(), release: make(chan struct{})}
	m := newManager(t, backend)
	id := types.CoID("co_zQueued")

	var mu sync.Mutex
	var results []error
	var wg sync.WaitGroup
	record := func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
		wg.Done()
	}

	wg.Add(3)
	m.StoreAsync(&protocol.ContentMessage{ID: id, Header: header("q"), New: piece(0, "signature_z1", txOfSize(5))}, nil, record)
	m.StoreAsync(&protocol.ContentMessage{ID: id, New: piece(1, "signature_z2", txOfSize(5))}, nil, record)
	m.StoreAsync(&protocol.ContentMessage{ID: id, New: piece(2, "signature_z3", txOfSize(5))}, nil, record)
	close(backend.release)
	wg.Wait()

	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0], errDisk)
	assert.ErrorIs(t, results[1], storage.ErrAbandoned)
	assert.ErrorIs(t, results[2], storage.ErrAbandoned)

	_, err := m.KnownState(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing of the failed batch is kept")

	// The queue keeps serving the id after the failure.
	require.NoError(t, m.Store(context.Background(), []*protocol.ContentMessage{
		{ID: id, Header: header("q"), New: piece(0, "signature_z1", txOfSize(5))},
	}, nil))
}

func TestStoresForDifferentCoValuesInterleave(t *testing.T) {
	backend := &gatedBackend{Backend: storage.NewMemoryBackend(), release: make(chan struct{})}
	m := newManager(t, backend)

	blocked := make(chan error, 1)
	m.StoreAsync(&protocol.ContentMessage{ID: "co_zBlocked", Header: header("x"), New: piece(0, "signature_z1", txOfSize(5))}, nil,
		func(err error) { blocked <- err })

	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Store(ctx, []*protocol.ContentMessage{
		{ID: "co_zFree", Header: header("y"), New: piece(0, "signature_z1", txOfSize(5))},
	}, nil))

	close(backend.release)
	assert.ErrorIs(t, <-blocked, errDisk)
}
