package covalue_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

type clock struct{ now atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.now.Store(1_700_000_000_000)
	return c
}

// testHost is a minimal node: a map of cores and one identity.
type testHost struct {
	provider *crypto.GoProvider
	clock    *clock
	identity covalue.Identity

	mu    sync.Mutex
	cores map[types.CoID]*covalue.Core
}

func (h *testHost) Crypto() crypto.Provider { return h.provider }

func (h *testHost) Core(id types.CoID) *covalue.Core {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cores[id]
}

func (h *testHost) Identity() covalue.Identity { return h.identity }

func (h *testHost) Now() int64 { return h.clock.now.Add(1) }

func (h *testHost) Changed(*covalue.Core) {}

func (h *testHost) add(c *covalue.Core) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cores[c.ID()] = c
}

func newAgentHost(t *testing.T, p *crypto.GoProvider, clk *clock) *testHost {
	t.Helper()
	agent, err := covalue.NewAgentIdentity(p, p.NewRandomAgentSecret())
	require.NoError(t, err)
	return &testHost{provider: p, clock: clk, identity: agent, cores: map[types.CoID]*covalue.Core{}}
}

func newAccountHost(t *testing.T, p *crypto.GoProvider, clk *clock) *testHost {
	t.Helper()
	h := newAgentHost(t, p, clk)
	agent := h.identity
	core, err := covalue.NewCore(h, covalue.AccountHeader(agent.AgentID, "2024-01-01T00:00:00Z", p.RandomBase58(12)), nil)
	require.NoError(t, err)
	h.add(core)
	require.NoError(t, covalue.InitAccount(core, agent))
	h.identity = agent.AsAccount(p, core.ID())
	return h
}

func (h *testHost) accountID() types.CoID { return types.CoID(h.identity.ID) }

func (h *testHost) newGroup(t *testing.T) *covalue.Group {
	t.Helper()
	core, err := covalue.NewCore(h, covalue.GroupHeader(h.identity.ID, "2024-01-01T00:00:00Z", h.provider.RandomBase58(12)), nil)
	require.NoError(t, err)
	h.add(core)
	require.NoError(t, covalue.InitGroup(core, h.identity))
	return h.group(t, core.ID())
}

func (h *testHost) group(t *testing.T, id types.CoID) *covalue.Group {
	t.Helper()
	core := h.Core(id)
	require.NotNil(t, core)
	g, err := core.AsGroup()
	require.NoError(t, err)
	return g
}

func (h *testHost) newOwned(t *testing.T, typ types.CoValueType, group types.CoID) *covalue.Core {
	t.Helper()
	core, err := covalue.NewCore(h, covalue.OwnedHeader(typ, group, nil, "2024-01-01T00:00:00Z", h.provider.RandomBase58(12)), nil)
	require.NoError(t, err)
	h.add(core)
	return core
}

func (h *testHost) newPublic(t *testing.T, typ types.CoValueType) *covalue.Core {
	t.Helper()
	core, err := covalue.NewCore(h, &types.Header{
		Type:       typ,
		Ruleset:    types.Ruleset{Type: types.RulesetUnsafeAllowAll},
		Uniqueness: h.provider.RandomBase58(12),
	}, nil)
	require.NoError(t, err)
	h.add(core)
	return core
}

func (h *testHost) mapOf(t *testing.T, id types.CoID) *covalue.Map {
	t.Helper()
	core := h.Core(id)
	require.NotNil(t, core)
	m, err := core.AsMap()
	require.NoError(t, err)
	return m
}

// replicate sends what to is missing of ids, in order, with signatures
// checked. Dependencies must be listed before their dependents.
func replicate(t *testing.T, from, to *testHost, ids ...types.CoID) {
	t.Helper()
	for _, id := range ids {
		src := from.Core(id)
		require.NotNil(t, src, "source missing %s", id)
		dst := to.Core(id)
		if dst == nil {
			var err error
			dst, err = covalue.NewCoreWithID(to, id, src.Header(), nil)
			require.NoError(t, err)
			to.add(dst)
		}
		for _, msg := range src.NewContentSince(dst.KnownState()) {
			for sid, piece := range msg.New {
				_, err := dst.TryAddTransactions(sid, piece.After, piece.NewTransactions, piece.LastSignature, false)
				require.NoError(t, err)
			}
		}
	}
}
