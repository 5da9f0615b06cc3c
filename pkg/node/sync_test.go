package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/types"
)

func TestLoadFromEmptyPeer(t *testing.T) {
	node1 := newNode(t)
	node2 := newNode(t)

	group, err := node1.CreateGroup()
	require.NoError(t, err)
	m, err := node1.CreateMap(group.ID())
	require.NoError(t, err)
	require.NoError(t, m.Set("hello", "world", types.PrivacyTrusting))

	tr := newTrace()
	tr.name(group.ID(), "Group")
	tr.name(m.ID(), "Map")
	connect(t, node2, node1, "node2", "node1", tr)

	core, err := node2.Load(loadCtx(t), m.ID())
	require.NoError(t, err)
	loaded, err := core.AsMap()
	require.NoError(t, err)
	v, ok := loaded.GetString("hello")
	require.True(t, ok)
	assert.Equal(t, "world", v)

	require.Eventually(t, func() bool {
		return len(tr.describe("node2", "node1")) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"known Group (header/1)",
		"content Group",
		"known Map (header/1)",
		"content Map",
	}, tr.describe("node1", "node2"))
	assert.Equal(t, []string{
		"load Map (empty)",
		"known Group (header/1)",
		"known Map (header/1)",
	}, tr.describe("node2", "node1"))

	for _, m := range tr.all() {
		if c, ok := m.msg.(*protocol.ContentMessage); ok {
			assert.NotNil(t, c.Header, "first content of %s carries its header", c.ID)
		}
	}
	assert.Equal(t, node.StatusFullySynced, node1.SyncState("node2", m.ID()))
	require.NoError(t, node2.WaitForSync(loadCtx(t), m.ID()))
}

func TestLoadSendsDependenciesOnce(t *testing.T) {
	node1 := newNode(t)
	node2 := newNode(t)

	parent, err := node1.CreateGroup()
	require.NoError(t, err)
	middle, err := node1.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, middle.Extend(parent, covalue.RoleInherit))
	group, err := node1.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, group.Extend(parent, types.RoleReader))
	require.NoError(t, group.Extend(middle, covalue.RoleInherit))
	m, err := node1.CreateMap(group.ID())
	require.NoError(t, err)
	require.NoError(t, m.Set("k", "v", types.PrivacyPrivate))

	tr := newTrace()
	connect(t, node2, node1, "node2", "node1", tr)
	_, err = node2.Load(loadCtx(t), m.ID())
	require.NoError(t, err)

	var order []types.CoID
	seen := map[types.CoID]int{}
	for _, msg := range tr.all() {
		if c, ok := msg.msg.(*protocol.ContentMessage); ok && msg.from == "node1" {
			if seen[c.ID] == 0 {
				order = append(order, c.ID)
			}
			seen[c.ID]++
		}
	}
	assert.Equal(t, []types.CoID{parent.ID(), middle.ID(), group.ID(), m.ID()}, order)
	for id, n := range seen {
		assert.Equal(t, 1, n, "content for %s sent once", id)
	}

	loaded, err := node2.Core(m.ID()).AsMap()
	require.NoError(t, err)
	_, ok := loaded.Get("k")
	assert.False(t, ok, "node2 is not a member")
}

func TestLoadUnavailable(t *testing.T) {
	lonely := newNode(t)
	_, err := lonely.Load(loadCtx(t), "co_zMissing")
	assert.ErrorIs(t, err, node.ErrUnavailable)

	client := newNode(t)
	server := newNode(t)
	connect(t, client, server, "client", "server", nil)
	_, err = client.Load(loadCtx(t), "co_zMissing")
	assert.ErrorIs(t, err, node.ErrUnavailable)
}

func TestChangesReachSubscribedClients(t *testing.T) {
	server := newNode(t)
	alice := newNode(t)
	bob := newNode(t)
	connect(t, alice, server, "alice", "server", nil)
	connect(t, bob, server, "bob", "server", nil)

	group, err := alice.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, group.AddMember(types.EveryoneID, types.RoleWriter))
	m, err := alice.CreateMap(group.ID())
	require.NoError(t, err)
	require.NoError(t, m.Set("from", "alice", types.PrivacyPrivate))
	require.NoError(t, alice.WaitForSync(loadCtx(t), m.ID()))

	updates := make(chan struct{}, 16)
	unsubscribe := alice.Subscribe(m.ID(), func(*covalue.Core) { updates <- struct{}{} })
	defer unsubscribe()

	core, err := bob.Load(loadCtx(t), m.ID())
	require.NoError(t, err)
	bm, err := core.AsMap()
	require.NoError(t, err)
	v, _ := bm.GetString("from")
	assert.Equal(t, "alice", v)
	require.NoError(t, bm.Set("reply", "bob", types.PrivacyPrivate))

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("alice was not notified")
	}
	require.Eventually(t, func() bool {
		am, err := alice.Core(m.ID()).AsMap()
		if err != nil {
			return false
		}
		v, ok := am.GetString("reply")
		return ok && v == "bob"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAccountOwnedValuesLoadTheirAccounts(t *testing.T) {
	node1 := newNode(t)
	node2 := newNode(t)
	acc, err := node1.CreateAccount()
	require.NoError(t, err)
	group, err := node1.CreateGroup()
	require.NoError(t, err)
	list, err := node1.CreateList(group.ID())
	require.NoError(t, err)
	require.NoError(t, list.Append(types.PrivacyTrusting, "a", "b"))

	connect(t, node2, node1, "node2", "node1", nil)
	core, err := node2.Load(loadCtx(t), list.ID())
	require.NoError(t, err)
	assert.NotNil(t, node2.Core(acc.ID()), "writer accounts arrive as dependencies")

	l, err := core.AsList()
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}

func TestShutdownRejectsWork(t *testing.T) {
	n := newNode(t)
	require.NoError(t, n.GracefulShutdown(context.Background()))
	_, err := n.CreateGroup()
	assert.ErrorIs(t, err, node.ErrShutdown)
	_, err = n.Load(context.Background(), "co_zAnything")
	assert.ErrorIs(t, err, node.ErrShutdown)
}
