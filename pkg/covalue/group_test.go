package covalue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/pkg/covalue"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

func TestPrivateMapNeedsMembership(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)

	group := alice.newGroup(t)
	assert.Equal(t, types.RoleAdmin, group.MyRole())
	m := alice.newOwned(t, types.TypeCoMap, group.ID())
	require.NoError(t, alice.mapOf(t, m.ID()).Set("hello", "world", types.PrivacyPrivate))

	v, ok := alice.mapOf(t, m.ID()).GetString("hello")
	require.True(t, ok)
	assert.Equal(t, "world", v)
	assert.ElementsMatch(t, []types.CoID{alice.accountID(), group.ID()}, m.Dependencies())

	replicate(t, alice, bob, alice.accountID(), group.ID(), m.ID())
	_, ok = bob.mapOf(t, m.ID()).Get("hello")
	assert.False(t, ok, "non-members cannot decrypt")

	replicate(t, bob, alice, bob.accountID())
	require.NoError(t, alice.group(t, group.ID()).AddMember(bob.identity.ID, types.RoleReader))
	replicate(t, alice, bob, group.ID())

	v, ok = bob.mapOf(t, m.ID()).GetString("hello")
	require.True(t, ok)
	assert.Equal(t, "world", v)
	assert.Equal(t, types.RoleReader, bob.group(t, group.ID()).MyRole())

	// A reader's write is accepted into the log but left out of the content.
	require.NoError(t, bob.mapOf(t, m.ID()).Set("hello", "bob", types.PrivacyPrivate))
	replicate(t, bob, alice, m.ID())
	assert.Equal(t, 1, alice.Core(m.ID()).KnownState().Sessions[bob.identity.SessionID])
	v, _ = alice.mapOf(t, m.ID()).GetString("hello")
	assert.Equal(t, "world", v)
}

func TestRemoveMemberRotatesReadKey(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)
	replicate(t, bob, alice, bob.accountID())

	group := alice.newGroup(t)
	require.NoError(t, group.AddMember(bob.identity.ID, types.RoleWriter))
	m := alice.newOwned(t, types.TypeCoMap, group.ID())
	require.NoError(t, alice.mapOf(t, m.ID()).Set("before", 1, types.PrivacyPrivate))
	oldKey, ok := alice.group(t, group.ID()).ReadKeyID()
	require.True(t, ok)

	require.NoError(t, alice.group(t, group.ID()).RemoveMember(bob.identity.ID))
	require.NoError(t, alice.mapOf(t, m.ID()).Set("after", 2, types.PrivacyPrivate))

	g := alice.group(t, group.ID())
	newKey, _ := g.ReadKeyID()
	assert.NotEqual(t, oldKey, newKey)
	assert.Equal(t, types.RoleRevoked, g.RoleOf(bob.identity.ID))

	replicate(t, alice, bob, alice.accountID(), group.ID(), m.ID())
	bm := bob.mapOf(t, m.ID())
	_, ok = bm.Get("before")
	assert.True(t, ok, "history stays readable under the old key")
	_, ok = bm.Get("after")
	assert.False(t, ok)

	// Alice can still read everything through the key chain.
	am := alice.mapOf(t, m.ID())
	assert.Equal(t, []string{"after", "before"}, am.Keys())

	assert.ErrorIs(t, bob.group(t, group.ID()).AddMember(bob.identity.ID, types.RoleAdmin), covalue.ErrForbidden)
}

func TestAdminCannotRemoveAnotherAdmin(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)
	replicate(t, bob, alice, bob.accountID())

	group := alice.newGroup(t)
	require.NoError(t, group.AddMember(bob.identity.ID, types.RoleAdmin))
	replicate(t, alice, bob, alice.accountID(), group.ID())

	err := bob.group(t, group.ID()).RemoveMember(alice.identity.ID)
	assert.ErrorIs(t, err, covalue.ErrForbidden)
	assert.Equal(t, types.RoleAdmin, bob.group(t, group.ID()).RoleOf(alice.identity.ID))
}

func TestAccountRejectsStructuralChanges(t *testing.T) {
	p := crypto.MustGoProvider()
	alice := newAccountHost(t, p, newClock())

	acc, err := alice.Core(alice.accountID()).AsAccount()
	require.NoError(t, err)
	assert.Equal(t, alice.identity.AgentID, acc.Agent())
	assert.Equal(t, types.RoleAdmin, acc.MyRole())
	assert.Equal(t, types.PriorityHigh, acc.Core().Priority())

	assert.ErrorIs(t, acc.AddMember(types.EveryoneID, types.RoleReader), covalue.ErrAccountStructure)
	assert.ErrorIs(t, acc.RemoveMember(alice.identity.ID), covalue.ErrAccountStructure)
	_, err = acc.CreateInvite(types.RoleReader)
	assert.ErrorIs(t, err, covalue.ErrAccountStructure)

	group := alice.newGroup(t)
	assert.ErrorIs(t, acc.Extend(group, covalue.RoleInherit), covalue.ErrAccountStructure)
	assert.ErrorIs(t, group.Extend(acc.Group, covalue.RoleInherit), covalue.ErrAccountStructure)
}

func TestEveryoneReadable(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)

	group := alice.newGroup(t)
	require.NoError(t, group.AddMember(types.EveryoneID, types.RoleReader))
	m := alice.newOwned(t, types.TypeCoMap, group.ID())
	require.NoError(t, alice.mapOf(t, m.ID()).Set("public", true, types.PrivacyPrivate))

	replicate(t, alice, bob, alice.accountID(), group.ID(), m.ID())
	raw, ok := bob.mapOf(t, m.ID()).Get("public")
	require.True(t, ok)
	assert.JSONEq(t, "true", string(raw))
	assert.Equal(t, types.RoleReader, bob.group(t, group.ID()).MyRole())

	assert.Error(t, alice.group(t, group.ID()).AddMember(types.EveryoneID, types.RoleAdmin))
}

func TestWriteOnlyMember(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)
	replicate(t, bob, alice, bob.accountID())

	group := alice.newGroup(t)
	require.NoError(t, group.AddMember(bob.identity.ID, types.RoleWriteOnly))
	m := alice.newOwned(t, types.TypeCoMap, group.ID())
	require.NoError(t, alice.mapOf(t, m.ID()).Set("from", "alice", types.PrivacyPrivate))

	replicate(t, alice, bob, alice.accountID(), group.ID(), m.ID())
	_, ok := bob.mapOf(t, m.ID()).Get("from")
	assert.False(t, ok, "write-only members cannot read the group key")

	require.NoError(t, bob.mapOf(t, m.ID()).Set("drop", "bob", types.PrivacyPrivate))
	replicate(t, bob, alice, m.ID())
	v, ok := alice.mapOf(t, m.ID()).GetString("drop")
	require.True(t, ok, "readers decrypt write-only keys through the read key")
	assert.Equal(t, "bob", v)
}

func TestExtendInheritsRolesAndToleratesCycles(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)
	carol := newAccountHost(t, p, clk)
	replicate(t, bob, alice, bob.accountID())

	parent := alice.newGroup(t)
	child := alice.newGroup(t)
	require.NoError(t, child.Extend(parent, covalue.RoleInherit))
	require.NoError(t, alice.group(t, parent.ID()).AddMember(bob.identity.ID, types.RoleReader))

	m := alice.newOwned(t, types.TypeCoMap, child.ID())
	require.NoError(t, alice.mapOf(t, m.ID()).Set("k", "v", types.PrivacyPrivate))

	assert.Equal(t, []types.CoID{child.ID()}, alice.group(t, parent.ID()).Children())
	assert.Equal(t, []types.CoID{parent.ID()}, alice.group(t, child.ID()).Parents())
	assert.Contains(t, alice.Core(child.ID()).Dependencies(), parent.ID())

	replicate(t, alice, bob, alice.accountID(), parent.ID(), child.ID(), m.ID())
	assert.Equal(t, types.RoleReader, bob.group(t, child.ID()).MyRole())
	v, ok := bob.mapOf(t, m.ID()).GetString("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	// Close the loop: parent now also extends child.
	require.NoError(t, alice.group(t, parent.ID()).Extend(alice.group(t, child.ID()), covalue.RoleInherit))
	assert.Contains(t, alice.Core(parent.ID()).Dependencies(), child.ID())

	replicate(t, alice, carol, alice.accountID(), bob.accountID(), parent.ID(), child.ID(), m.ID())
	assert.Equal(t, types.Role(""), carol.group(t, child.ID()).MyRole())
	_, ok = carol.mapOf(t, m.ID()).Get("k")
	assert.False(t, ok)
	assert.Equal(t, types.RoleReader, carol.group(t, child.ID()).RoleOf(bob.identity.ID))
}

func TestExtendDiamondTakesBestPath(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	bob := newAccountHost(t, p, clk)
	replicate(t, bob, alice, bob.accountID())

	root := alice.newGroup(t)
	require.NoError(t, root.AddMember(bob.identity.ID, types.RoleWriter))
	a := alice.newGroup(t)
	b := alice.newGroup(t)
	require.NoError(t, a.Extend(alice.group(t, root.ID()), covalue.RoleInherit))
	require.NoError(t, b.Extend(alice.group(t, root.ID()), covalue.RoleInherit))

	first, second := a, b
	if second.ID() < first.ID() {
		first, second = second, first
	}

	// The reader edge is walked first; root must still be reachable through
	// the inherit edge afterwards.
	g := alice.newGroup(t)
	require.NoError(t, g.Extend(alice.group(t, first.ID()), types.RoleReader))
	require.NoError(t, g.Extend(alice.group(t, second.ID()), covalue.RoleInherit))
	assert.Equal(t, types.RoleWriter, alice.group(t, g.ID()).RoleOf(bob.identity.ID))

	h := alice.newGroup(t)
	require.NoError(t, h.Extend(alice.group(t, first.ID()), covalue.RoleInherit))
	require.NoError(t, h.Extend(alice.group(t, second.ID()), types.RoleReader))
	assert.Equal(t, types.RoleWriter, alice.group(t, h.ID()).RoleOf(bob.identity.ID))
}

func TestForgedGroupChangesAreIgnored(t *testing.T) {
	p := crypto.MustGoProvider()
	clk := newClock()
	alice := newAccountHost(t, p, clk)
	mallory := newAccountHost(t, p, clk)

	group := alice.newGroup(t)
	replicate(t, alice, mallory, alice.accountID(), group.ID())

	// Mallory is not a member, so her self-promotion never takes effect.
	forged := mallory.group(t, group.ID())
	assert.ErrorIs(t, forged.AddMember(mallory.identity.ID, types.RoleAdmin), covalue.ErrForbidden)
	require.NoError(t, forged.Core().MakeTransaction(setChange(t, string(mallory.identity.ID), "admin"), types.PrivacyTrusting))

	replicate(t, mallory, alice, mallory.accountID(), group.ID())
	assert.Equal(t, types.Role(""), alice.group(t, group.ID()).RoleOf(mallory.identity.ID))
}
