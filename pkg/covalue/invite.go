package covalue

import (
	"fmt"
	"strings"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

const invitePrefix = "inviteSecret_"

// InviteSecret carries the agent secret of an invite agent.
type InviteSecret string

func (s InviteSecret) agentSecret() (crypto.AgentSecret, error) {
	raw, ok := strings.CutPrefix(string(s), invitePrefix)
	if !ok {
		return "", fmt.Errorf("%w: malformed secret", ErrInvalidInvite)
	}
	return crypto.AgentSecret(raw), nil
}

// CreateInvite adds a fresh invite agent that can grant role to whoever
// holds the returned secret.
func (g *Group) CreateInvite(role types.Role) (InviteSecret, error) {
	if err := g.requireNotAccount("create an invite for"); err != nil {
		return "", err
	}
	inviteRole := types.InviteRoleFor(role)
	if inviteRole == "" {
		return "", fmt.Errorf("covalue: no invite for role %q", role)
	}
	if err := g.requireAdmin(); err != nil {
		return "", err
	}
	readKey, err := g.CurrentReadKey()
	if err != nil {
		return "", err
	}

	p := g.core.crypto
	secret := p.NewRandomAgentSecret()
	agentID, err := p.AgentID(secret)
	if err != nil {
		return "", err
	}
	invitee := types.AccountOrAgentID(agentID)
	as := g.core.host.Identity()
	err = g.set(as, func(txID types.TransactionID) ([]change, error) {
		sealed, err := g.seal(as, readKey, invitee, txID)
		if err != nil {
			return nil, err
		}
		return []change{{key: string(invitee), value: inviteRole}, sealed}, nil
	})
	if err != nil {
		return "", err
	}
	return InviteSecret(invitePrefix + string(secret)), nil
}

// AcceptInvite raises the node identity's role to the invite's role. A role
// is never lowered, so accepting a weaker or already used invite changes
// nothing.
func (g *Group) AcceptInvite(secret InviteSecret) error {
	if g.IsAccount() {
		return fmt.Errorf("%w: account %s has no invites", ErrAccountStructure, g.core.id)
	}
	agentSecret, err := secret.agentSecret()
	if err != nil {
		return err
	}
	p := g.core.crypto
	invite, err := NewAgentIdentity(p, agentSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	inviteRole := g.ownRoleAt(invite.ID, latest)
	if !inviteRole.IsInvite() {
		return fmt.Errorf("%w: agent is %q in %s", ErrInvalidInvite, inviteRole, g.core.id)
	}

	me := g.core.host.Identity().ID
	current := g.ownRoleAt(me, latest)
	target := inviteRole.InviteTarget()
	if current.Rank() >= target.Rank() {
		return nil
	}

	readKeyID, ok := g.ReadKeyID()
	if !ok {
		return fmt.Errorf("%w: group %s has no read key", ErrNoKey, g.core.id)
	}
	readSecret, err := g.keySecretAs(invite, readKeyID, map[string]bool{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	readKey := crypto.KeyPair{ID: readKeyID, Secret: readSecret}

	return g.set(invite, func(txID types.TransactionID) ([]change, error) {
		sealed, err := g.seal(invite, readKey, me, txID)
		if err != nil {
			return nil, err
		}
		return []change{{key: string(me), value: target}, sealed}, nil
	})
}
