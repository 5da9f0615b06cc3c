package covalue

import (
	"fmt"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// Host is what a Core needs from the node that owns it.
type Host interface {
	Crypto() crypto.Provider
	// Core returns a loaded CoValue or nil.
	Core(id types.CoID) *Core
	// Identity is the account or agent the node acts as.
	Identity() Identity
	// Now returns the current time in milliseconds since the epoch.
	Now() int64
	// Changed is called after a local transaction is added, outside any core lock.
	Changed(c *Core)
}

// Identity is a writer: an account or a bare agent, plus the agent secret it
// signs and seals with.
type Identity struct {
	ID          types.AccountOrAgentID
	AgentSecret crypto.AgentSecret
	AgentID     crypto.AgentID
	SessionID   types.SessionID
}

// NewAgentIdentity builds an identity that acts as the agent itself.
func NewAgentIdentity(p crypto.Provider, secret crypto.AgentSecret) (Identity, error) {
	agentID, err := p.AgentID(secret)
	if err != nil {
		return Identity{}, fmt.Errorf("derive agent id: %w", err)
	}
	id := types.AccountOrAgentID(agentID)
	return Identity{
		ID:          id,
		AgentSecret: secret,
		AgentID:     agentID,
		SessionID:   types.NewSessionID(id, p.RandomBase58(9)),
	}, nil
}

// AsAccount returns the identity acting as account with a fresh session.
func (i Identity) AsAccount(p crypto.Provider, account types.CoID) Identity {
	id := types.AccountOrAgentID(account)
	return Identity{
		ID:          id,
		AgentSecret: i.AgentSecret,
		AgentID:     i.AgentID,
		SessionID:   types.NewSessionID(id, p.RandomBase58(9)),
	}
}

func (i Identity) SignerSecret() crypto.SignerSecret {
	_, signer, _ := crypto.SplitAgentSecret(i.AgentSecret)
	return signer
}

func (i Identity) SealerSecret() crypto.SealerSecret {
	sealer, _, _ := crypto.SplitAgentSecret(i.AgentSecret)
	return sealer
}

// ids returns every member key this identity may appear under in a group.
func (i Identity) ids() []types.AccountOrAgentID {
	if i.ID == types.AccountOrAgentID(i.AgentID) {
		return []types.AccountOrAgentID{i.ID}
	}
	return []types.AccountOrAgentID{i.ID, types.AccountOrAgentID(i.AgentID)}
}
