package covalue

import (
	"fmt"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

const accountMetaType = "account"

// AccountHeader describes a new account controlled by agent.
func AccountHeader(agent crypto.AgentID, createdAt string, uniqueness string) *types.Header {
	return &types.Header{
		Type: types.TypeCoMap,
		Ruleset: types.Ruleset{
			Type:         types.RulesetGroup,
			InitialAdmin: types.AccountOrAgentID(agent),
		},
		Meta:       map[string]any{"type": accountMetaType},
		CreatedAt:  &createdAt,
		Uniqueness: uniqueness,
	}
}

// GroupHeader describes a new group created by admin.
func GroupHeader(admin types.AccountOrAgentID, createdAt string, uniqueness string) *types.Header {
	return &types.Header{
		Type: types.TypeCoMap,
		Ruleset: types.Ruleset{
			Type:         types.RulesetGroup,
			InitialAdmin: admin,
		},
		CreatedAt:  &createdAt,
		Uniqueness: uniqueness,
	}
}

// OwnedHeader describes a new CoValue whose permissions come from group.
func OwnedHeader(typ types.CoValueType, group types.CoID, meta map[string]any, createdAt string, uniqueness string) *types.Header {
	return &types.Header{
		Type:       typ,
		Ruleset:    types.Ruleset{Type: types.RulesetOwnedByGroup, Group: group},
		Meta:       meta,
		CreatedAt:  &createdAt,
		Uniqueness: uniqueness,
	}
}

// Account is an account's group content.
type Account struct {
	*Group
}

// AsAccount derives the content of an account.
func (c *Core) AsAccount() (*Account, error) {
	if !c.header.IsAccount() {
		return nil, fmt.Errorf("%w: %s is not an account", ErrWrongType, c.id)
	}
	g, err := c.AsGroup()
	if err != nil {
		return nil, err
	}
	return &Account{Group: g}, nil
}

// Agent returns the agent the account acts through.
func (a *Account) Agent() crypto.AgentID {
	return crypto.AgentID(a.core.header.Ruleset.InitialAdmin)
}

// InitAccount writes the first transaction of an account as its agent.
func InitAccount(c *Core, agent Identity) error {
	if !c.header.IsAccount() || c.header.Ruleset.InitialAdmin != agent.ID {
		return fmt.Errorf("%w: %s is not controlled by %s", ErrAccountStructure, c.id, agent.ID)
	}
	return InitGroup(c, agent)
}
