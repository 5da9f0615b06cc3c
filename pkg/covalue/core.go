// Package covalue aggregates the session logs of one CoValue into derived
// content, resolving group permissions and keys at derivation time.
package covalue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/protocol"
	"github.com/relves/colog/pkg/sessionlog"
	"github.com/relves/colog/pkg/types"
)

var (
	ErrAccountStructure = errors.New("covalue: operation not allowed on an account")
	ErrInvalidInvite    = errors.New("covalue: invalid invite")
	ErrForbidden        = errors.New("covalue: insufficient role")
	ErrUnavailable      = errors.New("covalue: dependency not loaded")
	ErrWrongType        = errors.New("covalue: wrong content type")
	ErrNoKey            = errors.New("covalue: no readable key")
	ErrIndex            = errors.New("covalue: index out of range")
)

// Core is one CoValue: its immutable header and every session log received so
// far. Content is never patched in place; views are rebuilt by replaying the
// logs in global order.
//
// A Core never calls into another Core while holding its own lock.
type Core struct {
	id     types.CoID
	header *types.Header
	host   Host
	crypto crypto.Provider
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[types.SessionID]*sessionlog.Log
	version  uint64
}

// IDForHeader returns the content-addressed ID of header.
func IDForHeader(p crypto.Provider, header *types.Header) (types.CoID, error) {
	h, err := p.ShortHash(header)
	if err != nil {
		return "", fmt.Errorf("hash header: %w", err)
	}
	return types.CoIDFromShortHash(h), nil
}

// NewCore creates an empty CoValue for header.
func NewCore(host Host, header *types.Header, logger *slog.Logger) (*Core, error) {
	id, err := IDForHeader(host.Crypto(), header)
	if err != nil {
		return nil, err
	}
	return newCore(host, id, header, logger), nil
}

// NewCoreWithID creates an empty CoValue for a header received for id,
// rejecting headers that do not hash to id.
func NewCoreWithID(host Host, id types.CoID, header *types.Header, logger *slog.Logger) (*Core, error) {
	got, err := IDForHeader(host.Crypto(), header)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("%w: %s hashes to %s", types.ErrHeaderMismatch, id, got)
	}
	return newCore(host, id, header, logger), nil
}

func newCore(host Host, id types.CoID, header *types.Header, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		id:       id,
		header:   header,
		host:     host,
		crypto:   host.Crypto(),
		logger:   logger.With("covalue", id),
		sessions: map[types.SessionID]*sessionlog.Log{},
	}
}

func (c *Core) ID() types.CoID { return c.id }

// Header returns the immutable header. Callers must not modify it.
func (c *Core) Header() *types.Header { return c.header }

func (c *Core) Priority() types.Priority { return types.PriorityFor(c.header) }

// Version increases every time a transaction is added.
func (c *Core) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// KnownState reports the header and the length of every session.
func (c *Core) KnownState() types.KnownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := types.EmptyKnownState(c.id)
	ks.Header = true
	for sid, log := range c.sessions {
		ks.Sessions[sid] = log.Len()
	}
	return ks
}

// SessionSources exposes every session to the content builder.
func (c *Core) SessionSources() []protocol.SessionSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.SessionSource, 0, len(c.sessions))
	for _, log := range c.sessions {
		out = append(out, log.Source())
	}
	return out
}

// NewContentSince returns the content messages a peer holding known is missing.
func (c *Core) NewContentSince(known types.KnownState) []*protocol.ContentMessage {
	return protocol.BuildContent(c.id, c.header, c.Priority(), c.SessionSources(), known)
}

// TryAddTransactions appends a received piece of one session. The signer is
// resolved before taking the lock, since it may live in another CoValue.
func (c *Core) TryAddTransactions(sid types.SessionID, after int, txs []types.Transaction, sig crypto.Signature, skipVerify bool) (int, error) {
	var signer crypto.SignerID
	if !skipVerify {
		var err error
		if signer, err = c.signerFor(sid); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	log, created := c.sessionLocked(sid, signer)
	n, err := log.TryAdd(after, txs, sig, skipVerify)
	if err != nil {
		if created {
			delete(c.sessions, sid)
		}
		return 0, err
	}
	if n > 0 {
		c.version++
	}
	return n, nil
}

func (c *Core) sessionLocked(sid types.SessionID, signer crypto.SignerID) (*sessionlog.Log, bool) {
	log, ok := c.sessions[sid]
	if ok {
		if log.Signer() == "" && signer != "" {
			log.SetSigner(signer)
		}
		return log, false
	}
	log = sessionlog.New(c.crypto, c.id, sid, signer)
	c.sessions[sid] = log
	return log, true
}

func (c *Core) signerFor(sid types.SessionID) (crypto.SignerID, error) {
	owner, err := sid.Owner()
	if err != nil {
		return "", err
	}
	agent, err := c.agentOf(owner)
	if err != nil {
		return "", err
	}
	_, signer, err := crypto.SplitAgentID(agent)
	return signer, err
}

// agentOf returns the agent that signs and seals for owner. An account acts
// through the agent that created it.
func (c *Core) agentOf(owner types.AccountOrAgentID) (crypto.AgentID, error) {
	switch {
	case owner.IsAgent():
		return crypto.AgentID(owner), nil
	case owner.IsAccount():
		header := c.header
		if types.CoID(owner) != c.id {
			acc := c.host.Core(types.CoID(owner))
			if acc == nil {
				return "", fmt.Errorf("%w: account %s", ErrUnavailable, owner)
			}
			header = acc.header
		}
		if !header.IsAccount() {
			return "", fmt.Errorf("%w: %s is not an account", ErrWrongType, owner)
		}
		return crypto.AgentID(header.Ruleset.InitialAdmin), nil
	default:
		return "", fmt.Errorf("%w: %q", types.ErrInvalidSessionID, owner)
	}
}

// MakeTransaction signs changes as the node's identity. Private transactions
// are encrypted with the key the writer may use in the owning group.
func (c *Core) MakeTransaction(changes []json.RawMessage, privacy types.Privacy) error {
	return c.makeTransactionWithID(privacy, func(types.TransactionID) ([]json.RawMessage, error) {
		return changes, nil
	})
}

// makeTransactionWithID is MakeTransaction for changes that refer to their
// own transaction ID.
func (c *Core) makeTransactionWithID(privacy types.Privacy, build func(types.TransactionID) ([]json.RawMessage, error)) error {
	as := c.host.Identity()
	var key crypto.KeyPair
	if privacy == types.PrivacyPrivate {
		var err error
		if key, err = c.writeKey(as); err != nil {
			return err
		}
	}
	return c.makeTransaction(as, privacy, key, build)
}

// makeTransaction appends one transaction whose changes may depend on its own
// ID, as sealing nonces do.
func (c *Core) makeTransaction(as Identity, privacy types.Privacy, key crypto.KeyPair, build func(types.TransactionID) ([]json.RawMessage, error)) error {
	signer, err := c.crypto.SignerID(as.SignerSecret())
	if err != nil {
		return fmt.Errorf("derive signer: %w", err)
	}

	c.mu.Lock()
	log, created := c.sessionLocked(as.SessionID, signer)
	changes, err := build(types.TransactionID{SessionID: as.SessionID, TxIndex: log.Len()})
	if err == nil {
		now := c.host.Now()
		if privacy == types.PrivacyPrivate {
			_, _, err = log.AddNewPrivateTransaction(as.SignerSecret(), changes, key, now, nil)
		} else {
			_, _, err = log.AddNewTrustingTransaction(as.SignerSecret(), changes, now, nil)
		}
	}
	if err != nil {
		if created {
			delete(c.sessions, as.SessionID)
		}
		c.mu.Unlock()
		return err
	}
	c.version++
	c.mu.Unlock()

	c.host.Changed(c)
	return nil
}

// writeKey picks the key a private transaction by as is encrypted with.
func (c *Core) writeKey(as Identity) (crypto.KeyPair, error) {
	if c.header.Ruleset.Type != types.RulesetOwnedByGroup {
		return crypto.KeyPair{}, fmt.Errorf("%w: %s ruleset has no keys", ErrNoKey, c.header.Ruleset.Type)
	}
	g, err := c.ownerGroup()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if g.roleOfAny(as) == types.RoleWriteOnly {
		return g.writeOnlyKey(as)
	}
	return g.CurrentReadKey()
}

func (c *Core) ownerGroup() (*Group, error) {
	gid := c.header.Ruleset.Group
	gc := c.host.Core(gid)
	if gc == nil {
		return nil, fmt.Errorf("%w: group %s", ErrUnavailable, gid)
	}
	return gc.AsGroup()
}

// Dependencies lists the CoValues needed to verify and read this one: the
// owning group, extended parent groups, and the accounts of session writers.
func (c *Core) Dependencies() []types.CoID {
	deps := map[types.CoID]struct{}{}
	if c.header.Ruleset.Type == types.RulesetOwnedByGroup && c.header.Ruleset.Group != "" {
		deps[c.header.Ruleset.Group] = struct{}{}
	}

	c.mu.Lock()
	for sid, log := range c.sessions {
		if owner, err := sid.Owner(); err == nil && owner.IsAccount() {
			deps[types.CoID(owner)] = struct{}{}
		}
		if !c.header.IsGroup() {
			continue
		}
		for i := 0; i < log.Len(); i++ {
			changes, err := log.Changes(i, "")
			if err != nil {
				continue
			}
			for _, raw := range changes {
				if parent, ok := ParentInChange(raw); ok {
					deps[parent] = struct{}{}
				}
			}
		}
	}
	c.mu.Unlock()

	delete(deps, c.id)
	out := make([]types.CoID, 0, len(deps))
	for id := range deps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
