package covalue

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// Entry is a valid, readable transaction in global order.
type Entry struct {
	ID      types.TransactionID
	Author  types.AccountOrAgentID
	MadeAt  int64
	Changes []json.RawMessage
}

type rawTx struct {
	id     types.TransactionID
	author types.AccountOrAgentID
	tx     types.Transaction
}

// globalLess orders transactions by madeAt, then session, then index.
func globalLess(a, b types.TransactionID, aAt, bAt int64) bool {
	if aAt != bAt {
		return aAt < bAt
	}
	if a.SessionID != b.SessionID {
		return a.SessionID < b.SessionID
	}
	return a.TxIndex < b.TxIndex
}

// snapshot copies every transaction out of the logs, sorted in global order.
func (c *Core) snapshot() []rawTx {
	c.mu.Lock()
	var out []rawTx
	for sid, log := range c.sessions {
		owner, err := sid.Owner()
		if err != nil {
			continue
		}
		for i, tx := range log.Transactions(0) {
			out = append(out, rawTx{
				id:     types.TransactionID{SessionID: sid, TxIndex: i},
				author: owner,
				tx:     tx,
			})
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return globalLess(out[i].id, out[j].id, out[i].tx.MadeAt, out[j].tx.MadeAt)
	})
	return out
}

// ValidEntries replays the CoValue: transactions the author had no right to
// make, and private ones this node cannot decrypt, are left out.
func (c *Core) ValidEntries() []Entry {
	txs := c.snapshot()
	switch c.header.Ruleset.Type {
	case types.RulesetUnsafeAllowAll:
		return c.decodeAll(txs, nil)
	case types.RulesetGroup:
		return c.validGroupEntries(txs)
	case types.RulesetOwnedByGroup:
		g, err := c.ownerGroup()
		if err != nil {
			c.logger.Debug("owner group unavailable", "error", err)
			return nil
		}
		kept := txs[:0:0]
		for _, r := range txs {
			if g.roleAt(r.author, r.tx.MadeAt, map[types.CoID]bool{}).CanWrite() {
				kept = append(kept, r)
			}
		}
		return c.decodeAll(kept, g)
	default:
		c.logger.Warn("unknown ruleset", "ruleset", c.header.Ruleset.Type)
		return nil
	}
}

func (c *Core) decodeAll(txs []rawTx, keys *Group) []Entry {
	secrets := map[crypto.KeyID]crypto.KeySecret{}
	out := make([]Entry, 0, len(txs))
	for _, r := range txs {
		var secret crypto.KeySecret
		if r.tx.Privacy == types.PrivacyPrivate {
			if keys == nil {
				continue
			}
			s, ok := secrets[r.tx.KeyUsed]
			if !ok {
				var err error
				if s, err = keys.KeySecret(r.tx.KeyUsed); err != nil {
					c.logger.Debug("transaction key unavailable", "key", r.tx.KeyUsed, "error", err)
				}
				secrets[r.tx.KeyUsed] = s
			}
			if s == "" {
				continue
			}
			secret = s
		}
		changes, err := c.changes(r.id, secret)
		if err != nil {
			c.logger.Debug("transaction unreadable", "session", r.id.SessionID, "idx", r.id.TxIndex, "error", err)
			continue
		}
		out = append(out, Entry{ID: r.id, Author: r.author, MadeAt: r.tx.MadeAt, Changes: changes})
	}
	return out
}

func (c *Core) changes(id types.TransactionID, key crypto.KeySecret) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.sessions[id.SessionID]
	if !ok {
		return nil, ErrIndex
	}
	return log.Changes(id.TxIndex, key)
}

const latest = math.MaxInt64
