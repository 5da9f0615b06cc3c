// Package types holds the data model shared by every layer: CoValue IDs,
// headers, transactions, known states and roles.
package types

import (
	"errors"
	"strings"

	"github.com/relves/colog/pkg/crypto"
)

// CoID identifies a CoValue: "co_z" + the short hash of its header.
type CoID string

// SessionID identifies one writer's append-only log: "{accountOrAgentID}_session_z{random}".
type SessionID string

// AccountOrAgentID is either an account CoID or a raw agent ID.
type AccountOrAgentID string

const (
	coIDPrefix   = "co_z"
	sessionInfix = "_session_z"
	EveryoneID   = AccountOrAgentID("everyone")
)

var (
	ErrInvalidSessionID = errors.New("types: invalid session id")
	ErrHeaderMismatch   = errors.New("types: header does not hash to id")
)

// CoIDFromShortHash derives a CoID from a header's short hash.
func CoIDFromShortHash(h crypto.ShortHash) CoID {
	return CoID(coIDPrefix + crypto.ShortHashSuffix(h))
}

// IsCoID reports whether s looks like a CoValue ID.
func IsCoID(s string) bool {
	return strings.HasPrefix(s, coIDPrefix) && len(s) > len(coIDPrefix)
}

// NewSessionID builds a session ID for owner with the given random suffix.
func NewSessionID(owner AccountOrAgentID, randomBase58 string) SessionID {
	return SessionID(string(owner) + sessionInfix + randomBase58)
}

// Owner returns the account or agent that writes to the session.
func (s SessionID) Owner() (AccountOrAgentID, error) {
	i := strings.LastIndex(string(s), sessionInfix)
	if i <= 0 {
		return "", ErrInvalidSessionID
	}
	return AccountOrAgentID(s[:i]), nil
}

// IsAccount reports whether the ID refers to an account CoValue.
func (id AccountOrAgentID) IsAccount() bool {
	return IsCoID(string(id))
}

// IsAgent reports whether the ID is a raw agent ID.
func (id AccountOrAgentID) IsAgent() bool {
	return crypto.IsAgentID(string(id))
}
