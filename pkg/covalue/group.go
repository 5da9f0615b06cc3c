package covalue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

const (
	readKeyField   = "readKey"
	parentPrefix   = "parent_"
	childPrefix    = "child_"
	writeKeyPrefix = "writeKeyFor_"
	forInfix       = "_for_"

	// RoleInherit on a parent edge passes each parent member's own role through.
	RoleInherit types.Role = "extend"
)

func isMemberKey(key string) bool {
	return key == string(types.EveryoneID) || types.IsCoID(key) || crypto.IsAgentID(key)
}

// revealKey splits "{keyID}_for_{target}".
func revealKey(key string) (crypto.KeyID, string, bool) {
	if !crypto.IsKeyID(key) {
		return "", "", false
	}
	k, target, ok := strings.Cut(key, forInfix)
	if !ok || target == "" {
		return "", "", false
	}
	return crypto.KeyID(k), target, true
}

// ParentInChange returns the group a group change extends, if it is one.
func ParentInChange(raw json.RawMessage) (types.CoID, bool) {
	var op mapOp
	if json.Unmarshal(raw, &op) != nil || op.Op != opSet || !strings.HasPrefix(op.Key, parentPrefix) {
		return "", false
	}
	return types.CoID(strings.TrimPrefix(op.Key, parentPrefix)), true
}

func validRole(r types.Role) bool {
	return r == types.RoleRevoked || r.IsMember() || r.IsInvite()
}

// validGroupEntries replays a group's own trusting transactions, keeping only
// those whose author held the required role in this group at that point.
// Roles inherited through parents do not grant rights over the group itself.
func (c *Core) validGroupEntries(txs []rawTx) []Entry {
	members := map[types.AccountOrAgentID]types.Role{}
	initial := c.header.Ruleset.InitialAdmin
	out := make([]Entry, 0, len(txs))

	for _, r := range txs {
		if r.tx.Privacy != types.PrivacyTrusting {
			continue
		}
		var changes []json.RawMessage
		if err := json.Unmarshal([]byte(r.tx.Changes), &changes); err != nil || len(changes) == 0 {
			continue
		}
		author := r.author
		if c.header.IsAccount() && author == types.AccountOrAgentID(c.id) {
			author = initial
		}

		pending := map[types.AccountOrAgentID]types.Role{}
		roleOf := func(m types.AccountOrAgentID) types.Role {
			if role, ok := pending[m]; ok {
				return role
			}
			return members[m]
		}
		ok := true
		for _, raw := range changes {
			var op mapOp
			if err := json.Unmarshal(raw, &op); err != nil || op.Op != opSet {
				ok = false
				break
			}
			if !groupChangeAllowed(author, initial, roleOf, op) {
				ok = false
				break
			}
			if isMemberKey(op.Key) {
				var role types.Role
				_ = json.Unmarshal(op.Value, &role)
				pending[types.AccountOrAgentID(op.Key)] = role
			}
		}
		if !ok {
			c.logger.Debug("group transaction not permitted", "session", r.id.SessionID, "idx", r.id.TxIndex)
			continue
		}
		for m, role := range pending {
			members[m] = role
		}
		out = append(out, Entry{ID: r.id, Author: r.author, MadeAt: r.tx.MadeAt, Changes: changes})
	}
	return out
}

func groupChangeAllowed(author, initial types.AccountOrAgentID, roleOf func(types.AccountOrAgentID) types.Role, op mapOp) bool {
	authorRole := roleOf(author)

	if _, _, ok := revealKey(op.Key); ok {
		return authorRole == types.RoleAdmin || authorRole.IsInvite()
	}
	if !isMemberKey(op.Key) {
		return authorRole == types.RoleAdmin
	}

	var role types.Role
	if err := json.Unmarshal(op.Value, &role); err != nil || !validRole(role) {
		return false
	}
	member := types.AccountOrAgentID(op.Key)
	if member == types.EveryoneID && (role == types.RoleAdmin || role.IsInvite()) {
		return false
	}
	current := roleOf(member)

	switch {
	case authorRole == "" && author == initial && member == author && role == types.RoleAdmin:
		return true
	case authorRole == types.RoleAdmin:
		if role.IsInvite() && !member.IsAgent() {
			return false
		}
		return current != types.RoleAdmin || member == author || role == types.RoleAdmin
	case authorRole.IsInvite():
		target := authorRole.InviteTarget()
		return role.IsMember() && member != types.EveryoneID && !current.IsInvite() &&
			role.Rank() <= target.Rank() && role.Rank() >= current.Rank()
	default:
		return false
	}
}

// Group is a snapshot of a group's valid content.
type Group struct {
	core *Core
	idx  mapIndex

	parents map[types.CoID]*Group
}

// AsGroup derives the group content of a group or account.
func (c *Core) AsGroup() (*Group, error) {
	if !c.header.IsGroup() {
		return nil, fmt.Errorf("%w: %s is not a group", ErrWrongType, c.id)
	}
	return &Group{core: c, idx: buildMapIndex(c.ValidEntries())}, nil
}

func (g *Group) ID() types.CoID { return g.core.id }

func (g *Group) Core() *Core { return g.core }

func (g *Group) IsAccount() bool { return g.core.header.IsAccount() }

// Get returns a raw field of the group, such as a profile reference.
func (g *Group) Get(key string) (json.RawMessage, bool) { return g.idx.get(key) }

// Members returns every member key and its current role in this group.
func (g *Group) Members() map[types.AccountOrAgentID]types.Role {
	out := map[types.AccountOrAgentID]types.Role{}
	for _, k := range g.idx.keys() {
		if !isMemberKey(k) {
			continue
		}
		if role, ok := g.idx.getString(k); ok {
			out[types.AccountOrAgentID(k)] = types.Role(role)
		}
	}
	return out
}

// ownRoleAt is the role assigned to member directly in this group at time t.
func (g *Group) ownRoleAt(member types.AccountOrAgentID, t int64) types.Role {
	var role types.Role
	for _, e := range g.idx.history[string(member)] {
		if e.At > t {
			break
		}
		if e.Deleted {
			role = ""
			continue
		}
		var s string
		if json.Unmarshal(e.Value, &s) == nil {
			role = types.Role(s)
		}
	}
	return role
}

// roleAt is member's effective role at time t: its own role, the role granted
// to everyone, and roles inherited through parent groups. visited holds the
// groups on the current path only, so a cycle is cut but a group reachable
// along several paths is evaluated on each of them.
func (g *Group) roleAt(member types.AccountOrAgentID, t int64, visited map[types.CoID]bool) types.Role {
	if visited[g.core.id] {
		return ""
	}
	visited[g.core.id] = true
	defer delete(visited, g.core.id)

	own := g.ownRoleAt(member, t)
	if own.IsInvite() {
		return own
	}
	role := types.MaxRole(own, g.ownRoleAt(types.EveryoneID, t))
	for _, p := range g.parentsAt(t) {
		pg := g.parentGroup(p.id)
		if pg == nil {
			continue
		}
		inherited := pg.roleAt(member, t, visited)
		if !inherited.IsMember() {
			continue
		}
		if p.role != RoleInherit {
			inherited = p.role
		}
		role = types.MaxRole(role, inherited)
	}
	return role
}

// parentGroup derives a parent once per snapshot.
func (g *Group) parentGroup(id types.CoID) *Group {
	if pg, ok := g.parents[id]; ok {
		return pg
	}
	var pg *Group
	if pc := g.core.host.Core(id); pc != nil {
		pg, _ = pc.AsGroup()
	}
	if g.parents == nil {
		g.parents = map[types.CoID]*Group{}
	}
	g.parents[id] = pg
	return pg
}

type parentEdge struct {
	id   types.CoID
	role types.Role
}

func (g *Group) parentsAt(t int64) []parentEdge {
	var out []parentEdge
	for _, k := range g.idx.keys() {
		if !strings.HasPrefix(k, parentPrefix) {
			continue
		}
		e := g.idx.latest[k]
		if e.At > t {
			// Fall back to the edit that was current at t.
			e.Deleted = true
			for _, h := range g.idx.history[k] {
				if h.At <= t {
					e = h
				}
			}
			if e.Deleted {
				continue
			}
		}
		var role string
		if json.Unmarshal(e.Value, &role) != nil || role == string(types.RoleRevoked) {
			continue
		}
		out = append(out, parentEdge{id: types.CoID(strings.TrimPrefix(k, parentPrefix)), role: types.Role(role)})
	}
	return out
}

// RoleOf returns member's current effective role.
func (g *Group) RoleOf(member types.AccountOrAgentID) types.Role {
	return g.roleAt(member, latest, map[types.CoID]bool{})
}

// MyRole returns the node identity's current effective role.
func (g *Group) MyRole() types.Role {
	return g.roleOfAny(g.core.host.Identity())
}

func (g *Group) roleOfAny(as Identity) types.Role {
	var role types.Role
	for _, id := range as.ids() {
		role = types.MaxRole(role, g.RoleOf(id))
	}
	return role
}

// Parents returns the groups this group currently extends.
func (g *Group) Parents() []types.CoID {
	var out []types.CoID
	for _, p := range g.parentsAt(latest) {
		out = append(out, p.id)
	}
	return out
}

// Children returns the groups known to extend this one.
func (g *Group) Children() []types.CoID {
	var out []types.CoID
	for _, k := range g.idx.keys() {
		if strings.HasPrefix(k, childPrefix) {
			out = append(out, types.CoID(strings.TrimPrefix(k, childPrefix)))
		}
	}
	return out
}

// ReadKeyID returns the ID of the current read key.
func (g *Group) ReadKeyID() (crypto.KeyID, bool) {
	s, ok := g.idx.getString(readKeyField)
	return crypto.KeyID(s), ok && s != ""
}

// CurrentReadKey returns the current read key if this node can obtain it.
func (g *Group) CurrentReadKey() (crypto.KeyPair, error) {
	id, ok := g.ReadKeyID()
	if !ok {
		return crypto.KeyPair{}, fmt.Errorf("%w: group %s has no read key", ErrNoKey, g.core.id)
	}
	secret, err := g.KeySecret(id)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return crypto.KeyPair{ID: id, Secret: secret}, nil
}

// KeySecret finds the secret for id as the node's identity.
func (g *Group) KeySecret(id crypto.KeyID) (crypto.KeySecret, error) {
	return g.keySecretAs(g.core.host.Identity(), id, map[string]bool{})
}

// keySecretAs resolves a key revealed to everyone, sealed to as, or encrypted
// under another key that can itself be resolved here or in a parent group.
func (g *Group) keySecretAs(as Identity, id crypto.KeyID, visited map[string]bool) (crypto.KeySecret, error) {
	visitKey := string(g.core.id) + "/" + string(id)
	if visited[visitKey] {
		return "", fmt.Errorf("%w: %s", ErrNoKey, id)
	}
	visited[visitKey] = true

	if s, ok := g.idx.getString(string(id) + forInfix + string(types.EveryoneID)); ok {
		return crypto.KeySecret(s), nil
	}
	for _, me := range as.ids() {
		if secret, err := g.unsealFor(as, id, me); err == nil {
			return secret, nil
		}
	}

	prefix := string(id) + forInfix
	for _, k := range g.idx.keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		via := strings.TrimPrefix(k, prefix)
		if !crypto.IsKeyID(via) {
			continue
		}
		enc, _ := g.idx.getString(k)
		viaSecret, err := g.resolveVia(as, crypto.KeyID(via), visited)
		if err != nil {
			continue
		}
		secret, err := g.core.crypto.DecryptKeySecret(crypto.Encrypted(enc), id, crypto.KeyPair{ID: crypto.KeyID(via), Secret: viaSecret})
		if err == nil {
			return secret, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNoKey, id, g.core.id)
}

func (g *Group) resolveVia(as Identity, via crypto.KeyID, visited map[string]bool) (crypto.KeySecret, error) {
	if s, err := g.keySecretAs(as, via, visited); err == nil {
		return s, nil
	}
	for _, p := range g.parentsAt(latest) {
		pg := g.parentGroup(p.id)
		if pg == nil {
			continue
		}
		if s, err := pg.keySecretAs(as, via, visited); err == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoKey, via)
}

func (g *Group) unsealFor(as Identity, id crypto.KeyID, member types.AccountOrAgentID) (crypto.KeySecret, error) {
	edit, ok := g.idx.latest[string(id)+forInfix+string(member)]
	if !ok || edit.Deleted {
		return "", ErrNoKey
	}
	var sealed string
	if err := json.Unmarshal(edit.Value, &sealed); err != nil {
		return "", err
	}
	from, err := g.sealerOf(edit.By)
	if err != nil {
		return "", err
	}
	raw, err := g.core.crypto.Unseal(crypto.Sealed(sealed), as.SealerSecret(), from, types.TxNonceMaterial{In: g.core.id, Tx: edit.TxID})
	if err != nil {
		return "", err
	}
	var secret string
	if err := json.Unmarshal(raw, &secret); err != nil {
		return "", err
	}
	return crypto.KeySecret(secret), nil
}

func (g *Group) sealerOf(member types.AccountOrAgentID) (crypto.SealerID, error) {
	agent, err := g.core.agentOf(member)
	if err != nil {
		return "", err
	}
	sealer, _, err := crypto.SplitAgentID(agent)
	return sealer, err
}

func (g *Group) writeOnlyKey(as Identity) (crypto.KeyPair, error) {
	for _, me := range as.ids() {
		id, ok := g.idx.getString(writeKeyPrefix + string(me))
		if !ok {
			continue
		}
		secret, err := g.keySecretAs(as, crypto.KeyID(id), map[string]bool{})
		if err != nil {
			return crypto.KeyPair{}, err
		}
		return crypto.KeyPair{ID: crypto.KeyID(id), Secret: secret}, nil
	}
	return crypto.KeyPair{}, fmt.Errorf("%w: no write key for %s", ErrNoKey, as.ID)
}

// change is one group field assignment.
type change struct {
	key   string
	value any
}

func (g *Group) set(as Identity, build func(txID types.TransactionID) ([]change, error)) error {
	return g.core.makeTransaction(as, types.PrivacyTrusting, crypto.KeyPair{}, func(txID types.TransactionID) ([]json.RawMessage, error) {
		fields, err := build(txID)
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, 0, len(fields))
		for _, f := range fields {
			value, err := json.Marshal(f.value)
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", f.key, err)
			}
			out = append(out, mustJSON(mapOp{Op: opSet, Key: f.key, Value: value}))
		}
		return out, nil
	})
}

// seal wraps key for member, with a nonce bound to the revealing transaction.
func (g *Group) seal(as Identity, key crypto.KeyPair, member types.AccountOrAgentID, txID types.TransactionID) (change, error) {
	to, err := g.sealerOf(member)
	if err != nil {
		return change{}, err
	}
	sealed, err := g.core.crypto.Seal(crypto.SealInput{
		Message:       key.Secret,
		From:          as.SealerSecret(),
		To:            to,
		NonceMaterial: types.TxNonceMaterial{In: g.core.id, Tx: txID},
	})
	if err != nil {
		return change{}, fmt.Errorf("seal key for %s: %w", member, err)
	}
	return change{key: string(key.ID) + forInfix + string(member), value: sealed}, nil
}

func (g *Group) requireAdmin() error {
	if role := g.MyRole(); role != types.RoleAdmin {
		return fmt.Errorf("%w: %s is %q in %s", ErrForbidden, g.core.host.Identity().ID, role, g.core.id)
	}
	return nil
}

func (g *Group) requireNotAccount(op string) error {
	if g.IsAccount() {
		return fmt.Errorf("%w: cannot %s account %s", ErrAccountStructure, op, g.core.id)
	}
	return nil
}

// InitGroup writes the creator as admin and reveals a fresh read key to it.
func InitGroup(c *Core, as Identity) error {
	g := &Group{core: c, idx: mapIndex{latest: map[string]MapEdit{}, history: map[string][]MapEdit{}}}
	key := c.crypto.NewRandomKeySecret()
	return g.set(as, func(txID types.TransactionID) ([]change, error) {
		sealed, err := g.seal(as, key, as.ID, txID)
		if err != nil {
			return nil, err
		}
		return []change{
			{key: string(as.ID), value: types.RoleAdmin},
			{key: readKeyField, value: key.ID},
			sealed,
		}, nil
	})
}

// AddMember grants member a role, revealing the keys that role may use.
func (g *Group) AddMember(member types.AccountOrAgentID, role types.Role) error {
	if err := g.requireNotAccount("add a member to"); err != nil {
		return err
	}
	if err := g.requireAdmin(); err != nil {
		return err
	}
	if !validRole(role) || role == types.RoleRevoked {
		return fmt.Errorf("covalue: cannot add member with role %q", role)
	}
	if member == types.EveryoneID && (role == types.RoleAdmin || role.IsInvite()) {
		return fmt.Errorf("covalue: everyone cannot be %q", role)
	}
	readKey, err := g.CurrentReadKey()
	if err != nil {
		return err
	}

	as := g.core.host.Identity()
	return g.set(as, func(txID types.TransactionID) ([]change, error) {
		fields := []change{{key: string(member), value: role}}
		switch {
		case member == types.EveryoneID:
			if role.CanRead() {
				fields = append(fields, change{key: string(readKey.ID) + forInfix + string(types.EveryoneID), value: readKey.Secret})
			}
		case role == types.RoleWriteOnly:
			writeKey := g.core.crypto.NewRandomKeySecret()
			sealed, err := g.seal(as, writeKey, member, txID)
			if err != nil {
				return nil, err
			}
			enc, err := g.core.crypto.EncryptKeySecret(writeKey, readKey)
			if err != nil {
				return nil, err
			}
			fields = append(fields,
				change{key: writeKeyPrefix + string(member), value: writeKey.ID},
				sealed,
				change{key: string(writeKey.ID) + forInfix + string(readKey.ID), value: enc},
			)
		default:
			sealed, err := g.seal(as, readKey, member, txID)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sealed)
		}
		return fields, nil
	})
}

// RemoveMember revokes member and rotates the read key so that content written
// afterwards is unreadable to it. Content it could already read stays readable.
func (g *Group) RemoveMember(member types.AccountOrAgentID) error {
	if err := g.requireNotAccount("remove a member from"); err != nil {
		return err
	}
	if err := g.requireAdmin(); err != nil {
		return err
	}
	as := g.core.host.Identity()
	if g.ownRoleAt(member, latest) == types.RoleAdmin && member != as.ID {
		return fmt.Errorf("%w: cannot remove admin %s", ErrForbidden, member)
	}
	return g.rotate(as, member)
}

// RotateReadKey replaces the read key and reveals the new one to every
// remaining reader.
func (g *Group) RotateReadKey() error {
	if err := g.requireAdmin(); err != nil {
		return err
	}
	return g.rotate(g.core.host.Identity(), "")
}

func (g *Group) rotate(as Identity, removed types.AccountOrAgentID) error {
	oldKey, err := g.CurrentReadKey()
	if err != nil {
		return err
	}
	newKey := g.core.crypto.NewRandomKeySecret()
	chained, err := g.core.crypto.EncryptKeySecret(oldKey, newKey)
	if err != nil {
		return err
	}

	members := g.Members()
	ids := make([]types.AccountOrAgentID, 0, len(members))
	for m, role := range members {
		if m != removed && m != types.EveryoneID && (role.CanRead() || role.IsInvite()) {
			ids = append(ids, m)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return g.set(as, func(txID types.TransactionID) ([]change, error) {
		var fields []change
		if removed != "" {
			fields = append(fields, change{key: string(removed), value: types.RoleRevoked})
		}
		for _, m := range ids {
			sealed, err := g.seal(as, newKey, m, txID)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sealed)
		}
		if members[types.EveryoneID].CanRead() && removed != types.EveryoneID {
			fields = append(fields, change{key: string(newKey.ID) + forInfix + string(types.EveryoneID), value: newKey.Secret})
		}
		return append(fields,
			change{key: string(oldKey.ID) + forInfix + string(newKey.ID), value: chained},
			change{key: readKeyField, value: newKey.ID},
		), nil
	})
}

// Extend makes members of parent members of this group, with role or, for
// RoleInherit, with their role in parent. This group's read key is revealed
// to parent's read key.
func (g *Group) Extend(parent *Group, role types.Role) error {
	if err := g.requireNotAccount("extend"); err != nil {
		return err
	}
	if err := parent.requireNotAccount("extend from"); err != nil {
		return err
	}
	if parent.ID() == g.ID() {
		return fmt.Errorf("covalue: group %s cannot extend itself", g.ID())
	}
	if role != RoleInherit && !role.IsMember() {
		return fmt.Errorf("covalue: invalid parent role %q", role)
	}
	if err := g.requireAdmin(); err != nil {
		return err
	}
	childKey, err := g.CurrentReadKey()
	if err != nil {
		return err
	}
	parentKey, err := parent.CurrentReadKey()
	if err != nil {
		return err
	}
	enc, err := g.core.crypto.EncryptKeySecret(childKey, parentKey)
	if err != nil {
		return err
	}

	as := g.core.host.Identity()
	err = g.set(as, func(types.TransactionID) ([]change, error) {
		return []change{
			{key: parentPrefix + string(parent.ID()), value: role},
			{key: string(childKey.ID) + forInfix + string(parentKey.ID), value: enc},
		}, nil
	})
	if err != nil {
		return err
	}
	if parent.MyRole() != types.RoleAdmin {
		return nil
	}
	return parent.set(as, func(types.TransactionID) ([]change, error) {
		return []change{{key: childPrefix + string(g.ID()), value: RoleInherit}}, nil
	})
}
