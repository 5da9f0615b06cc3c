package types

// Role is a group membership level.
type Role string

const (
	RoleRevoked      Role = "revoked"
	RoleWriteOnly    Role = "writeOnly"
	RoleReader       Role = "reader"
	RoleWriter       Role = "writer"
	RoleAdmin        Role = "admin"
	RoleReaderInvite Role = "readerInvite"
	RoleWriterInvite Role = "writerInvite"
	RoleAdminInvite  Role = "adminInvite"
)

// Rank orders member roles by privilege: writeOnly < reader < writer < admin.
// Revoked, unknown and invite roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleWriteOnly:
		return 1
	case RoleReader:
		return 2
	case RoleWriter:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

// IsMember reports whether r is a role that belongs to a real member.
func (r Role) IsMember() bool {
	return r.Rank() > 0
}

// IsInvite reports whether r is held by an invite agent.
func (r Role) IsInvite() bool {
	return r == RoleReaderInvite || r == RoleWriterInvite || r == RoleAdminInvite
}

// InviteTarget returns the member role an invite grants.
func (r Role) InviteTarget() Role {
	switch r {
	case RoleReaderInvite:
		return RoleReader
	case RoleWriterInvite:
		return RoleWriter
	case RoleAdminInvite:
		return RoleAdmin
	default:
		return ""
	}
}

// InviteRoleFor returns the invite role granting member role r.
func InviteRoleFor(r Role) Role {
	switch r {
	case RoleReader:
		return RoleReaderInvite
	case RoleWriter:
		return RoleWriterInvite
	case RoleAdmin:
		return RoleAdminInvite
	default:
		return ""
	}
}

// CanWrite reports whether r may add content to values owned by a group.
func (r Role) CanWrite() bool {
	return r == RoleWriter || r == RoleAdmin || r == RoleWriteOnly
}

// CanRead reports whether r receives the group's read key.
func (r Role) CanRead() bool {
	return r == RoleReader || r == RoleWriter || r == RoleAdmin
}

// MaxRole returns the more privileged of a and b.
func MaxRole(a, b Role) Role {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Priority orders content in outgoing streams; lower is more urgent.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 3
	PriorityLow    Priority = 6
)

// PriorityFor returns the priority of content for a header.
func PriorityFor(h *Header) Priority {
	switch {
	case h == nil:
		return PriorityMedium
	case h.IsGroup():
		return PriorityHigh
	case h.Type == TypeCoStream && h.MetaType() == "binary":
		return PriorityLow
	default:
		return PriorityMedium
	}
}
