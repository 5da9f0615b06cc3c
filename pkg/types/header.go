package types

// CoValueType is the content type stored in a header.
type CoValueType string

const (
	TypeCoMap       CoValueType = "comap"
	TypeCoList      CoValueType = "colist"
	TypeCoStream    CoValueType = "costream"
	TypeCoPlainText CoValueType = "coplaintext"
)

// RulesetType selects how permissions are resolved for a CoValue.
type RulesetType string

const (
	RulesetGroup          RulesetType = "group"
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

// Ruleset describes the permission model of a CoValue.
type Ruleset struct {
	Type         RulesetType      `json:"type"`
	Group        CoID             `json:"group,omitempty"`
	InitialAdmin AccountOrAgentID `json:"initialAdmin,omitempty"`
}

// Header is the immutable, content-addressed description of a CoValue.
type Header struct {
	Type       CoValueType    `json:"type"`
	Ruleset    Ruleset        `json:"ruleset"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  *string        `json:"createdAt"`
	Uniqueness any            `json:"uniqueness"`
}

// MetaType returns meta.type, used to tag accounts, groups and binary streams.
func (h *Header) MetaType() string {
	if h == nil || h.Meta == nil {
		return ""
	}
	s, _ := h.Meta["type"].(string)
	return s
}

// IsGroup reports whether the header describes a group (or account).
func (h *Header) IsGroup() bool {
	return h != nil && h.Ruleset.Type == RulesetGroup
}

// IsAccount reports whether the header describes an account.
func (h *Header) IsAccount() bool {
	return h.IsGroup() && h.MetaType() == "account"
}
