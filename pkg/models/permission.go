package models

import (
	"encoding/json"
	"fmt"
)

// Capability is an action a permission assignment may grant on a step.
type Capability string

const (
	CapView              Capability = "view"
	CapViewPrivateFields Capability = "view_private_fields"
	CapComment           Capability = "comment"
	CapEdit              Capability = "edit"
	CapMoveForward       Capability = "move_forward"
	CapMoveBackward      Capability = "move_backward"
	CapEvaluate          Capability = "evaluate"
)

// order defines the bit position of each capability
var allCapabilities = []Capability{
	CapView,
	CapViewPrivateFields,
	CapComment,
	CapEdit,
	CapMoveForward,
	CapMoveBackward,
	CapEvaluate,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c.bit() != 0
}

// Mutating reports whether c changes proposal state. Read-only overrides
// strip every mutating capability.
func (c Capability) Mutating() bool {
	return c != CapView && c != CapViewPrivateFields
}

func (c Capability) bit() CapabilitySet {
	for i, known := range allCapabilities {
		if known == c {
			return 1 << i
		}
	}
	return 0
}

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet uint16

// NewCapabilitySet builds a set from caps, ignoring unknown values.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= c.bit()
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	b := c.bit()
	return b != 0 && s&b == b
}

// Union returns s ∪ other.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	return s | other
}

// ReadOnly returns s with every mutating capability removed.
func (s CapabilitySet) ReadOnly() CapabilitySet {
	return s & NewCapabilitySet(CapView, CapViewPrivateFields)
}

// Empty reports whether no capability is granted.
func (s CapabilitySet) Empty() bool {
	return s == 0
}

// List returns the capabilities in a stable order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(allCapabilities))
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	for _, c := range caps {
		if !c.Valid() {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// AssigneeGroup is the kind of permission target.
type AssigneeGroup string

const (
	AssigneeUser       AssigneeGroup = "user"
	AssigneeRole       AssigneeGroup = "role"
	AssigneeSystemRole AssigneeGroup = "system_role"
)

// System roles resolved at evaluation time from proposal and tenant context.
const (
	SystemRoleAuthor          = "author"
	SystemRoleCurrentReviewer = "current_reviewer"
	SystemRoleAllReviewers    = "all_reviewers"
	SystemRoleSpaceMember     = "space_member"
	SystemRoleSpaceAdmin      = "space_admin"
)

// Assignee identifies who a permission applies to.
type Assignee struct {
	Group AssigneeGroup `json:"group"`
	ID    string        `json:"id"`
}

func (a Assignee) String() string {
	return string(a.Group) + ":" + a.ID
}

// PermissionAssignment grants a set of operations to an assignee on one step.
type PermissionAssignment struct {
	Assignee   Assignee     `json:"assignee"`
	Operations []Capability `json:"operations"`
}

// Capabilities returns the operations as a set.
func (p PermissionAssignment) Capabilities() CapabilitySet {
	return NewCapabilitySet(p.Operations...)
}

func clonePermissions(in []PermissionAssignment) []PermissionAssignment {
	if in == nil {
		return nil
	}
	out := make([]PermissionAssignment, len(in))
	for i, p := range in {
		out[i] = PermissionAssignment{
			Assignee:   p.Assignee,
			Operations: append([]Capability(nil), p.Operations...),
		}
	}
	return out
}

// Actor is the user acting on a proposal, with tenant-scoped memberships.
type Actor struct {
	UserID   string   `json:"user_id"`
	RoleIDs  []string `json:"role_ids,omitempty"`
	IsMember bool     `json:"is_member"`
	IsAdmin  bool     `json:"is_admin"`
}

// HasRole reports whether the actor holds roleID.
func (a Actor) HasRole(roleID string) bool {
	for _, r := range a.RoleIDs {
		if r == roleID {
			return true
		}
	}
	return false
}
