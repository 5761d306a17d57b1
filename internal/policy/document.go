package policy

import "strings"

// Effect is the outcome a rule yields when matched.
type Effect string

const (
	EffectPermit        Effect = "Permit"
	EffectDeny          Effect = "Deny"
	EffectNotApplicable Effect = "NotApplicable"
)

// ActorCategory partitions rules by who can ever hold them. Service-owner
// rules exist in resource policies for the owning org/app and are never
// reachable by end users.
type ActorCategory string

const (
	CategoryEndUser      ActorCategory = "enduser"
	CategoryServiceOwner ActorCategory = "serviceowner"
)

// Rule is one entry of a policy document. In a resource policy it describes a
// candidate right (action x subresource); in a delegated policy document it
// records a granted right and carries the stable rule id.
type Rule struct {
	ID            string        `json:"id,omitempty"`
	Action        string        `json:"action"`
	Subresource   string        `json:"subresource,omitempty"`
	Effect        Effect        `json:"effect,omitempty"`
	Category      ActorCategory `json:"category,omitempty"`
	RequiredRoles []string      `json:"required_roles,omitempty"`
}

// Same reports whether two rules address the same right.
func (r Rule) Same(other Rule) bool {
	return r.Action == other.Action && r.Subresource == other.Subresource
}

// Document is one addressable set of rules: the full candidate set of a
// resource, or the delegated rules for one (resource, grantor, recipient) key.
type Document struct {
	ResourceID string `json:"resource_id"`
	Rules      []Rule `json:"rules"`
}

// Empty reports whether the document holds no rules.
func (d Document) Empty() bool { return len(d.Rules) == 0 }

// Find returns the rule addressing (action, subresource) if present.
func (d Document) Find(action, subresource string) (Rule, bool) {
	for _, r := range d.Rules {
		if r.Action == action && r.Subresource == subresource {
			return r, true
		}
	}
	return Rule{}, false
}

// Upsert appends the rule, or returns the existing rule for the same right.
// The returned rule is the one now present in the document.
func (d *Document) Upsert(rule Rule) Rule {
	for _, existing := range d.Rules {
		if existing.Same(rule) {
			return existing
		}
	}
	d.Rules = append(d.Rules, rule)
	return rule
}

// RemoveByID deletes rules whose id is in ids and returns the removed rules.
// Unknown ids are ignored.
func (d *Document) RemoveByID(ids []string) []Rule {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			wanted[id] = struct{}{}
		}
	}
	var removed []Rule
	kept := d.Rules[:0]
	for _, r := range d.Rules {
		if _, ok := wanted[r.ID]; ok {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	d.Rules = kept
	return removed
}
