package delegation

import (
	"fmt"
	"strings"
	"time"

	"tilgang.org/internal/policy"
)

// RecipientKind discriminates the identifier spellings a recipient can
// arrive as.
type RecipientKind string

const (
	KindUser           RecipientKind = "user"
	KindParty          RecipientKind = "party"
	KindOrganization   RecipientKind = "organization"
	KindEnterpriseUser RecipientKind = "enterpriseuser"
	KindSystemUser     RecipientKind = "systemuser"
)

// Recipient is the tagged identifier of the receiving side of a delegation.
// It is resolved to a registered party before any rule-store lookup; code
// never branches on the raw value.
type Recipient struct {
	Kind  RecipientKind `json:"type"`
	Value string        `json:"id"`
}

func RecipientUser(userID string) Recipient {
	return Recipient{Kind: KindUser, Value: userID}
}

func RecipientParty(partyID string) Recipient {
	return Recipient{Kind: KindParty, Value: partyID}
}

func RecipientOrganization(orgNumber string) Recipient {
	return Recipient{Kind: KindOrganization, Value: orgNumber}
}

func RecipientEnterpriseUser(username string) Recipient {
	return Recipient{Kind: KindEnterpriseUser, Value: username}
}

func RecipientSystemUser(id string) Recipient {
	return Recipient{Kind: KindSystemUser, Value: id}
}

// Valid reports whether both the kind and the value are set.
func (r Recipient) Valid() bool {
	switch r.Kind {
	case KindUser, KindParty, KindOrganization, KindEnterpriseUser, KindSystemUser:
		return strings.TrimSpace(r.Value) != ""
	}
	return false
}

func (r Recipient) String() string {
	return string(r.Kind) + ":" + r.Value
}

// PolicyKey addresses one policy document: the rule set delegated from one
// grantor to one recipient over one resource.
type PolicyKey struct {
	ResourceID     string
	GrantorPartyID string
	Recipient      Recipient
}

// Valid reports whether every component of the key is present.
func (k PolicyKey) Valid() bool {
	return strings.TrimSpace(k.ResourceID) != "" &&
		strings.TrimSpace(k.GrantorPartyID) != "" &&
		k.Recipient.Valid()
}

func (k PolicyKey) String() string {
	return k.ResourceID + "|" + k.GrantorPartyID + "|" + k.Recipient.String()
}

// AppResourceID builds the resource identifier of an org/app pair.
func AppResourceID(org, app string) string {
	org = strings.TrimSpace(org)
	app = strings.TrimSpace(app)
	if org == "" || app == "" {
		return ""
	}
	return org + "/" + app
}

// RuleType labels the path a right was obtained through. All paths are
// merged during resolution; the label records the first-found path in the
// fixed precedence order below.
type RuleType string

const (
	TypeDirect         RuleType = "DirectlyDelegated"
	TypeKeyRole        RuleType = "InheritedViaKeyRole"
	TypeSubunit        RuleType = "InheritedAsSubunit"
	TypeSubunitKeyRole RuleType = "InheritedAsSubunitViaKeyrole"
)

// RightKey identifies one right within a resource: an action, optionally
// narrowed to a sub-resource.
type RightKey struct {
	Action      string `json:"action"`
	Subresource string `json:"subresource,omitempty"`
}

func (k RightKey) String() string {
	if k.Subresource == "" {
		return k.Action
	}
	return k.Action + "#" + k.Subresource
}

// Right is one resolved entry of a recipient's effective right set.
type Right struct {
	Key           RightKey      `json:"key"`
	Effect        policy.Effect `json:"effect"`
	Type          RuleType      `json:"type,omitempty"`
	RuleID        string        `json:"rule_id,omitempty"`
	RequiredRoles []string      `json:"required_roles,omitempty"`
}

// Permitted reports whether the right is effectively granted.
func (r Right) Permitted() bool { return r.Effect == policy.EffectPermit }

// Rule is one administered delegation rule as returned by the
// administration engine. Identity is (id, resource, action, grantor,
// recipient); the id is stable and reused when the identical tuple is
// re-delegated.
type Rule struct {
	ID                  string    `json:"id"`
	ResourceID          string    `json:"resource_id"`
	Action              string    `json:"action"`
	Subresource         string    `json:"subresource,omitempty"`
	GrantorPartyID      string    `json:"grantor_party_id"`
	Recipient           Recipient `json:"recipient"`
	PerformedBy         string    `json:"performed_by,omitempty"`
	CreatedSuccessfully bool      `json:"created_successfully"`
	Type                RuleType  `json:"type,omitempty"`
}

// ChangeType is the kind of a delegation change-log record.
type ChangeType string

const (
	ChangeGrant      ChangeType = "Grant"
	ChangeRevokeLast ChangeType = "RevokeLast"
)

// Change is one append-only delegation change-log record. For a given
// (resource, grantor, recipient) key the most recent record determines the
// current delegation status.
type Change struct {
	ID             string     `json:"id"`
	ResourceID     string     `json:"resource_id"`
	ResourceType   string     `json:"resource_type,omitempty"`
	InstanceID     string     `json:"instance_id,omitempty"`
	GrantorPartyID string     `json:"grantor_party_id"`
	Recipient      Recipient  `json:"recipient"`
	ChangeType     ChangeType `json:"change_type"`
	PerformedBy    string     `json:"performed_by"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

func (c Change) key() string {
	k := c.ResourceID + "|" + c.GrantorPartyID + "|" + c.Recipient.String()
	if c.InstanceID != "" {
		k += "|" + c.InstanceID
	}
	return k
}

// validateDistinctKeys rejects batches that address the same policy document
// twice. Used by the delete paths, where two operations on one key inside a
// single batch would make the outcome order-dependent.
func validateDistinctKeys(keys []PolicyKey) error {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s := k.String()
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: duplicate policy key %s in batch", ErrValidation, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}
