package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tilgang.org/internal/identity"
	"tilgang.org/internal/party"
	"tilgang.org/internal/policy"
	"tilgang.org/internal/registry"
)

// CheckResult is the per-right verdict of a delegation dry run: whether the
// subject may delegate the right onward, and when not, which key roles would
// grant it.
type CheckResult struct {
	Key         RightKey `json:"key"`
	Delegable   bool     `json:"delegable"`
	ReasonRoles []string `json:"reason_roles,omitempty"`
}

// Checker computes, for a subject acting on behalf of a grantor, the subset
// of a resource's rights the subject is entitled to delegate onward.
type Checker struct {
	resolver *Resolver
	registry registry.Lookup
	policies policy.Provider
	parties  party.Lookup
}

// NewChecker constructs the delegation check engine.
func NewChecker(resolver *Resolver, reg registry.Lookup, policies policy.Provider, parties party.Lookup) (*Checker, error) {
	if resolver == nil || reg == nil || policies == nil || parties == nil {
		return nil, errors.New("delegation: checker requires resolver, registry, policy provider and party lookup")
	}
	return &Checker{resolver: resolver, registry: reg, policies: policies, parties: parties}, nil
}

// DelegationCheck is read-only. Rules reachable only by the resource's
// service owner are filtered out entirely rather than reported as
// non-delegable. An authentication level below the resource's minimum turns
// every entry non-delegable instead of erroring.
func (c *Checker) DelegationCheck(ctx context.Context, resourceID, grantorPartyID string, subject identity.Subject) ([]CheckResult, error) {
	resourceID = strings.TrimSpace(resourceID)
	grantorPartyID = strings.TrimSpace(grantorPartyID)
	if resourceID == "" || grantorPartyID == "" {
		return nil, fmt.Errorf("%w: resource id and grantor party id are required", ErrValidation)
	}
	if !subject.Valid() {
		return nil, fmt.Errorf("%w: authenticated subject is required", ErrValidation)
	}

	info, err := c.registry.Resource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not a registered resource", ErrUnsupportedResourceType, resourceID)
		}
		return nil, err
	}
	if !info.Delegable || info.Type == registry.TypeLegacyMigration {
		return nil, fmt.Errorf("%w: delegation check is unsupported for %s resources", ErrUnsupportedResourceType, info.Type)
	}

	if info.Restriction == registry.RestrictionOrganizationsOnly {
		if err := c.checkEntityRestriction(ctx, grantorPartyID, subject); err != nil {
			return nil, err
		}
	}

	rights, err := c.resolver.Resolve(ctx, resourceID, grantorPartyID, []Recipient{RecipientUser(subject.UserID)}, true)
	if err != nil {
		return nil, err
	}
	permitted := make(map[RightKey]bool, len(rights))
	for _, right := range rights {
		if right.Permitted() {
			permitted[right.Key] = true
		}
	}

	levelOK := info.MinAuthenticationLevel <= 0 || subject.AuthenticationLevel >= info.MinAuthenticationLevel

	resourcePolicy, err := c.policies.ResourcePolicy(ctx, resourceID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return []CheckResult{}, nil
		}
		return nil, err
	}

	results := make([]CheckResult, 0, len(resourcePolicy.Rules))
	seen := make(map[RightKey]struct{}, len(resourcePolicy.Rules))
	for _, rule := range resourcePolicy.Rules {
		if rule.Category == policy.CategoryServiceOwner {
			continue
		}
		key := RightKey{Action: rule.Action, Subresource: rule.Subresource}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		delegable := levelOK && permitted[key]
		result := CheckResult{Key: key, Delegable: delegable}
		if !delegable {
			result.ReasonRoles = append([]string(nil), rule.RequiredRoles...)
		}
		results = append(results, result)
	}
	return results, nil
}

// checkEntityRestriction enforces organization-to-organization resources: a
// natural person on either side fails validation with an error naming the
// offending side.
func (c *Checker) checkEntityRestriction(ctx context.Context, grantorPartyID string, subject identity.Subject) error {
	grantor, err := c.parties.PartyByID(ctx, grantorPartyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return fmt.Errorf("%w: grantor party %s", ErrUnresolvedParty, grantorPartyID)
		}
		return err
	}
	if grantor.Type == party.TypePerson {
		return fmt.Errorf("%w: grantor %s is a natural person; the resource is restricted to organizations", ErrValidation, grantorPartyID)
	}
	if subject.PartyID == "" {
		return nil
	}
	recipient, err := c.parties.PartyByID(ctx, subject.PartyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return fmt.Errorf("%w: recipient party %s", ErrUnresolvedParty, subject.PartyID)
		}
		return err
	}
	if recipient.Type == party.TypePerson {
		return fmt.Errorf("%w: recipient %s is a natural person; the resource is restricted to organizations", ErrValidation, subject.PartyID)
	}
	return nil
}
