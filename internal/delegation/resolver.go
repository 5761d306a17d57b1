package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tilgang.org/internal/party"
	"tilgang.org/internal/policy"
)

// maxHierarchyDepth bounds the sub-unit walk. The unit hierarchy is exactly
// two levels by registry invariant; the explicit counter keeps the resolver
// from looping when upstream data violates that.
const maxHierarchyDepth = 2

// Resolver computes the effective right set of a recipient over a resource
// by combining directly delegated rules with key-role and sub-unit inherited
// rules. Read-only; it never writes to the rule store or the change log.
type Resolver struct {
	rules    RuleStore
	policies policy.Provider
	eval     policy.Evaluator
	parties  party.Lookup
	roles    party.RoleResolver
}

// NewResolver constructs a Resolver.
func NewResolver(rules RuleStore, policies policy.Provider, eval policy.Evaluator, parties party.Lookup, roles party.RoleResolver) (*Resolver, error) {
	if rules == nil || policies == nil || eval == nil || parties == nil || roles == nil {
		return nil, errors.New("delegation: resolver requires rule store, policy provider, evaluator, party lookup and role resolver")
	}
	return &Resolver{rules: rules, policies: policies, eval: eval, parties: parties, roles: roles}, nil
}

// Resolve returns the effective rights of the recipients over the resource
// as granted by grantorPartyID. With returnAllPolicyRights the result also
// carries the resource's candidate-but-ungranted rights (effect
// NotApplicable) so callers can show what could be delegated.
//
// A resource without rules, or a party without any relationship to it,
// yields an empty slice, not an error.
func (r *Resolver) Resolve(ctx context.Context, resourceID, grantorPartyID string, recipients []Recipient, returnAllPolicyRights bool) ([]Right, error) {
	resourceID = strings.TrimSpace(resourceID)
	grantorPartyID = strings.TrimSpace(grantorPartyID)
	if resourceID == "" || grantorPartyID == "" {
		return nil, fmt.Errorf("%w: resource id and grantor party id are required", ErrValidation)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}

	if _, err := r.parties.PartyByID(ctx, grantorPartyID); err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, fmt.Errorf("%w: grantor party %s", ErrUnresolvedParty, grantorPartyID)
		}
		return nil, err
	}

	resolved := make([]resolvedRecipient, 0, len(recipients))
	for _, rec := range recipients {
		rr, err := r.canonicalRecipient(ctx, rec)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, rr)
	}

	resourcePolicy, err := r.policies.ResourcePolicy(ctx, resourceID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return []Right{}, nil
		}
		return nil, err
	}
	if resourcePolicy.Empty() {
		return []Right{}, nil
	}
	candidates := candidateIndex(resourcePolicy)

	found := make(map[RightKey]Right)
	current := grantorPartyID
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		if err := r.collectAtUnit(ctx, resourceID, current, resolved, depth, candidates, found); err != nil {
			return nil, err
		}
		parent, ok, err := r.roles.ParentUnit(ctx, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if depth == maxHierarchyDepth-1 {
			return nil, fmt.Errorf("%w: unit hierarchy deeper than %d levels above party %s", ErrInternalInconsistency, maxHierarchyDepth, grantorPartyID)
		}
		current = parent
	}

	// Emit in resource-policy order for a deterministic response.
	rights := make([]Right, 0, len(resourcePolicy.Rules))
	emitted := make(map[RightKey]struct{}, len(resourcePolicy.Rules))
	for _, candidate := range resourcePolicy.Rules {
		key := RightKey{Action: candidate.Action, Subresource: candidate.Subresource}
		if _, ok := emitted[key]; ok {
			continue
		}
		emitted[key] = struct{}{}
		if right, ok := found[key]; ok {
			if right.Permitted() || returnAllPolicyRights {
				rights = append(rights, right)
			}
			continue
		}
		if returnAllPolicyRights {
			rights = append(rights, Right{
				Key:           key,
				Effect:        policy.EffectNotApplicable,
				RequiredRoles: candidate.RequiredRoles,
			})
		}
	}
	return rights, nil
}

// collectAtUnit gathers the direct and key-role rule subsets for one level of
// the unit hierarchy. At depth zero the subsets are labeled DirectlyDelegated
// and InheritedViaKeyRole; above that, InheritedAsSubunit and
// InheritedAsSubunitViaKeyrole.
func (r *Resolver) collectAtUnit(ctx context.Context, resourceID, unitPartyID string, recipients []resolvedRecipient, depth int, candidates map[RightKey]policy.Rule, found map[RightKey]Right) error {
	directLabel, keyRoleLabel := TypeDirect, TypeKeyRole
	if depth > 0 {
		directLabel, keyRoleLabel = TypeSubunit, TypeSubunitKeyRole
	}

	for _, rec := range recipients {
		if err := r.matchInto(ctx, PolicyKey{ResourceID: resourceID, GrantorPartyID: unitPartyID, Recipient: rec.canonical}, directLabel, candidates, found); err != nil {
			return err
		}
	}

	for _, rec := range recipients {
		if rec.userID == "" {
			continue
		}
		roles, err := r.roles.KeyRoles(ctx, rec.userID, unitPartyID)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			continue
		}
		// Key-role rules are stored with the unit as its own recipient.
		key := PolicyKey{ResourceID: resourceID, GrantorPartyID: unitPartyID, Recipient: RecipientParty(unitPartyID)}
		if err := r.matchInto(ctx, key, keyRoleLabel, candidates, found); err != nil {
			return err
		}
	}
	return nil
}

// matchInto evaluates the stored document for key and merges matched rules
// into found. First-found entries win so the label reflects the precedence
// order of the caller; a Permit still replaces an earlier non-Permit for the
// same right.
func (r *Resolver) matchInto(ctx context.Context, key PolicyKey, label RuleType, candidates map[RightKey]policy.Rule, found map[RightKey]Right) error {
	doc, err := r.rules.Document(ctx, key)
	if err != nil {
		return err
	}
	if doc.Empty() {
		return nil
	}
	matched, err := r.eval.Match(ctx, doc, policy.RequestContext{ResourceID: key.ResourceID})
	if err != nil {
		return err
	}
	for _, m := range matched {
		rightKey := RightKey{Action: m.Rule.Action, Subresource: m.Rule.Subresource}
		candidate, ok := candidates[rightKey]
		if !ok {
			// Stored rule no longer part of the resource policy.
			continue
		}
		right := Right{
			Key:           rightKey,
			Effect:        m.Effect,
			Type:          label,
			RuleID:        m.Rule.ID,
			RequiredRoles: candidate.RequiredRoles,
		}
		existing, exists := found[rightKey]
		if !exists || (!existing.Permitted() && right.Permitted()) {
			found[rightKey] = right
		}
	}
	return nil
}

type resolvedRecipient struct {
	canonical Recipient
	userID    string
}

// canonicalRecipient resolves the tagged identifier against the party
// registry before any rule-store lookup. User and party identifiers keep
// their kind; organization numbers, SSNs, enterprise usernames and system
// user uuids are canonicalized to party identifiers.
func (r *Resolver) canonicalRecipient(ctx context.Context, rec Recipient) (resolvedRecipient, error) {
	if !rec.Valid() {
		return resolvedRecipient{}, fmt.Errorf("%w: recipient %q", ErrValidation, rec.String())
	}
	fail := func(err error) (resolvedRecipient, error) {
		if errors.Is(err, party.ErrNotFound) {
			return resolvedRecipient{}, fmt.Errorf("%w: recipient %s", ErrUnresolvedParty, rec.String())
		}
		return resolvedRecipient{}, err
	}
	switch rec.Kind {
	case KindUser:
		if _, err := r.parties.PartyByUserID(ctx, rec.Value); err != nil {
			return fail(err)
		}
		return resolvedRecipient{canonical: rec, userID: rec.Value}, nil
	case KindParty:
		if _, err := r.parties.PartyByID(ctx, rec.Value); err != nil {
			return fail(err)
		}
		return resolvedRecipient{canonical: rec}, nil
	case KindOrganization:
		p, err := r.parties.PartyByOrganizationNumber(ctx, rec.Value)
		if err != nil {
			return fail(err)
		}
		return resolvedRecipient{canonical: RecipientParty(p.ID)}, nil
	case KindEnterpriseUser:
		p, err := r.parties.PartyByEnterpriseUsername(ctx, rec.Value)
		if err != nil {
			return fail(err)
		}
		return resolvedRecipient{canonical: RecipientParty(p.ID)}, nil
	case KindSystemUser:
		p, err := r.parties.PartyByUUID(ctx, rec.Value)
		if err != nil {
			return fail(err)
		}
		return resolvedRecipient{canonical: RecipientParty(p.ID)}, nil
	}
	return resolvedRecipient{}, fmt.Errorf("%w: recipient kind %q", ErrValidation, rec.Kind)
}

func candidateIndex(doc policy.Document) map[RightKey]policy.Rule {
	idx := make(map[RightKey]policy.Rule, len(doc.Rules))
	for _, rule := range doc.Rules {
		key := RightKey{Action: rule.Action, Subresource: rule.Subresource}
		if _, ok := idx[key]; !ok {
			idx[key] = rule
		}
	}
	return idx
}
