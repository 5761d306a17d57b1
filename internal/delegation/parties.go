package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tilgang.org/internal/party"
)

// AuthorizedInstance is an instance-level authorization: a delegation scoped
// to a single resource instance.
type AuthorizedInstance struct {
	ResourceID string `json:"resource_id"`
	InstanceID string `json:"instance_id"`
}

// AuthorizedParty is one node of the tree returned by GetAuthorizedParties:
// a party the subject may act for, with the roles, resources and instances
// carrying that authorization, and the party's authorized sub-units.
type AuthorizedParty struct {
	PartyID            string               `json:"party_id"`
	Name               string               `json:"name,omitempty"`
	Type               party.Type           `json:"type"`
	OrganizationNumber string               `json:"organization_number,omitempty"`
	AuthorizedRoles    []string             `json:"authorized_roles,omitempty"`
	AuthorizedResources []string            `json:"authorized_resources,omitempty"`
	AuthorizedInstances []AuthorizedInstance `json:"authorized_instances,omitempty"`

	// OnlyHierarchyElementWithNoAccess marks entries included purely so
	// the tree is displayable; the party itself carries no rights.
	OnlyHierarchyElementWithNoAccess bool `json:"only_hierarchy_element_with_no_access,omitempty"`

	Subunits []AuthorizedParty `json:"subunits,omitempty"`
}

func (p AuthorizedParty) hasAccess() bool {
	return len(p.AuthorizedRoles) > 0 || len(p.AuthorizedResources) > 0 || len(p.AuthorizedInstances) > 0
}

// Aggregator produces, per subject, the full tree of parties the subject is
// authorized to act on behalf of. It only ever follows the subject's own
// party, the subject's key roles and delegations addressed to the subject,
// so parties from unrelated delegation graphs can never appear.
type Aggregator struct {
	parties party.Lookup
	roles   party.RoleResolver
	changes ChangeLog
}

// NewAggregator constructs the authorized-parties aggregator.
func NewAggregator(parties party.Lookup, roles party.RoleResolver, changes ChangeLog) (*Aggregator, error) {
	if parties == nil || roles == nil || changes == nil {
		return nil, errors.New("delegation: aggregator requires party lookup, role resolver and change log")
	}
	return &Aggregator{parties: parties, roles: roles, changes: changes}, nil
}

// access accumulates the authorization payload of one party while the tree
// is being assembled.
type access struct {
	roles     []string
	resources []string
	instances []AuthorizedInstance
}

// GetAuthorizedParties merges role-based (whole-party) authorizations with
// resource and instance delegations addressed to the subject. When
// includeLegacy is false, parties whose only connection is legacy key roles
// are skipped.
func (a *Aggregator) GetAuthorizedParties(ctx context.Context, subjectUserID string, includeLegacy bool) ([]AuthorizedParty, error) {
	subjectUserID = strings.TrimSpace(subjectUserID)
	if subjectUserID == "" {
		return nil, fmt.Errorf("%w: subject user id is required", ErrValidation)
	}

	own, err := a.parties.PartyByUserID(ctx, subjectUserID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrUnresolvedParty, subjectUserID)
		}
		return nil, err
	}

	grants := make(map[string]*access)
	grant := func(partyID string) *access {
		g, ok := grants[partyID]
		if !ok {
			g = &access{}
			grants[partyID] = g
		}
		return g
	}
	grant(own.ID)

	units, err := a.roles.KeyRoleUnits(ctx, subjectUserID)
	if err != nil {
		return nil, err
	}
	for _, unitID := range units {
		roles, err := a.roles.KeyRoles(ctx, subjectUserID, unitID)
		if err != nil {
			return nil, err
		}
		codes := make([]string, 0, len(roles))
		legacyOnly := true
		for _, role := range roles {
			if !role.Legacy {
				legacyOnly = false
			} else if !includeLegacy {
				continue
			}
			codes = append(codes, role.Code)
		}
		if len(codes) == 0 || (legacyOnly && !includeLegacy) {
			continue
		}
		sort.Strings(codes)
		grant(unitID).roles = codes
	}

	changes, err := a.changes.ListByRecipient(ctx, RecipientUser(subjectUserID))
	if err != nil {
		return nil, err
	}
	// Latest record per key wins; the log is already in append order.
	state := make(map[string]Change, len(changes))
	for _, c := range changes {
		state[c.key()] = c
	}
	for _, c := range state {
		if c.ChangeType != ChangeGrant {
			continue
		}
		g := grant(c.GrantorPartyID)
		if c.InstanceID != "" {
			g.instances = append(g.instances, AuthorizedInstance{ResourceID: c.ResourceID, InstanceID: c.InstanceID})
			continue
		}
		g.resources = append(g.resources, c.ResourceID)
	}

	return a.assemble(ctx, own.ID, grants)
}

// assemble turns the flat grant map into the party tree: sub-units nest
// under their main unit, and a main unit reachable only through one of its
// sub-units is included as a hierarchy element with no access of its own.
func (a *Aggregator) assemble(ctx context.Context, ownPartyID string, grants map[string]*access) ([]AuthorizedParty, error) {
	entries := make(map[string]*AuthorizedParty)
	topLevel := make(map[string]struct{})

	entryFor := func(p party.Party) *AuthorizedParty {
		e, ok := entries[p.ID]
		if !ok {
			e = &AuthorizedParty{
				PartyID:            p.ID,
				Name:               p.Name,
				Type:               p.Type,
				OrganizationNumber: p.OrganizationNumber,
			}
			entries[p.ID] = e
		}
		return e
	}

	for partyID, g := range grants {
		p, err := a.parties.PartyByID(ctx, partyID)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return nil, fmt.Errorf("%w: authorized party %s", ErrUnresolvedParty, partyID)
			}
			return nil, err
		}
		e := entryFor(p)
		e.AuthorizedRoles = g.roles
		e.AuthorizedResources = dedupeSorted(g.resources)
		e.AuthorizedInstances = g.instances

		if p.ParentUnitID == "" {
			topLevel[p.ID] = struct{}{}
			continue
		}
		// Sub-unit: hang it under its main unit, creating a
		// hierarchy-only parent when the main unit has no access itself.
		parent, err := a.parties.PartyByID(ctx, p.ParentUnitID)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				return nil, fmt.Errorf("%w: main unit %s of sub-unit %s", ErrInternalInconsistency, p.ParentUnitID, p.ID)
			}
			return nil, err
		}
		pe := entryFor(parent)
		if _, hasOwn := grants[parent.ID]; !hasOwn {
			pe.OnlyHierarchyElementWithNoAccess = true
		}
		topLevel[parent.ID] = struct{}{}
	}

	// Attach authorized sub-units of every top-level unit. A sub-unit with
	// only instance delegations is flagged as a hierarchy element.
	for parentID := range topLevel {
		parentEntry := entries[parentID]
		if parentEntry.Type != party.TypeOrganization {
			continue
		}
		subs, err := a.parties.Subunits(ctx, parentID)
		if err != nil {
			return nil, err
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
		for _, sub := range subs {
			se, ok := entries[sub.ID]
			if !ok {
				continue
			}
			if !se.hasAccess() {
				continue
			}
			if len(se.AuthorizedRoles) == 0 && len(se.AuthorizedResources) == 0 {
				se.OnlyHierarchyElementWithNoAccess = true
			}
			parentEntry.Subunits = append(parentEntry.Subunits, *se)
		}
	}

	ids := make([]string, 0, len(topLevel))
	for id := range topLevel {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Subject's own party first, then the rest in stable order.
	out := make([]AuthorizedParty, 0, len(ids))
	if _, ok := topLevel[ownPartyID]; ok {
		out = append(out, *entries[ownPartyID])
	}
	for _, id := range ids {
		if id == ownPartyID {
			continue
		}
		out = append(out, *entries[id])
	}
	return out, nil
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
