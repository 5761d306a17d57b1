package delegation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tilgang.org/internal/identity"
	"tilgang.org/internal/party"
	"tilgang.org/internal/policy"
	"tilgang.org/internal/registry"
)

type checkFixture struct {
	*fixture
	registry *registry.Static
	checker  *Checker
}

func newCheckFixture(t *testing.T) *checkFixture {
	t.Helper()
	f := newFixture(t)
	reg := registry.NewStatic()
	checker, err := NewChecker(f.resolver, reg, f.policies, f.parties)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	return &checkFixture{fixture: f, registry: reg, checker: checker}
}

func TestDelegationCheckVerdicts(t *testing.T) {
	f := newCheckFixture(t)
	ctx := context.Background()

	f.registry.Add(registry.ResourceInfo{ID: "jks_audi_etron_gt", Type: registry.TypeResource, Delegable: true})
	f.parties.AddParty(party.Party{ID: "50005545", Type: party.TypeOrganization})
	f.parties.AddParty(party.Party{ID: "p-user", Type: party.TypePerson})
	f.parties.LinkUser("20000095", "p-user")

	f.policies.SetResourcePolicy(policy.Document{
		ResourceID: "jks_audi_etron_gt",
		Rules: []policy.Rule{
			{Action: "Park"},
			{Action: "Drive", RequiredRoles: []string{"DAGL"}},
			{Action: "Scrap", Category: policy.CategoryServiceOwner},
		},
	})
	f.storeRule(t, PolicyKey{ResourceID: "jks_audi_etron_gt", GrantorPartyID: "50005545", Recipient: RecipientUser("20000095")},
		policy.Rule{ID: "r1", Action: "Park", Effect: policy.EffectPermit})

	results, err := f.checker.DelegationCheck(ctx, "jks_audi_etron_gt", "50005545", identity.Subject{UserID: "20000095", AuthenticationLevel: 2})
	if err != nil {
		t.Fatalf("DelegationCheck: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("service-owner rules must be filtered out, got %d results", len(results))
	}
	byAction := map[string]CheckResult{}
	for _, r := range results {
		byAction[r.Key.Action] = r
	}
	if !byAction["Park"].Delegable {
		t.Fatal("held right must be delegable")
	}
	drive := byAction["Drive"]
	if drive.Delegable {
		t.Fatal("unheld right must not be delegable")
	}
	if len(drive.ReasonRoles) != 1 || drive.ReasonRoles[0] != "DAGL" {
		t.Fatalf("reason roles not reported: %#v", drive.ReasonRoles)
	}
	if _, ok := byAction["Scrap"]; ok {
		t.Fatal("service-owner rule leaked into the check result")
	}
}

func TestDelegationCheckAuthenticationLevel(t *testing.T) {
	f := newCheckFixture(t)
	ctx := context.Background()

	f.registry.Add(registry.ResourceInfo{ID: "res1", Type: registry.TypeResource, Delegable: true, MinAuthenticationLevel: 3})
	f.parties.AddParty(party.Party{ID: "org", Type: party.TypeOrganization})
	f.parties.AddParty(party.Party{ID: "p-user", Type: party.TypePerson})
	f.parties.LinkUser("u1", "p-user")

	f.policies.SetResourcePolicy(policy.Document{ResourceID: "res1", Rules: []policy.Rule{{Action: "read"}}})
	f.storeRule(t, PolicyKey{ResourceID: "res1", GrantorPartyID: "org", Recipient: RecipientUser("u1")},
		policy.Rule{ID: "r1", Action: "read", Effect: policy.EffectPermit})

	results, err := f.checker.DelegationCheck(ctx, "res1", "org", identity.Subject{UserID: "u1", AuthenticationLevel: 2})
	if err != nil {
		t.Fatalf("DelegationCheck: %v", err)
	}
	if len(results) != 1 || results[0].Delegable {
		t.Fatalf("level below minimum must turn the right non-delegable: %#v", results)
	}

	results, err = f.checker.DelegationCheck(ctx, "res1", "org", identity.Subject{UserID: "u1", AuthenticationLevel: 3})
	if err != nil {
		t.Fatalf("DelegationCheck: %v", err)
	}
	if !results[0].Delegable {
		t.Fatal("sufficient level must keep the right delegable")
	}
}

func TestDelegationCheckUnsupportedResources(t *testing.T) {
	f := newCheckFixture(t)
	ctx := context.Background()
	f.parties.AddParty(party.Party{ID: "org", Type: party.TypeOrganization})
	subject := identity.Subject{UserID: "u1", AuthenticationLevel: 2}

	f.registry.Add(registry.ResourceInfo{ID: "locked", Type: registry.TypeResource, Delegable: false})
	f.registry.Add(registry.ResourceInfo{ID: "legacy", Type: registry.TypeLegacyMigration, Delegable: true})

	for _, resourceID := range []string{"locked", "legacy", "unregistered"} {
		if _, err := f.checker.DelegationCheck(ctx, resourceID, "org", subject); !errors.Is(err, ErrUnsupportedResourceType) {
			t.Fatalf("%s: expected ErrUnsupportedResourceType, got %v", resourceID, err)
		}
	}
}

func TestDelegationCheckOrganizationsOnlyRestriction(t *testing.T) {
	f := newCheckFixture(t)
	ctx := context.Background()

	f.registry.Add(registry.ResourceInfo{
		ID: "b2b", Type: registry.TypeResource, Delegable: true,
		Restriction: registry.RestrictionOrganizationsOnly,
	})
	f.parties.AddParty(party.Party{ID: "org", Type: party.TypeOrganization})
	f.parties.AddParty(party.Party{ID: "person-grantor", Type: party.TypePerson})
	f.parties.AddParty(party.Party{ID: "person-recipient", Type: party.TypePerson})
	f.parties.LinkUser("u1", "person-recipient")
	f.policies.SetResourcePolicy(policy.Document{ResourceID: "b2b", Rules: []policy.Rule{{Action: "read"}}})

	_, err := f.checker.DelegationCheck(ctx, "b2b", "person-grantor", identity.Subject{UserID: "u1", AuthenticationLevel: 2})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("person grantor: expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "grantor") {
		t.Fatalf("error must name the grantor side: %v", err)
	}

	_, err = f.checker.DelegationCheck(ctx, "b2b", "org", identity.Subject{UserID: "u1", PartyID: "person-recipient", AuthenticationLevel: 2})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("person recipient: expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "recipient") {
		t.Fatalf("error must name the recipient side: %v", err)
	}
}

func TestDelegationCheckRequiresSubject(t *testing.T) {
	f := newCheckFixture(t)
	f.registry.Add(registry.ResourceInfo{ID: "res1", Type: registry.TypeResource, Delegable: true})

	_, err := f.checker.DelegationCheck(context.Background(), "res1", "org", identity.Subject{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
