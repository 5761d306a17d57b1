package policy

import (
	"context"
	"testing"
)

func TestRuleMatcherFiltersActions(t *testing.T) {
	doc := Document{
		ResourceID: "jks_audi_etron_gt",
		Rules: []Rule{
			{ID: "r1", Action: "Park"},
			{ID: "r2", Action: "Drive", Effect: EffectDeny},
			{ID: "r3", Action: "Lend"},
		},
	}

	matched, err := RuleMatcher{}.Match(context.Background(), doc, RequestContext{
		ResourceID: doc.ResourceID,
		Actions:    []string{"Park", "Drive"},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched rules, got %d", len(matched))
	}
	if matched[0].Effect != EffectPermit {
		t.Fatalf("absent effect should default to Permit, got %s", matched[0].Effect)
	}
	if matched[1].Effect != EffectDeny {
		t.Fatalf("explicit effect lost: %s", matched[1].Effect)
	}
}

func TestDocumentUpsertKeepsExistingRule(t *testing.T) {
	doc := Document{ResourceID: "org1/app3"}
	first := doc.Upsert(Rule{ID: "id-1", Action: "read"})
	again := doc.Upsert(Rule{ID: "id-2", Action: "read"})
	if first.ID != "id-1" || again.ID != "id-1" {
		t.Fatalf("upsert must keep the original rule id, got %s", again.ID)
	}
	if len(doc.Rules) != 1 {
		t.Fatalf("duplicate right appended: %d rules", len(doc.Rules))
	}
}

func TestDocumentRemoveByID(t *testing.T) {
	doc := Document{Rules: []Rule{{ID: "a", Action: "read"}, {ID: "b", Action: "write"}}}
	removed := doc.RemoveByID([]string{"b", "missing"})
	if len(removed) != 1 || removed[0].ID != "b" {
		t.Fatalf("unexpected removal result: %#v", removed)
	}
	if len(doc.Rules) != 1 || doc.Rules[0].ID != "a" {
		t.Fatalf("document corrupted after removal: %#v", doc.Rules)
	}
}
