package policy

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("policy: not found")

// RequestContext narrows which rules of a document a caller is asking about.
// An empty action list matches every rule.
type RequestContext struct {
	ResourceID string
	Actions    []string
}

// MatchedRule is a rule that applied to the request context together with the
// effect it yields.
type MatchedRule struct {
	Rule   Rule
	Effect Effect
}

// Evaluator matches a request context against a policy document. The engine
// treats it as opaque so deployments can swap in a full XACML evaluator.
type Evaluator interface {
	Match(ctx context.Context, doc Document, rc RequestContext) ([]MatchedRule, error)
}

// Provider serves the full candidate rule set of a resource.
type Provider interface {
	ResourcePolicy(ctx context.Context, resourceID string) (Document, error)
}

// RuleMatcher is the reference Evaluator: direct rule matching over the
// document, defaulting absent effects to Permit.
type RuleMatcher struct{}

var _ Evaluator = RuleMatcher{}

func (RuleMatcher) Match(ctx context.Context, doc Document, rc RequestContext) ([]MatchedRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var wanted map[string]struct{}
	if len(rc.Actions) > 0 {
		wanted = make(map[string]struct{}, len(rc.Actions))
		for _, a := range rc.Actions {
			wanted[a] = struct{}{}
		}
	}
	var matched []MatchedRule
	for _, rule := range doc.Rules {
		if wanted != nil {
			if _, ok := wanted[rule.Action]; !ok {
				continue
			}
		}
		effect := rule.Effect
		if effect == "" {
			effect = EffectPermit
		}
		matched = append(matched, MatchedRule{Rule: rule, Effect: effect})
	}
	return matched, nil
}

// StaticProvider is an in-memory Provider keyed by resource id.
type StaticProvider struct {
	mu   sync.RWMutex
	docs map[string]Document
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{docs: make(map[string]Document)}
}

// SetResourcePolicy registers or replaces the policy of a resource.
func (p *StaticProvider) SetResourcePolicy(doc Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[doc.ResourceID] = doc
}

func (p *StaticProvider) ResourcePolicy(ctx context.Context, resourceID string) (Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc, ok := p.docs[resourceID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}
