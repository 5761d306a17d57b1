package delegation

import (
	"context"
	"sync"

	"tilgang.org/internal/ids"
	"tilgang.org/internal/policy"
)

// InMemory implements RuleStore and ChangeLog with in-process concurrency
// safety. Used by tests and the development mode of cmd/api; production
// deployments use the Postgres store.
type InMemory struct {
	mu      sync.RWMutex
	docs    map[string]policy.Document
	changes []Change
}

var (
	_ RuleStore = (*InMemory)(nil)
	_ ChangeLog = (*InMemory)(nil)
)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{docs: make(map[string]policy.Document)}
}

func (s *InMemory) Document(ctx context.Context, key PolicyKey) (policy.Document, error) {
	if err := ctx.Err(); err != nil {
		return policy.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key.String()]
	if !ok {
		return policy.Document{ResourceID: key.ResourceID}, nil
	}
	return cloneDocument(doc), nil
}

func (s *InMemory) Mutate(ctx context.Context, key PolicyKey, fn func(doc *policy.Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key.String()]
	if !ok {
		doc = policy.Document{ResourceID: key.ResourceID}
	}
	working := cloneDocument(doc)
	if err := fn(&working); err != nil {
		return err
	}
	s.docs[key.String()] = working
	return nil
}

func (s *InMemory) Append(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if change.ID == "" {
		change.ID = ids.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

func (s *InMemory) Latest(ctx context.Context, resourceID, grantorPartyID string, recipient Recipient) (Change, bool, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.changes) - 1; i >= 0; i-- {
		c := s.changes[i]
		if c.InstanceID != "" {
			continue
		}
		if c.ResourceID == resourceID && c.GrantorPartyID == grantorPartyID && c.Recipient == recipient {
			return c, true, nil
		}
	}
	return Change{}, false, nil
}

func (s *InMemory) ListByRecipient(ctx context.Context, recipient Recipient) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Change
	for _, c := range s.changes {
		if c.Recipient == recipient {
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneDocument(doc policy.Document) policy.Document {
	out := doc
	out.Rules = make([]policy.Rule, len(doc.Rules))
	copy(out.Rules, doc.Rules)
	return out
}
