package registry

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("registry: resource not found")

// ResourceType classifies registered resources.
type ResourceType string

const (
	// TypeApp is an application owned by an org/app pair.
	TypeApp ResourceType = "app"
	// TypeResource is a generic registered access resource.
	TypeResource ResourceType = "resource"
	// TypeLegacyMigration marks resources that exist only for migrating
	// old-platform rights; delegation checking is unsupported for them.
	TypeLegacyMigration ResourceType = "legacymigration"
)

// EntityRestriction limits which party types may appear on either side of a
// delegation.
type EntityRestriction string

const (
	RestrictionNone              EntityRestriction = ""
	RestrictionOrganizationsOnly EntityRestriction = "organizations-only"
)

// ResourceInfo is the resource-registry metadata this engine consumes.
type ResourceInfo struct {
	ID                     string
	Type                   ResourceType
	OwnerOrg               string
	OwnerApp               string
	MinAuthenticationLevel int
	Delegable              bool
	Restriction            EntityRestriction
}

// Lookup resolves resource identifiers against the external registry.
type Lookup interface {
	Resource(ctx context.Context, resourceID string) (ResourceInfo, error)
}

// Static is an in-memory Lookup for tests and development mode.
type Static struct {
	mu        sync.RWMutex
	resources map[string]ResourceInfo
}

var _ Lookup = (*Static)(nil)

// NewStatic creates an empty lookup.
func NewStatic() *Static {
	return &Static{resources: make(map[string]ResourceInfo)}
}

// Add registers resource metadata.
func (s *Static) Add(info ResourceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[info.ID] = info
}

func (s *Static) Resource(ctx context.Context, resourceID string) (ResourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.resources[resourceID]
	if !ok {
		return ResourceInfo{}, ErrNotFound
	}
	return info, nil
}
