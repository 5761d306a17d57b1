package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tilgang.org/internal/delegation"
	"tilgang.org/internal/policy"
	"tilgang.org/internal/registry"
)

var (
	_ registry.Lookup = (*Store)(nil)
	_ policy.Provider = (*Store)(nil)
)

func (s *Store) Resource(ctx context.Context, resourceID string) (registry.ResourceInfo, error) {
	var info registry.ResourceInfo
	var typ, restriction string
	err := s.db.QueryRowContext(ctx, `
		select id, type, coalesce(owner_org,''), coalesce(owner_app,''),
			min_auth_level, delegable, coalesce(restriction,'')
		from resources where id=$1
	`, resourceID).Scan(&info.ID, &typ, &info.OwnerOrg, &info.OwnerApp,
		&info.MinAuthenticationLevel, &info.Delegable, &restriction)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ResourceInfo{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.ResourceInfo{}, storeErr(err)
	}
	info.Type = registry.ResourceType(typ)
	info.Restriction = registry.EntityRestriction(restriction)
	return info, nil
}

func (s *Store) ResourcePolicy(ctx context.Context, resourceID string) (policy.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select doc from resource_policies where resource_id=$1
	`, resourceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Document{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Document{}, storeErr(err)
	}
	var doc policy.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return policy.Document{}, fmt.Errorf("%w: corrupt resource policy for %s: %v", delegation.ErrInternalInconsistency, resourceID, err)
	}
	return doc, nil
}
