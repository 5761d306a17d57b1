package party

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("party: not found")

// Type discriminates registered parties.
type Type string

const (
	TypePerson       Type = "Person"
	TypeOrganization Type = "Organization"
)

// Party is a registered person or organization. Lifecycle is owned by the
// external registry; this engine only reads it.
type Party struct {
	ID                 string
	Type               Type
	Name               string
	OrganizationNumber string

	// ParentUnitID links a sub-unit to its main unit. Empty for main units
	// and persons.
	ParentUnitID string
}

// Lookup resolves the different recipient identifier spellings to registered
// parties. All methods return ErrNotFound for unknown identifiers.
type Lookup interface {
	PartyByID(ctx context.Context, partyID string) (Party, error)
	PartyByUserID(ctx context.Context, userID string) (Party, error)
	PartyByOrganizationNumber(ctx context.Context, orgNumber string) (Party, error)
	PartyBySSN(ctx context.Context, ssn string) (Party, error)
	PartyByUUID(ctx context.Context, id string) (Party, error)
	PartyByEnterpriseUsername(ctx context.Context, username string) (Party, error)
	Subunits(ctx context.Context, partyID string) ([]Party, error)
}

// KeyRole is an organizational role that implicitly grants delegation
// authority over a unit (e.g. managing director). Legacy roles originate in
// the predecessor platform and can be filtered out by callers.
type KeyRole struct {
	Code   string
	Legacy bool
}

// RoleResolver answers key-role and unit-hierarchy questions. External data,
// consumed read-only and never cached beyond request scope.
type RoleResolver interface {
	// KeyRoles lists the key roles the user holds over the unit.
	KeyRoles(ctx context.Context, userID, unitPartyID string) ([]KeyRole, error)

	// ParentUnit returns the main unit of a sub-unit, reporting ok=false
	// when the party is not a sub-unit.
	ParentUnit(ctx context.Context, partyID string) (string, bool, error)

	// KeyRoleUnits lists every unit over which the user holds at least one
	// key role.
	KeyRoleUnits(ctx context.Context, userID string) ([]string, error)
}
