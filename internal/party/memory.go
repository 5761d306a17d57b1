package party

import (
	"context"
	"sync"
)

// Registry is an in-memory Lookup and RoleResolver used by tests and the
// development mode of cmd/api.
type Registry struct {
	mu        sync.RWMutex
	parties   map[string]Party             // party id -> party
	users     map[string]string            // user id -> party id
	orgNos    map[string]string            // org number -> party id
	ssns      map[string]string            // ssn -> party id
	uuids     map[string]string            // system user uuid -> party id
	usernames map[string]string            // enterprise username -> party id
	keyRoles  map[string]map[string][]KeyRole // user id -> unit party id -> roles
}

var (
	_ Lookup       = (*Registry)(nil)
	_ RoleResolver = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		parties:   make(map[string]Party),
		users:     make(map[string]string),
		orgNos:    make(map[string]string),
		ssns:      make(map[string]string),
		uuids:     make(map[string]string),
		usernames: make(map[string]string),
		keyRoles:  make(map[string]map[string][]KeyRole),
	}
}

// AddParty registers a party.
func (r *Registry) AddParty(p Party) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parties[p.ID] = p
	if p.OrganizationNumber != "" {
		r.orgNos[p.OrganizationNumber] = p.ID
	}
}

// LinkUser maps a user id to its own party.
func (r *Registry) LinkUser(userID, partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = partyID
}

// LinkSSN maps a social security number to a party.
func (r *Registry) LinkSSN(ssn, partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssns[ssn] = partyID
}

// LinkUUID maps a system user uuid to a party.
func (r *Registry) LinkUUID(id, partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uuids[id] = partyID
}

// LinkEnterpriseUsername maps an enterprise username to a party.
func (r *Registry) LinkEnterpriseUsername(username, partyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usernames[username] = partyID
}

// GrantKeyRole records that the user holds a key role over the unit.
func (r *Registry) GrantKeyRole(userID, unitPartyID string, role KeyRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	units, ok := r.keyRoles[userID]
	if !ok {
		units = make(map[string][]KeyRole)
		r.keyRoles[userID] = units
	}
	units[unitPartyID] = append(units[unitPartyID], role)
}

func (r *Registry) PartyByID(ctx context.Context, partyID string) (Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parties[partyID]
	if !ok {
		return Party{}, ErrNotFound
	}
	return p, nil
}

func (r *Registry) PartyByUserID(ctx context.Context, userID string) (Party, error) {
	return r.viaIndex(func() (string, bool) {
		id, ok := r.users[userID]
		return id, ok
	})
}

func (r *Registry) PartyByOrganizationNumber(ctx context.Context, orgNumber string) (Party, error) {
	return r.viaIndex(func() (string, bool) {
		id, ok := r.orgNos[orgNumber]
		return id, ok
	})
}

func (r *Registry) PartyBySSN(ctx context.Context, ssn string) (Party, error) {
	return r.viaIndex(func() (string, bool) {
		id, ok := r.ssns[ssn]
		return id, ok
	})
}

func (r *Registry) PartyByUUID(ctx context.Context, id string) (Party, error) {
	return r.viaIndex(func() (string, bool) {
		pid, ok := r.uuids[id]
		return pid, ok
	})
}

func (r *Registry) PartyByEnterpriseUsername(ctx context.Context, username string) (Party, error) {
	return r.viaIndex(func() (string, bool) {
		id, ok := r.usernames[username]
		return id, ok
	})
}

func (r *Registry) Subunits(ctx context.Context, partyID string) ([]Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []Party
	for _, p := range r.parties {
		if p.ParentUnitID == partyID {
			subs = append(subs, p)
		}
	}
	return subs, nil
}

func (r *Registry) KeyRoles(ctx context.Context, userID, unitPartyID string) ([]KeyRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units, ok := r.keyRoles[userID]
	if !ok {
		return nil, nil
	}
	roles := units[unitPartyID]
	out := make([]KeyRole, len(roles))
	copy(out, roles)
	return out, nil
}

func (r *Registry) ParentUnit(ctx context.Context, partyID string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parties[partyID]
	if !ok || p.ParentUnitID == "" {
		return "", false, nil
	}
	return p.ParentUnitID, true, nil
}

func (r *Registry) KeyRoleUnits(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units, ok := r.keyRoles[userID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(units))
	for unitID := range units {
		out = append(out, unitID)
	}
	return out, nil
}

func (r *Registry) viaIndex(fn func() (string, bool)) (Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := fn()
	if !ok {
		return Party{}, ErrNotFound
	}
	p, ok := r.parties[id]
	if !ok {
		return Party{}, ErrNotFound
	}
	return p, nil
}
