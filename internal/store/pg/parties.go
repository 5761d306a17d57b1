package pg

import (
	"context"
	"database/sql"
	"errors"

	"tilgang.org/internal/party"
)

var (
	_ party.Lookup       = (*Store)(nil)
	_ party.RoleResolver = (*Store)(nil)
)

const partyColumns = `id, type, coalesce(name,''), coalesce(org_number,''), coalesce(parent_unit_id,'')`

func (s *Store) PartyByID(ctx context.Context, partyID string) (party.Party, error) {
	return s.partyWhere(ctx, `select `+partyColumns+` from parties where id=$1`, partyID)
}

func (s *Store) PartyByUserID(ctx context.Context, userID string) (party.Party, error) {
	return s.partyWhere(ctx, `
		select `+partyColumns+` from parties
		where id=(select party_id from party_identifiers where kind='user' and value=$1)
	`, userID)
}

func (s *Store) PartyByOrganizationNumber(ctx context.Context, orgNumber string) (party.Party, error) {
	return s.partyWhere(ctx, `select `+partyColumns+` from parties where org_number=$1`, orgNumber)
}

func (s *Store) PartyBySSN(ctx context.Context, ssn string) (party.Party, error) {
	return s.partyWhere(ctx, `
		select `+partyColumns+` from parties
		where id=(select party_id from party_identifiers where kind='ssn' and value=$1)
	`, ssn)
}

func (s *Store) PartyByUUID(ctx context.Context, id string) (party.Party, error) {
	return s.partyWhere(ctx, `
		select `+partyColumns+` from parties
		where id=(select party_id from party_identifiers where kind='uuid' and value=$1)
	`, id)
}

func (s *Store) PartyByEnterpriseUsername(ctx context.Context, username string) (party.Party, error) {
	return s.partyWhere(ctx, `
		select `+partyColumns+` from parties
		where id=(select party_id from party_identifiers where kind='enterpriseuser' and value=$1)
	`, username)
}

func (s *Store) Subunits(ctx context.Context, partyID string) ([]party.Party, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+partyColumns+` from parties where parent_unit_id=$1 order by id
	`, partyID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []party.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *Store) KeyRoles(ctx context.Context, userID, unitPartyID string) ([]party.KeyRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role_code, legacy from key_roles
		where user_id=$1 and unit_party_id=$2
		order by role_code
	`, userID, unitPartyID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []party.KeyRole
	for rows.Next() {
		var r party.KeyRole
		if err := rows.Scan(&r.Code, &r.Legacy); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *Store) ParentUnit(ctx context.Context, partyID string) (string, bool, error) {
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `select parent_unit_id from parties where id=$1`, partyID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err)
	}
	if !parent.Valid || parent.String == "" {
		return "", false, nil
	}
	return parent.String, true, nil
}

func (s *Store) KeyRoleUnits(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct unit_party_id from key_roles where user_id=$1 order by unit_party_id
	`, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *Store) partyWhere(ctx context.Context, query string, arg any) (party.Party, error) {
	p, err := scanParty(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return party.Party{}, party.ErrNotFound
	}
	if err != nil {
		return party.Party{}, storeErr(err)
	}
	return p, nil
}

func scanParty(row rowScanner) (party.Party, error) {
	var p party.Party
	var typ string
	if err := row.Scan(&p.ID, &typ, &p.Name, &p.OrganizationNumber, &p.ParentUnitID); err != nil {
		return party.Party{}, err
	}
	p.Type = party.Type(typ)
	return p, nil
}
