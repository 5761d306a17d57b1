package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tilgang.org/internal/delegation"
	"tilgang.org/internal/policy"
)

// Store is the Postgres persistence layer: delegated policy documents, the
// delegation change log, resource metadata and the party registry mirror.
type Store struct {
	db *sql.DB
}

var (
	_ delegation.RuleStore = (*Store)(nil)
	_ delegation.ChangeLog = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Document(ctx context.Context, key delegation.PolicyKey) (policy.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select doc from delegated_policies
		where resource_id=$1 and grantor_party_id=$2 and recipient_kind=$3 and recipient_value=$4
	`, key.ResourceID, key.GrantorPartyID, string(key.Recipient.Kind), key.Recipient.Value).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Document{ResourceID: key.ResourceID}, nil
	}
	if err != nil {
		return policy.Document{}, storeErr(err)
	}
	var doc policy.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return policy.Document{}, fmt.Errorf("%w: corrupt policy document for %s: %v", delegation.ErrInternalInconsistency, key.String(), err)
	}
	return doc, nil
}

func (s *Store) Mutate(ctx context.Context, key delegation.PolicyKey, fn func(doc *policy.Document) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the row exists so the lock below always has something to take.
	empty, err := json.Marshal(policy.Document{ResourceID: key.ResourceID})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into delegated_policies(resource_id, grantor_party_id, recipient_kind, recipient_value, doc)
		values ($1,$2,$3,$4,$5) on conflict do nothing
	`, key.ResourceID, key.GrantorPartyID, string(key.Recipient.Kind), key.Recipient.Value, empty); err != nil {
		return storeErr(err)
	}

	var raw []byte
	if err := tx.QueryRowContext(ctx, `
		select doc from delegated_policies
		where resource_id=$1 and grantor_party_id=$2 and recipient_kind=$3 and recipient_value=$4
		for update
	`, key.ResourceID, key.GrantorPartyID, string(key.Recipient.Kind), key.Recipient.Value).Scan(&raw); err != nil {
		return storeErr(err)
	}
	var doc policy.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: corrupt policy document for %s: %v", delegation.ErrInternalInconsistency, key.String(), err)
	}

	if err := fn(&doc); err != nil {
		return err
	}

	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update delegated_policies set doc=$5, updated_at=now()
		where resource_id=$1 and grantor_party_id=$2 and recipient_kind=$3 and recipient_value=$4
	`, key.ResourceID, key.GrantorPartyID, string(key.Recipient.Kind), key.Recipient.Value, updated); err != nil {
		return storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, change delegation.Change) error {
	_, err := s.db.ExecContext(ctx, `
		insert into delegation_changes(
			id, resource_id, resource_type, instance_id,
			grantor_party_id, recipient_kind, recipient_value,
			change_type, performed_by, occurred_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8,$9,$10)
	`, change.ID, change.ResourceID, change.ResourceType, change.InstanceID,
		change.GrantorPartyID, string(change.Recipient.Kind), change.Recipient.Value,
		string(change.ChangeType), change.PerformedBy, change.OccurredAt)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, resourceID, grantorPartyID string, recipient delegation.Recipient) (delegation.Change, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, resource_id, coalesce(resource_type,''), grantor_party_id,
			recipient_kind, recipient_value, change_type, performed_by, occurred_at
		from delegation_changes
		where resource_id=$1 and grantor_party_id=$2 and recipient_kind=$3 and recipient_value=$4
			and instance_id is null
		order by sequence desc
		limit 1
	`, resourceID, grantorPartyID, string(recipient.Kind), recipient.Value)
	change, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delegation.Change{}, false, nil
	}
	if err != nil {
		return delegation.Change{}, false, storeErr(err)
	}
	return change, true, nil
}

func (s *Store) ListByRecipient(ctx context.Context, recipient delegation.Recipient) ([]delegation.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, resource_id, coalesce(resource_type,''), coalesce(instance_id,''),
			grantor_party_id, recipient_kind, recipient_value,
			change_type, performed_by, occurred_at
		from delegation_changes
		where recipient_kind=$1 and recipient_value=$2
		order by sequence asc
	`, string(recipient.Kind), recipient.Value)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []delegation.Change
	for rows.Next() {
		var c delegation.Change
		var kind, changeType string
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.ResourceType, &c.InstanceID,
			&c.GrantorPartyID, &kind, &c.Recipient.Value,
			&changeType, &c.PerformedBy, &c.OccurredAt); err != nil {
			return nil, storeErr(err)
		}
		c.Recipient.Kind = delegation.RecipientKind(kind)
		c.ChangeType = delegation.ChangeType(changeType)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (delegation.Change, error) {
	var c delegation.Change
	var kind, changeType string
	err := row.Scan(&c.ID, &c.ResourceID, &c.ResourceType, &c.GrantorPartyID,
		&kind, &c.Recipient.Value, &changeType, &c.PerformedBy, &c.OccurredAt)
	if err != nil {
		return delegation.Change{}, err
	}
	c.Recipient.Kind = delegation.RecipientKind(kind)
	c.ChangeType = delegation.ChangeType(changeType)
	return c, nil
}

// storeErr tags infrastructure failures so service callers can map them to a
// retryable response without inspecting driver errors.
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", delegation.ErrStoreUnavailable, err)
}
