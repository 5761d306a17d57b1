package delegation

import (
	"context"

	"tilgang.org/internal/policy"
)

// RuleStore persists one policy document per key and owns its atomicity: a
// single key is never torn by two concurrent writers, and reads observe a
// document only between mutations.
type RuleStore interface {
	// Document returns the stored policy document for the key, or an empty
	// document when none exists.
	Document(ctx context.Context, key PolicyKey) (policy.Document, error)

	// Mutate runs fn inside the per-key atomic read-modify-write. The
	// document is persisted only when fn returns nil.
	Mutate(ctx context.Context, key PolicyKey, fn func(doc *policy.Document) error) error
}

// ChangeLog is the append-only ledger of grant/revoke events. It is the
// source of truth for whether a key is currently delegated.
type ChangeLog interface {
	Append(ctx context.Context, change Change) error

	// Latest returns the most recent record for the key, resource-level
	// records only (no instance id).
	Latest(ctx context.Context, resourceID, grantorPartyID string, recipient Recipient) (Change, bool, error)

	// ListByRecipient returns every record addressed to the recipient in
	// append order.
	ListByRecipient(ctx context.Context, recipient Recipient) ([]Change, error)
}
