package delegation

import "errors"

var (
	// ErrValidation marks malformed, duplicate or missing-field input.
	// Detected eagerly; nothing is written when it is returned.
	ErrValidation = errors.New("delegation: invalid input")

	// ErrUnresolvedParty means a grantor or recipient identifier did not
	// resolve to a registered party.
	ErrUnresolvedParty = errors.New("delegation: party not resolved")

	// ErrUnsupportedResourceType means the operation is not applicable to
	// the resource kind.
	ErrUnsupportedResourceType = errors.New("delegation: unsupported resource type")

	// ErrStoreUnavailable is a transient infrastructure failure. Surfaced
	// to the caller; no internal retry.
	ErrStoreUnavailable = errors.New("delegation: store unavailable")

	// ErrInternalInconsistency means upstream data violated an invariant
	// this engine relies on, e.g. a unit hierarchy deeper than two levels.
	ErrInternalInconsistency = errors.New("delegation: internal inconsistency")
)
