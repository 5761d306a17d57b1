package identity

import "strings"

// Subject is the authenticated end user on whose behalf an administration or
// resolution request runs. Identifiers arrive already parsed and validated by
// the transport layer.
type Subject struct {
	UserID  string
	PartyID string

	// AuthenticationLevel is the security level of the subject's current
	// session. Zero means unknown and never satisfies a positive minimum.
	AuthenticationLevel int
}

// Valid reports whether the subject carries at least a user identifier.
func (s Subject) Valid() bool {
	return strings.TrimSpace(s.UserID) != ""
}
