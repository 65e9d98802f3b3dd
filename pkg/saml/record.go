package saml

import "time"

// AssertionRecord is the normalized view of a single validated assertion.
// It exists only between validation and principal extraction; the derived
// session is what persists.
type AssertionRecord struct {
	// ID is the assertion identifier used for replay detection
	ID string
	// Subject is the NameID value
	Subject string
	// Issuer is the asserting party's entity ID
	Issuer string
	// NotBefore and NotOnOrAfter bound the assertion's validity window
	NotBefore    time.Time
	NotOnOrAfter time.Time
	// Attributes maps attribute names to their ordered values
	Attributes map[string][]string
	// SessionIndex is the IdP session reference, if present
	SessionIndex string
}
