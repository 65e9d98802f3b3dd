package saml

import "errors"

// Validation error kinds. Every rejection of a posted SAML response maps to
// exactly one of these; the browser-facing response never carries them.
var (
	ErrMalformedAssertion   = errors.New("malformed assertion")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrIssuerMismatch       = errors.New("issuer mismatch")
	ErrAudienceMismatch     = errors.New("audience mismatch")
	ErrExpired              = errors.New("assertion expired")
	ErrNotYetValid          = errors.New("assertion not yet valid")
	ErrReplayDetected       = errors.New("assertion replay detected")
	ErrValidatorUnavailable = errors.New("validator unavailable")
)

// Reason returns a stable label for a validation error, for metrics and
// server-side logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedAssertion):
		return "malformed_assertion"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ErrValidatorUnavailable):
		return "validator_unavailable"
	default:
		return "unknown"
	}
}
