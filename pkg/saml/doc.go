// Package saml implements the assertion consumption side of the SAML 2.0
// Web Browser SSO profile: an ordered validation pipeline over posted
// responses (structure, signature, issuer, audience, time window with clock
// skew, replay) and the extraction of a normalized principal from a
// validated assertion.
//
// XML signature verification is delegated to goxmldsig; this package never
// implements cryptographic primitives.
package saml
