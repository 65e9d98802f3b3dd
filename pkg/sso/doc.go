// Package sso drives the SAML Web Browser SSO round trip: redirecting
// unauthenticated browsers to the IdP with a relay token, consuming the
// posted assertion at the ACS, binding the session, and returning the
// browser to the originally requested URL. It also serves SP metadata and
// logout.
package sso
