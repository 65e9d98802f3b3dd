// Package middleware provides the HTTP middleware chain: the route
// authorization gate, request ID propagation, and request logging.
package middleware

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/policy"
	"github.com/platinummonkey/gatehouse/pkg/saml"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// LoginInitiator starts the SSO round trip for a denied request, preserving
// the full original URL for the post-login redirect. Implemented by the SSO
// flow; an interface here keeps the gate free of flow internals.
type LoginInitiator interface {
	RedirectToIdP(w http.ResponseWriter, r *http.Request, targetURL string)
}

// Gate is the route authorization gate: it consults the path policy and,
// for protected paths, requires a valid session before letting the request
// through. Requests without one are bounced into the SSO flow.
type Gate struct {
	policy    *policy.Policy
	sessions  *session.Manager
	initiator LoginInitiator
	logger    *observability.Logger
}

// NewGate creates the authorization gate
func NewGate(p *policy.Policy, sessions *session.Manager, initiator LoginInitiator, logger *observability.Logger) *Gate {
	return &Gate{
		policy:    p,
		sessions:  sessions,
		initiator: initiator,
		logger:    logger,
	}
}

// Handler wraps an HTTP handler with the gate decision
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.policy.Decide(r.URL.Path) == policy.Public {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(session.CookieName)
		if err != nil || cookie.Value == "" {
			g.deny(w, r)
			return
		}

		sess, err := g.sessions.Lookup(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				g.deny(w, r)
				return
			}
			g.log(r).WithError(err).Error("session lookup failed")
			g.unavailableResponse(w)
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), &saml.Identity{
			Subject:    sess.Subject,
			Attributes: sess.Attributes,
			Roles:      sess.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// deny bounces the request into the SSO flow, preserving the original URL
// including the query string
func (g *Gate) deny(w http.ResponseWriter, r *http.Request) {
	g.log(r).WithFields(map[string]interface{}{
		"path": observability.Sanitize(r.URL.Path),
	}).Debug("no session for protected path, initiating login")
	g.initiator.RedirectToIdP(w, r, r.URL.RequestURI())
}

// log prefers the request-scoped logger, falling back to the gate's own
func (g *Gate) log(r *http.Request) *observability.Logger {
	return observability.RequestLogger(r.Context(), g.logger)
}

func (g *Gate) unavailableResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error":"service temporarily unavailable"}`))
}

// GetIdentity extracts the authenticated identity from a request, or nil
// when the request did not pass the gate with a session
func GetIdentity(r *http.Request) *saml.Identity {
	value := r.Context().Value(contextkeys.IdentityKey)
	if value == nil {
		return nil
	}
	identity, ok := value.(*saml.Identity)
	if !ok {
		return nil
	}
	return identity
}
