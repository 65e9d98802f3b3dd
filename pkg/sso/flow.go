package sso

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	saml2 "github.com/russellhaering/gosaml2"

	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/saml"
	"github.com/platinummonkey/gatehouse/pkg/session"
)

// defaultRelayTTL bounds how long a login round trip may take
const defaultRelayTTL = 10 * time.Minute

// failurePage is the generic response for any rejected assertion. It never
// says which check failed; the typed reason goes to the server log only.
const failurePage = `<!DOCTYPE html>
<html>
<head><title>Sign-in failed</title></head>
<body>
<h1>Sign-in failed</h1>
<p>We could not sign you in. Return to the application and try again.</p>
</body>
</html>
`

// FlowConfig wires the SSO flow's collaborators
type FlowConfig struct {
	Provider  Config
	Validator *saml.Validator
	Extractor *saml.Extractor
	Sessions  *session.Manager
	Relay     session.RelayStore
	// RelayTTL bounds the login round trip; default 10 minutes
	RelayTTL time.Duration
	// FallbackURL is the post-login target when the relay state is
	// missing or expired; default "/"
	FallbackURL string
	// PostLogoutURL is where logout redirects; default "/"
	PostLogoutURL string
	// SecureCookies marks the session cookie Secure; disable only for
	// local plain-HTTP development
	SecureCookies bool
	Metrics       *observability.Metrics
	Logger        *observability.Logger
}

// Flow implements the SSO redirect flow handlers
type Flow struct {
	sp            *saml2.SAMLServiceProvider
	validator     *saml.Validator
	extractor     *saml.Extractor
	sessions      *session.Manager
	relay         session.RelayStore
	relayTTL      time.Duration
	fallbackURL   string
	postLogoutURL string
	secureCookies bool
	metrics       *observability.Metrics
	logger        *observability.Logger
}

// NewFlow creates the SSO flow
func NewFlow(cfg FlowConfig) (*Flow, error) {
	sp, err := buildServiceProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("relay store is required")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	relayTTL := cfg.RelayTTL
	if relayTTL <= 0 {
		relayTTL = defaultRelayTTL
	}
	fallbackURL := cfg.FallbackURL
	if fallbackURL == "" {
		fallbackURL = "/"
	}
	postLogoutURL := cfg.PostLogoutURL
	if postLogoutURL == "" {
		postLogoutURL = "/"
	}

	return &Flow{
		sp:            sp,
		validator:     cfg.Validator,
		extractor:     cfg.Extractor,
		sessions:      cfg.Sessions,
		relay:         cfg.Relay,
		relayTTL:      relayTTL,
		fallbackURL:   fallbackURL,
		postLogoutURL: postLogoutURL,
		secureCookies: cfg.SecureCookies,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}, nil
}

// RegisterRoutes registers the SSO endpoints on the router
func (f *Flow) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/saml/login", f.handleLogin).Methods(http.MethodGet)
	router.HandleFunc("/saml/acs", f.handleACS).Methods(http.MethodPost)
	router.HandleFunc("/saml/logout", f.handleLogout).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/saml/metadata", f.handleMetadata).Methods(http.MethodGet)
}

// RedirectToIdP starts the login round trip: it saves the target URL under
// a fresh relay token and bounces the browser to the IdP with that token as
// RelayState. Implements middleware.LoginInitiator.
func (f *Flow) RedirectToIdP(w http.ResponseWriter, r *http.Request, targetURL string) {
	if !isSafeTarget(targetURL) {
		targetURL = f.fallbackURL
	}

	token, err := f.relay.Create(r.Context(), targetURL, f.relayTTL)
	if err != nil {
		f.log(r).WithError(err).Error("failed to create relay state")
		f.unavailable(w)
		return
	}

	authURL, err := f.sp.BuildAuthURL(token)
	if err != nil {
		f.log(r).WithError(err).Error("failed to build IdP auth URL")
		f.unavailable(w)
		return
	}

	f.metrics.LoginsInitiatedTotal.Inc()
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleLogin serves explicit login requests, e.g. from a sign-in button
func (f *Flow) handleLogin(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("return_url")
	if target == "" {
		target = f.fallbackURL
	}
	f.RedirectToIdP(w, r, target)
}

// handleACS consumes the assertion posted back by the IdP
func (f *Flow) handleACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.rejectLogin(w, r, fmt.Errorf("%w: bad form: %v", saml.ErrMalformedAssertion, err))
		return
	}

	encoded := r.PostFormValue("SAMLResponse")
	if encoded == "" {
		f.rejectLogin(w, r, fmt.Errorf("%w: missing SAMLResponse", saml.ErrMalformedAssertion))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		f.rejectLogin(w, r, fmt.Errorf("%w: bad base64: %v", saml.ErrMalformedAssertion, err))
		return
	}

	record, err := f.validator.Validate(r.Context(), raw)
	if err != nil {
		f.rejectLogin(w, r, err)
		return
	}

	identity, err := f.extractor.Extract(record)
	if err != nil {
		f.rejectLogin(w, r, err)
		return
	}

	// A re-login from a browser with a live session refreshes that session
	// instead of minting a second one
	existingID := ""
	if cookie, cerr := r.Cookie(session.CookieName); cerr == nil {
		existingID = cookie.Value
	}

	sess, err := f.sessions.Bind(r.Context(), identity, existingID)
	if err != nil {
		f.log(r).WithError(err).Error("failed to bind session")
		f.metrics.LoginsFailedTotal.WithLabelValues("internal_error").Inc()
		f.unavailable(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   f.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
	})

	f.metrics.LoginsSucceededTotal.Inc()
	if sess.ID != existingID {
		f.metrics.SessionsActive.Inc()
	}
	f.log(r).WithFields(map[string]interface{}{
		"subject": observability.Sanitize(identity.Subject),
		"roles":   observability.SanitizeAll(identity.Roles),
	}).Info("login succeeded")

	http.Redirect(w, r, f.resolveTarget(r), http.StatusFound)
}

// resolveTarget consumes the relay token posted with the assertion. A
// missing or expired token falls back to the configured URL; the login
// itself still succeeds.
func (f *Flow) resolveTarget(r *http.Request) string {
	token := r.PostFormValue("RelayState")
	if token == "" {
		f.metrics.RelayStatesConsumed.WithLabelValues("absent").Inc()
		return f.fallbackURL
	}

	target, err := f.relay.Consume(r.Context(), token)
	if err != nil {
		if !errors.Is(err, session.ErrRelayStateExpiredOrMissing) {
			f.log(r).WithError(err).Error("relay state consume failed")
		}
		f.metrics.RelayStatesConsumed.WithLabelValues("expired_or_missing").Inc()
		return f.fallbackURL
	}

	f.metrics.RelayStatesConsumed.WithLabelValues("consumed").Inc()
	if !isSafeTarget(target) {
		return f.fallbackURL
	}
	return target
}

// rejectLogin logs the typed rejection reason server-side and renders the
// generic failure page. No redirect back to the IdP: that invites loops.
func (f *Flow) rejectLogin(w http.ResponseWriter, r *http.Request, err error) {
	reason := saml.Reason(err)
	if errors.Is(err, saml.ErrReplayDetected) {
		f.metrics.ReplayRejectedTotal.Inc()
	}
	f.metrics.LoginsFailedTotal.WithLabelValues(reason).Inc()
	f.log(r).WithError(err).WithField("reason", reason).Warn("login rejected")

	status := http.StatusUnauthorized
	if errors.Is(err, saml.ErrValidatorUnavailable) {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(failurePage))
}

// handleLogout invalidates the session and clears the cookie. Safe to call
// without a session.
func (f *Flow) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil && cookie.Value != "" {
		if _, lerr := f.sessions.Lookup(r.Context(), cookie.Value); lerr == nil {
			if ierr := f.sessions.Invalidate(r.Context(), cookie.Value); ierr != nil {
				f.log(r).WithError(ierr).Error("failed to invalidate session")
			} else {
				f.metrics.SessionsActive.Dec()
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   f.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	http.Redirect(w, r, f.postLogoutURL, http.StatusFound)
}

// handleMetadata serves this SP's metadata document
func (f *Flow) handleMetadata(w http.ResponseWriter, r *http.Request) {
	descriptor, err := f.sp.Metadata()
	if err != nil {
		f.log(r).WithError(err).Error("failed to build SP metadata")
		http.Error(w, "failed to build metadata", http.StatusInternalServerError)
		return
	}

	data, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		f.log(r).WithError(err).Error("failed to marshal SP metadata")
		http.Error(w, "failed to build metadata", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(data)
}

// log prefers the request-scoped logger carrying request and trace IDs,
// falling back to the flow's own when the middleware did not run
func (f *Flow) log(r *http.Request) *observability.Logger {
	return observability.RequestLogger(r.Context(), f.logger)
}

func (f *Flow) unavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(failurePage))
}

// isSafeTarget accepts only same-origin relative paths, keeping attacker
// supplied return URLs from turning the flow into an open redirect
func isSafeTarget(target string) bool {
	return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
}
