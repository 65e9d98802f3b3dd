package api

import (
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwmiddleware "github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/policy"
	"github.com/platinummonkey/gatehouse/pkg/replay"
	"github.com/platinummonkey/gatehouse/pkg/saml"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/sso"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	keyStore := dsig.RandomKeyStoreForTest()
	_, certDER, err := keyStore.GetKeyPair()
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	cache, err := replay.NewMemoryCache(64)
	require.NoError(t, err)
	validator, err := saml.NewValidator(saml.ValidatorConfig{
		IdPIssuer:       "https://idp.example.com",
		SPEntityID:      "https://gateway.example.com",
		IdPCertificates: []*x509.Certificate{cert},
	}, cache)
	require.NoError(t, err)

	sessions, err := session.NewManager(session.NewMemoryStore(), time.Hour)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	flow, err := sso.NewFlow(sso.FlowConfig{
		Provider: sso.Config{
			SPEntityID:      "https://gateway.example.com",
			BaseURL:         "https://gateway.example.com",
			IdPSSOURL:       "https://idp.example.com/sso",
			IdPIssuer:       "https://idp.example.com",
			IdPCertificates: []*x509.Certificate{cert},
		},
		Validator: validator,
		Extractor: saml.NewExtractor(saml.RoleMapping{RoleAttributes: []string{"groups"}}),
		Sessions:  sessions,
		Relay:     session.NewMemoryRelayStore(),
		Metrics:   metrics,
		Logger:    logger,
	})
	require.NoError(t, err)

	gate := gwmiddleware.NewGate(policy.Default(), sessions, flow, logger)

	return NewServer(ServerConfig{
		Addr:     ":0",
		Flow:     flow,
		Gate:     gate,
		Handlers: NewHandlers(logger),
		Metrics:  metrics,
		Logger:   logger,
	})
}

func TestServer_PublicEndpointNeedsNoSession(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/public/hello", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(gwmiddleware.RequestIDHeader))
}

func TestServer_SecureEndpointRedirectsToIdP(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/secure/me", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("SAMLRequest"))
	assert.NotEmpty(t, loc.Query().Get("RelayState"))
}

func TestServer_UnknownPathIsProtectedByDefault(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/anything/else", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestServer_MetadataServed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/saml/metadata", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EntityDescriptor")
}
