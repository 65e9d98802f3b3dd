package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/saml"
)

func testHandlers(t *testing.T) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandlers(observability.NewLogger(observability.ErrorLevel, io.Discard)).RegisterRoutes(router)
	return router
}

func withIdentity(req *http.Request) *http.Request {
	ctx := contextkeys.WithIdentity(req.Context(), &saml.Identity{
		Subject:    "user@example.com",
		Attributes: map[string][]string{"groups": {"ops"}, "email": {"user@example.com"}},
		Roles:      []string{"ops"},
	})
	return req.WithContext(ctx)
}

func getJSON(t *testing.T, router *mux.Router, req *http.Request) map[string]interface{} {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlers_Hello(t *testing.T) {
	router := testHandlers(t)
	body := getJSON(t, router, httptest.NewRequest(http.MethodGet, "/api/public/hello", nil))

	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHandlers_Me(t *testing.T) {
	router := testHandlers(t)
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/secure/me", nil))
	body := getJSON(t, router, req)

	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "user@example.com", body["name"])
	assert.Equal(t, []interface{}{"ops"}, body["authorities"])
}

func TestHandlers_MeWithoutIdentity(t *testing.T) {
	router := testHandlers(t)
	body := getJSON(t, router, httptest.NewRequest(http.MethodGet, "/api/secure/me", nil))

	assert.Equal(t, false, body["authenticated"])
	assert.NotContains(t, body, "name")
}

func TestHandlers_Claims(t *testing.T) {
	router := testHandlers(t)
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/secure/claims", nil))
	body := getJSON(t, router, req)

	assert.Equal(t, "user@example.com", body["name"])
	attrs, ok := body["attributes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"ops"}, attrs["groups"])
}

func TestHandlers_ClaimsWithoutIdentity(t *testing.T) {
	router := testHandlers(t)
	body := getJSON(t, router, httptest.NewRequest(http.MethodGet, "/api/secure/claims", nil))

	assert.Equal(t, "not authenticated", body["message"])
	assert.NotContains(t, body, "attributes")
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	router := testHandlers(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/public/hello", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
