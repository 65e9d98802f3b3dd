package saml

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metadataDocument(t *testing.T, entityID string, signer *testSigner) string {
	t.Helper()
	certB64 := base64.StdEncoding.EncodeToString(signer.cert.Raw)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="%s">
  <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:KeyDescriptor use="signing">
      <ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <ds:X509Data>
          <ds:X509Certificate>%s</ds:X509Certificate>
        </ds:X509Data>
      </ds:KeyInfo>
    </md:KeyDescriptor>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="%s/sso/post"/>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="%s/sso/redirect"/>
  </md:IDPSSODescriptor>
</md:EntityDescriptor>`, entityID, certB64, entityID, entityID)
}

func TestParseIdPMetadata(t *testing.T) {
	signer := newTestSigner(t)
	doc := metadataDocument(t, testIdPIssuer, signer)

	md, err := ParseIdPMetadata([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, testIdPIssuer, md.EntityID)
	assert.Equal(t, testIdPIssuer+"/sso/redirect", md.SSOURL, "redirect binding preferred")
	require.Len(t, md.Certificates, 1)
	assert.Equal(t, signer.cert.Raw, md.Certificates[0].Raw)
}

func TestParseIdPMetadata_Errors(t *testing.T) {
	_, err := ParseIdPMetadata([]byte("not xml"))
	assert.Error(t, err)

	// SP metadata has no IDPSSODescriptor
	spDoc := `<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://sp.example.com">
</md:EntityDescriptor>`
	_, err = ParseIdPMetadata([]byte(spDoc))
	assert.Error(t, err)
}

func TestFetchIdPMetadata(t *testing.T) {
	signer := newTestSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		fmt.Fprint(w, metadataDocument(t, testIdPIssuer, signer))
	}))
	defer srv.Close()

	md, err := FetchIdPMetadata(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testIdPIssuer, md.EntityID)
	assert.Len(t, md.Certificates, 1)
}

func TestFetchIdPMetadata_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := FetchIdPMetadata(context.Background(), srv.URL, 5*time.Second)
	assert.ErrorIs(t, err, ErrValidatorUnavailable)
}

func TestFetchIdPMetadata_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := FetchIdPMetadata(context.Background(), srv.URL, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrValidatorUnavailable)
}
