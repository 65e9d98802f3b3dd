package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/russellhaering/gosaml2/types"
)

const redirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"

// IdPMetadata is the subset of an IdP's metadata document the gateway needs:
// who the IdP is, where to send the browser, and which certificates sign
// its assertions.
type IdPMetadata struct {
	EntityID     string
	SSOURL       string
	Certificates []*x509.Certificate
}

// FetchIdPMetadata retrieves and parses the IdP metadata document. Network
// failures, timeouts and bad responses surface as ErrValidatorUnavailable
// so callers treat them as an infrastructure fault, not a rejection.
func FetchIdPMetadata(ctx context.Context, metadataURL string, timeout time.Duration) (*IdPMetadata, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching IdP metadata: %v", ErrValidatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: IdP metadata endpoint returned %d", ErrValidatorUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading IdP metadata: %v", ErrValidatorUnavailable, err)
	}

	return ParseIdPMetadata(body)
}

// ParseIdPMetadata parses a raw IdP metadata document
func ParseIdPMetadata(data []byte) (*IdPMetadata, error) {
	descriptor := &types.EntityDescriptor{}
	if err := xml.Unmarshal(data, descriptor); err != nil {
		return nil, fmt.Errorf("failed to parse IdP metadata: %w", err)
	}
	if descriptor.IDPSSODescriptor == nil {
		return nil, fmt.Errorf("metadata for %q carries no IDPSSODescriptor", descriptor.EntityID)
	}

	md := &IdPMetadata{EntityID: descriptor.EntityID}

	for _, svc := range descriptor.IDPSSODescriptor.SingleSignOnServices {
		if svc.Binding == redirectBinding {
			md.SSOURL = svc.Location
			break
		}
	}
	if md.SSOURL == "" && len(descriptor.IDPSSODescriptor.SingleSignOnServices) > 0 {
		md.SSOURL = descriptor.IDPSSODescriptor.SingleSignOnServices[0].Location
	}

	for _, kd := range descriptor.IDPSSODescriptor.KeyDescriptors {
		// Use is optional; absent means the key serves both signing and
		// encryption
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		for _, xcert := range kd.KeyInfo.X509Data.X509Certificates {
			cert, err := parseMetadataCertificate(xcert.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
			}
			md.Certificates = append(md.Certificates, cert)
		}
	}
	if len(md.Certificates) == 0 {
		return nil, fmt.Errorf("metadata for %q carries no signing certificates", descriptor.EntityID)
	}

	return md, nil
}

func parseMetadataCertificate(data string) (*x509.Certificate, error) {
	// Metadata certificates are base64 DER, usually wrapped across lines
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, data)

	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
