package sso

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// Config describes the service provider and its IdP peering
type Config struct {
	// SPEntityID identifies this gateway; it is also the audience URI
	// asserted by the IdP
	SPEntityID string
	// BaseURL is the externally visible origin of the gateway
	BaseURL string
	// ACSPath is where the IdP posts assertions, default /saml/acs
	ACSPath string

	// IdPSSOURL is where browsers are redirected to authenticate
	IdPSSOURL string
	// IdPIssuer is the IdP's entity ID
	IdPIssuer string
	// IdPCertificates verify assertion signatures
	IdPCertificates []*x509.Certificate

	// SignRequests enables AuthnRequest signing; requires SPKeyStore
	SignRequests bool
	// SPKeyStore holds the SP key pair for request signing and metadata.
	// When nil an ephemeral pair is generated at startup, which is fine
	// for unsigned requests but changes the metadata certificate on every
	// restart.
	SPKeyStore dsig.X509KeyStore
}

func (c *Config) validate() error {
	if c.SPEntityID == "" {
		return fmt.Errorf("SP entity ID is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.IdPSSOURL == "" {
		return fmt.Errorf("IdP SSO URL is required")
	}
	if c.IdPIssuer == "" {
		return fmt.Errorf("IdP issuer is required")
	}
	if len(c.IdPCertificates) == 0 {
		return fmt.Errorf("at least one IdP certificate is required")
	}
	if c.SignRequests && c.SPKeyStore == nil {
		return fmt.Errorf("request signing requires an SP key store")
	}
	return nil
}

// buildServiceProvider assembles the gosaml2 service provider from the
// config
func buildServiceProvider(cfg Config) (*saml2.SAMLServiceProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	acsPath := cfg.ACSPath
	if acsPath == "" {
		acsPath = "/saml/acs"
	}

	keyStore := cfg.SPKeyStore
	if keyStore == nil {
		keyStore = dsig.RandomKeyStoreForTest()
	}

	return &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IdPSSOURL,
		IdentityProviderIssuer:      cfg.IdPIssuer,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.BaseURL + acsPath,
		SignAuthnRequests:           cfg.SignRequests,
		AudienceURI:                 cfg.SPEntityID,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: cfg.IdPCertificates,
		},
		SPKeyStore: keyStore,
	}, nil
}

// ParseKeyStorePEM builds an SP key store from PEM-encoded certificate and
// private key material
func ParseKeyStorePEM(certPEM, keyPEM []byte) (dsig.X509KeyStore, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}
