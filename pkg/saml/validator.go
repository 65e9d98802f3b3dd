package saml

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/platinummonkey/gatehouse/pkg/replay"
)

// ValidatorConfig holds the trust material and identifiers the validation
// pipeline checks assertions against.
type ValidatorConfig struct {
	// IdPIssuer is the expected issuer (the IdP's entity ID)
	IdPIssuer string
	// SPEntityID is this service's entity ID; the assertion's audience
	// restriction must include it
	SPEntityID string
	// IdPCertificates are the IdP signing certificates
	IdPCertificates []*x509.Certificate
	// ClockSkew is the tolerance applied to both ends of the validity window
	ClockSkew time.Duration
	// Clock drives the time checks; nil means wall clock. Tests inject a
	// fake clock here.
	Clock *dsig.Clock
}

// Validator runs the ordered check pipeline over posted SAML responses.
// Checks short-circuit on first failure; the replay cache is mutated only
// when every prior check passed.
type Validator struct {
	cfg       ValidatorConfig
	certStore *dsig.MemoryX509CertificateStore
	replay    replay.Cache
	clock     *dsig.Clock
}

// NewValidator creates a validator for the configured IdP trust material
func NewValidator(cfg ValidatorConfig, cache replay.Cache) (*Validator, error) {
	if cfg.IdPIssuer == "" {
		return nil, fmt.Errorf("IdP issuer is required")
	}
	if cfg.SPEntityID == "" {
		return nil, fmt.Errorf("SP entity ID is required")
	}
	if len(cfg.IdPCertificates) == 0 {
		return nil, fmt.Errorf("at least one IdP certificate is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("replay cache is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = dsig.NewRealClock()
	}

	return &Validator{
		cfg: cfg,
		certStore: &dsig.MemoryX509CertificateStore{
			Roots: cfg.IdPCertificates,
		},
		replay: cache,
		clock:  clock,
	}, nil
}

// Validate runs the pipeline over a raw (already base64-decoded) SAML
// response. On success the assertion ID has been recorded in the replay
// cache and the normalized AssertionRecord is returned. Any failure is
// terminal for this response.
func (v *Validator) Validate(ctx context.Context, raw []byte) (*AssertionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidatorUnavailable, err)
	}

	// 1. Well-formed structure
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedAssertion)
	}

	// 2. Signature verification against IdP trust material
	assertionEl, err := v.verifySignature(root)
	if err != nil {
		return nil, err
	}

	assertion := &types.Assertion{}
	if err := unmarshalElement(assertionEl, assertion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	if assertion.ID == "" {
		return nil, fmt.Errorf("%w: assertion has no ID", ErrMalformedAssertion)
	}
	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, fmt.Errorf("%w: assertion has no subject", ErrMalformedAssertion)
	}

	// 3. Issuer
	if assertion.Issuer == nil || assertion.Issuer.Value != v.cfg.IdPIssuer {
		return nil, ErrIssuerMismatch
	}

	// 4. Audience restriction must include this SP
	if !audienceContains(assertion.Conditions, v.cfg.SPEntityID) {
		return nil, ErrAudienceMismatch
	}

	// 5. Validity window with skew tolerance
	notBefore, notOnOrAfter, err := v.checkValidityWindow(assertion.Conditions)
	if err != nil {
		return nil, err
	}

	// 6. Replay: atomic first-accept of the assertion ID
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidatorUnavailable, err)
	}
	accepted, err := v.replay.Remember(ctx, assertion.ID, notOnOrAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: replay cache: %v", ErrValidatorUnavailable, err)
	}
	if !accepted {
		return nil, ErrReplayDetected
	}

	return &AssertionRecord{
		ID:           assertion.ID,
		Subject:      assertion.Subject.NameID.Value,
		Issuer:       assertion.Issuer.Value,
		NotBefore:    notBefore,
		NotOnOrAfter: notOnOrAfter,
		Attributes:   collectAttributes(assertion),
		SessionIndex: sessionIndex(assertion),
	}, nil
}

// verifySignature validates the enveloped signature on the response or, if
// the response itself is unsigned, on an assertion within it. Returns the
// assertion element from the validated subtree.
func (v *Validator) verifySignature(root *etree.Element) (*etree.Element, error) {
	vc := dsig.NewDefaultValidationContext(v.certStore)
	vc.IdAttribute = "ID"
	vc.Clock = v.clock

	validated, err := vc.Validate(root)
	switch {
	case err == nil:
		if validated.Tag == "Assertion" {
			return validated, nil
		}
		if a := validated.FindElement("./Assertion"); a != nil {
			return a, nil
		}
		return nil, fmt.Errorf("%w: signed response carries no assertion", ErrMalformedAssertion)

	case errors.Is(err, dsig.ErrMissingSignature):
		// Response not signed; accept a signed assertion instead
		for _, el := range root.FindElements("./Assertion") {
			signed, aerr := vc.Validate(el)
			if aerr == nil {
				return signed, nil
			}
			if errors.Is(aerr, dsig.ErrMissingSignature) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, aerr)
		}
		return nil, fmt.Errorf("%w: neither response nor assertion is signed", ErrInvalidSignature)

	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (v *Validator) checkValidityWindow(cond *types.Conditions) (notBefore, notOnOrAfter time.Time, err error) {
	if cond == nil || cond.NotBefore == "" || cond.NotOnOrAfter == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: conditions missing validity window", ErrMalformedAssertion)
	}

	notBefore, err = time.Parse(time.RFC3339, cond.NotBefore)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad NotBefore: %v", ErrMalformedAssertion, err)
	}
	notOnOrAfter, err = time.Parse(time.RFC3339, cond.NotOnOrAfter)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad NotOnOrAfter: %v", ErrMalformedAssertion, err)
	}

	now := v.clock.Now()
	if now.Add(v.cfg.ClockSkew).Before(notBefore) {
		return time.Time{}, time.Time{}, ErrNotYetValid
	}
	// NotOnOrAfter is exclusive
	if !now.Add(-v.cfg.ClockSkew).Before(notOnOrAfter) {
		return time.Time{}, time.Time{}, ErrExpired
	}

	return notBefore, notOnOrAfter, nil
}

func audienceContains(cond *types.Conditions, entityID string) bool {
	if cond == nil {
		return false
	}
	for _, restriction := range cond.AudienceRestrictions {
		for _, audience := range restriction.Audiences {
			if audience.Value == entityID {
				return true
			}
		}
	}
	return false
}

func collectAttributes(assertion *types.Assertion) map[string][]string {
	attrs := make(map[string][]string)
	if assertion.AttributeStatement == nil {
		return attrs
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		attrs[attr.Name] = values
	}
	return attrs
}

func sessionIndex(assertion *types.Assertion) string {
	if assertion.AuthnStatement == nil {
		return ""
	}
	return assertion.AuthnStatement.SessionIndex
}

// unmarshalElement serializes an etree element and decodes it into v
func unmarshalElement(el *etree.Element, v interface{}) error {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	return xml.Unmarshal(data, v)
}

// ParseCertificatePEM decodes a PEM-encoded X.509 certificate
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
