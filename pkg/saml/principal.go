package saml

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Identity is the normalized authenticated principal derived from a
// validated assertion.
type Identity struct {
	Subject    string              `json:"subject"`
	Attributes map[string][]string `json:"attributes"`
	Roles      []string            `json:"roles"`
}

// RoleMapping drives role derivation from assertion attributes.
type RoleMapping struct {
	// RoleAttributes names the attributes whose values grant roles
	RoleAttributes []string `yaml:"role_attributes"`
	// ValueRoles optionally renames specific attribute values; values not
	// listed here become roles verbatim
	ValueRoles map[string]string `yaml:"value_roles"`
}

// Extractor maps AssertionRecords to Identities. It is pure: no side
// effects, and the same record always yields the same identity.
type Extractor struct {
	mapping RoleMapping
}

// NewExtractor creates an extractor with the given role mapping. An empty
// mapping grants no roles; attributes are still carried through.
func NewExtractor(mapping RoleMapping) *Extractor {
	return &Extractor{mapping: mapping}
}

// Extract derives the normalized identity from a validated assertion.
// Attributes not named in the role mapping are preserved in the attribute
// bag but grant nothing.
func (e *Extractor) Extract(record *AssertionRecord) (*Identity, error) {
	if record == nil || record.Subject == "" {
		return nil, fmt.Errorf("%w: no subject to extract", ErrMalformedAssertion)
	}

	attrs := make(map[string][]string, len(record.Attributes))
	for name, values := range record.Attributes {
		attrs[name] = append([]string(nil), values...)
	}

	var roles []string
	seen := make(map[string]bool)
	for _, attrName := range e.mapping.RoleAttributes {
		for _, value := range record.Attributes[attrName] {
			role := value
			if mapped, ok := e.mapping.ValueRoles[value]; ok {
				role = mapped
			}
			if role == "" || seen[role] {
				continue
			}
			seen[role] = true
			roles = append(roles, role)
		}
	}

	return &Identity{
		Subject:    record.Subject,
		Attributes: attrs,
		Roles:      roles,
	}, nil
}

type roleMappingFile struct {
	RoleMapping RoleMapping `yaml:"role_mapping"`
}

// LoadRoleMapping reads a role mapping from a YAML file
func LoadRoleMapping(path string) (RoleMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleMapping{}, fmt.Errorf("failed to read role mapping file: %w", err)
	}
	var file roleMappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return RoleMapping{}, fmt.Errorf("failed to parse role mapping file: %w", err)
	}
	return file.RoleMapping, nil
}
