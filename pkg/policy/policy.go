package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decision is the access classification for a path group
type Decision string

const (
	// Public paths are always allowed, session or not
	Public Decision = "public"
	// RequireSession paths need a live session bound to the request
	RequireSession Decision = "require_session"
)

// Entry is a single (pattern, decision) pair. A pattern is either an exact
// path ("/health") or a prefix group ("/api/public/**").
type Entry struct {
	Pattern  string   `yaml:"pattern"`
	Decision Decision `yaml:"access"`
}

type compiledEntry struct {
	pattern  string
	prefix   string // non-empty for /** patterns
	exact    string // non-empty for exact patterns
	decision Decision
}

// Policy is an ordered path-policy table. The most specific (longest)
// matching pattern wins; among equally specific patterns the one declared
// first wins. Paths matching no entry require a session. Immutable after
// construction.
type Policy struct {
	entries []compiledEntry
}

// New compiles an ordered entry list into a Policy
func New(entries []Entry) (*Policy, error) {
	p := &Policy{entries: make([]compiledEntry, 0, len(entries))}
	for _, e := range entries {
		if !strings.HasPrefix(e.Pattern, "/") {
			return nil, fmt.Errorf("policy pattern %q must start with /", e.Pattern)
		}
		switch e.Decision {
		case Public, RequireSession:
		default:
			return nil, fmt.Errorf("policy pattern %q has unknown access %q", e.Pattern, e.Decision)
		}

		ce := compiledEntry{pattern: e.Pattern, decision: e.Decision}
		if base, ok := strings.CutSuffix(e.Pattern, "/**"); ok {
			ce.prefix = base
		} else {
			ce.exact = e.Pattern
		}
		p.entries = append(p.entries, ce)
	}
	return p, nil
}

// Decide classifies a request path. The default is RequireSession.
func (p *Policy) Decide(path string) Decision {
	best := -1
	decision := RequireSession

	for _, e := range p.entries {
		var specificity int
		switch {
		case e.exact != "":
			if path != e.exact {
				continue
			}
			// An exact entry outranks any prefix entry of the same length
			specificity = len(e.exact) + 1
		default:
			if path != e.prefix && !strings.HasPrefix(path, e.prefix+"/") {
				continue
			}
			specificity = len(e.prefix)
		}

		// Strictly greater keeps the first-declared entry on ties
		if specificity > best {
			best = specificity
			decision = e.decision
		}
	}

	return decision
}

// Entries returns a copy of the source entries for diagnostics
func (p *Policy) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	for i, e := range p.entries {
		out[i] = Entry{Pattern: e.pattern, Decision: e.decision}
	}
	return out
}

type policyFile struct {
	Policies []Entry `yaml:"policies"`
}

// LoadFile reads an ordered policy table from a YAML file:
//
//	policies:
//	  - pattern: /api/public/**
//	    access: public
//	  - pattern: /api/**
//	    access: require_session
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, fmt.Errorf("policy file %s declares no policies", path)
	}

	return New(f.Policies)
}

// Default returns the built-in table: health probes, the public demo API
// and the SSO endpoints themselves are public; everything else needs a
// session.
func Default() *Policy {
	p, err := New([]Entry{
		{Pattern: "/health", Decision: Public},
		{Pattern: "/api/public/**", Decision: Public},
		{Pattern: "/saml/**", Decision: Public},
		{Pattern: "/favicon.ico", Decision: Public},
	})
	if err != nil {
		panic(err) // static table
	}
	return p
}
