// Package policy loads per-purpose rate limit policies from YAML and maps
// request paths to purposes.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"access-guard/internal/common/errors"
	"access-guard/internal/common/validation"
	"access-guard/internal/ratelimit"
)

// Rule is one entry of the policies file
type Rule struct {
	Purpose      string        `yaml:"purpose" validate:"required"`
	KeyPrefix    string        `yaml:"key_prefix" validate:"key_prefix"`
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	MaxRequests  int           `yaml:"max_requests" validate:"gt=0"`
	PathPrefixes []string      `yaml:"path_prefixes" validate:"dive,startswith=/"`
}

// File is the document root
type File struct {
	Policies []Rule `yaml:"policies" validate:"dive"`
}

func (r Rule) policy() ratelimit.Policy {
	return ratelimit.Policy{
		Purpose:     r.Purpose,
		KeyPrefix:   r.KeyPrefix,
		Window:      r.Window,
		MaxRequests: r.MaxRequests,
	}
}

type route struct {
	prefix  string
	purpose string
}

// Set resolves purposes to policies. It is read-only after construction.
type Set struct {
	fallback ratelimit.Policy
	policies map[string]ratelimit.Policy
	// routes sorted longest prefix first
	routes []route
}

// NewSet builds a set from rules. fallback serves the default purpose and
// any purpose without a rule.
func NewSet(fallback ratelimit.Policy, rules ...Rule) (*Set, error) {
	if fallback.Purpose == "" {
		fallback.Purpose = ratelimit.DefaultPurpose
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}

	s := &Set{
		fallback: fallback,
		policies: map[string]ratelimit.Policy{fallback.Purpose: fallback},
	}
	seen := map[string]bool{}
	for _, rule := range rules {
		if err := validation.Struct(rule); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("policy %q: %v", rule.Purpose, err))
		}
		if seen[rule.Purpose] {
			return nil, errors.ConfigError(fmt.Sprintf("duplicate policy purpose %q", rule.Purpose))
		}
		seen[rule.Purpose] = true

		p := rule.policy()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.policies[rule.Purpose] = p
		for _, prefix := range rule.PathPrefixes {
			s.routes = append(s.routes, route{prefix: prefix, purpose: rule.Purpose})
		}
	}

	sort.SliceStable(s.routes, func(i, j int) bool {
		return len(s.routes[i].prefix) > len(s.routes[j].prefix)
	})
	return s, nil
}

// Parse reads a YAML policies document
func Parse(data []byte, fallback ratelimit.Policy) (*Set, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid policy file: %v", err))
	}
	return NewSet(fallback, file.Policies...)
}

// Load reads the policies file at path. An empty path yields a set holding
// only the fallback policy.
func Load(path string, fallback ratelimit.Policy) (*Set, error) {
	if path == "" {
		return NewSet(fallback)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read policy file %s: %v", path, err))
	}
	return Parse(data, fallback)
}

// Match returns the purpose whose longest path prefix matches path
func (s *Set) Match(path string) string {
	for _, r := range s.routes {
		if strings.HasPrefix(path, r.prefix) {
			return r.purpose
		}
	}
	return s.fallback.Purpose
}

// Policy returns the policy for purpose, or the fallback
func (s *Set) Policy(purpose string) ratelimit.Policy {
	if p, ok := s.policies[purpose]; ok {
		return p
	}
	return s.fallback
}

func (s *Set) Default() ratelimit.Policy {
	return s.fallback
}

// Policies lists every policy sorted by purpose
func (s *Set) Policies() []ratelimit.Policy {
	out := lo.Values(s.policies)
	sort.Slice(out, func(i, j int) bool { return out[i].Purpose < out[j].Purpose })
	return out
}
