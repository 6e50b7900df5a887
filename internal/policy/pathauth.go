package policy

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathAuthRule is one entry of a routes.yaml (or legacy endpoints.yaml)
// user-authorization policy: requests whose path has Path as a prefix are
// only permitted through when the caller's user-id (a subject string the
// authenticator extracts from the legacy session token) matches Users.
type PathAuthRule struct {
	Path  string
	Users *regexp.Regexp
}

type pathAuthFile struct {
	Routes []struct {
		Path  string `yaml:"path"`
		Users string `yaml:"users"`
	} `yaml:"routes"`
	Endpoints []struct {
		Path  string `yaml:"path"`
		Users string `yaml:"users"`
	} `yaml:"endpoints"`
}

// ParsePathAuthPolicy parses a routes/endpoints user-authorization
// document. The two top-level keys are accepted as synonyms (both forms
// appear in deployed policy files); specifying both is rejected, and two
// rules sharing the same Path prefix is rejected.
func ParsePathAuthPolicy(doc []byte) ([]PathAuthRule, error) {
	var f pathAuthFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("policy: parsing path-auth policy: %w", err)
	}
	if len(f.Routes) > 0 && len(f.Endpoints) > 0 {
		return nil, fmt.Errorf("policy: a policy file may declare routes or endpoints, not both")
	}
	entries := f.Routes
	if len(entries) == 0 {
		entries = f.Endpoints
	}
	seen := make(map[string]bool, len(entries))
	rules := make([]PathAuthRule, 0, len(entries))
	for _, e := range entries {
		if seen[e.Path] {
			return nil, fmt.Errorf("policy: duplicate path %q in path-auth policy", e.Path)
		}
		seen[e.Path] = true
		re, err := regexp.Compile("^" + e.Users + "$")
		if err != nil {
			return nil, fmt.Errorf("policy: path %q: users: %w", e.Path, err)
		}
		rules = append(rules, PathAuthRule{Path: e.Path, Users: re})
	}
	return rules, nil
}

// Authorize reports whether userID may access path, given rules. The rule
// with the longest matching Path prefix wins (most specific route); a path
// with no matching rule is allowed (user-auth policies are opt-in
// restrictions, not a default-deny allowlist).
func Authorize(rules []PathAuthRule, path, userID string) bool {
	best := -1
	var bestRule PathAuthRule
	for _, r := range rules {
		if strings.HasPrefix(path, r.Path) && len(r.Path) > best {
			best = len(r.Path)
			bestRule = r
		}
	}
	if best < 0 {
		return true
	}
	return bestRule.Users.MatchString(userID)
}
