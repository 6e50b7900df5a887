package policy

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"
)

// SecretAuthRule guards a path prefix behind a fixed request header value,
// for machine-to-machine callers (cron jobs, webhooks) that don't carry a
// user session. The schema is modeled after the routes/users shape of
// PathAuthRule.
type SecretAuthRule struct {
	Path       string
	Header     string
	SecretName string // name of the environment/config secret carrying the expected value
}

type secretAuthFile struct {
	Secrets []struct {
		Path   string `yaml:"path"`
		Header string `yaml:"header"`
		Secret string `yaml:"secret"`
	} `yaml:"secrets"`
}

// ParseSecretAuthPolicy parses a secrets.yaml header-authorization
// document.
func ParseSecretAuthPolicy(doc []byte) ([]SecretAuthRule, error) {
	var f secretAuthFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("policy: parsing secret-auth policy: %w", err)
	}
	rules := make([]SecretAuthRule, 0, len(f.Secrets))
	for _, s := range f.Secrets {
		if s.Path == "" || s.Header == "" || s.Secret == "" {
			return nil, fmt.Errorf("policy: secret-auth rule requires path, header, and secret")
		}
		rules = append(rules, SecretAuthRule{Path: s.Path, Header: s.Header, SecretName: s.Secret})
	}
	return rules, nil
}

// SecretStore resolves a named secret's expected value, e.g. from process
// environment or a config-loaded map.
type SecretStore interface {
	Lookup(name string) (string, bool)
}

// AuthorizeHeader reports whether header carries the value secrets resolves
// the rule's SecretName to, using a constant-time comparison so header
// authorization doesn't leak timing information about the secret.
func AuthorizeHeader(rules []SecretAuthRule, path string, header http.Header, secrets SecretStore) bool {
	applicable := false
	for _, r := range rules {
		if len(path) < len(r.Path) || path[:len(r.Path)] != r.Path {
			continue
		}
		applicable = true
		want, ok := secrets.Lookup(r.SecretName)
		if !ok {
			return false
		}
		got := header.Get(r.Header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	return !applicable
}
