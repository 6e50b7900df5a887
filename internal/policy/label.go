package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"chiselcore.dev/chiselcore/internal/value"
)

// Transform names the value rewrite a label rule applies to a matching
// field at read time.
type Transform int

const (
	TransformNone Transform = iota
	TransformAnonymize
	TransformOmit
	TransformMatchLogin
)

// LabelRule is one entry of a labels.yaml file: every field carrying Name
// anywhere across the active entities gets Transform applied, unless the
// current request's path matches ExceptURI.
type LabelRule struct {
	Name      string
	Transform Transform
	ExceptURI *regexp.Regexp
}

type labelFile struct {
	Labels []struct {
		Name      string `yaml:"name"`
		Transform string `yaml:"transform"`
		ExceptURI string `yaml:"except_uri"`
	} `yaml:"labels"`
}

// ParseLabelPolicy parses a labels.yaml document into LabelRules.
func ParseLabelPolicy(doc []byte) ([]LabelRule, error) {
	var f labelFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("policy: parsing label policy: %w", err)
	}
	rules := make([]LabelRule, 0, len(f.Labels))
	for _, l := range f.Labels {
		t, err := parseTransform(l.Transform)
		if err != nil {
			return nil, fmt.Errorf("policy: label %q: %w", l.Name, err)
		}
		rule := LabelRule{Name: l.Name, Transform: t}
		if l.ExceptURI != "" {
			re, err := regexp.Compile(l.ExceptURI)
			if err != nil {
				return nil, fmt.Errorf("policy: label %q: except_uri: %w", l.Name, err)
			}
			rule.ExceptURI = re
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseTransform(s string) (Transform, error) {
	switch s {
	case "anonymize":
		return TransformAnonymize, nil
	case "omit":
		return TransformOmit, nil
	case "match_login":
		return TransformMatchLogin, nil
	default:
		return TransformNone, fmt.Errorf("unknown transform %q", s)
	}
}

// Applies reports whether rule applies to a request against path, per the
// except_uri escape hatch (a request whose path matches except_uri skips
// the transform entirely).
func (r LabelRule) Applies(path string) bool {
	if r.ExceptURI == nil {
		return true
	}
	return !r.ExceptURI.MatchString(path)
}

// Apply rewrites v per the rule's Transform. TransformOmit is not handled
// here: removing a key is the row writer's job (Engine.ApplyLabels skips
// the field entirely), since a return value cannot distinguish "set to
// null" from "remove". userID is the requesting user's id, used by
// TransformMatchLogin to decide whether the field's own value already
// equals the caller (in which case it is left untouched, so only owners
// see their own matched field raw) versus anyone else (anonymized).
func (r LabelRule) Apply(v value.Value, userID string) value.Value {
	switch r.Transform {
	case TransformAnonymize:
		return anonymize(v)
	case TransformMatchLogin:
		s, err := v.AsString()
		if err == nil && s == userID {
			return v
		}
		return anonymize(v)
	default:
		return v
	}
}

// anonymize replaces a value with a type-appropriate placeholder rather
// than omitting it outright, so the field's shape survives in responses
// that assume its presence.
func anonymize(v value.Value) value.Value {
	switch v.Kind() {
	case value.KindString:
		return value.String("xxxxx")
	case value.KindF64:
		return value.F64(0)
	case value.KindI64:
		return value.I64(0)
	case value.KindBool:
		return value.Bool(false)
	default:
		return value.Null()
	}
}
