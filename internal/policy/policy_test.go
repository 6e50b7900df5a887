package policy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

type fakeSecrets struct{ m map[string]string }

func (f fakeSecrets) Lookup(name string) (string, bool) { v, ok := f.m[name]; return v, ok }

func newTestTypeSystem() *typesys.TypeSystem {
	ts := typesys.New()
	person := typesys.NewEntity("Person", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "name", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "ssn", Type: typesys.Primitive(typesys.PrimString), Labels: []string{"pii"}},
		{Name: "email", Type: typesys.Primitive(typesys.PrimString), Labels: []string{"self_only"}},
	}, nil)
	ts.Register(person)
	return ts
}

func TestLabelPolicyAnonymizesPII(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	require.NoError(t, e.LoadLabelPolicy([]byte(`
labels:
  - name: pii
    transform: anonymize
`)))

	row := value.NewMap()
	row.Set("name", value.String("Jan"))
	row.Set("ssn", value.String("123-45-6789"))
	row.Set("email", value.String("jan@example.com"))

	out, err := e.ApplyLabels("Person", "/data/Person", "user-1", value.FromMap(row))
	require.NoError(t, err)
	m, _ := out.AsMap()
	ssn, _ := m.Get("ssn")
	s, _ := ssn.AsString()
	assert.Equal(t, "xxxxx", s)
}

func TestLabelPolicyExceptURISkipsTransform(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	require.NoError(t, e.LoadLabelPolicy([]byte(`
labels:
  - name: pii
    transform: anonymize
    except_uri: ^/internal/
`)))

	row := value.NewMap()
	row.Set("name", value.String("Jan"))
	row.Set("ssn", value.String("123-45-6789"))
	row.Set("email", value.String("jan@example.com"))

	out, err := e.ApplyLabels("Person", "/internal/audit", "user-1", value.FromMap(row))
	require.NoError(t, err)
	m, _ := out.AsMap()
	ssn, _ := m.Get("ssn")
	s, _ := ssn.AsString()
	assert.Equal(t, "123-45-6789", s)
}

func TestLabelPolicyOmitDropsField(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	require.NoError(t, e.LoadLabelPolicy([]byte(`
labels:
  - name: pii
    transform: omit
`)))

	row := value.NewMap()
	row.Set("name", value.String("Jan"))
	row.Set("ssn", value.String("123-45-6789"))

	out, err := e.ApplyLabels("Person", "/data/Person", "user-1", value.FromMap(row))
	require.NoError(t, err)
	m, _ := out.AsMap()
	_, present := m.Get("ssn")
	assert.False(t, present, "omitted field must be dropped, not set to null")
	assert.Equal(t, []string{"name"}, m.Keys())
}

func TestMatchLoginTransformLeavesOwnersUnchanged(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	require.NoError(t, e.LoadLabelPolicy([]byte(`
labels:
  - name: self_only
    transform: match_login
`)))

	row := value.NewMap()
	row.Set("name", value.String("Jan"))
	row.Set("ssn", value.String("x"))
	row.Set("email", value.String("user-1"))

	out, _ := e.ApplyLabels("Person", "/data/Person", "user-1", value.FromMap(row))
	m, _ := out.AsMap()
	email, _ := m.Get("email")
	s, _ := email.AsString()
	assert.Equal(t, "user-1", s)

	out2, _ := e.ApplyLabels("Person", "/data/Person", "someone-else", value.FromMap(row))
	m2, _ := out2.AsMap()
	email2, _ := m2.Get("email")
	s2, _ := email2.AsString()
	assert.Equal(t, "xxxxx", s2)
}

func TestPathAuthMostSpecificPrefixWins(t *testing.T) {
	rules, err := ParsePathAuthPolicy([]byte(`
routes:
  - path: /data/
    users: admin|editor
  - path: /data/Secret
    users: admin
`))
	require.NoError(t, err)
	assert.True(t, Authorize(rules, "/data/Post", "editor"))
	assert.False(t, Authorize(rules, "/data/Secret", "editor"))
	assert.True(t, Authorize(rules, "/data/Secret", "admin"))
	assert.True(t, Authorize(rules, "/unrelated", "anyone"))
}

func TestPathAuthRejectsDuplicatePaths(t *testing.T) {
	_, err := ParsePathAuthPolicy([]byte(`
routes:
  - path: /data/
    users: admin
  - path: /data/
    users: editor
`))
	assert.Error(t, err)
}

func TestSecretAuthRequiresMatchingHeader(t *testing.T) {
	rules, err := ParseSecretAuthPolicy([]byte(`
secrets:
  - path: /webhooks/
    header: X-Webhook-Token
    secret: WEBHOOK_TOKEN
`))
	require.NoError(t, err)
	secrets := fakeSecrets{m: map[string]string{"WEBHOOK_TOKEN": "s3cr3t"}}

	good := http.Header{}
	good.Set("X-Webhook-Token", "s3cr3t")
	assert.True(t, AuthorizeHeader(rules, "/webhooks/stripe", good, secrets))

	bad := http.Header{}
	bad.Set("X-Webhook-Token", "wrong")
	assert.False(t, AuthorizeHeader(rules, "/webhooks/stripe", bad, secrets))

	assert.True(t, AuthorizeHeader(rules, "/unrelated", http.Header{}, secrets))
}

func TestCodePolicyReadFilterCompilesPushdown(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	e.SetCodePolicy("Person", `if (ssn != '') return Action.Deny; return Action.Allow;`)

	expr, err := e.ReadFilter("Person")
	require.NoError(t, err)
	require.NotNil(t, expr)
	assert.False(t, e.RequiresPerRowEvaluation("Person"))
}

func TestCodePolicyDegradesToPerRowOnUnrecognizedBody(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	e.SetCodePolicy("Person", `doSomethingComplicated(); return Action.Allow;`)

	expr, err := e.ReadFilter("Person")
	require.NoError(t, err)
	assert.Nil(t, expr)
	assert.True(t, e.RequiresPerRowEvaluation("Person"))
}

func TestEvaluateRunsGuardsInOrder(t *testing.T) {
	ts := newTestTypeSystem()
	e := New(ts, fakeSecrets{})
	e.SetCodePolicy("Person", `if (name == 'Admin') return Action.Allow; if (ssn != '') return Action.Deny; return Action.Allow;`)

	row := value.NewMap()
	row.Set("name", value.String("Admin"))
	row.Set("ssn", value.String("123"))
	action, err := e.Evaluate("Person", value.FromMap(row), value.FromMap(value.NewMap()))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, action)

	row2 := value.NewMap()
	row2.Set("name", value.String("Bob"))
	row2.Set("ssn", value.String("123"))
	action2, err := e.Evaluate("Person", value.FromMap(row2), value.FromMap(value.NewMap()))
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, action2)
}

func TestCombinePicksMostSevere(t *testing.T) {
	assert.Equal(t, ActionDeny, Combine(ActionAllow, ActionSkip, ActionDeny))
	assert.Equal(t, ActionAllow, Combine())
}
