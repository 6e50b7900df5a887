package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	m := NewMap()
	m.Set("first_name", String("Jan"))
	m.Set("age", F64(-666))
	m.Set("human", Bool(true))
	v := FromMap(m)

	data, err := ToJSON(v)
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.True(t, Equal(v, decoded))
}

func TestFromJSONPreservesKeyOrder(t *testing.T) {
	v, err := FromJSON([]byte(`{"z":1,"a":2,"m":3}`))
	require.NoError(t, err)
	m, err := v.AsMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())
}

func TestGetSetPath(t *testing.T) {
	root := NewMap()
	SetPath(root, "ceo.firstName", String("Glauber"))
	got, err := GetPath(FromMap(root), "ceo.firstName")
	require.NoError(t, err)
	s, _ := got.AsString()
	assert.Equal(t, "Glauber", s)

	_, err = GetPath(FromMap(root), "ceo.missing")
	assert.Error(t, err)
}

func TestAsAccessorsRejectWrongKind(t *testing.T) {
	v := String("x")
	_, err := v.AsF64()
	assert.Error(t, err)
}
