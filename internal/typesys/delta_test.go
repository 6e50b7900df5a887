package typesys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/value"
)

func strField(name string) Field {
	return Field{Name: name, Type: Primitive(PrimString)}
}

func TestDeltaAddedFieldRequiresDefaultOrOptional(t *testing.T) {
	old := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("name")}, nil)

	missingDefault := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		strField("name"),
		{Name: "age", Type: Primitive(PrimNumber)},
	}, nil)
	_, err := Delta(old, missingDefault, false)
	assert.Error(t, err)

	withDefault := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		strField("name"),
		{Name: "age", Type: Primitive(PrimNumber), Default: ptr(value.F64(0))},
	}, nil)
	delta, err := Delta(old, withDefault, false)
	require.NoError(t, err)
	assert.Len(t, delta.AddedFields, 1)

	withOptional := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		strField("name"),
		{Name: "age", Type: OptionalOf(Primitive(PrimNumber))},
	}, nil)
	delta, err = Delta(old, withOptional, false)
	require.NoError(t, err)
	assert.Len(t, delta.AddedFields, 1)
}

func TestDeltaRemovedFieldAlwaysAllowed(t *testing.T) {
	old := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("name"), strField("nickname")}, nil)
	new := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("name")}, nil)
	delta, err := Delta(old, new, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"nickname"}, delta.RemovedFields)
}

func TestDeltaDefaultValueImmutable(t *testing.T) {
	old := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		{Name: "age", Type: Primitive(PrimNumber), Default: ptr(value.F64(0))},
	}, nil)
	new := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		{Name: "age", Type: Primitive(PrimNumber), Default: ptr(value.F64(1))},
	}, nil)
	_, err := Delta(old, new, false)
	assert.Error(t, err)
}

func TestDeltaOptionalWideningAllowedNarrowingRejectedUnlessEmpty(t *testing.T) {
	old := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("nickname")}, nil)
	widened := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		{Name: "nickname", Type: OptionalOf(Primitive(PrimString))},
	}, nil)
	_, err := Delta(old, widened, false)
	require.NoError(t, err)

	narrowed := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("nickname")}, nil)
	_, err = Delta(widened, narrowed, false)
	assert.Error(t, err)
	_, err = Delta(widened, narrowed, true)
	assert.NoError(t, err)
}

func TestDeltaUniqueRequiresEmptyTable(t *testing.T) {
	old := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{strField("email")}, nil)
	unique := NewEntity("Person", OwnerUser, IDTypeUUID, []Field{
		{Name: "email", Type: Primitive(PrimString), Unique: true},
	}, nil)
	_, err := Delta(old, unique, false)
	assert.Error(t, err)
	_, err = Delta(old, unique, true)
	assert.NoError(t, err)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	ts := New()
	ts.Register(NewEntity("A", OwnerUser, IDTypeUUID, []Field{{Name: "b", Type: EntityRef("B")}}, nil))
	ts.Register(NewEntity("B", OwnerUser, IDTypeUUID, []Field{{Name: "a", Type: EntityRef("A")}}, nil))
	_, err := ts.TopologicalOrder()
	assert.Error(t, err)
}

func TestTopologicalOrderOrdersReferencedFirst(t *testing.T) {
	ts := New()
	ts.Register(NewEntity("Comment", OwnerUser, IDTypeUUID, []Field{{Name: "post", Type: EntityRef("Post")}}, nil))
	ts.Register(NewEntity("Post", OwnerUser, IDTypeUUID, []Field{strField("title")}, nil))
	order, err := ts.TopologicalOrder()
	require.NoError(t, err)
	postIdx, commentIdx := -1, -1
	for i, n := range order {
		if n == "Post" {
			postIdx = i
		}
		if n == "Comment" {
			commentIdx = i
		}
	}
	assert.Less(t, postIdx, commentIdx)
}

func ptr(v value.Value) *value.Value { return &v }
