package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/typesys"
)

func TestTableNameScheme(t *testing.T) {
	assert.Equal(t, "chisel_u_Person", TableName("Person", typesys.OwnerUser, "chisel_"))
	assert.Equal(t, "chisel_b_AuthUser", TableName("AuthUser", typesys.OwnerBuiltin, "chisel_"))
}

func TestNewFieldColumnUnwrapsOptional(t *testing.T) {
	required := typesys.Field{Name: "name", Type: typesys.Primitive(typesys.PrimString)}
	col := NewFieldColumn(required)
	assert.False(t, col.Nullable)

	optional := typesys.Field{Name: "nickname", Type: typesys.OptionalOf(typesys.Primitive(typesys.PrimString))}
	col = NewFieldColumn(optional)
	assert.True(t, col.Nullable)
	assert.Equal(t, typesys.TagPrimitive, col.Type.Tag)
}

func TestUpdateIDColumnRejectsTypeChange(t *testing.T) {
	col := NewIDColumn(typesys.IDTypeUUID)
	_, err := UpdateIDColumn(col, typesys.IDTypeOpaqueString)
	assert.Error(t, err)

	same, err := UpdateIDColumn(col, typesys.IDTypeUUID)
	require.NoError(t, err)
	assert.Equal(t, col, same)
}

func TestUpdateFieldColumnWidensToNullable(t *testing.T) {
	old := FieldColumn{Name: "nickname", Type: typesys.Primitive(typesys.PrimString), Nullable: false}
	updated := UpdateFieldColumn(old, typesys.OptionalOf(typesys.Primitive(typesys.PrimString)))
	assert.True(t, updated.Nullable)
}
