package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

func TestNewEntityAddsTableThenColumns(t *testing.T) {
	entity := typesys.NewEntity("Person", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "name", Type: typesys.Primitive(typesys.PrimString)},
	}, nil)
	plan := NewEntity("chisel_u_Person", entity, layout.NewIDColumn(typesys.IDTypeUUID))
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepAddTable, plan.Steps[0].Kind)
	assert.Equal(t, StepAddColumn, plan.Steps[1].Kind)
	assert.Equal(t, "name", plan.Steps[1].Column.Name)
}

func TestForEntityOrdersAddUpdateRemove(t *testing.T) {
	def := value.F64(0)
	delta := &typesys.ObjectDelta{
		EntityName: "Person",
		AddedFields: []typesys.Field{
			{Name: "age", Type: typesys.Primitive(typesys.PrimNumber), Default: &def},
		},
		UpdatedFields: []typesys.FieldUpdate{
			{
				Name: "nickname",
				Old:  typesys.Field{Name: "nickname", Type: typesys.Primitive(typesys.PrimString)},
				New:  typesys.Field{Name: "nickname", Type: typesys.OptionalOf(typesys.Primitive(typesys.PrimString))},
			},
		},
		RemovedFields: []string{"legacy"},
	}
	plan := ForEntity("chisel_u_Person", delta)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, StepAddColumn, plan.Steps[0].Kind)
	assert.Equal(t, StepUpdateColumn, plan.Steps[1].Kind)
	assert.Equal(t, StepRemoveColumn, plan.Steps[2].Kind)
}

func TestMergePlacesRemoveTableLast(t *testing.T) {
	a := ForEntity("t1", &typesys.ObjectDelta{AddedFields: []typesys.Field{{Name: "x", Type: typesys.OptionalOf(typesys.Primitive(typesys.PrimString))}}})
	removed := RemoveEntity("t2")
	merged := Merge(removed, a)
	require.NotEmpty(t, merged.Steps)
	assert.Equal(t, StepRemoveTable, merged.Steps[len(merged.Steps)-1].Kind)
}
