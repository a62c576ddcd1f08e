package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesRelationTargets(t *testing.T) {
	_, err := New(nil, []Entity{{
		Name:   "Widget",
		Fields: []Field{{Name: "id", Kind: KindString}},
		Relations: []Relation{
			{Name: "parts", Kind: OneToMany, Target: "Part", ForeignKeyField: "widgetId"},
		},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity Part")
}

func TestNewRejectsSelfReferencingCascade(t *testing.T) {
	_, err := New(nil, []Entity{{
		Name: "Widget",
		Fields: []Field{
			{Name: "id", Kind: KindString},
			{Name: "parentId", Kind: KindString, Nullable: true},
		},
		Relations: []Relation{
			{Name: "children", Kind: OneToMany, Target: "Widget", ForeignKeyField: "parentId", OnDelete: Cascade},
		},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cascade delete cannot target its own entity")
}

func TestNewValidatesEnumReferences(t *testing.T) {
	_, err := New(nil, []Entity{{
		Name: "Widget",
		Fields: []Field{
			{Name: "id", Kind: KindString},
			{Name: "grade", Kind: KindEnum, Enum: "Grade"},
		},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown enum Grade")
}

func TestNewRequiresIDField(t *testing.T) {
	_, err := New(nil, []Entity{{
		Name:   "Widget",
		Fields: []Field{{Name: "name", Kind: KindString}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must declare an id field")
}

func TestDerivedNaming(t *testing.T) {
	s, err := TestHealth()
	require.NoError(t, err)

	ent, err := s.Entity(EntityTestFile)
	require.NoError(t, err)
	assert.Equal(t, "test_files", ent.Table)

	col, err := ent.Column("avgPassRate")
	require.NoError(t, err)
	assert.Equal(t, "avg_pass_rate", col)
}

func TestIDUniqueKeyIsImplicit(t *testing.T) {
	s, err := TestHealth()
	require.NoError(t, err)

	ent, err := s.Entity(EntityTestExecution)
	require.NoError(t, err)
	require.NotNil(t, ent.UniqueKeyMatching([]string{"id"}))
	assert.Nil(t, ent.UniqueKeyMatching([]string{"environment"}))
}

func TestUnknownLookupsAreErrors(t *testing.T) {
	s, err := TestHealth()
	require.NoError(t, err)

	_, err = s.Entity("Nope")
	assert.Error(t, err)

	ent, err := s.Entity(EntityTestFile)
	require.NoError(t, err)
	_, err = ent.Field("nope")
	assert.Error(t, err)
	_, err = ent.Relation("nope")
	assert.Error(t, err)
}

func TestExtendIsAdditive(t *testing.T) {
	base, err := TestHealth()
	require.NoError(t, err)
	assert.False(t, base.HasEntity(EntityAnalysisSession))

	extended, err := TestHealthWithAnalysis()
	require.NoError(t, err)
	require.True(t, extended.HasEntity(EntityAnalysisSession))
	require.True(t, extended.HasEntity(EntityTestAnalysis))

	// Every base declaration carries over unchanged.
	for _, name := range base.Entities() {
		baseEnt, err := base.Entity(name)
		require.NoError(t, err)
		extEnt, err := extended.Entity(name)
		require.NoError(t, err)
		assert.Equal(t, baseEnt.Table, extEnt.Table)
		assert.Equal(t, baseEnt.Fields, extEnt.Fields)
	}

	// The extension grafts new relations onto TestFile without touching fields.
	file, err := extended.Entity(EntityTestFile)
	require.NoError(t, err)
	rel, err := file.Relation("sessions")
	require.NoError(t, err)
	assert.Equal(t, ManyToMany, rel.Kind)
	assert.Equal(t, SessionFilesTable, rel.Junction.Table)

	// The base schema is not mutated by extending it.
	baseFile, err := base.Entity(EntityTestFile)
	require.NoError(t, err)
	_, err = baseFile.Relation("sessions")
	assert.Error(t, err)
}

func TestExtendRejectsRedefinedEntity(t *testing.T) {
	base, err := TestHealth()
	require.NoError(t, err)

	_, err = base.Extend(nil, []Entity{{
		Name:   EntityTestFile,
		Fields: []Field{{Name: "id", Kind: KindString}},
	}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entity TestFile")
}

func TestEnumHas(t *testing.T) {
	s, err := TestHealth()
	require.NoError(t, err)

	enum, ok := s.Enum(EnumHealthScore)
	require.True(t, ok)
	assert.True(t, enum.Has("POOR"))
	assert.False(t, enum.Has("poor"))
	assert.False(t, enum.Has("SPLENDID"))
}
