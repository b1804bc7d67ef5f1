package schema

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func movieSchema() []Schema {
	return []Schema{
		&Object{
			Name: "Movie",
			Fields: []Field{
				{Name: "id", Type: Int},
				{Name: "title", Type: String},
			},
			PrimaryKey: []string{"id"},
		},
	}
}

func referenceChainSchemas() []Schema {
	return []Schema{
		&Object{Name: "B", Fields: []Field{{Name: "name", Type: String}}},
		&Object{Name: "A", Fields: []Field{{Name: "b", Type: Reference, RefTarget: "B"}}},
	}
}

func TestNewSetRejectsDuplicateNames(t *testing.T) {
	_, err := NewSet([]Schema{
		&Object{Name: "Movie", Fields: []Field{{Name: "id", Type: Int}}},
		&Object{Name: "Movie", Fields: []Field{{Name: "id", Type: Int}}},
	})
	require.Error(t, err)
}

func TestNewSetRejectsUnresolvedReference(t *testing.T) {
	_, err := NewSet([]Schema{
		&Object{Name: "A", Fields: []Field{{Name: "b", Type: Reference, RefTarget: "B"}}},
	})
	require.Error(t, err)
}

func TestNewSetRejectsHashKeyOnReferenceLeaf(t *testing.T) {
	schemas := referenceChainSchemas()
	schemas = append(schemas, &SetSchema{Name: "As", ElementType: "A", HashKey: []string{"b"}})
	_, err := NewSet(schemas)
	require.Error(t, err)
}

func TestNewSetAcceptsOrdinalHashKeySentinel(t *testing.T) {
	schemas := referenceChainSchemas()
	schemas = append(schemas, &SetSchema{Name: "As", ElementType: "A"})
	set, err := NewSet(schemas)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
}

func TestSchemaWireRoundTrip(t *testing.T) {
	set, err := NewSet(movieSchema())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteSet(&buf, set))

	got, err := LoadFrom(&buf)
	require.NoError(t, err)
	require.Equal(t, set.Len(), got.Len())
	require.True(t, Equal(set.Get("Movie"), got.Get("Movie")))
}

func TestSchemaWireRoundTripReferenceAndSet(t *testing.T) {
	schemas := referenceChainSchemas()
	schemas = append(schemas, &SetSchema{Name: "As", ElementType: "A"})
	schemas = append(schemas, &Map{Name: "ByName", KeyType: "B", ValueType: "A", HashKey: []string{"name"}})
	set, err := NewSet(schemas)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteSet(&buf, set))
	got, err := LoadFrom(&buf)
	require.NoError(t, err)

	for _, name := range set.Names() {
		require.True(t, Equal(set.Get(name), got.Get(name)), "schema %q round-tripped unequal", name)
	}
}

func TestTextualIsDeterministic(t *testing.T) {
	set, err := NewSet(movieSchema())
	require.NoError(t, err)
	a := Textual(set.Get("Movie"))
	b := Textual(set.Get("Movie"))
	require.Equal(t, a, b)
	require.Contains(t, a, "title")
}
