package query

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
)

// StudioRef is a single-field wrapper object, which is what makes
// Movie.studio eligible for reference-chase recursion on the shared
// field name "studio" (StudioRef's sole field is also named "studio").
func catalogSchemas(t *testing.T) schema.Set {
	t.Helper()
	set, err := schema.NewSet([]schema.Schema{
		&schema.Object{
			Name: "StudioRef",
			Fields: []schema.Field{
				{Name: "studio", Type: schema.String},
			},
		},
		&schema.Object{
			Name: "Movie",
			Fields: []schema.Field{
				{Name: "id", Type: schema.Int},
				{Name: "title", Type: schema.String},
				{Name: "year", Type: schema.Int},
				{Name: "studio", Type: schema.Reference, RefTarget: "StudioRef"},
			},
			PrimaryKey: []string{"id"},
		},
	})
	require.NoError(t, err)
	return set
}

func buildCatalog(t *testing.T) *readstate.State {
	t.Helper()
	schemas := catalogSchemas(t)

	studioPop := roaring.New()
	studioPop.AddMany([]uint32{0, 1})
	moviePop := roaring.New()
	moviePop.AddMany([]uint32{0, 1, 2})

	payload := &readstate.Payload{
		Kind: readstate.Snapshot,
		Types: map[string]*readstate.TypePayload{
			"StudioRef": {
				Name:           "StudioRef",
				PopulatedAfter: studioPop,
				FieldWidths:    []int{0},
				ObjectValues: map[uint32][]readstate.Value{
					0: {{Kind: schema.String, S: "Legendary"}},
					1: {{Kind: schema.String, S: "Syncopy"}},
				},
			},
			"Movie": {
				Name:           "Movie",
				PopulatedAfter: moviePop,
				FieldWidths:    []int{8, 0, 16, 8},
				ObjectValues: map[uint32][]readstate.Value{
					0: {{Kind: schema.Int, I: 1}, {Kind: schema.String, S: "Dune"}, {Kind: schema.Int, I: 2021}, {Kind: schema.Reference, RefOrd: 0}},
					1: {{Kind: schema.Int, I: 2}, {Kind: schema.String, S: "Tenet"}, {Kind: schema.Int, I: 2020}, {Kind: schema.Reference, RefOrd: 1}},
					2: {{Kind: schema.Int, I: 3}, {Kind: schema.String, S: "Oppenheimer"}, {Kind: schema.Int, I: 2023}, {Kind: schema.Reference, RefOrd: 1}},
				},
			},
		},
	}

	st, err := readstate.Build(nil, payload, schemas)
	require.NoError(t, err)
	return st
}

func TestFindMatchingRecordsDirectField(t *testing.T) {
	st := buildCatalog(t)
	matches, err := FindMatchingRecords(st, "title", "Tenet")
	require.NoError(t, err)
	require.Contains(t, matches, "Movie")
	require.True(t, matches["Movie"].Contains(1))
	require.Equal(t, uint64(1), matches["Movie"].GetCardinality())
}

func TestFindMatchingRecordsReferenceChase(t *testing.T) {
	st := buildCatalog(t)
	matches, err := FindMatchingRecords(st, "studio", "Syncopy")
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{1, 2}, matches["Movie"].ToArray())
	require.ElementsMatch(t, []uint32{1}, matches["StudioRef"].ToArray())
}

func TestFindMatchingRecordsNoMatch(t *testing.T) {
	st := buildCatalog(t)
	matches, err := FindMatchingRecords(st, "title", "Inception")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestFindMatchingRecordsParallelAgreesWithSequential(t *testing.T) {
	st := buildCatalog(t)
	pool := NewPool(4)

	got, err := FindMatchingRecordsParallel(context.Background(), st, "Movie", "studio", "Syncopy", pool)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{1, 2}, got.ToArray())

	got, err = FindMatchingRecordsParallel(context.Background(), st, "Movie", "title", "Dune", pool)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, got.ToArray())
}

func TestFindMatchingRecordsParallelUnknownType(t *testing.T) {
	st := buildCatalog(t)
	pool := NewPool(2)
	_, err := FindMatchingRecordsParallel(context.Background(), st, "NoSuchType", "title", "Dune", pool)
	require.Error(t, err)
}

// TestFindMatchingRecordsChaseIgnoresReferenceFieldName mirrors the
// scenario where the reference field's own name ("b") differs from
// the chased field name ("name"): A{ref B b}, B{string name}. The
// chase must still fire because B is a single-field object, regardless
// of what A calls the field that points to it.
func TestFindMatchingRecordsChaseIgnoresReferenceFieldName(t *testing.T) {
	schemas, err := schema.NewSet([]schema.Schema{
		&schema.Object{Name: "B", Fields: []schema.Field{{Name: "name", Type: schema.String}}},
		&schema.Object{Name: "A", Fields: []schema.Field{{Name: "b", Type: schema.Reference, RefTarget: "B"}}},
	})
	require.NoError(t, err)

	bPop := roaring.New()
	bPop.AddMany([]uint32{0, 1})
	aPop := roaring.New()
	aPop.AddMany([]uint32{0, 1})

	payload := &readstate.Payload{
		Kind: readstate.Snapshot,
		Types: map[string]*readstate.TypePayload{
			"B": {
				Name:           "B",
				PopulatedAfter: bPop,
				FieldWidths:    []int{0},
				ObjectValues: map[uint32][]readstate.Value{
					0: {{Kind: schema.String, S: "x"}},
					1: {{Kind: schema.String, S: "y"}},
				},
			},
			"A": {
				Name:           "A",
				PopulatedAfter: aPop,
				FieldWidths:    []int{8},
				ObjectValues: map[uint32][]readstate.Value{
					0: {{Kind: schema.Reference, RefOrd: 0}},
					1: {{Kind: schema.Reference, RefOrd: 1}},
				},
			},
		},
	}
	st, err := readstate.Build(nil, payload, schemas)
	require.NoError(t, err)

	matches, err := FindMatchingRecords(st, "name", "x")
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, matches["A"].ToArray())
	require.Equal(t, []uint32{0}, matches["B"].ToArray())
}
