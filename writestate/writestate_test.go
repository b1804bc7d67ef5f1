package writestate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sediment/sediment/schema"
)

func movieSet(t *testing.T) schema.Set {
	t.Helper()
	set, err := schema.NewSet([]schema.Schema{
		&schema.Object{
			Name: "Movie",
			Fields: []schema.Field{
				{Name: "id", Type: schema.Int},
				{Name: "title", Type: schema.String},
			},
			PrimaryKey: []string{"id"},
		},
	})
	require.NoError(t, err)
	return set
}

func contentOnlySet(t *testing.T) schema.Set {
	t.Helper()
	set, err := schema.NewSet([]schema.Schema{
		&schema.Object{
			Name: "Tag",
			Fields: []schema.Field{
				{Name: "label", Type: schema.String},
			},
		},
	})
	require.NoError(t, err)
	return set
}

func movieRecord(id int64, title string) Record {
	return Record{Values: []Value{
		{Kind: schema.Int, I: id},
		{Kind: schema.String, S: title},
	}}
}

func TestAddDedupsByContentWithoutPrimaryKey(t *testing.T) {
	e := NewEngine(contentOnlySet(t))
	rec := Record{Values: []Value{{Kind: schema.String, S: "x"}}}
	o1, err := e.Add("Tag", rec)
	require.NoError(t, err)
	o2, err := e.Add("Tag", rec)
	require.NoError(t, err)
	require.Equal(t, o1, o2)
}

func TestAddKeyedReplacesContentAtSameOrdinal(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	o2, err := e.Add("Movie", movieRecord(1, "A2"))
	require.NoError(t, err)
	require.Equal(t, o1, o2)
	require.True(t, e.types["Movie"].modified.Contains(o1))
}

func TestOrdinalStabilityAcrossCycles(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	e.ResetForNextCycle()

	o2, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.Equal(t, o1, o2)
}

func TestImplicitGhostOnNonReAdd(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	_, err = e.Add("Movie", movieRecord(2, "B"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	require.True(t, e.Populated("Movie").Contains(o1))
	e.ResetForNextCycle()

	_, err = e.Add("Movie", movieRecord(2, "B"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())

	require.False(t, e.Populated("Movie").Contains(o1))
	require.True(t, e.Ghost("Movie").Contains(o1))
}

func TestAddAfterPopulateCompleteFails(t *testing.T) {
	e := NewEngine(movieSet(t))
	require.NoError(t, e.PopulateComplete())
	_, err := e.Add("Movie", movieRecord(1, "A"))
	require.Error(t, err)
}

func TestNoChangesDetected(t *testing.T) {
	e := NewEngine(movieSet(t))
	_, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	require.True(t, e.HasChanges())

	e.ResetForNextCycle()
	_, err = e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	require.False(t, e.HasChanges())
}

func TestRemoveByKeyGhostsRecord(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	_, err = e.Add("Movie", movieRecord(2, "B"))
	require.NoError(t, err)

	require.NoError(t, e.RemoveByKey("Movie", Value{Kind: schema.Int, I: 2}))
	require.NoError(t, e.PopulateComplete())

	require.True(t, e.Populated("Movie").Contains(o1))
	require.False(t, e.Populated("Movie").Contains(1))
	require.True(t, e.Ghost("Movie").Contains(1))
}

func TestRemoveByKeyUnknownKeyFails(t *testing.T) {
	e := NewEngine(movieSet(t))
	require.Error(t, e.RemoveByKey("Movie", Value{Kind: schema.Int, I: 99}))
}

func TestRollbackRestoresPriorCycleState(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	e.ResetForNextCycle()

	// Modify id=1, add id=2, then explicitly remove id=1 — all of it
	// must vanish on rollback.
	_, err = e.Add("Movie", movieRecord(1, "A changed"))
	require.NoError(t, err)
	o2, err := e.Add("Movie", movieRecord(2, "B"))
	require.NoError(t, err)
	require.NoError(t, e.RemoveByKey("Movie", Value{Kind: schema.Int, I: 1}))

	e.Rollback()

	rec, ok := e.Record("Movie", o1)
	require.True(t, ok, "pre-cycle record must survive rollback")
	require.Equal(t, "A", rec.Values[1].S, "modified content must revert")
	_, ok = e.Record("Movie", o2)
	require.False(t, ok, "record first seen in the rolled-back cycle must be gone")
	require.True(t, e.Populated("Movie").Contains(o1))
	require.False(t, e.HasChanges())

	// The arena is usable again, with the freed ordinal recycled and
	// identity dedup intact.
	got, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.Equal(t, o1, got)
	got, err = e.Add("Movie", movieRecord(3, "C"))
	require.NoError(t, err)
	require.Equal(t, o2, got)
}

func TestOrdinalReuseAfterFree(t *testing.T) {
	e := NewEngine(movieSet(t))
	o1, err := e.Add("Movie", movieRecord(1, "A"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	e.ResetForNextCycle()

	// id=1 not re-added this cycle: it becomes ghost, then freed.
	_, err = e.Add("Movie", movieRecord(2, "B"))
	require.NoError(t, err)
	require.NoError(t, e.PopulateComplete())
	e.ResetForNextCycle()

	o3, err := e.Add("Movie", movieRecord(3, "C"))
	require.NoError(t, err)
	require.Equal(t, o1, o3, "freed ordinal should be reused for the next brand-new record")
}
