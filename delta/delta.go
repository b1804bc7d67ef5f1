// Package delta computes the three blob payloads (full snapshot,
// forward delta, reverse delta) a cycle produces from the write
// state's populate-complete bookkeeping and the previous read state.
package delta

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sediment/sediment/internal/bitutil"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
	"github.com/sediment/sediment/writestate"
)

// Compute builds the snapshot, forward-delta, and reverse-delta
// payloads for one cycle. prev may be nil for the first cycle, in
// which case the forward/reverse deltas carry no removed/restored
// content (every type starts empty).
func Compute(prev *readstate.State, w *writestate.Engine, schemas schema.Set) (snapshot, forward, reverse *readstate.Payload, err error) {
	snapshot = &readstate.Payload{Kind: readstate.Snapshot, Types: map[string]*readstate.TypePayload{}}
	forward = &readstate.Payload{Kind: readstate.Forward, Types: map[string]*readstate.TypePayload{}}
	reverse = &readstate.Payload{Kind: readstate.Reverse, Types: map[string]*readstate.TypePayload{}}

	for _, name := range schemas.Names() {
		sc := schemas.Get(name)
		populated := w.Populated(name)
		ghost := w.Ghost(name)
		added := w.Added(name)
		modified := w.Modified(name)

		snapTP, fwdTP, revTP, err := computeType(name, sc, prev, w, populated, ghost, added, modified)
		if err != nil {
			return nil, nil, nil, err
		}
		snapshot.Types[name] = snapTP
		forward.Types[name] = fwdTP
		reverse.Types[name] = revTP
	}
	return snapshot, forward, reverse, nil
}

func computeType(name string, sc schema.Schema, prev *readstate.State, w *writestate.Engine, populated, ghost, added, modified *roaring.Bitmap) (*readstate.TypePayload, *readstate.TypePayload, *readstate.TypePayload, error) {
	prevPopulated := prev.Populated(name)

	snapTP := &readstate.TypePayload{Name: name, PopulatedAfter: populated.Clone()}
	fwdTP := &readstate.TypePayload{Name: name, Removed: roaring.And(ghost, prevPopulated)}
	revTP := &readstate.TypePayload{Name: name, Removed: roaring.And(added, populated)}

	// Fresh data for the forward delta / snapshot. The intersection
	// with populated drops an ordinal added and removed within the same
	// cycle: it never reaches the new read state, so neither delta may
	// carry it.
	touched := roaring.And(roaring.Or(added, modified), populated)
	fwdTP.Added = sortedOrdinals(touched)
	snapTP.Added = sortedOrdinals(populated)

	// Old data restored by the reverse delta: only ordinals that were
	// actually live in the prior state have content to restore.
	restored := roaring.And(roaring.Or(ghost, modified), prevPopulated)
	revTP.Added = sortedOrdinals(restored)

	switch t := sc.(type) {
	case *schema.Object:
		snapValues := make(map[uint32][]readstate.Value, len(snapTP.Added))
		for _, ord := range snapTP.Added {
			vals, err := objectValues(w, name, ord)
			if err != nil {
				return nil, nil, nil, err
			}
			snapValues[ord] = vals
		}
		snapTP.ObjectValues = snapValues

		fwdValues := make(map[uint32][]readstate.Value, len(fwdTP.Added))
		for _, ord := range fwdTP.Added {
			fwdValues[ord] = snapValues[ord] // touched ordinals are always populated, so always present
		}
		fwdTP.ObjectValues = fwdValues

		revValues := make(map[uint32][]readstate.Value, len(revTP.Added))
		for _, ord := range revTP.Added {
			vals := make([]readstate.Value, len(t.Fields))
			for fi := range t.Fields {
				v, _ := prev.ReadField(name, ord, fi)
				vals[fi] = v
			}
			revValues[ord] = vals
		}
		revTP.ObjectValues = revValues

		widths := fieldWidths(t, snapValues, revValues)
		snapTP.FieldWidths = widths
		fwdTP.FieldWidths = widths
		revTP.FieldWidths = widths

	case *schema.List:
		snapElems := make(map[uint32][]uint32, len(snapTP.Added))
		for _, ord := range snapTP.Added {
			rec, _ := w.Record(name, ord)
			snapElems[ord] = rec.Elements
		}
		snapTP.ListValues = snapElems

		fwdElems := make(map[uint32][]uint32, len(fwdTP.Added))
		for _, ord := range fwdTP.Added {
			fwdElems[ord] = snapElems[ord]
		}
		fwdTP.ListValues = fwdElems

		revElems := make(map[uint32][]uint32, len(revTP.Added))
		for _, ord := range revTP.Added {
			e, _ := prev.IterateList(name, ord)
			revElems[ord] = append([]uint32(nil), e...)
		}
		revTP.ListValues = revElems

	case *schema.SetSchema:
		snapElems := make(map[uint32][]uint32, len(snapTP.Added))
		for _, ord := range snapTP.Added {
			rec, _ := w.Record(name, ord)
			snapElems[ord] = rec.Elements
		}
		snapTP.SetValues = snapElems

		fwdElems := make(map[uint32][]uint32, len(fwdTP.Added))
		for _, ord := range fwdTP.Added {
			fwdElems[ord] = snapElems[ord]
		}
		fwdTP.SetValues = fwdElems

		revElems := make(map[uint32][]uint32, len(revTP.Added))
		for _, ord := range revTP.Added {
			e, _ := prev.IterateSet(name, ord)
			revElems[ord] = append([]uint32(nil), e...)
		}
		revTP.SetValues = revElems

	case *schema.Map:
		snapPairs := make(map[uint32][]readstate.Pair, len(snapTP.Added))
		for _, ord := range snapTP.Added {
			rec, _ := w.Record(name, ord)
			snapPairs[ord] = toPairs(rec.Pairs)
		}
		snapTP.MapValues = snapPairs

		fwdPairs := make(map[uint32][]readstate.Pair, len(fwdTP.Added))
		for _, ord := range fwdTP.Added {
			fwdPairs[ord] = snapPairs[ord]
		}
		fwdTP.MapValues = fwdPairs

		revPairs := make(map[uint32][]readstate.Pair, len(revTP.Added))
		for _, ord := range revTP.Added {
			p, _ := prev.IterateMap(name, ord)
			revPairs[ord] = append([]readstate.Pair(nil), p...)
		}
		revTP.MapValues = revPairs

	default:
		return nil, nil, nil, errs.Wrapf(errs.ErrMalformedSchema, "unknown schema kind for %q", name)
	}

	snapTP.GhostAtPublish = ghost.Clone()
	fwdTP.GhostAtPublish = ghost.Clone()

	return snapTP, fwdTP, revTP, nil
}

func objectValues(w *writestate.Engine, typeName string, ord uint32) ([]readstate.Value, error) {
	rec, ok := w.Record(typeName, ord)
	if !ok {
		return nil, errs.Wrapf(errs.ErrPopulateFailure, "type %q: ordinal %d has no record", typeName, ord)
	}
	out := make([]readstate.Value, len(rec.Values))
	for i, v := range rec.Values {
		rv := readstate.Value{
			Kind: v.Kind, Null: v.Null, B: v.B, I: v.I, F: v.F, S: v.S, Bin: v.Bin, RefOrd: v.RefOrd,
		}
		// A negative reference ordinal is the write-side spelling of a
		// null reference; columns store nulls as the width sentinel.
		if v.Kind == schema.Reference && v.RefOrd < 0 {
			rv.Null = true
			rv.RefOrd = 0
		}
		out[i] = rv
	}
	return out, nil
}

func toPairs(ps []writestate.Pair) []readstate.Pair {
	out := make([]readstate.Pair, len(ps))
	for i, p := range ps {
		out[i] = readstate.Pair{Key: p.Key, Value: p.Value}
	}
	return out
}

func fieldWidths(t *schema.Object, sets ...map[uint32][]readstate.Value) []int {
	widths := make([]int, len(t.Fields))
	maxRaw := make([]uint64, len(t.Fields))
	for _, set := range sets {
		for _, vals := range set {
			for fi, v := range vals {
				if v.Null {
					continue
				}
				raw := readstate.EncodeColumnValue(v)
				if raw > maxRaw[fi] {
					maxRaw[fi] = raw
				}
			}
		}
	}
	for fi, f := range t.Fields {
		if f.Type == schema.String || f.Type == schema.Bytes {
			continue
		}
		w := bitutil.WidthFor(maxRaw[fi])
		// The all-ones pattern at width w is the null sentinel; a live
		// value landing on it needs one more bit to stay distinguishable.
		if w < 64 && maxRaw[fi] == bitutil.NullSentinel(w) {
			w++
		}
		widths[fi] = w
	}
	return widths
}

func sortedOrdinals(b *roaring.Bitmap) []uint32 {
	arr := b.ToArray()
	sort.Slice(arr, func(i, j int) bool { return arr[i] < arr[j] })
	return arr
}
