package readstate

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sediment/sediment/internal/bitutil"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/schema"
)

func float32FromBits(b uint32) float32 { return math.Float32frombits(b) }
func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }

// EncodeColumnValue returns the raw unsigned bit pattern a fixed-width
// column stores for v, used by package delta to compute shared
// forward/reverse bit widths before any column exists. Signed INT/LONG
// values are zigzag-mapped so small-magnitude negatives stay narrow
// and never collide with the all-ones null sentinel.
func EncodeColumnValue(v Value) uint64 { return encodeColumnValue(v) }

func encodeColumnValue(v Value) uint64 {
	switch v.Kind {
	case schema.Bool:
		if v.B {
			return 1
		}
		return 0
	case schema.Int, schema.Long:
		return uint64((v.I << 1) ^ (v.I >> 63))
	case schema.Float:
		return uint64(math.Float32bits(float32(v.F)))
	case schema.Double:
		return math.Float64bits(v.F)
	case schema.Reference:
		return uint64(v.RefOrd)
	default:
		return 0
	}
}

// DecodeColumnValue is the inverse of EncodeColumnValue, shared with
// the blob reader so the wire and in-memory column encodings can never
// drift apart.
func DecodeColumnValue(ftype schema.FieldType, raw uint64) Value {
	return decodeColumnValue(ftype, raw)
}

// Build constructs a new State either from a full Snapshot payload
// (base ignored) or by applying a Forward/Reverse delta payload on
// top of base. Every column is rebuilt from scratch: a carried-over
// ordinal's value is read out of base and re-encoded into the new
// column, so the result never holds a live reference into base's
// backing arrays.
func Build(base *State, p *Payload, schemas schema.Set) (*State, error) {
	out := &State{schemas: schemas, types: make(map[string]*typeState, schemas.Len())}
	for _, name := range schemas.Names() {
		tp, ok := p.Types[name]
		if !ok {
			return nil, errs.Wrapf(errs.ErrSchemaMismatch, "payload missing type %q", name)
		}
		sc := schemas.Get(name)

		var baseTS *typeState
		basePopulated := roaring.New()
		if base != nil {
			if bts, ok := base.types[name]; ok {
				baseTS = bts
				basePopulated = bts.populated
			}
		}

		var newPopulated *roaring.Bitmap
		if p.Kind == Snapshot {
			if tp.PopulatedAfter != nil {
				newPopulated = tp.PopulatedAfter.Clone()
			} else {
				newPopulated = roaring.New()
				newPopulated.AddMany(tp.Added)
			}
		} else {
			newPopulated = basePopulated.Clone()
			if tp.Removed != nil {
				newPopulated.AndNot(tp.Removed)
			}
			added := roaring.New()
			added.AddMany(tp.Added)
			newPopulated.Or(added)
		}

		var maxOrd uint32
		if !newPopulated.IsEmpty() {
			maxOrd = newPopulated.Maximum()
		}

		ts, err := buildTypeState(sc, baseTS, tp, newPopulated, maxOrd)
		if err != nil {
			return nil, err
		}
		ts.ghostAtPublish = tp.GhostAtPublish
		out.types[name] = ts
	}

	// Second pass: hashed slot tables for SET/MAP records. These hash
	// through the element/key type's columns, so every type's columns
	// must exist before any table is placed.
	for _, name := range schemas.Names() {
		ts := out.types[name]
		switch t := ts.sc.(type) {
		case *schema.SetSchema:
			out.buildSetSlots(ts, t)
		case *schema.Map:
			out.buildMapSlots(ts, t)
		}
	}
	return out, nil
}

// slotTableSize returns the power-of-two table size for n entries,
// keeping load factor at or below one half so probing always finds an
// empty slot.
func slotTableSize(n int) int {
	size := 1
	for size < 2*n {
		size <<= 1
	}
	return size
}

func (s *State) buildSetSlots(ts *typeState, t *schema.SetSchema) {
	n := len(ts.listOffsets)
	ts.slotOffsets = make([]int32, n)
	ts.slotSizes = make([]int32, n)
	for i := range ts.slotOffsets {
		ts.slotOffsets[i] = -1
	}
	it := ts.populated.Iterator()
	for it.HasNext() {
		ord := it.Next()
		elems := ts.readElements(ord)
		size := slotTableSize(len(elems))
		start := len(ts.slotKeys)
		for i := 0; i < size; i++ {
			ts.slotKeys = append(ts.slotKeys, emptySlot)
		}
		for _, e := range elems {
			slot := int(s.hashOrdinal(t.ElementType, t.HashKey, e)) & (size - 1)
			for ts.slotKeys[start+slot] != emptySlot {
				slot = (slot + 1) & (size - 1)
			}
			ts.slotKeys[start+slot] = e
		}
		ts.slotOffsets[ord] = int32(start)
		ts.slotSizes[ord] = int32(size)
	}
}

func (s *State) buildMapSlots(ts *typeState, t *schema.Map) {
	n := len(ts.listOffsets)
	ts.slotOffsets = make([]int32, n)
	ts.slotSizes = make([]int32, n)
	for i := range ts.slotOffsets {
		ts.slotOffsets[i] = -1
	}
	it := ts.populated.Iterator()
	for it.HasNext() {
		ord := it.Next()
		pairs := ts.readPairs(ord)
		size := slotTableSize(len(pairs))
		start := len(ts.slotKeys)
		for i := 0; i < size; i++ {
			ts.slotKeys = append(ts.slotKeys, emptySlot)
			ts.slotValues = append(ts.slotValues, emptySlot)
		}
		for _, p := range pairs {
			slot := int(s.hashOrdinal(t.KeyType, t.HashKey, p.Key)) & (size - 1)
			for ts.slotKeys[start+slot] != emptySlot {
				slot = (slot + 1) & (size - 1)
			}
			ts.slotKeys[start+slot] = p.Key
			ts.slotValues[start+slot] = p.Value
		}
		ts.slotOffsets[ord] = int32(start)
		ts.slotSizes[ord] = int32(size)
	}
}

// hashOrdinal computes the slot hash for one element/key ordinal: the
// ordinal itself under the ordinal-hash-key sentinel, otherwise an FNV
// hash of the hash-key projection's leaf values read out of the
// referenced type's columns.
func (s *State) hashOrdinal(typeName string, hashKey []string, ord uint32) uint64 {
	if len(hashKey) == 0 {
		return uint64(ord)
	}
	h := fnv.New64a()
	for _, path := range hashKey {
		s.hashLeaf(h, typeName, path, ord)
	}
	return h.Sum64()
}

func (s *State) hashLeaf(h hash.Hash64, typeName, path string, ord uint32) {
	parts := strings.Split(path, ".")
	cur, curOrd := typeName, ord
	for i, part := range parts {
		obj, ok := s.schemas.Get(cur).(*schema.Object)
		if !ok {
			return
		}
		fi := obj.FieldIndex(part)
		if fi < 0 {
			return
		}
		v, present := s.ReadField(cur, curOrd, fi)
		if i == len(parts)-1 {
			if !present {
				h.Write([]byte{0})
				return
			}
			hashValue(h, v)
			return
		}
		if !present || v.RefOrd < 0 {
			return
		}
		cur = obj.Fields[fi].RefTarget
		curOrd = uint32(v.RefOrd)
	}
}

func hashValue(h hash.Hash64, v Value) {
	switch v.Kind {
	case schema.String:
		h.Write([]byte(v.S))
	case schema.Bytes:
		h.Write(v.Bin)
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], encodeColumnValue(v))
		h.Write(b[:])
	}
}

func buildTypeState(sc schema.Schema, base *typeState, tp *TypePayload, populated *roaring.Bitmap, maxOrd uint32) (*typeState, error) {
	ts := &typeState{sc: sc, populated: populated, maxOrdinal: maxOrd}
	n := int(maxOrd) + 1

	switch t := sc.(type) {
	case *schema.Object:
		added := make(map[uint32][]Value, len(tp.ObjectValues))
		for k, v := range tp.ObjectValues {
			added[k] = v
		}
		ts.columns = make([]*objectColumn, len(t.Fields))
		for i, f := range t.Fields {
			width := 1
			if i < len(tp.FieldWidths) {
				width = tp.FieldWidths[i]
			}
			col := &objectColumn{ftype: f.Type}
			switch f.Type {
			case schema.String, schema.Bytes:
				col.offsets = make([]int64, n)
				col.lengths = make([]int32, n)
				for i := range col.offsets {
					col.offsets[i] = -1
				}
			default:
				col.width = width
				col.packed = bitutil.NewPackedInts(n, width)
			}
			ts.columns[i] = col
		}

		ordinals := populated.ToArray()
		for _, ord := range ordinals {
			vals, isNew := added[ord]
			for fi, f := range t.Fields {
				var v Value
				var present bool
				if isNew {
					v, present = vals[fi], !vals[fi].Null
				} else if base != nil {
					v, present = base.readField(ord, fi)
				}
				setColumnValue(ts.columns[fi], int(ord), f.Type, v, present)
			}
		}

	case *schema.List, *schema.SetSchema:
		ts.listOffsets = make([]int32, n)
		ts.listLengths = make([]int32, n)
		for i := range ts.listOffsets {
			ts.listOffsets[i] = -1
		}
		var addedList map[uint32][]uint32
		if _, ok := sc.(*schema.List); ok {
			addedList = tp.ListValues
		} else {
			addedList = tp.SetValues
		}
		ordinals := populated.ToArray()
		var elements []uint32
		for _, ord := range ordinals {
			var elems []uint32
			if v, ok := addedList[ord]; ok {
				elems = v
			} else if base != nil {
				elems = base.readElements(ord)
			}
			ts.listOffsets[ord] = int32(len(elements))
			ts.listLengths[ord] = int32(len(elems))
			elements = append(elements, elems...)
		}
		ts.elements = elements

	case *schema.Map:
		ts.listOffsets = make([]int32, n)
		ts.listLengths = make([]int32, n)
		for i := range ts.listOffsets {
			ts.listOffsets[i] = -1
		}
		ordinals := populated.ToArray()
		var elements []uint32
		for _, ord := range ordinals {
			var pairs []Pair
			if v, ok := tp.MapValues[ord]; ok {
				pairs = v
			} else if base != nil {
				pairs = base.readPairs(ord)
			}
			sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
			start := len(elements)
			keys := make([]uint32, len(pairs))
			values := make([]uint32, len(pairs))
			for i, p := range pairs {
				keys[i] = p.Key
				values[i] = p.Value
			}
			elements = append(elements, keys...)
			elements = append(elements, values...)
			ts.listOffsets[ord] = int32(start)
			ts.listLengths[ord] = int32(len(pairs))
		}
		ts.elements = elements

	default:
		return nil, errs.Wrapf(errs.ErrMalformedSchema, "unknown schema kind for %q", sc.SchemaName())
	}

	return ts, nil
}

func setColumnValue(col *objectColumn, ord int, ftype schema.FieldType, v Value, present bool) {
	switch ftype {
	case schema.String, schema.Bytes:
		if !present {
			col.offsets[ord] = -1
			return
		}
		var data []byte
		if ftype == schema.String {
			data = []byte(v.S)
		} else {
			data = v.Bin
		}
		col.offsets[ord] = int64(len(col.heap))
		col.lengths[ord] = int32(len(data))
		col.heap = append(col.heap, data...)
	default:
		if !present {
			col.packed.Set(ord, bitutil.NullSentinel(col.width))
			return
		}
		col.packed.Set(ord, encodeColumnValue(v))
	}
}

func (ts *typeState) readElements(ordinal uint32) []uint32 {
	if int(ordinal) >= len(ts.listOffsets) || ts.listOffsets[ordinal] < 0 {
		return nil
	}
	off := ts.listOffsets[ordinal]
	n := ts.listLengths[ordinal]
	return ts.elements[off : off+n]
}

func (ts *typeState) readPairs(ordinal uint32) []Pair {
	if int(ordinal) >= len(ts.listOffsets) || ts.listOffsets[ordinal] < 0 {
		return nil
	}
	off := ts.listOffsets[ordinal]
	n := ts.listLengths[ordinal]
	pairs := make([]Pair, n)
	for i := int32(0); i < n; i++ {
		pairs[i] = Pair{Key: ts.elements[int(off)+int(i)], Value: ts.elements[int(off)+int(n)+int(i)]}
	}
	return pairs
}

// Equal reports whether two states hold identical populated ordinals
// and field values for every type in schemas, used by the cycle
// orchestrator's integrity check.
func Equal(a, b *State, schemas schema.Set) bool {
	for _, name := range schemas.Names() {
		if !a.Populated(name).Equals(b.Populated(name)) {
			return false
		}
		sc := schemas.Get(name)
		ords := a.Populated(name).ToArray()
		switch t := sc.(type) {
		case *schema.Object:
			for _, ord := range ords {
				for fi := range t.Fields {
					va, oka := a.ReadField(name, ord, fi)
					vb, okb := b.ReadField(name, ord, fi)
					if oka != okb || !valuesEqual(va, vb) {
						return false
					}
				}
			}
		case *schema.List:
			for _, ord := range ords {
				ea, _ := a.IterateList(name, ord)
				eb, _ := b.IterateList(name, ord)
				if !uint32sEqual(ea, eb) {
					return false
				}
			}
		case *schema.SetSchema:
			for _, ord := range ords {
				ea, _ := a.IterateSet(name, ord)
				eb, _ := b.IterateSet(name, ord)
				if !uint32SetEqual(ea, eb) {
					return false
				}
			}
		case *schema.Map:
			for _, ord := range ords {
				pa, _ := a.IterateMap(name, ord)
				pb, _ := b.IterateMap(name, ord)
				if len(pa) != len(pb) {
					return false
				}
				for i := range pa {
					if pa[i] != pb[i] {
						return false
					}
				}
			}
		}
	}
	return true
}

func valuesEqual(a, b Value) bool {
	if a.Null != b.Null || a.Kind != b.Kind {
		return false
	}
	if a.Null {
		return true
	}
	switch a.Kind {
	case schema.Bool:
		return a.B == b.B
	case schema.Int, schema.Long:
		return a.I == b.I
	case schema.Float, schema.Double:
		return a.F == b.F
	case schema.String:
		return a.S == b.S
	case schema.Bytes:
		return string(a.Bin) == string(b.Bin)
	case schema.Reference:
		return a.RefOrd == b.RefOrd
	default:
		return true
	}
}

func uint32sEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uint32SetEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint32]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}
