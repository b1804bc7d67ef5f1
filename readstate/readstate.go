// Package readstate is the consumer-side compact columnar state: an
// immutable, lock-free, per-type set of packed arrays built either
// fresh from a snapshot payload or by applying a delta payload to a
// prior State.
//
// Payload (the decoded, not-yet-framed form of a blob's contents) is
// defined in this package rather than in package delta so that delta
// can import readstate (to read the previous state's field values)
// without creating an import cycle; delta.Compute only ever
// constructs Payload values, it never needs readstate to know about
// delta's own types.
package readstate

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sediment/sediment/internal/bitutil"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/schema"
)

// Value is the decoded representation of one field or element value.
type Value struct {
	Kind   schema.FieldType
	Null   bool
	B      bool
	I      int64
	F      float64
	S      string
	Bin    []byte
	RefOrd int64
}

// Pair is one key/value ordinal pair of a Map record.
type Pair struct {
	Key   uint32
	Value uint32
}

// PayloadKind distinguishes the three blob kinds from spec.md §3/§6.
type PayloadKind int

const (
	Snapshot PayloadKind = iota
	Forward
	Reverse
)

// TypePayload is one type's worth of a Payload: for Snapshot kind,
// PopulatedAfter and Added describe the whole live set; for Forward/
// Reverse, Removed and Added describe the change relative to the
// State the payload is applied to.
type TypePayload struct {
	Name string

	Removed        *roaring.Bitmap // Forward/Reverse only
	Added          []uint32        // ascending ordinals with fresh data in this payload
	PopulatedAfter *roaring.Bitmap // Snapshot only: the full resulting populated set

	ObjectValues map[uint32][]Value  // OBJECT: ordinal -> field values
	ListValues   map[uint32][]uint32 // LIST: ordinal -> ordered element ordinals
	SetValues    map[uint32][]uint32 // SET: ordinal -> unordered element ordinals
	MapValues    map[uint32][]Pair   // MAP: ordinal -> key/value pairs

	FieldWidths []int // OBJECT only, index-aligned with the schema's Fields

	GhostAtPublish *roaring.Bitmap // captured write-state ghost set, carried through blobs into State
}

// Payload is the decoded, in-memory form of one blob (snapshot,
// forward delta, or reverse delta) across every type in the dataset.
type Payload struct {
	Kind  PayloadKind
	Types map[string]*TypePayload
}

type objectColumn struct {
	ftype   schema.FieldType
	width   int
	packed  *bitutil.PackedInts // BOOL/INT/LONG/FLOAT/DOUBLE/REFERENCE
	offsets []int64             // STRING/BYTES
	lengths []int32
	heap    []byte
}

type typeState struct {
	sc         schema.Schema
	populated  *roaring.Bitmap
	maxOrdinal uint32

	columns []*objectColumn // OBJECT

	listOffsets []int32 // LIST/SET/MAP: start index into elements
	listLengths []int32
	elements    []uint32 // LIST: ordered; SET: unordered; MAP: keys then values

	// SET/MAP: per-record power-of-two hashed slot tables, built by
	// the second Build pass once every element type's columns exist.
	// The slot function is the schema's hash-key projection, or the
	// element/key ordinal when the schema carries the ordinal sentinel.
	slotOffsets []int32  // per ordinal, start into slotKeys; -1 = absent
	slotSizes   []int32  // per ordinal, power-of-two table size
	slotKeys    []uint32 // element (SET) or key (MAP) ordinal; emptySlot = unused
	slotValues  []uint32 // MAP only, parallel to slotKeys

	ghostAtPublish *roaring.Bitmap
}

const emptySlot = ^uint32(0)

// State is the immutable columnar read-side snapshot for one cycle.
type State struct {
	schemas schema.Set
	types   map[string]*typeState
}

// Schemas returns the schema set this state was built from.
func (s *State) Schemas() schema.Set { return s.schemas }

// Populated returns the populated-ordinals bitmap for typeName, or an
// empty bitmap if the type has no live records (or s is nil).
func (s *State) Populated(typeName string) *roaring.Bitmap {
	if s == nil {
		return roaring.New()
	}
	ts, ok := s.types[typeName]
	if !ok {
		return roaring.New()
	}
	return ts.populated
}

// GhostAtPublish returns the write-state ghost bitmap captured when
// this state was built. delta.Compute does not read it; it takes the
// ghost set from the write state instead.
func (s *State) GhostAtPublish(typeName string) *roaring.Bitmap {
	if s == nil {
		return roaring.New()
	}
	ts, ok := s.types[typeName]
	if !ok || ts.ghostAtPublish == nil {
		return roaring.New()
	}
	return ts.ghostAtPublish
}

// ReadField returns the value of fieldIndex on the OBJECT record at
// ordinal, and whether it is non-null.
func (s *State) ReadField(typeName string, ordinal uint32, fieldIndex int) (Value, bool) {
	ts, ok := s.types[typeName]
	if !ok || !ts.populated.Contains(ordinal) {
		return Value{}, false
	}
	return ts.readField(ordinal, fieldIndex)
}

func (ts *typeState) readField(ordinal uint32, fieldIndex int) (Value, bool) {
	col := ts.columns[fieldIndex]
	i := int(ordinal)
	switch col.ftype {
	case schema.String, schema.Bytes:
		if i >= len(col.offsets) || col.offsets[i] < 0 {
			return Value{Kind: col.ftype, Null: true}, false
		}
		start := col.offsets[i]
		length := col.lengths[i]
		data := col.heap[start : start+int64(length)]
		if col.ftype == schema.String {
			return Value{Kind: schema.String, S: string(data)}, true
		}
		return Value{Kind: schema.Bytes, Bin: data}, true
	default:
		if col.packed.IsNull(i) {
			return Value{Kind: col.ftype, Null: true}, false
		}
		raw := col.packed.Get(i)
		return decodeColumnValue(col.ftype, raw), true
	}
}

func decodeColumnValue(ftype schema.FieldType, raw uint64) Value {
	switch ftype {
	case schema.Bool:
		return Value{Kind: ftype, B: raw != 0}
	case schema.Int, schema.Long:
		return Value{Kind: ftype, I: int64(raw>>1) ^ -int64(raw&1)}
	case schema.Float:
		return Value{Kind: ftype, F: float64(float32FromBits(uint32(raw)))}
	case schema.Double:
		return Value{Kind: ftype, F: float64FromBits(raw)}
	case schema.Reference:
		return Value{Kind: ftype, RefOrd: int64(raw)}
	default:
		return Value{Kind: ftype}
	}
}

// IterateList returns the ordered element ordinals of a LIST record.
func (s *State) IterateList(typeName string, ordinal uint32) ([]uint32, error) {
	ts, ok := s.types[typeName]
	if !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "unknown type %q", typeName)
	}
	if _, ok := ts.sc.(*schema.List); !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not a LIST", typeName)
	}
	if !ts.populated.Contains(ordinal) || int(ordinal) >= len(ts.listOffsets) {
		return nil, nil
	}
	off := ts.listOffsets[ordinal]
	n := ts.listLengths[ordinal]
	return ts.elements[off : off+n], nil
}

// IterateSet returns the (unordered) element ordinals of a SET
// record.
func (s *State) IterateSet(typeName string, ordinal uint32) ([]uint32, error) {
	ts, ok := s.types[typeName]
	if !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "unknown type %q", typeName)
	}
	if _, ok := ts.sc.(*schema.SetSchema); !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not a SET", typeName)
	}
	if !ts.populated.Contains(ordinal) || int(ordinal) >= len(ts.listOffsets) {
		return nil, nil
	}
	off := ts.listOffsets[ordinal]
	n := ts.listLengths[ordinal]
	return ts.elements[off : off+n], nil
}

// IterateMap returns the key/value ordinal pairs of a MAP record.
func (s *State) IterateMap(typeName string, ordinal uint32) ([]Pair, error) {
	ts, ok := s.types[typeName]
	if !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "unknown type %q", typeName)
	}
	if _, ok := ts.sc.(*schema.Map); !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not a MAP", typeName)
	}
	if !ts.populated.Contains(ordinal) || int(ordinal) >= len(ts.listOffsets) {
		return nil, nil
	}
	off := ts.listOffsets[ordinal]
	n := ts.listLengths[ordinal]
	pairs := make([]Pair, n)
	for i := int32(0); i < n; i++ {
		e := ts.elements[int(off)+int(i)]
		pairs[i] = Pair{Key: e, Value: ts.elements[int(off)+int(i)+int(n)]}
	}
	return pairs, nil
}

// SetContains reports whether the SET record at setOrd contains
// elemOrd, probing the record's hashed slot table rather than scanning
// its elements.
func (s *State) SetContains(typeName string, setOrd, elemOrd uint32) (bool, error) {
	ts, ok := s.types[typeName]
	if !ok {
		return false, errs.Wrapf(errs.ErrSchemaMismatch, "unknown type %q", typeName)
	}
	t, ok := ts.sc.(*schema.SetSchema)
	if !ok {
		return false, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not a SET", typeName)
	}
	if int(setOrd) >= len(ts.slotOffsets) || ts.slotOffsets[setOrd] < 0 {
		return false, nil
	}
	start := int(ts.slotOffsets[setOrd])
	size := int(ts.slotSizes[setOrd])
	slot := int(s.hashOrdinal(t.ElementType, t.HashKey, elemOrd)) & (size - 1)
	for {
		got := ts.slotKeys[start+slot]
		if got == emptySlot {
			return false, nil
		}
		if got == elemOrd {
			return true, nil
		}
		slot = (slot + 1) & (size - 1)
	}
}

// MapGet returns the value ordinal stored under keyOrd in the MAP
// record at mapOrd, probing the record's hashed slot table.
func (s *State) MapGet(typeName string, mapOrd, keyOrd uint32) (uint32, bool, error) {
	ts, ok := s.types[typeName]
	if !ok {
		return 0, false, errs.Wrapf(errs.ErrSchemaMismatch, "unknown type %q", typeName)
	}
	t, ok := ts.sc.(*schema.Map)
	if !ok {
		return 0, false, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not a MAP", typeName)
	}
	if int(mapOrd) >= len(ts.slotOffsets) || ts.slotOffsets[mapOrd] < 0 {
		return 0, false, nil
	}
	start := int(ts.slotOffsets[mapOrd])
	size := int(ts.slotSizes[mapOrd])
	slot := int(s.hashOrdinal(t.KeyType, t.HashKey, keyOrd)) & (size - 1)
	for {
		got := ts.slotKeys[start+slot]
		if got == emptySlot {
			return 0, false, nil
		}
		if got == keyOrd {
			return ts.slotValues[start+slot], true, nil
		}
		slot = (slot + 1) & (size - 1)
	}
}
