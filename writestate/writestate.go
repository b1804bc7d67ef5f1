// Package writestate is the producer's staging area: a per-type slab
// arena that accepts user records, assigns ordinals, deduplicates by
// content hash or primary key, and tracks the added/removed/modified/
// ghost bookkeeping the delta computer needs.
package writestate

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/schema"
)

// Value is one field's content within an object Record. Exactly one
// of the typed fields is meaningful, selected by Kind; Null marks an
// absent value regardless of Kind.
type Value struct {
	Kind    schema.FieldType
	Null    bool
	B       bool
	I       int64   // INT, LONG
	F       float64 // FLOAT, DOUBLE (FLOAT values are still carried as float64 and narrowed on encode)
	S       string  // STRING
	Bin     []byte  // BYTES
	RefOrd  int64   // REFERENCE: child ordinal, or -1 for null
}

// Pair is one key/value ordinal pair of a Map record.
type Pair struct {
	Key   uint32
	Value uint32
}

// Record is the payload a caller hands to Add. Exactly one of Values,
// Elements, or Pairs is populated, matching the target type's schema
// kind (Object, List/Set, Map respectively).
type Record struct {
	Values   []Value
	Elements []uint32
	Pairs    []Pair
}

// Engine is the write-side staging area for one dataset's worth of
// types. It is not safe for concurrent use from multiple goroutines;
// per spec, callers owning fan-out population must serialise their
// own Add/Remove calls (e.g. partition input and merge per-thread
// buffers before calling into the Engine).
type Engine struct {
	schemas schema.Set
	types   map[string]*typeState
	sealed  bool
}

type storedRecord struct {
	rec  Record
	key  string // non-empty for keyed types
	hash uint64 // meaningful for unkeyed types
}

type typeState struct {
	sc    schema.Schema
	keyed bool

	records map[uint32]*storedRecord
	byKey   map[string]uint32
	byHash  map[uint64][]uint32

	// pre-modification records for this cycle, kept so a failed
	// populate can roll the arena back to the prior cycle's content
	savedOriginal map[uint32]*storedRecord

	free        *btree.BTreeG[uint32]
	nextOrdinal uint32

	priorPopulated *roaring.Bitmap
	reAdded        *roaring.Bitmap
	addedNew       *roaring.Bitmap
	explicitRemove *roaring.Bitmap
	modified       *roaring.Bitmap
	ghost          *roaring.Bitmap
	populated      *roaring.Bitmap
}

func uint32Less(a, b uint32) bool { return a < b }

func newTypeState(sc schema.Schema) *typeState {
	keyed := false
	if obj, ok := sc.(*schema.Object); ok {
		keyed = len(obj.PrimaryKey) > 0
	}
	return &typeState{
		sc:             sc,
		keyed:          keyed,
		records:        make(map[uint32]*storedRecord),
		byKey:          make(map[string]uint32),
		byHash:         make(map[uint64][]uint32),
		savedOriginal:  make(map[uint32]*storedRecord),
		free:           btree.NewG[uint32](8, uint32Less),
		priorPopulated: roaring.New(),
		reAdded:        roaring.New(),
		addedNew:       roaring.New(),
		explicitRemove: roaring.New(),
		modified:       roaring.New(),
		ghost:          roaring.New(),
		populated:      roaring.New(),
	}
}

// NewEngine builds an empty write-state engine for the given schema
// set, one typeState arena per schema.
func NewEngine(schemas schema.Set) *Engine {
	e := &Engine{schemas: schemas, types: make(map[string]*typeState, schemas.Len())}
	for _, name := range schemas.Names() {
		e.types[name] = newTypeState(schemas.Get(name))
	}
	return e
}

func (e *Engine) typeStateFor(typeName string) (*typeState, error) {
	ts, ok := e.types[typeName]
	if !ok {
		return nil, errs.Wrapf(errs.ErrPopulateFailure, "unknown type %q", typeName)
	}
	return ts, nil
}

func (ts *typeState) allocOrdinal() uint32 {
	if item, ok := ts.free.DeleteMin(); ok {
		return item
	}
	o := ts.nextOrdinal
	ts.nextOrdinal++
	return o
}

// Add inserts or updates rec under typeName and returns its ordinal.
// No-primary-key types dedup by content hash: a byte-identical record
// reuses the existing ordinal. Keyed types (an Object schema with a
// PrimaryKey) use the key fields as identity: a second Add with the
// same key but different content replaces the record at the same
// ordinal and marks it modified.
func (e *Engine) Add(typeName string, rec Record) (uint32, error) {
	if e.sealed {
		return 0, errs.Wrap(errs.ErrPopulateFailure, "Add called after PopulateComplete")
	}
	ts, err := e.typeStateFor(typeName)
	if err != nil {
		return 0, err
	}

	if ts.keyed {
		key, err := primaryKeyString(ts.sc.(*schema.Object), rec)
		if err != nil {
			return 0, errs.Wrapf(errs.ErrPopulateFailure, "type %q: %v", typeName, err)
		}
		if ord, exists := ts.byKey[key]; exists {
			old := ts.records[ord]
			if !bytes.Equal(encodeRecord(old.rec), encodeRecord(rec)) {
				if _, saved := ts.savedOriginal[ord]; !saved {
					ts.savedOriginal[ord] = old
				}
				ts.records[ord] = &storedRecord{rec: rec, key: key}
				ts.modified.Add(ord)
			}
			ts.reAdded.Add(ord)
			return ord, nil
		}
		ord := ts.allocOrdinal()
		ts.records[ord] = &storedRecord{rec: rec, key: key}
		ts.byKey[key] = ord
		ts.addedNew.Add(ord)
		return ord, nil
	}

	h := contentHash(rec)
	for _, cand := range ts.byHash[h] {
		if bytes.Equal(encodeRecord(ts.records[cand].rec), encodeRecord(rec)) {
			ts.reAdded.Add(cand)
			return cand, nil
		}
	}
	ord := ts.allocOrdinal()
	ts.records[ord] = &storedRecord{rec: rec, hash: h}
	ts.byHash[h] = append(ts.byHash[h], ord)
	ts.addedNew.Add(ord)
	return ord, nil
}

// RemoveByKey removes the record identified by the given primary-key
// values (one per PrimaryKey path, in schema order, with Kind set the
// way Add received them) from a keyed type. The ordinal remains
// addressable (ghost) until the next ResetForNextCycle.
func (e *Engine) RemoveByKey(typeName string, keyValues ...Value) error {
	if e.sealed {
		return errs.Wrap(errs.ErrPopulateFailure, "Remove called after PopulateComplete")
	}
	ts, err := e.typeStateFor(typeName)
	if err != nil {
		return err
	}
	if !ts.keyed {
		return errs.Wrapf(errs.ErrPopulateFailure, "type %q has no primary key", typeName)
	}
	obj := ts.sc.(*schema.Object)
	if len(keyValues) != len(obj.PrimaryKey) {
		return errs.Wrapf(errs.ErrPopulateFailure, "type %q: got %d key values, want %d", typeName, len(keyValues), len(obj.PrimaryKey))
	}
	var buf bytes.Buffer
	for _, v := range keyValues {
		encodeValue(&buf, v)
	}
	key := buf.String()
	ord, ok := ts.byKey[key]
	if !ok {
		return errs.Wrapf(errs.ErrPopulateFailure, "type %q: primary key not found", typeName)
	}
	delete(ts.byKey, key)
	ts.explicitRemove.Add(ord)
	return nil
}

// RemoveByOrdinal removes a record directly by ordinal, for either
// keyed or content-addressed types.
func (e *Engine) RemoveByOrdinal(typeName string, ordinal uint32) error {
	if e.sealed {
		return errs.Wrap(errs.ErrPopulateFailure, "Remove called after PopulateComplete")
	}
	ts, err := e.typeStateFor(typeName)
	if err != nil {
		return err
	}
	rec, ok := ts.records[ordinal]
	if !ok {
		return errs.Wrapf(errs.ErrPopulateFailure, "type %q: ordinal %d not found", typeName, ordinal)
	}
	if ts.keyed {
		delete(ts.byKey, rec.key)
	} else {
		ts.byHash[rec.hash] = removeUint32(ts.byHash[rec.hash], ordinal)
	}
	ts.explicitRemove.Add(ordinal)
	return nil
}

func removeUint32(s []uint32, v uint32) []uint32 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// PopulateComplete seals the engine against further Add/Remove calls
// for this cycle and finalises each type's populated/ghost bitmaps.
func (e *Engine) PopulateComplete() error {
	if e.sealed {
		return nil
	}
	for name, ts := range e.types {
		implicitGhost := ts.priorPopulated.Clone()
		implicitGhost.AndNot(ts.reAdded)
		ts.ghost = roaring.Or(implicitGhost, ts.explicitRemove)

		populated := ts.priorPopulated.Clone()
		populated.Or(ts.addedNew)
		populated.AndNot(ts.ghost)
		ts.populated = populated

		if err := ts.checkInvariants(); err != nil {
			return errs.Wrapf(errs.ErrPopulateFailure, "type %q: %v", name, err)
		}
	}
	e.sealed = true
	return nil
}

func (ts *typeState) checkInvariants() error {
	if !ts.populated.IsEmpty() && uint64(ts.populated.Maximum()) >= uint64(ts.nextOrdinal) {
		return errs.Wrapf(errs.ErrPopulateFailure, "populated ordinal %d exceeds allocated range [0,%d)", ts.populated.Maximum(), ts.nextOrdinal)
	}
	return nil
}

// ResetForNextCycle frees ghost ordinals onto the freelist, cleans up
// their identity-index entries, and clears the per-cycle bookkeeping
// bitsets so Add/Remove can run again for the next population.
func (e *Engine) ResetForNextCycle() {
	for _, ts := range e.types {
		it := ts.ghost.Iterator()
		for it.HasNext() {
			ord := it.Next()
			rec := ts.records[ord]
			if rec != nil {
				if ts.keyed {
					delete(ts.byKey, rec.key)
				} else {
					ts.byHash[rec.hash] = removeUint32(ts.byHash[rec.hash], ord)
				}
			}
			delete(ts.records, ord)
			ts.free.ReplaceOrInsert(ord)
		}
		ts.priorPopulated = ts.populated.Clone()
		ts.reAdded = roaring.New()
		ts.addedNew = roaring.New()
		ts.explicitRemove = roaring.New()
		ts.modified = roaring.New()
		ts.savedOriginal = make(map[uint32]*storedRecord)
	}
	e.sealed = false
}

// Rollback undoes every Add/Remove of the current (failed) population:
// explicit removals get their identity-index entries back, modified
// records revert to their pre-cycle content, and records first seen
// this cycle are deleted with their ordinals returned to the freelist.
// The engine is left as it stood right after the previous
// ResetForNextCycle.
func (e *Engine) Rollback() {
	for _, ts := range e.types {
		it := ts.explicitRemove.Iterator()
		for it.HasNext() {
			ord := it.Next()
			rec := ts.records[ord]
			if rec == nil {
				continue
			}
			if ts.keyed {
				ts.byKey[rec.key] = ord
			} else if !containsUint32(ts.byHash[rec.hash], ord) {
				ts.byHash[rec.hash] = append(ts.byHash[rec.hash], ord)
			}
		}
		for ord, orig := range ts.savedOriginal {
			ts.records[ord] = orig
		}
		it = ts.addedNew.Iterator()
		for it.HasNext() {
			ord := it.Next()
			if rec := ts.records[ord]; rec != nil {
				if ts.keyed {
					delete(ts.byKey, rec.key)
				} else {
					ts.byHash[rec.hash] = removeUint32(ts.byHash[rec.hash], ord)
				}
			}
			delete(ts.records, ord)
			ts.free.ReplaceOrInsert(ord)
		}
		ts.reAdded = roaring.New()
		ts.addedNew = roaring.New()
		ts.explicitRemove = roaring.New()
		ts.modified = roaring.New()
		ts.savedOriginal = make(map[uint32]*storedRecord)
		ts.populated = ts.priorPopulated.Clone()
		ts.ghost = roaring.New()
	}
	e.sealed = false
}

func containsUint32(s []uint32, v uint32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Sealed reports whether PopulateComplete has been called for the
// current cycle.
func (e *Engine) Sealed() bool { return e.sealed }

// Populated returns the finalised populated-ordinals bitmap for
// typeName (valid after PopulateComplete).
func (e *Engine) Populated(typeName string) *roaring.Bitmap {
	return e.types[typeName].populated
}

// Ghost returns the ghost-ordinals bitmap finalised by the last
// PopulateComplete call — the ordinals that remain addressable this
// cycle but will be freed at the next ResetForNextCycle.
func (e *Engine) Ghost(typeName string) *roaring.Bitmap {
	return e.types[typeName].ghost
}

// Modified returns ordinals whose content changed in place this
// cycle (keyed types only).
func (e *Engine) Modified(typeName string) *roaring.Bitmap {
	return e.types[typeName].modified
}

// Added returns ordinals newly allocated this cycle.
func (e *Engine) Added(typeName string) *roaring.Bitmap {
	return e.types[typeName].addedNew
}

// Record returns the record stored at ordinal for typeName, or false
// if absent (freed or never populated).
func (e *Engine) Record(typeName string, ordinal uint32) (Record, bool) {
	ts, ok := e.types[typeName]
	if !ok {
		return Record{}, false
	}
	r, ok := ts.records[ordinal]
	if !ok {
		return Record{}, false
	}
	return r.rec, true
}

// HasChanges reports whether any type has an added, removed
// (implicitly or explicitly ghosted), or modified record this cycle —
// the no-delta detection from the cycle orchestrator.
func (e *Engine) HasChanges() bool {
	for _, ts := range e.types {
		if !ts.addedNew.IsEmpty() || !ts.ghost.IsEmpty() || !ts.modified.IsEmpty() {
			return true
		}
	}
	return false
}

// Schemas returns the schema set this engine was built from.
func (e *Engine) Schemas() schema.Set { return e.schemas }

func primaryKeyString(obj *schema.Object, rec Record) (string, error) {
	var buf bytes.Buffer
	for _, path := range obj.PrimaryKey {
		idx := obj.FieldIndex(path)
		if idx < 0 || idx >= len(rec.Values) {
			return "", errs.Wrapf(errs.ErrPopulateFailure, "primary key field %q missing from record", path)
		}
		encodeValue(&buf, rec.Values[idx])
	}
	return buf.String(), nil
}

func contentHash(rec Record) uint64 {
	h := fnv.New64a()
	h.Write(encodeRecord(rec))
	return h.Sum64()
}

func encodeRecord(rec Record) []byte {
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(rec.Values)))
	buf.Write(lenBuf[:4])
	for _, v := range rec.Values {
		encodeValue(&buf, v)
	}
	binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(rec.Elements)))
	buf.Write(lenBuf[:4])
	for _, e := range rec.Elements {
		binary.BigEndian.PutUint32(lenBuf[:4], e)
		buf.Write(lenBuf[:4])
	}
	binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(rec.Pairs)))
	buf.Write(lenBuf[:4])
	for _, p := range rec.Pairs {
		binary.BigEndian.PutUint32(lenBuf[:4], p.Key)
		buf.Write(lenBuf[:4])
		binary.BigEndian.PutUint32(lenBuf[:4], p.Value)
		buf.Write(lenBuf[:4])
	}
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.Kind))
	if v.Null {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
	var b8 [8]byte
	switch v.Kind {
	case schema.Bool:
		if v.B {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case schema.Int, schema.Long:
		binary.BigEndian.PutUint64(b8[:], uint64(v.I))
		buf.Write(b8[:])
	case schema.Float:
		binary.BigEndian.PutUint32(b8[:4], math.Float32bits(float32(v.F)))
		buf.Write(b8[:4])
	case schema.Double:
		binary.BigEndian.PutUint64(b8[:], math.Float64bits(v.F))
		buf.Write(b8[:])
	case schema.String:
		binary.BigEndian.PutUint32(b8[:4], uint32(len(v.S)))
		buf.Write(b8[:4])
		buf.WriteString(v.S)
	case schema.Bytes:
		binary.BigEndian.PutUint32(b8[:4], uint32(len(v.Bin)))
		buf.Write(b8[:4])
		buf.Write(v.Bin)
	case schema.Reference:
		binary.BigEndian.PutUint64(b8[:], uint64(v.RefOrd))
		buf.Write(b8[:])
	}
}
