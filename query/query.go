// Package query implements schema-aware equality lookups over a
// readstate.State: a sequential scan with single-field-reference
// chase recursion, and a parallel variant that partitions a type's
// populated ordinals into fixed-size chunks pulled off a shared
// cursor by a small worker pool.
package query

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
)

// FindMatchingRecords scans every OBJECT type in r's schema set for
// fieldName. A record matches if either: a field literally named
// fieldName holds a scalar value equal to fieldValueText (a value
// that fails to parse as the field's native type yields no match for
// that field, not an error); or the type has a REFERENCE field whose
// target schema has exactly one field, in which case the target is
// searched for fieldName (regardless of the reference field's own
// name) and the match projects back through the reference ordinal.
// Recursion chains through single-field reference types without
// bound.
func FindMatchingRecords(r *readstate.State, fieldName, fieldValueText string) (map[string]*roaring.Bitmap, error) {
	schemas := r.Schemas()
	out := make(map[string]*roaring.Bitmap)
	for _, name := range schemas.Names() {
		obj, ok := schemas.Get(name).(*schema.Object)
		if !ok {
			continue
		}
		matches, err := scanType(r, schemas, obj, fieldName, fieldValueText)
		if err != nil {
			return nil, err
		}
		if !matches.IsEmpty() {
			out[name] = matches
		}
	}
	return out, nil
}

// scanType computes obj's match set for fieldName: the union of a
// direct scalar match on a same-named field and every single-field
// reference chase, per FindMatchingRecords' contract.
func scanType(r *readstate.State, schemas schema.Set, obj *schema.Object, fieldName, valueText string) (*roaring.Bitmap, error) {
	result := roaring.New()
	for i, f := range obj.Fields {
		if f.Type != schema.Reference {
			if f.Name == fieldName {
				result.Or(scanScalarField(r, obj.Name, i, f.Type, valueText))
			}
			continue
		}
		target, ok := schemas.Get(f.RefTarget).(*schema.Object)
		if !ok || len(target.Fields) != 1 {
			continue
		}
		refMatches, err := scanType(r, schemas, target, fieldName, valueText)
		if err != nil {
			return nil, err
		}
		result.Or(projectThroughReference(r, obj.Name, i, refMatches))
	}
	return result, nil
}

func scanScalarField(r *readstate.State, typeName string, fieldIndex int, ftype schema.FieldType, valueText string) *roaring.Bitmap {
	result := roaring.New()
	want, ok := parseScalar(ftype, valueText)
	if !ok {
		return result
	}
	for _, ord := range r.Populated(typeName).ToArray() {
		v, present := r.ReadField(typeName, ord, fieldIndex)
		if present && scalarEquals(ftype, v, want) {
			result.Add(ord)
		}
	}
	return result
}

func projectThroughReference(r *readstate.State, typeName string, fieldIndex int, refMatches *roaring.Bitmap) *roaring.Bitmap {
	result := roaring.New()
	if refMatches.IsEmpty() {
		return result
	}
	for _, ord := range r.Populated(typeName).ToArray() {
		v, present := r.ReadField(typeName, ord, fieldIndex)
		if present && refMatches.Contains(uint32(v.RefOrd)) {
			result.Add(ord)
		}
	}
	return result
}

func parseScalar(ftype schema.FieldType, text string) (readstate.Value, bool) {
	switch ftype {
	case schema.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return readstate.Value{}, false
		}
		return readstate.Value{B: b}, true
	case schema.Int, schema.Long:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return readstate.Value{}, false
		}
		return readstate.Value{I: i}, true
	case schema.Float, schema.Double:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return readstate.Value{}, false
		}
		return readstate.Value{F: f}, true
	case schema.String:
		return readstate.Value{S: text}, true
	case schema.Bytes:
		return readstate.Value{Bin: []byte(text)}, true
	default:
		return readstate.Value{}, false
	}
}

func scalarEquals(ftype schema.FieldType, v, want readstate.Value) bool {
	switch ftype {
	case schema.Bool:
		return v.B == want.B
	case schema.Int, schema.Long:
		return v.I == want.I
	case schema.Float, schema.Double:
		return v.F == want.F
	case schema.String:
		return v.S == want.S
	case schema.Bytes:
		return string(v.Bin) == string(want.Bin)
	default:
		return false
	}
}

// Pool is a small, reusable concurrency limit for
// FindMatchingRecordsParallel: the worker count is fixed once at
// construction and shared across scans rather than recomputed per
// call.
type Pool struct {
	workers int
}

// NewPool builds a Pool with the given worker count (clamped to at
// least 1).
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

const chunkSize = 256

// refChase is one eligible single-field-reference field of the type
// being scanned, precomputed once before the parallel ordinal scan.
type refChase struct {
	fieldIndex int
	matches    *roaring.Bitmap
}

// FindMatchingRecordsParallel is the concurrent counterpart of
// FindMatchingRecords restricted to a single named type: every
// reference-chase candidate field is resolved once up front (each
// recursive scanType call is itself sequential), then typeName's
// populated ordinals are partitioned into chunkSize-sized chunks and
// pool.workers goroutines pull the next unclaimed chunk off a shared
// atomic cursor until none remain, OR-ing the direct scalar match with
// every resolved reference chase per ordinal.
func FindMatchingRecordsParallel(ctx context.Context, r *readstate.State, typeName, fieldName, fieldValueText string, pool *Pool) (*roaring.Bitmap, error) {
	schemas := r.Schemas()
	obj, ok := schemas.Get(typeName).(*schema.Object)
	if !ok {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch, "type %q is not an object", typeName)
	}

	scalarIdx := -1
	var want readstate.Value
	var chases []refChase
	for i, f := range obj.Fields {
		if f.Type != schema.Reference {
			if f.Name == fieldName {
				if w, ok := parseScalar(f.Type, fieldValueText); ok {
					scalarIdx = i
					want = w
				}
			}
			continue
		}
		target, ok := schemas.Get(f.RefTarget).(*schema.Object)
		if !ok || len(target.Fields) != 1 {
			continue
		}
		refMatches, err := scanType(r, schemas, target, fieldName, fieldValueText)
		if err != nil {
			return nil, err
		}
		if !refMatches.IsEmpty() {
			chases = append(chases, refChase{fieldIndex: i, matches: refMatches})
		}
	}
	if scalarIdx < 0 && len(chases) == 0 {
		return roaring.New(), nil
	}

	ordinals := r.Populated(typeName).ToArray()
	numChunks := (len(ordinals) + chunkSize - 1) / chunkSize
	if numChunks == 0 {
		return roaring.New(), nil
	}
	workers := pool.workers
	if workers > numChunks {
		workers = numChunks
	}

	var cursor atomic.Uint64
	var mu sync.Mutex
	result := roaring.New()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				chunkIdx := int(cursor.Add(1) - 1)
				if chunkIdx >= numChunks {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				start := chunkIdx * chunkSize
				end := start + chunkSize
				if end > len(ordinals) {
					end = len(ordinals)
				}
				var local []uint32
				for _, ord := range ordinals[start:end] {
					if matchesOrdinal(r, typeName, ord, scalarIdx, obj, want, chases) {
						local = append(local, ord)
					}
				}
				if len(local) > 0 {
					mu.Lock()
					result.AddMany(local)
					mu.Unlock()
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func matchesOrdinal(r *readstate.State, typeName string, ord uint32, scalarIdx int, obj *schema.Object, want readstate.Value, chases []refChase) bool {
	if scalarIdx >= 0 {
		v, present := r.ReadField(typeName, ord, scalarIdx)
		if present && scalarEquals(obj.Fields[scalarIdx].Type, v, want) {
			return true
		}
	}
	for _, c := range chases {
		v, present := r.ReadField(typeName, ord, c.fieldIndex)
		if present && c.matches.Contains(uint32(v.RefOrd)) {
			return true
		}
	}
	return false
}
