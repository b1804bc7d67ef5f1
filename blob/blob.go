// Package blob is the bit-exact binary framing for one published
// dataset artifact: a magic-prefixed, length-prefixed stream carrying
// a schema header and one typed section per type, all of one kind
// (snapshot, forward delta, or reverse delta).
package blob

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sediment/sediment/internal/bitutil"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/internal/mathutil"
	"github.com/sediment/sediment/readstate"
	"github.com/sediment/sediment/schema"
)

var magic = [4]byte{'H', 'O', 'L', 'W'}

// FormatVersion is the current wire format version written by Write
// and the only version Read accepts.
const FormatVersion = 1

const (
	sectionSnapshot     byte = 0x10
	sectionDelta        byte = 0x11
	sectionReverseDelta byte = 0x12
)

func sectionTagFor(kind readstate.PayloadKind) (byte, error) {
	switch kind {
	case readstate.Snapshot:
		return sectionSnapshot, nil
	case readstate.Forward:
		return sectionDelta, nil
	case readstate.Reverse:
		return sectionReverseDelta, nil
	default:
		return 0, errs.Wrapf(errs.ErrMalformedBlob, "unknown payload kind %d", kind)
	}
}

func kindForSectionTag(tag byte) (readstate.PayloadKind, error) {
	switch tag {
	case sectionSnapshot:
		return readstate.Snapshot, nil
	case sectionDelta:
		return readstate.Forward, nil
	case sectionReverseDelta:
		return readstate.Reverse, nil
	default:
		return 0, errs.Wrapf(errs.ErrMalformedBlob, "unknown section tag %#x", tag)
	}
}

// Write frames payload as a complete blob onto w: magic, format
// version, schema header, then one typed section per type in
// schemas.Names() order.
func Write(w io.Writer, schemas schema.Set, payload *readstate.Payload) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := writeUvarint(bw, FormatVersion); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := schema.WriteSet(w, schemas); err != nil {
		return err
	}

	tag, err := sectionTagFor(payload.Kind)
	if err != nil {
		return err
	}
	for _, name := range schemas.Names() {
		tp, ok := payload.Types[name]
		if !ok {
			return errs.Wrapf(errs.ErrSchemaMismatch, "payload missing type %q", name)
		}
		if err := writeTypeSection(w, tag, name, schemas.Get(name), tp); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a complete blob from r, returning the embedded schema
// set and the decoded payload.
func Read(r io.Reader) (schema.Set, *readstate.Payload, error) {
	br := bufio.NewReader(r)
	var got [4]byte
	if _, err := io.ReadFull(br, got[:]); err != nil {
		return schema.Set{}, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading magic")
	}
	if got != magic {
		return schema.Set{}, nil, errs.Wrapf(errs.ErrMalformedBlob, "bad magic %q", got[:])
	}
	version, err := binary.ReadUvarint(br)
	if err != nil {
		return schema.Set{}, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading format version")
	}
	if version != FormatVersion {
		return schema.Set{}, nil, errs.Wrapf(errs.ErrUnknownFormatVersion, "got %d, want %d", version, FormatVersion)
	}

	schemas, err := schema.LoadFrom(br)
	if err != nil {
		return schema.Set{}, nil, err
	}

	payload := &readstate.Payload{Types: make(map[string]*readstate.TypePayload, schemas.Len())}
	first := true
	for _, name := range schemas.Names() {
		tag, gotName, tp, err := readTypeSection(br, schemas.Get(name))
		if err != nil {
			return schema.Set{}, nil, err
		}
		if gotName != name {
			return schema.Set{}, nil, errs.Wrapf(errs.ErrSchemaMismatch, "section names %q, schema header expects %q", gotName, name)
		}
		kind, err := kindForSectionTag(tag)
		if err != nil {
			return schema.Set{}, nil, err
		}
		if first {
			payload.Kind = kind
			first = false
		} else if payload.Kind != kind {
			return schema.Set{}, nil, errs.Wrapf(errs.ErrMalformedBlob, "mixed section kinds in one blob")
		}
		payload.Types[name] = tp
	}
	return schemas, payload, nil
}

func writeTypeSection(w io.Writer, tag byte, name string, sc schema.Schema, tp *readstate.TypePayload) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(tag); err != nil {
		return err
	}
	if err := schema.WriteUTF(bw, name); err != nil {
		return err
	}

	var deltaBitmap *roaring.Bitmap
	if tag == sectionSnapshot {
		deltaBitmap = tp.PopulatedAfter
	} else {
		deltaBitmap = tp.Removed
	}
	if deltaBitmap == nil {
		deltaBitmap = roaring.New()
	}
	if err := writeBitmap(bw, deltaBitmap); err != nil {
		return err
	}

	added := roaring.New()
	added.AddMany(tp.Added)
	if err := writeBitmap(bw, added); err != nil {
		return err
	}
	ghostAtPublish := tp.GhostAtPublish
	if ghostAtPublish == nil {
		ghostAtPublish = roaring.New()
	}
	if err := writeBitmap(bw, ghostAtPublish); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// A snapshot section carries column data for its whole populated
	// set; a delta section carries it for the ordinals it adds.
	ordinals := tp.Added
	if tag == sectionSnapshot {
		ordinals = deltaBitmap.ToArray()
	}
	switch t := sc.(type) {
	case *schema.Object:
		return writeObjectColumns(w, t, ordinals, tp)
	case *schema.List:
		return writeElementLists(w, ordinals, tp.ListValues)
	case *schema.SetSchema:
		return writeElementLists(w, ordinals, tp.SetValues)
	case *schema.Map:
		return writePairLists(w, ordinals, tp.MapValues)
	default:
		return errs.Wrapf(errs.ErrMalformedSchema, "unknown schema kind for %q", name)
	}
}

func readTypeSection(br *bufio.Reader, sc schema.Schema) (tag byte, name string, tp *readstate.TypePayload, err error) {
	tag, err = br.ReadByte()
	if err != nil {
		return 0, "", nil, errs.Wrap(errs.ErrTruncatedBlob, "reading section tag")
	}
	name, err = schema.ReadUTF(br)
	if err != nil {
		return 0, "", nil, err
	}
	deltaBitmap, err := readBitmap(br)
	if err != nil {
		return 0, "", nil, err
	}
	added, err := readBitmap(br)
	if err != nil {
		return 0, "", nil, err
	}
	ghostAtPublish, err := readBitmap(br)
	if err != nil {
		return 0, "", nil, err
	}

	tp = &readstate.TypePayload{Name: name, Added: added.ToArray(), GhostAtPublish: ghostAtPublish}
	if tag == sectionSnapshot {
		tp.PopulatedAfter = deltaBitmap
	} else {
		tp.Removed = deltaBitmap
	}

	ordinals := tp.Added
	if tag == sectionSnapshot {
		ordinals = deltaBitmap.ToArray()
	}
	switch t := sc.(type) {
	case *schema.Object:
		values, widths, err := readObjectColumns(br, t, ordinals)
		if err != nil {
			return 0, "", nil, err
		}
		tp.ObjectValues = values
		tp.FieldWidths = widths
	case *schema.List:
		lists, err := readElementLists(br, ordinals)
		if err != nil {
			return 0, "", nil, err
		}
		tp.ListValues = lists
	case *schema.SetSchema:
		sets, err := readElementLists(br, ordinals)
		if err != nil {
			return 0, "", nil, err
		}
		tp.SetValues = sets
	case *schema.Map:
		pairs, err := readPairLists(br, ordinals)
		if err != nil {
			return 0, "", nil, err
		}
		tp.MapValues = pairs
	default:
		return 0, "", nil, errs.Wrapf(errs.ErrMalformedSchema, "unknown schema kind for %q", name)
	}
	return tag, name, tp, nil
}

func writeObjectColumns(w io.Writer, t *schema.Object, ordinals []uint32, tp *readstate.TypePayload) error {
	bw := bufio.NewWriter(w)
	ordered := append([]uint32(nil), ordinals...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for fi, f := range t.Fields {
		switch f.Type {
		case schema.String, schema.Bytes:
			for _, ord := range ordered {
				v := tp.ObjectValues[ord][fi]
				if v.Null {
					if err := bw.WriteByte(0); err != nil {
						return err
					}
					continue
				}
				if err := bw.WriteByte(1); err != nil {
					return err
				}
				var data []byte
				if f.Type == schema.String {
					data = []byte(v.S)
				} else {
					data = v.Bin
				}
				if err := writeUvarint(bw, uint64(len(data))); err != nil {
					return err
				}
				if _, err := bw.Write(data); err != nil {
					return err
				}
			}
		default:
			width := 1
			if fi < len(tp.FieldWidths) {
				width = tp.FieldWidths[fi]
			}
			if width <= 0 {
				width = 1
			}
			if err := bw.WriteByte(byte(width)); err != nil {
				return err
			}
			packed := bitutil.NewPackedInts(len(ordered), width)
			for i, ord := range ordered {
				v := tp.ObjectValues[ord][fi]
				if v.Null {
					packed.Set(i, bitutil.NullSentinel(width))
				} else {
					packed.Set(i, readstate.EncodeColumnValue(v))
				}
			}
			if err := writeWords(bw, packed.Words()); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func readObjectColumns(br *bufio.Reader, t *schema.Object, added []uint32) (map[uint32][]readstate.Value, []int, error) {
	ordered := append([]uint32(nil), added...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	values := make(map[uint32][]readstate.Value, len(ordered))
	for _, ord := range ordered {
		values[ord] = make([]readstate.Value, len(t.Fields))
	}
	widths := make([]int, len(t.Fields))

	for fi, f := range t.Fields {
		switch f.Type {
		case schema.String, schema.Bytes:
			for _, ord := range ordered {
				present, err := br.ReadByte()
				if err != nil {
					return nil, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading string presence byte")
				}
				if present == 0 {
					values[ord][fi] = readstate.Value{Kind: f.Type, Null: true}
					continue
				}
				n, err := binary.ReadUvarint(br)
				if err != nil {
					return nil, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading string length")
				}
				data := make([]byte, n)
				if _, err := io.ReadFull(br, data); err != nil {
					return nil, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading string bytes")
				}
				if f.Type == schema.String {
					values[ord][fi] = readstate.Value{Kind: schema.String, S: string(data)}
				} else {
					values[ord][fi] = readstate.Value{Kind: schema.Bytes, Bin: data}
				}
			}
		default:
			widthByte, err := br.ReadByte()
			if err != nil {
				return nil, nil, errs.Wrap(errs.ErrTruncatedBlob, "reading field width")
			}
			width := int(widthByte)
			widths[fi] = width
			words, err := readWords(br, len(ordered), width)
			if err != nil {
				return nil, nil, err
			}
			packed := bitutil.FromWords(words, len(ordered), width)
			for i, ord := range ordered {
				if packed.IsNull(i) {
					values[ord][fi] = readstate.Value{Kind: f.Type, Null: true}
					continue
				}
				values[ord][fi] = readstate.DecodeColumnValue(f.Type, packed.Get(i))
			}
		}
	}
	return values, widths, nil
}

func writeElementLists(w io.Writer, added []uint32, data map[uint32][]uint32) error {
	bw := bufio.NewWriter(w)
	ordered := append([]uint32(nil), added...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, ord := range ordered {
		elems := data[ord]
		if err := writeUvarint(bw, uint64(len(elems))); err != nil {
			return err
		}
		for _, e := range elems {
			if err := writeUvarint(bw, uint64(e)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func readElementLists(br *bufio.Reader, added []uint32) (map[uint32][]uint32, error) {
	ordered := append([]uint32(nil), added...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	out := make(map[uint32][]uint32, len(ordered))
	for _, ord := range ordered {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading element count")
		}
		elems := make([]uint32, n)
		for i := range elems {
			e, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading element ordinal")
			}
			elems[i] = uint32(e)
		}
		out[ord] = elems
	}
	return out, nil
}

func writePairLists(w io.Writer, added []uint32, data map[uint32][]readstate.Pair) error {
	bw := bufio.NewWriter(w)
	ordered := append([]uint32(nil), added...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, ord := range ordered {
		pairs := data[ord]
		if err := writeUvarint(bw, uint64(len(pairs))); err != nil {
			return err
		}
		for _, p := range pairs {
			if err := writeUvarint(bw, uint64(p.Key)); err != nil {
				return err
			}
			if err := writeUvarint(bw, uint64(p.Value)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func readPairLists(br *bufio.Reader, added []uint32) (map[uint32][]readstate.Pair, error) {
	ordered := append([]uint32(nil), added...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	out := make(map[uint32][]readstate.Pair, len(ordered))
	for _, ord := range ordered {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading pair count")
		}
		pairs := make([]readstate.Pair, n)
		for i := range pairs {
			k, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading pair key")
			}
			v, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading pair value")
			}
			pairs[i] = readstate.Pair{Key: uint32(k), Value: uint32(v)}
		}
		out[ord] = pairs
	}
	return out, nil
}

func writeUvarint(bw *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := bw.Write(buf[:n])
	return err
}

func writeWords(bw *bufio.Writer, words []uint64) error {
	if err := writeUvarint(bw, uint64(len(words))); err != nil {
		return err
	}
	var buf [8]byte
	for _, word := range words {
		binary.LittleEndian.PutUint64(buf[:], word)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func readWords(br *bufio.Reader, n, width int) ([]uint64, error) {
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading word count")
	}
	totalBits, overflow := mathutil.SafeMul(uint64(n), uint64(width))
	if overflow {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "packed column of %d values at width %d overflows", n, width)
	}
	want := (totalBits + 63) / 64
	if count != want {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "word count %d does not match n=%d width=%d (want %d)", count, n, width, want)
	}
	words := make([]uint64, count)
	var buf [8]byte
	for i := range words {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading packed word")
		}
		words[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return words, nil
}

func writeBitmap(bw *bufio.Writer, b *roaring.Bitmap) error {
	data, err := b.ToBytes()
	if err != nil {
		return err
	}
	if err := writeUvarint(bw, uint64(len(data))); err != nil {
		return err
	}
	_, err = bw.Write(data)
	return err
}

func readBitmap(br *bufio.Reader) (*roaring.Bitmap, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading bitmap length")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading bitmap bytes")
	}
	b := roaring.New()
	if _, err := b.FromBuffer(data); err != nil {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "decoding bitmap: %v", err)
	}
	return b, nil
}
