package schema

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/sediment/sediment/internal/errs"
)

// tag bytes from the blob format spec; high bit marks a key-carrying
// variant (object primary key, set/map hash key).
const (
	tagObject  byte = 0x00
	tagList    byte = 0x01
	tagSet     byte = 0x02
	tagMap     byte = 0x03
	tagHasKey  byte = 0x80
	tagKindBit byte = 0x7f
)

func fieldTypeTag(t FieldType) byte { return byte(t) }

func fieldTypeFromTag(b byte) (FieldType, error) {
	if b > byte(Reference) {
		return 0, errs.Wrapf(errs.ErrMalformedSchema, "unknown field type tag %d", b)
	}
	return FieldType(b), nil
}

// writeUTF writes a uvarint length prefix followed by the UTF-8 bytes
// of s.
func writeUTF(w *bufio.Writer, s string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

// WriteUTF and ReadUTF expose the wire codec's length-prefixed UTF-8
// string helper to other packages (blob) that need the same framing.
func WriteUTF(w *bufio.Writer, s string) error { return writeUTF(w, s) }
func ReadUTF(r io.ByteReader) (string, error)   { return readUTF(r) }

func readUTF(r io.ByteReader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", errs.Wrap(errs.ErrTruncatedBlob, "reading UTF length")
	}
	buf := make([]byte, n)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return "", errs.Wrap(errs.ErrTruncatedBlob, "reading UTF bytes")
		}
		buf[i] = b
	}
	return string(buf), nil
}

func writeKeySection(w *bufio.Writer, key []string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	for _, p := range key {
		if err := writeUTF(w, p); err != nil {
			return err
		}
	}
	return nil
}

func readKeySection(r io.ByteReader) ([]string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading key field count")
	}
	if n == 0 {
		return nil, nil // ordinal-hash-key / no-primary-key sentinel
	}
	out := make([]string, n)
	for i := range out {
		s, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// WriteTo writes one schema's wire representation: tag, name, and
// per-variant payload, per spec.
func WriteTo(w io.Writer, sc Schema) error {
	bw := bufio.NewWriter(w)
	var tag byte
	switch sc.(type) {
	case *Object:
		tag = tagObject
	case *List:
		tag = tagList
	case *SetSchema:
		tag = tagSet
	case *Map:
		tag = tagMap
	default:
		return errs.Wrapf(errs.ErrMalformedSchema, "unknown schema implementation for %q", sc.SchemaName())
	}

	hasKey := false
	switch t := sc.(type) {
	case *Object:
		hasKey = len(t.PrimaryKey) > 0
	case *SetSchema:
		hasKey = len(t.HashKey) > 0
	case *Map:
		hasKey = len(t.HashKey) > 0
	}
	if hasKey {
		tag |= tagHasKey
	}
	if err := bw.WriteByte(tag); err != nil {
		return err
	}
	if err := writeUTF(bw, sc.SchemaName()); err != nil {
		return err
	}

	switch t := sc.(type) {
	case *Object:
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], uint64(len(t.Fields)))
		if _, err := bw.Write(buf[:n]); err != nil {
			return err
		}
		for _, f := range t.Fields {
			if err := bw.WriteByte(fieldTypeTag(f.Type)); err != nil {
				return err
			}
			if err := writeUTF(bw, f.Name); err != nil {
				return err
			}
			if f.Type == Reference {
				if err := writeUTF(bw, f.RefTarget); err != nil {
					return err
				}
			}
		}
		if hasKey {
			if err := writeKeySection(bw, t.PrimaryKey); err != nil {
				return err
			}
		}
	case *List:
		if err := writeUTF(bw, t.ElementType); err != nil {
			return err
		}
	case *SetSchema:
		if err := writeUTF(bw, t.ElementType); err != nil {
			return err
		}
		if hasKey {
			if err := writeKeySection(bw, t.HashKey); err != nil {
				return err
			}
		}
	case *Map:
		if err := writeUTF(bw, t.KeyType); err != nil {
			return err
		}
		if err := writeUTF(bw, t.ValueType); err != nil {
			return err
		}
		if hasKey {
			if err := writeKeySection(bw, t.HashKey); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadFrom reads one schema's wire representation.
func ReadFrom(r *bufio.Reader) (Schema, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading schema tag")
	}
	hasKey := tagByte&tagHasKey != 0
	kind := tagByte &^ tagHasKey
	name, err := readUTF(r)
	if err != nil {
		return nil, err
	}

	switch kind {
	case tagObject:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading field count")
		}
		fields := make([]Field, n)
		for i := range fields {
			ftByte, err := r.ReadByte()
			if err != nil {
				return nil, errs.Wrap(errs.ErrTruncatedBlob, "reading field type")
			}
			ft, err := fieldTypeFromTag(ftByte)
			if err != nil {
				return nil, err
			}
			fname, err := readUTF(r)
			if err != nil {
				return nil, err
			}
			f := Field{Name: fname, Type: ft}
			if ft == Reference {
				ref, err := readUTF(r)
				if err != nil {
					return nil, err
				}
				f.RefTarget = ref
			}
			fields[i] = f
		}
		var pk []string
		if hasKey {
			pk, err = readKeySection(r)
			if err != nil {
				return nil, err
			}
		}
		return &Object{Name: name, Fields: fields, PrimaryKey: pk}, nil

	case tagList:
		if hasKey {
			return nil, errs.Wrapf(errs.ErrMalformedSchema, "list schema %q cannot carry a key", name)
		}
		elem, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		return &List{Name: name, ElementType: elem}, nil

	case tagSet:
		elem, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		var hk []string
		if hasKey {
			hk, err = readKeySection(r)
			if err != nil {
				return nil, err
			}
		}
		return &SetSchema{Name: name, ElementType: elem, HashKey: hk}, nil

	case tagMap:
		kt, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		vt, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		var hk []string
		if hasKey {
			hk, err = readKeySection(r)
			if err != nil {
				return nil, err
			}
		}
		return &Map{Name: name, KeyType: kt, ValueType: vt, HashKey: hk}, nil

	default:
		return nil, errs.Wrapf(errs.ErrMalformedSchema, "unknown schema tag %#x", tagByte)
	}
}

// WriteSet writes a uvarint count followed by each schema's WriteTo
// output, in the set's insertion order — this is the blob format's
// schemaHeader section.
func WriteSet(w io.Writer, s Set) error {
	bw := bufio.NewWriter(w)
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(s.Len()))
	if _, err := bw.Write(buf[:n]); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	for _, name := range s.Names() {
		if err := WriteTo(w, s.Get(name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFrom reads a schemaHeader section back into a validated Set.
func LoadFrom(r io.Reader) (Set, error) {
	br := bufio.NewReader(r)
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return Set{}, errs.Wrap(errs.ErrTruncatedBlob, "reading schema count")
	}
	schemas := make([]Schema, 0, n)
	for i := uint64(0); i < n; i++ {
		sc, err := ReadFrom(br)
		if err != nil {
			return Set{}, err
		}
		schemas = append(schemas, sc)
	}
	return NewSet(schemas)
}
